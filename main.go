package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/shellgate/shellgate/internal/auth"
	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/database"
	"github.com/shellgate/shellgate/internal/handlers"
	"github.com/shellgate/shellgate/internal/logging"
	"github.com/shellgate/shellgate/internal/middleware"
	"github.com/shellgate/shellgate/internal/orchestrator"
	"github.com/shellgate/shellgate/internal/session"
)

// sandboxProvisioner narrows the orchestrator to the surface the connection
// manager needs.
type sandboxProvisioner struct {
	orch *orchestrator.Orchestrator
}

func (p sandboxProvisioner) CreateContainer(ctx context.Context, sessionID string, creds auth.Credentials) (string, error) {
	return p.orch.CreateContainer(ctx, sessionID, creds)
}

func (p sandboxProvisioner) AttachShell(ctx context.Context, containerID string) (handlers.ShellStream, error) {
	return p.orch.AttachShell(ctx, containerID)
}

func (p sandboxProvisioner) ReleaseContainer(ctx context.Context, containerID string) error {
	return p.orch.ReleaseContainer(ctx, containerID)
}

func main() {
	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	ctx := context.Background()

	orch, err := orchestrator.New(ctx)
	if err != nil {
		log.Fatalf("Container runtime init: %v", err)
	}
	defer orch.Close()

	if err := orch.EnsureImage(ctx); err != nil {
		log.Fatalf("Sandbox image: %v", err)
	}

	registry := session.NewRegistry(session.Config{
		StartDeadline: config.Cfg.AuthTimeout,
		IdleTimeout:   config.Cfg.IdleTimeout,
		GraceWindow:   config.Cfg.GraceWindow,
		RingBytes:     config.Cfg.OutputRingBytes,
	}, orch, database.Auditor{})

	handlers.Registry = registry
	handlers.Sandbox = sandboxProvisioner{orch: orch}

	// Sweep containers left behind by a previous crashed run before
	// accepting any connections.
	if n, err := orch.SweepStale(ctx, registry.IsLive); err != nil {
		log.Fatalf("Stale container sweep: %v", err)
	} else if n > 0 {
		log.Printf("Removed %d stale sandbox container(s)", n)
	}

	// Keep sweeping on a schedule so a removal that failed once is retried.
	sweeper := cron.New()
	sweeper.Schedule(cron.Every(config.Cfg.SweepInterval), cron.FuncJob(func() {
		if n, err := orch.SweepStale(ctx, registry.IsLive); err != nil {
			log.Printf("Orphan sweep: %v", err)
		} else if n > 0 {
			log.Printf("Orphan sweep removed %d container(s)", n)
		}
	}))
	sweeper.Start()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)
	r.Get("/terminal", handlers.TerminalWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdminToken)

			r.Get("/sessions", handlers.ListSessions)
			r.Get("/sessions/history", handlers.SessionHistory)
			r.Delete("/sessions/{sessionId}", handlers.TerminateSession)
			r.Get("/logs", handlers.GetServerLogs)
		})
	})

	srv := &http.Server{
		Addr:    config.Cfg.Listen,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s (max sessions %d)", config.Cfg.Listen, config.Cfg.MaxSessions)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")
	sweeper.Stop()

	// Bounded best-effort drain: terminate every session concurrently, but
	// exit forcibly rather than hang if cleanup wedges.
	drained := make(chan struct{})
	go func() {
		registry.DrainAll(session.ReasonShutdown)
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(config.Cfg.ShutdownGrace):
		log.Printf("Shutdown grace (%s) elapsed with sessions still draining, exiting", config.Cfg.ShutdownGrace)
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
