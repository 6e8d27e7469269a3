package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds all runtime configuration, loaded from SHELLGATE_* environment
// variables. Durations accept Go duration syntax ("10s", "5m").
type Settings struct {
	Listen   string `envconfig:"LISTEN" default:":8080"`
	DataPath string `envconfig:"DATA_PATH" default:"/var/lib/shellgate"`
	LogPath  string `envconfig:"LOG_PATH" default:""`

	DatabasePath string `envconfig:"DATABASE_PATH" default:""`

	// AdminToken protects the REST session-management API. Empty disables it.
	AdminToken string `envconfig:"ADMIN_TOKEN" default:""`

	DockerHost string `envconfig:"DOCKER_HOST" default:""`

	// Sandbox image and how to obtain it. When ImageBuildContext points at a
	// directory containing a Dockerfile the image is built on demand;
	// otherwise a missing image is pulled.
	SandboxImage      string   `envconfig:"SANDBOX_IMAGE" default:"shellgate-sandbox:latest"`
	ImageBuildContext string   `envconfig:"IMAGE_BUILD_CONTEXT" default:""`
	SandboxCommand    []string `envconfig:"SANDBOX_COMMAND" default:"sleep,infinity"`
	SandboxShell      string   `envconfig:"SANDBOX_SHELL" default:"/bin/bash"`
	NetworkMode       string   `envconfig:"NETWORK_MODE" default:"bridge"`

	// Sandbox resource limits. MemoryLimit accepts human units ("512m", "2g").
	CPULimit    float64 `envconfig:"CPU_LIMIT" default:"1.0"`
	MemoryLimit string  `envconfig:"MEMORY_LIMIT" default:"512m"`
	PidsLimit   int64   `envconfig:"PIDS_LIMIT" default:"256"`

	// StopTimeout bounds how long a container gets to shut down cleanly
	// before it is killed.
	StopTimeout int `envconfig:"STOP_TIMEOUT_SECONDS" default:"5"`

	// Session lifecycle knobs.
	MaxSessions     int           `envconfig:"MAX_SESSIONS" default:"50"`
	AuthTimeout     time.Duration `envconfig:"AUTH_TIMEOUT" default:"10s"`
	IdleTimeout     time.Duration `envconfig:"IDLE_TIMEOUT" default:"5m"`
	GraceWindow     time.Duration `envconfig:"GRACE_WINDOW" default:"60s"`
	OutputRingBytes int           `envconfig:"OUTPUT_RING_BYTES" default:"262144"`

	// SweepInterval controls the periodic orphan-container sweep.
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"5m"`

	// ShutdownGrace bounds how long draining sessions may take on exit.
	ShutdownGrace time.Duration `envconfig:"SHUTDOWN_GRACE" default:"15s"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SHELLGATE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
