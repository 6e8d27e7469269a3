package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	Load()

	if Cfg.Listen != ":8080" {
		t.Errorf("expected default listen :8080, got %q", Cfg.Listen)
	}
	if Cfg.SandboxImage != "shellgate-sandbox:latest" {
		t.Errorf("unexpected default sandbox image %q", Cfg.SandboxImage)
	}
	if Cfg.SandboxShell != "/bin/bash" {
		t.Errorf("unexpected default shell %q", Cfg.SandboxShell)
	}
	if len(Cfg.SandboxCommand) != 2 || Cfg.SandboxCommand[0] != "sleep" {
		t.Errorf("unexpected default sandbox command %v", Cfg.SandboxCommand)
	}
	if Cfg.MaxSessions != 50 {
		t.Errorf("expected default max sessions 50, got %d", Cfg.MaxSessions)
	}
	if Cfg.AuthTimeout != 10*time.Second {
		t.Errorf("expected default auth timeout 10s, got %v", Cfg.AuthTimeout)
	}
	if Cfg.IdleTimeout != 5*time.Minute {
		t.Errorf("expected default idle timeout 5m, got %v", Cfg.IdleTimeout)
	}
	if Cfg.GraceWindow != 60*time.Second {
		t.Errorf("expected default grace window 60s, got %v", Cfg.GraceWindow)
	}
	if Cfg.OutputRingBytes != 262144 {
		t.Errorf("expected default ring of 256KiB, got %d", Cfg.OutputRingBytes)
	}
	if Cfg.AdminToken != "" {
		t.Errorf("admin token must default to disabled, got %q", Cfg.AdminToken)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SHELLGATE_LISTEN", ":9999")
	t.Setenv("SHELLGATE_MAX_SESSIONS", "7")
	t.Setenv("SHELLGATE_IDLE_TIMEOUT", "90s")
	t.Setenv("SHELLGATE_SANDBOX_COMMAND", "tail,-f,/dev/null")
	t.Setenv("SHELLGATE_MEMORY_LIMIT", "1g")

	Load()

	if Cfg.Listen != ":9999" {
		t.Errorf("expected listen :9999, got %q", Cfg.Listen)
	}
	if Cfg.MaxSessions != 7 {
		t.Errorf("expected max sessions 7, got %d", Cfg.MaxSessions)
	}
	if Cfg.IdleTimeout != 90*time.Second {
		t.Errorf("expected idle timeout 90s, got %v", Cfg.IdleTimeout)
	}
	want := []string{"tail", "-f", "/dev/null"}
	if len(Cfg.SandboxCommand) != len(want) {
		t.Fatalf("expected command %v, got %v", want, Cfg.SandboxCommand)
	}
	for i := range want {
		if Cfg.SandboxCommand[i] != want[i] {
			t.Errorf("command[%d] = %q, want %q", i, Cfg.SandboxCommand[i], want[i])
		}
	}
	if Cfg.MemoryLimit != "1g" {
		t.Errorf("expected memory limit 1g, got %q", Cfg.MemoryLimit)
	}
}
