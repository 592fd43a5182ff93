package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, name := range []string{
		"SSH_MCP_SESSION_TIMEOUT", "SSH_MCP_ALLOWED_ROOT", "SSH_MCP_COMMAND_TIMEOUT",
		"SSH_MCP_KEY_PATH", "SSH_MCP_DEBUG_ASYNCSSH", "SSH_MCP_AUDIT_DB",
	} {
		// Setenv registers the restore; Unsetenv makes the defaults apply.
		t.Setenv(name, "")
		os.Unsetenv(name)
	}

	Load()

	if Cfg.SessionTimeout != 300 {
		t.Errorf("SessionTimeout = %d, want 300", Cfg.SessionTimeout)
	}
	if Cfg.AllowedRoot != "/" {
		t.Errorf("AllowedRoot = %q, want /", Cfg.AllowedRoot)
	}
	if Cfg.CommandTimeout != 60*time.Second {
		t.Errorf("CommandTimeout = %s, want 60s", Cfg.CommandTimeout)
	}
	if Cfg.KeyPath != "/data/id_ed25519" {
		t.Errorf("KeyPath = %q", Cfg.KeyPath)
	}
	if Cfg.DebugTransport {
		t.Error("DebugTransport should default to false")
	}
	if Cfg.AuditPurgeSchedule != "@daily" {
		t.Errorf("AuditPurgeSchedule = %q", Cfg.AuditPurgeSchedule)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SSH_MCP_SESSION_TIMEOUT", "5")
	t.Setenv("SSH_MCP_ALLOWED_ROOT", "/srv")
	t.Setenv("SSH_MCP_COMMAND_TIMEOUT", "2s")
	t.Setenv("SSH_MCP_DEBUG_ASYNCSSH", "true")

	Load()

	if Cfg.IdleTimeout() != 5*time.Second {
		t.Errorf("IdleTimeout() = %s, want 5s", Cfg.IdleTimeout())
	}
	if Cfg.AllowedRoot != "/srv" {
		t.Errorf("AllowedRoot = %q, want /srv", Cfg.AllowedRoot)
	}
	if Cfg.CommandTimeout != 2*time.Second {
		t.Errorf("CommandTimeout = %s, want 2s", Cfg.CommandTimeout)
	}
	if !Cfg.DebugTransport {
		t.Error("DebugTransport should be true")
	}
}

func TestResolvedFallbackKeyPath(t *testing.T) {
	s := Settings{FallbackKeyPath: "/tmp/custom/id"}
	if got := s.ResolvedFallbackKeyPath(); got != "/tmp/custom/id" {
		t.Errorf("explicit fallback = %q", got)
	}

	t.Setenv("HOME", "/home/tester")
	s = Settings{}
	got := s.ResolvedFallbackKeyPath()
	if !strings.HasSuffix(got, filepath.Join(".ssh-mcp", "id_ed25519")) {
		t.Errorf("default fallback = %q, want suffix .ssh-mcp/id_ed25519", got)
	}
}
