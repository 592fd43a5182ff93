package config

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	// Session store
	SessionTimeout int `envconfig:"SESSION_TIMEOUT" default:"300"`

	// Multiplexer policy
	AllowedRoot       string        `envconfig:"ALLOWED_ROOT" default:"/"`
	CommandTimeout    time.Duration `envconfig:"COMMAND_TIMEOUT" default:"60s"`
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`
	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`
	KnownHostsPath    string        `envconfig:"KNOWN_HOSTS" default:""`

	// System key pair
	KeyPath         string `envconfig:"KEY_PATH" default:"/data/id_ed25519"`
	FallbackKeyPath string `envconfig:"FALLBACK_KEY_PATH" default:""`

	// Logging
	LogPath        string `envconfig:"LOG_PATH" default:""`
	DebugTransport bool   `envconfig:"DEBUG_ASYNCSSH" default:"false"`

	// Audit trail
	AuditDBPath        string `envconfig:"AUDIT_DB" default:""`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
	AuditPurgeSchedule string `envconfig:"AUDIT_PURGE_SCHEDULE" default:"@daily"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SSH_MCP", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// IdleTimeout returns SessionTimeout as a duration.
func (s Settings) IdleTimeout() time.Duration {
	return time.Duration(s.SessionTimeout) * time.Second
}

// ResolvedFallbackKeyPath returns FallbackKeyPath, or ~/.ssh-mcp/id_ed25519
// when it is unset.
func (s Settings) ResolvedFallbackKeyPath() string {
	if s.FallbackKeyPath != "" {
		return s.FallbackKeyPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".ssh-mcp", "id_ed25519")
}
