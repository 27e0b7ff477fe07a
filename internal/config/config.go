package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the relay server.
type Config struct {
	// Address the HTTP/WebSocket listener binds to.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":4000"`

	// ServerID identifies this relay instance in server_heartbeat frames
	// and logs. Defaults to the system hostname.
	ServerID string `env:"SERVER_ID"`

	// AuthSecret enables HS256 verification of the socket-attach token.
	// Empty means open attach (development).
	AuthSecret string `env:"AUTH_SECRET"`

	// Comma-separated origin patterns accepted for the WebSocket upgrade.
	// Empty restricts to same-origin requests.
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	// Path of the bbolt event log backing sync replay.
	EventLogPath string `env:"EVENT_LOG_PATH" envDefault:"relay-events.db"`

	// EventRetention bounds how far back sync_request can replay.
	EventRetention time.Duration `env:"EVENT_RETENTION" envDefault:"24h"`

	// ServerHeartbeatInterval is how often the server probes each session.
	ServerHeartbeatInterval time.Duration `env:"SERVER_HEARTBEAT_INTERVAL" envDefault:"30s"`

	// IdleDisconnectAfter closes a session that has sent nothing (not even
	// heartbeats) for this long.
	IdleDisconnectAfter time.Duration `env:"IDLE_DISCONNECT_AFTER" envDefault:"120s"`

	// SessionBuffer is the per-session outbound queue length. A session
	// whose queue is full counts deliveries as failed rather than blocking
	// the dispatcher.
	SessionBuffer int `env:"SESSION_BUFFER" envDefault:"64"`

	// AckDedupSize bounds the LRU of seen message_ack correlation IDs.
	AckDedupSize int `env:"ACK_DEDUP_SIZE" envDefault:"4096"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.ServerID == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "zapdesk-relay"
		}

		cfg.ServerID = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve the event log to an absolute path so a later working
	// directory change cannot silently split the log across files.
	absPath, err := filepath.Abs(cfg.EventLogPath)
	if err != nil {
		return nil, fmt.Errorf("resolving event log path: %w", err)
	}

	cfg.EventLogPath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR must not be empty")
	}

	if c.SessionBuffer < 1 {
		return fmt.Errorf("SESSION_BUFFER must be at least 1")
	}

	if c.AckDedupSize < 1 {
		return fmt.Errorf("ACK_DEDUP_SIZE must be at least 1")
	}

	if c.ServerHeartbeatInterval <= 0 {
		return fmt.Errorf("SERVER_HEARTBEAT_INTERVAL must be positive")
	}

	if c.IdleDisconnectAfter <= c.ServerHeartbeatInterval {
		return fmt.Errorf("IDLE_DISCONNECT_AFTER must exceed SERVER_HEARTBEAT_INTERVAL")
	}

	if c.EventRetention <= 0 {
		return fmt.Errorf("EVENT_RETENTION must be positive")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
