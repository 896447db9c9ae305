// Package config provides agent configuration loaded from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// Config holds hostagent configuration.
type Config struct {
	// COMMS: connect to the controller bus at COMMSURL.
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME" default:"hostagent"`

	// Identity of this agent on the bus (e.g. "web01@fleet/agent").
	AgentID      string `envconfig:"AGENT_ID"`
	AgentVersion string `envconfig:"AGENT_VERSION" default:"1.0.0"`

	// Handlers
	HandlerPaths        []string      `envconfig:"HANDLER_PATHS" default:"/usr/lib/hostagent/handlers"`
	HandlerProbeTimeout time.Duration `envconfig:"HANDLER_PROBE_TIMEOUT" default:"10s"`
	PolicyFile          string        `envconfig:"POLICY_FILE"`

	// Execution
	DefaultCommandTimeout time.Duration `envconfig:"DEFAULT_COMMAND_TIMEOUT" default:"5m"`
	MaxCommandTimeout     time.Duration `envconfig:"MAX_COMMAND_TIMEOUT" default:"24h"`
	ResultSentinel        string        `envconfig:"RESULT_SENTINEL" default:"--8<-- hostagent-result --8<--"`
	MaxOutputBytes        int           `envconfig:"MAX_OUTPUT_BYTES" default:"4194304"`

	// Partial result flushing
	FlushMinBytes      int           `envconfig:"FLUSH_MIN_BYTES" default:"4096"`
	FlushMinInterval   time.Duration `envconfig:"FLUSH_MIN_INTERVAL" default:"2s"`
	FlushForceInterval time.Duration `envconfig:"FLUSH_FORCE_INTERVAL" default:"30s"`

	// Self health
	MemoryCeilingMB     int           `envconfig:"MEMORY_CEILING_MB" default:"512"`
	MemoryCheckInterval time.Duration `envconfig:"MEMORY_CHECK_INTERVAL" default:"1m"`

	// Request authentication
	TrustedKeyFile     string `envconfig:"TRUSTED_KEY_FILE"`
	TrustedKey         string `envconfig:"TRUSTED_KEY"`
	SignatureHash      string `envconfig:"SIGNATURE_HASH" default:"sha256"`
	SupportedProtocols string `envconfig:"SUPPORTED_PROTOCOLS" default:">= 1, <= 2"`

	// Session
	IdleWatchdog time.Duration `envconfig:"IDLE_WATCHDOG" default:"10m"`
	AckTimeout   time.Duration `envconfig:"ACK_TIMEOUT" default:"10s"`

	// Response bodies
	Compression       string `envconfig:"COMPRESSION" default:"zstd"`
	CompressThreshold int    `envconfig:"COMPRESS_THRESHOLD" default:"65536"`

	// Undelivered terminal responses (empty = disabled)
	OutboxPath string `envconfig:"OUTBOX_PATH"`

	// Execution journal (empty = disabled)
	JournalDatabaseURL string `envconfig:"JOURNAL_DATABASE_URL"`
	RunMigrations      bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath      string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ValidateForServe checks required config when running the agent.
func (c *Config) ValidateForServe() error {
	if strings.TrimSpace(c.AgentID) == "" {
		return fmt.Errorf("%s - AGENT_ID is required for serve", logPrefix)
	}
	if c.TrustedKeyFile == "" && c.TrustedKey == "" {
		return fmt.Errorf("%s - TRUSTED_KEY_FILE or TRUSTED_KEY is required for serve", logPrefix)
	}
	if len(c.HandlerPaths) == 0 {
		return fmt.Errorf("%s - HANDLER_PATHS must name at least one directory", logPrefix)
	}
	if c.DefaultCommandTimeout <= 0 {
		return fmt.Errorf("%s - DEFAULT_COMMAND_TIMEOUT must be positive", logPrefix)
	}
	if c.MaxCommandTimeout < 0 {
		return fmt.Errorf("%s - MAX_COMMAND_TIMEOUT must not be negative", logPrefix)
	}
	if c.MaxCommandTimeout > 0 && c.DefaultCommandTimeout > c.MaxCommandTimeout {
		return fmt.Errorf("%s - DEFAULT_COMMAND_TIMEOUT exceeds MAX_COMMAND_TIMEOUT", logPrefix)
	}
	if c.HandlerProbeTimeout <= 0 {
		return fmt.Errorf("%s - HANDLER_PROBE_TIMEOUT must be positive", logPrefix)
	}
	if c.FlushMinInterval <= 0 || c.FlushForceInterval <= 0 {
		return fmt.Errorf("%s - FLUSH_MIN_INTERVAL and FLUSH_FORCE_INTERVAL must be positive", logPrefix)
	}
	if c.IdleWatchdog <= 0 {
		return fmt.Errorf("%s - IDLE_WATCHDOG must be positive", logPrefix)
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("%s - ACK_TIMEOUT must be positive", logPrefix)
	}
	if c.MemoryCeilingMB < 0 {
		return fmt.Errorf("%s - MEMORY_CEILING_MB must not be negative", logPrefix)
	}
	if c.MemoryCeilingMB > 0 && c.MemoryCheckInterval <= 0 {
		return fmt.Errorf("%s - MEMORY_CHECK_INTERVAL must be positive", logPrefix)
	}
	if strings.TrimSpace(c.ResultSentinel) == "" {
		return fmt.Errorf("%s - RESULT_SENTINEL must not be empty", logPrefix)
	}
	switch c.Compression {
	case "zstd", "lz4", "none":
	default:
		return fmt.Errorf("%s - COMPRESSION must be one of zstd, lz4, none (got %q)", logPrefix, c.Compression)
	}
	return nil
}

// ValidateForJournal checks required config when running journal commands (migrate, journal, prune).
func (c *Config) ValidateForJournal() error {
	if c.JournalDatabaseURL == "" {
		return fmt.Errorf("%s - JOURNAL_DATABASE_URL is required", logPrefix)
	}
	return nil
}

// MemoryCeilingBytes returns the configured ceiling in bytes (0 = disabled).
func (c *Config) MemoryCeilingBytes() uint64 {
	if c.MemoryCeilingMB <= 0 {
		return 0
	}
	return uint64(c.MemoryCeilingMB) * 1024 * 1024
}
