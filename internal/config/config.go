package config

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "WEBSSH"

type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":18022"`
	StaticDir  string `envconfig:"STATIC_DIR" default:"./static"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogDev   bool   `envconfig:"LOG_DEV" default:"false"`
	LogPath  string `envconfig:"LOG_PATH" default:""`

	// WebSocket endpoint settings
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`
	MaxFrameSize   string   `envconfig:"MAX_FRAME_SIZE" default:"1MiB"`
	InputRate      float64  `envconfig:"INPUT_RATE" default:"200"`
	InputBurst     int      `envconfig:"INPUT_BURST" default:"200"`

	// SSH transport settings
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"15s"`
	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`
	SSHConfigPath     string        `envconfig:"SSH_CONFIG" default:""`
	KnownHostsPath    string        `envconfig:"KNOWN_HOSTS" default:""`
	DefaultTerm       string        `envconfig:"DEFAULT_TERM" default:"xterm-256color"`

	// Audit log; an empty DatabasePath disables it
	DatabasePath       string `envconfig:"DATABASE_PATH" default:""`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
	AuditPurgeSchedule string `envconfig:"AUDIT_PURGE_SCHEDULE" default:"@daily"`

	// Session recordings; an empty RecordingDir disables them
	RecordingDir string `envconfig:"RECORDING_DIR" default:""`
}

var Cfg Settings

// Load populates Cfg from the environment and validates it.
func Load() error {
	var s Settings
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return err
	}
	Cfg = s
	return nil
}

// Validate checks values envconfig cannot check on its own.
func (s Settings) Validate() error {
	if _, err := s.MaxFrameBytes(); err != nil {
		return err
	}
	if s.InputRate <= 0 {
		return fmt.Errorf("invalid %s_INPUT_RATE %v: must be positive", EnvPrefix, s.InputRate)
	}
	if s.InputBurst <= 0 {
		return fmt.Errorf("invalid %s_INPUT_BURST %d: must be positive", EnvPrefix, s.InputBurst)
	}
	if s.ConnectTimeout <= 0 {
		return fmt.Errorf("invalid %s_CONNECT_TIMEOUT %s: must be positive", EnvPrefix, s.ConnectTimeout)
	}
	return nil
}

// MaxFrameBytes parses MaxFrameSize ("64KiB", "1MiB", "1048576").
func (s Settings) MaxFrameBytes() (int64, error) {
	n, err := units.RAMInBytes(s.MaxFrameSize)
	if err != nil {
		return 0, fmt.Errorf("invalid %s_MAX_FRAME_SIZE %q: %w", EnvPrefix, s.MaxFrameSize, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s_MAX_FRAME_SIZE %q: must be positive", EnvPrefix, s.MaxFrameSize)
	}
	return n, nil
}
