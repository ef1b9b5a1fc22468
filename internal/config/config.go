// Package config loads the control plane configuration from YAML.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/compose-paas/backend/internal/logging"
	"github.com/compose-paas/backend/internal/model"
)

// DefaultPath is used when CONFIG_PATH is not set.
const DefaultPath = "config.yml"

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Config is the complete control plane configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       logging.Config  `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Logs      LogsConfig      `yaml:"logs"`
	Shell     ShellConfig     `yaml:"shell"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Auth      AuthConfig      `yaml:"auth"`

	// CleanupInterval drives the log stream and auth ticket sweeps.
	CleanupInterval time.Duration `yaml:"cleanup_interval" validate:"gt=0"`
}

type ServerConfig struct {
	Listen string `yaml:"listen" validate:"required"`
}

type DatabaseConfig struct {
	// Path of the task history database. Empty disables history.
	Path string `yaml:"path"`
	// HistoryRetention is how long finished tasks are kept in the history.
	HistoryRetention time.Duration `yaml:"history_retention" validate:"gte=0"`
}

type RuntimeConfig struct {
	CallTimeout time.Duration `yaml:"call_timeout" validate:"gt=0"`
	// ComposeDir holds one directory per app with its compose file.
	ComposeDir string `yaml:"compose_dir"`
	// DockerHost overrides DOCKER_HOST when set.
	DockerHost string `yaml:"docker_host"`
}

type TasksConfig struct {
	MaxLinesPerTask        int                          `yaml:"max_lines_per_task" validate:"gt=0"`
	MaxLineLength          int                          `yaml:"max_line_length" validate:"gte=0"`
	Retention              time.Duration                `yaml:"retention" validate:"gte=0"`
	SecondaryFailurePolicy model.SecondaryFailurePolicy `yaml:"secondary_failure_policy" validate:"oneof=log escalate escalate_retroactive"`
}

type LogsConfig struct {
	MaxLogLinesStreaming int           `yaml:"max_log_lines_streaming" validate:"gt=0"`
	LogBufferSize        int           `yaml:"log_buffer_size" validate:"gt=0"`
	EndedRetention       time.Duration `yaml:"ended_retention" validate:"gte=0"`
}

type ShellConfig struct {
	DefaultTTL            time.Duration `yaml:"default_ttl" validate:"gt=0"`
	IdleTimeout           time.Duration `yaml:"idle_timeout" validate:"gte=0"`
	MaxConcurrentSessions int           `yaml:"max_concurrent_sessions" validate:"gt=0"`
	CleanupInterval       time.Duration `yaml:"cleanup_interval" validate:"gt=0"`
	AllowedShells         []string      `yaml:"allowed_shells" validate:"min=1,dive,startswith=/"`
	MaxInputSize          int           `yaml:"max_input_size" validate:"gt=0"`
	DisconnectGrace       time.Duration `yaml:"disconnect_grace" validate:"gte=0"`
	OutputBufferSize      int           `yaml:"output_buffer_size" validate:"gt=0"`
}

type WebSocketConfig struct {
	MaxMessageSize int64         `yaml:"max_message_size" validate:"gt=0"`
	PingInterval   time.Duration `yaml:"ping_interval" validate:"gt=0"`
	SendBuffer     int           `yaml:"send_buffer" validate:"gt=0"`
	// AllowedOrigins restricts the upgrade Origin header. Empty allows all.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" validate:"required"`
	TicketTTL time.Duration `yaml:"ticket_ttl" validate:"gt=0"`
	Policies  []Policy      `yaml:"policies" validate:"dive"`
	Roles     []RoleBinding `yaml:"roles" validate:"dive"`
}

// Policy grants capabilities on apps matching a glob to a user or role.
type Policy struct {
	Subject      string             `yaml:"subject" validate:"required"`
	App          string             `yaml:"app" validate:"required"`
	Capabilities []model.Capability `yaml:"capabilities" validate:"min=1,dive,oneof=view logs shell manage *"`
}

// RoleBinding assigns a role to a user.
type RoleBinding struct {
	User string `yaml:"user" validate:"required"`
	Role string `yaml:"role" validate:"required"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from a byte slice.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills zero values with defaults.
func (c *Config) SetDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Database.HistoryRetention == 0 {
		c.Database.HistoryRetention = 30 * 24 * time.Hour
	}
	if c.Runtime.CallTimeout == 0 {
		c.Runtime.CallTimeout = 5 * time.Minute
	}
	if c.Runtime.ComposeDir == "" {
		c.Runtime.ComposeDir = "/srv/apps"
	}
	if c.Tasks.MaxLinesPerTask == 0 {
		c.Tasks.MaxLinesPerTask = 10000
	}
	if c.Tasks.MaxLineLength == 0 {
		c.Tasks.MaxLineLength = 4096
	}
	if c.Tasks.Retention == 0 {
		c.Tasks.Retention = 30 * time.Minute
	}
	if c.Tasks.SecondaryFailurePolicy == "" {
		c.Tasks.SecondaryFailurePolicy = model.PolicyLog
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	if c.Logs.MaxLogLinesStreaming == 0 {
		c.Logs.MaxLogLinesStreaming = 5000
	}
	if c.Logs.LogBufferSize == 0 {
		c.Logs.LogBufferSize = 2000
	}
	if c.Logs.EndedRetention == 0 {
		c.Logs.EndedRetention = time.Minute
	}
	if c.Shell.DefaultTTL == 0 {
		c.Shell.DefaultTTL = time.Hour
	}
	if c.Shell.IdleTimeout == 0 {
		c.Shell.IdleTimeout = 15 * time.Minute
	}
	if c.Shell.MaxConcurrentSessions == 0 {
		c.Shell.MaxConcurrentSessions = 5
	}
	if c.Shell.CleanupInterval == 0 {
		c.Shell.CleanupInterval = time.Minute
	}
	if len(c.Shell.AllowedShells) == 0 {
		c.Shell.AllowedShells = []string{"/bin/sh", "/bin/bash"}
	}
	if c.Shell.MaxInputSize == 0 {
		c.Shell.MaxInputSize = 1 << 20
	}
	if c.Shell.DisconnectGrace == 0 {
		c.Shell.DisconnectGrace = 30 * time.Second
	}
	if c.Shell.OutputBufferSize == 0 {
		c.Shell.OutputBufferSize = 1000
	}
	if c.WebSocket.MaxMessageSize == 0 {
		c.WebSocket.MaxMessageSize = 4 << 20
	}
	if c.WebSocket.PingInterval == 0 {
		c.WebSocket.PingInterval = 30 * time.Second
	}
	if c.WebSocket.SendBuffer == 0 {
		c.WebSocket.SendBuffer = 256
	}
	if c.Auth.TicketTTL == 0 {
		c.Auth.TicketTTL = 30 * time.Second
	}
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.WebSocket.MaxMessageSize <= int64(c.Shell.MaxInputSize)+16 {
		return fmt.Errorf("invalid configuration: websocket.max_message_size (%d) must exceed shell.max_input_size (%d) plus the frame header",
			c.WebSocket.MaxMessageSize, c.Shell.MaxInputSize)
	}
	return nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment values.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		varName := envVarRegex.FindStringSubmatch(match)[1]

		parts := strings.SplitN(varName, ":-", 2)
		varName = parts[0]
		defaultValue := ""
		if len(parts) > 1 {
			defaultValue = parts[1]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}
