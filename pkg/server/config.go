package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// envPrefix is the prefix of environment overrides: PAIRCHAT_SECTION_KEY
const envPrefix = "PAIRCHAT"

var validate = validator.New()

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server" envconfig:"SERVER"`
	Auth    AuthSection    `toml:"auth" envconfig:"AUTH"`
	Limits  LimitsSection  `toml:"limits" envconfig:"LIMITS"`
	Cluster ClusterSection `toml:"cluster" envconfig:"CLUSTER"`
}

type ServerSection struct {
	HTTPPort       int      `toml:"http_port" envconfig:"HTTP_PORT" validate:"min=1,max=65535"`
	MetricsPort    int      `toml:"metrics_port" envconfig:"METRICS_PORT" validate:"min=0,max=65535"`
	DatabasePath   string   `toml:"database_path" envconfig:"DATABASE_PATH" validate:"required"`
	AllowedOrigins []string `toml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" validate:"dive,required"`
	LogDir         string   `toml:"log_dir" envconfig:"LOG_DIR"`
}

type AuthSection struct {
	JWTSecret string        `toml:"jwt_secret" envconfig:"JWT_SECRET" validate:"required,min=16"`
	Issuer    string        `toml:"issuer" envconfig:"ISSUER"`
	TokenTTL  time.Duration `toml:"token_ttl" envconfig:"TOKEN_TTL" validate:"gte=0"`
}

type LimitsSection struct {
	MessageRateLimit      int `toml:"message_rate_limit" envconfig:"MESSAGE_RATE_LIMIT" validate:"min=0"`
	MessageBurst          int `toml:"message_burst" envconfig:"MESSAGE_BURST" validate:"min=0"`
	SessionTimeoutSeconds int `toml:"session_timeout_seconds" envconfig:"SESSION_TIMEOUT_SECONDS" validate:"min=1"`
	SendBuffer            int `toml:"send_buffer" envconfig:"SEND_BUFFER" validate:"min=1"`
	StoreTimeoutMS        int `toml:"store_timeout_ms" envconfig:"STORE_TIMEOUT_MS" validate:"min=1"`
	MaxFrameBytes         int `toml:"max_frame_bytes" envconfig:"MAX_FRAME_BYTES" validate:"min=1024"`
}

type ClusterSection struct {
	RedisAddr     string `toml:"redis_addr" envconfig:"REDIS_ADDR" validate:"omitempty,hostname_port"`
	ChannelPrefix string `toml:"channel_prefix" envconfig:"CHANNEL_PREFIX" validate:"required"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:     8080,
			MetricsPort:  9090,
			DatabasePath: "~/.pairchat/pairchat.db",
		},
		Auth: AuthSection{
			Issuer:   "pairchat",
			TokenTTL: 24 * time.Hour,
		},
		Limits: LimitsSection{
			MessageRateLimit:      120,
			MessageBurst:          20,
			SessionTimeoutSeconds: 60,
			SendBuffer:            64,
			StoreTimeoutMS:        5000,
			MaxFrameBytes:         256 * 1024,
		},
		Cluster: ClusterSection{
			ChannelPrefix: "pairchat:room:",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides. Keys missing from the file keep
// their defaults.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	config := DefaultTOMLConfig()

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		// If we can't write, just run on defaults
		_ = writeDefaultConfig(path)
	} else if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := envconfig.Process(envPrefix, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return config, nil
}

// Validate checks the merged configuration before the server starts
func (c *TOMLConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# pairchat Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# PAIRCHAT_SECTION_KEY (e.g., PAIRCHAT_SERVER_HTTP_PORT=8081)
# A .env file in the working directory is loaded as well.

[server]
# Port for the public HTTP server (/ws/chat/{id}, /api/conversations/{id}/messages)
http_port = 8080

# Port for the internal metrics server (/metrics, /health)
# Set to 0 to disable
metrics_port = 9090

# Path to SQLite database file
database_path = "~/.pairchat/pairchat.db"

# Origins allowed to open WebSocket connections. Empty means same host only.
# allowed_origins = ["https://chat.example.com"]

# Directory for errors.log and server.log (default: $XDG_DATA_HOME/pairchat)
# log_dir = "/var/log/pairchat"

[auth]
# HMAC secret used to sign and verify bearer tokens (at least 16 characters)
# Required. Prefer setting PAIRCHAT_AUTH_JWT_SECRET instead of writing it here.
# jwt_secret = ""

# Issuer claim written into and required from tokens
issuer = "pairchat"

# Lifetime of tokens issued by -add-user
token_ttl = "24h"

[limits]
# Maximum inbound frames per minute per connection (0 = unlimited)
message_rate_limit = 120

# Frames a connection may send in a burst above the steady rate
message_burst = 20

# Seconds without a pong before a connection is considered dead
session_timeout_seconds = 60

# Outbound frames queued per connection before it is dropped as too slow
send_buffer = 64

# Milliseconds a single store operation may take
store_timeout_ms = 5000

# Largest inbound frame in bytes; larger frames close the connection.
# Chat bodies are truncated after decoding, so this only bounds the wire size.
max_frame_bytes = 262144

[cluster]
# Redis address for relaying room events between gateway nodes
# Leave empty to run a single node
# redis_addr = "localhost:6379"

# Prefix of the pub/sub channel for each room
channel_prefix = "pairchat:room:"
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	cfg.MetricsPort = c.Server.MetricsPort
	cfg.AllowedOrigins = c.Server.AllowedOrigins
	if strings.TrimSpace(c.Server.LogDir) != "" {
		cfg.LogDir = c.Server.LogDir
	}

	cfg.JWTSecret = c.Auth.JWTSecret
	if c.Auth.Issuer != "" {
		cfg.TokenIssuer = c.Auth.Issuer
	}
	if c.Auth.TokenTTL != 0 {
		cfg.TokenTTL = c.Auth.TokenTTL
	}

	cfg.MessageRateLimit = c.Limits.MessageRateLimit
	cfg.MessageBurst = c.Limits.MessageBurst
	if c.Limits.SessionTimeoutSeconds != 0 {
		cfg.SessionTimeoutSeconds = c.Limits.SessionTimeoutSeconds
	}
	if c.Limits.SendBuffer != 0 {
		cfg.SendBuffer = c.Limits.SendBuffer
	}
	if c.Limits.StoreTimeoutMS != 0 {
		cfg.StoreTimeout = time.Duration(c.Limits.StoreTimeoutMS) * time.Millisecond
	}
	if c.Limits.MaxFrameBytes != 0 {
		cfg.MaxFrameBytes = int64(c.Limits.MaxFrameBytes)
	}

	cfg.RedisAddr = c.Cluster.RedisAddr
	if c.Cluster.ChannelPrefix != "" {
		cfg.ChannelPrefix = c.Cluster.ChannelPrefix
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
