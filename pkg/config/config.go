package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/marmos91/imgpull/pkg/adapter/router"
)

// Config represents the complete imgpull configuration.
//
// One file configures every role: the router, the auth and file services,
// the socket bus between them, and the interactive client. Each process
// reads the sections it needs.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (IMGPULL_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
//
// Store and catalog sections follow the type-specific pattern: the Type field
// selects a backend and only the matching options map is decoded.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains process-wide settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Bus selects how the router reaches the services
	Bus BusConfig `mapstructure:"bus" yaml:"bus"`

	// Router configures the control port.
	// Uses the router.Config type directly to avoid duplication.
	Router router.Config `mapstructure:"router" yaml:"router"`

	// Auth configures the auth service
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`

	// Users selects the user record backend
	Users UsersConfig `mapstructure:"users" yaml:"users"`

	// Catalog selects where images are served from
	Catalog CatalogConfig `mapstructure:"catalog" yaml:"catalog"`

	// Transfer configures the data channel of the file service
	Transfer TransferConfig `mapstructure:"transfer" yaml:"transfer"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Client configures `imgpull client`
	Client ClientConfig `mapstructure:"client" yaml:"client"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// ServerConfig contains process-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`
}

// BusConfig selects the bus transport.
//
// "memory" runs router and services in one process (`imgpull serve`).
// "socket" lets the router host a broker that separately started services
// dial (`imgpull router`, `imgpull auth`, `imgpull file`).
type BusConfig struct {
	// Type is memory or socket
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory socket"`

	// Network is unix or tcp. Only used when Type = "socket"
	Network string `mapstructure:"network" yaml:"network" validate:"omitempty,oneof=unix tcp"`

	// Address is the socket path (unix) or host:port (tcp) of the broker
	Address string `mapstructure:"address" yaml:"address"`

	// MaxMessageSize bounds one message body in bytes
	MaxMessageSize int `mapstructure:"max_message_size" yaml:"max_message_size" validate:"gt=0"`
}

// AuthConfig configures the auth service.
type AuthConfig struct {
	// MaxPasswordLength bounds `user passwd`
	MaxPasswordLength int `mapstructure:"max_password_length" yaml:"max_password_length" validate:"gt=0"`

	// Escalation decides what a wrong password does to the record
	Escalation EscalationConfig `mapstructure:"escalation" yaml:"escalation"`
}

// EscalationConfig selects the auth escalation policy.
type EscalationConfig struct {
	// Policy is none or threshold
	Policy string `mapstructure:"policy" yaml:"policy" validate:"required,oneof=none threshold"`

	// MaxStrikes is the number of wrong passwords that bans a record.
	// Only used when Policy = "threshold"
	MaxStrikes int `mapstructure:"max_strikes" yaml:"max_strikes" validate:"min=0"`
}

// UsersConfig specifies the user record backend.
type UsersConfig struct {
	// Type specifies which store implementation to use
	// Valid values: file, badger, memory
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=file badger memory"`

	// File contains text file options (path)
	File map[string]any `mapstructure:"file" yaml:"file"`

	// Badger contains BadgerDB options (db_path)
	Badger map[string]any `mapstructure:"badger" yaml:"badger"`

	// Memory contains in-memory options (none today)
	Memory map[string]any `mapstructure:"memory" yaml:"memory"`

	// SeedDefaults creates the default records missing from the store at startup
	SeedDefaults bool `mapstructure:"seed_defaults" yaml:"seed_defaults"`
}

// CatalogConfig specifies where downloadable images come from.
type CatalogConfig struct {
	// Type specifies which source to use
	// Valid values: filesystem, s3
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=filesystem s3"`

	// Digest is the checksum shown in `file ls`
	// Valid values: md5, sha256, blake3
	Digest string `mapstructure:"digest" yaml:"digest" validate:"required,oneof=md5 sha256 blake3"`

	// Filesystem contains directory source options (path)
	Filesystem map[string]any `mapstructure:"filesystem" yaml:"filesystem"`

	// S3 contains bucket source options
	// (bucket, region, prefix, endpoint, access_key_id, secret_access_key, max_retries)
	S3 map[string]any `mapstructure:"s3" yaml:"s3"`
}

// TransferConfig configures the data channel.
type TransferConfig struct {
	// Host is the interface the data listener binds to
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the data port announced to clients. 0 picks a free port per transfer
	Port int `mapstructure:"port" yaml:"port" validate:"min=0,max=65535"`

	// ChunkSize is the size of each write on the data channel
	ChunkSize int `mapstructure:"chunk_size" yaml:"chunk_size" validate:"gt=0"`

	// AcceptTimeout bounds the wait for the client to connect
	AcceptTimeout time.Duration `mapstructure:"accept_timeout" yaml:"accept_timeout" validate:"min=0"`

	// WriteTimeout bounds each chunk write
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"min=0"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns metrics collection and the HTTP endpoint on
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port of /metrics
	Port int `mapstructure:"port" yaml:"port" validate:"min=0,max=65535"`
}

// ClientConfig configures the interactive client.
type ClientConfig struct {
	// Server is host[:port] of the router
	Server string `mapstructure:"server" yaml:"server" validate:"required"`

	// ConnectAttempts bounds dialing the control and data ports
	ConnectAttempts int `mapstructure:"connect_attempts" yaml:"connect_attempts" validate:"gt=0"`

	// RetryDelay is one step of the countdown between attempts
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay" validate:"gt=0"`

	// Digest is computed over the written target after a transfer
	Digest string `mapstructure:"digest" yaml:"digest" validate:"required,oneof=md5 sha256 blake3"`
}

// flagKeys maps CLI flag names to configuration keys. Only flags present in
// the set handed to LoadWithFlags are bound.
var flagKeys = map[string]string{
	"log-level":       "logging.level",
	"log-format":      "logging.format",
	"port":            "router.port",
	"framing":         "router.framing",
	"bus":             "bus.type",
	"bus-network":     "bus.network",
	"bus-address":     "bus.address",
	"images":          "catalog.filesystem.path",
	"digest":          "catalog.digest",
	"users-type":      "users.type",
	"users-file":      "users.file.path",
	"data-port":       "transfer.port",
	"metrics":         "metrics.enabled",
	"metrics-port":    "metrics.port",
	"server":          "client.server",
	"escalation":      "auth.escalation.policy",
	"max-strikes":     "auth.escalation.max_strikes",
	"connect-retries": "client.connect_attempts",
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (IMGPULL_*)
//  2. Configuration file
//  3. Default values
//
// An empty configPath searches the default location; a missing file there
// is not an error. An explicit configPath must exist.
func Load(configPath string) (*Config, error) {
	return LoadWithFlags(configPath, nil)
}

// LoadWithFlags is Load with the changed flags of flags applied on top.
func LoadWithFlags(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := bindFlags(v, flags); err != nil {
		return nil, err
	}

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: IMGPULL_ROUTER_PORT=4000
	v.SetEnvPrefix("IMGPULL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// bindFlags binds every changed flag that has a configuration key.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	if flags == nil {
		return nil
	}
	var err error
	flags.Visit(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || err != nil {
			return
		}
		if bindErr := v.BindPFlag(key, f); bindErr != nil {
			err = fmt.Errorf("bind flag --%s: %w", f.Name, bindErr)
		}
	})
	return err
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper, configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return fmt.Errorf("config file %s: %w", configPath, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns $XDG_CONFIG_HOME/imgpull, ~/.config/imgpull, or "."
// when no home directory is known.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "imgpull")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "imgpull")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
