package config

import (
	"strings"
	"time"

	"github.com/marmos91/imgpull/pkg/adapter/router"
	"github.com/marmos91/imgpull/pkg/auth"
	"github.com/marmos91/imgpull/pkg/bus"
	"github.com/marmos91/imgpull/pkg/client"
	"github.com/marmos91/imgpull/pkg/digest"
	"github.com/marmos91/imgpull/pkg/session"
	"github.com/marmos91/imgpull/pkg/wire"
)

// Default values that are not owned by a component package.
const (
	DefaultImagesPath     = "images"
	DefaultUsersFile      = "users.db"
	DefaultBusSocket      = "/tmp/imgpull.sock"
	DefaultMetricsPort    = 9090
	DefaultAcceptTimeout  = 30 * time.Second
	DefaultS3MaxRetries   = 10
	DefaultClientServer   = "127.0.0.1:37777"
	DefaultShutdownPeriod = 30 * time.Second
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values are replaced, explicit values are preserved. Type-specific
// option maps get defaults for every backend so a generated file documents
// all of them.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyBusDefaults(&cfg.Bus)
	applyRouterDefaults(&cfg.Router, &cfg.Server)
	applyAuthDefaults(&cfg.Auth)
	applyUsersDefaults(&cfg.Users)
	applyCatalogDefaults(&cfg.Catalog)
	applyTransferDefaults(&cfg.Transfer)
	applyMetricsDefaults(&cfg.Metrics)
	applyClientDefaults(&cfg.Client)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownPeriod
	}
}

func applyBusDefaults(cfg *BusConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	if cfg.Network == "" {
		cfg.Network = "unix"
	}
	if cfg.Address == "" && cfg.Network == "unix" {
		cfg.Address = DefaultBusSocket
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = bus.DefaultMaxMessageSize
	}
}

// applyRouterDefaults fills the control port settings. The router's own
// defaults cover the rest when it is constructed.
func applyRouterDefaults(cfg *router.Config, server *ServerConfig) {
	if cfg.Port == 0 {
		cfg.Port = router.DefaultPort
	}
	if cfg.Framing == "" {
		cfg.Framing = wire.FramingLength
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = wire.DefaultMaxSize
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.MaxLoginStrikes == 0 {
		cfg.MaxLoginStrikes = session.DefaultMaxLoginStrikes
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = server.ShutdownTimeout
	}
	if cfg.MetricsLogInterval == 0 {
		cfg.MetricsLogInterval = 5 * time.Minute
	}
}

func applyAuthDefaults(cfg *AuthConfig) {
	if cfg.MaxPasswordLength == 0 {
		cfg.MaxPasswordLength = auth.DefaultMaxPasswordLength
	}
	if cfg.Escalation.Policy == "" {
		cfg.Escalation.Policy = auth.PolicyNone
	}
	if cfg.Escalation.MaxStrikes == 0 {
		cfg.Escalation.MaxStrikes = session.DefaultMaxLoginStrikes
	}
}

func applyUsersDefaults(cfg *UsersConfig) {
	if cfg.Type == "" {
		cfg.Type = "file"
	}

	if cfg.File == nil {
		cfg.File = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}

	if _, ok := cfg.File["path"]; !ok {
		cfg.File["path"] = DefaultUsersFile
	}
	if _, ok := cfg.Badger["db_path"]; !ok {
		cfg.Badger["db_path"] = "users-badger"
	}
}

func applyCatalogDefaults(cfg *CatalogConfig) {
	if cfg.Type == "" {
		cfg.Type = "filesystem"
	}
	if cfg.Digest == "" {
		cfg.Digest = string(digest.Default)
	}
	cfg.Digest = strings.ToLower(cfg.Digest)

	if cfg.Filesystem == nil {
		cfg.Filesystem = make(map[string]any)
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}

	if _, ok := cfg.Filesystem["path"]; !ok {
		cfg.Filesystem["path"] = DefaultImagesPath
	}
	if _, ok := cfg.S3["max_retries"]; !ok {
		cfg.S3["max_retries"] = DefaultS3MaxRetries
	}
}

func applyTransferDefaults(cfg *TransferConfig) {
	if cfg.Port == 0 {
		cfg.Port = client.DefaultDataPort
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = wire.DefaultBufferSize
	}
	if cfg.AcceptTimeout == 0 {
		cfg.AcceptTimeout = DefaultAcceptTimeout
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultMetricsPort
	}
}

func applyClientDefaults(cfg *ClientConfig) {
	if cfg.Server == "" {
		cfg.Server = DefaultClientServer
	}
	if cfg.ConnectAttempts == 0 {
		cfg.ConnectAttempts = client.DefaultConnectAttempts
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = client.DefaultRetryDelay
	}
	if cfg.Digest == "" {
		cfg.Digest = string(digest.Default)
	}
	cfg.Digest = strings.ToLower(cfg.Digest)
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// Used to generate sample configuration files and in tests.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Users: UsersConfig{SeedDefaults: true},
	}
	ApplyDefaults(cfg)
	return cfg
}
