package config

import (
	"testing"
	"time"
)

func TestApplyDefaults_Empty(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "INFO" || cfg.Logging.Format != "text" || cfg.Logging.Output != "stdout" {
		t.Errorf("Unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.Bus.Type != "memory" {
		t.Errorf("Expected default bus 'memory', got %q", cfg.Bus.Type)
	}
	if cfg.Bus.MaxMessageSize != 1024 {
		t.Errorf("Expected default bus message size 1024, got %d", cfg.Bus.MaxMessageSize)
	}
	if cfg.Router.Port != 37777 {
		t.Errorf("Expected default router port 37777, got %d", cfg.Router.Port)
	}
	if cfg.Router.Framing != "length" {
		t.Errorf("Expected default framing 'length', got %q", cfg.Router.Framing)
	}
	if cfg.Router.MaxLoginStrikes != 3 {
		t.Errorf("Expected 3 login strikes, got %d", cfg.Router.MaxLoginStrikes)
	}
	if cfg.Router.ShutdownTimeout != cfg.Server.ShutdownTimeout {
		t.Errorf("Expected router shutdown timeout to follow server, got %v", cfg.Router.ShutdownTimeout)
	}
	if cfg.Auth.MaxPasswordLength != 15 {
		t.Errorf("Expected max password length 15, got %d", cfg.Auth.MaxPasswordLength)
	}
	if cfg.Auth.Escalation.Policy != "none" {
		t.Errorf("Expected escalation 'none', got %q", cfg.Auth.Escalation.Policy)
	}
	if cfg.Catalog.Digest != "md5" {
		t.Errorf("Expected digest 'md5', got %q", cfg.Catalog.Digest)
	}
	if cfg.Transfer.ChunkSize != 1024 {
		t.Errorf("Expected chunk size 1024, got %d", cfg.Transfer.ChunkSize)
	}
	if cfg.Metrics.Port != 9090 {
		t.Errorf("Expected metrics port 9090, got %d", cfg.Metrics.Port)
	}
	if cfg.Client.Server != "127.0.0.1:37777" || cfg.Client.ConnectAttempts != 3 || cfg.Client.RetryDelay != time.Second {
		t.Errorf("Unexpected client defaults: %+v", cfg.Client)
	}
}

func TestApplyDefaults_StoreMaps(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if path, ok := cfg.Users.File["path"]; !ok || path != "users.db" {
		t.Errorf("Expected default users file 'users.db', got %v", path)
	}
	if _, ok := cfg.Users.Badger["db_path"]; !ok {
		t.Error("Expected badger db_path default")
	}
	if path, ok := cfg.Catalog.Filesystem["path"]; !ok || path != "images" {
		t.Errorf("Expected default images path 'images', got %v", path)
	}
	if retries, ok := cfg.Catalog.S3["max_retries"]; !ok || retries != 10 {
		t.Errorf("Expected default S3 max_retries 10, got %v", retries)
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Logging:  LoggingConfig{Level: "warn", Format: "json", Output: "stderr"},
		Bus:      BusConfig{Type: "socket", Network: "tcp", Address: "127.0.0.1:7000"},
		Users:    UsersConfig{Type: "badger", Badger: map[string]any{"db_path": "/var/lib/imgpull"}},
		Catalog:  CatalogConfig{Digest: "SHA256"},
		Transfer: TransferConfig{Port: 40000, ChunkSize: 4096},
	}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "WARN" || cfg.Logging.Format != "json" || cfg.Logging.Output != "stderr" {
		t.Errorf("Logging values changed: %+v", cfg.Logging)
	}
	if cfg.Bus.Network != "tcp" || cfg.Bus.Address != "127.0.0.1:7000" {
		t.Errorf("Bus values changed: %+v", cfg.Bus)
	}
	if cfg.Users.Badger["db_path"] != "/var/lib/imgpull" {
		t.Errorf("Badger path changed: %v", cfg.Users.Badger["db_path"])
	}
	if cfg.Catalog.Digest != "sha256" {
		t.Errorf("Expected normalized digest 'sha256', got %q", cfg.Catalog.Digest)
	}
	if cfg.Transfer.Port != 40000 || cfg.Transfer.ChunkSize != 4096 {
		t.Errorf("Transfer values changed: %+v", cfg.Transfer)
	}
}

func TestApplyDefaults_SocketBusAddress(t *testing.T) {
	cfg := &Config{Bus: BusConfig{Type: "socket"}}
	ApplyDefaults(cfg)

	if cfg.Bus.Network != "unix" || cfg.Bus.Address != DefaultBusSocket {
		t.Errorf("Expected unix socket at %s, got %+v", DefaultBusSocket, cfg.Bus)
	}
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if !cfg.Users.SeedDefaults {
		t.Error("Expected the default config to seed users")
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected default config to be valid, got: %v", err)
	}
}
