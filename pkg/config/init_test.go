package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestInitConfig_Success(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	configPath, err := InitConfig(false)
	if err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}
	if configPath != GetDefaultConfigPath() {
		t.Errorf("Expected %s, got %s", GetDefaultConfigPath(), configPath)
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}

	contentStr := string(content)
	expectedSections := []string{
		"# imgpull Configuration File",
		"logging:",
		"bus:",
		"router:",
		"auth:",
		"users:",
		"catalog:",
		"transfer:",
		"metrics:",
		"client:",
		"# Control port.",
		"idle_timeout: 30m0s",
	}
	for _, section := range expectedSections {
		if !strings.Contains(contentStr, section) {
			t.Errorf("Config file missing %q", section)
		}
	}
	if strings.Contains(contentStr, "kill_services_on_stop") || strings.Contains(contentStr, "killservicesonstop") {
		t.Error("Runtime-only router fields must not be written")
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(content, &parsed); err != nil {
		t.Fatalf("Generated config is not valid YAML: %v", err)
	}
}

func TestInitConfig_AlreadyExists(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if _, err := InitConfig(false); err != nil {
		t.Fatalf("First InitConfig failed: %v", err)
	}

	_, err := InitConfig(false)
	if err == nil {
		t.Fatal("Expected error when config already exists")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("Expected 'already exists' error, got: %v", err)
	}
}

func TestInitConfig_ForceOverwrite(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	configPath, err := InitConfig(false)
	if err != nil {
		t.Fatalf("First InitConfig failed: %v", err)
	}
	if err := os.WriteFile(configPath, []byte("garbage: true\n"), 0644); err != nil {
		t.Fatalf("Failed to modify config: %v", err)
	}

	if _, err := InitConfig(true); err != nil {
		t.Fatalf("InitConfig with force failed: %v", err)
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}
	if strings.Contains(string(content), "garbage") {
		t.Error("Expected the file to be overwritten")
	}
}

func TestInitConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "imgpull.yaml")

	if err := InitConfigToPath(path, false); err != nil {
		t.Fatalf("InitConfigToPath failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Generated config does not load: %v", err)
	}

	want := GetDefaultConfig()
	if cfg.Router.Port != want.Router.Port || cfg.Router.IdleTimeout != want.Router.IdleTimeout {
		t.Errorf("Router section changed in round trip: %+v", cfg.Router)
	}
	if cfg.Client.RetryDelay != want.Client.RetryDelay {
		t.Errorf("Client retry delay changed in round trip: %v", cfg.Client.RetryDelay)
	}
	if cfg.Users.File["path"] != want.Users.File["path"] {
		t.Errorf("Users file path changed in round trip: %v", cfg.Users.File["path"])
	}
	if !cfg.Users.SeedDefaults {
		t.Error("Expected seed_defaults to survive the round trip")
	}
}
