package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const fileHeader = `# imgpull Configuration File
#
# Values left out fall back to the defaults shown here. Every key can be
# overridden with an environment variable: router.port -> IMGPULL_ROUTER_PORT.
`

// sectionComments are written above each top-level key of a generated file.
var sectionComments = map[string]string{
	"logging":  "Log level (DEBUG, INFO, WARN, ERROR), format (text, json) and output (stdout, stderr, path)",
	"server":   "Process-wide settings",
	"bus":      "memory runs everything in one process; socket lets `imgpull auth` and `imgpull file` dial the router",
	"router":   "Control port. framing is length (4-byte length prefix) or raw (one read per message)",
	"auth":     "escalation.policy none never bans; threshold bans after max_strikes wrong passwords",
	"users":    "User records: file, badger or memory",
	"catalog":  "Downloadable images: a directory (filesystem) or a bucket (s3)",
	"transfer": "Data channel of `file down`",
	"metrics":  "Prometheus endpoint on /metrics",
	"client":   "Defaults for `imgpull client`",
}

// InitConfig writes the default configuration to the default location and
// returns its path. An existing file is only replaced when force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes the default configuration to path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	data, err := GenerateYAML(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateYAML renders cfg as a commented YAML document.
func GenerateYAML(cfg *Config) ([]byte, error) {
	var doc yaml.Node
	if err := doc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}

	// Mapping nodes alternate key and value.
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i]
		if comment, ok := sectionComments[key.Value]; ok {
			key.HeadComment = comment
		}
	}

	var buf bytes.Buffer
	buf.WriteString(fileHeader)
	buf.WriteString("\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return buf.Bytes(), nil
}
