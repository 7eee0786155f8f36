package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// Log level normalization is handled in ApplyDefaults, not here.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs validation that struct tags cannot express.
func validateCustomRules(cfg *Config) error {
	if cfg.Bus.Type == "socket" && cfg.Bus.Address == "" {
		return fmt.Errorf("bus: address is required for the socket bus")
	}

	if cfg.Router.Port != 0 && cfg.Router.Port == cfg.Transfer.Port {
		return fmt.Errorf("transfer: port %d is already used by the router", cfg.Transfer.Port)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Port != 0 &&
		(cfg.Metrics.Port == cfg.Router.Port || cfg.Metrics.Port == cfg.Transfer.Port) {
		return fmt.Errorf("metrics: port %d conflicts with the router or transfer port", cfg.Metrics.Port)
	}

	if cfg.Auth.Escalation.Policy == "threshold" && cfg.Auth.Escalation.MaxStrikes < 1 {
		return fmt.Errorf("auth.escalation: max_strikes must be at least 1 for the threshold policy")
	}

	if cfg.Catalog.Type == "s3" {
		if s, _ := cfg.Catalog.S3["bucket"].(string); s == "" {
			return fmt.Errorf("catalog.s3: bucket is required")
		}
		if s, _ := cfg.Catalog.S3["region"].(string); s == "" {
			return fmt.Errorf("catalog.s3: region is required")
		}
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
