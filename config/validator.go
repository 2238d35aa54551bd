package config

import (
	"fmt"
	"slices"
	"strings"

	"proof-rpc/codec"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "probe.max_attempts")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	switch c.Worker.Mode {
	case ModeProcess:
		if c.Worker.Name == "" {
			errs = append(errs, ValidationError{"worker.name", c.Worker.Name, "must not be empty in process mode"})
		}
	case ModeTCP:
		if c.Worker.Address == "" && (c.Worker.Name == "" || len(c.Registry.Endpoints) == 0) {
			errs = append(errs, ValidationError{"worker.address", c.Worker.Address, "tcp mode needs an address or a name and registry endpoints"})
		}
	default:
		errs = append(errs, ValidationError{"worker.mode", c.Worker.Mode, "must be process or tcp"})
	}

	if c.Probe.MaxAttempts < 1 {
		errs = append(errs, ValidationError{"probe.max_attempts", c.Probe.MaxAttempts, "must be at least 1"})
	}
	if c.Probe.BaseDelay <= 0 {
		errs = append(errs, ValidationError{"probe.base_delay", c.Probe.BaseDelay, "must be positive"})
	}
	if c.Probe.AttemptTimeout <= 0 {
		errs = append(errs, ValidationError{"probe.attempt_timeout", c.Probe.AttemptTimeout, "must be positive"})
	}
	if c.Probe.InitializeTimeout <= 0 {
		errs = append(errs, ValidationError{"probe.initialize_timeout", c.Probe.InitializeTimeout, "must be positive"})
	}

	if _, err := codec.ParseCodecType(c.Codec); err != nil {
		errs = append(errs, ValidationError{"codec", c.Codec, "must be json or binary"})
	}

	if c.Registry.TTL < 1 {
		errs = append(errs, ValidationError{"registry.ttl", c.Registry.TTL, "must be at least 1 second"})
	}

	if c.Engine.AvailableGas == 0 {
		errs = append(errs, ValidationError{"engine.available_gas", c.Engine.AvailableGas, "must be positive"})
	}
	if c.Engine.CacheSize < 1 {
		errs = append(errs, ValidationError{"engine.cache_size", c.Engine.CacheSize, "must be at least 1"})
	}
	if c.Engine.RunTimeout < 0 {
		errs = append(errs, ValidationError{"engine.run_timeout", c.Engine.RunTimeout, "must not be negative"})
	}

	if c.Server.RateLimit < 0 {
		errs = append(errs, ValidationError{"server.rate_limit", c.Server.RateLimit, "must not be negative"})
	}
	if c.Server.RateLimit > 0 && c.Server.Burst < 1 {
		errs = append(errs, ValidationError{"server.burst", c.Server.Burst, "must be at least 1 when rate limiting"})
	}
	if c.Server.RequestTimeout < 0 {
		errs = append(errs, ValidationError{"server.request_timeout", c.Server.RequestTimeout, "must not be negative"})
	}

	if !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errs = append(errs, ValidationError{"logging.level", c.Logging.Level, "must be one of " + strings.Join(ValidLogLevels(), ", ")})
	}

	return errs
}
