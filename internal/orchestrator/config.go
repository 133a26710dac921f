package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidConfig is returned by Run when the configuration is rejected.
var ErrInvalidConfig = errors.New("invalid orchestrator config")

// Config contains the options a run honors.
type Config struct {
	// MaxSteps is the hard ceiling on step records per run (default: 20)
	MaxSteps int `koanf:"max_steps" json:"max_steps" yaml:"max_steps"`

	// MaxHistory triggers context store truncation, 0 disables (default: 100)
	MaxHistory int `koanf:"max_history" json:"max_history" yaml:"max_history"`

	// EarlyStopThreshold is the consecutive-failure ceiling (default: 3)
	EarlyStopThreshold int `koanf:"early_stop_threshold" json:"early_stop_threshold" yaml:"early_stop_threshold"`

	// RepetitionWindow is K for exact repetition detection (default: 3)
	RepetitionWindow int `koanf:"repetition_window" json:"repetition_window" yaml:"repetition_window"`

	// EnableReflectionCache consults the shared cache before the reflector (default: true)
	EnableReflectionCache bool `koanf:"enable_reflection_cache" json:"enable_reflection_cache" yaml:"enable_reflection_cache"`

	// EnablePersistence writes runs and steps through the run store (default: false)
	EnablePersistence bool `koanf:"enable_persistence" json:"enable_persistence" yaml:"enable_persistence"`

	// ReflectOnSuccess also reflects on successful steps, uncached (default: false)
	ReflectOnSuccess bool `koanf:"reflect_on_success" json:"reflect_on_success" yaml:"reflect_on_success"`

	// PerCallTimeout bounds each collaborator call, 0 disables (default: 30s)
	PerCallTimeout time.Duration `koanf:"per_call_timeout" json:"per_call_timeout" yaml:"per_call_timeout"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxSteps:              20,
		MaxHistory:            100,
		EarlyStopThreshold:    3,
		RepetitionWindow:      3,
		EnableReflectionCache: true,
		PerCallTimeout:        30 * time.Second,
	}
}

// Validate reports every invalid field at once, wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	var problems []string
	if c.MaxSteps <= 0 {
		problems = append(problems, fmt.Sprintf("max_steps must be positive, got %d", c.MaxSteps))
	}
	if c.MaxHistory < 0 {
		problems = append(problems, fmt.Sprintf("max_history must not be negative, got %d", c.MaxHistory))
	}
	if c.EarlyStopThreshold <= 0 {
		problems = append(problems, fmt.Sprintf("early_stop_threshold must be positive, got %d", c.EarlyStopThreshold))
	}
	if c.RepetitionWindow <= 0 {
		problems = append(problems, fmt.Sprintf("repetition_window must be positive, got %d", c.RepetitionWindow))
	}
	if c.PerCallTimeout < 0 {
		problems = append(problems, fmt.Sprintf("per_call_timeout must not be negative, got %s", c.PerCallTimeout))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Preset returns a named configuration: "default", "conservative" or
// "aggressive".
func Preset(name string) (Config, error) {
	cfg := DefaultConfig()
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "default":
	case "conservative":
		cfg.MaxSteps = 10
		cfg.EarlyStopThreshold = 2
		cfg.RepetitionWindow = 2
		cfg.PerCallTimeout = 15 * time.Second
	case "aggressive":
		cfg.MaxSteps = 50
		cfg.EarlyStopThreshold = 5
		cfg.RepetitionWindow = 5
		cfg.PerCallTimeout = 60 * time.Second
	default:
		return Config{}, fmt.Errorf("unknown preset %q", name)
	}
	return cfg, nil
}
