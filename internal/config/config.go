// Package config loads the reflexion configuration from YAML with
// environment overrides, and watches the file for changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/codefionn/reflexion/internal/llm"
	"github.com/codefionn/reflexion/internal/orchestrator"
	"github.com/codefionn/reflexion/internal/tools"
)

// EnvPrefix prefixes environment overrides: REFLEXION_ORCHESTRATOR_MAX_STEPS
// sets orchestrator.max_steps.
const EnvPrefix = "REFLEXION_"

const maxConfigFileSize = 1024 * 1024 // 1MB

// LogConfig configures the logger
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level" json:"level"` // debug, info, warn, error, none
	Path   string `koanf:"path" yaml:"path" json:"path"`    // "-" logs to stderr
	Format string `koanf:"format" yaml:"format" json:"format"`
}

// ReflectionConfig configures the reflection cache
type ReflectionConfig struct {
	// SeedPredefined feeds the built-in failure patterns to the reflector as hints
	SeedPredefined bool `koanf:"seed_predefined" yaml:"seed_predefined" json:"seed_predefined"`
	// MinSuccessRate and MinUses drive cache cleanup
	MinSuccessRate float64 `koanf:"min_success_rate" yaml:"min_success_rate" json:"min_success_rate"`
	MinUses        int     `koanf:"min_uses" yaml:"min_uses" json:"min_uses"`
}

// LLMConfig configures the model used by the decision maker and reflector
type LLMConfig struct {
	Provider          string  `koanf:"provider" yaml:"provider" json:"provider"`
	Model             string  `koanf:"model" yaml:"model" json:"model"`
	BaseURL           string  `koanf:"base_url" yaml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKeyEnv         string  `koanf:"api_key_env" yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
	Temperature       float64 `koanf:"temperature" yaml:"temperature" json:"temperature"`
	MaxTokens         int     `koanf:"max_tokens" yaml:"max_tokens" json:"max_tokens"`
	RequestsPerSecond float64 `koanf:"requests_per_second" yaml:"requests_per_second" json:"requests_per_second"`
	TokensPerMinute   int     `koanf:"tokens_per_minute" yaml:"tokens_per_minute" json:"tokens_per_minute"`
	MaxRetries        int     `koanf:"max_retries" yaml:"max_retries" json:"max_retries"`
	ContextTokens     int     `koanf:"context_tokens" yaml:"context_tokens" json:"context_tokens"`
}

// RoleConfig overrides the model of one collaboration role
type RoleConfig struct {
	Provider  string `koanf:"provider" yaml:"provider,omitempty" json:"provider,omitempty"`
	Model     string `koanf:"model" yaml:"model,omitempty" json:"model,omitempty"`
	BaseURL   string `koanf:"base_url" yaml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKeyEnv string `koanf:"api_key_env" yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
}

// Executor modes
const (
	// ExecutorOrchestrator runs each plan through the tool-using loop
	ExecutorOrchestrator = "orchestrator"
	// ExecutorLLM asks the executor model directly, without tools
	ExecutorLLM = "llm"
)

// CollabConfig configures the planner, executor and critic layer
type CollabConfig struct {
	MaxIterations    int        `koanf:"max_iterations" yaml:"max_iterations" json:"max_iterations"`
	QualityThreshold float64    `koanf:"quality_threshold" yaml:"quality_threshold" json:"quality_threshold"`
	ExecutorMode     string     `koanf:"executor_mode" yaml:"executor_mode" json:"executor_mode"`
	Planner          RoleConfig `koanf:"planner" yaml:"planner" json:"planner"`
	Executor         RoleConfig `koanf:"executor" yaml:"executor" json:"executor"`
	Critic           RoleConfig `koanf:"critic" yaml:"critic" json:"critic"`
}

// StorageConfig configures SQLite persistence
type StorageConfig struct {
	Path string `koanf:"path" yaml:"path" json:"path"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Host string `koanf:"host" yaml:"host" json:"host"`
	Port int    `koanf:"port" yaml:"port" json:"port"`
	// Profiling exposes /debug/pprof/ on the API port
	Profiling bool `koanf:"profiling" yaml:"profiling" json:"profiling"`
}

// ToolsConfig configures the tool registry
type ToolsConfig struct {
	// Timeout bounds a single tool call inside the dispatcher
	Timeout time.Duration `koanf:"timeout" yaml:"timeout" json:"timeout"`
	// RedactSecrets masks API keys and tokens in tool output
	RedactSecrets bool                  `koanf:"redact_secrets" yaml:"redact_secrets" json:"redact_secrets"`
	OpenAPI       []tools.OpenAPISource `koanf:"openapi" yaml:"openapi,omitempty" json:"openapi,omitempty"`
}

// Config represents application configuration
type Config struct {
	Log          LogConfig           `koanf:"log" yaml:"log" json:"log"`
	Orchestrator orchestrator.Config `koanf:"orchestrator" yaml:"orchestrator" json:"orchestrator"`
	Reflection   ReflectionConfig    `koanf:"reflection" yaml:"reflection" json:"reflection"`
	LLM          LLMConfig           `koanf:"llm" yaml:"llm" json:"llm"`
	Collab       CollabConfig        `koanf:"collab" yaml:"collab" json:"collab"`
	Storage      StorageConfig       `koanf:"storage" yaml:"storage" json:"storage"`
	Server       ServerConfig        `koanf:"server" yaml:"server" json:"server"`
	Tools        ToolsConfig         `koanf:"tools" yaml:"tools" json:"tools"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "reflexion")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "reflexion")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "reflexion")
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "reflexion")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "reflexion")
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "reflexion")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "reflexion")
	default:
		return defaultConfigDir()
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Path:   filepath.Join(defaultStateDir(), "reflexion.log"),
			Format: "json",
		},
		Orchestrator: orchestrator.DefaultConfig(),
		Reflection: ReflectionConfig{
			SeedPredefined: true,
			MinSuccessRate: 0.3,
			MinUses:        5,
		},
		LLM: LLMConfig{
			Provider:      llm.ProviderAnthropic,
			Temperature:   0.2,
			MaxTokens:     1024,
			MaxRetries:    2,
			ContextTokens: 8000,
		},
		Collab: CollabConfig{
			MaxIterations:    3,
			QualityThreshold: 0.8,
			ExecutorMode:     ExecutorOrchestrator,
		},
		Storage: StorageConfig{
			Path: filepath.Join(defaultStateDir(), "reflexion.db"),
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Tools: ToolsConfig{
			Timeout:       30 * time.Second,
			RedactSecrets: true,
		},
	}
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.yaml")
}

// Load reads path (defaults when it does not exist), applies REFLEXION_*
// environment overrides and fills zero fields with defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (REFLEXION_LLM_MODEL, ...)
//  2. YAML config file
//  3. Defaults
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	if data != nil {
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func readConfigFile(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	data := make([]byte, info.Size())
	if _, err := f.ReadAt(data, 0); err != nil && info.Size() > 0 {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return data, nil
}

// envKey maps REFLEXION_SECTION_FIELD_NAME to section.field_name. Collab
// role fields map one level deeper: REFLEXION_COLLAB_CRITIC_MODEL is
// collab.critic.model.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	section, field := parts[0], parts[1]
	if section == "collab" {
		for _, role := range []string{"planner", "executor", "critic"} {
			if strings.HasPrefix(field, role+"_") {
				return section + "." + role + "." + strings.TrimPrefix(field, role+"_")
			}
		}
	}
	return section + "." + field
}

// applyDefaults fills fields whose zero value is not meaningful.
func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
	if cfg.Orchestrator.MaxSteps == 0 {
		cfg.Orchestrator.MaxSteps = def.Orchestrator.MaxSteps
	}
	if cfg.Orchestrator.EarlyStopThreshold == 0 {
		cfg.Orchestrator.EarlyStopThreshold = def.Orchestrator.EarlyStopThreshold
	}
	if cfg.Orchestrator.RepetitionWindow == 0 {
		cfg.Orchestrator.RepetitionWindow = def.Orchestrator.RepetitionWindow
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = def.LLM.Provider
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = def.LLM.MaxTokens
	}
	if cfg.LLM.ContextTokens == 0 {
		cfg.LLM.ContextTokens = def.LLM.ContextTokens
	}
	if cfg.Collab.MaxIterations == 0 {
		cfg.Collab.MaxIterations = def.Collab.MaxIterations
	}
	if cfg.Collab.ExecutorMode == "" {
		cfg.Collab.ExecutorMode = def.Collab.ExecutorMode
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = def.Storage.Path
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Tools.Timeout == 0 {
		cfg.Tools.Timeout = def.Tools.Timeout
	}
}

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Orchestrator.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := llm.NormalizeProvider(c.LLM.Provider); err != nil {
		errs = append(errs, fmt.Errorf("llm.provider: %w", err))
	}
	for name, role := range c.roles() {
		if role.Provider == "" {
			continue
		}
		if _, err := llm.NormalizeProvider(role.Provider); err != nil {
			errs = append(errs, fmt.Errorf("collab.%s.provider: %w", name, err))
		}
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature must be within [0,2], got %v", c.LLM.Temperature))
	}
	if c.LLM.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("llm.max_retries must not be negative, got %d", c.LLM.MaxRetries))
	}
	if c.LLM.RequestsPerSecond < 0 || c.LLM.TokensPerMinute < 0 {
		errs = append(errs, fmt.Errorf("llm rate limits must not be negative"))
	}
	if c.Collab.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("collab.max_iterations must be at least 1, got %d", c.Collab.MaxIterations))
	}
	if c.Collab.QualityThreshold < 0 || c.Collab.QualityThreshold > 1 {
		errs = append(errs, fmt.Errorf("collab.quality_threshold must be within [0,1], got %v", c.Collab.QualityThreshold))
	}
	if c.Collab.ExecutorMode != ExecutorOrchestrator && c.Collab.ExecutorMode != ExecutorLLM {
		errs = append(errs, fmt.Errorf("collab.executor_mode must be %q or %q, got %q", ExecutorOrchestrator, ExecutorLLM, c.Collab.ExecutorMode))
	}
	if c.Reflection.MinSuccessRate < 0 || c.Reflection.MinSuccessRate > 1 {
		errs = append(errs, fmt.Errorf("reflection.min_success_rate must be within [0,1], got %v", c.Reflection.MinSuccessRate))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	for i, src := range c.Tools.OpenAPI {
		if src.SpecPath == "" || src.BaseURL == "" {
			errs = append(errs, fmt.Errorf("tools.openapi[%d]: spec_path and base_url are required", i))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) roles() map[string]RoleConfig {
	return map[string]RoleConfig{
		"planner":  c.Collab.Planner,
		"executor": c.Collab.Executor,
		"critic":   c.Collab.Critic,
	}
}

// Role returns the model settings of a collaboration role: the llm section
// with the role's overrides applied. Unknown roles get the llm section.
func (c *Config) Role(name string) LLMConfig {
	out := c.LLM
	role, ok := c.roles()[name]
	if !ok {
		return out
	}
	if role.Provider != "" && role.Provider != out.Provider {
		// A different provider does not share base URL or key.
		out.BaseURL = ""
		out.APIKeyEnv = ""
		out.Model = ""
		out.Provider = role.Provider
	}
	if role.Model != "" {
		out.Model = role.Model
	}
	if role.BaseURL != "" {
		out.BaseURL = role.BaseURL
	}
	if role.APIKeyEnv != "" {
		out.APIKeyEnv = role.APIKeyEnv
	}
	return out
}

// Save writes the configuration as YAML, readable only by the owner.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}
