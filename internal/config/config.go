package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all tasksmith configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Tracing backend configuration
	Backend BackendConfig `yaml:"backend"`

	// LLM configuration (synthesis fallback)
	LLM LLMConfig `yaml:"llm"`

	// Learning thresholds
	Learning LearningConfig `yaml:"learning"`

	// Safety policy toggles
	Safety SafetyConfig `yaml:"safety"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "tasksmith",
		Version: "0.3.0",

		Backend: BackendConfig{
			QueryTimeout: "30s",
		},

		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.5-flash",
			Timeout:  "120s",
		},

		Learning: LearningConfig{
			MinExecutions:   10,
			MinConsistency:  0.85,
			DeployThreshold: 0.90,
			QueryLimit:      1000,
			TimeRangeHours:  24,
			Workers:         4,
		},

		Safety: SafetyConfig{
			AllowFileSystem: false,
			AllowNetworking: false,
			AllowExec:       false,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "tasksmith.log",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// Tracing backend (learning is inert without an endpoint)
	if endpoint := os.Getenv("OTEL_QUERY_ENDPOINT"); endpoint != "" {
		c.Backend.Endpoint = endpoint
	}
	if key := os.Getenv("OTEL_QUERY_API_KEY"); key != "" {
		c.Backend.APIKey = key
	}
	if backend := os.Getenv("OTEL_QUERY_BACKEND"); backend != "" {
		c.Backend.Name = backend
	}

	// LLM API key (check in priority order; last match wins)
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "openai"
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
	}

	if model := os.Getenv("SMITH_LLM_MODEL"); model != "" {
		c.LLM.Model = model
	}
}

// ValidBackends lists all supported tracing backends.
var ValidBackends = []string{"signoz", "jaeger", "tempo"}

// ValidProviders lists all supported LLM providers.
var ValidProviders = []string{"gemini", "openai"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Backend.Name != "" {
		valid := false
		for _, b := range ValidBackends {
			if c.Backend.Name == b {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid backend: %s (valid: %v)", c.Backend.Name, ValidBackends)
		}
	}

	if c.LLM.Provider != "" {
		valid := false
		for _, p := range ValidProviders {
			if c.LLM.Provider == p {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
		}
	}

	return c.ValidateLearning()
}

// LearningActive reports whether trace-driven learning can run at all.
// Without a backend endpoint the analyzer is permanently unavailable.
func (c *Config) LearningActive() bool {
	return c.Backend.Endpoint != ""
}
