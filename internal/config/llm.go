package config

import "time"

// LLMConfig configures the LLM client used by the synthesizer.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini, openai
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// HasCredentials reports whether an API key is available for the
// configured provider. Synthesis degrades to deterministic codegen
// only when this is false.
func (l *LLMConfig) HasCredentials() bool {
	return l.APIKey != ""
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}
