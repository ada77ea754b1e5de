package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvOverrides_Backend(t *testing.T) {
	t.Run("OTEL_QUERY_ENDPOINT sets endpoint", func(t *testing.T) {
		t.Setenv("OTEL_QUERY_ENDPOINT", "http://signoz:3301")
		t.Setenv("OTEL_QUERY_API_KEY", "")
		t.Setenv("OTEL_QUERY_BACKEND", "")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.Equal(t, "http://signoz:3301", cfg.Backend.Endpoint)
		assert.Empty(t, cfg.Backend.Name)
	})

	t.Run("OTEL_QUERY_BACKEND pins the backend", func(t *testing.T) {
		t.Setenv("OTEL_QUERY_ENDPOINT", "http://tempo:3200")
		t.Setenv("OTEL_QUERY_BACKEND", "tempo")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.Equal(t, "tempo", cfg.Backend.Name)
	})

	t.Run("env beats file values", func(t *testing.T) {
		t.Setenv("OTEL_QUERY_ENDPOINT", "http://env:3301")
		t.Setenv("OTEL_QUERY_API_KEY", "env-key")

		cfg := &Config{
			Backend: BackendConfig{Endpoint: "http://file:3301", APIKey: "file-key"},
		}
		cfg.applyEnvOverrides()

		assert.Equal(t, "http://env:3301", cfg.Backend.Endpoint)
		assert.Equal(t, "env-key", cfg.Backend.APIKey)
	})

	t.Run("empty env leaves file values alone", func(t *testing.T) {
		t.Setenv("OTEL_QUERY_ENDPOINT", "")
		t.Setenv("OTEL_QUERY_API_KEY", "")

		cfg := &Config{
			Backend: BackendConfig{Endpoint: "http://file:3301"},
		}
		cfg.applyEnvOverrides()

		assert.Equal(t, "http://file:3301", cfg.Backend.Endpoint)
	})
}

func TestEnvOverrides_LLM(t *testing.T) {
	t.Run("OPENAI_API_KEY selects openai", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "oa-key")
		t.Setenv("GEMINI_API_KEY", "")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.Equal(t, "oa-key", cfg.LLM.APIKey)
		assert.Equal(t, "openai", cfg.LLM.Provider)
	})

	t.Run("GEMINI_API_KEY selects gemini", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "gem-key")
		t.Setenv("OPENAI_API_KEY", "")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.Equal(t, "gem-key", cfg.LLM.APIKey)
		assert.Equal(t, "gemini", cfg.LLM.Provider)
	})

	t.Run("Precedence: Gemini wins over OpenAI", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "oa-key")
		t.Setenv("GEMINI_API_KEY", "gem-key")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.Equal(t, "gem-key", cfg.LLM.APIKey)
		assert.Equal(t, "gemini", cfg.LLM.Provider)
	})

	t.Run("SMITH_LLM_MODEL overrides model", func(t *testing.T) {
		t.Setenv("SMITH_LLM_MODEL", "gemini-2.5-pro")
		t.Setenv("GEMINI_API_KEY", "")
		t.Setenv("OPENAI_API_KEY", "")

		cfg := &Config{LLM: LLMConfig{Model: "gemini-2.5-flash"}}
		cfg.applyEnvOverrides()

		assert.Equal(t, "gemini-2.5-pro", cfg.LLM.Model)
	})
}

func TestLLMConfig_HasCredentials(t *testing.T) {
	l := &LLMConfig{}
	assert.False(t, l.HasCredentials())

	l.APIKey = "sk-test"
	assert.True(t, l.HasCredentials())
}
