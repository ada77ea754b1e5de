package config

import "time"

// BackendConfig configures the tracing backend the analyzer queries.
type BackendConfig struct {
	Endpoint     string `yaml:"endpoint"`      // base URL, e.g. http://localhost:3301
	APIKey       string `yaml:"api_key"`       // optional; sent as SIGNOZ-API-KEY or Bearer
	Name         string `yaml:"name"`          // signoz, jaeger, tempo; empty = auto-detect
	QueryTimeout string `yaml:"query_timeout"` // per-query timeout, e.g. "30s"
}

// GetQueryTimeout returns the backend query timeout as a duration.
func (c *Config) GetQueryTimeout() time.Duration {
	d, err := time.ParseDuration(c.Backend.QueryTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}
