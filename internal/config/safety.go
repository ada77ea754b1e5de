package config

// SafetyConfig toggles capability classes for generated code.
// All default to false: generated task code is pure computation
// over its inputs unless a capability is explicitly granted.
type SafetyConfig struct {
	AllowFileSystem bool `yaml:"allow_file_system" json:"allow_file_system"`
	AllowNetworking bool `yaml:"allow_networking" json:"allow_networking"`
	AllowExec       bool `yaml:"allow_exec" json:"allow_exec"`
}
