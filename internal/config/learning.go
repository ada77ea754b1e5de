package config

import (
	"fmt"
	"time"
)

// LearningConfig holds the eligibility thresholds for pattern learning.
type LearningConfig struct {
	MinExecutions   int     `yaml:"min_executions"`   // executions before a pattern is trusted
	MinConsistency  float64 `yaml:"min_consistency"`  // weighted consistency gate for codegen
	DeployThreshold float64 `yaml:"deploy_threshold"` // consistency gate for deployment
	QueryLimit      int     `yaml:"query_limit"`      // max traces fetched per analysis
	TimeRangeHours  int     `yaml:"time_range_hours"` // default analysis window
	Workers         int     `yaml:"workers"`          // parallel task analyses
}

// GetTimeRange returns the default analysis window as a duration.
func (c *Config) GetTimeRange() time.Duration {
	if c.Learning.TimeRangeHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Learning.TimeRangeHours) * time.Hour
}

// GetWorkers returns the analysis worker count, floored at 1.
func (c *Config) GetWorkers() int {
	if c.Learning.Workers < 1 {
		return 1
	}
	return c.Learning.Workers
}

// ValidateLearning checks that learning thresholds are within acceptable ranges.
func (c *Config) ValidateLearning() error {
	if c.Learning.MinConsistency < 0 || c.Learning.MinConsistency > 1 {
		return fmt.Errorf("min_consistency must be in [0,1], got %v", c.Learning.MinConsistency)
	}
	if c.Learning.DeployThreshold < 0 || c.Learning.DeployThreshold > 1 {
		return fmt.Errorf("deploy_threshold must be in [0,1], got %v", c.Learning.DeployThreshold)
	}
	if c.Learning.MinExecutions < 1 {
		return fmt.Errorf("min_executions must be >= 1, got %d", c.Learning.MinExecutions)
	}
	if c.Learning.QueryLimit < 1 {
		return fmt.Errorf("query_limit must be >= 1, got %d", c.Learning.QueryLimit)
	}
	return nil
}
