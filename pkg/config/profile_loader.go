package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BenchmarkProfile tunes the benchmark batteries per deployment. A profile
// shipped with the install can tighten or relax probe gates without a code
// change.
type BenchmarkProfile struct {
	Name string `yaml:"name" json:"name"`
	// DriftThresholdPercent is the absolute percent change against the
	// golden baseline above which drift is flagged.
	DriftThresholdPercent float64       `yaml:"drift_threshold_percent" json:"drift_threshold_percent"`
	ProbeTimeout          time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
	Latency               LatencyConfig `yaml:"latency" json:"latency"`
	Concurrency           ConcConfig    `yaml:"concurrency" json:"concurrency"`
	Resources             CeilingConfig `yaml:"resources" json:"resources"`
}

// LatencyConfig tunes the latency-under-load probe.
type LatencyConfig struct {
	Requests      int     `yaml:"requests" json:"requests"`
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	MaxP95MS      float64 `yaml:"max_p95_ms" json:"max_p95_ms"`
}

// ConcConfig tunes the concurrency probe.
type ConcConfig struct {
	Tasks int `yaml:"tasks" json:"tasks"`
}

// CeilingConfig tunes the resource ceiling probe.
type CeilingConfig struct {
	MaxMemoryPercent float64 `yaml:"max_memory_percent" json:"max_memory_percent"`
	MaxCPUPercent    float64 `yaml:"max_cpu_percent" json:"max_cpu_percent"`
}

// DefaultBenchmarkProfile returns the built-in profile used when no YAML is
// configured.
func DefaultBenchmarkProfile() *BenchmarkProfile {
	return &BenchmarkProfile{
		Name:                  "default",
		DriftThresholdPercent: 20.0,
		ProbeTimeout:          30 * time.Second,
		Latency: LatencyConfig{
			Requests:      50,
			RatePerSecond: 100,
			MaxP95MS:      250,
		},
		Concurrency: ConcConfig{Tasks: 16},
		Resources: CeilingConfig{
			MaxMemoryPercent: 90,
			MaxCPUPercent:    95,
		},
	}
}

// LoadBenchmarkProfile loads a profile YAML from path. Zero-valued fields
// fall back to the built-in defaults so partial profiles stay valid.
func LoadBenchmarkProfile(path string) (*BenchmarkProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load benchmark profile: %w", err)
	}

	profile := DefaultBenchmarkProfile()
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("parse benchmark profile %s: %w", path, err)
	}
	if profile.Name == "" {
		profile.Name = "default"
	}
	if profile.DriftThresholdPercent <= 0 {
		profile.DriftThresholdPercent = 20.0
	}
	if profile.ProbeTimeout <= 0 {
		profile.ProbeTimeout = 30 * time.Second
	}
	return profile, nil
}
