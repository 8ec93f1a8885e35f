// Package engconfig holds the YAML-loadable engine configuration. CLI flag
// parsing and config-file globbing remain a Non-goal external collaborator
// (spec.md §1); this is the struct that collaborator ultimately fills in,
// the way 99souls-ariadne loads its crawl config from YAML.
package engconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RateLimit struct {
	Budget int           `yaml:"budget"`
	Window time.Duration `yaml:"window"`
}

type Endpoints struct {
	SpeedHost     string `yaml:"speed_host"`
	SpeedPath     string `yaml:"speed_path"`
	FallbackHost  string `yaml:"fallback_host"`
	FallbackPath  string `yaml:"fallback_path"`
	PreflightIPs  []string `yaml:"preflight_ips"`
}

type Concurrency struct {
	LatencyPhase int `yaml:"latency_phase"`
	SpeedPhase   int `yaml:"speed_phase"`
	CleanScan    int `yaml:"clean_scan"`
	BaseTest     int `yaml:"base_test"`
	Expansion    int `yaml:"expansion"`
}

type Config struct {
	Mode        string        `yaml:"mode"` // quick|normal|thorough
	Timeout     time.Duration `yaml:"timeout"`
	RateLimit   RateLimit     `yaml:"rate_limit"`
	Endpoints   Endpoints     `yaml:"endpoints"`
	Concurrency Concurrency   `yaml:"concurrency"`
	LogFile     string        `yaml:"log_file"`
	MaxTotal    int           `yaml:"max_total_variations"`
}

// Default returns the constants named throughout spec.md.
func Default() Config {
	return Config{
		Mode:    "normal",
		Timeout: 5 * time.Second,
		RateLimit: RateLimit{
			Budget: 550,
			Window: 600 * time.Second,
		},
		Endpoints: Endpoints{
			SpeedHost:    "speed.cloudflare.com",
			SpeedPath:    "/__down",
			FallbackHost: "",
			FallbackPath: "/",
			PreflightIPs: []string{"104.16.0.0", "104.17.0.0", "172.64.0.0"},
		},
		Concurrency: Concurrency{
			LatencyPhase: 50,
			SpeedPhase:   10,
			CleanScan:    1500,
			BaseTest:     10,
			Expansion:    20,
		},
		MaxTotal: 5000,
	}
}

// Load reads and merges a YAML file onto Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
