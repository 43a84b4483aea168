// Package config loads and validates the engine's runtime configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gzpfarm/irrigation-engine/internal/domain"
)

// PricePeriod is one band of an electricity tariff. Hours are on a 24h
// clock; a band may wrap midnight (StartHour > EndHour).
type PricePeriod struct {
	Name      string  `json:"name" yaml:"name"`
	StartHour int     `json:"start_hour" yaml:"start_hour"`
	EndHour   int     `json:"end_hour" yaml:"end_hour"`
	PriceKWh  float64 `json:"price_kwh" yaml:"price_kwh"`
}

// PriceSchedule is the peak/valley tariff used for scenario costing.
type PriceSchedule struct {
	DefaultKWh float64       `json:"default_kwh" yaml:"default_kwh"`
	Periods    []PricePeriod `json:"periods" yaml:"periods"`
}

// PriceAt returns the tariff applying at the given hour of day.
func (s PriceSchedule) PriceAt(hour float64) float64 {
	h := int(hour) % 24
	if h < 0 {
		h += 24
	}
	for _, p := range s.Periods {
		if p.StartHour <= p.EndHour {
			if h >= p.StartHour && h < p.EndHour {
				return p.PriceKWh
			}
		} else if h >= p.StartHour || h < p.EndHour {
			return p.PriceKWh
		}
	}
	return s.DefaultKWh
}

// PlannerConfig holds the planning defaults.
type PlannerConfig struct {
	TargetDepthMM    float64 `json:"target_depth_mm" yaml:"target_depth_mm"`
	TimeWindowH      float64 `json:"time_window_h" yaml:"time_window_h"`
	MinFieldsTrigger int     `json:"min_fields_trigger" yaml:"min_fields_trigger"`
}

// ExecutionConfig holds the execution-loop tunables.
type ExecutionConfig struct {
	RefreshIntervalMin int     `json:"refresh_interval_min" yaml:"refresh_interval_min"`
	RegenThresholdMM   float64 `json:"regen_threshold_mm" yaml:"regen_threshold_mm"`
	EnableRegeneration bool    `json:"enable_regeneration" yaml:"enable_regeneration"`
}

// CacheConfig holds the result-cache tunables.
type CacheConfig struct {
	TTLSeconds int `json:"ttl_seconds" yaml:"ttl_seconds"`
}

// Config holds the engine's runtime configuration.
type Config struct {
	DBPath       string          `json:"db_path" yaml:"db_path"`
	TopologyPath string          `json:"topology_path" yaml:"topology_path"`
	ListenAddr   string          `json:"listen_addr" yaml:"listen_addr"`
	Planner      PlannerConfig   `json:"planner" yaml:"planner"`
	Execution    ExecutionConfig `json:"execution" yaml:"execution"`
	Cache        CacheConfig     `json:"cache" yaml:"cache"`
	Prices       PriceSchedule   `json:"prices" yaml:"prices"`
	// RetentionDays bounds how long old plans and water level readings
	// are kept before the janitor sweep deletes them.
	RetentionDays int `json:"retention_days" yaml:"retention_days"`
	// InitialLevels seed fields with fallback water levels (quality fair)
	// when no sensor or manual reading exists.
	InitialLevels map[string]float64 `json:"initial_levels" yaml:"initial_levels"`
}

// Load reads a JSON or YAML config file (by extension), applies defaults,
// and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":9810"
	}
	if c.Planner.TargetDepthMM == 0 {
		c.Planner.TargetDepthMM = 90
	}
	if c.Planner.TimeWindowH == 0 {
		c.Planner.TimeWindowH = 20
	}
	if c.Planner.MinFieldsTrigger == 0 {
		c.Planner.MinFieldsTrigger = 1
	}
	if c.Execution.RefreshIntervalMin == 0 {
		c.Execution.RefreshIntervalMin = 30
	}
	if c.Execution.RegenThresholdMM == 0 {
		c.Execution.RegenThresholdMM = 10
	}
	if c.Cache.TTLSeconds == 0 {
		c.Cache.TTLSeconds = 300
	}
	if c.Prices.DefaultKWh == 0 {
		c.Prices.DefaultKWh = 0.6
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 90
	}
}

func (c *Config) validate() error {
	var problems []string

	if c.DBPath == "" {
		problems = append(problems, "db_path is required")
	}
	if c.TopologyPath == "" {
		problems = append(problems, "topology_path is required")
	}
	if c.Planner.TargetDepthMM < 0 {
		problems = append(problems, "planner.target_depth_mm must not be negative")
	}
	if c.Planner.TimeWindowH < 0 {
		problems = append(problems, "planner.time_window_h must not be negative")
	}
	if c.Execution.RegenThresholdMM < 0 {
		problems = append(problems, "execution.regen_threshold_mm must not be negative")
	}
	if c.RetentionDays < 0 {
		problems = append(problems, "retention_days must not be negative")
	}
	for _, p := range c.Prices.Periods {
		if p.PriceKWh < 0 {
			problems = append(problems, fmt.Sprintf("prices: period %q has negative price", p.Name))
		}
		if p.StartHour < 0 || p.StartHour > 23 || p.EndHour < 0 || p.EndHour > 24 {
			problems = append(problems, fmt.Sprintf("prices: period %q has out-of-range hours", p.Name))
		}
	}

	if len(problems) > 0 {
		return &domain.EngineError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}
