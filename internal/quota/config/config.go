// Package config holds the quota module's tunable policy: dedup window, cache
// TTLs, alert thresholds, cooldowns, and the plan catalog. Process-level
// wiring (addresses, DSNs) lives in internal/platform/config.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"scanmeter/internal/quota/models"
)

// Thresholds are remaining-allowance percentages that escalate alert severity.
type Thresholds struct {
	WarningPercent  float64 `yaml:"warning_percent"`
	CriticalPercent float64 `yaml:"critical_percent"`
	UrgentPercent   float64 `yaml:"urgent_percent"`
}

// Config is the full domain configuration.
type Config struct {
	DedupWindow     time.Duration `yaml:"dedup_window"`
	DedupMaxEntries int           `yaml:"dedup_max_entries"`

	ConfigTTL         time.Duration `yaml:"config_ttl"`
	StatsTTL          time.Duration `yaml:"stats_ttl"`
	RecommendationTTL time.Duration `yaml:"recommendation_ttl"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`

	Thresholds       Thresholds    `yaml:"thresholds"`
	QuotaCooldown    time.Duration `yaml:"quota_cooldown"`
	BurnRateCooldown time.Duration `yaml:"burn_rate_cooldown"`

	ResetSchedule    string `yaml:"reset_schedule"`
	BurnRateSchedule string `yaml:"burn_rate_schedule"`

	Plans []models.Plan `yaml:"plans"`
}

// Default returns the built-in policy.
func Default() *Config {
	return &Config{
		DedupWindow:       24 * time.Hour,
		DedupMaxEntries:   1000,
		ConfigTTL:         60 * time.Second,
		StatsTTL:          30 * time.Second,
		RecommendationTTL: 300 * time.Second,
		SweepInterval:     time.Hour,
		Thresholds: Thresholds{
			WarningPercent:  20,
			CriticalPercent: 5,
			UrgentPercent:   1,
		},
		QuotaCooldown:    time.Hour,
		BurnRateCooldown: 24 * time.Hour,
		ResetSchedule:    "5 0 * * *",
		BurnRateSchedule: "@every 1h",
		Plans:            models.DefaultPlans(),
	}
}

// Load reads a YAML policy file, applies defaults for anything unset, and
// validates the result. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read quota config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse quota config %q: %w", path, err)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("quota config validation failed: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = def.DedupWindow
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = def.DedupMaxEntries
	}
	if cfg.ConfigTTL <= 0 {
		cfg.ConfigTTL = def.ConfigTTL
	}
	if cfg.StatsTTL <= 0 {
		cfg.StatsTTL = def.StatsTTL
	}
	if cfg.RecommendationTTL <= 0 {
		cfg.RecommendationTTL = def.RecommendationTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.Thresholds.WarningPercent <= 0 {
		cfg.Thresholds.WarningPercent = def.Thresholds.WarningPercent
	}
	if cfg.Thresholds.CriticalPercent <= 0 {
		cfg.Thresholds.CriticalPercent = def.Thresholds.CriticalPercent
	}
	if cfg.Thresholds.UrgentPercent <= 0 {
		cfg.Thresholds.UrgentPercent = def.Thresholds.UrgentPercent
	}
	if cfg.QuotaCooldown <= 0 {
		cfg.QuotaCooldown = def.QuotaCooldown
	}
	if cfg.BurnRateCooldown <= 0 {
		cfg.BurnRateCooldown = def.BurnRateCooldown
	}
	if cfg.ResetSchedule == "" {
		cfg.ResetSchedule = def.ResetSchedule
	}
	if cfg.BurnRateSchedule == "" {
		cfg.BurnRateSchedule = def.BurnRateSchedule
	}
	if len(cfg.Plans) == 0 {
		cfg.Plans = def.Plans
	}
}

// Validate rejects configs that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.Thresholds.UrgentPercent > c.Thresholds.CriticalPercent {
		return fmt.Errorf("urgent threshold %.1f must not exceed critical threshold %.1f",
			c.Thresholds.UrgentPercent, c.Thresholds.CriticalPercent)
	}
	if c.Thresholds.CriticalPercent > c.Thresholds.WarningPercent {
		return fmt.Errorf("critical threshold %.1f must not exceed warning threshold %.1f",
			c.Thresholds.CriticalPercent, c.Thresholds.WarningPercent)
	}
	seen := make(map[string]bool, len(c.Plans))
	for _, p := range c.Plans {
		if p.ID == "" {
			return fmt.Errorf("plan with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate plan id %q", p.ID)
		}
		seen[p.ID] = true
		if p.MonthlyQuota < 0 {
			return fmt.Errorf("plan %q: monthly quota cannot be negative", p.ID)
		}
	}
	return nil
}
