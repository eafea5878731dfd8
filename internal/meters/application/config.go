package application

import (
	"errors"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config defines the sync pipeline configuration.
type Config struct {
	Schedule     ScheduleConfig `yaml:"schedule"`
	LookbackDays int            `yaml:"lookback_days"`
	WindowDays   int            `yaml:"window_days"`
}

// ScheduleConfig defines when the daily sync runs.
type ScheduleConfig struct {
	DailyAt string `yaml:"daily_at"`
}

// LoadConfig loads sync config from yaml or env.
func LoadConfig() (Config, error) {
	cfg := Config{
		LookbackDays: getenvIntDefault("SYNC_LOOKBACK_DAYS", 30),
		WindowDays:   getenvIntDefault("SYNC_WINDOW_DAYS", 240),
	}

	if path := os.Getenv("SYNC_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.Schedule.DailyAt == "" {
		cfg.Schedule.DailyAt = getenvDefault("SYNC_DAILY_AT", "06:00")
	}
	if cfg.LookbackDays <= 0 {
		return cfg, errors.New("sync: lookback days must be positive")
	}
	if cfg.WindowDays <= 0 {
		return cfg, errors.New("sync: window days must be positive")
	}
	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
