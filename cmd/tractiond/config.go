package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all tractiond configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	PoolSize      int    `json:"pool_size"`
	QueueSize     int    `json:"queue_size"`
	BudgetHardCap int64  `json:"budget_hard_cap"`
	BudgetSoftCap int64  `json:"budget_soft_cap"`
	Scheduler     bool   `json:"scheduler"`
}

func defaultConfig() Config {
	return Config{
		DBPath:        filepath.Join(tractionDir(), "traction.db"),
		LogLevel:      "info",
		PoolSize:      10,
		BudgetHardCap: 1_000_000,
		BudgetSoftCap: 750_000,
		Scheduler:     true,
	}
}

func tractionDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tractionbuild"
	}
	return filepath.Join(home, ".tractionbuild")
}

func settingsPath() string {
	return filepath.Join(tractionDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("TRACTION_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TRACTION_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TRACTION_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("TRACTION_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueSize = n
		}
	}
	if v := os.Getenv("TRACTION_BUDGET_HARD_CAP"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.BudgetHardCap = n
		}
	}
	if v := os.Getenv("TRACTION_BUDGET_SOFT_CAP"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.BudgetSoftCap = n
		}
	}
	if v := os.Getenv("TRACTION_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}

	return cfg
}
