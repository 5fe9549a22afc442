package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Config holds all draftflow client configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	BaseURL          string `json:"base_url"`
	Token            string `json:"token"`
	DBPath           string `json:"db_path"`
	LogLevel         string `json:"log_level"`
	RequestTimeout   string `json:"request_timeout"`
	RunTimeout       string `json:"run_timeout"`
	AutosyncEvery    string `json:"autosync_every"`
	HistoryRetainFor string `json:"history_retain_for"`
}

func defaultConfig() Config {
	return Config{
		BaseURL:          "http://localhost:5001",
		DBPath:           filepath.Join(draftflowDir(), "history.db"),
		LogLevel:         "info",
		RequestTimeout:   "30s",
		RunTimeout:       "10m",
		AutosyncEvery:    "@every 30s",
		HistoryRetainFor: "720h",
	}
}

func draftflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".draftflow"
	}
	return filepath.Join(home, ".draftflow")
}

func settingsPath() string {
	return filepath.Join(draftflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("DRAFTFLOW_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("DRAFTFLOW_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("DRAFTFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("DRAFTFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DRAFTFLOW_REQUEST_TIMEOUT"); v != "" {
		cfg.RequestTimeout = v
	}
	if v := os.Getenv("DRAFTFLOW_RUN_TIMEOUT"); v != "" {
		cfg.RunTimeout = v
	}
	if v := os.Getenv("DRAFTFLOW_AUTOSYNC_EVERY"); v != "" {
		cfg.AutosyncEvery = v
	}

	return cfg
}

// duration parses a config duration string, falling back when it is invalid
// or non-positive.
func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
