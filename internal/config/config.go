package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the relay gateway.
type Config struct {
	BindAddr                  string
	ShutdownTimeout           time.Duration
	ConnectionIdleTimeout     time.Duration
	MetricsNamespace          string
	AllowAnyOrigin            bool
	UpstreamProvider          string
	GeminiAPIKey              string
	GeminiLiveModel           string
	GeminiVoice               string
	RelayPaths                string
	RelayPathsFile            string
	RelayUpstreamConnectWait  time.Duration
	RelayUpgradeRatePerSecond float64
	RelayUpgradeBurst         float64
	RelayFrameRatePerSecond   float64
	RelayFrameBurst           float64
	DatabaseURL               string
}

func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "livegate"),
		AllowAnyOrigin:   false,
		UpstreamProvider: strings.ToLower(envOrDefault("UPSTREAM_PROVIDER", "auto")),
		GeminiAPIKey:     stringsTrimSpace("GEMINI_API_KEY"),
		GeminiLiveModel:  envOrDefault("GEMINI_LIVE_MODEL", "gemini-2.0-flash-live-001"),
		GeminiVoice:      stringsTrimSpace("GEMINI_VOICE"),
		// A bare path binds to GEMINI_LIVE_MODEL.
		RelayPaths:                envOrDefault("RELAY_PATHS", "/doctor"),
		RelayPathsFile:            stringsTrimSpace("RELAY_PATHS_FILE"),
		DatabaseURL:               stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:           15 * time.Second,
		ConnectionIdleTimeout:     10 * time.Minute,
		RelayUpstreamConnectWait:  15 * time.Second,
		RelayUpgradeRatePerSecond: 1,
		RelayUpgradeBurst:         10,
		RelayFrameRatePerSecond:   50,
		RelayFrameBurst:           100,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectionIdleTimeout, err = durationFromEnv("APP_CONNECTION_IDLE_TIMEOUT", cfg.ConnectionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RelayUpstreamConnectWait, err = durationFromEnv("RELAY_UPSTREAM_CONNECT_TIMEOUT", cfg.RelayUpstreamConnectWait)
	if err != nil {
		return Config{}, err
	}
	cfg.RelayUpgradeRatePerSecond, err = floatFromEnv("RELAY_UPGRADE_RPS", cfg.RelayUpgradeRatePerSecond)
	if err != nil {
		return Config{}, err
	}
	cfg.RelayUpgradeBurst, err = floatFromEnv("RELAY_UPGRADE_BURST", cfg.RelayUpgradeBurst)
	if err != nil {
		return Config{}, err
	}
	cfg.RelayFrameRatePerSecond, err = floatFromEnv("RELAY_FRAME_RPS", cfg.RelayFrameRatePerSecond)
	if err != nil {
		return Config{}, err
	}
	cfg.RelayFrameBurst, err = floatFromEnv("RELAY_FRAME_BURST", cfg.RelayFrameBurst)
	if err != nil {
		return Config{}, err
	}

	switch cfg.UpstreamProvider {
	case "auto":
		if cfg.GeminiAPIKey != "" {
			cfg.UpstreamProvider = "gemini"
		} else {
			cfg.UpstreamProvider = "mock"
		}
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return Config{}, fmt.Errorf("GEMINI_API_KEY is required when UPSTREAM_PROVIDER=gemini")
		}
	case "mock":
	default:
		return Config{}, fmt.Errorf("UPSTREAM_PROVIDER must be one of auto, gemini, mock")
	}

	if cfg.ConnectionIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_CONNECTION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.RelayUpstreamConnectWait <= 0 {
		return Config{}, fmt.Errorf("RELAY_UPSTREAM_CONNECT_TIMEOUT must be positive")
	}
	if cfg.RelayUpgradeRatePerSecond < 0 || cfg.RelayFrameRatePerSecond < 0 {
		return Config{}, fmt.Errorf("relay refill rates must be >= 0")
	}
	if cfg.RelayUpgradeBurst < 1 || cfg.RelayFrameBurst < 1 {
		return Config{}, fmt.Errorf("relay bursts must be at least 1")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
