package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/rangectl/internal/hal"
	"github.com/pelletier/go-toml/v2"
)

// RangectlConfig mirrors the keys accepted by cmd/rangectl. Durations are
// kept as strings and checked by ValidateRangectlConfig.
type RangectlConfig struct {
	ID                    string   `toml:"id"`
	AdminListenAddr       string   `toml:"admin_listen_addr"`
	AdminToken            string   `toml:"admin_token"`
	CorsOrigins           []string `toml:"cors_origins"`
	Scenario              string   `toml:"scenario"`
	HALVersion            string   `toml:"hal_version"`
	HALSocket             string   `toml:"hal_socket"`
	AutoStart             *bool    `toml:"auto_start"`
	Heartbeat             string   `toml:"heartbeat_interval"`
	MaxConfigRetries      *int     `toml:"max_config_retries"`
	MaxEnableRetries      *int     `toml:"max_enable_retries"`
	EnableRetryMargin     string   `toml:"enable_retry_margin"`
	EnableRetryMarginMS   *int64   `toml:"enable_retry_margin_ms"`
	EnableRetryMultiplier *float64 `toml:"enable_retry_multiplier"`
	EnableRetryJitter     *bool    `toml:"enable_retry_jitter"`
	PrefetchLocalCaps     *bool    `toml:"prefetch_local_capabilities"`
}

func LoadRangectlConfig(path string) (RangectlConfig, error) {
	var cfg RangectlConfig
	if err := loadToml(path, &cfg); err != nil {
		return RangectlConfig{}, err
	}
	if cfg.ID == "" {
		cfg.ID = "rangectl"
	}
	if err := ValidateRangectlConfig(cfg); err != nil {
		return RangectlConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateRangectlConfig(cfg RangectlConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("rangectl config missing id")
	}
	if v := strings.TrimSpace(cfg.HALVersion); v != "" {
		if _, err := hal.ParseVersion(v); err != nil {
			return fmt.Errorf("rangectl config hal_version: %w", err)
		}
	}
	if strings.ContainsAny(strings.TrimSpace(cfg.AdminToken), " \t") {
		return fmt.Errorf("rangectl config admin_token must not contain whitespace")
	}
	if strings.TrimSpace(cfg.HALSocket) != "" && strings.TrimSpace(cfg.Scenario) == "" {
		return fmt.Errorf("rangectl config hal_socket requires scenario")
	}
	if err := validateDuration("heartbeat_interval", cfg.Heartbeat); err != nil {
		return err
	}
	if err := validateDuration("enable_retry_margin", cfg.EnableRetryMargin); err != nil {
		return err
	}
	if cfg.MaxConfigRetries != nil && *cfg.MaxConfigRetries < 0 {
		return fmt.Errorf("rangectl config max_config_retries must be >= 0")
	}
	if cfg.MaxEnableRetries != nil && *cfg.MaxEnableRetries < 0 {
		return fmt.Errorf("rangectl config max_enable_retries must be >= 0")
	}
	if cfg.EnableRetryMarginMS != nil && *cfg.EnableRetryMarginMS < 0 {
		return fmt.Errorf("rangectl config enable_retry_margin_ms must be >= 0")
	}
	if cfg.EnableRetryMultiplier != nil && *cfg.EnableRetryMultiplier < 1 {
		return fmt.Errorf("rangectl config enable_retry_multiplier must be >= 1")
	}
	return nil
}

func validateDuration(key, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("rangectl config %s: %w", key, err)
	}
	if d < 0 {
		return fmt.Errorf("rangectl config %s must be >= 0", key)
	}
	return nil
}
