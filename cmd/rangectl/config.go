package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/rangectl/internal/daemon"
	"github.com/danmuck/rangectl/internal/distance"
	"github.com/danmuck/rangectl/internal/hal"
)

type fileConfig struct {
	ID                    string   `toml:"id"`
	AdminListenAddr       string   `toml:"admin_listen_addr"`
	AdminToken            string   `toml:"admin_token"`
	CorsOrigins           []string `toml:"cors_origins"`
	Scenario              string   `toml:"scenario"`
	HALSocket             string   `toml:"hal_socket"`
	HALVersion            string   `toml:"hal_version"`
	AutoStart             bool     `toml:"auto_start"`
	Heartbeat             string   `toml:"heartbeat"`
	HeartbeatInterval     string   `toml:"heartbeat_interval"`
	MaxConfigRetries      int      `toml:"max_config_retries"`
	MaxEnableRetries      int      `toml:"max_enable_retries"`
	EnableRetryMargin     string   `toml:"enable_retry_margin"`
	EnableRetryMarginMS   int64    `toml:"enable_retry_margin_ms"`
	EnableRetryMultiplier float64  `toml:"enable_retry_multiplier"`
	EnableRetryJitter     bool     `toml:"enable_retry_jitter"`
	PrefetchLocalCaps     bool     `toml:"prefetch_local_capabilities"`
}

func loadServiceConfig(path string) (daemon.ServiceConfig, error) {
	cfg := daemon.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemon.ServiceConfig{}, fmt.Errorf("load rangectl config: %w", err)
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.ID = id
		}
	}

	if meta.IsDefined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}

	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}

	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}

	if meta.IsDefined("scenario") {
		cfg.ScenarioPath = strings.TrimSpace(raw.Scenario)
	}

	if meta.IsDefined("hal_socket") {
		cfg.HALSocket = strings.TrimSpace(raw.HALSocket)
	}

	if meta.IsDefined("hal_version") {
		v, err := hal.ParseVersion(raw.HALVersion)
		if err != nil {
			return daemon.ServiceConfig{}, fmt.Errorf("parse hal_version: %w", err)
		}
		cfg.HALVersion = v
	}

	if meta.IsDefined("auto_start") {
		cfg.AutoStart = raw.AutoStart
	}

	if meta.IsDefined("heartbeat") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Heartbeat))
		if err != nil {
			return daemon.ServiceConfig{}, fmt.Errorf("parse heartbeat: %w", err)
		}
		cfg.HeartbeatInterval = d
	}

	if meta.IsDefined("heartbeat_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HeartbeatInterval))
		if err != nil {
			return daemon.ServiceConfig{}, fmt.Errorf("parse heartbeat_interval: %w", err)
		}
		cfg.HeartbeatInterval = d
	}

	if meta.IsDefined("max_config_retries") {
		retries, err := retryCount("max_config_retries", raw.MaxConfigRetries)
		if err != nil {
			return daemon.ServiceConfig{}, err
		}
		cfg.Distance.MaxConfigRetries = retries
	}

	if meta.IsDefined("max_enable_retries") {
		retries, err := retryCount("max_enable_retries", raw.MaxEnableRetries)
		if err != nil {
			return daemon.ServiceConfig{}, err
		}
		cfg.Distance.MaxEnableRetries = retries
	}

	if meta.IsDefined("enable_retry_margin") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.EnableRetryMargin))
		if err != nil {
			return daemon.ServiceConfig{}, fmt.Errorf("parse enable_retry_margin: %w", err)
		}
		cfg.Distance.EnableRetryMargin = d
	}

	if meta.IsDefined("enable_retry_margin_ms") {
		cfg.Distance.EnableRetryMargin = time.Duration(raw.EnableRetryMarginMS) * time.Millisecond
	}

	if meta.IsDefined("enable_retry_multiplier") {
		cfg.Distance.EnableRetryBackoff.Multiplier = raw.EnableRetryMultiplier
	}

	if meta.IsDefined("enable_retry_jitter") {
		cfg.Distance.EnableRetryBackoff.Jitter = raw.EnableRetryJitter
	}

	if meta.IsDefined("prefetch_local_capabilities") {
		cfg.Distance.PrefetchLocalCapabilities = raw.PrefetchLocalCaps
	}

	if err := cfg.Distance.Validate(); err != nil {
		return daemon.ServiceConfig{}, err
	}
	return cfg, nil
}

// retryCount maps an explicit 0 in the file to distance.NoRetries.
func retryCount(key string, n int) (int, error) {
	switch {
	case n < 0:
		return 0, fmt.Errorf("parse %s: must be >= 0, got %d", key, n)
	case n == 0:
		return distance.NoRetries, nil
	default:
		return n, nil
	}
}

func normalizeOrigins(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
