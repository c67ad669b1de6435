package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RelayConfig is the relay server configuration.
type RelayConfig struct {
	Listen             string `yaml:"listen"`
	Token              string `yaml:"token"`
	HistoryPath        string `yaml:"history_path"`
	HistoryCap         int    `yaml:"history_cap"`
	TurnTimeoutS       int    `yaml:"turn_timeout_s"`
	HeartbeatIntervalS int    `yaml:"heartbeat_interval_s"`
	IdleReapAfterS     int    `yaml:"idle_reap_after_s"`
	LogLevel           string `yaml:"log_level"`
}

func DefaultRelay() RelayConfig {
	return RelayConfig{
		Listen:   "127.0.0.1:8800",
		LogLevel: "info",
	}
}

// LoadRelay reads path over the defaults. A missing file is not an error.
func LoadRelay(path string) (RelayConfig, error) {
	cfg := DefaultRelay()
	if path == "" {
		return cfg, nil
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return RelayConfig{}, fmt.Errorf("load relay config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(payload, &cfg); err != nil {
		return RelayConfig{}, fmt.Errorf("parse relay config %s: %w", path, err)
	}
	return cfg, nil
}

func (c RelayConfig) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutS) * time.Second
}

func (c RelayConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalS) * time.Second
}

func (c RelayConfig) IdleReapAfter() time.Duration {
	return time.Duration(c.IdleReapAfterS) * time.Second
}
