// Package config loads the proxy's TOML settings file and the relay's YAML
// settings file, and watches the proxy file so flow tuning can change while
// a session is live.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"confab/internal/flowctl"
)

// ProxyConfig is the per-agent sidecar configuration.
type ProxyConfig struct {
	Relay RelayEndpoint `toml:"relay"`
	Agent AgentSettings `toml:"agent"`
	Flow  FlowSettings  `toml:"flow"`
	Share ShareSettings `toml:"share"`
}

type RelayEndpoint struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

type AgentSettings struct {
	Name          string   `toml:"name"`
	Command       string   `toml:"command"`
	Args          []string `toml:"args"`
	InitialPrompt string   `toml:"initial_prompt"`
}

// FlowSettings mirrors flowctl.Tuning in file-friendly units.
type FlowSettings struct {
	MinSilenceMS  int `toml:"min_silence_ms"`
	LongSilenceMS int `toml:"long_silence_ms"`
	MaxWaitS      int `toml:"max_wait_s"`
	MaxQueue      int `toml:"max_queue"`
	MaxAgeS       int `toml:"max_age_s"`
}

type ShareSettings struct {
	Auto bool `toml:"auto"`
}

func DefaultProxy() ProxyConfig {
	return ProxyConfig{
		Relay: RelayEndpoint{URL: "http://127.0.0.1:8800"},
		Share: ShareSettings{Auto: false},
	}
}

// LoadProxy reads path over the defaults. A missing file is not an error;
// the defaults stand.
func LoadProxy(path string) (ProxyConfig, error) {
	cfg := DefaultProxy()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return ProxyConfig{}, fmt.Errorf("load proxy config %s: %w", path, err)
	}
	return cfg, nil
}

// Tuning converts the file units to flowctl.Tuning; zero fields keep the
// controller's defaults.
func (f FlowSettings) Tuning() flowctl.Tuning {
	return flowctl.Tuning{
		MinSilence:  time.Duration(f.MinSilenceMS) * time.Millisecond,
		LongSilence: time.Duration(f.LongSilenceMS) * time.Millisecond,
		MaxWait:     time.Duration(f.MaxWaitS) * time.Second,
		MaxQueue:    f.MaxQueue,
		MaxAge:      time.Duration(f.MaxAgeS) * time.Second,
	}
}
