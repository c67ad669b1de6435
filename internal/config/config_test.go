package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadProxyDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadProxy("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Relay.URL != "http://127.0.0.1:8800" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}

	cfg, err = LoadProxy(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if cfg.Relay.URL == "" {
		t.Fatalf("expected defaults for missing file, got %+v", cfg)
	}
}

func TestLoadProxyFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "proxy.toml")
	payload := `
[relay]
url = "http://relay.local:9000"
token = "s3cret"

[agent]
name = "claude"
command = "claude"
args = ["--dangerously-skip-permissions"]
initial_prompt = "introduce yourself"

[flow]
min_silence_ms = 250
long_silence_ms = 1500
max_wait_s = 20
max_queue = 10
max_age_s = 120

[share]
auto = true
`
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadProxy(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Relay.URL != "http://relay.local:9000" || cfg.Relay.Token != "s3cret" {
		t.Fatalf("unexpected relay settings %+v", cfg.Relay)
	}
	if cfg.Agent.Name != "claude" || len(cfg.Agent.Args) != 1 {
		t.Fatalf("unexpected agent settings %+v", cfg.Agent)
	}
	if !cfg.Share.Auto {
		t.Fatal("expected auto share enabled")
	}

	tuning := cfg.Flow.Tuning()
	if tuning.MinSilence != 250*time.Millisecond || tuning.MaxWait != 20*time.Second {
		t.Fatalf("unexpected tuning %+v", tuning)
	}
	if tuning.MaxQueue != 10 {
		t.Fatalf("unexpected queue cap %d", tuning.MaxQueue)
	}
}

func TestLoadRelayFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "relay.yaml")
	payload := `
listen: "0.0.0.0:8800"
token: "s3cret"
history_path: "/var/lib/confab/history.jsonl"
history_cap: 500
turn_timeout_s: 90
heartbeat_interval_s: 15
idle_reap_after_s: 600
log_level: "debug"
`
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadRelay(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != "0.0.0.0:8800" || cfg.HistoryCap != 500 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.TurnTimeout() != 90*time.Second || cfg.HeartbeatInterval() != 15*time.Second {
		t.Fatalf("unexpected durations %+v", cfg)
	}
}

func TestLoadRelayRejectsBadYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte("listen: [unterminated"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadRelay(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestWatchProxyReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "proxy.toml")
	if err := os.WriteFile(path, []byte("[flow]\nmin_silence_ms = 100\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reloaded := make(chan ProxyConfig, 4)
	go func() {
		_ = WatchProxy(ctx, path, nil, func(cfg ProxyConfig) {
			reloaded <- cfg
		})
	}()

	// Give the watcher a moment to attach before rewriting.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(path, []byte("[flow]\nmin_silence_ms = 400\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Flow.MinSilenceMS != 400 {
			t.Fatalf("expected updated tuning, got %+v", cfg.Flow)
		}
	case <-ctx.Done():
		t.Fatal("reload never observed")
	}
}
