package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoaderLayering(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	workDir := filepath.Join(project, "nested", "deeper")
	if err := os.MkdirAll(workDir, 0755); err != nil {
		t.Fatal(err)
	}

	writeFile(t, filepath.Join(home, UserConfigDir, UserConfigFile), `
broker:
  url: "nats://user:4222"
collector:
  bundle_interval: 20s
model:
  temperature: 0.4
`)
	writeFile(t, filepath.Join(project, ProjectConfigFile), `
collector:
  input_topic: "home/#"
  bundle_interval: 15s
`)

	l := NewLoader(nil,
		WithDirs(home, workDir),
		WithLookupEnv(envMap(map[string]string{EnvTemperature: "0.9"})),
	)
	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Broker.URL != "nats://user:4222" {
		t.Errorf("expected user broker URL, got %s", cfg.Broker.URL)
	}
	if cfg.Collector.BundleInterval != 15*time.Second {
		t.Errorf("project config should override user config, got %v", cfg.Collector.BundleInterval)
	}
	if cfg.Collector.InputTopic != "home.>" {
		t.Errorf("expected normalized input subject, got %s", cfg.Collector.InputTopic)
	}
	if cfg.Model.Temperature != 0.9 {
		t.Errorf("environment should override files, got %f", cfg.Model.Temperature)
	}
}

func TestLoaderExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	writeFile(t, path, `
collector:
  input_topic: "sensors.>"
`)
	// A project file in the working directory is ignored when a path is given.
	writeFile(t, filepath.Join(dir, ProjectConfigFile), `
collector:
  input_topic: "ignored.>"
`)

	l := NewLoader(nil, WithPath(path), WithDirs(t.TempDir(), dir), WithLookupEnv(envMap(nil)))
	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Collector.InputTopic != "sensors.>" {
		t.Errorf("expected explicit file topic, got %s", cfg.Collector.InputTopic)
	}
}

func TestLoaderExplicitPathMissing(t *testing.T) {
	l := NewLoader(nil,
		WithPath(filepath.Join(t.TempDir(), "missing.yaml")),
		WithDirs(t.TempDir(), t.TempDir()),
		WithLookupEnv(envMap(nil)),
	)
	if _, err := l.Load(); err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestLoaderInvalidResult(t *testing.T) {
	l := NewLoader(nil,
		WithDirs(t.TempDir(), t.TempDir()),
		WithLookupEnv(envMap(map[string]string{EnvTemperature: "5"})),
	)
	if _, err := l.Load(); err == nil {
		t.Error("expected validation error")
	}
}

func TestEnsureUserConfig(t *testing.T) {
	home := t.TempDir()
	l := NewLoader(nil, WithDirs(home, t.TempDir()), WithLookupEnv(envMap(nil)))

	if err := l.EnsureUserConfig(); err != nil {
		t.Fatalf("EnsureUserConfig() error = %v", err)
	}
	path := filepath.Join(home, UserConfigDir, UserConfigFile)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("user config not created: %v", err)
	}

	// Existing files are left alone.
	writeFile(t, path, "metrics:\n  addr: \":9999\"\n")
	if err := l.EnsureUserConfig(); err != nil {
		t.Fatal(err)
	}
	cfg, err := l.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Metrics.Addr != ":9999" {
		t.Errorf("expected existing user config to survive, got %q", cfg.Metrics.Addr)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(envMap(map[string]string{
		EnvBrokerAddress:  "broker.local",
		EnvBrokerPort:     "4333",
		EnvKeepAlive:      "45",
		EnvInputTopic:     "zigbee2mqtt/#",
		EnvBundleTopic:    "house/bundles",
		EnvBundleInterval: "1m",
		EnvModel:          "mistral",
		EnvTemperature:    "0.3",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}

	if got := cfg.Broker.ServerURL(); got != "nats://broker.local:4333" {
		t.Errorf("unexpected server URL %s", got)
	}
	if cfg.Broker.KeepAlive != 45*time.Second {
		t.Errorf("expected keep alive 45s, got %v", cfg.Broker.KeepAlive)
	}
	if cfg.Collector.InputTopic != "zigbee2mqtt/#" {
		t.Errorf("unexpected input topic %s", cfg.Collector.InputTopic)
	}
	if cfg.Collector.BundleTopic != "house/bundles" || cfg.Agent.BundleTopic != "house/bundles" {
		t.Errorf("bundle topic should apply to both sides, got %s and %s", cfg.Collector.BundleTopic, cfg.Agent.BundleTopic)
	}
	if cfg.Collector.BundleInterval != time.Minute {
		t.Errorf("expected interval 1m, got %v", cfg.Collector.BundleInterval)
	}
	if cfg.Model.Endpoints[0].Model != "mistral" {
		t.Errorf("expected model mistral, got %s", cfg.Model.Endpoints[0].Model)
	}
	if cfg.Model.Temperature != 0.3 {
		t.Errorf("expected temperature 0.3, got %f", cfg.Model.Temperature)
	}
}

func TestApplyEnvIgnoresEmpty(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(envMap(map[string]string{EnvInputTopic: "  ", EnvModel: ""})); err != nil {
		t.Fatal(err)
	}
	if cfg.Collector.InputTopic != "" {
		t.Errorf("blank value should be ignored, got %q", cfg.Collector.InputTopic)
	}
	if cfg.Model.Endpoints[0].Model != "llama3" {
		t.Errorf("empty value should be ignored, got %s", cfg.Model.Endpoints[0].Model)
	}
}

func TestApplyEnvInvalid(t *testing.T) {
	for _, key := range []string{EnvBrokerPort, EnvKeepAlive, EnvBundleInterval, EnvTemperature} {
		t.Run(key, func(t *testing.T) {
			cfg := DefaultConfig()
			if err := cfg.ApplyEnv(envMap(map[string]string{key: "not-a-number"})); err == nil {
				t.Errorf("expected error for %s", key)
			}
		})
	}
}
