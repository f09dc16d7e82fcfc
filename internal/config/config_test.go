package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/orchestra/internal/config"
	"github.com/aretw0/orchestra/internal/logging"
)

func write(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.BackendMemory, cfg.Store.Backend)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestra.yaml")
	write(t, path, `
log_level: debug
store:
  backend: badger
  path: /var/lib/orchestra
arbitration:
  quota: 2
  classes:
    gpu: {capacity: 1, max_queue: 8}
lifecycle:
  hot_ttl: 5m
backbone:
  tokens: {gpu-box: s3cret}
  limits:
    gpu-box: {per_second: 10, burst: 20}
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, config.BackendBadger, cfg.Store.Backend)
	assert.Equal(t, 1, cfg.Arbitration.Classes["gpu"].Capacity)
	assert.Equal(t, 5*time.Minute, cfg.Lifecycle.HotTTL)
	assert.Equal(t, time.Hour, cfg.Lifecycle.WarmTTL, "unset keys keep defaults")
	assert.Equal(t, 20, cfg.Backbone.Limits["gpu-box"].Burst)
	assert.Equal(t, 4, cfg.Pool.MaxResident)
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":      "sotre: {backend: memory}\n",
		"bad backend":      "store: {backend: etcd}\n",
		"file needs path":  "store: {backend: file}\n",
		"redis needs addr": "store: {backend: redis}\n",
		"negative limit":   "backbone: {limits: {x: {per_second: -1}}}\n",
		"bad level":        "log_level: loud\n",
		"bad http addr":    "http: {addr: 'not an addr'}\n",
		"bad loader":       "engine: {loader: sql}\n",
		"key not base64":   "encryption: {key: '***'}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "orchestra.yaml")
			write(t, path, body)
			_, err := config.Load(path)
			assert.Error(t, err)
		})
	}
}

func TestWatch_AppliesValidChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestra.yaml")
	write(t, path, "backbone: {tokens: {w: one}}\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	applied := make(chan config.Config, 4)
	done := make(chan error, 1)
	go func() { done <- config.Watch(ctx, path, logging.NewNop(), func(c config.Config) { applied <- c }) }()

	// Give the watcher time to register before editing.
	time.Sleep(50 * time.Millisecond)
	write(t, path, "store: {backend: etcd}\n")
	time.Sleep(3 * config.DebounceWindow)
	write(t, path, "backbone: {tokens: {w: two}}\n")

	select {
	case c := <-applied:
		assert.Equal(t, "two", c.Backbone.Tokens["w"], "the invalid edit is skipped")
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not applied")
	}

	cancel()
	assert.NoError(t, <-done)
}
