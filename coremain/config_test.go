package coremain

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

const mainConfig = `
log:
  level: debug
storage:
  type: badger
  dir: /var/lib/resync
cache:
  memory_size: 512
  cleanup_interval: 10m
  codec: snappy+json
connectivity:
  interval: 15s
  probes:
    - type: dns
      addr: 1.1.1.1:53
sync:
  interval: 2m
  exec_timeout: 20s
  retry: conservative
  replay_rate: 5
  breaker:
    failure_threshold: 3
    retry_delay: 30s
executors:
  - tag: alerts
    type: http_forward
    ops: [alert_create, alert_resolve]
    args:
      url: https://api.example.com/alerts
      timeout: 5s
api:
  http: 127.0.0.1:9080
`

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", mainConfig)

	_, cfg, err := loadConfig(p)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "badger", cfg.Storage.Type)
	assert.Equal(t, 512, cfg.Cache.MemorySize)
	assert.Equal(t, 10*time.Minute, cfg.Cache.CleanupInterval)
	assert.Equal(t, "snappy+json", cfg.Cache.Codec)
	assert.Equal(t, 15*time.Second, cfg.Connectivity.Interval)
	require.Len(t, cfg.Connectivity.Probes, 1)
	assert.Equal(t, "1.1.1.1:53", cfg.Connectivity.Probes[0].Addr)
	assert.Equal(t, 2*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 20*time.Second, cfg.Sync.ExecTimeout)
	assert.Equal(t, 5.0, cfg.Sync.ReplayRate)
	assert.Equal(t, 30*time.Second, cfg.Sync.Breaker.RetryDelay)
	assert.Equal(t, "127.0.0.1:9080", cfg.API.HTTP)

	require.Len(t, cfg.Executors, 1)
	pc := cfg.Executors[0]
	assert.Equal(t, []string{"alert_create", "alert_resolve"}, pc.Ops)
	args, ok := pc.Args.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "https://api.example.com/alerts", args["url"])

	require.NoError(t, cfg.Init())
}

func TestLoadConfig_errors(t *testing.T) {
	dir := t.TempDir()

	_, _, err := loadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	p := writeFile(t, dir, "unknown.yaml", "storage:\n  kind: file\n")
	_, _, err = loadConfig(p)
	assert.Error(t, err)

	p = writeFile(t, dir, "duration.yaml", "sync:\n  interval: soon\n")
	_, _, err = loadConfig(p)
	assert.Error(t, err)
}

func TestMergeInclude(t *testing.T) {
	dir := t.TempDir()
	leaf := writeFile(t, dir, "leaf.yaml", `
executors:
  - tag: sink
    type: log_sink
    ops: [message_send]
`)
	mid := writeFile(t, dir, "mid.yaml", `
include: [`+leaf+`]
connectivity:
  probes:
    - type: http
      url: https://example.com/generate_204
`)
	root := writeFile(t, dir, "root.yaml", `
include: [`+mid+`]
executors:
  - tag: alerts
    type: log_sink
    ops: [alert_create]
`)

	_, cfg, err := loadConfig(root)
	require.NoError(t, err)
	require.NoError(t, mergeInclude(cfg, 0, []string{root}))

	require.Len(t, cfg.Executors, 2)
	assert.Equal(t, "sink", cfg.Executors[0].Tag)
	assert.Equal(t, "alerts", cfg.Executors[1].Tag)
	require.Len(t, cfg.Connectivity.Probes, 1)
	assert.Equal(t, "http", cfg.Connectivity.Probes[0].Type)
}

func TestMergeInclude_loop(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "self.yaml")
	writeFile(t, dir, "self.yaml", "include: ["+p+"]\n")

	_, cfg, err := loadConfig(p)
	require.NoError(t, err)
	err = mergeInclude(cfg, 0, []string{p})
	assert.ErrorContains(t, err, "maximum include depth")
}

func TestConfig_Init(t *testing.T) {
	cfg := new(Config)
	require.NoError(t, cfg.Init())
	assert.Equal(t, "file", cfg.Storage.Type)
	assert.Equal(t, "data", cfg.Storage.Dir)
	assert.Equal(t, "none", cfg.Sync.Retry)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"storage type", Config{Storage: StorageConfig{Type: "sqlite"}}},
		{"codec", Config{Cache: CacheConfig{Codec: "gob"}}},
		{"retry preset", Config{Sync: SyncConfig{Retry: "forever"}}},
		{"negative memory size", Config{Cache: CacheConfig{MemorySize: -1}}},
		{"probe type", Config{Connectivity: ConnectivityConfig{Probes: []ProbeConfig{{Type: "icmp"}}}}},
		{"dial probe without addr", Config{Connectivity: ConnectivityConfig{Probes: []ProbeConfig{{Type: "dial"}}}}},
		{"http probe without url", Config{Connectivity: ConnectivityConfig{Probes: []ProbeConfig{{Type: "http"}}}}},
		{"executor without ops", Config{Executors: []PluginConfig{{Tag: "a", Type: "log_sink"}}}},
		{"executor without tag", Config{Executors: []PluginConfig{{Type: "log_sink", Ops: []string{"x"}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Init())
		})
	}
}

func TestNewProbers(t *testing.T) {
	p, err := newProbers(&ConnectivityConfig{})
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = newProbers(&ConnectivityConfig{Probes: []ProbeConfig{{Type: "dial", Addr: "127.0.0.1:1"}}})
	require.NoError(t, err)
	assert.NotNil(t, p)

	p, err = newProbers(&ConnectivityConfig{Probes: []ProbeConfig{
		{Type: "dns"},
		{Type: "http", URL: "https://example.com"},
	}})
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestWeakDecode(t *testing.T) {
	type args struct {
		Timeout time.Duration `yaml:"timeout"`
		Retries int           `yaml:"retries"`
	}
	var a args
	require.NoError(t, WeakDecode(map[string]any{"timeout": "3s", "retries": "2"}, &a))
	assert.Equal(t, 3*time.Second, a.Timeout)
	assert.Equal(t, 2, a.Retries)

	assert.Error(t, WeakDecode(map[string]any{"unknown": 1}, &a))
}
