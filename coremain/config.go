package coremain

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/pmkol/resync/mlog"
	"github.com/pmkol/resync/pkg/utils"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the config of the engine.
type Config struct {
	Log          mlog.LogConfig     `yaml:"log"`
	Include      []string           `yaml:"include"`
	Storage      StorageConfig      `yaml:"storage"`
	Cache        CacheConfig        `yaml:"cache"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Sync         SyncConfig         `yaml:"sync"`
	Executors    []PluginConfig     `yaml:"executors" validate:"dive"`
	API          APIConfig          `yaml:"api"`
}

type StorageConfig struct {
	// Type is one of file, badger, redis and memory. Default is file.
	Type string `yaml:"type" validate:"omitempty,oneof=file badger redis memory"`

	// Dir is used by file and badger. Default is "data".
	Dir string `yaml:"dir"`

	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	// URL is a redis url, e.g. redis://:password@localhost:6379/0
	URL       string        `yaml:"url"`
	KeyPrefix string        `yaml:"key_prefix"`
	Timeout   time.Duration `yaml:"timeout"`
}

type CacheConfig struct {
	MemorySize      int           `yaml:"memory_size" validate:"gte=0"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// Codec of the disk tier. See codec.ByName.
	Codec string `yaml:"codec" validate:"omitempty,oneof=json snappy snappy+json"`

	// DisableDisk keeps the cache in memory.
	DisableDisk bool `yaml:"disable_disk"`
}

type ConnectivityConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`

	// Probes are tried in parallel. The network is online if any of them
	// succeeds. No probes means always online.
	Probes []ProbeConfig `yaml:"probes" validate:"dive"`
}

type ProbeConfig struct {
	Type string `yaml:"type" validate:"required,oneof=dns http dial"`

	// Addr is the dns server or the dial target.
	Addr string `yaml:"addr" validate:"required_if=Type dial"`

	// Net is udp or tcp for dns, tcp for dial.
	Net string `yaml:"net"`

	URL    string `yaml:"url" validate:"required_if=Type http"`
	Socks5 string `yaml:"socks5"`
}

type SyncConfig struct {
	Interval          time.Duration `yaml:"interval"`
	DefaultMaxRetries int           `yaml:"default_max_retries" validate:"gte=0"`
	ExecTimeout       time.Duration `yaml:"exec_timeout"`

	// Retry is a retry preset name, applied within one pass.
	// Default is none.
	Retry string `yaml:"retry" validate:"omitempty,oneof=none default conservative aggressive"`

	ReplayRate  float64 `yaml:"replay_rate" validate:"gte=0"`
	ReplayBurst int     `yaml:"replay_burst" validate:"gte=0"`

	Breaker BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	Disabled         bool          `yaml:"disabled"`
	FailureThreshold int           `yaml:"failure_threshold" validate:"gte=0"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls" validate:"gte=0"`
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}

func (c *Config) Init() error {
	utils.SetDefaultString(&c.Storage.Type, "file")
	utils.SetDefaultString(&c.Storage.Dir, "data")
	utils.SetDefaultString(&c.Sync.Retry, "none")
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
