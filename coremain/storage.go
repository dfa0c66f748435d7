package coremain

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/pmkol/resync/pkg/connectivity"
	"github.com/pmkol/resync/pkg/storage"
	"github.com/pmkol/resync/pkg/storage/badger_store"
	"github.com/pmkol/resync/pkg/storage/file_store"
	"github.com/pmkol/resync/pkg/storage/mem_store"
	"github.com/pmkol/resync/pkg/storage/redis_store"
)

// openStore opens the backend named by c.Type.
func openStore(c *StorageConfig, lg *zap.Logger) (storage.Store, error) {
	switch c.Type {
	case "", "file":
		return file_store.New(c.Dir)
	case "badger":
		return badger_store.New(badger_store.Opts{
			Dir:    c.Dir,
			Logger: lg,
		})
	case "redis":
		opt, err := redis.ParseURL(c.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url, %w", err)
		}
		opt.MaxRetries = -1
		r := redis.NewClient(opt)
		pingTimeout := c.Redis.Timeout
		if pingTimeout <= 0 {
			pingTimeout = time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()
		if err := r.Ping(ctx).Err(); err != nil {
			lg.Warn("failed to ping redis server", zap.Error(err))
		}
		return redis_store.New(redis_store.Opts{
			Client:        r,
			ClientCloser:  r,
			KeyPrefix:     c.Redis.KeyPrefix,
			ClientTimeout: c.Redis.Timeout,
			Logger:        lg,
		})
	case "memory":
		return mem_store.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", c.Type)
	}
}

// newProber builds the prober of one probe config.
func newProber(c *ProbeConfig) (connectivity.Prober, error) {
	switch c.Type {
	case "dns":
		return &connectivity.DNSProber{Server: c.Addr, Net: c.Net}, nil
	case "http":
		return &connectivity.HTTPProber{URL: c.URL}, nil
	case "dial":
		return &connectivity.DialProber{Addr: c.Addr, Network: c.Net, Socks5: c.Socks5}, nil
	default:
		return nil, fmt.Errorf("unknown probe type %q", c.Type)
	}
}

// newProbers returns nil if no probe is configured.
func newProbers(c *ConnectivityConfig) (connectivity.Prober, error) {
	if len(c.Probes) == 0 {
		return nil, nil
	}
	var ps connectivity.AnyProber
	for i := range c.Probes {
		p, err := newProber(&c.Probes[i])
		if err != nil {
			return nil, fmt.Errorf("probe #%d, %w", i, err)
		}
		ps = append(ps, p)
	}
	if len(ps) == 1 {
		return ps[0], nil
	}
	return ps, nil
}
