package coremain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pmkol/resync/pkg/cache"
	"github.com/pmkol/resync/pkg/cache/disk_cache"
	"github.com/pmkol/resync/pkg/cache/mem_cache"
	"github.com/pmkol/resync/pkg/circuit_breaker"
	"github.com/pmkol/resync/pkg/codec"
	"github.com/pmkol/resync/pkg/connectivity"
	"github.com/pmkol/resync/pkg/offline_sync"
	"github.com/pmkol/resync/pkg/retry"
	"github.com/pmkol/resync/pkg/safe_close"
	"github.com/pmkol/resync/pkg/storage"
)

// Engine owns every long lived component. It is created once per process
// and passed to plugins through BP.
type Engine struct {
	logger *zap.Logger

	store    storage.Store
	cache    *cache.Store
	monitor  *connectivity.Monitor
	breakers *circuit_breaker.Group
	queue    *offline_sync.Manager

	// Plugins
	plugins   map[string]Plugin
	executors map[offline_sync.OperationType]offline_sync.Executor

	apiAddr    string
	metricsReg *prometheus.Registry

	sc        *safe_close.SafeClose
	closeOnce sync.Once
	closeErr  error
}

// NewEngine builds an engine from cfg. Nothing runs until Start.
// cfg must have been initialized by Config.Init.
func NewEngine(cfg *Config, lg *zap.Logger) (_ *Engine, err error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	e := &Engine{
		logger:     lg,
		plugins:    make(map[string]Plugin),
		executors:  make(map[offline_sync.OperationType]offline_sync.Executor),
		apiAddr:    cfg.API.HTTP,
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}
	defer func() {
		if err != nil {
			e.closeComponents()
		}
	}()

	e.store, err = openStore(&cfg.Storage, lg.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("failed to open storage, %w", err)
	}
	lg.Info("storage opened", zap.String("type", cfg.Storage.Type), zap.String("dir", cfg.Storage.Dir))

	if err := e.initCache(&cfg.Cache); err != nil {
		return nil, fmt.Errorf("failed to init cache, %w", err)
	}

	prober, err := newProbers(&cfg.Connectivity)
	if err != nil {
		return nil, fmt.Errorf("failed to init connectivity probes, %w", err)
	}
	e.monitor = connectivity.NewMonitor(connectivity.Opts{
		Prober:   prober,
		Interval: cfg.Connectivity.Interval,
		Timeout:  cfg.Connectivity.Timeout,
		Logger:   lg.Named("connectivity"),
	})

	// Init plugins
	dupTag := make(map[string]struct{})
	for i := range cfg.Executors {
		pc := &cfg.Executors[i]
		if _, dup := dupTag[pc.Tag]; dup {
			return nil, fmt.Errorf("duplicated plugin tag %s", pc.Tag)
		}
		dupTag[pc.Tag] = struct{}{}

		lg.Info("loading plugin", zap.String("tag", pc.Tag), zap.String("type", pc.Type))
		p, err := NewPlugin(pc, lg, e)
		if err != nil {
			return nil, fmt.Errorf("failed to init plugin #%d, %w", i, err)
		}
		e.plugins[p.Tag()] = p
		if err := e.bindExecutor(p, pc.Ops); err != nil {
			return nil, err
		}
	}

	if err := e.initQueue(&cfg.Sync); err != nil {
		return nil, fmt.Errorf("failed to init offline queue, %w", err)
	}

	if err := e.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics, %w", err)
	}
	return e, nil
}

func (e *Engine) initCache(c *CacheConfig) error {
	opts := cache.Opts{
		Memory: mem_cache.NewMemCache(mem_cache.Opts{
			MaxSize: c.MemorySize,
			Logger:  e.logger.Named("cache"),
		}),
		CleanupInterval: c.CleanupInterval,
		Logger:          e.logger.Named("cache"),
	}
	if !c.DisableDisk {
		var cc codec.Codec
		if len(c.Codec) > 0 {
			var err error
			if cc, err = codec.ByName(c.Codec); err != nil {
				return err
			}
		}
		dc, err := disk_cache.NewDiskCache(disk_cache.Opts{
			Store:  storage.Prefixed(e.store, "cache"),
			Codec:  cc,
			Logger: e.logger.Named("cache"),
		})
		if err != nil {
			return err
		}
		opts.Disk = dc
	}
	var err error
	e.cache, err = cache.New(opts)
	return err
}

func (e *Engine) initQueue(c *SyncConfig) error {
	policy, err := retry.PresetByName(c.Retry)
	if err != nil {
		return err
	}

	opts := offline_sync.Opts{
		Store:             storage.Prefixed(e.store, "sync"),
		Connectivity:      e.monitor,
		Executors:         e.executors,
		SyncInterval:      c.Interval,
		DefaultMaxRetries: c.DefaultMaxRetries,
		ExecTimeout:       c.ExecTimeout,
		ExecPolicy:        policy,
		ReplayRate:        rate.Limit(c.ReplayRate),
		ReplayBurst:       c.ReplayBurst,
		OnDead:            e.onDead,
		Logger:            e.logger.Named("offline_sync"),
	}
	if !c.Breaker.Disabled {
		e.breakers = circuit_breaker.NewGroup(circuit_breaker.Opts{
			FailureThreshold: c.Breaker.FailureThreshold,
			RetryDelay:       c.Breaker.RetryDelay,
			HalfOpenMaxCalls: c.Breaker.HalfOpenMaxCalls,
			IsFailure:        offline_sync.IsBreakerFailure,
			Logger:           e.logger.Named("circuit_breaker"),
		})
		opts.Breakers = e.breakers
	}

	e.queue, err = offline_sync.New(e.sc.Context(), opts)
	return err
}

func (e *Engine) bindExecutor(p Plugin, ops []string) error {
	ep, err := asExecutor(p)
	if err != nil {
		return err
	}
	for _, op := range ops {
		t := offline_sync.OperationType(op)
		if prev, dup := e.executors[t]; dup {
			return fmt.Errorf("operation type %s is bound to both %s and %s", op, prev.(Plugin).Tag(), p.Tag())
		}
		e.executors[t] = ep
	}
	return nil
}

func (e *Engine) onDead(err *offline_sync.QueueOperationDeadError) {
	e.logger.Error("operation dead lettered",
		zap.String("id", err.Op.ID),
		zap.String("type", string(err.Op.Type)),
		zap.Time("enqueued_at", err.Op.EnqueuedAt),
		zap.Any("payload", err.Op.Payload))
}

func (e *Engine) registerMetrics() error {
	reg := e.GetMetricsReg()
	if err := e.cache.RegisterMetrics(reg); err != nil {
		return err
	}
	if err := e.monitor.RegisterMetrics(reg); err != nil {
		return err
	}
	if e.breakers != nil {
		if err := e.breakers.RegisterMetrics(reg); err != nil {
			return err
		}
	}
	return e.queue.RegisterMetrics(reg)
}

// Start runs the connectivity monitor, the sync worker and, if configured,
// the api http server.
func (e *Engine) Start() {
	e.monitor.Start()
	e.queue.Start()
	e.logger.Info("engine started",
		zap.Bool("online", e.monitor.IsOnline()),
		zap.Int("queue_size", e.queue.QueueSize()),
		zap.Int("executors", len(e.executors)))

	if len(e.apiAddr) == 0 {
		return
	}
	httpServer := &http.Server{
		Addr:              e.apiAddr,
		Handler:           e.apiRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	e.sc.Go(func(ctx context.Context) {
		errChan := make(chan error, 1)
		go func() {
			e.logger.Info("starting api http server", zap.String("addr", e.apiAddr))
			errChan <- httpServer.ListenAndServe()
		}()
		select {
		case err := <-errChan:
			e.sc.SendCloseSignal(fmt.Errorf("api http server exited, %w", err))
		case <-ctx.Done():
			httpServer.Close()
		}
	})
}

// CloseWithErr asks the engine to stop. Wait returns err.
func (e *Engine) CloseWithErr(err error) {
	e.sc.SendCloseSignal(err)
}

// Wait blocks until the engine is asked to stop and returns the cause.
func (e *Engine) Wait() error {
	<-e.sc.ReceiveCloseSignal()
	return e.sc.Err()
}

// Close stops every component and closes the storage. It can be called
// multiple times.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.sc.CloseWait()
		e.closeErr = e.closeComponents()
	})
	return e.closeErr
}

func (e *Engine) closeComponents() error {
	var errs []error
	if e.queue != nil {
		errs = append(errs, e.queue.Close())
	}
	if e.monitor != nil {
		errs = append(errs, e.monitor.Close())
	}
	for _, p := range e.plugins {
		if c, ok := p.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	if e.cache != nil {
		errs = append(errs, e.cache.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	return errors.Join(errs...)
}

func (e *Engine) Logger() *zap.Logger {
	return e.logger
}

func (e *Engine) Store() storage.Store {
	return e.store
}

func (e *Engine) Cache() *cache.Store {
	return e.cache
}

func (e *Engine) Monitor() *connectivity.Monitor {
	return e.monitor
}

// Breakers may be nil if breakers are disabled.
func (e *Engine) Breakers() *circuit_breaker.Group {
	return e.breakers
}

func (e *Engine) Queue() *offline_sync.Manager {
	return e.queue
}

func (e *Engine) GetSafeClose() *safe_close.SafeClose {
	return e.sc
}

func (e *Engine) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("resync_", e.metricsReg)
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
