package offline_sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pmkol/resync/pkg/circuit_breaker"
	"github.com/pmkol/resync/pkg/clock"
	"github.com/pmkol/resync/pkg/codec"
	"github.com/pmkol/resync/pkg/guard"
	"github.com/pmkol/resync/pkg/retry"
	"github.com/pmkol/resync/pkg/safe_close"
	"github.com/pmkol/resync/pkg/storage"
	"github.com/pmkol/resync/pkg/utils"
)

var nopLogger = zap.NewNop()

// Connectivity is the online signal the manager follows.
// *connectivity.Monitor implements it.
type Connectivity interface {
	IsOnline() bool
	Subscribe(f func(online bool)) (unsubscribe func())
}

type Opts struct {
	// Store cannot be nil. The queue lives under StorageKey.
	Store      storage.Store
	StorageKey string

	// Connectivity is optional. Without it the manager is always online.
	Connectivity Connectivity

	Executors map[OperationType]Executor

	// SyncInterval is the period of the background sync. Default is 1m.
	// A negative value disables it.
	SyncInterval time.Duration

	// DefaultMaxRetries applies to operations enqueued without
	// MaxRetries. Default is 3.
	DefaultMaxRetries int

	// ExecTimeout bounds one executor attempt. Default is 30s.
	ExecTimeout time.Duration

	// ExecPolicy retries an executor within a pass. The zero value makes
	// one attempt; failures are then retried by later passes.
	ExecPolicy retry.Policy

	// Breakers is optional. Each operation type gets its own breaker; an
	// open breaker leaves the operation pending without counting a retry.
	// Build the group with IsFailure set to IsBreakerFailure.
	Breakers *circuit_breaker.Group

	// ReplayRate limits executor calls per second during a pass. Zero
	// means unlimited. ReplayBurst defaults to 1.
	ReplayRate  rate.Limit
	ReplayBurst int

	// OnDead is called after an operation is dropped. Optional.
	OnDead func(err *QueueOperationDeadError)

	Clock  clock.Clock
	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	if opts.Store == nil {
		return errors.New("nil store")
	}
	utils.SetDefaultString(&opts.StorageKey, "offline_queue")
	if err := storage.ValidateKey(opts.StorageKey); err != nil {
		return err
	}
	utils.SetDefaultNum(&opts.SyncInterval, time.Minute)
	utils.SetDefaultNum(&opts.DefaultMaxRetries, 3)
	utils.SetDefaultNum(&opts.ExecTimeout, 30*time.Second)
	utils.SetDefaultNum(&opts.ReplayBurst, 1)
	opts.Clock = clock.OrReal(opts.Clock)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// SyncResult summarizes one pass.
type SyncResult struct {
	Attempted   int           `json:"attempted"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Dead        int           `json:"dead"`
	Skipped     int           `json:"skipped"`
	Remaining   int           `json:"remaining"`
	Interrupted bool          `json:"interrupted"`
	Duration    time.Duration `json:"duration"`
}

// Manager owns the durable queue of pending operations and replays it in
// enqueue order.
type Manager struct {
	opts    Opts
	codec   codec.Codec
	limiter *rate.Limiter
	sc      *safe_close.SafeClose

	mu    sync.Mutex
	queue []*Operation

	syncing   atomic.Bool
	rerun     atomic.Bool
	trigger   chan struct{}
	startOnce sync.Once
	unsub     func()

	metrics *metrics
}

// New loads the persisted queue. A queue blob that cannot be decoded is
// moved to "<StorageKey>.corrupt" and the manager starts empty.
func New(ctx context.Context, opts Opts) (*Manager, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	m := &Manager{
		opts:    opts,
		codec:   codec.JSON{},
		sc:      safe_close.NewSafeClose(),
		trigger: make(chan struct{}, 1),
		metrics: newMetrics(),
	}
	if opts.ReplayRate > 0 {
		m.limiter = rate.NewLimiter(opts.ReplayRate, opts.ReplayBurst)
	}
	if err := m.load(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load(ctx context.Context) error {
	b, err := m.opts.Store.Get(ctx, m.opts.StorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to read queue: %w", err)
	}

	var ops []*Operation
	if err := m.codec.Unmarshal(b, &ops); err != nil {
		corruptKey := m.opts.StorageKey + ".corrupt"
		m.opts.Logger.Error("persisted queue is corrupt, starting empty",
			zap.String("moved_to", corruptKey),
			zap.Error(err))
		if err := m.opts.Store.Set(ctx, corruptKey, b); err != nil {
			return fmt.Errorf("failed to quarantine corrupt queue: %w", err)
		}
		return m.opts.Store.Delete(ctx, m.opts.StorageKey)
	}
	m.queue = slices.DeleteFunc(ops, func(op *Operation) bool { return op == nil })
	if len(m.queue) > 0 {
		m.opts.Logger.Info("offline queue restored", zap.Int("size", len(m.queue)))
	}
	return nil
}

// persistLocked writes the whole queue. m.mu must be held. The write is
// not abandoned when ctx is cancelled.
func (m *Manager) persistLocked(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	b, err := m.codec.Marshal(m.queue)
	if err != nil {
		return err
	}
	if err := m.opts.Store.Set(ctx, m.opts.StorageKey, b); err != nil {
		m.opts.Logger.Error("failed to persist offline queue", zap.Error(err))
		return err
	}
	return nil
}

// Enqueue appends op and persists the queue before returning. Missing ID,
// EnqueuedAt, MaxRetries and Priority are filled in. If online, a sync is
// requested without waiting for it.
func (m *Manager) Enqueue(ctx context.Context, op Operation) (string, error) {
	if m.sc.Closed() {
		return "", ErrClosed
	}
	if len(op.Type) == 0 {
		return "", errors.New("operation type is empty")
	}
	if len(op.ID) == 0 {
		op.ID = uuid.NewString()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = m.opts.Clock.Now()
	}
	if op.MaxRetries <= 0 {
		op.MaxRetries = m.opts.DefaultMaxRetries
	}
	if op.Priority == 0 {
		op.Priority = 1
	}
	if op.Payload == nil {
		op.Payload = Payload{}
	}
	op.RetryCount = 0
	op.LastError = ""
	stored := op.clone()

	m.mu.Lock()
	if slices.ContainsFunc(m.queue, func(o *Operation) bool { return o.ID == op.ID }) {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, op.ID)
	}
	m.queue = append(m.queue, &stored)
	if err := m.persistLocked(ctx); err != nil {
		m.queue = m.queue[:len(m.queue)-1]
		m.mu.Unlock()
		return "", fmt.Errorf("operation not queued: %w", err)
	}
	size := len(m.queue)
	m.mu.Unlock()

	m.metrics.enqueued.Inc()
	m.opts.Logger.Debug("operation queued",
		zap.String("id", op.ID),
		zap.String("type", string(op.Type)),
		zap.Int("queue_size", size))

	if m.IsOnline() {
		m.TriggerSync()
	}
	return op.ID, nil
}

// TriggerSync asks the background worker for a pass. It never blocks and
// coalesces with a pending request.
func (m *Manager) TriggerSync() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

func (m *Manager) IsOnline() bool {
	if c := m.opts.Connectivity; c != nil {
		return c.IsOnline()
	}
	return true
}

func (m *Manager) QueueSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Pending returns a copy of the queue in replay order.
func (m *Manager) Pending() []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := make([]Operation, 0, len(m.queue))
	for _, op := range m.queue {
		ops = append(ops, op.clone())
	}
	return ops
}

// Remove drops one operation by ID. It reports whether it was queued.
func (m *Manager) Remove(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := slices.IndexFunc(m.queue, func(o *Operation) bool { return o.ID == id })
	if i < 0 {
		return false, nil
	}
	m.queue = slices.Delete(m.queue, i, i+1)
	return true, m.persistLocked(ctx)
}

// ClearQueue drops every pending operation.
func (m *Manager) ClearQueue(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.queue)
	m.queue = nil
	if err := m.persistLocked(ctx); err != nil {
		return err
	}
	m.opts.Logger.Warn("offline queue cleared", zap.Int("dropped", n))
	return nil
}

// Sync runs one replay pass. It returns ErrSyncInProgress if another pass
// is running and ErrOffline if the network is down. A pass stops early if
// connectivity drops or ctx ends.
func (m *Manager) Sync(ctx context.Context) (SyncResult, error) {
	return m.sync(ctx, false)
}

// ForceSync runs a pass now without checking connectivity first.
func (m *Manager) ForceSync(ctx context.Context) (SyncResult, error) {
	return m.sync(ctx, true)
}

func (m *Manager) sync(ctx context.Context, force bool) (SyncResult, error) {
	var res SyncResult
	if !m.syncing.CompareAndSwap(false, true) {
		return res, ErrSyncInProgress
	}
	defer m.endPass()

	if !force && !m.IsOnline() {
		return res, ErrOffline
	}

	start := m.opts.Clock.Now()
pass:
	for _, op := range m.Pending() {
		if !force && !m.IsOnline() {
			res.Interrupted = true
			break
		}
		if ctx.Err() != nil {
			res.Interrupted = true
			break
		}
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				res.Interrupted = true
				break
			}
		}

		res.Attempted++
		err := m.execute(ctx, op)
		switch {
		case err == nil:
			m.complete(ctx, op.ID)
			res.Succeeded++
		case ctx.Err() != nil || errors.Is(err, context.Canceled):
			// Shutdown, not a failure of the operation.
			res.Interrupted = true
			m.opts.Logger.Debug("replay interrupted, operation kept",
				zap.String("id", op.ID),
				zap.String("type", string(op.Type)))
			break pass
		case errors.Is(err, circuit_breaker.ErrOpen):
			res.Skipped++
			m.opts.Logger.Debug("operation skipped, circuit open",
				zap.String("id", op.ID),
				zap.String("type", string(op.Type)))
		default:
			res.Failed++
			if m.fail(ctx, op.ID, err) {
				res.Dead++
			}
		}
	}

	m.mu.Lock()
	_ = m.persistLocked(ctx)
	res.Remaining = len(m.queue)
	m.mu.Unlock()

	res.Duration = m.opts.Clock.Now().Sub(start)
	m.metrics.observePass(res)
	if res.Attempted > 0 || res.Interrupted {
		m.opts.Logger.Info("sync pass finished",
			zap.Int("attempted", res.Attempted),
			zap.Int("succeeded", res.Succeeded),
			zap.Int("failed", res.Failed),
			zap.Int("dead", res.Dead),
			zap.Int("skipped", res.Skipped),
			zap.Int("remaining", res.Remaining),
			zap.Bool("interrupted", res.Interrupted),
			zap.Duration("elapsed", res.Duration))
	}
	return res, nil
}

// endPass releases the pass and runs one more if the worker lost a
// trigger to it.
func (m *Manager) endPass() {
	m.syncing.Store(false)
	if m.rerun.Swap(false) {
		m.TriggerSync()
	}
}

func (m *Manager) execute(ctx context.Context, op Operation) error {
	ex, ok := m.opts.Executors[op.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoExecutor, op.Type)
	}

	name := string(op.Type)
	g := &guard.Guard[struct{}]{
		Name:           name,
		Policy:         m.opts.ExecPolicy.WithLogger(m.opts.Logger),
		AttemptTimeout: m.opts.ExecTimeout,
	}
	if m.opts.Breakers != nil {
		g.Breaker = m.opts.Breakers.Get(name)
	}
	ctx = withOperation(ctx, op)
	_, err := g.Execute(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, ex.Execute(ctx, op.Payload)
	})
	return err
}

// complete removes a replayed operation. It may have been removed
// concurrently by Remove or ClearQueue.
func (m *Manager) complete(ctx context.Context, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := slices.IndexFunc(m.queue, func(o *Operation) bool { return o.ID == id })
	if i < 0 {
		return
	}
	m.queue = slices.Delete(m.queue, i, i+1)
	_ = m.persistLocked(ctx)
}

// fail records a failed attempt and drops the operation once it has used
// up its retries. It reports whether the operation is dead.
func (m *Manager) fail(ctx context.Context, id string, cause error) bool {
	m.mu.Lock()
	i := slices.IndexFunc(m.queue, func(o *Operation) bool { return o.ID == id })
	if i < 0 {
		m.mu.Unlock()
		return false
	}
	op := m.queue[i]
	op.RetryCount++
	op.LastError = cause.Error()
	dead := op.RetryCount >= op.MaxRetries
	var deadErr *QueueOperationDeadError
	if dead {
		m.queue = slices.Delete(m.queue, i, i+1)
		deadErr = &QueueOperationDeadError{Op: op.clone(), Err: cause}
	}
	_ = m.persistLocked(ctx)
	m.mu.Unlock()

	if !dead {
		m.opts.Logger.Warn("operation failed, kept for next sync",
			zap.String("id", id),
			zap.String("type", string(op.Type)),
			zap.Int("retry_count", op.RetryCount),
			zap.Int("max_retries", op.MaxRetries),
			zap.Error(cause))
		return false
	}

	m.metrics.dead.Inc()
	m.opts.Logger.Error("operation permanently failed, dropped",
		zap.String("id", id),
		zap.String("type", string(deadErr.Op.Type)),
		zap.Int("retry_count", deadErr.Op.RetryCount),
		zap.Error(cause))
	if f := m.opts.OnDead; f != nil {
		f(deadErr)
	}
	return true
}

// Start follows connectivity (a reconnect triggers a sync) and runs the
// periodic sync until Close.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		if m.sc.Closed() {
			return
		}
		if c := m.opts.Connectivity; c != nil {
			m.unsub = c.Subscribe(func(online bool) {
				if online {
					m.TriggerSync()
				}
			})
		}
		m.sc.Go(m.worker)
		if m.IsOnline() && m.QueueSize() > 0 {
			m.TriggerSync()
		}
	})
}

func (m *Manager) worker(ctx context.Context) {
	var tick <-chan time.Time
	if m.opts.SyncInterval > 0 {
		ticker := time.NewTicker(m.opts.SyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-m.trigger:
		}
		_, err := m.Sync(ctx)
		switch {
		case err == nil, errors.Is(err, ErrOffline):
		case errors.Is(err, ErrSyncInProgress):
			// Replay after the running pass. Re-check in case it ended
			// before the flag was set.
			m.rerun.Store(true)
			if !m.syncing.Load() && m.rerun.Swap(false) {
				m.TriggerSync()
			}
		default:
			m.opts.Logger.Warn("background sync failed", zap.Error(err))
		}
	}
}

// Close stops the background worker and waits for a running pass.
func (m *Manager) Close() error {
	if m.unsub != nil {
		m.unsub()
	}
	m.sc.CloseWait()
	return nil
}
