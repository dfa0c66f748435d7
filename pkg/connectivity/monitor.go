package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmkol/resync/pkg/clock"
	"github.com/pmkol/resync/pkg/safe_close"
	"github.com/pmkol/resync/pkg/utils"
)

var nopLogger = zap.NewNop()

type Opts struct {
	// Prober is optional. Without one the monitor starts online and only
	// follows SetOnline.
	Prober Prober

	// Interval between probes. Default is 10s.
	Interval time.Duration

	// Timeout of one probe. Default is 5s.
	Timeout time.Duration

	Clock  clock.Clock
	Logger *zap.Logger
}

func (opts *Opts) Init() {
	utils.SetDefaultNum(&opts.Interval, 10*time.Second)
	utils.SetDefaultNum(&opts.Timeout, 5*time.Second)
	opts.Clock = clock.OrReal(opts.Clock)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

// Monitor tracks whether the network is reachable, from periodic probes
// and from an external signal, and notifies subscribers on every change.
type Monitor struct {
	opts Opts
	sc   *safe_close.SafeClose

	online      atomic.Bool
	transitions atomic.Uint64
	lastChange  atomic.Int64 // unix nano

	startOnce sync.Once

	subMu   sync.Mutex
	subID   uint64
	subs    map[uint64]func(online bool)
	lastErr atomic.Value // string
}

func NewMonitor(opts Opts) *Monitor {
	opts.Init()
	m := &Monitor{
		opts: opts,
		sc:   safe_close.NewSafeClose(),
		subs: make(map[uint64]func(bool)),
	}
	if opts.Prober == nil {
		m.online.Store(true)
	}
	return m
}

// Start runs one probe synchronously, so IsOnline is meaningful when Start
// returns, then probes every Interval until Close.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		if m.opts.Prober == nil {
			return
		}
		m.Check(m.sc.Context())
		m.sc.Go(m.probeLoop)
	})
}

func (m *Monitor) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check probes now and updates the state. It returns the new state. With
// no prober it returns the current state.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.opts.Prober == nil {
		return m.IsOnline()
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()
	err := m.opts.Prober.Probe(ctx)
	if err != nil {
		m.lastErr.Store(err.Error())
		m.opts.Logger.Debug("connectivity probe failed",
			zap.String("prober", m.opts.Prober.Name()),
			zap.Error(err))
	} else {
		m.lastErr.Store("")
	}
	online := err == nil
	m.set(online)
	return online
}

// SetOnline feeds an external signal, for example an OS network change
// event, into the monitor.
func (m *Monitor) SetOnline(online bool) {
	m.set(online)
}

func (m *Monitor) set(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	m.transitions.Add(1)
	m.lastChange.Store(m.opts.Clock.Now().UnixNano())
	if online {
		m.opts.Logger.Info("network is online")
	} else {
		m.opts.Logger.Warn("network is offline")
	}

	m.subMu.Lock()
	fs := make([]func(bool), 0, len(m.subs))
	for _, f := range m.subs {
		fs = append(fs, f)
	}
	m.subMu.Unlock()
	for _, f := range fs {
		f(online)
	}
}

func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// Subscribe registers f to be called on every state change. f runs on the
// goroutine that observed the change and must not block.
func (m *Monitor) Subscribe(f func(online bool)) (unsubscribe func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subID++
	id := m.subID
	m.subs[id] = f
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs, id)
	}
}

type Status struct {
	Online      bool      `json:"online"`
	Prober      string    `json:"prober,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	LastChange  time.Time `json:"last_change,omitempty"`
	Transitions uint64    `json:"transitions"`
}

func (m *Monitor) Status() Status {
	s := Status{
		Online:      m.IsOnline(),
		Transitions: m.transitions.Load(),
	}
	if m.opts.Prober != nil {
		s.Prober = m.opts.Prober.Name()
	}
	if e, ok := m.lastErr.Load().(string); ok {
		s.LastError = e
	}
	if t := m.lastChange.Load(); t != 0 {
		s.LastChange = time.Unix(0, t)
	}
	return s
}

// Close stops probing. Subscribers are kept but no longer called by the
// probe loop.
func (m *Monitor) Close() error {
	m.sc.CloseWait()
	return nil
}

func (m *Monitor) RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "connectivity_online",
			Help: "1 if the network is reachable.",
		}, func() float64 {
			if m.IsOnline() {
				return 1
			}
			return 0
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "connectivity_transitions_total",
			Help: "Online/offline state changes.",
		}, func() float64 { return float64(m.transitions.Load()) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
