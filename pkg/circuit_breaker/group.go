package circuit_breaker

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Group hands out one Breaker per logical dependency name.
// All breakers share the Group's Opts.
type Group struct {
	opts Opts

	mu sync.Mutex
	m  map[string]*Breaker
}

func NewGroup(opts Opts) *Group {
	opts.Init()
	return &Group{
		opts: opts,
		m:    make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (g *Group) Get(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.m[name]
	if !ok {
		b = New(name, g.opts)
		g.m[name] = b
	}
	return b
}

// Reset resets the named breaker. It reports false if no such breaker exists.
func (g *Group) Reset(name string) bool {
	g.mu.Lock()
	b, ok := g.m[name]
	g.mu.Unlock()
	if ok {
		b.Reset()
	}
	return ok
}

func (g *Group) ResetAll() {
	for _, b := range g.breakers() {
		b.Reset()
	}
}

// Snapshots returns the state of every breaker sorted by name.
func (g *Group) Snapshots() []Snapshot {
	bs := g.breakers()
	s := make([]Snapshot, 0, len(bs))
	for _, b := range bs {
		s = append(s, b.Snapshot())
	}
	return s
}

func (g *Group) breakers() []*Breaker {
	g.mu.Lock()
	bs := make([]*Breaker, 0, len(g.m))
	for _, b := range g.m {
		bs = append(bs, b)
	}
	g.mu.Unlock()
	sort.Slice(bs, func(i, j int) bool { return bs[i].name < bs[j].name })
	return bs
}

// RegisterMetrics exports breaker states to reg.
func (g *Group) RegisterMetrics(reg prometheus.Registerer) error {
	return reg.Register(&groupCollector{g: g})
}

var (
	stateDesc = prometheus.NewDesc(
		"circuit_breaker_state",
		"Circuit breaker state: 0 closed, 1 half open, 2 open.",
		[]string{"name"}, nil,
	)
	failuresDesc = prometheus.NewDesc(
		"circuit_breaker_failures",
		"Consecutive failures counted by the breaker.",
		[]string{"name"}, nil,
	)
	rejectedDesc = prometheus.NewDesc(
		"circuit_breaker_rejected_total",
		"Calls rejected without running.",
		[]string{"name"}, nil,
	)
)

type groupCollector struct {
	g *Group
}

func (c *groupCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- stateDesc
	ch <- failuresDesc
	ch <- rejectedDesc
}

func (c *groupCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.g.Snapshots() {
		ch <- prometheus.MustNewConstMetric(stateDesc, prometheus.GaugeValue, float64(s.state), s.Name)
		ch <- prometheus.MustNewConstMetric(failuresDesc, prometheus.GaugeValue, float64(s.FailureCount), s.Name)
		ch <- prometheus.MustNewConstMetric(rejectedDesc, prometheus.CounterValue, float64(s.Rejected), s.Name)
	}
}
