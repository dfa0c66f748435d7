package offline_sync

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	enqueued  prometheus.Counter
	succeeded prometheus.Counter
	failed    prometheus.Counter
	skipped   prometheus.Counter
	dead      prometheus.Counter
	passes    prometheus.Histogram
}

func newMetrics() *metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: "offline_sync",
			Name:      name,
			Help:      help,
		})
	}
	return &metrics{
		enqueued:  counter("enqueued_total", "Operations accepted into the queue."),
		succeeded: counter("succeeded_total", "Operations replayed successfully."),
		failed:    counter("failed_total", "Failed replay attempts."),
		skipped:   counter("skipped_total", "Replays skipped by an open circuit."),
		dead:      counter("dead_total", "Operations dropped after exhausting retries."),
		passes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Subsystem: "offline_sync",
			Name:      "pass_duration_seconds",
			Help:      "Duration of sync passes.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
}

func (m *metrics) observePass(r SyncResult) {
	m.succeeded.Add(float64(r.Succeeded))
	m.failed.Add(float64(r.Failed))
	m.skipped.Add(float64(r.Skipped))
	m.passes.Observe(r.Duration.Seconds())
}

// RegisterMetrics exports queue metrics to reg.
func (m *Manager) RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.metrics.enqueued,
		m.metrics.succeeded,
		m.metrics.failed,
		m.metrics.skipped,
		m.metrics.dead,
		m.metrics.passes,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Subsystem: "offline_sync",
			Name:      "queue_size",
			Help:      "Operations waiting for replay.",
		}, func() float64 { return float64(m.QueueSize()) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
