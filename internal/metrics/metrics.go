// Package metrics exposes capture counters as Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds every collector the capture pipeline updates.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	BufferPushes  *prometheus.CounterVec
	BufferDropped *prometheus.CounterVec
	BufferDepth   prometheus.Gauge
	RowsWritten   *prometheus.CounterVec
	StaleBatches  prometheus.Counter
	StreamErrors  prometheus.Counter
	MirrorDropped prometheus.Counter
}

// New creates the collectors and registers them, with Go runtime collectors, on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		BufferPushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adalog",
			Subsystem: "buffer",
			Name:      "pushes_total",
			Help:      "Entries accepted by the event buffer",
		}, []string{"kind"}),
		BufferDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adalog",
			Subsystem: "buffer",
			Name:      "dropped_total",
			Help:      "Entries evicted or rejected under buffer pressure",
		}, []string{"kind"}),
		BufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "adalog",
			Subsystem: "buffer",
			Name:      "depth",
			Help:      "Entries currently queued",
		}),
		RowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adalog",
			Name:      "rows_written_total",
			Help:      "Rows appended to session logs",
		}, []string{"modality"}),
		StaleBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "adalog",
			Name:      "stale_batches_total",
			Help:      "Sample batches discarded because their client generation was superseded",
		}),
		StreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "adalog",
			Name:      "stream_errors_total",
			Help:      "Mid-session stream read failures",
		}),
		MirrorDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "adalog",
			Name:      "mirror_dropped_total",
			Help:      "Rows the analytics mirror could not queue",
		}),
	}

	m.registry.MustRegister(
		m.BufferPushes,
		m.BufferDropped,
		m.BufferDepth,
		m.RowsWritten,
		m.StaleBatches,
		m.StreamErrors,
		m.MirrorDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the Prometheus registry to serve
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Pushed(kind string) {
	if m != nil {
		m.BufferPushes.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Dropped(kind string) {
	if m != nil {
		m.BufferDropped.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Depth(n int) {
	if m != nil {
		m.BufferDepth.Set(float64(n))
	}
}

func (m *Metrics) Written(modality string) {
	if m != nil {
		m.RowsWritten.WithLabelValues(modality).Inc()
	}
}

func (m *Metrics) Stale() {
	if m != nil {
		m.StaleBatches.Inc()
	}
}

func (m *Metrics) StreamError() {
	if m != nil {
		m.StreamErrors.Inc()
	}
}

func (m *Metrics) MirrorDrop(rows int) {
	if m != nil {
		m.MirrorDropped.Add(float64(rows))
	}
}
