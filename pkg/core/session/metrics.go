// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics of the hybrid embedding engine, registered on a registry owned by the Session.
type Metrics struct {
	Registry *prometheus.Registry

	Steps             prometheus.Counter
	CapacityOverflows prometheus.Counter
	NumFrequent       prometheus.Gauge
	UniqueKeys        prometheus.Histogram
	PhaseSeconds      *prometheus.HistogramVec
}

const metricsNamespace = "hybrid_embedding"

func newMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "steps_total",
			Help:      "Number of completed partition/compaction steps.",
		}),
		CapacityOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "capacity_overflows_total",
			Help:      "Number of kernels aborted because a fixed-capacity buffer overflowed.",
		}),
		NumFrequent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "num_frequent",
			Help:      "Number of categories in the replicated frequent cache.",
		}),
		UniqueKeys: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "unique_keys",
			Help:      "Number of deduplicated infrequent keys per step.",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 10),
		}),
		PhaseSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "phase_seconds",
			Help:      "Wall time of each kernel launch.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}, []string{"phase"}),
	}
	m.Registry.MustRegister(m.Steps, m.CapacityOverflows, m.NumFrequent, m.UniqueKeys, m.PhaseSeconds)
	return m
}

func (m *Metrics) observePhase(name string, elapsed time.Duration) {
	m.PhaseSeconds.WithLabelValues(name).Observe(elapsed.Seconds())
}
