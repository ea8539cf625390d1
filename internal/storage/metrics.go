package storage

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Acquisition modes reported in the acquisitions counter
const (
	modeSingle = "single"
	modeMulti  = "multi"
	modeRandom = "random"
)

// storeMetrics holds Prometheus metrics for store operations
type storeMetrics struct {
	acquisitions *prometheus.CounterVec
	expirations  prometheus.Counter
	merges       prometheus.Counter
	resets       prometheus.Counter
}

// WithMetrics registers the store's metrics with reg, labelled with name.
// Registration failures are returned by New.
func WithMetrics(reg prometheus.Registerer, name string) Option {
	return func(s *Store) {
		m, err := newStoreMetrics(reg, name)
		if err != nil {
			s.regErr = err
			return
		}
		s.metrics = m
	}
}

func newStoreMetrics(reg prometheus.Registerer, name string) (*storeMetrics, error) {
	labels := prometheus.Labels{"store": name}
	m := &storeMetrics{
		acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "kvoracle",
			Subsystem:   "store",
			Name:        "acquisitions_total",
			ConstLabels: labels,
			Help:        "Total number of partition lock acquisitions by mode",
		}, []string{"mode"}),
		expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kvoracle",
			Subsystem:   "store",
			Name:        "expirations_total",
			ConstLabels: labels,
			Help:        "Total number of keys observed expiring",
		}),
		merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kvoracle",
			Subsystem:   "store",
			Name:        "merges_total",
			ConstLabels: labels,
			Help:        "Total number of whole-store merges",
		}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kvoracle",
			Subsystem:   "store",
			Name:        "resets_total",
			ConstLabels: labels,
			Help:        "Total number of store resets",
		}),
	}

	for _, c := range []prometheus.Collector{m.acquisitions, m.expirations, m.merges, m.resets} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// acquired increments the acquisitions counter for mode
func (m *storeMetrics) acquired(mode string) {
	if m == nil {
		return
	}
	m.acquisitions.WithLabelValues(mode).Inc()
}
