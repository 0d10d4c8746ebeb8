package cachemap

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	items     prometheus.Gauge
	entries   *prometheus.GaugeVec
}

// newMetrics registers the map's collectors with a constant cache label.
// Collectors already registered under the same label are reused, so a map
// recreated for the same entity type keeps exporting the same series.
func newMetrics(reg prometheus.Registerer, name string) (*metrics, error) {
	labels := prometheus.Labels{"cache": name}
	m := &metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "gorawrcache_hits_total",
			Help:        "Item lookups served from memory.",
			ConstLabels: labels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "gorawrcache_misses_total",
			Help:        "Item lookups that were absent or expired.",
			ConstLabels: labels,
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "gorawrcache_evictions_total",
			Help:        "Items evicted by the LRU bound.",
			ConstLabels: labels,
		}),
		items: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "gorawrcache_items",
			Help:        "Items held in the item partition.",
			ConstLabels: labels,
		}),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "gorawrcache_query_entries",
			Help:        "Query result entries by completeness class.",
			ConstLabels: labels,
		}, []string{"class"}),
	}

	var err error
	if m.hits, err = register(reg, m.hits); err != nil {
		return nil, err
	}
	if m.misses, err = register(reg, m.misses); err != nil {
		return nil, err
	}
	if m.evictions, err = register(reg, m.evictions); err != nil {
		return nil, err
	}
	if m.items, err = register(reg, m.items); err != nil {
		return nil, err
	}
	if m.entries, err = register(reg, m.entries); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}
