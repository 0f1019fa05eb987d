package moesi

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the Prometheus collectors a single coherence-protocol
// component instance reports under a stable "component"/"id" label pair,
// so a CLI `serve` subcommand (SPEC_FULL.md §10) can expose per-agent hit
// and miss counts without every component hand-rolling its own registry
// wiring. BusyTicks is registered alongside the others, but no component
// increments it, so it always reads zero.
type Metrics struct {
	Hits      prometheus.Counter
	Misses    prometheus.Counter
	BusyTicks prometheus.Counter
	MSHROcc   prometheus.Gauge
}

// NewMetrics registers the counters for one component instance; registering
// the same component/id pair twice on one registry panics. reg may be nil, in which case a no-op
// Metrics is returned — components must tolerate running without a
// registry (unit tests construct dozens of L1s and should not need a
// Prometheus registry each).
func NewMetrics(reg *prometheus.Registry, component, id string) *Metrics {
	if reg == nil {
		return &Metrics{
			Hits:      prometheus.NewCounter(prometheus.CounterOpts{}),
			Misses:    prometheus.NewCounter(prometheus.CounterOpts{}),
			BusyTicks: prometheus.NewCounter(prometheus.CounterOpts{}),
			MSHROcc:   prometheus.NewGauge(prometheus.GaugeOpts{}),
		}
	}

	labels := prometheus.Labels{"component": component, "id": id}
	m := &Metrics{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "rvsim_cache_hits_total",
			Help:        "Number of cache-op hits serviced without a coherence miss.",
			ConstLabels: labels,
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "rvsim_cache_misses_total",
			Help:        "Number of cache-ops that allocated a new MSHR.",
			ConstLabels: labels,
		}),
		BusyTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "rvsim_component_busy_ticks_total",
			Help:        "Number of ticks in which this component did useful work.",
			ConstLabels: labels,
		}),
		MSHROcc: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "rvsim_mshr_occupancy",
			Help:        "Current number of in-flight MSHR entries.",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.Hits, m.Misses, m.BusyTicks, m.MSHROcc)
	return m
}
