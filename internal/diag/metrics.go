package diag

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fastrelay"

var (
	registryOnce sync.Once
	registry     *prometheus.Registry
)

func counter(name, help string, fn func() float64) prometheus.Collector {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, fn)
}

func gauge(name, help string, fn func() float64) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn)
}

func trafficValue(pick func(Traffic) int64) func() float64 {
	return func() float64 {
		if t := currentTraffic(); t != nil {
			return float64(pick(t))
		}
		return 0
	}
}

// Registry returns the process registry holding the relay collectors. The
// collectors read the same atomics Snapshot does, so nothing is counted twice.
func Registry() *prometheus.Registry {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		registry.MustRegister(
			counter("connections_accepted_total", "Client connections accepted.", func() float64 { return float64(accepted.Load()) }),
			counter("connections_rejected_total", "Client connections rejected by the connector.", func() float64 { return float64(rejected.Load()) }),
			counter("errors_total", "Errors surfaced to the error handler.", func() float64 { return float64(errorsTotal.Load()) }),
			counter("client_closes_total", "Connections closed by a listener verdict.", func() float64 { return float64(clientCloses.Load()) }),
			counter("chaos_rejects_total", "Connections rejected by fault injection.", func() float64 { return float64(chaosRejects.Load()) }),
			counter("chaos_aborts_total", "Connections aborted by fault injection.", func() float64 { return float64(chaosAborts.Load()) }),
			counter("throttled_chunks_total", "Chunks deferred by the throttle.", func() float64 { return float64(throttled.Load()) }),
			counter("config_reloads_total", "Configuration reloads applied.", func() float64 { return float64(reloads.Load()) }),
			counter("upstream_bytes_total", "Bytes relayed client to upstream.", trafficValue(Traffic.Upstream)),
			counter("downstream_bytes_total", "Bytes relayed upstream to client.", trafficValue(Traffic.Downstream)),
			gauge("connections_active", "Connections with both channels running.", func() float64 { return float64(active.Load()) }),
			gauge("upstream_bytes_per_second", "Rolling upstream bandwidth.", trafficValue(Traffic.AverageUpstream)),
			gauge("downstream_bytes_per_second", "Rolling downstream bandwidth.", trafficValue(Traffic.AverageDownstream)),
			gauge("pool_pairs", "Operation pairs allocated.", func() float64 { c, _ := poolStats(); return float64(c) }),
			gauge("pool_pairs_free", "Operation pairs idle in the pool.", func() float64 { _, f := poolStats(); return float64(f) }),
		)
	})
	return registry
}

func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{})
}
