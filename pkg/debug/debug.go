// Package debug provides the process-wide Prometheus registry that every
// rezone metric is registered against, mirroring zapfs's own pkg/debug.
package debug

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var globalRegistry = prometheus.NewRegistry()

// Registry returns the Prometheus registry for registering custom metrics.
func Registry() prometheus.Registerer {
	return globalRegistry
}

// Handler returns an http.Handler serving the combined default + custom
// metric set on /metrics.
func Handler() http.Handler {
	gatherers := prometheus.Gatherers{
		prometheus.DefaultGatherer,
		globalRegistry,
	}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}
