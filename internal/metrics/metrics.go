// Package metrics holds the Prometheus collectors the grid bot updates.
// They are registered in init() and served at /metrics by the web server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Fills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_fills_total",
			Help: "Fills processed by the grid engine, by ladder outcome",
		},
		[]string{"exchange", "kind"},
	)

	Resets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_resets_total",
			Help: "Ladder resets, by trigger",
		},
		[]string{"exchange", "reason"},
	)

	// result: ok|skipped|insufficient_balance|rejected
	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_orders_total",
			Help: "Order placements attempted by the grid engine",
		},
		[]string{"exchange", "side", "result"},
	)

	Reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_reconnects_total",
			Help: "Order stream reconnect attempts",
		},
		[]string{"exchange"},
	)

	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "grid_active_connections",
			Help: "Pairs currently held by the bot registry",
		},
	)

	DroppedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_stream_messages_dropped_total",
			Help: "Order stream messages that could not be decoded",
		},
		[]string{"exchange"},
	)
)

func init() {
	prometheus.MustRegister(Fills, Resets, Orders, Reconnects, ActiveConnections, DroppedMessages)
}

// Handler serves the default registry in the text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
