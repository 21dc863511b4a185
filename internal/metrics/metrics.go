// Package metrics defines the Prometheus instrumentation for the sniper:
// detection activity, order flow, positions and loop health, exposed on the
// /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the trading core.
type Metrics struct {
	SignalsDetected   *prometheus.CounterVec // listing signals by detection source
	SignalsProcessed  prometheus.Counter     // signals consumed by the trade loop
	OrdersTotal       *prometheus.CounterVec // orders placed by side
	TradesFailed      *prometheus.CounterVec // failed trades by error code
	OrderLatency      prometheus.Histogram   // detection-to-submission latency
	OpenPositions     prometheus.Gauge       // positions currently tracked
	DailyPnL          prometheus.Gauge       // realized PnL accumulated today
	Heartbeats        prometheus.Counter     // orchestrator heartbeats written
	ConsecutiveErrors prometheus.Gauge       // current consecutive loop errors
	DetectionCycles   prometheus.Counter     // detection loop iterations
	WSReconnects      prometheus.Counter     // websocket reconnections
}

// New registers all metrics on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers on a custom registry, which keeps tests isolated
// from the global state.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		SignalsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sniper_signals_detected_total",
			Help: "Listing signals detected, by source",
		}, []string{"source"}),
		SignalsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "sniper_signals_processed_total",
			Help: "Listing signals consumed by the trade loop",
		}),
		OrdersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sniper_orders_total",
			Help: "Orders placed, by side",
		}, []string{"side"}),
		TradesFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sniper_trades_failed_total",
			Help: "Failed trade attempts, by error code",
		}, []string{"code"}),
		OrderLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sniper_order_latency_seconds",
			Help:    "Latency from signal detection to order submission",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sniper_open_positions",
			Help: "Positions currently tracked",
		}),
		DailyPnL: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sniper_daily_pnl",
			Help: "Realized PnL accumulated today, quote units",
		}),
		Heartbeats: factory.NewCounter(prometheus.CounterOpts{
			Name: "sniper_heartbeats_total",
			Help: "Orchestrator heartbeats written",
		}),
		ConsecutiveErrors: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sniper_consecutive_errors",
			Help: "Current consecutive background loop errors",
		}),
		DetectionCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "sniper_detection_cycles_total",
			Help: "Detection loop iterations",
		}),
		WSReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "sniper_ws_reconnects_total",
			Help: "WebSocket reconnections",
		}),
	}
}
