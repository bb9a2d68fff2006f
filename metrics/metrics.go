// Package metrics provides Prometheus metrics for the solver
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QuotesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solver_quotes_received_total",
		Help: "Quote requests received from the relay",
	})
	QuotesGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solver_quotes_generated_total",
		Help: "Quotes priced and published",
	})
	QuoteRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solver_quote_rejections_total",
		Help: "Quotes rejected by the pricing gates",
	}, []string{"reason"})
	SettlementsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solver_settlements_detected_total",
		Help: "Settlement notifications received from the relay",
	})
	HedgesExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solver_hedges_executed_total",
		Help: "IOC hedge orders filled on the venue",
	})
	HedgesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solver_hedges_failed_total",
		Help: "Hedge orders rejected or unfilled",
	})
	SolverLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solver_quotes_lost_total",
		Help: "Quotes won by competing solvers",
	})
	PendingQuotes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "solver_pending_quotes",
		Help: "Published quotes awaiting settlement or expiry",
	})
	NetDeltaBTC = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "solver_net_delta_btc",
		Help: "spot + perp BTC exposure from the drift watchdog",
	})
	SnapshotAgeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "solver_risk_snapshot_age_seconds",
		Help: "Age of the current risk snapshot",
	})
	EmergencyMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "solver_emergency_mode",
		Help: "1 when the emergency circuit breaker is engaged",
	})
)

// StartMetricsServer 启动Prometheus指标服务器
func StartMetricsServer(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		_ = http.ListenAndServe(addr, nil)
	}()
}
