// Package metrics exposes prometheus instrumentation for the trader.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	apiCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autosell_api_calls_total",
			Help: "Outbound brokerage API calls by operation and result.",
		},
		[]string{"op", "result"},
	)

	budgetDenied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autosell_budget_denied_total",
			Help: "Calls denied admission by the rate budget.",
		},
	)

	fillsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autosell_fills_detected_total",
			Help: "Fill events observed by source.",
		},
		[]string{"source"},
	)

	sellOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autosell_sell_orders_total",
			Help: "Sell order submissions by outcome.",
		},
		[]string{"status"},
	)

	emergencyTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autosell_emergency_trips_total",
			Help: "Emergency stop trips by condition.",
		},
		[]string{"condition"},
	)

	streamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autosell_stream_reconnects_total",
			Help: "Stream connection attempts.",
		},
	)

	phaseGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autosell_session_phase",
			Help: "Active session phase (1 for the current phase, 0 otherwise).",
		},
		[]string{"phase"},
	)

	dayBudgetUsed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "autosell_budget_day_used",
			Help: "Calls consumed from the daily budget.",
		},
	)
)

func init() {
	prometheus.MustRegister(apiCalls, budgetDenied)
	prometheus.MustRegister(fillsDetected, sellOrders)
	prometheus.MustRegister(emergencyTrips, streamReconnects)
	prometheus.MustRegister(phaseGauge, dayBudgetUsed)
}

// IncAPICall records one outbound call outcome.
func IncAPICall(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	apiCalls.WithLabelValues(op, result).Inc()
}

// IncBudgetDenied records an admission denial.
func IncBudgetDenied() { budgetDenied.Inc() }

// IncFill records a fill event from the given source ("stream" or "poll").
func IncFill(source string) { fillsDetected.WithLabelValues(source).Inc() }

// IncSellOrder records a sell submission outcome.
func IncSellOrder(status string) { sellOrders.WithLabelValues(status).Inc() }

// IncEmergencyTrip records an emergency stop trip.
func IncEmergencyTrip(condition string) { emergencyTrips.WithLabelValues(condition).Inc() }

// IncStreamReconnect records a stream connection attempt.
func IncStreamReconnect() { streamReconnects.Inc() }

// SetPhase marks the active session phase.
func SetPhase(phase string) {
	for _, p := range []string{"PRE_MARKET", "REGULAR", "QUIET"} {
		v := 0.0
		if p == phase {
			v = 1.0
		}
		phaseGauge.WithLabelValues(p).Set(v)
	}
}

// SetDayBudgetUsed updates the daily budget consumption gauge.
func SetDayBudgetUsed(n int) { dayBudgetUsed.Set(float64(n)) }

// Serve starts the prometheus HTTP listener. Blocks; run in a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
