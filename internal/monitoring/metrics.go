// Package monitoring exposes Prometheus metrics for backtest runs.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Run metrics
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtest_runs_total",
			Help: "Total number of backtest runs by terminal status",
		},
		[]string{"strategy", "status"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backtest_run_duration_seconds",
			Help:    "Wall-clock duration of backtest runs",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"strategy"},
	)

	runsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "backtest_runs_active",
			Help: "Number of backtest runs in progress",
		},
	)

	candlesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtest_candles_processed_total",
			Help: "Total number of candles replayed",
		},
		[]string{"timeframe"},
	)

	// Strategy metrics
	strategyFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtest_strategy_faults_total",
			Help: "Total number of recovered strategy or indicator faults",
		},
		[]string{"strategy", "stage"},
	)

	positionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtest_positions_closed_total",
			Help: "Total number of positions closed by reason",
		},
		[]string{"reason"},
	)

	liquidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtest_liquidations_total",
			Help: "Total number of liquidated runs",
		},
		[]string{"ticker"},
	)

	// Import metrics
	candlesImported = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtest_candles_imported_total",
			Help: "Total number of candles stored by the importer",
		},
		[]string{"exchange", "ticker"},
	)

	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtest_errors_total",
			Help: "Total number of errors",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(runsActive)
	prometheus.MustRegister(candlesProcessed)
	prometheus.MustRegister(strategyFaults)
	prometheus.MustRegister(positionsClosed)
	prometheus.MustRegister(liquidations)
	prometheus.MustRegister(candlesImported)
	prometheus.MustRegister(errorsTotal)
}

// Handler serves the Prometheus metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// RunStarted marks a run as in progress
func RunStarted() {
	runsActive.Inc()
}

// RunFinished records the outcome of a run
func RunFinished(strategy, status string, elapsed time.Duration) {
	runsActive.Dec()
	runsTotal.WithLabelValues(strategy, status).Inc()
	runDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

// RecordCandles adds replayed candles
func RecordCandles(timeframe string, n int) {
	candlesProcessed.WithLabelValues(timeframe).Add(float64(n))
}

// RecordFault records a recovered strategy fault
func RecordFault(strategy, stage string) {
	strategyFaults.WithLabelValues(strategy, stage).Inc()
}

// RecordClose records a closed position
func RecordClose(reason string) {
	positionsClosed.WithLabelValues(reason).Inc()
}

// RecordLiquidation records a liquidated run
func RecordLiquidation(ticker string) {
	liquidations.WithLabelValues(ticker).Inc()
}

// RecordImport records stored candles
func RecordImport(exchange, ticker string, n int) {
	candlesImported.WithLabelValues(exchange, ticker).Add(float64(n))
}

// RecordError records an error metric
func RecordError(errorType string) {
	errorsTotal.WithLabelValues(errorType).Inc()
}
