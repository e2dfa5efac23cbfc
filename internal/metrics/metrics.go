// Package metrics exposes Prometheus instrumentation for the query engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/probelab/surveyor/internal/logger"
	"github.com/probelab/surveyor/pkg/study"
)

var (
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surveyor_queries_total",
			Help: "Queries executed, by surface and outcome",
		},
		[]string{"surface", "status"},
	)

	FailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surveyor_failures_total",
			Help: "Failed query attempts by classified category",
		},
		[]string{"surface", "category"},
	)

	RecoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surveyor_recoveries_total",
			Help: "Recovery episodes by outcome",
		},
		[]string{"surface", "outcome"},
	)

	CaptchaSolvesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surveyor_captcha_solves_total",
			Help: "CAPTCHA resolution attempts by result",
		},
		[]string{"result"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "surveyor_query_duration_seconds",
			Help:    "Wall time of query submissions",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"surface"},
	)
)

// RecordQuery updates the per-query metrics from a finished result.
func RecordQuery(surfaceName string, res study.QueryResult) {
	status := "success"
	if !res.Success {
		status = "failure"
		FailuresTotal.WithLabelValues(surfaceName, string(res.FailureCategory)).Inc()
	}
	QueriesTotal.WithLabelValues(surfaceName, status).Inc()
	QueryDuration.WithLabelValues(surfaceName).Observe(float64(res.DurationMs) / 1000)
}

// Serve starts a /metrics listener on addr. Errors are logged, not fatal;
// metrics are an observer, never a reason to stop a study.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listener starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listener failed", "error", err)
		}
	}()
}
