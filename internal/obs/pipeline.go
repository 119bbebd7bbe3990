package obs

import "github.com/prometheus/client_golang/prometheus"

// Метрики конвейера телеметрии.
var (
	eventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_events_ingested_total",
			Help: "Ingested telemetry events by outcome.",
		},
		[]string{"status"},
	)

	exportBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_export_batches_total",
			Help: "Finished export batches by terminal status.",
		},
		[]string{"status"},
	)

	exportEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_export_events_total",
			Help: "Events handled by export runs.",
		},
		[]string{"outcome"},
	)

	freshnessLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telemetry_freshness_lag_seconds",
			Help: "Seconds since the last event seen by a pipeline.",
		},
		[]string{"pipeline"},
	)

	freshnessStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telemetry_freshness_status",
			Help: "Pipeline freshness: 0 healthy, 1 warning, 2 critical.",
		},
		[]string{"pipeline"},
	)
)

// PipelineMetrics reports pipeline activity to Prometheus. The zero value is
// ready to use.
type PipelineMetrics struct{}

// EventIngested counts one ingestion outcome (accepted, duplicate, suppressed, rejected).
func (PipelineMetrics) EventIngested(outcome string) {
	eventsIngested.WithLabelValues(outcome).Inc()
}

// BatchFinished counts a finished export batch and its events.
func (PipelineMetrics) BatchFinished(status string, exported, failed int) {
	exportBatches.WithLabelValues(status).Inc()
	if exported > 0 {
		exportEvents.WithLabelValues("exported").Add(float64(exported))
	}
	if failed > 0 {
		exportEvents.WithLabelValues("failed").Add(float64(failed))
	}
}

// FreshnessObserved publishes the latest checkpoint state for a pipeline.
func (PipelineMetrics) FreshnessObserved(pipeline, status string, lagSeconds int64) {
	freshnessLag.WithLabelValues(pipeline).Set(float64(lagSeconds))
	freshnessStatus.WithLabelValues(pipeline).Set(statusLevel(status))
}

func statusLevel(status string) float64 {
	switch status {
	case "healthy":
		return 0
	case "warning":
		return 1
	default:
		return 2
	}
}
