// Package freshness tracks when each pipeline last saw data and classifies
// the resulting lag.
package freshness

import (
	"context"
	"time"

	"qazna.org/telemetry/internal/jsondoc"
)

// Status values of a Checkpoint.
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// PipelineIngestion is the checkpoint touched on every accepted event.
const PipelineIngestion = "ingestion.raw"

// minThresholdSeconds keeps very small configured thresholds meaningful.
const minThresholdSeconds = 60

// Checkpoint is the freshness state of one pipeline.
type Checkpoint struct {
	PipelineKey      string           `json:"pipeline_key"`
	LastEventAt      *time.Time       `json:"last_event_at,omitempty"`
	Status           string           `json:"status"`
	ThresholdMinutes int              `json:"threshold_minutes"`
	LagSeconds       int64            `json:"lag_seconds"`
	Metadata         jsondoc.Document `json:"metadata"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Evaluate classifies lastEventAt against thresholdMinutes as seen at now.
// A missing timestamp is critical with zero lag.
func Evaluate(lastEventAt *time.Time, thresholdMinutes int, now time.Time) (status string, lagSeconds int64) {
	if lastEventAt == nil {
		return StatusCritical, 0
	}
	lag := int64(now.Sub(*lastEventAt) / time.Second)
	if lag < 0 {
		lag = 0
	}
	threshold := int64(thresholdMinutes) * 60
	if threshold < minThresholdSeconds {
		threshold = minThresholdSeconds
	}
	switch {
	case lag <= threshold:
		return StatusHealthy, lag
	case lag <= 3*threshold:
		return StatusWarning, lag
	default:
		return StatusCritical, lag
	}
}

// Store persists checkpoints keyed by pipeline.
type Store interface {
	// Upsert writes cp; the last writer wins.
	Upsert(ctx context.Context, cp Checkpoint) (Checkpoint, error)
	// List returns checkpoints ordered by pipeline key.
	List(ctx context.Context, limit int) ([]Checkpoint, error)
}

// Recorder receives every evaluated checkpoint.
type Recorder interface {
	FreshnessObserved(pipeline, status string, lagSeconds int64)
}

type nopRecorder struct{}

func (nopRecorder) FreshnessObserved(string, string, int64) {}
