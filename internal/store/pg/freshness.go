package pg

import (
	"context"
	"database/sql"
	"time"

	"qazna.org/telemetry/internal/freshness"
)

// FreshnessStore implements freshness.Store on the freshness_monitors table.
type FreshnessStore struct {
	db *sql.DB
}

var _ freshness.Store = (*FreshnessStore)(nil)

func NewFreshnessStore(db *sql.DB) *FreshnessStore { return &FreshnessStore{db: db} }

const checkpointColumns = `pipeline_key, last_event_at, status, threshold_minutes, lag_seconds, metadata, updated_at`

func (s *FreshnessStore) Upsert(ctx context.Context, cp freshness.Checkpoint) (freshness.Checkpoint, error) {
	updated := cp.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into freshness_monitors (pipeline_key, last_event_at, status, threshold_minutes, lag_seconds, metadata, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (pipeline_key) do update set
			last_event_at = excluded.last_event_at,
			status = excluded.status,
			threshold_minutes = excluded.threshold_minutes,
			lag_seconds = excluded.lag_seconds,
			metadata = freshness_monitors.metadata || excluded.metadata,
			updated_at = excluded.updated_at
		returning `+checkpointColumns,
		cp.PipelineKey, nullTime(cp.LastEventAt), cp.Status, cp.ThresholdMinutes, cp.LagSeconds, cp.Metadata, updated)
	return scanCheckpoint(row)
}

func (s *FreshnessStore) List(ctx context.Context, limit int) ([]freshness.Checkpoint, error) {
	if limit <= 0 {
		limit = freshness.DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+checkpointColumns+`
		from freshness_monitors
		order by pipeline_key
		limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []freshness.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func scanCheckpoint(row rowScanner) (freshness.Checkpoint, error) {
	var (
		cp   freshness.Checkpoint
		last sql.NullTime
	)
	if err := row.Scan(&cp.PipelineKey, &last, &cp.Status, &cp.ThresholdMinutes, &cp.LagSeconds, &cp.Metadata, &cp.UpdatedAt); err != nil {
		return freshness.Checkpoint{}, err
	}
	cp.LastEventAt = timePtr(last)
	return cp, nil
}
