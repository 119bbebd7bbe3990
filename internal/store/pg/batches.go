package pg

import (
	"context"
	"database/sql"
	"errors"

	"qazna.org/telemetry/internal/export"
)

// BatchLedger implements export.Ledger on the telemetry_event_batches table.
type BatchLedger struct {
	db *sql.DB
}

var _ export.Ledger = (*BatchLedger)(nil)

func NewBatchLedger(db *sql.DB) *BatchLedger { return &BatchLedger{db: db} }

const batchColumns = `id, batch_uuid, status, destination, trigger, events_count, started_at, completed_at,
	coalesce(file_key,''), coalesce(checksum,''), coalesce(error_message,''), metadata`

func (l *BatchLedger) Open(ctx context.Context, b export.Batch) (export.Batch, error) {
	row := l.db.QueryRowContext(ctx, `
		insert into telemetry_event_batches (id, batch_uuid, status, destination, trigger, events_count, started_at, metadata)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
		returning `+batchColumns,
		b.ID, b.BatchUUID, b.Status, b.Destination, b.Trigger, b.EventsCount, b.StartedAt.UTC(), b.Metadata)
	return scanBatch(row)
}

func (l *BatchLedger) Finish(ctx context.Context, b export.Batch) (export.Batch, error) {
	row := l.db.QueryRowContext(ctx, `
		update telemetry_event_batches set
			status = $2,
			events_count = $3,
			completed_at = $4,
			file_key = nullif($5,''),
			checksum = nullif($6,''),
			error_message = nullif($7,''),
			metadata = metadata || $8::jsonb
		where id = $1
		returning `+batchColumns,
		b.ID, b.Status, b.EventsCount, nullTime(b.CompletedAt), b.FileKey, b.Checksum, b.ErrorMessage, b.Metadata)
	out, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return export.Batch{}, export.ErrNotFound
	}
	return out, err
}

func (l *BatchLedger) Get(ctx context.Context, batchUUID string) (export.Batch, error) {
	out, err := scanBatch(l.db.QueryRowContext(ctx,
		`select `+batchColumns+` from telemetry_event_batches where batch_uuid = $1`, batchUUID))
	if errors.Is(err, sql.ErrNoRows) {
		return export.Batch{}, export.ErrNotFound
	}
	return out, err
}

func (l *BatchLedger) List(ctx context.Context, limit int) ([]export.Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		select `+batchColumns+`
		from telemetry_event_batches
		order by id desc
		limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []export.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBatch(row rowScanner) (export.Batch, error) {
	var (
		b         export.Batch
		completed sql.NullTime
	)
	err := row.Scan(&b.ID, &b.BatchUUID, &b.Status, &b.Destination, &b.Trigger, &b.EventsCount, &b.StartedAt, &completed,
		&b.FileKey, &b.Checksum, &b.ErrorMessage, &b.Metadata)
	if err != nil {
		return export.Batch{}, err
	}
	b.CompletedAt = timePtr(completed)
	return b, nil
}
