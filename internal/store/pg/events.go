package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"qazna.org/telemetry/internal/apperr"
	"qazna.org/telemetry/internal/events"
	"qazna.org/telemetry/internal/ids"
	"qazna.org/telemetry/internal/jsondoc"
)

const eventColumns = `id, event_uuid, tenant_id, environment, schema_version, event_name, coalesce(event_version,''),
	event_source, occurred_at, received_at, coalesce(user_id,''), coalesce(session_id,''), coalesce(device_id,''),
	correlation_id, consent_scope, consent_status, ingestion_status, ingestion_attempts, last_ingestion_attempt,
	coalesce(export_batch_id,''), dedupe_hash, payload, context, metadata, tags, created_at, updated_at`

// EventStore implements events.Store on the telemetry_events table.
type EventStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ events.Store = (*EventStore)(nil)

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *EventStore) Create(ctx context.Context, e events.Event) (events.Event, bool, error) {
	if e.DedupeHash == "" {
		h, err := events.FingerprintOf(e).Hash()
		if err != nil {
			return events.Event{}, false, err
		}
		e.DedupeHash = h
	}
	now := s.now()
	if e.ID == "" {
		e.ID = ids.NewAt(now)
	}
	if e.EventUUID == "" {
		e.EventUUID = ids.UUID()
	}
	if e.IngestionStatus == "" {
		e.IngestionStatus = events.StatusPending
	}
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}

	row := s.db.QueryRowContext(ctx, `
		insert into telemetry_events (id, event_uuid, tenant_id, environment, schema_version, event_name, event_version,
			event_source, occurred_at, received_at, user_id, session_id, device_id, correlation_id, consent_scope,
			consent_status, ingestion_status, ingestion_attempts, dedupe_hash, payload, context, metadata, tags,
			created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,nullif($7,''),$8,$9,$10,nullif($11,''),nullif($12,''),nullif($13,''),$14,$15,
			$16,$17,0,$18,$19,$20,$21,$22,$23,$23)
		on conflict (dedupe_hash) do nothing
		returning `+eventColumns,
		e.ID, e.EventUUID, e.TenantID, e.Environment, e.SchemaVersion, e.EventName, e.EventVersion,
		e.EventSource, e.OccurredAt.UTC(), e.ReceivedAt.UTC(), e.UserID, e.SessionID, e.DeviceID, e.CorrelationID, e.ConsentScope,
		e.ConsentStatus, e.IngestionStatus, e.DedupeHash, e.Payload, e.Context, e.Metadata, tags, now)
	stored, err := scanEvent(row)
	switch {
	case err == nil:
		return stored, false, nil
	case errors.Is(err, sql.ErrNoRows), isUniqueViolation(err):
		// dedupe hash taken, or an event_uuid race lost to a concurrent insert
	default:
		return events.Event{}, false, err
	}

	existing, err := scanEvent(s.db.QueryRowContext(ctx,
		`select `+eventColumns+` from telemetry_events where dedupe_hash = $1`, e.DedupeHash))
	switch {
	case err == nil:
		return existing, true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return events.Event{}, false, err
	}

	// No row carries the hash, so the event_uuid constraint was the one hit.
	var taken bool
	if err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from telemetry_events where event_uuid = $1)`, e.EventUUID).Scan(&taken); err != nil {
		return events.Event{}, false, err
	}
	if taken {
		return events.Event{}, false, &apperr.ConflictError{Field: "event_uuid", Value: e.EventUUID}
	}
	return events.Event{}, false, fmt.Errorf("insert event %s: no row written and none found", e.EventUUID)
}

func (s *EventStore) ListPendingForExport(ctx context.Context, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+eventColumns+`
		from telemetry_events
		where ingestion_status = 'pending'
		order by occurred_at, id
		limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func (s *EventStore) ClaimPendingForExport(ctx context.Context, batchID string, limit int, lease time.Duration) ([]events.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	now := s.now()
	rows, err := s.db.QueryContext(ctx, `
		update telemetry_events set claim_batch_id = $1, claimed_at = $2
		where id in (
			select id from telemetry_events
			where ingestion_status = 'pending' and (claimed_at is null or claimed_at <= $3)
			order by occurred_at, id
			limit $4
			for update skip locked
		)
		returning `+eventColumns,
		batchID, now, now.Add(-lease), limit)
	if err != nil {
		return nil, err
	}
	out, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}
	events.SortByOccurrence(out)
	return out, nil
}

func (s *EventStore) MarkExported(ctx context.Context, eventIDs []string, batchID string, metadata jsondoc.Document) (int, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		update telemetry_events set
			ingestion_status = 'exported',
			export_batch_id = $2,
			ingestion_attempts = ingestion_attempts + 1,
			last_ingestion_attempt = $3,
			metadata = metadata || $4::jsonb,
			claim_batch_id = null,
			claimed_at = null,
			updated_at = $3
		where id = any($1) and ingestion_status = 'pending'
	`, eventIDs, batchID, s.now(), metadata)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *EventStore) MarkExportFailed(ctx context.Context, eventIDs []string, errMsg string, maxAttempts int) (int, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	now := s.now()
	stamp := now.Format(time.RFC3339Nano)
	meta := jsondoc.Document{
		events.MetaLastExportError:    events.Truncate(errMsg, events.MaxExportErrorLen),
		events.MetaLastExportFailedAt: stamp,
	}
	dead := jsondoc.Document{events.MetaDeadLetteredAt: stamp}
	res, err := s.db.ExecContext(ctx, `
		update telemetry_events set
			ingestion_attempts = ingestion_attempts + 1,
			last_ingestion_attempt = $2,
			ingestion_status = case when $4 > 0 and ingestion_attempts + 1 >= $4 then 'failed' else ingestion_status end,
			metadata = case when $4 > 0 and ingestion_attempts + 1 >= $4
				then metadata || $3::jsonb || $5::jsonb
				else metadata || $3::jsonb end,
			claim_batch_id = null,
			claimed_at = null,
			updated_at = $2
		where id = any($1) and ingestion_status = 'pending'
	`, eventIDs, now, meta, maxAttempts, dead)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *EventStore) GetByUUID(ctx context.Context, eventUUID string) (events.Event, error) {
	e, err := scanEvent(s.db.QueryRowContext(ctx,
		`select `+eventColumns+` from telemetry_events where event_uuid = $1`, eventUUID))
	if errors.Is(err, sql.ErrNoRows) {
		return events.Event{}, events.ErrNotFound
	}
	return e, err
}

func (s *EventStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `select ingestion_status, count(*) from telemetry_events group by ingestion_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func collectEvents(rows *sql.Rows) ([]events.Event, error) {
	defer rows.Close()
	var out []events.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(row rowScanner) (events.Event, error) {
	var (
		e           events.Event
		lastAttempt sql.NullTime
	)
	err := row.Scan(&e.ID, &e.EventUUID, &e.TenantID, &e.Environment, &e.SchemaVersion, &e.EventName, &e.EventVersion,
		&e.EventSource, &e.OccurredAt, &e.ReceivedAt, &e.UserID, &e.SessionID, &e.DeviceID,
		&e.CorrelationID, &e.ConsentScope, &e.ConsentStatus, &e.IngestionStatus, &e.IngestionAttempts, &lastAttempt,
		&e.ExportBatchID, &e.DedupeHash, &e.Payload, &e.Context, &e.Metadata, textArray(&e.Tags), &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return events.Event{}, err
	}
	e.LastIngestionAttempt = timePtr(lastAttempt)
	e.OccurredAt = e.OccurredAt.UTC()
	e.ReceivedAt = e.ReceivedAt.UTC()
	return e, nil
}
