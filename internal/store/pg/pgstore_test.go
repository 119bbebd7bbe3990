package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"qazna.org/telemetry/internal/apperr"
	"qazna.org/telemetry/internal/consent"
	"qazna.org/telemetry/internal/events"
	"qazna.org/telemetry/internal/export"
	"qazna.org/telemetry/internal/freshness"
	"qazna.org/telemetry/internal/jsondoc"
)

// passthrough lets slice arguments reach the mock the way pgx receives them.
type passthrough struct{}

func (passthrough) ConvertValue(v any) (driver.Value, error) {
	if vr, ok := v.(driver.Valuer); ok {
		return vr.Value()
	}
	return v, nil
}

type stringsArg []string

func (a stringsArg) Match(v driver.Value) bool {
	got, ok := v.([]string)
	return ok && reflect.DeepEqual(got, []string(a))
}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(passthrough{}))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

var consentCols = []string{"id", "tenant_id", "user_id", "consent_scope", "consent_version", "status", "is_active",
	"recorded_at", "effective_at", "expires_at", "revoked_at", "recorded_by", "evidence", "metadata"}

func TestConsentLedgerRecordDecision(t *testing.T) {
	db, mock := newMock(t)
	ledger := NewConsentLedger(db, "v1")
	ledger.now = func() time.Time { return fixedNow }

	mock.ExpectBegin()
	mock.ExpectExec("update consent_ledger set is_active = false").
		WithArgs("global", "u-1", "analytics", "v1", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("insert into consent_ledger").
		WillReturnRows(sqlmock.NewRows(consentCols).AddRow(
			"01HX", "global", "u-1", "analytics", "v1", "granted", true,
			fixedNow, fixedNow, nil, nil, "admin", `{}`, `{"channel":"web"}`))
	mock.ExpectCommit()

	rec, err := ledger.RecordDecision(context.Background(), consent.Decision{
		UserID:     "u-1",
		Scope:      "analytics",
		Status:     "Granted",
		RecordedBy: "admin",
		Metadata:   jsondoc.Document{"channel": "web"},
	})
	if err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	if !rec.Granted() || !rec.IsActive || rec.Metadata["channel"] != "web" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConsentLedgerRejectsInvalidDecisionWithoutQuery(t *testing.T) {
	db, mock := newMock(t)
	ledger := NewConsentLedger(db, "v1")

	if _, err := ledger.RecordDecision(context.Background(), consent.Decision{Scope: "analytics", Status: "granted"}); err == nil {
		t.Fatal("expected validation error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConsentLedgerActiveConsentResolvesExpiry(t *testing.T) {
	db, mock := newMock(t)
	ledger := NewConsentLedger(db, "v1")
	ledger.now = func() time.Time { return fixedNow }

	expired := fixedNow.Add(-time.Hour)
	mock.ExpectQuery("select .* from consent_ledger").
		WithArgs("global", "u-1", "analytics").
		WillReturnRows(sqlmock.NewRows(consentCols).AddRow(
			"01HX", "global", "u-1", "analytics", "v1", "granted", true,
			fixedNow.Add(-48*time.Hour), fixedNow.Add(-48*time.Hour), expired, nil, "", `{}`, `{}`))

	rec, err := ledger.ActiveConsent(context.Background(), "u-1", "", "analytics")
	if err != nil {
		t.Fatalf("ActiveConsent: %v", err)
	}
	if rec == nil || rec.Status != consent.StatusExpired {
		t.Fatalf("expected expired record, got %+v", rec)
	}
}

func TestConsentLedgerActiveConsentMissing(t *testing.T) {
	db, mock := newMock(t)
	ledger := NewConsentLedger(db, "v1")

	mock.ExpectQuery("select .* from consent_ledger").WillReturnError(sql.ErrNoRows)

	rec, err := ledger.ActiveConsent(context.Background(), "u-404", "acme", "analytics")
	if err != nil {
		t.Fatalf("ActiveConsent: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %+v", rec)
	}
}

var eventCols = []string{"id", "event_uuid", "tenant_id", "environment", "schema_version", "event_name", "event_version",
	"event_source", "occurred_at", "received_at", "user_id", "session_id", "device_id",
	"correlation_id", "consent_scope", "consent_status", "ingestion_status", "ingestion_attempts", "last_ingestion_attempt",
	"export_batch_id", "dedupe_hash", "payload", "context", "metadata", "tags", "created_at", "updated_at"}

func eventRow(rows *sqlmock.Rows, id, status string, occurred time.Time) *sqlmock.Rows {
	return rows.AddRow(id, "3f1c2a4e-5b6d-4e7f-8a9b-0c1d2e3f4a5b", "global", "test", "1.0", "checkout.completed", "",
		"web", occurred, occurred, "u-1", "", "",
		"corr-1", "analytics", "granted", status, 0, nil,
		"", "hash-"+id, `{"amount":10}`, `{}`, `{}`, "{checkout,web}", occurred, occurred)
}

func TestEventStoreCreateInserts(t *testing.T) {
	db, mock := newMock(t)
	store := NewEventStore(db)
	store.now = func() time.Time { return fixedNow }

	mock.ExpectQuery("insert into telemetry_events").
		WillReturnRows(eventRow(sqlmock.NewRows(eventCols), "01A", events.StatusPending, fixedNow))

	got, dup, err := store.Create(context.Background(), events.Event{
		EventName:   "checkout.completed",
		EventSource: "web",
		OccurredAt:  fixedNow,
		DedupeHash:  "hash-01A",
		Tags:        []string{"checkout", "web"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if dup {
		t.Fatal("expected a fresh insert")
	}
	if !reflect.DeepEqual(got.Tags, []string{"checkout", "web"}) {
		t.Fatalf("unexpected tags: %v", got.Tags)
	}
	if got.Payload["amount"] == nil {
		t.Fatalf("payload not scanned: %v", got.Payload)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEventStoreCreateReturnsExistingOnConflict(t *testing.T) {
	db, mock := newMock(t)
	store := NewEventStore(db)

	mock.ExpectQuery("insert into telemetry_events").WillReturnRows(sqlmock.NewRows(eventCols))
	mock.ExpectQuery("select .* from telemetry_events where dedupe_hash = \\$1").
		WithArgs("hash-01A").
		WillReturnRows(eventRow(sqlmock.NewRows(eventCols), "01A", events.StatusExported, fixedNow))

	got, dup, err := store.Create(context.Background(), events.Event{EventName: "checkout.completed", DedupeHash: "hash-01A"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !dup || got.ID != "01A" || got.IngestionStatus != events.StatusExported {
		t.Fatalf("expected existing exported row, got dup=%v %+v", dup, got)
	}
}

func TestEventStoreCreateRejectsReusedEventUUID(t *testing.T) {
	db, mock := newMock(t)
	store := NewEventStore(db)
	const reused = "3f1c2a4e-5b6d-4e7f-8a9b-0c1d2e3f4a5b"

	mock.ExpectQuery("insert into telemetry_events").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "telemetry_events_event_uuid_key"})
	mock.ExpectQuery("select .* from telemetry_events where dedupe_hash = \\$1").
		WithArgs("hash-02B").
		WillReturnRows(sqlmock.NewRows(eventCols))
	mock.ExpectQuery("select exists\\(select 1 from telemetry_events where event_uuid = \\$1\\)").
		WithArgs(reused).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, dup, err := store.Create(context.Background(), events.Event{
		EventUUID:  reused,
		EventName:  "course.completed",
		DedupeHash: "hash-02B",
	})
	var conflict *apperr.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if dup || conflict.Value != reused {
		t.Fatalf("unexpected result dup=%v conflict=%+v", dup, conflict)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEventStoreClaimSortsByOccurrence(t *testing.T) {
	db, mock := newMock(t)
	store := NewEventStore(db)
	store.now = func() time.Time { return fixedNow }

	rows := sqlmock.NewRows(eventCols)
	eventRow(rows, "02B", events.StatusPending, fixedNow.Add(-time.Minute))
	eventRow(rows, "01A", events.StatusPending, fixedNow.Add(-time.Hour))
	mock.ExpectQuery("update telemetry_events set claim_batch_id").
		WithArgs("batch-1", fixedNow, fixedNow.Add(-10*time.Minute), 100).
		WillReturnRows(rows)

	got, err := store.ClaimPendingForExport(context.Background(), "batch-1", 100, 10*time.Minute)
	if err != nil {
		t.Fatalf("ClaimPendingForExport: %v", err)
	}
	if len(got) != 2 || got[0].ID != "01A" || got[1].ID != "02B" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestEventStoreMarkExported(t *testing.T) {
	db, mock := newMock(t)
	store := NewEventStore(db)
	store.now = func() time.Time { return fixedNow }

	mock.ExpectExec("update telemetry_events set").
		WithArgs(stringsArg{"01A", "02B"}, "batch-1", fixedNow, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.MarkExported(context.Background(), []string{"01A", "02B"}, "batch-1", jsondoc.Document{"batch_uuid": "b"})
	if err != nil {
		t.Fatalf("MarkExported: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}
}

func TestEventStoreMarkExportFailedTruncates(t *testing.T) {
	db, mock := newMock(t)
	store := NewEventStore(db)
	store.now = func() time.Time { return fixedNow }

	long := make([]byte, 900)
	for i := range long {
		long[i] = 'x'
	}
	meta := jsondoc.Document{
		events.MetaLastExportError:    string(long[:events.MaxExportErrorLen]),
		events.MetaLastExportFailedAt: fixedNow.Format(time.RFC3339Nano),
	}
	want, _ := meta.Value()
	mock.ExpectExec("update telemetry_events set").
		WithArgs(stringsArg{"01A"}, fixedNow, want, 3, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := store.MarkExportFailed(context.Background(), []string{"01A"}, string(long), 3)
	if err != nil {
		t.Fatalf("MarkExportFailed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
}

func TestEventStoreMarkWithoutIDsSkipsQuery(t *testing.T) {
	db, mock := newMock(t)
	store := NewEventStore(db)

	if n, err := store.MarkExported(context.Background(), nil, "b", nil); err != nil || n != 0 {
		t.Fatalf("MarkExported: n=%d err=%v", n, err)
	}
	if n, err := store.MarkExportFailed(context.Background(), nil, "boom", 3); err != nil || n != 0 {
		t.Fatalf("MarkExportFailed: n=%d err=%v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEventStoreGetByUUIDNotFound(t *testing.T) {
	db, mock := newMock(t)
	store := NewEventStore(db)

	mock.ExpectQuery("select .* from telemetry_events where event_uuid").WillReturnError(sql.ErrNoRows)

	if _, err := store.GetByUUID(context.Background(), "missing"); !errors.Is(err, events.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEventStoreCountByStatus(t *testing.T) {
	db, mock := newMock(t)
	store := NewEventStore(db)

	mock.ExpectQuery("select ingestion_status, count").
		WillReturnRows(sqlmock.NewRows([]string{"ingestion_status", "count"}).
			AddRow("pending", 4).
			AddRow("exported", 10))

	counts, err := store.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts["pending"] != 4 || counts["exported"] != 10 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestFreshnessStoreUpsertAndList(t *testing.T) {
	db, mock := newMock(t)
	store := NewFreshnessStore(db)
	cols := []string{"pipeline_key", "last_event_at", "status", "threshold_minutes", "lag_seconds", "metadata", "updated_at"}

	mock.ExpectQuery("insert into freshness_monitors").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("ingestion.raw", fixedNow, "healthy", 5, 0, `{"last_event":"a","source":"web"}`, fixedNow))
	mock.ExpectQuery("select .* from freshness_monitors").
		WithArgs(freshness.DefaultListLimit).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("export.warehouse", nil, "critical", 60, 0, `{}`, fixedNow).
			AddRow("ingestion.raw", fixedNow, "healthy", 5, 0, `{}`, fixedNow))

	cp, err := store.Upsert(context.Background(), freshness.Checkpoint{
		PipelineKey:      "ingestion.raw",
		LastEventAt:      &fixedNow,
		Status:           "healthy",
		ThresholdMinutes: 5,
		Metadata:         jsondoc.Document{"source": "web"},
		UpdatedAt:        fixedNow,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if cp.Metadata["last_event"] != "a" {
		t.Fatalf("expected merged metadata, got %v", cp.Metadata)
	}

	list, err := store.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].LastEventAt != nil {
		t.Fatalf("unexpected checkpoints: %+v", list)
	}
}

var batchCols = []string{"id", "batch_uuid", "status", "destination", "trigger", "events_count", "started_at", "completed_at",
	"file_key", "checksum", "error_message", "metadata"}

func TestBatchLedgerOpenFinishGet(t *testing.T) {
	db, mock := newMock(t)
	ledger := NewBatchLedger(db)
	done := fixedNow.Add(time.Second)

	mock.ExpectQuery("insert into telemetry_event_batches").
		WillReturnRows(sqlmock.NewRows(batchCols).AddRow("01B", "b-uuid", "exporting", "file", "manual", 0, fixedNow, nil, "", "", "", `{}`))
	mock.ExpectQuery("update telemetry_event_batches set").
		WillReturnRows(sqlmock.NewRows(batchCols).AddRow("01B", "b-uuid", "exported", "file", "manual", 3, fixedNow, done, "telemetry/test/x.ndjson.zst", "abc", "", `{"attempted_events":3}`))
	mock.ExpectQuery("select .* from telemetry_event_batches where batch_uuid").
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	b, err := ledger.Open(context.Background(), export.Batch{ID: "01B", BatchUUID: "b-uuid", Status: export.BatchExporting, Destination: "file", Trigger: export.TriggerManual, StartedAt: fixedNow})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b.Status = export.BatchExported
	b.CompletedAt = &done
	b.EventsCount = 3
	b, err = ledger.Finish(context.Background(), b)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if b.CompletedAt == nil || b.Checksum != "abc" || b.EventsCount != 3 {
		t.Fatalf("unexpected batch: %+v", b)
	}
	if _, err := ledger.Get(context.Background(), "nope"); !errors.Is(err, export.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
