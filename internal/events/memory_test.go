package events

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qazna.org/telemetry/internal/apperr"
	"qazna.org/telemetry/internal/jsondoc"
)

func newEvent(name string, occurred time.Time) Event {
	return Event{
		TenantID:      "global",
		EventName:     name,
		EventSource:   "web",
		OccurredAt:    occurred,
		ReceivedAt:    occurred,
		CorrelationID: "corr-" + name,
		Payload:       jsondoc.Document{"n": name},
	}
}

func TestCreateDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	first, dup, err := s.Create(ctx, newEvent("app.launch", at))
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, StatusPending, first.IngestionStatus)
	assert.NotEmpty(t, first.EventUUID)

	second, dup, err := s.Create(ctx, newEvent("app.launch", at))
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.EventUUID, second.EventUUID)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{StatusPending: 1}, counts)
}

func TestCreateRejectsReusedEventUUID(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	first := newEvent("lesson.started", at)
	first.EventUUID = "3f1c2a4e-5b6d-4e7f-8a9b-0c1d2e3f4a5b"
	stored, _, err := s.Create(ctx, first)
	require.NoError(t, err)

	other := newEvent("course.completed", at)
	other.EventUUID = first.EventUUID
	_, dup, err := s.Create(ctx, other)
	var conflict *apperr.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.False(t, dup)
	assert.Equal(t, "event_uuid", conflict.Field)

	got, err := s.GetByUUID(ctx, first.EventUUID)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, got.ID)
	assert.Equal(t, "lesson.started", got.EventName)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{StatusPending: 1}, counts)

	// Same uuid with identical content is still a duplicate.
	again, dup, err := s.Create(ctx, first)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, stored.ID, again.ID)
}

func TestListPendingOrderedAndCapped(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i, name := range []string{"c", "a", "b"} {
		_, _, err := s.Create(ctx, newEvent(name, base.Add(time.Duration(2-i)*time.Minute)))
		require.NoError(t, err)
	}
	suppressed := newEvent("hidden", base.Add(-time.Hour))
	suppressed.IngestionStatus = StatusSuppressed
	_, _, err := s.Create(ctx, suppressed)
	require.NoError(t, err)

	got, err := s.ListPendingForExport(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].EventName)
	assert.Equal(t, "a", got[1].EventName)
}

func TestClaimIsExclusiveUntilLeaseExpires(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	for _, name := range []string{"a", "b", "c"} {
		_, _, err := s.Create(ctx, newEvent(name, now))
		require.NoError(t, err)
	}

	first, err := s.ClaimPendingForExport(ctx, "batch-1", 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := s.ClaimPendingForExport(ctx, "batch-2", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, second, 1)
	for _, e := range first {
		assert.NotEqual(t, e.ID, second[0].ID)
	}

	now = now.Add(2 * time.Minute)
	third, err := s.ClaimPendingForExport(ctx, "batch-3", 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, third, 3, "expired leases are claimable again")
}

func TestMarkExported(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	e, _, err := s.Create(ctx, newEvent("a", time.Now()))
	require.NoError(t, err)

	n, err := s.MarkExported(ctx, []string{e.ID, "missing"}, "batch-1", jsondoc.Document{"export_batch_uuid": "b-uuid"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetByUUID(ctx, e.EventUUID)
	require.NoError(t, err)
	assert.Equal(t, StatusExported, got.IngestionStatus)
	assert.Equal(t, "batch-1", got.ExportBatchID)
	assert.Equal(t, 1, got.IngestionAttempts)
	assert.NotNil(t, got.LastIngestionAttempt)
	assert.Equal(t, "b-uuid", got.Metadata["export_batch_uuid"])

	// Exported events are never exported twice.
	n, err = s.MarkExported(ctx, []string{e.ID}, "batch-2", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMarkExportFailedKeepsPendingAndTruncates(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	e, _, err := s.Create(ctx, newEvent("a", time.Now()))
	require.NoError(t, err)
	_, err = s.ClaimPendingForExport(ctx, "batch-1", 10, time.Hour)
	require.NoError(t, err)

	n, err := s.MarkExportFailed(ctx, []string{e.ID}, strings.Repeat("x", 800), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetByUUID(ctx, e.EventUUID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.IngestionStatus)
	assert.Equal(t, 1, got.IngestionAttempts)
	msg, _ := got.Metadata.String(MetaLastExportError)
	assert.Len(t, msg, MaxExportErrorLen)
	assert.Contains(t, got.Metadata, MetaLastExportFailedAt)

	// The claim is released so the next run can retry.
	again, err := s.ClaimPendingForExport(ctx, "batch-2", 10, time.Hour)
	require.NoError(t, err)
	assert.Len(t, again, 1)
}

func TestMarkExportFailedDeadLetters(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	e, _, err := s.Create(ctx, newEvent("a", time.Now()))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.MarkExportFailed(ctx, []string{e.ID}, "timeout", 3)
		require.NoError(t, err)
	}
	got, err := s.GetByUUID(ctx, e.EventUUID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.IngestionStatus)
	assert.Equal(t, 3, got.IngestionAttempts)
	assert.Contains(t, got.Metadata, MetaDeadLetteredAt)

	pending, err := s.ListPendingForExport(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMarkExportFailedUnlimitedAttempts(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	e, _, err := s.Create(ctx, newEvent("a", time.Now()))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, err := s.MarkExportFailed(ctx, []string{e.ID}, "timeout", 0)
		require.NoError(t, err)
	}
	got, err := s.GetByUUID(ctx, e.EventUUID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.IngestionStatus)
	assert.Equal(t, 20, got.IngestionAttempts)
}

func TestGetByUUIDNotFound(t *testing.T) {
	_, err := NewInMemory().GetByUUID(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}
