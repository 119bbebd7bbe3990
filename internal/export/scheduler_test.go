package export

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qazna.org/telemetry/internal/events"
)

func TestNewSchedulerRejectsInvalidSchedule(t *testing.T) {
	b := NewBatcher(events.NewInMemory(), NewInMemoryLedger(), &fakeWriter{}, Options{})
	_, err := NewScheduler(b, "every tuesday", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
}

func TestSchedulerRunRecordsScheduledBatch(t *testing.T) {
	ledger := NewInMemoryLedger()
	b := NewBatcher(events.NewInMemory(), ledger, &fakeWriter{}, Options{})
	s, err := NewScheduler(b, "@every 1h", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	s.Start()
	s.run()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	batches, err := ledger.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, TriggerScheduled, batches[0].Trigger)
}
