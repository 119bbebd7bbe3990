package export

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"qazna.org/telemetry/internal/apperr"
	"qazna.org/telemetry/internal/audit"
	"qazna.org/telemetry/internal/events"
	"qazna.org/telemetry/internal/freshness"
	"qazna.org/telemetry/internal/ids"
	"qazna.org/telemetry/internal/jsondoc"
	"qazna.org/telemetry/internal/obs"
)

// PipelineWarehouse is the freshness checkpoint touched after a delivered batch.
const PipelineWarehouse = "export.warehouse"

const (
	metaEnvironment = "environment"
	metaBatchSize   = "batch_size"
)

var tracer = otel.Tracer("qazna.org/telemetry/export")

// Options mirrors the export.* settings.
type Options struct {
	BatchSize   int
	MaxAttempts int
	ClaimLease  time.Duration
	Environment string
	// FreshnessThresholdMinutes applies to the export.warehouse checkpoint.
	FreshnessThresholdMinutes int
}

// Summary is the outcome of one export run.
type Summary struct {
	Batch  Batch `json:"batch"`
	Events int   `json:"events"`
	Failed int   `json:"failed"`
}

// Recorder receives one call per finished batch.
type Recorder interface {
	BatchFinished(status string, exported, failed int)
}

type nopRecorder struct{}

func (nopRecorder) BatchFinished(string, int, int) {}

// Toucher is the part of the freshness monitor the batcher needs.
type Toucher interface {
	Touch(ctx context.Context, pipelineKey string, lastEventAt *time.Time, thresholdMinutes int, metadata jsondoc.Document) (freshness.Checkpoint, error)
}

// Batcher runs export batches. Runs within one process are serialized;
// concurrent processes are kept apart by the claim step.
type Batcher struct {
	store    events.Store
	ledger   Ledger
	writer   Writer
	opts     Options
	recorder Recorder
	fresh    Toucher
	now      func() time.Time

	mu sync.Mutex
}

// Option configures Batcher.
type Option func(*Batcher)

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(b *Batcher) {
		if r != nil {
			b.recorder = r
		}
	}
}

// WithFreshness touches the export.warehouse checkpoint after each delivered batch.
func WithFreshness(t Toucher) Option {
	return func(b *Batcher) { b.fresh = t }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(b *Batcher) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBatcher wires a batcher. Zero options fall back to 500 events per batch
// and a 10 minute claim lease.
func NewBatcher(store events.Store, ledger Ledger, writer Writer, opts Options, options ...Option) *Batcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = 10 * time.Minute
	}
	b := &Batcher{
		store:    store,
		ledger:   ledger,
		writer:   writer,
		opts:     opts,
		recorder: nopRecorder{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range options {
		o(b)
	}
	return b
}

// ExportPendingEvents claims up to BatchSize pending events and delivers them
// as one batch. On a writer failure the events stay pending (or are
// dead-lettered), the batch is marked failed and an *apperr.ExportDeliveryError
// is returned together with the summary.
func (b *Batcher) ExportPendingEvents(ctx context.Context, trigger string) (sum Summary, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ctx, span := tracer.Start(ctx, "export.ExportPendingEvents")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	trigger = strings.TrimSpace(trigger)
	if trigger == "" {
		trigger = TriggerManual
	}
	started := b.now()
	batch, err := b.ledger.Open(ctx, Batch{
		ID:          ids.NewAt(started),
		BatchUUID:   ids.UUID(),
		Status:      BatchExporting,
		Destination: b.writer.Destination(),
		Trigger:     trigger,
		StartedAt:   started,
		Metadata: jsondoc.Document{
			metaEnvironment: b.opts.Environment,
			metaBatchSize:   b.opts.BatchSize,
		},
	})
	if err != nil {
		return Summary{}, fmt.Errorf("open batch: %w", err)
	}
	span.SetAttributes(attribute.String("telemetry.batch_uuid", batch.BatchUUID))

	claimed, err := b.store.ClaimPendingForExport(ctx, batch.ID, b.opts.BatchSize, b.opts.ClaimLease)
	if err != nil {
		batch, _ = b.fail(ctx, batch, err, 0)
		return Summary{Batch: batch}, fmt.Errorf("claim pending events: %w", err)
	}

	if len(claimed) == 0 {
		batch, err = b.complete(ctx, batch, WriteResult{}, 0)
		return Summary{Batch: batch}, err
	}

	res, werr := b.writer.Write(ctx, batch, claimed)
	eventIDs := make([]string, len(claimed))
	for i, e := range claimed {
		eventIDs[i] = e.ID
	}
	if werr != nil {
		if _, err := b.store.MarkExportFailed(ctx, eventIDs, werr.Error(), b.opts.MaxAttempts); err != nil {
			obs.Logger().ErrorContext(ctx, "mark export failed", "batch_uuid", batch.BatchUUID, "error", err)
		}
		batch, _ = b.fail(ctx, batch, werr, len(claimed))
		return Summary{Batch: batch, Failed: len(claimed)}, &apperr.ExportDeliveryError{
			BatchUUID:   batch.BatchUUID,
			Destination: batch.Destination,
			Err:         werr,
		}
	}

	n, err := b.store.MarkExported(ctx, eventIDs, batch.ID, jsondoc.Document{
		"export_batch_uuid": batch.BatchUUID,
		"export_file_key":   res.FileKey,
	})
	if err != nil {
		// The object is written; the claim lease expiry will let a later run retry.
		batch, _ = b.fail(ctx, batch, fmt.Errorf("mark exported: %w", err), len(claimed))
		return Summary{Batch: batch, Failed: len(claimed)}, err
	}
	batch, err = b.complete(ctx, batch, res, n)
	if err != nil {
		return Summary{Batch: batch, Events: n}, err
	}

	if b.fresh != nil {
		newest := claimed[0].OccurredAt
		for _, e := range claimed[1:] {
			if e.OccurredAt.After(newest) {
				newest = e.OccurredAt
			}
		}
		if _, err := b.fresh.Touch(ctx, PipelineWarehouse, &newest, b.opts.FreshnessThresholdMinutes, jsondoc.Document{
			"last_batch_uuid": batch.BatchUUID,
		}); err != nil {
			obs.Logger().WarnContext(ctx, "freshness touch failed", "pipeline", PipelineWarehouse, "error", err)
		}
	}
	return Summary{Batch: batch, Events: n}, nil
}

func (b *Batcher) complete(ctx context.Context, batch Batch, res WriteResult, n int) (Batch, error) {
	done := b.now()
	batch.Status = BatchExported
	batch.EventsCount = n
	batch.CompletedAt = &done
	batch.FileKey = res.FileKey
	batch.Checksum = res.Checksum
	if res.Bytes > 0 {
		batch.Metadata = batch.Metadata.Merge(jsondoc.Document{"bytes": res.Bytes})
	}
	stored, err := b.ledger.Finish(ctx, batch)
	if err != nil {
		return batch, fmt.Errorf("finish batch: %w", err)
	}
	b.recorder.BatchFinished(BatchExported, n, 0)
	_ = audit.LogEvent(ctx, "telemetry.export.completed", map[string]any{
		"batch_uuid":   stored.BatchUUID,
		"trigger":      stored.Trigger,
		"destination":  stored.Destination,
		"events_count": n,
		"file_key":     stored.FileKey,
	})
	return stored, nil
}

func (b *Batcher) fail(ctx context.Context, batch Batch, cause error, failed int) (Batch, error) {
	done := b.now()
	batch.Status = BatchFailed
	batch.EventsCount = 0
	batch.CompletedAt = &done
	batch.ErrorMessage = events.Truncate(cause.Error(), MaxBatchErrorLen)
	if failed > 0 {
		batch.Metadata = batch.Metadata.Merge(jsondoc.Document{"attempted_events": failed})
	}
	stored, err := b.ledger.Finish(ctx, batch)
	if err != nil {
		obs.Logger().ErrorContext(ctx, "finish failed batch", "batch_uuid", batch.BatchUUID, "error", err)
		stored = batch
	}
	b.recorder.BatchFinished(BatchFailed, 0, failed)
	_ = audit.LogEvent(ctx, "telemetry.export.failed", map[string]any{
		"batch_uuid":  batch.BatchUUID,
		"trigger":     batch.Trigger,
		"destination": batch.Destination,
		"failed":      failed,
		"error":       batch.ErrorMessage,
	})
	return stored, err
}
