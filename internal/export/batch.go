// Package export moves pending events to the warehouse in batches and keeps
// a ledger of every batch attempt.
package export

import (
	"context"
	"sort"
	"sync"
	"time"

	"qazna.org/telemetry/internal/apperr"
	"qazna.org/telemetry/internal/jsondoc"
)

// Batch status values.
const (
	BatchPending   = "pending"
	BatchExporting = "exporting"
	BatchExported  = "exported"
	BatchFailed    = "failed"
)

// Triggers recorded on a batch.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
)

// MaxBatchErrorLen bounds the error text kept on a failed batch.
const MaxBatchErrorLen = 1000

// ErrNotFound is returned when a batch does not exist.
var ErrNotFound = apperr.ErrNotFound

// Batch is one export attempt.
type Batch struct {
	ID           string           `json:"id"`
	BatchUUID    string           `json:"batch_uuid"`
	Status       string           `json:"status"`
	Destination  string           `json:"destination"`
	Trigger      string           `json:"trigger"`
	EventsCount  int              `json:"events_count"`
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	FileKey      string           `json:"file_key,omitempty"`
	Checksum     string           `json:"checksum,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Metadata     jsondoc.Document `json:"metadata"`
}

// Ledger records batch attempts.
type Ledger interface {
	// Open inserts a new batch.
	Open(ctx context.Context, b Batch) (Batch, error)
	// Finish writes the terminal state of b.
	Finish(ctx context.Context, b Batch) (Batch, error)
	Get(ctx context.Context, batchUUID string) (Batch, error)
	// List returns the most recent batches first.
	List(ctx context.Context, limit int) ([]Batch, error)
}

// InMemoryLedger implements Ledger.
type InMemoryLedger struct {
	mu      sync.RWMutex
	batches map[string]*Batch
	byUUID  map[string]string
}

var _ Ledger = (*InMemoryLedger)(nil)

// NewInMemoryLedger creates an empty ledger.
func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{
		batches: make(map[string]*Batch),
		byUUID:  make(map[string]string),
	}
}

func (l *InMemoryLedger) Open(ctx context.Context, b Batch) (Batch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stored := cloneBatch(b)
	l.batches[b.ID] = &stored
	l.byUUID[b.BatchUUID] = b.ID
	return cloneBatch(stored), nil
}

func (l *InMemoryLedger) Finish(ctx context.Context, b Batch) (Batch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, ok := l.batches[b.ID]
	if !ok {
		return Batch{}, ErrNotFound
	}
	b.Metadata = prev.Metadata.Merge(b.Metadata)
	stored := cloneBatch(b)
	l.batches[b.ID] = &stored
	return cloneBatch(stored), nil
}

func (l *InMemoryLedger) Get(ctx context.Context, batchUUID string) (Batch, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.byUUID[batchUUID]
	if !ok {
		return Batch{}, ErrNotFound
	}
	return cloneBatch(*l.batches[id]), nil
}

func (l *InMemoryLedger) List(ctx context.Context, limit int) ([]Batch, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Batch, 0, len(l.batches))
	for _, b := range l.batches {
		out = append(out, cloneBatch(*b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneBatch(b Batch) Batch {
	b.Metadata = b.Metadata.Clone()
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		b.CompletedAt = &t
	}
	return b
}
