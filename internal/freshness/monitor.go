package freshness

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"qazna.org/telemetry/internal/jsondoc"
)

// DefaultListLimit caps ListSnapshots when no limit is given.
const DefaultListLimit = 50

// Monitor records pipeline liveness and reports lag.
type Monitor struct {
	store    Store
	recorder Recorder
	now      func() time.Time
}

// Option configures Monitor.
type Option func(*Monitor)

// WithRecorder reports every evaluated checkpoint to r.
func WithRecorder(r Recorder) Option {
	return func(m *Monitor) {
		if r != nil {
			m.recorder = r
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor constructs a Monitor over store.
func NewMonitor(store Store, opts ...Option) *Monitor {
	m := &Monitor{
		store:    store,
		recorder: nopRecorder{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Touch records lastEventAt for pipelineKey and returns the stored checkpoint
// with status derived from the current clock.
func (m *Monitor) Touch(ctx context.Context, pipelineKey string, lastEventAt *time.Time, thresholdMinutes int, metadata jsondoc.Document) (Checkpoint, error) {
	pipelineKey = strings.TrimSpace(pipelineKey)
	if pipelineKey == "" {
		return Checkpoint{}, errors.New("freshness: pipeline key is required")
	}
	now := m.now()
	status, lag := Evaluate(lastEventAt, thresholdMinutes, now)
	cp := Checkpoint{
		PipelineKey:      pipelineKey,
		LastEventAt:      lastEventAt,
		Status:           status,
		ThresholdMinutes: thresholdMinutes,
		LagSeconds:       lag,
		Metadata:         metadata,
		UpdatedAt:        now,
	}
	stored, err := m.store.Upsert(ctx, cp)
	if err != nil {
		return Checkpoint{}, err
	}
	m.recorder.FreshnessObserved(stored.PipelineKey, stored.Status, stored.LagSeconds)
	return stored, nil
}

// ListSnapshots returns checkpoints ordered by key with status and lag
// recomputed at read time.
func (m *Monitor) ListSnapshots(ctx context.Context, limit int) ([]Checkpoint, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	cps, err := m.store.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	now := m.now()
	for i := range cps {
		cps[i].Status, cps[i].LagSeconds = Evaluate(cps[i].LastEventAt, cps[i].ThresholdMinutes, now)
		m.recorder.FreshnessObserved(cps[i].PipelineKey, cps[i].Status, cps[i].LagSeconds)
	}
	return cps, nil
}

// InMemory implements Store.
type InMemory struct {
	mu  sync.RWMutex
	cps map[string]Checkpoint
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty checkpoint store.
func NewInMemory() *InMemory {
	return &InMemory{cps: make(map[string]Checkpoint)}
}

func (s *InMemory) Upsert(ctx context.Context, cp Checkpoint) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.cps[cp.PipelineKey]; ok {
		cp.Metadata = prev.Metadata.Merge(cp.Metadata)
	} else {
		cp.Metadata = cp.Metadata.Clone()
	}
	s.cps[cp.PipelineKey] = cp
	return cp, nil
}

func (s *InMemory) List(ctx context.Context, limit int) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Checkpoint, 0, len(s.cps))
	for _, cp := range s.cps {
		cp.Metadata = cp.Metadata.Clone()
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PipelineKey < out[j].PipelineKey })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
