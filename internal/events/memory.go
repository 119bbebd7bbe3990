package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"qazna.org/telemetry/internal/apperr"
	"qazna.org/telemetry/internal/ids"
	"qazna.org/telemetry/internal/jsondoc"
)

// ErrNotFound is returned by lookups that found no event.
var ErrNotFound = apperr.ErrNotFound

type claim struct {
	batchID string
	at      time.Time
}

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu     sync.RWMutex
	byID   map[string]*Event
	byHash map[string]string
	byUUID map[string]string
	claims map[string]claim
	now    func() time.Time
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		byID:   make(map[string]*Event),
		byHash: make(map[string]string),
		byUUID: make(map[string]string),
		claims: make(map[string]claim),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemory) Create(ctx context.Context, e Event) (Event, bool, error) {
	if e.DedupeHash == "" {
		h, err := FingerprintOf(e).Hash()
		if err != nil {
			return Event{}, false, err
		}
		e.DedupeHash = h
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byHash[e.DedupeHash]; ok {
		return cloneEvent(s.byID[id]), true, nil
	}
	if _, taken := s.byUUID[e.EventUUID]; taken && e.EventUUID != "" {
		return Event{}, false, &apperr.ConflictError{Field: "event_uuid", Value: e.EventUUID}
	}

	now := s.now()
	if e.ID == "" {
		e.ID = ids.NewAt(now)
	}
	if e.EventUUID == "" {
		e.EventUUID = ids.UUID()
	}
	if e.IngestionStatus == "" {
		e.IngestionStatus = StatusPending
	}
	e.CreatedAt = now
	e.UpdatedAt = now
	stored := cloneEvent(&e)
	s.byID[e.ID] = &stored
	s.byHash[e.DedupeHash] = e.ID
	s.byUUID[e.EventUUID] = e.ID
	return cloneEvent(&stored), false, nil
}

func (s *InMemory) ListPendingForExport(ctx context.Context, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pending := s.pendingLocked(func(*Event) bool { return true })
	return capEvents(pending, limit), nil
}

func (s *InMemory) ClaimPendingForExport(ctx context.Context, batchID string, limit int, lease time.Duration) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	claimable := s.pendingLocked(func(e *Event) bool {
		c, ok := s.claims[e.ID]
		return !ok || !c.at.Add(lease).After(now)
	})
	claimed := capEvents(claimable, limit)
	for _, e := range claimed {
		s.claims[e.ID] = claim{batchID: batchID, at: now}
	}
	return claimed, nil
}

func (s *InMemory) MarkExported(ctx context.Context, eventIDs []string, batchID string, metadata jsondoc.Document) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, id := range eventIDs {
		e, ok := s.byID[id]
		if !ok || e.IngestionStatus != StatusPending {
			continue
		}
		e.IngestionStatus = StatusExported
		e.ExportBatchID = batchID
		e.IngestionAttempts++
		e.LastIngestionAttempt = &now
		e.Metadata = e.Metadata.Merge(metadata)
		e.UpdatedAt = now
		delete(s.claims, id)
		n++
	}
	return n, nil
}

func (s *InMemory) MarkExportFailed(ctx context.Context, eventIDs []string, errMsg string, maxAttempts int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	stamp := now.Format(time.RFC3339Nano)
	n := 0
	for _, id := range eventIDs {
		e, ok := s.byID[id]
		if !ok || e.IngestionStatus != StatusPending {
			continue
		}
		e.IngestionAttempts++
		e.LastIngestionAttempt = &now
		e.Metadata = e.Metadata.Merge(jsondoc.Document{
			MetaLastExportError:    Truncate(errMsg, MaxExportErrorLen),
			MetaLastExportFailedAt: stamp,
		})
		if maxAttempts > 0 && e.IngestionAttempts >= maxAttempts {
			e.IngestionStatus = StatusFailed
			e.Metadata[MetaDeadLetteredAt] = stamp
		}
		e.UpdatedAt = now
		delete(s.claims, id)
		n++
	}
	return n, nil
}

func (s *InMemory) GetByUUID(ctx context.Context, eventUUID string) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byUUID[eventUUID]
	if !ok {
		return Event{}, ErrNotFound
	}
	return cloneEvent(s.byID[id]), nil
}

func (s *InMemory) CountByStatus(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]int{}
	for _, e := range s.byID {
		out[e.IngestionStatus]++
	}
	return out, nil
}

// pendingLocked returns pending events accepted by keep, oldest first.
func (s *InMemory) pendingLocked(keep func(*Event) bool) []Event {
	var out []Event
	for _, e := range s.byID {
		if e.IngestionStatus == StatusPending && keep(e) {
			out = append(out, cloneEvent(e))
		}
	}
	SortByOccurrence(out)
	return out
}

// SortByOccurrence orders events by occurred_at, then id.
func SortByOccurrence(evts []Event) {
	sort.Slice(evts, func(i, j int) bool {
		if evts[i].OccurredAt.Equal(evts[j].OccurredAt) {
			return evts[i].ID < evts[j].ID
		}
		return evts[i].OccurredAt.Before(evts[j].OccurredAt)
	})
}

func capEvents(evts []Event, limit int) []Event {
	if limit > 0 && len(evts) > limit {
		return evts[:limit]
	}
	return evts
}

func cloneEvent(e *Event) Event {
	out := *e
	out.Payload = e.Payload.Clone()
	out.Context = e.Context.Clone()
	out.Metadata = e.Metadata.Clone()
	if e.Tags != nil {
		out.Tags = append([]string(nil), e.Tags...)
	}
	if e.LastIngestionAttempt != nil {
		t := *e.LastIngestionAttempt
		out.LastIngestionAttempt = &t
	}
	return out
}
