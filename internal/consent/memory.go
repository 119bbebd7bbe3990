package consent

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"qazna.org/telemetry/internal/ids"
)

type recordKey struct {
	tenant, user, scope, version string
}

// InMemory implements Ledger with in-process concurrency safety.
type InMemory struct {
	mu             sync.RWMutex
	records        map[recordKey]*Record
	defaultVersion string
	now            func() time.Time
}

var _ Ledger = (*InMemory)(nil)

// NewInMemory creates an empty ledger. defaultVersion fills decisions without a version.
func NewInMemory(defaultVersion string) *InMemory {
	return &InMemory{
		records:        make(map[recordKey]*Record),
		defaultVersion: defaultVersion,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemory) RecordDecision(ctx context.Context, d Decision) (Record, error) {
	d, err := d.Normalize(s.defaultVersion)
	if err != nil {
		return Record{}, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{d.TenantID, d.UserID, d.Scope, d.Version}
	rec, ok := s.records[key]
	if !ok {
		rec = &Record{
			ID:       ids.NewAt(now),
			UserID:   d.UserID,
			TenantID: d.TenantID,
			Scope:    d.Scope,
			Version:  d.Version,
		}
		s.records[key] = rec
	}
	applyDecision(rec, d, now)

	// Supersede every other version of the same scope.
	for k, other := range s.records {
		if k != key && k.tenant == key.tenant && k.user == key.user && k.scope == key.scope {
			other.IsActive = false
		}
	}
	return cloneRecord(rec), nil
}

func (s *InMemory) ActiveConsent(ctx context.Context, userID, tenantID, scope string) (*Record, error) {
	hist, err := s.History(ctx, userID, tenantID, scope)
	if err != nil || len(hist) == 0 {
		return nil, err
	}
	best := pickActive(hist).Resolve(s.now())
	return &best, nil
}

func (s *InMemory) History(ctx context.Context, userID, tenantID, scope string) ([]Record, error) {
	userID = strings.TrimSpace(userID)
	scope = strings.TrimSpace(scope)
	tenantID = tenantOrDefault(tenantID)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for k, rec := range s.records {
		if k.tenant == tenantID && k.user == userID && k.scope == scope {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].RecordedAt.After(out[j].RecordedAt)
	})
	return out, nil
}

func applyDecision(rec *Record, d Decision, now time.Time) {
	rec.Status = d.Status
	rec.IsActive = true
	rec.RecordedAt = now
	rec.EffectiveAt = now
	if d.EffectiveAt != nil {
		rec.EffectiveAt = d.EffectiveAt.UTC()
	}
	rec.ExpiresAt = utcPtr(d.ExpiresAt)
	rec.RevokedAt = nil
	if d.Status == StatusRevoked {
		t := now
		rec.RevokedAt = &t
	}
	rec.RecordedBy = d.RecordedBy
	if d.Evidence != nil {
		rec.Evidence = d.Evidence.Clone()
	}
	rec.Metadata = rec.Metadata.Merge(d.Metadata)
}

// pickActive expects history ordered newest first.
func pickActive(hist []Record) Record {
	for _, r := range hist {
		if r.IsActive {
			return r
		}
	}
	return hist[0]
}

func cloneRecord(r *Record) Record {
	out := *r
	out.Evidence = r.Evidence.Clone()
	out.Metadata = r.Metadata.Clone()
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
