package consent

import (
	"context"
	"strings"
	"sync"
	"time"
)

type cacheKey struct {
	tenant, user, scope string
}

type cacheEntry struct {
	record  *Record
	expires time.Time
}

// Resolver answers consent lookups for the ingestion path and caches them for
// a TTL. Decisions recorded through the Resolver invalidate the cached entry
// before returning, so a revoke is visible to the next lookup. A zero TTL
// disables caching.
type Resolver struct {
	ledger Ledger
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
}

var _ Ledger = (*Resolver)(nil)

// NewResolver wraps ledger with a lookup cache.
func NewResolver(ledger Ledger, ttl time.Duration) *Resolver {
	return &Resolver{
		ledger: ledger,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[cacheKey]cacheEntry),
	}
}

func (r *Resolver) RecordDecision(ctx context.Context, d Decision) (Record, error) {
	rec, err := r.ledger.RecordDecision(ctx, d)
	if err != nil {
		return Record{}, err
	}
	r.Invalidate(rec.UserID, rec.TenantID, rec.Scope)
	return rec, nil
}

func (r *Resolver) ActiveConsent(ctx context.Context, userID, tenantID, scope string) (*Record, error) {
	if r.ttl <= 0 {
		return r.ledger.ActiveConsent(ctx, userID, tenantID, scope)
	}
	key := keyFor(userID, tenantID, scope)
	now := r.now()

	r.mu.Lock()
	if e, ok := r.cache[key]; ok && now.Before(e.expires) {
		r.mu.Unlock()
		return resolveCached(e.record, now), nil
	}
	r.mu.Unlock()

	rec, err := r.ledger.ActiveConsent(ctx, userID, tenantID, scope)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[key] = cacheEntry{record: rec, expires: now.Add(r.ttl)}
	r.mu.Unlock()
	return rec, nil
}

func (r *Resolver) History(ctx context.Context, userID, tenantID, scope string) ([]Record, error) {
	return r.ledger.History(ctx, userID, tenantID, scope)
}

// Invalidate drops the cached lookup for one (tenant, user, scope).
func (r *Resolver) Invalidate(userID, tenantID, scope string) {
	r.mu.Lock()
	delete(r.cache, keyFor(userID, tenantID, scope))
	r.mu.Unlock()
}

func keyFor(userID, tenantID, scope string) cacheKey {
	return cacheKey{tenant: tenantOrDefault(tenantID), user: strings.TrimSpace(userID), scope: strings.TrimSpace(scope)}
}

// resolveCached re-applies expiry so a cached grant cannot outlive ExpiresAt.
func resolveCached(rec *Record, now time.Time) *Record {
	if rec == nil {
		return nil
	}
	out := rec.Resolve(now)
	return &out
}
