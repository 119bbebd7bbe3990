package consent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingLedger struct {
	*InMemory
	lookups int
}

func (c *countingLedger) ActiveConsent(ctx context.Context, userID, tenantID, scope string) (*Record, error) {
	c.lookups++
	return c.InMemory.ActiveConsent(ctx, userID, tenantID, scope)
}

func TestResolverCachesWithinTTL(t *testing.T) {
	ctx := context.Background()
	backing := &countingLedger{InMemory: NewInMemory("v1")}
	r := NewResolver(backing, time.Minute)

	_, err := r.RecordDecision(ctx, Decision{UserID: "u1", Scope: "s", Status: StatusGranted})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		rec, err := r.ActiveConsent(ctx, "u1", "global", "s")
		require.NoError(t, err)
		require.True(t, rec.Granted())
	}
	assert.Equal(t, 1, backing.lookups)
}

func TestResolverInvalidatesOnDecision(t *testing.T) {
	ctx := context.Background()
	backing := &countingLedger{InMemory: NewInMemory("v1")}
	r := NewResolver(backing, time.Hour)

	_, err := r.RecordDecision(ctx, Decision{UserID: "u1", Scope: "s", Status: StatusGranted})
	require.NoError(t, err)
	rec, err := r.ActiveConsent(ctx, "u1", "", "s")
	require.NoError(t, err)
	require.True(t, rec.Granted())

	_, err = r.RecordDecision(ctx, Decision{UserID: "u1", Scope: "s", Status: StatusRevoked})
	require.NoError(t, err)

	rec, err = r.ActiveConsent(ctx, "u1", "", "s")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, rec.Status)
	assert.Equal(t, 2, backing.lookups)
}

func TestResolverZeroTTLBypassesCache(t *testing.T) {
	ctx := context.Background()
	backing := &countingLedger{InMemory: NewInMemory("v1")}
	r := NewResolver(backing, 0)

	for i := 0; i < 2; i++ {
		rec, err := r.ActiveConsent(ctx, "u1", "global", "s")
		require.NoError(t, err)
		assert.Nil(t, rec)
	}
	assert.Equal(t, 2, backing.lookups)
}

func TestResolverCacheExpires(t *testing.T) {
	ctx := context.Background()
	backing := &countingLedger{InMemory: NewInMemory("v1")}
	r := NewResolver(backing, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	_, err := r.ActiveConsent(ctx, "u1", "global", "s")
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = r.ActiveConsent(ctx, "u1", "global", "s")
	require.NoError(t, err)
	assert.Equal(t, 2, backing.lookups)
}
