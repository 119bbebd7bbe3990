// Package consent records per-user consent decisions and answers whether a
// user has agreed to a processing scope.
package consent

import (
	"context"
	"strings"
	"time"

	"qazna.org/telemetry/internal/apperr"
	"qazna.org/telemetry/internal/jsondoc"
)

// Status values stored on a Record.
const (
	StatusGranted = "granted"
	StatusRevoked = "revoked"
	StatusExpired = "expired"
)

// DefaultTenant is used when a decision or lookup carries no tenant.
const DefaultTenant = "global"

// Record is one consent decision for a (tenant, user, scope, version).
type Record struct {
	ID          string           `json:"id"`
	UserID      string           `json:"user_id"`
	TenantID    string           `json:"tenant_id"`
	Scope       string           `json:"consent_scope"`
	Version     string           `json:"consent_version"`
	Status      string           `json:"status"`
	IsActive    bool             `json:"is_active"`
	RecordedAt  time.Time        `json:"recorded_at"`
	EffectiveAt time.Time        `json:"effective_at"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
	RevokedAt   *time.Time       `json:"revoked_at,omitempty"`
	RecordedBy  string           `json:"recorded_by,omitempty"`
	Evidence    jsondoc.Document `json:"evidence"`
	Metadata    jsondoc.Document `json:"metadata"`
}

// Granted reports whether the record permits processing.
func (r *Record) Granted() bool {
	return r != nil && r.Status == StatusGranted
}

// InForce reports whether a granted record already applies at now. A grant
// whose EffectiveAt lies in the future does not.
func (r *Record) InForce(now time.Time) bool {
	return r.Granted() && !r.EffectiveAt.After(now)
}

// Resolve reports the record as seen at now: a granted record past its
// expiry is returned with status expired. The receiver is not modified.
func (r Record) Resolve(now time.Time) Record {
	if r.Status == StatusGranted && r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
		r.Status = StatusExpired
	}
	return r
}

// Decision is the input of RecordDecision.
type Decision struct {
	UserID      string
	TenantID    string
	Scope       string
	Version     string
	Status      string
	EffectiveAt *time.Time
	ExpiresAt   *time.Time
	RecordedBy  string
	Evidence    jsondoc.Document
	Metadata    jsondoc.Document
}

// Normalize trims the decision, applies defaults and validates it.
func (d Decision) Normalize(defaultVersion string) (Decision, error) {
	d.UserID = strings.TrimSpace(d.UserID)
	d.TenantID = strings.TrimSpace(d.TenantID)
	d.Scope = strings.TrimSpace(d.Scope)
	d.Version = strings.TrimSpace(d.Version)
	d.Status = strings.ToLower(strings.TrimSpace(d.Status))
	d.RecordedBy = strings.TrimSpace(d.RecordedBy)

	if d.UserID == "" {
		return d, apperr.Invalid("user_id", "is required")
	}
	if d.Scope == "" {
		return d, apperr.Invalid("consent_scope", "is required")
	}
	switch d.Status {
	case StatusGranted, StatusRevoked, StatusExpired:
	default:
		return d, apperr.Invalid("status", "must be one of granted, revoked, expired")
	}
	if d.TenantID == "" {
		d.TenantID = DefaultTenant
	}
	if d.Version == "" {
		d.Version = defaultVersion
	}
	if d.EffectiveAt != nil && d.ExpiresAt != nil && !d.ExpiresAt.After(*d.EffectiveAt) {
		return d, apperr.Invalid("expires_at", "must be after effective_at")
	}
	return d, nil
}

// Ledger stores consent decisions. Records are never deleted.
type Ledger interface {
	RecordDecision(ctx context.Context, d Decision) (Record, error)
	// ActiveConsent returns the most relevant record or nil when none exists.
	ActiveConsent(ctx context.Context, userID, tenantID, scope string) (*Record, error)
	History(ctx context.Context, userID, tenantID, scope string) ([]Record, error)
}

// Lookup is the read side used by the ingestion path.
type Lookup interface {
	ActiveConsent(ctx context.Context, userID, tenantID, scope string) (*Record, error)
}

func tenantOrDefault(tenantID string) string {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return DefaultTenant
	}
	return tenantID
}
