package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"qazna.org/telemetry/internal/consent"
	"qazna.org/telemetry/internal/ids"
)

const consentColumns = `id, tenant_id, user_id, consent_scope, consent_version, status, is_active,
	recorded_at, effective_at, expires_at, revoked_at, coalesce(recorded_by,''), evidence, metadata`

// ConsentLedger implements consent.Ledger on the consent_ledger table.
type ConsentLedger struct {
	db             *sql.DB
	defaultVersion string
	now            func() time.Time
}

var _ consent.Ledger = (*ConsentLedger)(nil)

func NewConsentLedger(db *sql.DB, defaultVersion string) *ConsentLedger {
	return &ConsentLedger{db: db, defaultVersion: defaultVersion, now: func() time.Time { return time.Now().UTC() }}
}

func (l *ConsentLedger) RecordDecision(ctx context.Context, d consent.Decision) (consent.Record, error) {
	d, err := d.Normalize(l.defaultVersion)
	if err != nil {
		return consent.Record{}, err
	}
	now := l.now()
	effective := now
	if d.EffectiveAt != nil {
		effective = d.EffectiveAt.UTC()
	}
	var revoked *time.Time
	if d.Status == consent.StatusRevoked {
		revoked = &now
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return consent.Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		update consent_ledger set is_active = false, updated_at = $5
		where tenant_id = $1 and user_id = $2 and consent_scope = $3 and consent_version <> $4 and is_active
	`, d.TenantID, d.UserID, d.Scope, d.Version, now); err != nil {
		return consent.Record{}, err
	}

	row := tx.QueryRowContext(ctx, `
		insert into consent_ledger (id, tenant_id, user_id, consent_scope, consent_version, status, is_active,
			recorded_at, effective_at, expires_at, revoked_at, recorded_by, evidence, metadata, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,true,$7,$8,$9,$10,nullif($11,''),$12,$13,$7,$7)
		on conflict (tenant_id, user_id, consent_scope, consent_version) do update set
			status = excluded.status,
			is_active = true,
			recorded_at = excluded.recorded_at,
			effective_at = excluded.effective_at,
			expires_at = excluded.expires_at,
			revoked_at = excluded.revoked_at,
			recorded_by = excluded.recorded_by,
			evidence = case when excluded.evidence = '{}'::jsonb then consent_ledger.evidence else excluded.evidence end,
			metadata = consent_ledger.metadata || excluded.metadata,
			updated_at = excluded.updated_at
		returning `+consentColumns,
		ids.NewAt(now), d.TenantID, d.UserID, d.Scope, d.Version, d.Status,
		now, effective, nullTime(d.ExpiresAt), nullTime(revoked), d.RecordedBy, d.Evidence, d.Metadata)
	rec, err := scanConsent(row)
	if err != nil {
		return consent.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return consent.Record{}, err
	}
	return rec, nil
}

func (l *ConsentLedger) ActiveConsent(ctx context.Context, userID, tenantID, scope string) (*consent.Record, error) {
	row := l.db.QueryRowContext(ctx, `
		select `+consentColumns+`
		from consent_ledger
		where tenant_id = $1 and user_id = $2 and consent_scope = $3
		order by is_active desc, recorded_at desc
		limit 1
	`, tenantOr(tenantID), strings.TrimSpace(userID), strings.TrimSpace(scope))
	rec, err := scanConsent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec = rec.Resolve(l.now())
	return &rec, nil
}

func (l *ConsentLedger) History(ctx context.Context, userID, tenantID, scope string) ([]consent.Record, error) {
	rows, err := l.db.QueryContext(ctx, `
		select `+consentColumns+`
		from consent_ledger
		where tenant_id = $1 and user_id = $2 and consent_scope = $3
		order by recorded_at desc, id desc
	`, tenantOr(tenantID), strings.TrimSpace(userID), strings.TrimSpace(scope))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []consent.Record
	for rows.Next() {
		rec, err := scanConsent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanConsent(row rowScanner) (consent.Record, error) {
	var (
		rec              consent.Record
		expires, revoked sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.UserID, &rec.Scope, &rec.Version, &rec.Status, &rec.IsActive,
		&rec.RecordedAt, &rec.EffectiveAt, &expires, &revoked, &rec.RecordedBy, &rec.Evidence, &rec.Metadata)
	if err != nil {
		return consent.Record{}, err
	}
	rec.ExpiresAt = timePtr(expires)
	rec.RevokedAt = timePtr(revoked)
	return rec, nil
}

func tenantOr(tenantID string) string {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return consent.DefaultTenant
	}
	return tenantID
}
