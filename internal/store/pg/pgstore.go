// Package pg implements the pipeline stores on PostgreSQL through pgx's
// database/sql driver.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store owns the connection pool shared by the typed stores.
type Store struct {
	db *sql.DB
}

// Open connects to dsn. The pool is not verified until first use or Ping.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing pool.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Consents returns the consent ledger backed by this pool.
func (s *Store) Consents(defaultVersion string) *ConsentLedger {
	return NewConsentLedger(s.db, defaultVersion)
}

// Events returns the event store backed by this pool.
func (s *Store) Events() *EventStore { return NewEventStore(s.db) }

// Freshness returns the checkpoint store backed by this pool.
func (s *Store) Freshness() *FreshnessStore { return NewFreshnessStore(s.db) }

// Batches returns the batch ledger backed by this pool.
func (s *Store) Batches() *BatchLedger { return NewBatchLedger(s.db) }

const sqlStateUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlStateUniqueViolation
}

// textArray scans a Postgres text[] column.
func textArray(dst *[]string) sql.Scanner {
	return pgtype.NewMap().SQLScanner(dst)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

type rowScanner interface {
	Scan(dest ...any) error
}
