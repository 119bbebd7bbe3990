// Package migrate applies the pipeline schema. Migrations are NNNN_name.up.sql
// files with a matching .down.sql; each is applied and recorded in one
// transaction while a Postgres advisory lock keeps concurrent runners apart.
package migrate

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

const (
	defaultMigrationsTable = "telemetry_schema_migrations"
	defaultSeedsTable      = "telemetry_schema_seeds"

	// lockKey is the pg_advisory_lock key held while migrating.
	lockKey int64 = 0x74656c656d // "telem"
)

// ErrNoHistory is returned by Down when nothing has been applied.
var ErrNoHistory = errors.New("no migrations applied")

// Applied is one row of the migrations history.
type Applied struct {
	Name      string
	AppliedAt time.Time
	Checksum  string
	// Drifted is set when the file on disk no longer matches Checksum.
	Drifted bool
	// Missing is set when the file is gone from the migrations source.
	Missing bool
}

// Manager executes SQL migrations and seed files read from file systems.
type Manager struct {
	db              *sql.DB
	migrations      fs.FS
	seeds           fs.FS
	migrationsTable string
	seedsTable      string
	lock            bool
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// WithoutLock skips the advisory lock (databases other than Postgres).
func WithoutLock() Option {
	return func(m *Manager) { m.lock = false }
}

// NewManager constructs a Manager. seeds may be nil.
func NewManager(db *sql.DB, migrations, seeds fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrations:      migrations,
		seeds:           seeds,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		lock:            true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations in name order. It refuses to run when an
// applied migration was edited after the fact.
func (m *Manager) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.history(ctx, conn, m.migrationsTable)
		if err != nil {
			return err
		}
		files, err := collectSQL(m.migrations, ".up.sql")
		if err != nil {
			return err
		}
		done := make(map[string]Applied, len(applied))
		for _, a := range applied {
			done[a.Name] = a
		}
		for _, f := range files {
			prev, ok := done[f.Base]
			if ok {
				if prev.Checksum != "" && prev.Checksum != f.Checksum {
					return fmt.Errorf("migration %s changed after it was applied (recorded %s, file %s)", f.Base, short(prev.Checksum), short(f.Checksum))
				}
				continue
			}
			if err := m.apply(ctx, conn, m.migrationsTable, f); err != nil {
				return fmt.Errorf("apply migration %s: %w", f.Base, err)
			}
		}
		return nil
	})
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.history(ctx, conn, m.migrationsTable)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			return ErrNoHistory
		}
		last := applied[len(applied)-1].Name
		downPath := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
		if m.migrations == nil {
			return fmt.Errorf("missing down migration for %s", last)
		}
		body, err := fs.ReadFile(m.migrations, downPath)
		if err != nil {
			return fmt.Errorf("missing down migration for %s", last)
		}
		err = inTx(ctx, conn, func(tx *sql.Tx) error {
			if err := execScript(ctx, tx, string(body)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable), last)
			return err
		})
		if err != nil {
			return fmt.Errorf("rollback migration %s: %w", last, err)
		}
		return nil
	})
}

// Status returns the applied migrations in order, flagging files that were
// edited or removed since.
func (m *Manager) Status(ctx context.Context) ([]Applied, error) {
	var out []Applied
	err := m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.history(ctx, conn, m.migrationsTable)
		if err != nil {
			return err
		}
		files, err := collectSQL(m.migrations, ".up.sql")
		if err != nil {
			return err
		}
		byName := make(map[string]sqlFile, len(files))
		for _, f := range files {
			byName[f.Base] = f
		}
		for _, a := range applied {
			f, ok := byName[a.Name]
			a.Missing = !ok
			a.Drifted = ok && a.Checksum != "" && a.Checksum != f.Checksum
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

// Pending lists migrations that Up would apply.
func (m *Manager) Pending(ctx context.Context) ([]string, error) {
	var out []string
	err := m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.history(ctx, conn, m.migrationsTable)
		if err != nil {
			return err
		}
		done := make(map[string]bool, len(applied))
		for _, a := range applied {
			done[a.Name] = true
		}
		files, err := collectSQL(m.migrations, ".up.sql")
		if err != nil {
			return err
		}
		for _, f := range files {
			if !done[f.Base] {
				out = append(out, f.Base)
			}
		}
		return nil
	})
	return out, err
}

// Seed applies seed files once each. Seeds are not checksummed; editing a
// seed does not re-run it.
func (m *Manager) Seed(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.history(ctx, conn, m.seedsTable)
		if err != nil {
			return err
		}
		done := make(map[string]bool, len(applied))
		for _, a := range applied {
			done[a.Name] = true
		}
		files, err := collectSQL(m.seeds, ".sql")
		if err != nil {
			return err
		}
		for _, f := range files {
			if done[f.Base] {
				continue
			}
			if err := m.apply(ctx, conn, m.seedsTable, f); err != nil {
				return fmt.Errorf("apply seed %s: %w", f.Base, err)
			}
		}
		return nil
	})
}

// locked runs fn on one pooled connection holding the advisory lock, after
// making sure the bookkeeping tables exist.
func (m *Manager) locked(ctx context.Context, fn func(conn *sql.Conn) error) (err error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if m.lock {
		if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, lockKey); err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
		defer func() {
			// The lock is session scoped; use a fresh context so a cancelled
			// caller still releases it.
			if _, uerr := conn.ExecContext(context.Background(), `select pg_advisory_unlock($1)`, lockKey); uerr != nil && err == nil {
				err = fmt.Errorf("release migration lock: %w", uerr)
			}
		}()
	}

	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			checksum text not null default '',
			applied_at timestamptz not null default now()
		);`, table)
		if _, err := conn.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return fn(conn)
}

func (m *Manager) apply(ctx context.Context, conn *sql.Conn, table string, f sqlFile) error {
	return inTx(ctx, conn, func(tx *sql.Tx) error {
		if err := execScript(ctx, tx, f.Body); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`insert into %s(name, checksum, applied_at) values ($1, $2, $3)`, table),
			f.Base, f.Checksum, time.Now().UTC())
		return err
	})
}

func (m *Manager) history(ctx context.Context, conn *sql.Conn, table string) ([]Applied, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`select name, checksum, applied_at from %s order by applied_at asc, name asc`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Name, &a.Checksum, &a.AppliedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func inTx(ctx context.Context, conn *sql.Conn, fn func(tx *sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func execScript(ctx context.Context, tx *sql.Tx, script string) error {
	for _, stmt := range splitStatements(script) {
		if strings.TrimSpace(stripComments(stmt)) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

type sqlFile struct {
	Base     string
	Path     string
	Body     string
	Checksum string
}

func collectSQL(fsys fs.FS, suffix string) ([]sqlFile, error) {
	if fsys == nil {
		return nil, nil
	}
	var files []sqlFile
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), suffix) {
			return nil
		}
		body, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		files = append(files, sqlFile{
			Base:     path.Base(p),
			Path:     p,
			Body:     string(body),
			Checksum: checksum(body),
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Base < files[j].Base
	})
	return files, nil
}

func checksum(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

// splitStatements splits a script on semicolons outside quoted strings and
// -- comments.
func splitStatements(script string) []string {
	var (
		stmts     []string
		current   strings.Builder
		inString  bool
		inComment bool
		prev      rune
	)
	for _, r := range script {
		switch {
		case inComment:
			current.WriteRune(r)
			if r == '\n' {
				inComment = false
			}
		case r == '\'':
			current.WriteRune(r)
			inString = !inString
		case r == '-' && prev == '-' && !inString:
			current.WriteRune(r)
			inComment = true
		case r == ';' && !inString:
			current.WriteRune(r)
			stmts = append(stmts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
		prev = r
	}
	if strings.TrimSpace(stripComments(current.String())) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}

func stripComments(stmt string) string {
	var b strings.Builder
	for _, line := range strings.Split(stmt, "\n") {
		if i := strings.Index(line, "--"); i >= 0 {
			line = line[:i]
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
