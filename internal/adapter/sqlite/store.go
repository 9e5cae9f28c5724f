// Package sqlite implements the ledger and job repositories on an embedded
// SQLite database. Writes run through a single connection, so each
// conditional update observes every earlier commit.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/infra"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id                TEXT PRIMARY KEY,
	plan              TEXT NOT NULL DEFAULT 'free',
	balance           INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
	monthly_allowance INTEGER NOT NULL DEFAULT 0,
	next_reset_at     DATETIME,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id          TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL REFERENCES accounts(id),
	job_id      TEXT,
	kind        TEXT NOT NULL,
	amount      INTEGER NOT NULL CHECK (amount >= 0),
	delta       INTEGER NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credit_transactions_account ON credit_transactions(account_id, created_at);
CREATE INDEX IF NOT EXISTS idx_credit_transactions_job ON credit_transactions(job_id);

CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL REFERENCES accounts(id),
	project_id       TEXT NOT NULL DEFAULT '',
	type             TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	total_items      INTEGER NOT NULL CHECK (total_items >= 1),
	completed_items  INTEGER NOT NULL DEFAULT 0,
	failed_items     INTEGER NOT NULL DEFAULT 0,
	credits_reserved INTEGER NOT NULL DEFAULT 0,
	credits_spent    INTEGER NOT NULL DEFAULT 0,
	credits_refunded INTEGER NOT NULL DEFAULT 0,
	refund_issued    INTEGER NOT NULL DEFAULT 0,
	metadata         TEXT NOT NULL DEFAULT '{}',
	created_at       DATETIME NOT NULL,
	started_at       DATETIME,
	completed_at     DATETIME,
	CHECK (completed_items + failed_items <= total_items),
	CHECK (credits_spent <= credits_reserved)
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS job_items (
	id           TEXT PRIMARY KEY,
	job_id       TEXT NOT NULL REFERENCES jobs(id),
	target_ref   TEXT NOT NULL DEFAULT '',
	prompt       TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'pending',
	artifact_ref TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	attempts     INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_items_job ON job_items(job_id);
CREATE INDEX IF NOT EXISTS idx_job_items_status ON job_items(status, created_at);

CREATE TABLE IF NOT EXISTS job_settlements (
	job_id     TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	reserved   INTEGER NOT NULL,
	spent      INTEGER NOT NULL,
	refunded   INTEGER NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS billing_events (
	event_id     TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	account_id   TEXT NOT NULL DEFAULT '',
	processed_at DATETIME NOT NULL
);
`

// Store owns the embedded database handle shared by both repositories.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at url and applies the schema.
func Open(url string) (*Store, error) {
	db, err := infra.OpenSQLite(url)
	if err != nil {
		return nil, err
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle and applies the schema.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// SetClock replaces the time source; tests use it to age jobs.
func (s *Store) SetClock(now func() time.Time) {
	s.now = func() time.Time { return now().UTC() }
}

// Ledger returns the ledger repository view of the store.
func (s *Store) Ledger() *LedgerStore { return &LedgerStore{s} }

// Jobs returns the job repository view of the store.
func (s *Store) Jobs() *JobStore { return &JobStore{s} }

// Ping checks that the database handle is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// dbTime scans timestamps whether the driver hands back a time.Time or the
// stored text, which happens for RETURNING columns.
type dbTime struct {
	Time  time.Time
	Valid bool
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (d *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = dbTime{}
		return nil
	case time.Time:
		*d = dbTime{Time: v.UTC(), Valid: true}
		return nil
	case []byte:
		return d.parse(string(v))
	case string:
		return d.parse(v)
	default:
		return fmt.Errorf("sqlite: cannot scan %T into time", src)
	}
}

func (d *dbTime) parse(s string) error {
	s = strings.TrimSuffix(s, " +0000 UTC")
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*d = dbTime{Time: t.UTC(), Valid: true}
			return nil
		}
	}
	return fmt.Errorf("sqlite: unrecognised time %q", s)
}

func timePtr(v dbTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

var (
	_ domain.LedgerRepository = (*LedgerStore)(nil)
	_ domain.JobRepository    = (*JobStore)(nil)
)
