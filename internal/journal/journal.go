// Package journal is the SQLite ledger of automation runs and the payments
// they produced.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/roelfdiedericks/centerhelper/internal/logging"
)

// ErrNotFound is returned by Get for an unknown request id.
var ErrNotFound = errors.New("run not found")

// Run is one journaled automation run.
type Run struct {
	RequestID    string    `json:"requestId"`
	URL          string    `json:"url"`
	Started      time.Time `json:"started"`
	Finished     time.Time `json:"finished,omitempty"`
	OK           bool      `json:"ok"`
	Paused       bool      `json:"paused,omitempty"`
	Error        string    `json:"error,omitempty"`
	Payment      string    `json:"payment,omitempty"`
	PaymentError string    `json:"paymentError,omitempty"`
}

// Done reports whether the run reached a terminal outcome.
func (r Run) Done() bool {
	return !r.Finished.IsZero() && !r.Paused
}

// Journal is safe for concurrent use.
type Journal struct {
	db   *sql.DB
	path string
}

const currentSchemaVersion = 2

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, path: path}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal migration failed: %w", err)
	}
	L_debug("journal: opened", "path", path)
	return j, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate() error {
	var version int
	if err := j.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version); err != nil {
		version = 0
	}
	if version >= currentSchemaVersion {
		return nil
	}
	L_info("journal: migrating schema", "from", version, "to", currentSchemaVersion)

	migrations := []func(*sql.DB) error{migrateV1, migrateV2}
	for i := version; i < len(migrations); i++ {
		if err := migrations[i](j.db); err != nil {
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
	}
	return nil
}

func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	INSERT INTO schema_version (version, applied_at) VALUES (1, ?);

	CREATE TABLE IF NOT EXISTS runs (
		request_id TEXT PRIMARY KEY,
		url TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		ok INTEGER NOT NULL DEFAULT 0,
		paused INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		payment TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`, time.Now().Unix())
	return err
}

func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
	ALTER TABLE runs ADD COLUMN payment_error TEXT NOT NULL DEFAULT '';
	INSERT INTO schema_version (version, applied_at) VALUES (2, ?);
	`, time.Now().Unix())
	return err
}

// RecordStart journals a newly injected run. Re-using a request id resets it.
func (j *Journal) RecordStart(requestID, url string, at time.Time) error {
	_, err := j.db.Exec(`
		INSERT INTO runs (request_id, url, started_at) VALUES (?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			url = excluded.url, started_at = excluded.started_at, finished_at = NULL,
			ok = 0, paused = 0, error = '', payment = '', payment_error = ''`,
		requestID, url, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("record start %s: %w", requestID, err)
	}
	return nil
}

// RecordOutcome stores a run's latest outcome; a pause is overwritten by
// the outcome of the resume.
func (j *Journal) RecordOutcome(requestID string, ok, paused bool, errMsg string, at time.Time) error {
	return j.update(requestID, at, `
		UPDATE runs SET ok = ?, paused = ?, error = ?, finished_at = ? WHERE request_id = ?`,
		ok, paused, errMsg, at.UnixMilli(), requestID)
}

// RecordPayment stores the payment reference, or why none was found.
func (j *Journal) RecordPayment(requestID, payment, errMsg string, at time.Time) error {
	return j.update(requestID, at, `
		UPDATE runs SET payment = ?, payment_error = ? WHERE request_id = ?`,
		payment, errMsg, requestID)
}

// update runs stmt, inserting a bare row first when the start was never
// journaled (for instance a journal opened mid-run).
func (j *Journal) update(requestID string, at time.Time, stmt string, args ...any) error {
	res, err := j.db.Exec(stmt, args...)
	if err != nil {
		return fmt.Errorf("journal %s: %w", requestID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := j.db.Exec(`INSERT OR IGNORE INTO runs (request_id, started_at) VALUES (?, ?)`, requestID, at.UnixMilli()); err != nil {
		return fmt.Errorf("journal %s: %w", requestID, err)
	}
	if _, err := j.db.Exec(stmt, args...); err != nil {
		return fmt.Errorf("journal %s: %w", requestID, err)
	}
	return nil
}

const selectRuns = `SELECT request_id, url, started_at, finished_at, ok, paused, error, payment, payment_error FROM runs`

// Get returns one run.
func (j *Journal) Get(ctx context.Context, requestID string) (Run, error) {
	row := j.db.QueryRowContext(ctx, selectRuns+` WHERE request_id = ?`, requestID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	return r, err
}

// List returns up to limit runs, newest first. limit <= 0 means all.
func (j *Journal) List(ctx context.Context, limit int) ([]Run, error) {
	q := selectRuns + ` ORDER BY started_at DESC, request_id`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		r        Run
		started  int64
		finished sql.NullInt64
	)
	if err := s.Scan(&r.RequestID, &r.URL, &started, &finished, &r.OK, &r.Paused, &r.Error, &r.Payment, &r.PaymentError); err != nil {
		return Run{}, err
	}
	r.Started = time.UnixMilli(started)
	if finished.Valid {
		r.Finished = time.UnixMilli(finished.Int64)
	}
	return r, nil
}

// Prune deletes finished runs that started before cutoff. Open and paused runs
// are kept whatever their age.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM runs WHERE finished_at IS NOT NULL AND paused = 0 AND started_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}
