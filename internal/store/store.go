// Package store provides SQLite-backed persistence for runbox: task,
// subscription and usage records, the durable job queue table and the
// decision record log.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/runbox/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides access to the runbox SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time. A single connection also
	// serializes every transaction, which the job queue relies on.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		type TEXT NOT NULL,
		plan TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		input TEXT NOT NULL,
		output TEXT,
		error TEXT,
		sandbox_id TEXT,
		cpu_share REAL NOT NULL,
		memory_mb INTEGER NOT NULL,
		timeout_sec INTEGER NOT NULL,
		overage INTEGER NOT NULL DEFAULT 0,
		cpu_seconds REAL,
		memory_mb_seconds REAL,
		wall_seconds REAL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS jobs (
		task_id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		image TEXT NOT NULL,
		cpu_share REAL NOT NULL,
		memory_mb INTEGER NOT NULL,
		timeout_sec INTEGER NOT NULL,
		input TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'ready',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		run_after_ms INTEGER NOT NULL,
		lease_owner TEXT,
		lease_expires_ms INTEGER,
		last_error TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id)
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		owner TEXT PRIMARY KEY,
		plan TEXT NOT NULL,
		status TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS usage_records (
		owner TEXT NOT NULL,
		period TEXT NOT NULL,
		cpu_seconds REAL NOT NULL DEFAULT 0,
		memory_mb_seconds REAL NOT NULL DEFAULT 0,
		wall_seconds REAL NOT NULL DEFAULT 0,
		task_count INTEGER NOT NULL DEFAULT 0,
		overage_tasks INTEGER NOT NULL DEFAULT 0,
		cost REAL NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (owner, period)
	);

	CREATE TABLE IF NOT EXISTS usage_events (
		task_id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		period TEXT NOT NULL,
		cpu_seconds REAL NOT NULL,
		memory_mb_seconds REAL NOT NULL,
		wall_seconds REAL NOT NULL,
		overage INTEGER NOT NULL DEFAULT 0,
		cost REAL NOT NULL DEFAULT 0,
		recorded_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		task_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_owner_created ON tasks(owner, created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_owner_status ON tasks(owner, status);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(state, run_after_ms);
	CREATE INDEX IF NOT EXISTS idx_pdr_task_id ON pdr(task_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// IsTransient reports whether err is a SQLite contention error worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(ctx context.Context, action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error) {
	now := time.Now().UTC()
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		TaskID:     taskID,
		Details:    details,
		Timestamp:  now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pdr (id, action, inputs_hash, outcome, task_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.TaskID, pdr.Details, pdr.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return pdr, nil
}

// ListPDR returns decision records for a task, oldest first.
func (s *Store) ListPDR(ctx context.Context, taskID string) ([]models.PDREntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, inputs_hash, outcome, task_id, details, timestamp FROM pdr WHERE task_id = ? ORDER BY timestamp ASC, rowid ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var tid, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &tid, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.TaskID = tid.String
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
