// Package auditlog is the durable, best-effort record of terminal command
// outcomes described in SPEC_FULL.md §4.L: a SQLite-backed append-only
// trail kept orthogonal to the in-memory Work Queue. It implements
// engine.AuditSink, so a write failure is logged and swallowed — it must
// never block or fail the engine loop. Table shape and bootstrap pattern
// are adapted from the teacher's internal/storage.OpenSQLite/
// BootstrapSQLite, trimmed down to the one table this service needs.
package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mattjoyce/dispatchd/internal/log"
)

// Log is a SQLite-backed engine.AuditSink.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the SQLite database at path and ensures
// the command_log table exists.
func Open(ctx context.Context, path string) (*Log, error) {
	if path == "" {
		return nil, fmt.Errorf("auditlog: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("auditlog: create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("auditlog: open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("auditlog: set busy_timeout: %w", err)
	}
	if err := bootstrap(pctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Log{db: db, logger: log.WithComponent("auditlog")}, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	const stmt = `CREATE TABLE IF NOT EXISTS command_log (
  work_id         INTEGER PRIMARY KEY,
  command         TEXT NOT NULL,
  requester_count INTEGER NOT NULL,
  status          TEXT NOT NULL,
  started_at      TEXT NOT NULL,
  completed_at    TEXT NOT NULL,
  error           TEXT
);`
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("auditlog: bootstrap: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}

// RecordSuccess implements engine.AuditSink.
func (l *Log) RecordSuccess(workID uint64, command string, requesterCount int) {
	l.insert(workID, command, requesterCount, "success", "")
}

// RecordFailure implements engine.AuditSink.
func (l *Log) RecordFailure(workID uint64, command string, requesterCount int, err error) {
	l.insert(workID, command, requesterCount, "failure", err.Error())
}

func (l *Log) insert(workID uint64, command string, requesterCount int, status, errMsg string) {
	const stmt = `INSERT INTO command_log
		(work_id, command, requester_count, status, started_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(work_id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			error = excluded.error`

	now := time.Now().UTC().Format(time.RFC3339Nano)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var errVal any
	if errMsg != "" {
		errVal = errMsg
	}

	if _, err := l.db.ExecContext(ctx, stmt, workID, command, requesterCount, status, now, now, errVal); err != nil {
		l.logger.Warn("audit write failed", "work_id", workID, "status", status, "error", err)
	}
}
