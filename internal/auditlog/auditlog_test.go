package auditlog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func countRows(t *testing.T, l *Log, status string) int {
	t.Helper()
	var n int
	row := l.db.QueryRow("SELECT COUNT(*) FROM command_log WHERE status = ?", status)
	if err := row.Scan(&n); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	return n
}

func TestRecordSuccessInsertsRow(t *testing.T) {
	l := newTestLog(t)
	l.RecordSuccess(1, "go build ./...", 3)

	if got := countRows(t, l, "success"); got != 1 {
		t.Fatalf("expected 1 success row, got %d", got)
	}
}

func TestRecordFailureInsertsRowWithError(t *testing.T) {
	l := newTestLog(t)
	l.RecordFailure(2, "go test ./...", 1, errors.New("exit status 1"))

	var errMsg string
	row := l.db.QueryRow("SELECT error FROM command_log WHERE work_id = 2")
	if err := row.Scan(&errMsg); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if errMsg != "exit status 1" {
		t.Fatalf("unexpected error column: %q", errMsg)
	}
}

func TestRecordSuccessIsIdempotentPerWorkID(t *testing.T) {
	l := newTestLog(t)
	l.RecordSuccess(5, "echo hi", 2)
	l.RecordFailure(5, "echo hi", 2, errors.New("retried and failed"))

	if got := countRows(t, l, "success"); got != 0 {
		t.Fatalf("expected the failure update to overwrite the success row, got %d success rows", got)
	}
	if got := countRows(t, l, "failure"); got != 1 {
		t.Fatalf("expected 1 failure row after upsert, got %d", got)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatalf("expected an error for empty path")
	}
}
