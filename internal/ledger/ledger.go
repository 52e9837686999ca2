// Package ledger keeps the history of settled jobs in SQLite so runs can be
// inspected after the pool has exited.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/procpool/internal/job"
	"github.com/mattjoyce/procpool/internal/storage"
	"github.com/mattjoyce/procpool/internal/tracker"
)

// timeLayout is RFC 3339 with a fixed-width fraction so stored times sort
// lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Run is one settled job as stored in the ledger.
type Run struct {
	HandleID    string          `json:"handle_id"`
	JobID       string          `json:"job_id"`
	Builder     string          `json:"builder"`
	Status      tracker.Status  `json:"status"`
	WorkerPID   int             `json:"worker_pid,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
	Sinks       []job.Sink      `json:"sinks"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Duration returns how long the job ran, or zero if it never started.
func (r Run) Duration() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

// Filter narrows List.
type Filter struct {
	JobID  string
	Status tracker.Status
	// Limit caps the number of rows; zero means 100.
	Limit int
}

type Ledger struct {
	db *sql.DB
}

func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Open opens the ledger database at path, creating it if needed.
func Open(ctx context.Context, path string) (*Ledger, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordJob stores a terminal handle. Recording the same handle again
// replaces the row.
func (l *Ledger) RecordJob(ctx context.Context, builder string, h *tracker.Handle) error {
	status := h.Status()
	if !status.Terminal() {
		return fmt.Errorf("record job %s: status %q is not terminal", h.JobID(), status)
	}

	var result any
	if raw, err := h.Result(); err == nil && len(raw) > 0 {
		result = string(raw)
	}

	var lastError any
	if err := h.Err(); err != nil {
		lastError = err.Error()
	}

	sinks := h.Sinks()
	if sinks == nil {
		sinks = []job.Sink{}
	}
	sinksJSON, err := json.Marshal(sinks)
	if err != nil {
		return fmt.Errorf("encode sinks: %w", err)
	}

	created, started, completed := h.Times()
	var startedAt any
	if !started.IsZero() {
		startedAt = started.UTC().Format(timeLayout)
	}

	var pid any
	if p := h.WorkerPID(); p != 0 {
		pid = p
	}

	_, err = l.db.ExecContext(ctx, `
INSERT OR REPLACE INTO job_runs(
  handle_id, job_id, builder, status, worker_pid, result, last_error, sinks,
  created_at, started_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, h.ID(), h.JobID(), builder, string(status), pid, result, lastError, string(sinksJSON),
		created.UTC().Format(timeLayout), startedAt, completed.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("record job %s: %w", h.JobID(), err)
	}
	return nil
}

// List returns recorded runs, most recently completed first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Run, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var (
		where []string
		args  []any
	)
	if f.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, f.JobID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `
SELECT handle_id, job_id, builder, status, worker_pid, result, last_error, sinks,
  created_at, started_at, completed_at
FROM job_runs`
	if len(where) > 0 {
		query += "\nWHERE " + strings.Join(where, " AND ")
	}
	query += "\nORDER BY completed_at DESC, rowid DESC\nLIMIT ?;"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

// Prune deletes runs completed before now minus retention and returns how
// many were removed. A zero retention keeps everything.
func (l *Ledger) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-retention).Format(timeLayout)

	res, err := l.db.ExecContext(ctx, `DELETE FROM job_runs WHERE completed_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return n, nil
}

func scanRun(rows *sql.Rows) (Run, error) {
	var (
		r            Run
		statusS      string
		pid          sql.NullInt64
		result       sql.NullString
		lastError    sql.NullString
		sinksS       string
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS string
	)
	if err := rows.Scan(
		&r.HandleID, &r.JobID, &r.Builder, &statusS, &pid, &result, &lastError, &sinksS,
		&createdAtS, &startedAtS, &completedAtS,
	); err != nil {
		return Run{}, fmt.Errorf("scan run: %w", err)
	}

	r.Status = tracker.Status(statusS)
	if pid.Valid {
		r.WorkerPID = int(pid.Int64)
	}
	if result.Valid {
		r.Result = json.RawMessage(result.String)
	}
	if lastError.Valid {
		r.LastError = &lastError.String
	}
	if err := json.Unmarshal([]byte(sinksS), &r.Sinks); err != nil {
		return Run{}, fmt.Errorf("decode sinks of %s: %w", r.HandleID, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		r.CreatedAt = t
	}
	if startedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAtS.String); err == nil {
			r.StartedAt = &t
		}
	}
	t, err := time.Parse(time.RFC3339Nano, completedAtS)
	if err != nil {
		return Run{}, fmt.Errorf("parse completed_at of %s: %w", r.HandleID, err)
	}
	r.CompletedAt = t
	return r, nil
}
