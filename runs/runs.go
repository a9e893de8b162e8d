// Package runs tracks extraction runs, the upstream processes that produce
// observation candidates. A run moves pending → running → one of
// {completed, failed, timed_out}. Liveness is a heartbeat against a
// deadline; a run that goes quiet past its deadline is marked timed_out by
// the reaper, and its partial observations stay valid — the ledger never
// retracts rows because their producing run died later.
package runs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/veritylabs/verity/idgen"
)

// Run states.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
)

// ErrNotFound is returned when a run ID does not exist.
var ErrNotFound = errors.New("runs: run not found")

// ErrTimedOut is returned when an operation targets a run already reaped.
var ErrTimedOut = errors.New("runs: run timed out")

// ErrTerminal is returned when an operation targets a completed or failed run.
var ErrTerminal = errors.New("runs: run already terminal")

// DefaultHeartbeatGrace is how long past its last heartbeat a running run
// stays protected from the reaper, even beyond its deadline.
const DefaultHeartbeatGrace = 30 * time.Second

// Schema contains the DDL for the extraction run tracker.
const Schema = `
CREATE TABLE IF NOT EXISTS extraction_runs (
    id           TEXT PRIMARY KEY,
    status       TEXT NOT NULL DEFAULT 'pending',
    deadline     INTEGER NOT NULL,
    heartbeat_at INTEGER,
    error        TEXT NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL,
    completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON extraction_runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_deadline ON extraction_runs(deadline) WHERE completed_at IS NULL;
`

// Run is one tracked extraction run.
type Run struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Deadline    int64  `json:"deadline"`
	HeartbeatAt *int64 `json:"heartbeat_at,omitempty"`
	Error       string `json:"error,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	CompletedAt *int64 `json:"completed_at,omitempty"`
}

// Tracker manages extraction run rows.
type Tracker struct {
	DB    *sql.DB
	newID idgen.Generator
	grace time.Duration
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithIDGenerator sets a custom generator for run IDs.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(t *Tracker) { t.newID = gen }
}

// WithHeartbeatGrace sets how stale a heartbeat must be before Reap will
// time out a run past its deadline. Default: DefaultHeartbeatGrace.
func WithHeartbeatGrace(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.grace = d
		}
	}
}

// NewTracker creates a Tracker over an already-opened database.
func NewTracker(db *sql.DB, opts ...Option) *Tracker {
	t := &Tracker{DB: db, newID: idgen.Run, grace: DefaultHeartbeatGrace}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Create registers a pending run that must finish within timeout.
func (t *Tracker) Create(ctx context.Context, timeout time.Duration) (string, error) {
	id := t.newID()
	now := time.Now()
	_, err := t.DB.ExecContext(ctx, `
		INSERT INTO extraction_runs (id, status, deadline, created_at)
		VALUES (?,?,?,?)`,
		id, StatusPending, now.Add(timeout).UnixMilli(), now.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("runs: create: %w", err)
	}
	return id, nil
}

// Begin transitions a pending run to running and records its first heartbeat.
func (t *Tracker) Begin(ctx context.Context, id string) error {
	res, err := t.DB.ExecContext(ctx, `
		UPDATE extraction_runs SET status = ?, heartbeat_at = ?
		WHERE id = ? AND status = ?`,
		StatusRunning, time.Now().UnixMilli(), id, StatusPending)
	if err != nil {
		return fmt.Errorf("runs: begin: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return t.explain(ctx, id)
	}
	return nil
}

// Heartbeat refreshes a running run's liveness marker. A run past its
// deadline survives the reaper as long as its heartbeat stays fresh.
func (t *Tracker) Heartbeat(ctx context.Context, id string) error {
	res, err := t.DB.ExecContext(ctx, `
		UPDATE extraction_runs SET heartbeat_at = ?
		WHERE id = ? AND status = ?`,
		time.Now().UnixMilli(), id, StatusRunning)
	if err != nil {
		return fmt.Errorf("runs: heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return t.explain(ctx, id)
	}
	return nil
}

// Complete marks a running run completed.
func (t *Tracker) Complete(ctx context.Context, id string) error {
	return t.finish(ctx, id, StatusCompleted, "")
}

// Fail marks a running run failed with a reason.
func (t *Tracker) Fail(ctx context.Context, id, reason string) error {
	return t.finish(ctx, id, StatusFailed, reason)
}

func (t *Tracker) finish(ctx context.Context, id, status, reason string) error {
	res, err := t.DB.ExecContext(ctx, `
		UPDATE extraction_runs SET status = ?, error = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		status, reason, time.Now().UnixMilli(), id, StatusPending, StatusRunning)
	if err != nil {
		return fmt.Errorf("runs: finish: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return t.explain(ctx, id)
	}
	return nil
}

// Get returns one run.
func (t *Tracker) Get(ctx context.Context, id string) (*Run, error) {
	row := t.DB.QueryRowContext(ctx, `
		SELECT id, status, deadline, heartbeat_at, error, created_at, completed_at
		FROM extraction_runs WHERE id = ?`, id)

	var r Run
	var hb, completed sql.NullInt64
	err := row.Scan(&r.ID, &r.Status, &r.Deadline, &hb, &r.Error, &r.CreatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if hb.Valid {
		r.HeartbeatAt = &hb.Int64
	}
	if completed.Valid {
		r.CompletedAt = &completed.Int64
	}
	return &r, nil
}

// Reap marks every pending or running run past its deadline whose heartbeat
// has also gone quiet as timed_out. A run still heartbeating is left alone
// even beyond its deadline; it dies only once heartbeats stop for the grace
// window. Returns the number of runs reaped. Observations already written by
// those runs are untouched.
func (t *Tracker) Reap(ctx context.Context) (int64, error) {
	now := time.Now()
	res, err := t.DB.ExecContext(ctx, `
		UPDATE extraction_runs SET status = ?, completed_at = ?
		WHERE status IN (?, ?) AND deadline < ?
		  AND (heartbeat_at IS NULL OR heartbeat_at < ?)`,
		StatusTimedOut, now.UnixMilli(),
		StatusPending, StatusRunning, now.UnixMilli(),
		now.Add(-t.grace).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("runs: reap: %w", err)
	}
	return res.RowsAffected()
}

// explain turns a zero-rows-affected update into the precise sentinel.
func (t *Tracker) explain(ctx context.Context, id string) error {
	r, err := t.Get(ctx, id)
	if err != nil {
		return err
	}
	switch r.Status {
	case StatusTimedOut:
		return fmt.Errorf("%w: %s", ErrTimedOut, id)
	case StatusCompleted, StatusFailed:
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, r.Status)
	default:
		return fmt.Errorf("runs: %s in unexpected state %s", id, r.Status)
	}
}
