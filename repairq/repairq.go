// Package repairq is a SQLite-backed work queue for snapshot repair jobs.
//
// Each row names one entity whose snapshot needs rebuilding. Claimed rows are
// invisible for a configurable duration; if the holder heals the entity it
// acks (deletes) the row, and if it crashes or runs past the timeout the row
// reappears so another worker can claim it. An entity is queued at most once:
// enqueueing an already-queued entity is a no-op, so the health monitor can
// re-enqueue freely on every sweep.
//
// The queue is pure SQLite — no external broker.
package repairq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veritylabs/verity/idgen"
)

// Schema contains the DDL for the repair queue.
const Schema = `
CREATE TABLE IF NOT EXISTS repair_jobs (
    id         TEXT PRIMARY KEY,
    entity_id  TEXT NOT NULL UNIQUE,
    reason     TEXT NOT NULL DEFAULT '',
    visible_at INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    attempts   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_repair_visible ON repair_jobs (visible_at);
`

// Job is one queued repair.
type Job struct {
	ID        string
	EntityID  string
	Reason    string
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures queue behaviour.
type Options struct {
	// Visibility is how long a claimed job stays invisible. Default: 30s.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in the Run loop.
	// Default: 1s.
	PollInterval time.Duration
	// MaxAttempts limits how many times a job can be redelivered before
	// being discarded. 0 means unlimited. Default: 5.
	MaxAttempts int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle.
type Q struct {
	db    *sql.DB
	opts  Options
	newID idgen.Generator
}

// New creates a queue handle over an already-opened database whose schema
// includes Schema.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts, newID: idgen.Job}
}

// Enqueue inserts an immediately visible repair job for entityID. If the
// entity is already queued the call is a no-op and the existing job stands.
func (q *Q) Enqueue(ctx context.Context, entityID, reason string) error {
	now := time.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO repair_jobs (id, entity_id, reason, visible_at, created_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT (entity_id) DO NOTHING`,
		q.newID(), entityID, reason, now, now,
	)
	if err != nil {
		return fmt.Errorf("repairq: enqueue %s: %w", entityID, err)
	}
	return nil
}

// Claim atomically picks the oldest visible job, marks it invisible for the
// configured visibility duration, and returns it. Returns nil, nil if no job
// is available.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE repair_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM repair_jobs
			WHERE visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		)
		RETURNING id, entity_id, reason, visible_at, created_at, attempts`,
		hideUntil, now.UnixMilli(),
	)

	var j Job
	var visAt, creAt int64
	err := row.Scan(&j.ID, &j.EntityID, &j.Reason, &visAt, &creAt, &j.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return &j, nil
}

// Ack deletes a successfully processed job.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM repair_jobs WHERE id = ?`, id)
	return err
}

// Nack makes a job immediately visible again so another worker can pick it up.
func (q *Q) Nack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE repair_jobs SET visible_at = 0 WHERE id = ?`, id)
	return err
}

// Extend pushes the visibility timeout forward for a job that needs more
// processing time.
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	hideUntil := time.Now().Add(extra).UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`UPDATE repair_jobs SET visible_at = ? WHERE id = ?`, hideUntil, id)
	return err
}

// Len returns the total number of jobs, visible or claimed.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM repair_jobs`).Scan(&n)
	return n, err
}

// Healer rebuilds one entity's snapshot. Return nil to ack the job, non-nil
// to nack it for redelivery.
type Healer func(ctx context.Context, entityID string) error

// Run polls for visible jobs and heals each one. It blocks until ctx is
// cancelled.
func (q *Q) Run(ctx context.Context, heal Healer) {
	log := q.opts.Logger
	log.Info("repairq: worker started",
		"visibility", q.opts.Visibility, "poll", q.opts.PollInterval)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("repairq: worker stopped")
			return
		case <-ticker.C:
			q.poll(ctx, heal, log)
		}
	}
}

func (q *Q) poll(ctx context.Context, heal Healer, log *slog.Logger) {
	for {
		job, err := q.Claim(ctx)
		if err != nil {
			log.Warn("repairq: claim failed", "error", err)
			return
		}
		if job == nil {
			return // nothing visible
		}

		if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
			log.Warn("repairq: job exceeded max attempts, discarding",
				"id", job.ID, "entity_id", job.EntityID, "attempts", job.Attempts)
			_ = q.Ack(ctx, job.ID)
			continue
		}

		if err := heal(ctx, job.EntityID); err != nil {
			log.Warn("repairq: heal failed, nacking",
				"id", job.ID, "entity_id", job.EntityID, "error", err)
			_ = q.Nack(ctx, job.ID)
		} else {
			_ = q.Ack(ctx, job.ID)
		}
	}
}
