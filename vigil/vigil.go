// Package vigil watches snapshot health: for every live entity it compares
// the materialized snapshot against the ledger and flags disagreement —
// a missing snapshot, an observation count that no longer matches, or a
// reducer version older than the active binding. Stale entities can be
// healed inline (recompute now) or handed to the repair queue for async
// healing.
package vigil

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/veritylabs/verity/reducer"
	"github.com/veritylabs/verity/snapshot"
)

// StaleEntity is one entity whose snapshot disagrees with the ledger.
type StaleEntity struct {
	EntityID        string `json:"entity_id"`
	EntityType      string `json:"entity_type"`
	Reason          string `json:"reason"`
	LedgerCount     int64  `json:"ledger_count"`
	SnapshotCount   int64  `json:"snapshot_count"`
	ReducerVersion  int    `json:"reducer_version,omitempty"`
	ExpectedVersion int    `json:"expected_version,omitempty"`
}

// Staleness reasons.
const (
	ReasonMissing         = "snapshot_missing"
	ReasonCountMismatch   = "observation_count_mismatch"
	ReasonReducerOutdated = "reducer_version_outdated"
)

// HealthReport summarizes one sweep over the entity population.
type HealthReport struct {
	Healthy       bool          `json:"healthy"`
	Checked       int           `json:"checked"`
	Stale         int           `json:"stale"`
	Healed        int           `json:"healed"`
	StaleEntities []StaleEntity `json:"stale_entities,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
}

// Enqueuer hands a stale entity to an async repair worker.
type Enqueuer interface {
	Enqueue(ctx context.Context, entityID, reason string) error
}

// Monitor runs snapshot health sweeps.
type Monitor struct {
	DB       *sql.DB
	Mat      *snapshot.Materializer
	Registry *reducer.Registry
	Interval time.Duration
	Queue    Enqueuer // optional; nil means no async handoff
	Logger   *slog.Logger

	lastSweep  atomic.Int64
	sweepCount atomic.Int64
	staleCount atomic.Int64
	healCount  atomic.Int64
}

// NewMonitor creates a Monitor. queue may be nil.
func NewMonitor(db *sql.DB, mat *snapshot.Materializer, reg *reducer.Registry, interval time.Duration, queue Enqueuer, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		DB:       db,
		Mat:      mat,
		Registry: reg,
		Interval: interval,
		Queue:    queue,
		Logger:   logger,
	}
}

// Check sweeps every live entity and reports snapshot staleness. With autoFix
// set, each stale entity is healed inline by recomputing its snapshot; heal
// failures leave the entity in the report and, when a queue is configured,
// enqueue it for retry. Tombstoned entities are skipped.
func (m *Monitor) Check(ctx context.Context, autoFix bool) (*HealthReport, error) {
	start := time.Now()
	m.sweepCount.Add(1)
	m.lastSweep.Store(start.UnixMilli())

	rows, err := m.DB.QueryContext(ctx, `
		SELECT e.id, e.entity_type,
		       (SELECT COUNT(*) FROM observations o WHERE o.entity_id = e.id),
		       COALESCE(s.observation_count, -1),
		       COALESCE(s.reducer_version, 0)
		FROM entities e
		LEFT JOIN entity_snapshots s ON s.entity_id = e.id
		WHERE e.deleted_at IS NULL
		ORDER BY e.id`)
	if err != nil {
		return nil, fmt.Errorf("vigil: sweep query: %w", err)
	}
	defer rows.Close()

	report := &HealthReport{Healthy: true}
	for rows.Next() {
		var id, entityType string
		var ledgerCount, snapCount int64
		var reducerVersion int
		if err := rows.Scan(&id, &entityType, &ledgerCount, &snapCount, &reducerVersion); err != nil {
			return nil, err
		}
		report.Checked++

		stale, ok := m.classify(id, entityType, ledgerCount, snapCount, reducerVersion)
		if !ok {
			continue
		}
		report.StaleEntities = append(report.StaleEntities, stale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, stale := range report.StaleEntities {
		m.staleCount.Add(1)
		if !autoFix {
			continue
		}
		if _, err := m.Mat.Compute(ctx, stale.EntityID); err != nil {
			m.Logger.Warn("vigil: heal failed",
				"entity_id", stale.EntityID, "reason", stale.Reason, "error", err)
			if m.Queue != nil {
				if qerr := m.Queue.Enqueue(ctx, stale.EntityID, stale.Reason); qerr != nil {
					m.Logger.Warn("vigil: enqueue failed", "entity_id", stale.EntityID, "error", qerr)
				}
			}
			continue
		}
		m.healCount.Add(1)
		report.Healed++
	}

	if autoFix {
		// Entities healed this sweep are no longer stale.
		remaining := report.StaleEntities[:0]
		for _, stale := range report.StaleEntities {
			if !m.isHealed(ctx, stale.EntityID) {
				remaining = append(remaining, stale)
			}
		}
		report.StaleEntities = remaining
	}

	report.Stale = len(report.StaleEntities)
	report.Healthy = report.Stale == 0
	report.Elapsed = time.Since(start)
	return report, nil
}

// classify decides whether a snapshot row disagrees with the ledger.
func (m *Monitor) classify(id, entityType string, ledgerCount, snapCount int64, reducerVersion int) (StaleEntity, bool) {
	// Entities with no observations owe no snapshot.
	if snapCount == -1 {
		if ledgerCount == 0 {
			return StaleEntity{}, false
		}
		return StaleEntity{
			EntityID:    id,
			EntityType:  entityType,
			Reason:      ReasonMissing,
			LedgerCount: ledgerCount,
		}, true
	}
	if snapCount != ledgerCount {
		return StaleEntity{
			EntityID:      id,
			EntityType:    entityType,
			Reason:        ReasonCountMismatch,
			LedgerCount:   ledgerCount,
			SnapshotCount: snapCount,
		}, true
	}
	if m.Registry != nil {
		if b, err := m.Registry.Active(entityType); err == nil && reducerVersion < b.Version {
			return StaleEntity{
				EntityID:        id,
				EntityType:      entityType,
				Reason:          ReasonReducerOutdated,
				LedgerCount:     ledgerCount,
				SnapshotCount:   snapCount,
				ReducerVersion:  reducerVersion,
				ExpectedVersion: b.Version,
			}, true
		}
	}
	return StaleEntity{}, false
}

func (m *Monitor) isHealed(ctx context.Context, entityID string) bool {
	var ledgerCount, snapCount int64
	err := m.DB.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM observations WHERE entity_id = ?),
		       COALESCE((SELECT observation_count FROM entity_snapshots WHERE entity_id = ?), -1)`,
		entityID, entityID).Scan(&ledgerCount, &snapCount)
	return err == nil && snapCount == ledgerCount
}

// Start runs Check on the configured interval until ctx is cancelled. The
// first sweep fires immediately. Sweeps always auto-fix.
func (m *Monitor) Start(ctx context.Context) {
	m.sweep(ctx)

	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	report, err := m.Check(ctx, true)
	if err != nil {
		m.Logger.Warn("vigil: sweep failed", "error", err)
		return
	}
	if report.Stale > 0 || report.Healed > 0 {
		m.Logger.Info("vigil: sweep",
			"checked", report.Checked, "stale", report.Stale,
			"healed", report.Healed, "elapsed", report.Elapsed)
	}
}

// Status returns a JSON-serializable summary for health endpoints.
func (m *Monitor) Status() map[string]any {
	return map[string]any{
		"last_sweep":  m.lastSweep.Load(),
		"sweep_count": m.sweepCount.Load(),
		"stale_count": m.staleCount.Load(),
		"heal_count":  m.healCount.Load(),
	}
}
