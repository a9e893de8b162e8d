// Package engine wires the resolver, ledger, reducer registry, materializer,
// graph builder, and health monitor into one service. The write path is a
// single transaction: resolve the entity, append observations, route unknown
// fields to raw fragments, and link everything to its source — then
// rematerialize the snapshot outside the transaction.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/veritylabs/verity/dbopen"
	"github.com/veritylabs/verity/graph"
	"github.com/veritylabs/verity/ledger"
	"github.com/veritylabs/verity/observability"
	"github.com/veritylabs/verity/reducer"
	"github.com/veritylabs/verity/repairq"
	"github.com/veritylabs/verity/resolver"
	"github.com/veritylabs/verity/runs"
	"github.com/veritylabs/verity/snapshot"
	"github.com/veritylabs/verity/vigil"
)

// ErrInvalidRequest is returned for malformed ingest requests.
var ErrInvalidRequest = errors.New("engine: invalid request")

// ErrNoObservations is returned by Provenance when no observation has ever
// targeted the requested field on the entity.
var ErrNoObservations = errors.New("engine: field has no observations")

// Engine is the assembled truth engine.
type Engine struct {
	cfg Config
	db  *sql.DB
	log *slog.Logger

	Resolver *resolver.Resolver
	Ledger   *ledger.Store
	Registry *reducer.Registry
	Mat      *snapshot.Materializer
	Graph    *graph.Builder
	Runs     *runs.Tracker
	Queue    *repairq.Q
	Monitor  *vigil.Monitor
	Events   *observability.EventLogger
}

// New opens the database, applies every schema, and assembles the engine.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	reg, err := loadRegistry(cfg)
	if err != nil {
		return nil, err
	}

	db, err := dbopen.Open(cfg.DBPath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(resolver.Schema),
		dbopen.WithSchema(ledger.Schema),
		dbopen.WithSchema(snapshot.Schema),
		dbopen.WithSchema(graph.Schema),
		dbopen.WithSchema(runs.Schema),
		dbopen.WithSchema(repairq.Schema),
		dbopen.WithSchema(observability.Schema),
	)
	if err != nil {
		return nil, fmt.Errorf("engine: open db: %w", err)
	}

	lg := ledger.NewStore(db)
	mat := snapshot.NewMaterializer(db, lg, reg)
	queue := repairq.New(db, repairq.Options{
		Visibility:  cfg.RepairVisibility,
		MaxAttempts: cfg.RepairMaxAttempts,
		Logger:      logger,
	})

	e := &Engine{
		cfg:      cfg,
		db:       db,
		log:      logger,
		Resolver: resolver.New(db, resolver.WithKnownTypes(reg.Types())),
		Ledger:   lg,
		Registry: reg,
		Mat:      mat,
		Graph:    graph.NewBuilder(db),
		Runs:     runs.NewTracker(db, runs.WithHeartbeatGrace(cfg.HeartbeatGrace)),
		Queue:    queue,
		Monitor:  vigil.NewMonitor(db, mat, reg, cfg.SweepInterval, queue, logger),
		Events:   observability.NewEventLogger(db),
	}
	return e, nil
}

func loadRegistry(cfg Config) (*reducer.Registry, error) {
	if cfg.BindingsPath != "" {
		return reducer.LoadBindingsFile(cfg.BindingsPath)
	}
	if cfg.Bindings != "" {
		return reducer.ParseBindings([]byte(cfg.Bindings))
	}
	return nil, errors.New("engine: no reducer bindings configured")
}

// DB exposes the underlying handle for status endpoints.
func (e *Engine) DB() *sql.DB { return e.db }

// Close releases the database.
func (e *Engine) Close() error { return e.db.Close() }

// Start launches the background workers: the health sweep loop, the repair
// queue worker, the run reaper, heartbeat writers, and observability
// retention cleanup. Blocks until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	go e.reapLoop(ctx)
	go e.retentionLoop(ctx)
	go e.Queue.Run(ctx, func(ctx context.Context, entityID string) error {
		if _, err := e.Mat.Compute(ctx, entityID); err != nil {
			return err
		}
		e.Events.LogEvent(ctx, observability.BusinessEvent{
			EventType: observability.EventSnapshotHealed,
			EntityID:  entityID,
			Action:    "repair_worker",
			Success:   true,
		})
		return nil
	})

	hb := observability.NewHeartbeatWriter(e.db, "vigil", 15*time.Second)
	hb.Start(ctx)
	defer hb.Stop()

	e.Monitor.Start(ctx)
}

// reapLoop times out overdue extraction runs and records the event.
func (e *Engine) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.Runs.Reap(ctx)
			if err != nil {
				e.log.Warn("engine: run reap failed", "error", err)
				continue
			}
			if n > 0 {
				e.log.Info("engine: reaped stale runs", "count", n)
				e.Events.LogEvent(ctx, observability.BusinessEvent{
					EventType: observability.EventRunTimedOut,
					Action:    "reaper",
					Details:   mustJSON(map[string]any{"count": n}),
					Success:   true,
				})
			}
		}
	}
}

// retentionLoop prunes old observability rows once an hour.
func (e *Engine) retentionLoop(ctx context.Context) {
	days := int(e.cfg.EventRetention / (24 * time.Hour))
	if days <= 0 {
		days = 1
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := observability.Cleanup(ctx, e.db, observability.RetentionConfig{
				EventLogsDays:  days,
				HeartbeatsDays: 7,
			})
			if err != nil {
				e.log.Warn("engine: retention cleanup failed", "error", err)
			}
		}
	}
}

// IngestRequest is one batch of extracted fields about one entity.
type IngestRequest struct {
	EntityType  string            `json:"entity_type"`
	IdentityKey string            `json:"identity_key"`
	SourceID    string            `json:"source_id"`
	RunID       string            `json:"run_id,omitempty"`
	Priority    int               `json:"priority,omitempty"`
	Fields      map[string]string `json:"fields"`
	EventType   string            `json:"event_type,omitempty"`
	EventTS     int64             `json:"event_ts,omitempty"`
}

// IngestResult reports what one ingestion wrote.
type IngestResult struct {
	EntityID       string                   `json:"entity_id"`
	Created        bool                     `json:"created"`
	ObservationIDs map[string]string        `json:"observation_ids"`
	UnknownFields  []string                 `json:"unknown_fields,omitempty"`
	EventID        string                   `json:"event_id,omitempty"`
	Snapshot       *snapshot.EntitySnapshot `json:"snapshot"`
}

// Ingest resolves the entity, appends one observation per declared field,
// stores undeclared fields as raw fragments, links the source into the graph,
// and rematerializes the snapshot. Resolution, appends, fragments, and edges
// share one transaction: a failure anywhere leaves no partial write.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if req.SourceID == "" {
		return nil, fmt.Errorf("%w: source_id is required", ErrInvalidRequest)
	}
	if len(req.Fields) == 0 {
		return nil, fmt.Errorf("%w: at least one field is required", ErrInvalidRequest)
	}
	if req.Priority == 0 {
		req.Priority = ledger.PriorityExtraction
	}

	binding, err := e.Registry.Active(req.EntityType)
	if err != nil {
		return nil, err
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("engine: begin ingest: %w", err)
	}
	defer tx.Rollback()

	entityID, created, err := e.Resolver.ResolveTx(ctx, tx, req.EntityType, req.IdentityKey)
	if err != nil {
		return nil, err
	}

	res := &IngestResult{
		EntityID:       entityID,
		Created:        created,
		ObservationIDs: make(map[string]string, len(req.Fields)),
	}

	now := time.Now().UnixMilli()
	for _, field := range sortedKeys(req.Fields) {
		value := req.Fields[field]
		if !binding.Fields[field] {
			res.UnknownFields = append(res.UnknownFields, field)
			if _, err := e.Ledger.AddFragmentTx(ctx, tx, ledger.RawFragment{
				EntityID: entityID, SourceID: req.SourceID,
				RawKey: field, RawValue: value, CreatedAt: now,
			}); err != nil {
				return nil, err
			}
			continue
		}
		obsID, err := e.Ledger.AppendTx(ctx, tx, ledger.Observation{
			EntityID: entityID, Field: field, Value: value,
			SourceID: req.SourceID, RunID: req.RunID,
			Priority: req.Priority, CreatedAt: now,
		})
		if err != nil {
			return nil, err
		}
		res.ObservationIDs[field] = obsID
	}

	var eventIDs []string
	if req.EventType != "" {
		eventID, err := e.Graph.CreateEvent(ctx, tx, req.EventType, req.EventTS, req.SourceID)
		if err != nil {
			return nil, err
		}
		res.EventID = eventID
		eventIDs = append(eventIDs, eventID)
	}
	if err := e.Graph.InsertWithGraph(ctx, tx, req.SourceID, []string{entityID}, eventIDs); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("engine: commit ingest: %w", err)
	}

	snap, err := e.Mat.Compute(ctx, entityID)
	if err != nil {
		return nil, err
	}
	res.Snapshot = snap

	if created {
		e.Events.LogEvent(ctx, observability.BusinessEvent{
			EventType:  observability.EventEntityCreated,
			EntityType: req.EntityType,
			EntityID:   entityID,
			Action:     "ingest",
			Success:    true,
		})
	}
	e.Events.LogEvent(ctx, observability.BusinessEvent{
		EventType:  observability.EventObservationAppended,
		EntityType: req.EntityType,
		EntityID:   entityID,
		Action:     "ingest",
		Details:    mustJSON(map[string]any{"source_id": req.SourceID, "fields": len(res.ObservationIDs)}),
		Success:    true,
	})
	return res, nil
}

// GetSnapshot returns the materialized snapshot for an entity, computing it
// on first access. A tombstoned entity still reads: retirement hides an
// entity from health sweeps, not from provenance queries.
func (e *Engine) GetSnapshot(ctx context.Context, entityID string) (*snapshot.EntitySnapshot, error) {
	snap, err := e.Mat.Get(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		return snap, nil
	}
	return e.Mat.Compute(ctx, entityID)
}

// ListObservations returns the full ledger history for an entity in
// deterministic order.
func (e *Engine) ListObservations(ctx context.Context, entityID string) ([]ledger.Observation, error) {
	if _, err := e.Resolver.Get(ctx, entityID); err != nil {
		return nil, err
	}
	return e.Ledger.ListByEntity(ctx, entityID)
}

// FieldProvenance is the audit trail for one field of one entity: every
// observation that ever targeted it, plus the one currently winning.
type FieldProvenance struct {
	EntityID string               `json:"entity_id"`
	Field    string               `json:"field"`
	Winner   string               `json:"winner_observation_id,omitempty"`
	Value    string               `json:"value,omitempty"`
	History  []ledger.Observation `json:"history"`
}

// Provenance explains why a field holds its current value. A field no
// observation ever targeted yields ErrNoObservations, so callers can tell
// "never observed" apart from an observed empty value.
func (e *Engine) Provenance(ctx context.Context, entityID, field string) (*FieldProvenance, error) {
	snap, err := e.GetSnapshot(ctx, entityID)
	if err != nil {
		return nil, err
	}
	all, err := e.Ledger.ListByEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	p := &FieldProvenance{EntityID: entityID, Field: field}
	for _, o := range all {
		if o.Field == field {
			p.History = append(p.History, o)
		}
	}
	if len(p.History) == 0 {
		return nil, fmt.Errorf("%w: %s on %s", ErrNoObservations, field, entityID)
	}
	p.Winner = snap.Provenance[field]
	p.Value = snap.Fields[field]
	return p, nil
}

// AddContainment inserts a PART_OF or MEMBER_OF edge, refusing cycles.
func (e *Engine) AddContainment(ctx context.Context, fromEntity, toEntity, edgeType string) error {
	return e.Graph.AddContainmentEdge(ctx, fromEntity, toEntity, edgeType)
}

// ValidateGraph runs the read-only integrity audit.
func (e *Engine) ValidateGraph(ctx context.Context) (*graph.IntegrityReport, error) {
	return e.Graph.ValidateIntegrity(ctx)
}

// CheckHealth sweeps snapshot health, optionally healing inline.
func (e *Engine) CheckHealth(ctx context.Context, autoFix bool) (*vigil.HealthReport, error) {
	report, err := e.Monitor.Check(ctx, autoFix)
	if err != nil {
		return nil, err
	}
	if autoFix && report.Healed > 0 {
		e.Events.LogEvent(ctx, observability.BusinessEvent{
			EventType: observability.EventSnapshotHealed,
			Action:    "health_check",
			Details:   mustJSON(map[string]any{"healed": report.Healed}),
			Success:   true,
		})
	}
	return report, nil
}

// Tombstone retires an entity. The ledger behind it is untouched.
func (e *Engine) Tombstone(ctx context.Context, entityID string) error {
	if err := e.Resolver.Tombstone(ctx, entityID); err != nil {
		return err
	}
	e.Events.LogEvent(ctx, observability.BusinessEvent{
		EventType: observability.EventEntityTombstoned,
		EntityID:  entityID,
		Action:    "tombstone",
		Success:   true,
	})
	return nil
}

// Restore reverses a tombstone.
func (e *Engine) Restore(ctx context.Context, entityID string) error {
	if err := e.Resolver.Restore(ctx, entityID); err != nil {
		return err
	}
	e.Events.LogEvent(ctx, observability.BusinessEvent{
		EventType: observability.EventEntityRestored,
		EntityID:  entityID,
		Action:    "restore",
		Success:   true,
	})
	return nil
}

// StartRun registers and begins a tracked extraction run.
func (e *Engine) StartRun(ctx context.Context) (string, error) {
	id, err := e.Runs.Create(ctx, e.cfg.RunTimeout)
	if err != nil {
		return "", err
	}
	if err := e.Runs.Begin(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// Stats summarizes table populations for status endpoints.
func (e *Engine) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)
	queries := map[string]string{
		"entities":     `SELECT COUNT(*) FROM entities WHERE deleted_at IS NULL`,
		"tombstoned":   `SELECT COUNT(*) FROM entities WHERE deleted_at IS NOT NULL`,
		"observations": `SELECT COUNT(*) FROM observations`,
		"snapshots":    `SELECT COUNT(*) FROM entity_snapshots`,
		"fragments":    `SELECT COUNT(*) FROM raw_fragments`,
		"events":       `SELECT COUNT(*) FROM timeline_events`,
		"repair_jobs":  `SELECT COUNT(*) FROM repair_jobs`,
	}
	for name, q := range queries {
		var n int64
		if err := e.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
			return nil, fmt.Errorf("engine: stats %s: %w", name, err)
		}
		stats[name] = n
	}
	return stats, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
