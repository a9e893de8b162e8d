package engine

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/veritylabs/verity/graph"
	"github.com/veritylabs/verity/ledger"
	"github.com/veritylabs/verity/reducer"
	"github.com/veritylabs/verity/resolver"
	"github.com/veritylabs/verity/runs"
)

// RegisterHTTP mounts the engine's HTTP surface on a chi router.
func (e *Engine) RegisterHTTP(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]any{
			"status": "ok",
			"vigil":  e.Monitor.Status(),
		})
	})

	r.Post("/api/ingest", func(w http.ResponseWriter, r *http.Request) {
		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		res, err := e.Ingest(r.Context(), req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 201, res)
	})

	r.Route("/api/entities/{entityID}", func(r chi.Router) {
		r.Get("/snapshot", func(w http.ResponseWriter, r *http.Request) {
			snap, err := e.GetSnapshot(r.Context(), chi.URLParam(r, "entityID"))
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 200, snap)
		})
		r.Get("/observations", func(w http.ResponseWriter, r *http.Request) {
			obs, err := e.ListObservations(r.Context(), chi.URLParam(r, "entityID"))
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 200, obs)
		})
		r.Get("/provenance/{field}", func(w http.ResponseWriter, r *http.Request) {
			p, err := e.Provenance(r.Context(), chi.URLParam(r, "entityID"), chi.URLParam(r, "field"))
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 200, p)
		})
		r.Post("/tombstone", func(w http.ResponseWriter, r *http.Request) {
			if err := e.Tombstone(r.Context(), chi.URLParam(r, "entityID")); err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "tombstoned"})
		})
		r.Post("/restore", func(w http.ResponseWriter, r *http.Request) {
			if err := e.Restore(r.Context(), chi.URLParam(r, "entityID")); err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "restored"})
		})
	})

	r.Post("/api/containment", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			From string `json:"from"`
			To   string `json:"to"`
			Type string `json:"type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		if err := e.AddContainment(r.Context(), req.From, req.To, req.Type); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 201, map[string]string{"status": "linked"})
	})

	r.Get("/api/graph/integrity", func(w http.ResponseWriter, r *http.Request) {
		report, err := e.ValidateGraph(r.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, report)
	})

	r.Post("/api/health/check", func(w http.ResponseWriter, r *http.Request) {
		autoFix := r.URL.Query().Get("fix") == "1"
		report, err := e.CheckHealth(r.Context(), autoFix)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, report)
	})

	r.Get("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := e.Stats(r.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, stats)
	})

	r.Route("/api/runs", func(r chi.Router) {
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			id, err := e.StartRun(r.Context())
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 201, map[string]string{"run_id": id})
		})
		r.Get("/{runID}", func(w http.ResponseWriter, r *http.Request) {
			run, err := e.Runs.Get(r.Context(), chi.URLParam(r, "runID"))
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 200, run)
		})
		r.Post("/{runID}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
			if err := e.Runs.Heartbeat(r.Context(), chi.URLParam(r, "runID")); err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "ok"})
		})
		r.Post("/{runID}/complete", func(w http.ResponseWriter, r *http.Request) {
			if err := e.Runs.Complete(r.Context(), chi.URLParam(r, "runID")); err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "completed"})
		})
		r.Post("/{runID}/fail", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Reason string `json:"reason"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			if err := e.Runs.Fail(r.Context(), chi.URLParam(r, "runID"), req.Reason); err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "failed"})
		})
	})
}

// statusFor maps domain errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, resolver.ErrNotFound),
		errors.Is(err, ledger.ErrEntityNotFound),
		errors.Is(err, runs.ErrNotFound),
		errors.Is(err, ErrNoObservations):
		return 404
	case errors.Is(err, graph.ErrConflict):
		return 409
	case errors.Is(err, runs.ErrTimedOut),
		errors.Is(err, runs.ErrTerminal):
		return 409
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ledger.ErrValidation),
		errors.Is(err, resolver.ErrInvalidInput),
		errors.Is(err, graph.ErrInvalidEdge),
		errors.Is(err, reducer.ErrUnknownReducer):
		return 400
	default:
		return 500
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
