package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/gridsearch"
	"github.com/atlas-desktop/backtest-lab/internal/jobs"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// handleStartRun enqueues a job of the route's kind. Validation happens
// synchronously inside Enqueue; the response never waits on the engine.
func (s *Server) handleStartRun(route runRoute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		config := route.config()
		if err := json.NewDecoder(r.Body).Decode(config); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}

		ticket, err := s.deps.Queue.Enqueue(route.kind, config)
		if err != nil {
			s.writeEnqueueError(w, err)
			return
		}

		s.logger.Info("Run enqueued",
			zap.String("kind", string(route.kind)),
			zap.String("runId", ticket.RunID))

		data := map[string]any{
			"runId":         ticket.RunID,
			"estimatedWork": ticket.EstimatedWork,
			"enqueuedAt":    time.Now().UTC().Format(time.RFC3339Nano),
		}
		// The grid ceiling applies to parameter combinations; estimated
		// work counts per-symbol backtest units. Report the former.
		if cfg, ok := config.(*types.OptimizationConfig); ok {
			data["totalCombinations"] = cfg.TotalCombinations()
		}
		s.writeSuccess(w, http.StatusAccepted, data)
	}
}

func (s *Server) writeEnqueueError(w http.ResponseWriter, err error) {
	var tooMany *gridsearch.TooManyCombinationsError
	if errors.As(err, &tooMany) {
		s.writeError(w, http.StatusUnprocessableEntity, "too_many_combinations", tooMany.Error())
		return
	}
	var busy *jobs.BusyError
	if errors.As(err, &busy) {
		s.writeError(w, http.StatusConflict, "queue_busy", busy.Error())
		return
	}
	s.writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
}

// handleRunStatus reports the job snapshot, including progress percent
// and the last heartbeat timestamp.
func (s *Server) handleRunStatus(route runRoute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := mux.Vars(r)["runId"]

		snap, err := s.deps.Queue.Status(runID)
		if err != nil || snap.Kind != route.kind {
			s.writeError(w, http.StatusNotFound, "not_found", "unknown run "+runID)
			return
		}

		s.writeSuccess(w, http.StatusOK, snap)
	}
}

// handleRunResults serves the stored preview, or the full artifact with
// ?full=true. Terminal runs only; FAILED and ABORTED runs may still carry
// partial output alongside their error.
func (s *Server) handleRunResults(route runRoute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := mux.Vars(r)["runId"]

		artifact, snap, err := s.deps.Queue.Results(runID)
		if errors.Is(err, jobs.ErrUnknownRun) {
			s.writeError(w, http.StatusNotFound, "not_found", "unknown run "+runID)
			return
		}
		if errors.Is(err, jobs.ErrNotFinished) {
			s.writeError(w, http.StatusConflict, "not_finished", "run "+runID+" has not finished")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		if snap.Kind != route.kind {
			s.writeError(w, http.StatusNotFound, "not_found", "unknown run "+runID)
			return
		}

		payload := artifact
		if r.URL.Query().Get("full") != "true" {
			if preview, perr := s.deps.Results.Preview(runID); perr == nil {
				payload = preview
			}
		} else if full, ferr := s.deps.Results.Artifact(runID); ferr == nil {
			payload = full
		}

		s.writeSuccess(w, http.StatusOK, map[string]any{
			"runId":  runID,
			"status": snap,
			"result": payload,
		})
	}
}

// handleAbortRun requests cooperative cancellation of a queued or
// running job.
func (s *Server) handleAbortRun(route runRoute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := mux.Vars(r)["runId"]

		snap, err := s.deps.Queue.Status(runID)
		if err != nil || snap.Kind != route.kind {
			s.writeError(w, http.StatusNotFound, "not_found", "unknown run "+runID)
			return
		}

		if err := s.deps.Queue.Abort(runID); err != nil {
			s.writeError(w, http.StatusConflict, "already_finished", err.Error())
			return
		}

		s.logger.Info("Run abort requested",
			zap.String("kind", string(route.kind)),
			zap.String("runId", runID))

		s.writeSuccess(w, http.StatusAccepted, map[string]any{
			"runId": runID,
		})
	}
}
