package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/scriptbatch/internal/runner"
	"github.com/mattjoyce/scriptbatch/internal/state"
	"github.com/mattjoyce/scriptbatch/internal/webhook"
)

func newRunID() string { return uuid.NewString() }

// claim reserves the single run slot. It returns the id of the run already
// in progress when the slot is taken.
func (s *Server) claim() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != "" {
		return s.current, false
	}
	s.current = s.newID()
	return s.current, true
}

func (s *Server) release() {
	s.mu.Lock()
	s.current = ""
	s.mu.Unlock()
}

func (s *Server) running() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// handleStartRun handles POST /runs. With ?wait=true the response carries
// the outcome; otherwise the run continues in the background.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	wait := false
	if v := r.URL.Query().Get("wait"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "wait must be a boolean")
			return
		}
		wait = b
	}

	runID, ok := s.claim()
	if !ok {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("run %s is already in progress", runID))
		return
	}

	if wait {
		defer s.release()
		res, err := s.runs.RunAs(r.Context(), runID)
		code, resp := outcomeResponse(runID, res, err)
		respondJSON(w, code, resp)
		return
	}

	s.background(runID, "api")
	respondJSON(w, http.StatusAccepted, RunResponse{RunID: runID, Status: statusAccepted})
}

// background runs runID detached from the request. The claimed slot is
// released when it ends.
func (s *Server) background(runID, source string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release()
		s.logger.Info("run started", "run_id", runID, "source", source)
		if _, err := s.runs.RunAs(s.baseCtx, runID); err != nil {
			s.logger.Warn("background run ended with error", "run_id", runID, "error", err)
		}
	}()
}

// triggerWebhook starts a background run for a verified webhook delivery.
func (s *Server) triggerWebhook(_ context.Context, source string) (string, error) {
	runID, ok := s.claim()
	if !ok {
		return "", webhook.ErrBusy
	}
	s.background(runID, source)
	return runID, nil
}

func outcomeResponse(runID string, res *runner.Result, err error) (int, RunResponse) {
	resp := RunResponse{RunID: runID, Status: state.RunSucceeded}
	if res != nil {
		resp.Summary = &res.Summary
	}
	switch {
	case err == nil:
		return http.StatusOK, resp
	case errors.Is(err, runner.ErrProblems):
		resp.Status = state.RunProblems
		resp.Error = err.Error()
		return http.StatusOK, resp
	default:
		resp.Status = state.RunFailed
		resp.Error = err.Error()
		return http.StatusInternalServerError, resp
	}
}

// handleLatestRun handles GET /runs/latest.
func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.history.LatestRun(r.Context(), s.config.Task)
	if err != nil {
		s.logger.Error("failed to load latest run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load latest run")
		return
	}
	if run == nil {
		s.writeError(w, http.StatusNotFound, "no runs recorded")
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	current := s.running()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Task:          s.config.Task,
		Running:       current != "",
		CurrentRunID:  current,
	})
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
