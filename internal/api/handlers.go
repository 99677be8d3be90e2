package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"rmtree/internal/api/middleware"
	"rmtree/internal/metrics"
	"rmtree/internal/scheduler"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 1000
	defaultStatsDays = 7
)

// ErrorResponse represents an error message
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// RemoveRequest is the body of POST /remove.
type RemoveRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	status := http.StatusOK
	if hc := metrics.GetHealthChecker(); hc != nil {
		body["components"] = hc.Status()
		if !hc.IsHealthy() {
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	respondJSON(w, body, status)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		respondError(w, "history disabled", http.StatusServiceUnavailable)
		return
	}
	limit, err := intParam(r, "limit", defaultRunsLimit, maxRunsLimit)
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	fetch := s.deps.History.RecentRuns
	if r.URL.Query().Get("failed") == "true" {
		fetch = s.deps.History.FailedRuns
	}
	runs, err := fetch(r.Context(), limit)
	if err != nil {
		s.internalError(w, "list runs", err)
		return
	}
	respondJSON(w, runs, http.StatusOK)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		respondError(w, "history disabled", http.StatusServiceUnavailable)
		return
	}
	id, ok := runID(w, r)
	if !ok {
		return
	}
	run, err := s.deps.History.Run(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		respondError(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, "get run", err)
		return
	}
	respondJSON(w, run, http.StatusOK)
}

func (s *Server) handleRunFailures(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		respondError(w, "history disabled", http.StatusServiceUnavailable)
		return
	}
	id, ok := runID(w, r)
	if !ok {
		return
	}
	if _, err := s.deps.History.Run(r.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, "run not found", http.StatusNotFound)
		} else {
			s.internalError(w, "get run", err)
		}
		return
	}
	failures, err := s.deps.History.FailuresForRun(r.Context(), id)
	if err != nil {
		s.internalError(w, "list failures", err)
		return
	}
	respondJSON(w, failures, http.StatusOK)
}

// runID parses the {id} route variable, answering 400 if it does not fit an int64.
func runID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, "invalid run id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		respondError(w, "history disabled", http.StatusServiceUnavailable)
		return
	}
	days, err := intParam(r, "days", defaultStatsDays, 3650)
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	stats, err := s.deps.History.Stats(r.Context(), days)
	if err != nil {
		s.internalError(w, "stats", err)
		return
	}
	respondJSON(w, stats, http.StatusOK)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.deps.Config(), http.StatusOK)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Trigger(scheduler.TriggerAPI) {
		respondError(w, "sweep unavailable or already pending", http.StatusServiceUnavailable)
		return
	}
	respondJSON(w, map[string]string{"status": "triggered"}, http.StatusAccepted)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req RemoveRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	user := ""
	if claims, ok := middleware.GetClaims(r); ok {
		user = claims.Username
	}

	res, err := s.deps.Remover.RemovePath(r.Context(), req.Path, scheduler.TriggerAPI)
	switch {
	case errors.Is(err, scheduler.ErrInvalidTarget):
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, scheduler.ErrRefused):
		s.log.Warn().Str("user", user).Str("path", req.Path).Err(err).Msg("api removal refused")
		respondError(w, err.Error(), http.StatusForbidden)
		return
	case err != nil:
		s.internalError(w, "remove", err)
		return
	}

	s.log.Info().Str("user", user).Str("path", res.Root).Bool("ok", res.OK).Msg("api removal")
	respondJSON(w, res, http.StatusOK)
}

func (s *Server) internalError(w http.ResponseWriter, what string, err error) {
	s.log.Error().Err(err).Msg(what + " failed")
	metrics.ErrorsTotal.Inc()
	respondError(w, "internal error", http.StatusInternalServerError)
}

// intParam reads a positive integer query parameter, capped at ceiling.
func intParam(r *http.Request, name string, def, ceiling int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New(name + " must be a positive integer")
	}
	return min(n, ceiling), nil
}

func respondJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, ErrorResponse{Error: message, Code: status}, status)
}
