package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/sherpa-gw/internal/events"
	"github.com/mattjoyce/sherpa-gw/internal/history"
	"github.com/mattjoyce/sherpa-gw/internal/jobs"
	"github.com/mattjoyce/sherpa-gw/internal/lifecycle"
)

const defaultHistoryLimit = 50

// handleHealthz handles GET /healthz (no auth). It answers 503 while the
// gateway is not registered with its hub.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		JobsRunning:   len(s.deps.Jobs.Snapshot()),
	}
	code := http.StatusOK
	if b := s.deps.Bus; b != nil {
		st := b.State()
		resp.BusState = st.String()
		resp.Reconnects = b.Reconnects()
		if seen := b.LastSeen(); !seen.IsZero() {
			seen = seen.UTC()
			resp.LastSeen = &seen
		}
		if st != lifecycle.Registered {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	respondJSON(w, code, resp)
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"operations": s.deps.Operations})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	live := s.deps.Jobs.Snapshot()
	if live == nil {
		live = []jobs.JobInfo{}
	}
	respondJSON(w, http.StatusOK, JobsResponse{Jobs: live})
}

// handleHistory handles GET /jobs/history?class=&outcome=&limit=.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		s.writeError(w, http.StatusNotFound, "job history is disabled")
		return
	}
	q := r.URL.Query()
	f := history.Filter{Class: q.Get("class"), Outcome: q.Get("outcome"), Limit: defaultHistoryLimit}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}
	entries, err := s.deps.History.List(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to list job history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list job history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	respondJSON(w, http.StatusOK, HistoryResponse{Jobs: entries})
}

// handleGetJob looks the id up among live jobs first, then in history.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	for _, j := range s.deps.Jobs.Snapshot() {
		if j.ID == jobID {
			j := j
			respondJSON(w, http.StatusOK, JobResponse{JobID: jobID, Status: "running", Live: &j})
			return
		}
	}
	if s.deps.History == nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	e, err := s.deps.History.Get(r.Context(), jobID)
	if errors.Is(err, history.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to retrieve job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}
	respondJSON(w, http.StatusOK, JobResponse{JobID: jobID, Status: e.Outcome, Finished: &e})
}

// handleCancel handles POST /jobs/{class}/cancel. It behaves like the
// class's stop operation: each cancelled request gets its stop reply.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	class := jobs.Class(chi.URLParam(r, "class"))
	switch class {
	case jobs.ClassFit, jobs.ClassConfidence, jobs.ClassStatistic:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown job class")
		return
	}
	cancelled := s.deps.Jobs.CancelAll(class)
	ids := make([]string, 0, len(cancelled))
	for _, j := range cancelled {
		ids = append(ids, j.ID)
	}
	s.logger.Info("jobs cancelled via api", "class", string(class), "count", len(ids))
	if s.deps.Events != nil {
		s.deps.Events.Publish(events.TypeStopRequested, map[string]any{"class": class, "jobs": ids, "source": "api"})
	}
	respondJSON(w, http.StatusOK, CancelResponse{Class: string(class), Cancelled: ids})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
