package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/qualys/envdb/internal/access"
	"github.com/qualys/envdb/internal/auth"
	"github.com/qualys/envdb/internal/datasync"
	"github.com/qualys/envdb/internal/models"
	"github.com/qualys/envdb/internal/queue"
	"github.com/qualys/envdb/internal/scheduler"
)

// healthCheck answers with the bare health report so probes can read status directly.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.app.DB.Health(r.Context())
	s.app.Notifier.HealthChanged(r.Context(), report)

	status := http.StatusOK
	if report.Status == models.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(report)
}

func (s *Server) getCurrentCaller(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFromContext(r.Context())
	respondJSON(w, http.StatusOK, caller)
}

type syncRequest struct {
	Source   models.Environment `json:"source"`
	Target   models.Environment `json:"target"`
	Options  json.RawMessage    `json:"options,omitempty"`
	Priority int                `json:"priority"`
}

// triggerSync enqueues the sync when a queue is configured and runs it inline otherwise.
func (s *Server) triggerSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Source == "" || req.Target == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "source and target are required")
		return
	}

	opts := datasync.DefaultOptions()
	if len(req.Options) > 0 {
		dec := json.NewDecoder(bytes.NewReader(req.Options))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_options", err.Error())
			return
		}
	}
	caller, _ := auth.CallerFromContext(r.Context())

	if q := s.app.Queue; q != nil {
		queued := &queue.Request{
			Source:      req.Source,
			Target:      req.Target,
			Options:     opts,
			RequestedBy: caller,
			Priority:    req.Priority,
		}
		if err := q.Enqueue(r.Context(), queued); err != nil {
			respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]string{"requestId": queued.ID, "status": string(queue.StatusPending)})
		return
	}

	opts.Caller = caller
	result, err := s.app.Sync.SyncData(r.Context(), req.Source, req.Target, opts)
	if err != nil {
		s.respondSyncRefusal(w, err)
		return
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	respondJSON(w, status, result)
}

func (s *Server) respondSyncRefusal(w http.ResponseWriter, err error) {
	var denied *access.DeniedError
	switch {
	case errors.As(err, &denied):
		respondError(w, http.StatusForbidden, "access_denied", err.Error())
	case errors.Is(err, datasync.ErrSyncInProgress):
		respondError(w, http.StatusConflict, "sync_in_progress", err.Error())
	case errors.Is(err, datasync.ErrProductionTarget),
		errors.Is(err, datasync.ErrSameEnvironment),
		errors.Is(err, datasync.ErrDirectionNotAllowed):
		respondError(w, http.StatusBadRequest, "invalid_direction", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "sync_error", err.Error())
	}
}

func (s *Server) listSyncResults(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.app.Sync.Results())
}

// getSync looks the id up as a sync id first, then as a queued request id.
func (s *Server) getSync(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "syncID")

	if result, ok := s.app.Sync.Result(id); ok {
		respondJSON(w, http.StatusOK, result)
		return
	}
	if q := s.app.Queue; q != nil {
		progress, err := q.GetProgress(r.Context(), id)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
			return
		}
		if progress != nil {
			respondJSON(w, http.StatusOK, progress)
			return
		}
	}
	respondError(w, http.StatusNotFound, "not_found", "sync not found")
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.app.DB.Stats())
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	if s.app.Queue == nil {
		respondError(w, http.StatusNotFound, "queue_disabled", "sync queue is not enabled")
		return
	}
	stats, err := s.app.Queue.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) recentQueries(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.app.Monitor.RecentQueries())
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.app.Scheduler.ListJobs(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.app.Scheduler.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondJobError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"job":      job,
		"nextRuns": s.app.Scheduler.GetNextRuns(job.ID, 5),
	})
}

func (s *Server) getJobExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 500 {
		limit = l
	}
	execs, err := s.app.Scheduler.Executions(r.Context(), chi.URLParam(r, "jobID"), limit)
	if err != nil {
		respondJobError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, execs)
}

func (s *Server) runJobNow(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Scheduler.RunJobNow(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		respondJobError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) enableJob(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Scheduler.EnableJob(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		respondJobError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

func (s *Server) disableJob(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Scheduler.DisableJob(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		respondJobError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func respondJobError(w http.ResponseWriter, err error) {
	if errors.Is(err, scheduler.ErrJobNotFound) {
		respondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, "job_error", err.Error())
}
