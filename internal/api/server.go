package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"ansible-job-dashboard/internal/archive"
	"ansible-job-dashboard/internal/config"
	"ansible-job-dashboard/internal/hub"
	"ansible-job-dashboard/internal/models"
	"ansible-job-dashboard/internal/store"
	"ansible-job-dashboard/internal/telemetry"
)

// Store is the persistence surface the handlers require. *store.Store
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	CreateJob(ctx context.Context, name, scope, triggeredBy string) (models.Job, error)
	RecordProgress(ctx context.Context, jobID string, progress *float64, message, level string) (models.Job, error)
	CompleteJob(ctx context.Context, jobID, status, message string) (models.Job, error)
	ListJobs(ctx context.Context, cutoff time.Time) ([]models.Job, error)
	ListLogs(ctx context.Context, jobID string, limit, offset int) ([]models.LogEntry, error)
}

// ReportLimiter throttles inbound reports per reporter key. A nil limiter
// disables throttling.
type ReportLimiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers for report ingestion, job queries, and the
// live observer channel.
type Server struct {
	cfg      config.Config
	store    Store
	hub      *hub.Hub
	limiter  ReportLimiter
	archiver *archive.Archiver
	log      zerolog.Logger
}

// New constructs the API server. limiter and archiver may be nil.
func New(cfg config.Config, st Store, h *hub.Hub, limiter ReportLimiter, archiver *archive.Archiver, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		hub:      h,
		limiter:  limiter,
		archiver: archiver,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(corsMiddleware(s.cfg.CORSOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/api/jobs/start", s.handleStart)
	r.Post("/api/jobs/progress", s.handleProgress)
	r.Post("/api/jobs/complete", s.handleComplete)
	r.Get("/api/jobs", s.handleListJobs)
	r.Get("/api/jobs/{job_id}/logs", s.handleListLogs)
	r.Get("/ws", s.handleWS)
	return r
}

type startRequest struct {
	JobName     string `json:"job_name"`
	Scope       string `json:"scope"`
	TriggeredBy string `json:"triggered_by"`
}

type progressRequest struct {
	JobID    string   `json:"job_id"`
	Progress *float64 `json:"progress"`
	Message  string   `json:"message"`
	Level    string   `json:"level"`
}

type completeRequest struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !s.allowReport(w, r) {
		return
	}
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.JobName == "" || req.Scope == "" || req.TriggeredBy == "" {
		writeError(w, http.StatusBadRequest, "job_name, scope and triggered_by are required")
		return
	}

	job, err := s.store.CreateJob(r.Context(), req.JobName, req.Scope, req.TriggeredBy)
	if err != nil {
		s.log.Error().Err(err).Msg("create job")
		writeError(w, http.StatusInternalServerError, "create job failed")
		return
	}
	telemetry.ReportsStarted.Inc()
	s.publish(hub.Event{Type: hub.TypeJobStart, Job: &job})

	writeJSON(w, http.StatusOK, map[string]string{"job_id": job.ID})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if !s.allowReport(w, r) {
		return
	}
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.JobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	job, err := s.store.RecordProgress(r.Context(), req.JobID, req.Progress, req.Message, req.Level)
	if errors.Is(err, store.ErrNotFound) {
		telemetry.ReportsNotFound.Inc()
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("job_id", req.JobID).Msg("record progress")
		writeError(w, http.StatusInternalServerError, "record progress failed")
		return
	}
	telemetry.ReportsProgress.Inc()

	// Store commit happened above; observers never see state older than a
	// committed record.
	s.publish(hub.Event{Type: hub.TypeJobProgress, Job: &job})
	if req.Message != "" {
		level := req.Level
		if level == "" {
			level = "info"
		}
		s.publish(hub.Event{Type: hub.TypeJobLog, Log: &models.LogEvent{
			JobID:   req.JobID,
			Message: req.Message,
			Level:   level,
			TS:      time.Now().UTC(),
		}})
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if !s.allowReport(w, r) {
		return
	}
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.JobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	if !models.TerminalStatus(req.Status) {
		writeError(w, http.StatusBadRequest, "status must be success or failed")
		return
	}

	job, err := s.store.CompleteJob(r.Context(), req.JobID, req.Status, req.Message)
	if errors.Is(err, store.ErrNotFound) {
		telemetry.ReportsNotFound.Inc()
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("job_id", req.JobID).Msg("complete job")
		writeError(w, http.StatusInternalServerError, "complete job failed")
		return
	}
	telemetry.ReportsCompleted.Inc()
	s.publish(hub.Event{Type: hub.TypeJobComplete, Job: &job})

	if s.archiver != nil {
		go s.archiver.Archive(context.Background(), job)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	cutoff := rangeCutoff(r.URL.Query().Get("range"), time.Now().UTC())
	jobs, err := s.store.ListJobs(r.Context(), cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("list jobs")
		writeError(w, http.StatusInternalServerError, "list jobs failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]models.Job{"jobs": jobs})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	limit, ok := intQuery(r, "limit", 100)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, ok := intQuery(r, "offset", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	logs, err := s.store.ListLogs(r.Context(), jobID, limit, offset)
	if err != nil {
		s.log.Error().Err(err).Str("job_id", jobID).Msg("list logs")
		writeError(w, http.StatusInternalServerError, "list logs failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]models.LogEntry{"logs": logs})
}

// publish fans out an event, counting it. Broadcast failures are invisible
// to the reporter: the report already committed.
func (s *Server) publish(ev hub.Event) {
	if err := s.hub.Publish(ev); err != nil {
		s.log.Warn().Err(err).Str("type", ev.Type).Msg("broadcast failed")
		return
	}
	telemetry.BroadcastEvents.Inc()
}

// allowReport applies per-reporter rate limiting. Limiter errors fail open:
// an unavailable Redis must not reject reports.
func (s *Server) allowReport(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), "reporter:"+reporterKey(r))
	if err != nil {
		s.log.Warn().Err(err).Msg("rate limiter unavailable")
		return true
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

func reporterKey(r *http.Request) string {
	if v := r.Header.Get("X-Reporter-ID"); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rangeCutoff maps a range keyword to a start_time cutoff. Unrecognized
// keywords mean no cutoff.
func rangeCutoff(keyword string, now time.Time) time.Time {
	switch keyword {
	case "24h":
		return now.Add(-24 * time.Hour)
	case "7d":
		return now.AddDate(0, 0, -7)
	case "30d":
		return now.AddDate(0, 0, -30)
	default:
		return time.Time{}
	}
}

func intQuery(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
