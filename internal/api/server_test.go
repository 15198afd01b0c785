package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ansible-job-dashboard/internal/config"
	"ansible-job-dashboard/internal/hub"
	"ansible-job-dashboard/internal/models"
	"ansible-job-dashboard/internal/store"
)

// memStore mirrors the Postgres store's semantics in memory for handler
// tests: transactional-looking writes, clamping, NotFound, timestamp order.
type memStore struct {
	mu   sync.Mutex
	seq  int
	jobs map[string]*models.Job
	logs map[string][]models.LogEntry
}

func newMemStore() *memStore {
	return &memStore{jobs: map[string]*models.Job{}, logs: map[string][]models.LogEntry{}}
}

func (m *memStore) CreateJob(_ context.Context, name, scope, triggeredBy string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("job-%d", m.seq)
	now := time.Now().UTC()
	job := &models.Job{
		ID: id, JobName: name, Scope: scope, TriggeredBy: triggeredBy,
		Status: models.StatusRunning, StartTime: now,
	}
	m.jobs[id] = job
	m.logs[id] = append(m.logs[id], models.LogEntry{TS: now, Level: "info", Message: store.StartedMessage})
	return *job, nil
}

func (m *memStore) RecordProgress(_ context.Context, jobID string, progress *float64, message, level string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	if progress != nil {
		job.Progress = models.ClampProgress(*progress)
	}
	if message != "" {
		if level == "" {
			level = "info"
		}
		m.logs[jobID] = append(m.logs[jobID], models.LogEntry{TS: time.Now().UTC(), Level: level, Message: message})
	}
	return *job, nil
}

func (m *memStore) CompleteJob(_ context.Context, jobID, status, message string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	now := time.Now().UTC()
	job.Status = status
	job.Progress = 100
	job.EndTime = &now
	if message != "" {
		m.logs[jobID] = append(m.logs[jobID], models.LogEntry{TS: now, Level: "info", Message: message})
	}
	return *job, nil
}

func (m *memStore) ListJobs(_ context.Context, cutoff time.Time) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := []models.Job{}
	for _, job := range m.jobs {
		if !job.StartTime.Before(cutoff) {
			jobs = append(jobs, *job)
		}
	}
	return jobs, nil
}

func (m *memStore) ListLogs(_ context.Context, jobID string, limit, offset int) ([]models.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.logs[jobID]
	if offset > 0 {
		if offset >= len(entries) {
			return []models.LogEntry{}, nil
		}
		entries = entries[offset:]
	}
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	out := make([]models.LogEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func newTestServer(t *testing.T) (*Server, *memStore) {
	t.Helper()
	st := newMemStore()
	srv := New(config.Config{CORSOrigins: []string{"*"}}, st, hub.New(), nil, nil, zerolog.Nop())
	return srv, st
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestStartProgressCompleteScenario(t *testing.T) {
	srv, st := newTestServer(t)
	router := srv.Router()

	rec := postJSON(t, router, "/api/jobs/start", map[string]string{
		"job_name": "Deploy", "scope": "web01", "triggered_by": "alice",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d body = %s", rec.Code, rec.Body.String())
	}
	var started map[string]string
	decodeBody(t, rec, &started)
	jobID := started["job_id"]
	if jobID == "" {
		t.Fatalf("missing job_id in %s", rec.Body.String())
	}

	// The fresh job is immediately visible via the query API.
	listReq := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, listReq)
	var listed struct {
		Jobs []models.Job `json:"jobs"`
	}
	decodeBody(t, listRec, &listed)
	if len(listed.Jobs) != 1 || listed.Jobs[0].Status != models.StatusRunning || listed.Jobs[0].Progress != 0 {
		t.Fatalf("fresh job not listed as running/0: %+v", listed.Jobs)
	}

	rec = postJSON(t, router, "/api/jobs/progress", map[string]any{
		"job_id": jobID, "progress": 50, "message": "halfway",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("progress status = %d body = %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, router, "/api/jobs/complete", map[string]any{
		"job_id": jobID, "status": "success", "message": "Playbook completed successfully.",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d body = %s", rec.Code, rec.Body.String())
	}

	job := st.jobs[jobID]
	if job.Status != models.StatusSuccess || job.Progress != 100 || job.EndTime == nil {
		t.Fatalf("unexpected terminal job state: %+v", job)
	}

	logs, _ := st.ListLogs(context.Background(), jobID, 0, 0)
	if len(logs) != 3 {
		t.Fatalf("log count = %d, want 3", len(logs))
	}
	wantOrder := []string{store.StartedMessage, "halfway", "Playbook completed successfully."}
	for i, want := range wantOrder {
		if logs[i].Message != want {
			t.Fatalf("log[%d] = %q, want %q", i, logs[i].Message, want)
		}
	}
	for i := 1; i < len(logs); i++ {
		if logs[i].TS.Before(logs[i-1].TS) {
			t.Fatalf("log timestamps regress at %d", i)
		}
	}
}

func TestProgressUnknownJobIs404(t *testing.T) {
	srv, st := newTestServer(t)
	router := srv.Router()

	rec := postJSON(t, router, "/api/jobs/progress", map[string]any{"job_id": "nope", "progress": 10})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["error"] != "job not found" {
		t.Fatalf("error = %q", body["error"])
	}
	if len(st.jobs) != 0 || len(st.logs) != 0 {
		t.Fatalf("unknown-job report must not create rows")
	}

	rec = postJSON(t, router, "/api/jobs/complete", map[string]any{"job_id": "nope", "status": "failed"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("complete status = %d, want 404", rec.Code)
	}
}

func TestMalformedReportsRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/start", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid json status = %d, want 400", rec.Code)
	}

	rec = postJSON(t, router, "/api/jobs/start", map[string]string{"job_name": "Deploy"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing fields status = %d, want 400", rec.Code)
	}

	rec = postJSON(t, router, "/api/jobs/progress", map[string]any{"progress": 10})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing job_id status = %d, want 400", rec.Code)
	}

	srvJob, _ := srv.store.CreateJob(context.Background(), "Deploy", "web01", "alice")
	rec = postJSON(t, router, "/api/jobs/complete", map[string]any{"job_id": srvJob.ID, "status": "paused"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("non-terminal status = %d, want 400", rec.Code)
	}
}

func TestProgressNoOpReportAccepted(t *testing.T) {
	srv, st := newTestServer(t)
	router := srv.Router()

	job, _ := st.CreateJob(context.Background(), "Deploy", "web01", "alice")
	rec := postJSON(t, router, "/api/jobs/progress", map[string]any{"job_id": job.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("no-op progress status = %d, want 200", rec.Code)
	}
	logs, _ := st.ListLogs(context.Background(), job.ID, 0, 0)
	if len(logs) != 1 {
		t.Fatalf("no-op progress must not add log entries, got %d", len(logs))
	}
}

func TestListJobsAndLogs(t *testing.T) {
	srv, st := newTestServer(t)
	router := srv.Router()

	job, _ := st.CreateJob(context.Background(), "Deploy", "web01", "alice")
	for i := 0; i < 5; i++ {
		p := float64(i * 20)
		_, _ = st.RecordProgress(context.Background(), job.ID, &p, fmt.Sprintf("step %d", i), "info")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/jobs?range=24h", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list jobs status = %d", rec.Code)
	}
	var jobsBody struct {
		Jobs []models.Job `json:"jobs"`
	}
	decodeBody(t, rec, &jobsBody)
	if len(jobsBody.Jobs) != 1 || jobsBody.Jobs[0].ID != job.ID {
		t.Fatalf("unexpected jobs payload: %+v", jobsBody.Jobs)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID+"/logs?limit=2&offset=1", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var logsBody struct {
		Logs []models.LogEntry `json:"logs"`
	}
	decodeBody(t, rec, &logsBody)
	if len(logsBody.Logs) != 2 {
		t.Fatalf("log page size = %d, want 2", len(logsBody.Logs))
	}
	if logsBody.Logs[0].Message != "step 0" {
		t.Fatalf("offset skipped wrong entries: %q", logsBody.Logs[0].Message)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID+"/logs?limit=0", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	decodeBody(t, rec, &logsBody)
	if len(logsBody.Logs) != 6 {
		t.Fatalf("limit=0 should be unbounded, got %d entries", len(logsBody.Logs))
	}
}

func TestRangeCutoff(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		keyword string
		want    time.Time
	}{
		{"24h", now.Add(-24 * time.Hour)},
		{"7d", now.AddDate(0, 0, -7)},
		{"30d", now.AddDate(0, 0, -30)},
		{"", time.Time{}},
		{"laster", time.Time{}},
	}
	for _, tc := range cases {
		if got := rangeCutoff(tc.keyword, now); !got.Equal(tc.want) {
			t.Fatalf("rangeCutoff(%q) = %v, want %v", tc.keyword, got, tc.want)
		}
	}
}

func TestProgressClampAndLastWriteWins(t *testing.T) {
	srv, st := newTestServer(t)
	router := srv.Router()
	job, _ := st.CreateJob(context.Background(), "Deploy", "web01", "alice")

	rec := postJSON(t, router, "/api/jobs/progress", map[string]any{"job_id": job.ID, "progress": 150})
	if rec.Code != http.StatusOK || st.jobs[job.ID].Progress != 100 {
		t.Fatalf("progress 150 stored as %v, want clamp to 100", st.jobs[job.ID].Progress)
	}
	rec = postJSON(t, router, "/api/jobs/progress", map[string]any{"job_id": job.ID, "progress": -5})
	if rec.Code != http.StatusOK || st.jobs[job.ID].Progress != 0 {
		t.Fatalf("progress -5 stored as %v, want clamp to 0", st.jobs[job.ID].Progress)
	}

	// Concurrent reports interleave freely; the stored value is whichever
	// write landed last, never a blend.
	var wg sync.WaitGroup
	for _, p := range []float64{30, 70} {
		wg.Add(1)
		go func(p float64) {
			defer wg.Done()
			raw, _ := json.Marshal(map[string]any{"job_id": job.ID, "progress": p})
			req := httptest.NewRequest(http.MethodPost, "/api/jobs/progress", bytes.NewReader(raw))
			router.ServeHTTP(httptest.NewRecorder(), req)
		}(p)
	}
	wg.Wait()
	if got := st.jobs[job.ID].Progress; got != 30 && got != 70 {
		t.Fatalf("final progress = %v, want 30 or 70", got)
	}
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (bool, float64, error) { return false, 0, nil }

func TestRateLimitedReportRejected(t *testing.T) {
	st := newMemStore()
	srv := New(config.Config{}, st, hub.New(), denyLimiter{}, nil, zerolog.Nop())
	rec := postJSON(t, srv.Router(), "/api/jobs/start", map[string]string{
		"job_name": "Deploy", "scope": "web01", "triggered_by": "alice",
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}
