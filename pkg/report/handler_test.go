package report

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/reportowl/pkg/queue"
)

type stubWorker struct {
	running     bool
	concurrency int
}

func (s stubWorker) Running() bool    { return s.running }
func (s stubWorker) Concurrency() int { return s.concurrency }

func newTestHandler(t *testing.T) (*Handler, *queue.Queue, http.Handler) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := queue.New(rdb, "reports", queue.Options{}, slog.Default())
	h := NewHandler(slog.Default(), q, processorRegistry(t), stubWorker{running: true, concurrency: 5})

	router := chi.NewRouter()
	router.Mount("/api/v1/jobs", h.Routes())
	return h, q, router
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	return w
}

func TestSubmitJob(t *testing.T) {
	_, q, router := newTestHandler(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/jobs",
		`{"useCase":"POLITICAL_SNAPSHOT","email":"a@b.co","filters":{"CHANNEL":"CTV"}}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["jobId"] == "" {
		t.Fatal("response missing jobId")
	}

	job, err := q.GetJob(context.Background(), resp["jobId"])
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.UseCase != "POLITICAL_SNAPSHOT" || job.Recipient != "a@b.co" {
		t.Errorf("job = %+v", job)
	}
	if job.Filters["CHANNEL"] != "CTV" {
		t.Errorf("filters = %v", job.Filters)
	}
}

func TestSubmitJobValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing use case", `{"email":"a@b.co"}`},
		{"missing email", `{"useCase":"POLITICAL_SNAPSHOT"}`},
		{"invalid email", `{"useCase":"POLITICAL_SNAPSHOT","email":"nope"}`},
		{"invalid JSON", `{bad}`},
		{"empty body", ``},
	}

	_, _, router := newTestHandler(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, http.MethodPost, "/api/v1/jobs", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestSubmitJobUnknownUseCase(t *testing.T) {
	_, _, router := newTestHandler(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/jobs",
		`{"useCase":"NOPE","email":"a@b.co"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "unknown_use_case") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestGetJob(t *testing.T) {
	_, q, router := newTestHandler(t)
	ctx := context.Background()

	job, _ := q.Enqueue(ctx, "POLITICAL_SNAPSHOT", "a@b.co", nil)

	w := doJSON(t, router, http.MethodGet, "/api/v1/jobs/"+job.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp jobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.JobID != job.ID {
		t.Errorf("jobId = %q", resp.JobID)
	}
	if resp.Status != "pending" {
		t.Errorf("status = %q, want pending for a waiting job", resp.Status)
	}
	if resp.MaxAttempts != 3 {
		t.Errorf("maxAttempts = %d", resp.MaxAttempts)
	}
}

func TestGetJobNotFound(t *testing.T) {
	_, _, router := newTestHandler(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/jobs/999", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestGetJobStatusMapping(t *testing.T) {
	_, q, router := newTestHandler(t)
	ctx := context.Background()

	// active → processing
	q.Enqueue(ctx, "POLITICAL_SNAPSHOT", "a@b.co", nil)
	active, _ := q.Lease(ctx, time.Second)

	w := doJSON(t, router, http.MethodGet, "/api/v1/jobs/"+active.ID, "")
	var resp jobResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != "processing" {
		t.Errorf("active job status = %q, want processing", resp.Status)
	}

	// failed → failed, with reason and attempts surfaced
	q.Fail(ctx, active, "No view data was successfully fetched")
	w = doJSON(t, router, http.MethodGet, "/api/v1/jobs/"+active.ID, "")
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != "failed" {
		t.Errorf("failed job status = %q", resp.Status)
	}
	if resp.FailedReason != "No view data was successfully fetched" {
		t.Errorf("failedReason = %q", resp.FailedReason)
	}
	if resp.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", resp.Attempts)
	}
}

func TestRetryEndpoint(t *testing.T) {
	_, q, router := newTestHandler(t)
	ctx := context.Background()

	job, _ := q.Enqueue(ctx, "POLITICAL_SNAPSHOT", "a@b.co", nil)

	// Not failed yet → conflict.
	w := doJSON(t, router, http.MethodPost, "/api/v1/jobs/"+job.ID+"/retry", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 for a waiting job", w.Code)
	}

	leased, _ := q.Lease(ctx, time.Second)
	q.Fail(ctx, leased, "boom")

	w = doJSON(t, router, http.MethodPost, "/api/v1/jobs/"+job.ID+"/retry", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	loaded, _ := q.GetJob(ctx, job.ID)
	if loaded.State != queue.StateWaiting {
		t.Errorf("state = %q, want waiting", loaded.State)
	}
}

func TestStatsEndpoint(t *testing.T) {
	_, q, router := newTestHandler(t)
	ctx := context.Background()

	q.Enqueue(ctx, "POLITICAL_SNAPSHOT", "a@b.co", nil)

	w := doJSON(t, router, http.MethodGet, "/api/v1/jobs/queue/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Stats struct {
			Waiting int64 `json:"waiting"`
			Total   int64 `json:"total"`
			Config  struct {
				Concurrency   int  `json:"concurrency"`
				MaxAttempts   int  `json:"maxAttempts"`
				WorkerRunning bool `json:"workerRunning"`
			} `json:"config"`
		} `json:"stats"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Stats.Waiting != 1 || resp.Stats.Total != 1 {
		t.Errorf("stats = %+v", resp.Stats)
	}
	if resp.Stats.Config.Concurrency != 5 || !resp.Stats.Config.WorkerRunning {
		t.Errorf("config = %+v", resp.Stats.Config)
	}
	if resp.Timestamp == "" {
		t.Error("timestamp missing")
	}
}

func TestCleanupEndpoint(t *testing.T) {
	_, _, router := newTestHandler(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/jobs/queue/cleanup", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "requeued") {
		t.Errorf("body = %s", w.Body.String())
	}
}
