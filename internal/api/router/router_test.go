package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sisrua/geoprep/internal/api/dto"
	"github.com/sisrua/geoprep/internal/api/handler"
	"github.com/sisrua/geoprep/internal/audit"
	"github.com/sisrua/geoprep/internal/domain"
	"github.com/sisrua/geoprep/internal/jobs"
	"github.com/sisrua/geoprep/internal/observability"
	"github.com/sisrua/geoprep/internal/projects"
	"github.com/sisrua/geoprep/internal/resilience"
	"github.com/sisrua/geoprep/shared/database/databasetest"
	"github.com/sisrua/geoprep/shared/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeJobs is an in-memory JobService keyed by idempotency key
type fakeJobs struct {
	mu        sync.Mutex
	jobs      map[string]domain.Job
	byKey     map[string]string
	submitErr error
	history   []domain.Job
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[string]domain.Job{}, byKey: map[string]string{}}
}

func (f *fakeJobs) Submit(_ context.Context, req domain.PrepareRequest, key string) (domain.Job, bool, error) {
	if f.submitErr != nil {
		return domain.Job{}, false, f.submitErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if key == "" {
		key, _ = domain.RequestHash(req)
	}
	if id, ok := f.byKey[key]; ok {
		return f.jobs[id], false, nil
	}
	now := time.Now().UTC()
	job := domain.Job{ID: uuid.NewString(), Kind: req.Kind(), Status: domain.JobStatusQueued, CreatedAt: now, UpdatedAt: now}
	f.jobs[job.ID] = job
	f.byKey[key] = job.ID
	return job, true, nil
}

func (f *fakeJobs) Get(_ context.Context, jobID string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeJobs) List(filter domain.JobFilter) []domain.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Job
	for _, j := range f.jobs {
		if filter.Status == "" || j.Status == filter.Status {
			out = append(out, j)
		}
	}
	// newest first, ties by id descending
	for i := 1; i < len(out); i++ {
		for k := i; k > 0; k-- {
			a, b := out[k-1], out[k]
			if a.CreatedAt.Before(b.CreatedAt) || (a.CreatedAt.Equal(b.CreatedAt) && a.ID < b.ID) {
				out[k-1], out[k] = b, a
			}
		}
	}
	return out
}

func (f *fakeJobs) ListHistory(_ context.Context, filter jobs.HistoryFilter) ([]domain.Job, bool, error) {
	if len(f.history) > filter.PageSize {
		return f.history[:filter.PageSize], true, nil
	}
	return f.history, false, nil
}

func (f *fakeJobs) Cancel(_ context.Context, jobID string) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return false, false, domain.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return false, true, nil
	}
	job.Status = domain.JobStatusFailed
	job.Error = domain.ErrorCodeCancelled
	job.Cancelled = true
	f.jobs[jobID] = job
	return true, false, nil
}

type harness struct {
	engine   *gin.Engine
	jobs     *fakeJobs
	ledger   *audit.Ledger
	projects *projects.Service
	metrics  *observability.Metrics
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	db := databasetest.Open(t)

	secret := bytes.Repeat([]byte{7}, audit.SecretSize)
	ledger, err := audit.NewLedger(db.GetDB(), secret, nil, logger.Nop())
	require.NoError(t, err)

	projectSvc := projects.NewService(db.GetDB(), nil, nil, logger.Nop())
	_, err = projectSvc.Create(context.Background(), "p-1", "Downtown", "EPSG:31984")
	require.NoError(t, err)

	fj := newFakeJobs()
	deps := &handler.Dependencies{
		Logger:      logger.Nop(),
		ServiceName: "geoprep-test",
		Jobs:        fj,
		Audit:       ledger,
		Projects:    projectSvc,
		HealthChecks: []handler.HealthCheck{
			{Name: "database", Check: db.Ping},
			{Name: "redis"},
		},
	}
	return &harness{
		engine:   SetupRouter(deps, opts),
		jobs:     fj,
		ledger:   ledger,
		projects: projectSvc,
		metrics:  opts.Metrics,
	}
}

func (h *harness) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	h := newHarness(t, Options{})

	w := h.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[dto.HealthResponse](t, w).Status)

	w = h.do(http.MethodGet, "/health/deep", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	deep := decode[dto.HealthResponse](t, w)
	assert.Equal(t, "up", deep.Components["database"].Status)
	assert.Equal(t, "disabled", deep.Components["redis"].Status)
}

func TestDeepHealth_Degraded(t *testing.T) {
	deps := &handler.Dependencies{
		Logger: logger.Nop(),
		HealthChecks: []handler.HealthCheck{
			{Name: "broker", Check: func(context.Context) error { return errors.New("connection refused") }},
		},
	}
	engine := SetupRouter(deps, Options{})

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/deep", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decode[dto.HealthResponse](t, w)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "connection refused", resp.Components["broker"].Error)
}

func TestPrepareJob(t *testing.T) {
	h := newHarness(t, Options{})
	body := map[string]any{"kind": "osm", "latitude": -22.15, "longitude": -42.92, "radius": 500}

	w := h.do(http.MethodPost, "/api/v1/jobs/prepare", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	first := decode[domain.Job](t, w)
	assert.Equal(t, domain.JobStatusQueued, first.Status)

	w = h.do(http.MethodPost, "/api/v1/jobs/prepare", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, first.ID, decode[domain.Job](t, w).ID, "duplicate request returns the live job")

	w = h.do(http.MethodPost, "/api/v1/jobs/prepare", body, handler.IdempotencyKeyHeader, "client-key")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.NotEqual(t, first.ID, decode[domain.Job](t, w).ID)
}

func TestPrepareJob_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		submitErr  error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "malformed json",
			body:       `{"kind":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   dto.CodeValidation,
		},
		{
			name:       "unknown kind",
			body:       map[string]any{"kind": "dxf"},
			wantStatus: http.StatusBadRequest,
			wantCode:   dto.CodeValidation,
		},
		{
			name:       "osm missing radius",
			body:       map[string]any{"kind": "osm", "latitude": 1, "longitude": 2},
			wantStatus: http.StatusBadRequest,
			wantCode:   dto.CodeValidation,
		},
		{
			name:       "queue full",
			body:       map[string]any{"kind": "osm", "latitude": 1, "longitude": 2, "radius": 100},
			submitErr:  domain.ErrQueueFull,
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   dto.CodeQueueFull,
		},
		{
			name:       "shutting down",
			body:       map[string]any{"kind": "osm", "latitude": 1, "longitude": 2, "radius": 100},
			submitErr:  domain.ErrShutdown,
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   dto.CodeShuttingDown,
		},
		{
			name:       "unexpected failure hides details",
			body:       map[string]any{"kind": "osm", "latitude": 1, "longitude": 2, "radius": 100},
			submitErr:  errors.New("disk on fire"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   dto.CodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			h.jobs.submitErr = tt.submitErr

			w := h.do(http.MethodPost, "/api/v1/jobs/prepare", tt.body)

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decode[dto.ErrorResponse](t, w)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
			assert.NotContains(t, resp.Error.Message, "disk on fire")
		})
	}
}

func TestGetAndCancelJob(t *testing.T) {
	h := newHarness(t, Options{})
	w := h.do(http.MethodPost, "/api/v1/jobs/prepare", map[string]any{"kind": "geojson", "geojson": map[string]any{"type": "Point", "coordinates": []float64{-42.9, -22.1}}})
	require.Equal(t, http.StatusAccepted, w.Code)
	job := decode[domain.Job](t, w)

	w = h.do(http.MethodGet, "/api/v1/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.JobKindGeoJSON, decode[domain.Job](t, w).Kind)

	w = h.do(http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, dto.CancelJobResponse{JobID: job.ID, Cancelled: true}, decode[dto.CancelJobResponse](t, w))

	w = h.do(http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, dto.CancelJobResponse{JobID: job.ID, AlreadyTerminal: true}, decode[dto.CancelJobResponse](t, w))

	w = h.do(http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, dto.CodeNotFound, decode[dto.ErrorResponse](t, w).Error.Code)

	w = h.do(http.MethodGet, "/api/v1/jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListJobs_Pagination(t *testing.T) {
	h := newHarness(t, Options{})
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		id := uuid.NewString()
		h.jobs.jobs[id] = domain.Job{ID: id, Kind: domain.JobKindOSM, Status: domain.JobStatusQueued, CreatedAt: base.Add(time.Duration(i) * time.Second)}
	}

	var seen []string
	cursor := ""
	for range 3 {
		w := h.do(http.MethodGet, "/api/v1/jobs?page_size=2&cursor="+cursor, nil)
		require.Equal(t, http.StatusOK, w.Code)
		page := decode[dto.ListJobsResponse](t, w)
		for _, j := range page.Jobs {
			seen = append(seen, j.ID)
		}
		cursor = page.NextCursor
		if cursor == "" {
			break
		}
	}
	assert.Len(t, seen, 5)
	assert.Empty(t, cursor)

	w := h.do(http.MethodGet, "/api/v1/jobs?cursor=bm90LWEtY3Vyc29y", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodGet, "/api/v1/jobs?source=archive", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListJobs_History(t *testing.T) {
	h := newHarness(t, Options{})
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.jobs.history = []domain.Job{
		{ID: "b", Status: domain.JobStatusCompleted, CreatedAt: at},
		{ID: "a", Status: domain.JobStatusFailed, CreatedAt: at},
	}

	w := h.do(http.MethodGet, "/api/v1/jobs?source=history&page_size=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[dto.ListJobsResponse](t, w)
	require.Len(t, page.Jobs, 1)
	assert.NotEmpty(t, page.NextCursor)

	cursor, err := handler.DecodeJobCursor(page.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "b", cursor.JobID)
	assert.True(t, cursor.CreatedAt.Equal(at))
}

func TestAuditEndpoints(t *testing.T) {
	h := newHarness(t, Options{})

	w := h.do(http.MethodPost, "/api/v1/audit", map[string]any{
		"event_type":  "EXPORT",
		"entity_type": "Project",
		"entity_id":   "p-1",
		"actor_id":    "alice",
		"data":        map[string]any{"format": "dxf", "layers": 3},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[dto.CreateAuditResponse](t, w)
	require.Positive(t, created.AuditID)

	w = h.do(http.MethodPost, "/api/v1/audit", map[string]any{"entity_type": "Project"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodGet, "/api/v1/audit/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rec := decode[dto.AuditRecordDTO](t, w)
	assert.Equal(t, "EXPORT", rec.EventType)
	require.NotNil(t, rec.EntityID)
	assert.Equal(t, "p-1", *rec.EntityID)
	assert.Equal(t, "dxf", rec.Data["format"])
	assert.Len(t, rec.Signature, 19, "16 hex chars plus ellipsis")

	w = h.do(http.MethodGet, "/api/v1/audit/1/verify", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, dto.VerifyAuditResponse{AuditID: 1, Valid: true, Message: "Signature valid"}, decode[dto.VerifyAuditResponse](t, w))

	w = h.do(http.MethodGet, "/api/v1/audit/99/verify", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(http.MethodGet, "/api/v1/audit/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodPost, "/api/v1/audit/verify-all", nil)
	require.Equal(t, http.StatusOK, w.Code)
	summary := decode[audit.Summary](t, w)
	assert.Equal(t, audit.Summary{Total: 1, Valid: 1, Integrity: 1}, summary)

	w = h.do(http.MethodPost, "/api/v1/audit/verify-all", map[string]any{"limit": 5})
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodGet, "/api/v1/audit?entity_type=Project&limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[dto.ListAuditResponse](t, w)
	assert.Equal(t, 1, list.Count)

	w = h.do(http.MethodGet, "/api/v1/audit/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[audit.Stats](t, w)
	assert.Equal(t, 1, stats.TotalLogs)
	assert.Equal(t, 1, stats.ByEventType["EXPORT"])
}

func TestProjectEndpoints(t *testing.T) {
	h := newHarness(t, Options{})

	w := h.do(http.MethodGet, "/api/v1/projects/p-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[projects.Project](t, w).Version)

	w = h.do(http.MethodPatch, "/api/v1/projects/p-1", map[string]any{"expected_version": 1, "project_name": "Uptown"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[projects.Project](t, w)
	assert.EqualValues(t, 2, updated.Version)
	assert.Equal(t, "Uptown", updated.ProjectName)

	w = h.do(http.MethodPatch, "/api/v1/projects/p-1", map[string]any{"expected_version": 1, "crs_out": "EPSG:4326"})
	require.Equal(t, http.StatusConflict, w.Code)
	conflict := decode[dto.ConflictResponse](t, w)
	assert.Equal(t, dto.CodeVersionConflict, conflict.Error.Code)
	assert.EqualValues(t, 1, conflict.ExpectedVersion)
	assert.EqualValues(t, 2, conflict.CurrentVersion)

	w = h.do(http.MethodPatch, "/api/v1/projects/p-1", map[string]any{"project_name": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodPatch, "/api/v1/projects/missing", map[string]any{"expected_version": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := resilience.NewRateLimiter(resilience.RateLimiterConfig{Capacity: 2, Period: time.Minute})
	h := newHarness(t, Options{RateLimiter: limiter, RateLimitPeriod: time.Minute, Metrics: observability.NewMetrics()})

	for i := 0; i < 2; i++ {
		w := h.do(http.MethodGet, "/api/v1/projects/p-1", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := h.do(http.MethodGet, "/api/v1/projects/p-1", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Equal(t, dto.CodeRateLimited, decode[dto.ErrorResponse](t, w).Error.Code)

	w = h.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code, "health is not rate limited")
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, Options{Metrics: observability.NewMetrics()})

	h.do(http.MethodGet, "/api/v1/projects/p-1", nil)

	w := h.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `route="/api/v1/projects/:project_id"`)
}

func TestWebhookEndpoints(t *testing.T) {
	deps := &handler.Dependencies{Logger: logger.Nop(), Webhooks: &fakeWebhooks{}}
	engine := SetupRouter(deps, Options{})

	post := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		engine.ServeHTTP(w, req)
		return w
	}

	w := post(`{"url":"http://listener.local/hook"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []string{"http://listener.local/hook"}, decode[dto.WebhooksResponse](t, w).URLs)

	w = post(`{"url":"ftp://nope"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(`{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type fakeWebhooks struct{ urls []string }

func (f *fakeWebhooks) Register(rawURL string) error {
	if len(rawURL) < 7 || rawURL[:7] != "http://" {
		return domain.NewValidationError("url", "must be an absolute http(s) URL")
	}
	f.urls = append(f.urls, rawURL)
	return nil
}

func (f *fakeWebhooks) URLs() []string { return f.urls }
