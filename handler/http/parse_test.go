package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	httpHdlr "nutriparse/handler/http"
	"nutriparse/src/core/job"
	"nutriparse/src/core/parse"
	"nutriparse/src/infrastructure/metrics"
	"nutriparse/src/infrastructure/ratelimit"
	"nutriparse/src/storage/memstore"
)

type memBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{blobs: make(map[string][]byte)}
}

func (m *memBlobs) Put(ctx context.Context, data []byte, jobID, filename string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle := "uploads/test/" + jobID + "/" + filename
	m.blobs[handle] = data
	return handle, "hash", nil
}

func (m *memBlobs) Get(ctx context.Context, handle string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[handle]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", handle)
	}
	return data, nil
}

func (m *memBlobs) Delete(ctx context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, handle)
	return nil
}

func (m *memBlobs) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}

type fixture struct {
	store  *memstore.Store
	blobs  *memBlobs
	router *gin.Engine
}

func newFixture(t *testing.T, limiter ratelimit.Limiter) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memstore.NewStore()
	blobs := newMemBlobs()
	m := metrics.NewService()
	pipeline := parse.NewPipeline(parse.NewRegistry())

	parseHandler, err := httpHdlr.NewParseHandler(store, store, blobs, pipeline, m, httpHdlr.Config{
		MaxFileSize:     1 << 20,
		MaxSyncFileSize: 256 << 10,
		SyncDeadline:    5 * time.Second,
	})
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	router := httpHdlr.NewRouter(httpHdlr.RouterDeps{
		Parse:   parseHandler,
		Admin:   httpHdlr.NewAdminHandler(store, store, blobs, m, 30),
		Health:  httpHdlr.NewHealthHandler(store, nil),
		Metrics: m,
		Limiter: limiter,
	})

	return &fixture{store: store, blobs: blobs, router: router}
}

func pdfWithText(text string) []byte {
	escaped := strings.NewReplacer("\\", "\\\\", "(", "\\(", ")", "\\)", "\n", "\\n").Replace(text)
	return []byte(fmt.Sprintf("%%PDF-1.4\n3 0 obj << /Type /Page >> endobj\nBT (%s) Tj ET\n%%%%EOF\n", escaped))
}

func multipartBody(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("form file failed: %v", err)
	}
	fw.Write(data)
	mw.Close()
	return &body, mw.FormDataContentType()
}

type envelope struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data"`
	Error   *struct {
		Type string `json:"type"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func doRequest(t *testing.T, f *fixture, method, url string, body *bytes.Buffer, contentType string) (*httptest.ResponseRecorder, *envelope) {
	t.Helper()
	var reader *bytes.Buffer
	if body == nil {
		reader = &bytes.Buffer{}
	} else {
		reader = body
	}
	req := httptest.NewRequest(method, url, reader)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	env := &envelope{}
	if w.Body.Len() > 0 {
		json.Unmarshal(w.Body.Bytes(), env)
	}
	return w, env
}

func TestSyncParseNutritionLabel(t *testing.T) {
	f := newFixture(t, nil)
	body, ct := multipartBody(t, "file", "label.pdf", pdfWithText("Nutrition Facts\nCalories 250\nProtein 6g"))

	w, env := doRequest(t, f, http.MethodPost, "/parse/sync?parsing_type=auto", body, ct)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if env.RequestID == "" {
		t.Error("missing request id")
	}

	result, ok := env.Data["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("data = %+v", env.Data)
	}
	if result["type"] != "nutrition_label" {
		t.Errorf("type = %v", result["type"])
	}

	// the sync job lands in history as completed
	jobID, _ := env.Data["job_id"].(string)
	j, err := f.store.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("job not recorded: %v", err)
	}
	if j.State != job.StateCompleted || j.Progress != 100 {
		t.Errorf("job = %s progress %d", j.State, j.Progress)
	}
}

func TestSyncParseOversizeRecommendsAsync(t *testing.T) {
	f := newFixture(t, nil)
	big := pdfWithText(strings.Repeat("padding ", 64<<10)) // > 256 KiB sync cap
	body, ct := multipartBody(t, "file", "big.pdf", big)

	w, env := doRequest(t, f, http.MethodPost, "/parse/sync", body, ct)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", w.Code)
	}
	if env.Error == nil || env.Error.Type != "too_large" {
		t.Fatalf("error = %+v", env.Error)
	}
	if !strings.Contains(env.Message, "async") {
		t.Errorf("message should recommend async: %q", env.Message)
	}
}

func TestMaliciousUploadLeavesNoTrace(t *testing.T) {
	f := newFixture(t, nil)
	evil := pdfWithText("anything")
	evil = bytes.Replace(evil, []byte("BT"), []byte("<< /JS (app.alert\\(1\\)) >> BT"), 1)
	body, ct := multipartBody(t, "file", "evil.pdf", evil)

	w, env := doRequest(t, f, http.MethodPost, "/parse/async", body, ct)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if env.Error == nil || env.Error.Type != "suspected_malicious" {
		t.Fatalf("error = %+v", env.Error)
	}

	// no job record, no blob, no queue entry
	_, total, _ := f.store.List(context.Background(), job.Filter{Page: 1, PageSize: 10})
	if total != 0 {
		t.Errorf("job records = %d", total)
	}
	if f.blobs.len() != 0 {
		t.Errorf("blobs = %d", f.blobs.len())
	}
	if depth, _ := f.store.Depth(context.Background()); depth != 0 {
		t.Errorf("queue depth = %d", depth)
	}
}

func submitAsync(t *testing.T, f *fixture, query string) string {
	t.Helper()
	body, ct := multipartBody(t, "file", "doc.pdf", pdfWithText("Nutrition Facts\nCalories 100"))
	w, env := doRequest(t, f, http.MethodPost, "/parse/async"+query, body, ct)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	jobID, _ := env.Data["job_id"].(string)
	if jobID == "" {
		t.Fatalf("no job id in %+v", env.Data)
	}
	return jobID
}

func TestAsyncLifecycleEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	jobID := submitAsync(t, f, "?priority=high")

	// queued, result not ready
	w, env := doRequest(t, f, http.MethodGet, "/parse/status/"+jobID, nil, "")
	if w.Code != http.StatusOK || env.Data["state"] != "queued" {
		t.Fatalf("status: %d %+v", w.Code, env.Data)
	}

	w, _ = doRequest(t, f, http.MethodGet, "/parse/result/"+jobID, nil, "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("result while queued = %d", w.Code)
	}

	// drive the job to completion the way a worker would
	ctx := context.Background()
	leased, err := f.store.Lease(ctx, "w1", time.Minute)
	if err != nil || leased == nil || leased.ID != jobID {
		t.Fatalf("lease: %+v %v", leased, err)
	}
	f.store.Transition(ctx, jobID, []job.State{job.StateLeased}, job.StateRunning, job.Patch{})
	f.store.Ack(ctx, jobID, "w1", job.StateCompleted,
		&parse.Result{Type: parse.TypeNutritionLabel, QualityScore: 0.8}, nil)

	w, env = doRequest(t, f, http.MethodGet, "/parse/result/"+jobID, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("result = %d", w.Code)
	}
	if _, ok := env.Data["result"]; !ok {
		t.Fatalf("data = %+v", env.Data)
	}

	// delete, then the result endpoint reports gone
	w, _ = doRequest(t, f, http.MethodDelete, "/parse/"+jobID, nil, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", w.Code)
	}
	if f.blobs.len() != 0 {
		t.Error("blob survived delete")
	}
	w, _ = doRequest(t, f, http.MethodGet, "/parse/result/"+jobID, nil, "")
	if w.Code != http.StatusGone {
		t.Errorf("result after delete = %d", w.Code)
	}

	w, _ = doRequest(t, f, http.MethodGet, "/parse/result/never-existed", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown id = %d", w.Code)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	f := newFixture(t, nil)
	jobID := submitAsync(t, f, "")

	w, env := doRequest(t, f, http.MethodPost, "/parse/cancel/"+jobID, nil, "")
	if w.Code != http.StatusOK || env.Data["state"] != "cancelled" {
		t.Fatalf("cancel: %d %+v", w.Code, env.Data)
	}

	// cancelling a finished job conflicts
	w, _ = doRequest(t, f, http.MethodPost, "/parse/cancel/"+jobID, nil, "")
	if w.Code != http.StatusConflict {
		t.Errorf("second cancel = %d", w.Code)
	}
}

func TestHistoryPaging(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 3; i++ {
		submitAsync(t, f, "")
	}

	w, env := doRequest(t, f, http.MethodGet, "/parse/history?page=1&page_size=2", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("history = %d", w.Code)
	}
	if total, _ := env.Data["total"].(float64); total != 3 {
		t.Errorf("total = %v", env.Data["total"])
	}
	jobs, _ := env.Data["jobs"].([]interface{})
	if len(jobs) != 2 {
		t.Errorf("page len = %d", len(jobs))
	}
}

func TestBatchSubmit(t *testing.T) {
	f := newFixture(t, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, name := range []string{"a.pdf", "b.pdf"} {
		fw, _ := mw.CreateFormFile("files", name)
		fw.Write(pdfWithText("Nutrition Facts\nCalories 90"))
	}
	mw.Close()

	w, env := doRequest(t, f, http.MethodPost, "/parse/batch?parsing_type=nutrition_label", &body, mw.FormDataContentType())
	if w.Code != http.StatusAccepted {
		t.Fatalf("batch = %d body=%s", w.Code, w.Body.String())
	}
	batchID, _ := env.Data["batch_id"].(string)
	ids, _ := env.Data["job_ids"].([]interface{})
	if batchID == "" || len(ids) != 2 {
		t.Fatalf("data = %+v", env.Data)
	}

	w, env = doRequest(t, f, http.MethodGet, "/parse/batch/"+batchID, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("batch status = %d", w.Code)
	}
	batch, _ := env.Data["batch"].(map[string]interface{})
	if total, _ := batch["total"].(float64); total != 2 {
		t.Errorf("batch = %+v", batch)
	}
}

func TestRateLimitRejectsWithRetryAfter(t *testing.T) {
	limiter := ratelimit.NewLocalLimiter(ratelimit.Config{PerMinute: 1})
	f := newFixture(t, limiter)

	w, _ := doRequest(t, f, http.MethodGet, "/parse/history", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("first request = %d", w.Code)
	}

	w, env := doRequest(t, f, http.MethodGet, "/parse/history", nil, "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if env.Error == nil || env.Error.Type != "rate_limited" {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestSecurityHeadersPresent(t *testing.T) {
	f := newFixture(t, nil)
	w, _ := doRequest(t, f, http.MethodGet, "/health", nil, "")
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing nosniff header")
	}
	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("missing frame options header")
	}
}

func TestAdminEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	submitAsync(t, f, "")

	w, env := doRequest(t, f, http.MethodGet, "/admin/metrics", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics = %d", w.Code)
	}
	if _, ok := env.Data["requests_total"]; !ok {
		t.Errorf("metrics data = %+v", env.Data)
	}

	w, env = doRequest(t, f, http.MethodGet, "/admin/stats/real-time", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("stats = %d", w.Code)
	}
	if queued, _ := env.Data["queued"].(float64); queued != 1 {
		t.Errorf("queued = %v", env.Data["queued"])
	}

	w, env = doRequest(t, f, http.MethodPost, "/admin/cleanup?days=30", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("cleanup = %d", w.Code)
	}
	if deleted, ok := env.Data["deleted"].(float64); !ok || deleted != 0 {
		t.Errorf("deleted = %v", env.Data["deleted"])
	}
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	w, _ := doRequest(t, f, http.MethodGet, "/health", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}

	w, env := doRequest(t, f, http.MethodGet, "/health/detailed", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("detailed = %d body=%s", w.Code, w.Body.String())
	}
	if env.Data["status"] != "ok" {
		t.Errorf("status = %v", env.Data["status"])
	}
}
