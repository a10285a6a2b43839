package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dunamismax/thumbforge/internal/domain"
	"github.com/dunamismax/thumbforge/internal/export"
	"github.com/dunamismax/thumbforge/internal/pipeline"
	"github.com/dunamismax/thumbforge/internal/queue"
	"github.com/dunamismax/thumbforge/internal/ratelimit"
	"github.com/dunamismax/thumbforge/internal/store"
)

type fixture struct {
	server    *Server
	handler   http.Handler
	jobStore  *store.MemoryJobStore
	queue     *fakeQueue
	storage   *fakeStorage
	dir       string
	outputDir string
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	dir := t.TempDir()
	outputDir := filepath.Join(dir, "out")
	for _, sub := range []string{"products", "backgrounds"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0o755))
	}

	f := &fixture{
		jobStore:  store.NewMemoryJobStore(),
		queue:     &fakeQueue{},
		storage:   &fakeStorage{objects: map[string]bool{}},
		dir:       dir,
		outputDir: outputDir,
	}
	opts := Options{
		QueueClient: f.queue,
		JobStore:    f.jobStore,
		Storage:     f.storage,
		Composer:    pipeline.NewProcessor(export.NewExporter(outputDir, nil), pipeline.Options{}),
		LocalFiles: pipeline.LocalFileFetcher{
			ProductsDir:    filepath.Join(dir, "products"),
			BackgroundsDir: filepath.Join(dir, "backgrounds"),
		},
	}
	if mutate != nil {
		mutate(&opts)
	}

	f.server = NewServer(zaptest.NewLogger(t), opts)
	f.handler = f.server.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, target string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestListBackgrounds(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "backgrounds", "studio.png"), pngBytes(t, 30, 20, color.NRGBA{A: 0xff}), 0o644))

	rec := f.do(t, http.MethodGet, "/v1/backgrounds", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"backgrounds":[{"filename":"studio.png","width":30,"height":20}]}`, rec.Body.String())
}

func TestComposeReturnsExportResult(t *testing.T) {
	f := newFixture(t, nil)

	body, contentType := multipartBody(t, map[string]string{"x": "25", "scale": "0.5", "filename": "hero"}, map[string][]byte{
		"product":    pngBytes(t, 200, 200, color.NRGBA{R: 0xff, A: 0xff}),
		"background": pngBytes(t, 1080, 1080, color.NRGBA{B: 0xff, A: 0xff}),
	})
	rec := f.do(t, http.MethodPost, "/v1/compositions", body, http.Header{"Content-Type": {contentType}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Result    domain.ExportResult `json:"result"`
		Transform domain.Transform    `json:"transform"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Result.Success)
	assert.Equal(t, "hero_thumb.png", resp.Result.Filename)
	assert.Equal(t, 25, resp.Transform.X())
	assert.Equal(t, 0.5, resp.Transform.Scale())
	assert.FileExists(t, filepath.Join(f.outputDir, "hero_thumb.png"))
}

func TestComposeUsesCatalogBackground(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "backgrounds", "desk.png"), pngBytes(t, 64, 64, color.NRGBA{G: 0xff, A: 0xff}), 0o644))

	body, contentType := multipartBody(t, map[string]string{"background_name": "desk.png"}, map[string][]byte{
		"product": pngBytes(t, 20, 20, color.NRGBA{R: 0xff, A: 0xff}),
	})
	rec := f.do(t, http.MethodPost, "/v1/compositions", body, http.Header{"Content-Type": {contentType}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.FileExists(t, filepath.Join(f.outputDir, "product_thumb.png"))
}

func TestComposeRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)

	body, contentType := multipartBody(t, nil, map[string][]byte{
		"product":    []byte("definitely not an image"),
		"background": pngBytes(t, 10, 10, color.NRGBA{A: 0xff}),
	})
	rec := f.do(t, http.MethodPost, "/v1/compositions", body, http.Header{"Content-Type": {contentType}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "product")

	body, contentType = multipartBody(t, map[string]string{"scale": "big"}, map[string][]byte{
		"product":    pngBytes(t, 10, 10, color.NRGBA{A: 0xff}),
		"background": pngBytes(t, 10, 10, color.NRGBA{A: 0xff}),
	})
	rec = f.do(t, http.MethodPost, "/v1/compositions", body, http.Header{"Content-Type": {contentType}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "scale must be a number")

	body, contentType = multipartBody(t, nil, map[string][]byte{
		"background": pngBytes(t, 10, 10, color.NRGBA{A: 0xff}),
	})
	rec = f.do(t, http.MethodPost, "/v1/compositions", body, http.Header{"Content-Type": {contentType}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestComposeExportFailureIsUnprocessable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	f := newFixture(t, func(o *Options) {
		o.Composer = pipeline.NewProcessor(export.NewExporter(filepath.Join(blocker, "out"), nil), pipeline.Options{})
	})

	body, contentType := multipartBody(t, nil, map[string][]byte{
		"product":    pngBytes(t, 10, 10, color.NRGBA{A: 0xff}),
		"background": pngBytes(t, 10, 10, color.NRGBA{A: 0xff}),
	})
	rec := f.do(t, http.MethodPost, "/v1/compositions", body, http.Header{"Content-Type": {contentType}})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp struct {
		Result domain.ExportResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Result.Success)
	assert.NotEmpty(t, resp.Result.Error)
}

func TestJobLifecycleLocalFile(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "products", "mug.png"), pngBytes(t, 10, 10, color.NRGBA{A: 0xff}), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "backgrounds", "desk.png"), pngBytes(t, 10, 10, color.NRGBA{A: 0xff}), 0o644))

	rec := f.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(
		`{"source_type":"local_file","product_key":"mug.png","background_key":"desk.png","transform":{"x":900,"scale":0.5}}`,
	), nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var created struct {
		JobID     string           `json:"job_id"`
		Transform domain.Transform `json:"transform"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.JobID)
	assert.Equal(t, domain.MaxOffset, created.Transform.X())

	rec = f.do(t, http.MethodPost, "/v1/jobs/"+created.JobID+"/start", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, f.queue.payloads, 1)
	assert.Equal(t, "mug.png", f.queue.payloads[0].ProductKey)
	assert.Equal(t, 0.5, f.queue.payloads[0].Transform.Scale())

	rec = f.do(t, http.MethodGet, "/v1/jobs/"+created.JobID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"queued"`)
}

func TestStartJobRequiresSources(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(
		`{"source_type":"local_file","product_key":"absent.png","background_key":"absent.png"}`,
	), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = f.do(t, http.MethodPost, "/v1/jobs/"+created.JobID+"/start", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, f.queue.payloads)

	rec = f.do(t, http.MethodPost, "/v1/jobs/missing/start", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPresignedJobFlow(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(`{"source_type":"s3_presigned","filename":"hero"}`), nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var created struct {
		JobID  string            `json:"job_id"`
		Upload map[string]string `json:"upload"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	productKey, backgroundKey := pipeline.UploadKeys(created.JobID)
	assert.Equal(t, productKey, created.Upload["product_key"])
	assert.Equal(t, "https://storage.example/put/"+backgroundKey, created.Upload["background_put_url"])

	rec = f.do(t, http.MethodPost, "/v1/jobs/"+created.JobID+"/start", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "uploads not present yet")

	f.storage.objects[productKey] = true
	f.storage.objects[backgroundKey] = true
	rec = f.do(t, http.MethodPost, "/v1/jobs/"+created.JobID+"/start", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	_, err := f.jobStore.Complete(context.Background(), created.JobID, domain.JobStatusSucceeded,
		domain.ExportResult{Success: true, Filename: "hero_thumb.png"}, "outputs/"+created.JobID+"/hero_thumb.png")
	require.NoError(t, err)

	rec = f.do(t, http.MethodGet, "/v1/jobs/"+created.JobID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"download_url":"https://storage.example/get/outputs/`)
	assert.Contains(t, rec.Body.String(), `"filename":"hero_thumb.png"`)
}

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(`{"source_type":"local_file"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(`{"source_type":"ftp"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(`{"source_type":"local_file","unknown":1}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitRejectsMutations(t *testing.T) {
	limiter := &fakeLimiter{decision: ratelimit.Decision{Allowed: false, Limit: 60, Cost: 1, RetryAfter: 2500 * time.Millisecond}}
	f := newFixture(t, func(o *Options) { o.RateLimiter = limiter })

	rec := f.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(`{}`), http.Header{"X-User-Id": {"user-9"}})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))
	assert.Equal(t, "60", rec.Header().Get("X-RateLimit-Limit"))
	assert.Contains(t, rec.Body.String(), `"operation":"create_job"`)
	assert.Equal(t, "user-9", limiter.subject)
	assert.Equal(t, int64(1), limiter.cost)

	rec = f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "reads are not limited")

	limiter.err = errors.New("redis down")
	rec = f.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(`{"source_type":"ftp"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "limiter failures let requests through")

	metrics := f.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Contains(t, metrics.Body.String(), `thumbforge_api_rate_limit_rejections_total{operation="create_job"} 1`)
}

func TestRateLimitChargesByOperation(t *testing.T) {
	limiter := &fakeLimiter{decision: ratelimit.Decision{Allowed: false}}
	f := newFixture(t, func(o *Options) {
		o.RateLimiter = limiter
		o.RateLimitCosts = ratelimit.Costs{ratelimit.OperationStartJob: 3}
	})

	cases := []struct {
		method, target string
		cost           int64
	}{
		{http.MethodPost, "/v1/compositions", ratelimit.DefaultComposeCost},
		{http.MethodPost, "/v1/jobs", 1},
		{http.MethodPost, "/v1/jobs/abc/start", 3},
	}
	for _, tc := range cases {
		limiter.cost = 0
		rec := f.do(t, tc.method, tc.target, strings.NewReader(`{}`), nil)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code, tc.target)
		assert.Equal(t, tc.cost, limiter.cost, tc.target)
		assert.Equal(t, "anonymous", limiter.subject, tc.target)
	}

	limiter.cost = 0
	f.do(t, http.MethodGet, "/v1/jobs/abc", nil, nil)
	f.do(t, http.MethodGet, "/v1/backgrounds", nil, nil)
	assert.Zero(t, limiter.cost, "reads never reach the limiter")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodGet, "/healthz", nil, nil)

	rec := f.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `thumbforge_api_requests_total{method="GET",route="/healthz",status="200"} 1`)
}

type fakeQueue struct {
	payloads []queue.ComposeThumbnailPayload
}

func (q *fakeQueue) EnqueueComposeThumbnail(_ context.Context, payload queue.ComposeThumbnailPayload) (*asynq.TaskInfo, error) {
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: "task-1", Queue: "default", State: asynq.TaskStatePending}, nil
}

type fakeStorage struct {
	objects map[string]bool
}

func (s *fakeStorage) PresignedPutURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://storage.example/put/" + key, nil
}

func (s *fakeStorage) PresignedGetURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://storage.example/get/" + key, nil
}

func (s *fakeStorage) ObjectExists(_ context.Context, key string) (bool, error) {
	return s.objects[key], nil
}

type fakeLimiter struct {
	decision ratelimit.Decision
	err      error
	subject  string
	cost     int64
}

func (l *fakeLimiter) Take(_ context.Context, subject string, cost int64) (ratelimit.Decision, error) {
	l.subject = subject
	l.cost = cost
	return l.decision, l.err
}

func multipartBody(t *testing.T, fields map[string]string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for field, data := range files {
		part, err := mw.CreateFormFile(field, field+".png")
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func pngBytes(t *testing.T, w, h int, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
