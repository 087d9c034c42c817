package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chicogong/media-dubbing/pkg/auth"
	"github.com/chicogong/media-dubbing/pkg/engine"
	"github.com/chicogong/media-dubbing/pkg/metrics"
	"github.com/chicogong/media-dubbing/pkg/providers"
	"github.com/chicogong/media-dubbing/pkg/providers/providertest"
	"github.com/chicogong/media-dubbing/pkg/ratelimit"
	"github.com/chicogong/media-dubbing/pkg/schemas"
	"github.com/chicogong/media-dubbing/pkg/storage"
	"github.com/chicogong/media-dubbing/pkg/store"
	"github.com/chicogong/media-dubbing/pkg/validator"
)

type testServer struct {
	server    *Server
	handler   http.Handler
	engine    *engine.Engine
	store     *store.MemoryStore
	client    *providertest.Client
	limiter   *ratelimit.Limiter
	sourceURI string
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	dir := t.TempDir()

	sourcePath := filepath.Join(dir, "source.wav")
	require.NoError(t, os.WriteFile(sourcePath, []byte("pcm"), 0o644))

	tracks, err := storage.NewTrackStorage(storage.NewLocalStorage(), "file://"+filepath.Join(dir, "tracks"), 0)
	require.NoError(t, err)

	segments := []schemas.TranscriptSegment{
		{Index: 0, Start: 0, End: time.Second, Text: "hello"},
		{Index: 1, Start: 2 * time.Second, End: 3 * time.Second, Text: "goodbye"},
	}

	ts := &testServer{
		store:     store.NewMemoryStore(),
		client:    providertest.New(segments),
		limiter:   ratelimit.New(ratelimit.WithClock(ratelimit.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))),
		sourceURI: "file://" + sourcePath,
	}

	var n atomic.Int64
	ts.engine = engine.New(engine.Deps{
		Store:   ts.store,
		Limiter: ts.limiter,
		Client:  ts.client,
		Tracks:  tracks,
	}, engine.DefaultConfig(), engine.WithIDGenerator(func() string {
		return fmt.Sprintf("id-%d", n.Add(1))
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ts.engine.Shutdown(ctx)
	})

	ts.server = NewServer(ts.engine, ts.store, validator.New(), opts...)
	ts.handler = ts.server.Handler()
	return ts
}

func (ts *testServer) dubRequest() map[string]any {
	return map[string]any{
		"movie_id":         "m1",
		"movie_title":      "The Movie",
		"target_language":  "es",
		"speaker_mode":     "single",
		"voice_gender":     "female",
		"voice_quality":    "standard",
		"source_audio_uri": ts.sourceURI,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func (ts *testServer) wait(t *testing.T, jobID string) *store.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := ts.engine.Wait(ctx, jobID)
	require.NoError(t, err)
	return job
}

// block holds every provider call until release is closed.
func (ts *testServer) block() (release func()) {
	ch := make(chan struct{})
	ts.client.BeforeInvoke = func(ctx context.Context, _ schemas.Provider, _ providers.Request) {
		select {
		case <-ch:
		case <-ctx.Done():
		}
	}
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[map[string]any](t, w)
	assert.Equal(t, "healthy", resp["status"])
	assert.EqualValues(t, 0, resp["running_jobs"])
}

func TestHandleCreateDub_CompletesAndServesTrack(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/dubs", ts.dubRequest())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	created := decode[CreateDubResponse](t, w)
	assert.Equal(t, "id-1", created.JobID)
	assert.Equal(t, schemas.JobStatePending, created.Status)
	assert.Equal(t, 5, created.PollIntervalSeconds)
	assert.Equal(t, "/api/v1/jobs/id-1", w.Header().Get("Location"))

	ts.wait(t, created.JobID)

	w = ts.do(t, http.MethodGet, "/api/v1/jobs/"+created.JobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[schemas.JobStatus](t, w)
	require.Equal(t, schemas.JobStateCompleted, status.Status, status.Error)
	assert.Equal(t, 100, status.Progress.Percent)
	assert.Equal(t, "es", status.Metadata.TargetLanguage)
	assert.Equal(t, "Spanish", status.Metadata.LanguageName)
	assert.Equal(t, "The Movie", status.Metadata.MovieTitle)
	require.NotEmpty(t, status.ResultTrackID)

	w = ts.do(t, http.MethodGet, "/api/v1/tracks/"+status.ResultTrackID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	track := decode[schemas.DubbedAudioTrack](t, w)
	assert.Equal(t, "m1", track.MovieID)
	assert.Equal(t, "es", track.LanguageCode)

	path := track.AudioAssetRef[len("file://"):]
	audio, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEmpty(t, audio)
}

func TestHandleCreateDub_Invalid(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name     string
		mutate   func(map[string]any)
		wantCode string
	}{
		{"missing voice gender", func(r map[string]any) { delete(r, "voice_gender") }, "validation_error"},
		{"unknown language", func(r map[string]any) { r["target_language"] = "12" }, "validation_error"},
		{"loopback source", func(r map[string]any) { r["source_audio_uri"] = "http://127.0.0.1/audio.wav" }, "validation_error"},
		{"unknown field", func(r map[string]any) { r["priority"] = 1 }, "invalid_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := ts.dubRequest()
			tt.mutate(body)

			w := ts.do(t, http.MethodPost, "/api/v1/dubs", body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			resp := decode[ErrorResponse](t, w)
			assert.Equal(t, tt.wantCode, resp.Error)
			assert.Equal(t, http.StatusBadRequest, resp.Code)
		})
	}
	assert.Zero(t, len(ts.client.Calls()))
}

func TestHandleCreateDub_Conflict(t *testing.T) {
	ts := newTestServer(t)
	release := ts.block()
	defer release()

	w := ts.do(t, http.MethodPost, "/api/v1/dubs", ts.dubRequest())
	require.Equal(t, http.StatusCreated, w.Code)
	first := decode[CreateDubResponse](t, w)

	body := ts.dubRequest()
	body["target_language"] = "ES"
	w = ts.do(t, http.MethodPost, "/api/v1/dubs", body)
	require.Equal(t, http.StatusConflict, w.Code)
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, "conflict", resp.Error)
	assert.Equal(t, first.JobID, resp.JobID)

	body["target_language"] = "fr"
	w = ts.do(t, http.MethodPost, "/api/v1/dubs", body)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestHandleCreateDub_AfterShutdown(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.engine.Shutdown(context.Background()))

	w := ts.do(t, http.MethodPost, "/api/v1/dubs", ts.dubRequest())
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleGetJob_NotFound(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/v1/jobs/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "job_not_found", decode[ErrorResponse](t, w).Error)
}

func TestHandleListJobs(t *testing.T) {
	ts := newTestServer(t)

	for _, lang := range []string{"es", "fr", "de"} {
		body := ts.dubRequest()
		body["target_language"] = lang
		w := ts.do(t, http.MethodPost, "/api/v1/dubs", body)
		require.Equal(t, http.StatusCreated, w.Code)
		ts.wait(t, decode[CreateDubResponse](t, w).JobID)
	}

	w := ts.do(t, http.MethodGet, "/api/v1/jobs?status=completed,failed&movie_id=m1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]schemas.JobStatus](t, w), 3)

	w = ts.do(t, http.MethodGet, "/api/v1/jobs?target_language=FR", nil)
	require.Equal(t, http.StatusOK, w.Code)
	jobs := decode[[]schemas.JobStatus](t, w)
	require.Len(t, jobs, 1)
	assert.Equal(t, "fr", jobs[0].Metadata.TargetLanguage)

	w = ts.do(t, http.MethodGet, "/api/v1/jobs?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]schemas.JobStatus](t, w), 2)

	w = ts.do(t, http.MethodGet, "/api/v1/jobs?status=pending&movie_id=other", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())

	for _, query := range []string{"status=queued", "limit=0", "offset=-1", "limit=ten"} {
		w = ts.do(t, http.MethodGet, "/api/v1/jobs?"+query, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, query)
	}
}

func TestHandleJobEvents(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/dubs", ts.dubRequest())
	require.Equal(t, http.StatusCreated, w.Code)
	jobID := decode[CreateDubResponse](t, w).JobID
	ts.wait(t, jobID)

	w = ts.do(t, http.MethodGet, "/api/v1/jobs/"+jobID+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	all := decode[EventsResponse](t, w)
	require.NotEmpty(t, all.Events)
	last := all.Events[len(all.Events)-1]
	assert.Equal(t, schemas.JobStateCompleted, last.Status)
	assert.Equal(t, last.Seq, all.LastSeq)
	assert.Equal(t, all.Events[0].Seq, all.OldestSeq)
	assert.False(t, all.Truncated)

	percent := -1
	for _, ev := range all.Events {
		assert.Equal(t, jobID, ev.JobID)
		if ev.Type == engine.EventTypeProgress {
			assert.GreaterOrEqual(t, ev.Percent, percent)
			percent = ev.Percent
		}
	}

	w = ts.do(t, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s/events?since=%d", jobID, all.LastSeq), nil)
	require.Equal(t, http.StatusOK, w.Code)
	tail := decode[EventsResponse](t, w)
	assert.Empty(t, tail.Events)
	assert.Equal(t, all.LastSeq, tail.LastSeq)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/jobs/"+jobID+"/events?since=x", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/v1/jobs/missing/events", nil).Code)
}

func TestHandleCancelJob(t *testing.T) {
	ts := newTestServer(t)
	release := ts.block()
	defer release()

	w := ts.do(t, http.MethodPost, "/api/v1/dubs", ts.dubRequest())
	require.Equal(t, http.StatusCreated, w.Code)
	jobID := decode[CreateDubResponse](t, w).JobID

	w = ts.do(t, http.MethodDelete, "/api/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	job := ts.wait(t, jobID)
	assert.Equal(t, schemas.JobStateFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, engine.CodeCancelled, job.Error.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, nil)
	assert.Equal(t, "cancelled", decode[schemas.JobStatus](t, w).Error)

	w = ts.do(t, http.MethodDelete, "/api/v1/jobs/"+jobID, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlePurgeJob(t *testing.T) {
	ts := newTestServer(t)
	release := ts.block()
	defer release()

	w := ts.do(t, http.MethodPost, "/api/v1/dubs", ts.dubRequest())
	require.Equal(t, http.StatusCreated, w.Code)
	jobID := decode[CreateDubResponse](t, w).JobID

	w = ts.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/purge", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "job_active", decode[ErrorResponse](t, w).Error)

	release()
	job := ts.wait(t, jobID)
	require.Equal(t, schemas.JobStateCompleted, job.Status)
	track, err := ts.store.GetTrack(context.Background(), job.ResultTrackID)
	require.NoError(t, err)
	audioPath := strings.TrimPrefix(track.AudioAssetRef, "file://")
	require.FileExists(t, audioPath)

	w = ts.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/purge", nil)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.NoFileExists(t, audioPath)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/v1/tracks/"+job.ResultTrackID, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/purge", nil).Code)
}

func TestHandleGetTrack_NotFound(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/v1/tracks/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "track_not_found", decode[ErrorResponse](t, w).Error)
}

func TestHandleProviders(t *testing.T) {
	ts := newTestServer(t)
	ts.limiter.ReportRateLimited(schemas.ProviderTTSPremium, 30*time.Second)

	w := ts.do(t, http.MethodGet, "/api/v1/providers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	views := decode[[]ProviderView](t, w)
	require.Len(t, views, len(schemas.Providers))

	var premium ProviderView
	for _, v := range views {
		if v.Provider == schemas.ProviderTTSPremium {
			premium = v
		}
	}
	assert.True(t, premium.CoolingDown)
	assert.Equal(t, int64(30000), premium.CooldownRemainingMs)
	assert.Equal(t, int64(500), premium.FloorMs)
	assert.Equal(t, 1, premium.ConsecutiveFailures)

	w = ts.do(t, http.MethodPost, "/api/v1/providers/tts-premium/reset", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	reset := decode[ProviderView](t, w)
	assert.False(t, reset.CoolingDown)
	assert.Zero(t, reset.ConsecutiveFailures)
	assert.False(t, ts.limiter.IsCoolingDown(schemas.ProviderTTSPremium))

	w = ts.do(t, http.MethodPost, "/api/v1/providers/nope/reset", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_Auth(t *testing.T) {
	keys := auth.NewAPIKeyManager()
	adminKey, err := keys.Generate("ops", auth.RoleAdmin, "ops", nil)
	require.NoError(t, err)
	userKey, err := keys.Generate("client", auth.RoleUser, "client", nil)
	require.NoError(t, err)

	ts := newTestServer(t, WithAuth(auth.NewAuthMiddleware(auth.NewJWTManager("0123456789abcdef", time.Hour), keys, false)))

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/api/v1/providers", nil).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/providers", nil, "X-API-Key", userKey.Key).Code)

	w := ts.do(t, http.MethodPost, "/api/v1/providers/asr/reset", nil, "X-API-Key", userKey.Key)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", decode[ErrorResponse](t, w).Error)

	w = ts.do(t, http.MethodPost, "/api/v1/providers/asr/reset", nil, "X-API-Key", adminKey.Key)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_SubmitRateLimit(t *testing.T) {
	ts := newTestServer(t, WithSubmitLimiter(NewClientLimiter(0.001, 1)))

	w := ts.do(t, http.MethodPost, "/api/v1/dubs", ts.dubRequest())
	require.Equal(t, http.StatusCreated, w.Code)

	body := ts.dubRequest()
	body["target_language"] = "fr"
	w = ts.do(t, http.MethodPost, "/api/v1/dubs", body)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decode[ErrorResponse](t, w).Error)

	// reads are not throttled
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/jobs", nil).Code)
}

func TestServer_CORSPreflight(t *testing.T) {
	ts := newTestServer(t, WithCORSOrigins([]string{"https://studio.example.com"}))

	w := ts.do(t, http.MethodOptions, "/api/v1/dubs", nil, "Origin", "https://studio.example.com")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://studio.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = ts.do(t, http.MethodGet, "/health", nil, "Origin", "https://evil.example.com")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_MetricsAndUnknownRoutes(t *testing.T) {
	ts := newTestServer(t, WithMetrics(metrics.NewCollector()))

	w := ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "dubber_")

	w = ts.do(t, http.MethodGet, "/api/v1/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPut, "/api/v1/jobs", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
