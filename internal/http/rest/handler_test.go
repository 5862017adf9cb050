package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vidfetch/vidfetchd/internal/fetch"
	"github.com/vidfetch/vidfetchd/internal/job"
	"github.com/vidfetch/vidfetchd/internal/storage"
)

type fakeDownloader struct {
	mu   sync.Mutex
	runs []string

	probeResult *fetch.ProbeResult
	probeErr    error
}

func (f *fakeDownloader) Run(ctx context.Context, id, formatOverride string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.runs = append(f.runs, id)
}

func (f *fakeDownloader) Probe(ctx context.Context, url string) (*fetch.ProbeResult, error) {
	return f.probeResult, f.probeErr
}

func (f *fakeDownloader) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.runs)
}

type fakeRepo struct {
	mu      sync.Mutex
	records []storage.JobRecord
}

func (r *fakeRepo) RecordJob(rec storage.JobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = append(r.records, rec)

	return nil
}

func (r *fakeRepo) FinishJob(id, status, artifactPath string) error { return nil }

func (r *fakeRepo) RecentJobs(limit int) ([]storage.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.records, nil
}

func newTestHandler(t *testing.T) (*Handler, *fakeDownloader, *job.Manager, *fakeRepo) {
	t.Helper()

	jobs := job.NewManager(time.Hour)
	dl := &fakeDownloader{}
	repo := &fakeRepo{}

	h := NewHandler(context.Background(), jobs, dl, repo, nil, HandlerOpts{
		AllowedDomains: []string{"youtube.com", "youtu.be"},
	})

	return h, dl, jobs, repo
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	return rec
}

func TestSubmitRejectsBadInputBeforeSpawning(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing url", body: `{"profile":"best"}`},
		{name: "not a url", body: `{"url":"notaurl","profile":"best"}`},
		{name: "wrong scheme", body: `{"url":"ftp://youtube.com/v","profile":"best"}`},
		{name: "disallowed domain", body: `{"url":"https://evil.com/v","profile":"best"}`},
		{name: "lookalike domain", body: `{"url":"https://youtube.com.evil.com/v","profile":"best"}`},
		{name: "unknown profile", body: `{"url":"https://youtube.com/watch?v=a","profile":"potato"}`},
		{name: "shell chars in format", body: `{"url":"https://youtube.com/watch?v=a","profile":"best","fmt":"137;rm -rf /"}`},
		{name: "oversized format", body: `{"url":"https://youtube.com/watch?v=a","profile":"best","fmt":"` + strings.Repeat("a", 501) + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, dl, jobs, _ := newTestHandler(t)

			rec := postJSON(t, h.Routes(), "/api/downloads", tt.body)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Zero(t, dl.runCount(), "rejected input must never reach the downloader")
			require.Empty(t, jobs.All())
		})
	}
}

func TestSubmitQueuesJob(t *testing.T) {
	h, dl, jobs, repo := newTestHandler(t)

	rec := postJSON(t, h.Routes(), "/api/downloads",
		`{"url":"https://www.youtube.com/watch?v=abc","profile":"720p"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["job_id"])
	require.Equal(t, "queued", resp["status"])

	j, ok := jobs.Get(resp["job_id"])
	require.True(t, ok)
	require.Equal(t, job.Profile720p, j.Profile)

	require.Eventually(t, func() bool {
		return dl.runCount() == 1
	}, time.Second, 10*time.Millisecond)

	require.Len(t, repo.records, 1)
	require.Equal(t, resp["job_id"], repo.records[0].ID)
}

func TestSubmitAcceptsFormBody(t *testing.T) {
	h, _, _, _ := newTestHandler(t)

	form := url.Values{"url": {"https://youtu.be/abc"}, "profile": {"audio"}}

	req := httptest.NewRequest(http.MethodPost, "/api/downloads", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestJobStatus(t *testing.T) {
	h, _, jobs, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/nope", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	j := jobs.Create("https://youtube.com/watch?v=abc", job.ProfileBest)

	req = httptest.NewRequest(http.MethodGet, "/api/jobs/"+j.ID, nil)
	rec = httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var got job.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, j.ID, got.ID)
	require.Equal(t, job.StatusQueued, got.Status)
}

func TestJobStatusHidesServerPaths(t *testing.T) {
	h, _, jobs, _ := newTestHandler(t)

	j := jobs.Create("https://youtube.com/watch?v=abc", job.ProfileBest)
	jobs.Update(j.ID, func(j *job.Job) {
		j.TempDir = "/tmp/vidfetch/job_x"
		j.ArtifactPath = "/tmp/vidfetch/job_x/clip.mp4"
	})

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+j.ID, nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.NotContains(t, rec.Body.String(), "/tmp/vidfetch")
}

func TestCancel(t *testing.T) {
	h, _, jobs, _ := newTestHandler(t)
	router := h.Routes()

	req := httptest.NewRequest(http.MethodDelete, "/api/jobs/nope", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	j := jobs.Create("https://youtube.com/watch?v=abc", job.ProfileBest)

	cancelled := false
	jobs.RegisterCancel(j.ID, func() { cancelled = true })

	req = httptest.NewRequest(http.MethodDelete, "/api/jobs/"+j.ID, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, cancelled)

	done := jobs.Create("https://youtube.com/watch?v=abc", job.ProfileBest)
	jobs.Update(done.ID, func(j *job.Job) { j.Status = job.StatusFinished })

	req = httptest.NewRequest(http.MethodDelete, "/api/jobs/"+done.ID, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestArtifactServedOnceThenDeleted(t *testing.T) {
	h, _, jobs, _ := newTestHandler(t)
	router := h.Routes()

	tempDir := filepath.Join(t.TempDir(), "job_x")
	require.NoError(t, os.MkdirAll(tempDir, 0755))

	artifact := filepath.Join(tempDir, "clip.mp4")
	require.NoError(t, os.WriteFile(artifact, []byte("video-bytes"), 0644))

	j := jobs.Create("https://youtube.com/watch?v=abc", job.ProfileBest)
	jobs.Update(j.ID, func(j *job.Job) {
		j.Status = job.StatusFinished
		j.ArtifactPath = artifact
		j.Filename = "clip.mp4"
		j.TempDir = tempDir
	})

	req := httptest.NewRequest(http.MethodGet, "/api/artifacts/"+j.ID, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "video-bytes", rec.Body.String())
	require.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Header().Get("Content-Disposition"), `filename="clip.mp4"`)

	// Served exactly once; nothing is left behind.
	require.NoDirExists(t, tempDir)

	_, ok := jobs.Get(j.ID)
	require.False(t, ok)

	req = httptest.NewRequest(http.MethodGet, "/api/artifacts/"+j.ID, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArtifactConcurrentRequestsServeOnce(t *testing.T) {
	h, _, jobs, _ := newTestHandler(t)
	router := h.Routes()

	tempDir := filepath.Join(t.TempDir(), "job_x")
	require.NoError(t, os.MkdirAll(tempDir, 0755))

	artifact := filepath.Join(tempDir, "clip.mp4")
	require.NoError(t, os.WriteFile(artifact, []byte("video-bytes"), 0644))

	j := jobs.Create("https://youtube.com/watch?v=abc", job.ProfileBest)
	jobs.Update(j.ID, func(j *job.Job) {
		j.Status = job.StatusFinished
		j.ArtifactPath = artifact
		j.Filename = "clip.mp4"
		j.TempDir = tempDir
	})

	const clients = 8

	codes := make(chan int, clients)

	var wg sync.WaitGroup

	for range clients {
		wg.Add(1)

		go func() {
			defer wg.Done()

			req := httptest.NewRequest(http.MethodGet, "/api/artifacts/"+j.ID, nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			codes <- rec.Code
		}()
	}

	wg.Wait()
	close(codes)

	served := 0

	for code := range codes {
		if code == http.StatusOK {
			served++
		}
	}

	require.Equal(t, 1, served, "exactly one request may collect the artifact")
	require.NoDirExists(t, tempDir)
}

func TestArtifactRequiresFinishedJob(t *testing.T) {
	h, _, jobs, _ := newTestHandler(t)

	j := jobs.Create("https://youtube.com/watch?v=abc", job.ProfileBest)
	jobs.Update(j.ID, func(j *job.Job) { j.Status = job.StatusDownloading })

	req := httptest.NewRequest(http.MethodGet, "/api/artifacts/"+j.ID, nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestArtifactGoneAfterSweep(t *testing.T) {
	h, _, jobs, _ := newTestHandler(t)

	j := jobs.Create("https://youtube.com/watch?v=abc", job.ProfileBest)
	jobs.Update(j.ID, func(j *job.Job) {
		j.Status = job.StatusFinished
		j.ArtifactPath = filepath.Join(t.TempDir(), "missing.mp4")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/artifacts/"+j.ID, nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusGone, rec.Code)

	_, ok := jobs.Get(j.ID)
	require.False(t, ok)
}

func TestProbe(t *testing.T) {
	h, dl, _, _ := newTestHandler(t)

	dl.probeResult = &fetch.ProbeResult{
		Meta:    fetch.ProbeMeta{Title: "Test Clip"},
		Formats: []fetch.ProbeFormat{{ID: "18", Type: "av", Label: "AV · 360p", Selector: "18"}},
	}

	rec := postJSON(t, h.Routes(), "/api/probe", `{"url":"https://youtube.com/watch?v=abc"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var result fetch.ProbeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, "Test Clip", result.Meta.Title)
	require.Len(t, result.Formats, 1)
}

func TestProbeToolFailure(t *testing.T) {
	h, dl, _, _ := newTestHandler(t)

	dl.probeErr = &fetch.ToolError{ExitCode: 1, Reason: "the video is private"}

	rec := postJSON(t, h.Routes(), "/api/probe", `{"url":"https://youtube.com/watch?v=abc"}`)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), "the video is private")
}

func TestProbeValidatesURLFirst(t *testing.T) {
	h, dl, _, _ := newTestHandler(t)

	dl.probeErr = &fetch.ToolError{ExitCode: 1, Reason: "should not be reached"}

	rec := postJSON(t, h.Routes(), "/api/probe", `{"url":"https://evil.com/v"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistory(t *testing.T) {
	h, _, _, repo := newTestHandler(t)

	require.NoError(t, repo.RecordJob(storage.JobRecord{ID: "a", URL: "https://youtube.com/1", Status: "finished"}))

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var records []storage.JobRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	require.Equal(t, "a", records[0].ID)
}

func TestHealth(t *testing.T) {
	h, _, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestIndexPage(t *testing.T) {
	h, _, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	require.Contains(t, rec.Body.String(), "vidfetch")
}

func TestCORSReflectsAllowedOrigin(t *testing.T) {
	jobs := job.NewManager(time.Hour)
	h := NewHandler(context.Background(), jobs, &fakeDownloader{}, nil, nil, HandlerOpts{
		AllowedOrigins: []string{"http://localhost:8080"},
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/downloads", nil)
	req.Header.Set("Origin", "http://localhost:8080")

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "http://localhost:8080", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://stranger.example")

	rec = httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
