package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/vidfetch/vidfetchd/internal/fetch"
	"github.com/vidfetch/vidfetchd/internal/job"
	"github.com/vidfetch/vidfetchd/internal/logctx"
	"github.com/vidfetch/vidfetchd/internal/storage"
	"github.com/vidfetch/vidfetchd/internal/telemetry"
)

const (
	historyLimit      = 50
	probeTimeout      = 45 * time.Second
	maxFormatOverride = 500
)

// formatForbidden are shell metacharacters; format selectors are passed as
// a single argv entry, but they never legitimately contain any of these.
const formatForbidden = ";&|`$()\n\r"

// Downloader is the slice of the fetcher the HTTP layer needs.
type Downloader interface {
	Run(ctx context.Context, id, formatOverride string)
	Probe(ctx context.Context, url string) (*fetch.ProbeResult, error)
}

// Handler serves the download API and the single-page front end.
type Handler struct {
	jobs       *job.Manager
	downloader Downloader
	repo       storage.JobRepository
	telemetry  *telemetry.Telemetry
	limiter    *RateLimiter

	allowedDomains []string
	allowedOrigins []string

	// runCtx outlives individual requests; download goroutines hang off it
	// so an answered submit does not kill its own job.
	runCtx context.Context
}

// HandlerOpts configures the Handler.
type HandlerOpts struct {
	AllowedDomains []string
	AllowedOrigins []string
	RatePerMinute  int
}

func NewHandler(runCtx context.Context, jobs *job.Manager, downloader Downloader, repo storage.JobRepository, t *telemetry.Telemetry, opts HandlerOpts) *Handler {
	domains := make([]string, 0, len(opts.AllowedDomains))
	for _, d := range opts.AllowedDomains {
		domains = append(domains, strings.ToLower(strings.TrimSpace(d)))
	}

	return &Handler{
		jobs:           jobs,
		downloader:     downloader,
		repo:           repo,
		telemetry:      t,
		limiter:        NewRateLimiter(opts.RatePerMinute),
		allowedDomains: domains,
		allowedOrigins: opts.AllowedOrigins,
		runCtx:         runCtx,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)

	r.Get("/", h.HandleIndex)
	r.Get("/healthz", h.HandleHealth)

	r.Route("/api", func(api chi.Router) {
		api.With(h.limiter.Middleware).Post("/downloads", h.HandleSubmit)
		api.With(h.limiter.Middleware).Post("/probe", h.HandleProbe)
		api.Get("/jobs", h.HandleHistory)
		api.Get("/jobs/{id}", h.HandleJobStatus)
		api.Delete("/jobs/{id}", h.HandleCancel)
		api.Get("/artifacts/{id}", h.HandleArtifact)
	})

	r.Get("/ws/jobs/{id}", h.HandleProgressSocket)

	return r
}

type submitRequest struct {
	URL     string `json:"url"`
	Profile string `json:"profile"`
	Format  string `json:"fmt"`
}

// HandleSubmit validates the request and queues a download. Nothing is
// spawned for input that fails validation.
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	req, err := parseSubmit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())

		return
	}

	if err := h.validateURL(req.URL); err != nil {
		logger.Warn("rejected submit", "url", req.URL, "err", err)
		respondError(w, http.StatusBadRequest, err.Error())

		return
	}

	profile, err := job.ParseProfile(req.Profile)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())

		return
	}

	if err := validateFormatOverride(req.Format); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())

		return
	}

	j := h.jobs.Create(req.URL, profile)

	if h.repo != nil {
		if err := h.repo.RecordJob(storage.JobRecord{
			ID:        j.ID,
			URL:       j.URL,
			Profile:   string(j.Profile),
			Status:    string(j.Status),
			CreatedAt: j.CreatedAt.UTC().Format(time.RFC3339),
		}); err != nil {
			logger.Error("failed to record job", "job_id", j.ID, "err", err)
		}
	}

	logger.Info("job queued", "job_id", j.ID, "profile", profile)

	go h.downloader.Run(h.runCtx, j.ID, req.Format)

	respondJSON(w, http.StatusAccepted, map[string]string{
		"job_id": j.ID,
		"status": string(j.Status),
	})
}

// HandleProbe asks the downloader for metadata and formats without
// downloading anything.
func (h *Handler) HandleProbe(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	req, err := parseSubmit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())

		return
	}

	if err := h.validateURL(req.URL); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())

		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	result, err := h.downloader.Probe(ctx, req.URL)
	if err != nil {
		logger.Warn("probe failed", "url", req.URL, "err", err)

		var toolErr *fetch.ToolError
		if errors.As(err, &toolErr) {
			respondError(w, http.StatusUnprocessableEntity, toolErr.Error())

			return
		}

		respondError(w, http.StatusBadGateway, "failed to inspect media")

		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) HandleJobStatus(w http.ResponseWriter, r *http.Request) {
	j, ok := h.jobs.Get(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "unknown job")

		return
	}

	respondJSON(w, http.StatusOK, j)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		respondJSON(w, http.StatusOK, []storage.JobRecord{})

		return
	}

	records, err := h.repo.RecentJobs(historyLimit)
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to load history", "err", err)
		respondError(w, http.StatusInternalServerError, "failed to load history")

		return
	}

	respondJSON(w, http.StatusOK, records)
}

// HandleCancel kills a running job's subprocess. The fetcher owns the
// terminal bookkeeping and the temp dir cleanup.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, ok := h.jobs.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown job")

		return
	}

	if j.Status.Terminal() {
		respondError(w, http.StatusConflict, "job already "+string(j.Status))

		return
	}

	if !h.jobs.Cancel(id) {
		respondError(w, http.StatusConflict, "job cannot be cancelled")

		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// HandleArtifact streams the finished file exactly once. The claim removes
// the job atomically, so concurrent requests race for it and all but one
// lose; whatever the copy outcome, the artifact is gone afterwards.
func (h *Handler) HandleArtifact(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	id := chi.URLParam(r, "id")

	snapshot, ok := h.jobs.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown job")

		return
	}

	if snapshot.Status != job.StatusFinished {
		respondError(w, http.StatusConflict, "job is not finished")

		return
	}

	j, ok := h.jobs.Claim(id)
	if !ok {
		// Another request claimed it between the check and now.
		respondError(w, http.StatusGone, "artifact no longer available")

		return
	}

	f, err := os.Open(j.ArtifactPath)
	if err != nil {
		// The TTL sweep got here first.
		respondError(w, http.StatusGone, "artifact no longer available")

		return
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		respondError(w, http.StatusInternalServerError, "failed to read artifact")

		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(j.Filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", j.Filename))

	n, copyErr := io.Copy(w, f)
	f.Close()

	h.telemetry.RecordArtifactBytes(n)

	if err := os.RemoveAll(j.TempDir); err != nil {
		logger.Error("failed to remove served artifact", "job_id", id, "dir", j.TempDir, "err", err)
	}

	if copyErr != nil {
		logger.Warn("artifact transfer interrupted", "job_id", id, "sent", n, "err", copyErr)

		return
	}

	logger.Info("artifact served", "job_id", id, "file", j.Filename, "bytes", n)
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseSubmit accepts JSON bodies from the API and form posts from the page.
func parseSubmit(r *http.Request) (submitRequest, error) {
	var req submitRequest

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, fmt.Errorf("invalid request body")
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return req, fmt.Errorf("invalid form body")
		}

		req.URL = r.FormValue("url")
		req.Profile = r.FormValue("profile")
		req.Format = r.FormValue("fmt")
	}

	req.URL = strings.TrimSpace(req.URL)
	req.Format = strings.TrimSpace(req.Format)

	return req, nil
}

// validateURL accepts well-formed http(s) URLs whose host is on the domain
// allow list. An empty list allows any host.
func (h *Handler) validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url")
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url must use http or https")
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("url has no host")
	}

	if len(h.allowedDomains) == 0 {
		return nil
	}

	for _, domain := range h.allowedDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return nil
		}
	}

	return fmt.Errorf("domain %s is not supported", host)
}

func validateFormatOverride(format string) error {
	if format == "" {
		return nil
	}

	if len(format) > maxFormatOverride {
		return fmt.Errorf("format selector too long")
	}

	if strings.ContainsAny(format, formatForbidden) {
		return fmt.Errorf("format selector contains invalid characters")
	}

	return nil
}

// corsMiddleware reflects allow-listed origins; same-origin page loads carry
// no Origin header and pass through untouched.
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && h.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.WriteHeader(http.StatusNoContent)

				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) originAllowed(origin string) bool {
	for _, allowed := range h.allowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}

	return false
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(v) //nolint:errcheck // headers are already out
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
