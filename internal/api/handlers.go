package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-render/api/schemas"
	"github.com/xkilldash9x/scalpel-render/internal/browser/session"
	"github.com/xkilldash9x/scalpel-render/internal/cache"
	"github.com/xkilldash9x/scalpel-render/internal/config"
	"github.com/xkilldash9x/scalpel-render/internal/content"
	"github.com/xkilldash9x/scalpel-render/internal/export"
	"github.com/xkilldash9x/scalpel-render/internal/observability"
	"github.com/xkilldash9x/scalpel-render/internal/requestlog"
)

// Endpoint names written to the request log.
const (
	endpointBrowse     = "browse"
	endpointScreenshot = "screenshot"
)

const maxHistoryLimit = 1000

// Renderer runs browser sessions.
type Renderer interface {
	Browse(ctx context.Context, req schemas.BrowseRequest) (*schemas.ResponseDocument, error)
	Screenshot(ctx context.Context, req schemas.ScreenshotRequest) (*schemas.ScreenshotResult, error)
	CheckBrowser(name string) error
	DefaultBrowser() string
}

// ResponseCache answers repeated requests without a browser.
type ResponseCache interface {
	Browse(ctx context.Context, req schemas.BrowseRequest, run cache.BrowseFunc) (cache.Result, error)
	Screenshot(ctx context.Context, req schemas.ScreenshotRequest, run cache.ScreenshotFunc) (cache.Result, error)
}

// RequestLogger records finished requests. It must not block.
type RequestLogger interface {
	Log(rec schemas.RequestRecord)
}

// HistoryStore reads the request log back.
type HistoryStore interface {
	History(ctx context.Context, limit int) ([]schemas.RequestRecord, error)
	Stats(ctx context.Context) (*schemas.Stats, error)
}

// Deps are the collaborators of the HTTP layer. History may be nil when no
// database is configured; the history and stats endpoints then answer 503.
type Deps struct {
	Config   config.Interface
	Renderer Renderer
	Cache    ResponseCache
	Log      RequestLogger
	History  HistoryStore
	Metrics  *observability.Metrics
	Logger   *zap.Logger
	Version  string
}

// Handlers implements the HTTP endpoints.
type Handlers struct {
	renderer     Renderer
	cache        ResponseCache
	log          RequestLogger
	history      HistoryStore
	reader       *content.Reader
	version      string
	historyLimit int
	maxFormBytes int64
	logger       *zap.Logger
}

// NewHandlers creates the handlers from their dependencies.
func NewHandlers(d Deps) *Handlers {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := d.Config.RequestLog().HistoryLimit
	if limit <= 0 {
		limit = 50
	}
	return &Handlers{
		renderer:     d.Renderer,
		cache:        d.Cache,
		log:          d.Log,
		history:      d.History,
		reader:       content.NewReader(),
		version:      d.Version,
		historyLimit: limit,
		maxFormBytes: d.Config.Server().MaxFormBytes,
		logger:       logger.Named("handlers"),
	}
}

// -- Browser-backed endpoints --

func (h *Handlers) handleBrowse(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()
	target := q.Get("url")

	req, format, err := parseBrowse(q)
	if err != nil {
		h.fail(w, r, endpointBrowse, target, start, http.StatusBadRequest, err)
		return
	}
	req = req.Normalized(h.renderer.DefaultBrowser())
	if err := h.renderer.CheckBrowser(req.BrowserName); err != nil {
		h.fail(w, r, endpointBrowse, target, start, http.StatusBadRequest, err)
		return
	}

	res, err := h.cache.Browse(r.Context(), req, h.renderer.Browse)
	if err != nil {
		h.fail(w, r, endpointBrowse, target, start, statusFor(err), err)
		return
	}
	h.record(endpointBrowse, target, http.StatusOK, start, res.Hit, nil)
	setCacheHeader(w, res)

	if format == "har" {
		var doc schemas.ResponseDocument
		if err := res.Decode(&doc); err != nil {
			respondWithError(w, h.logger, http.StatusInternalServerError, fmt.Sprintf("failed to decode document: %v", err))
			return
		}
		respondWithJSON(w, h.logger, http.StatusOK, export.ToHAR(&doc, h.version))
		return
	}
	respondWithRaw(w, h.logger, http.StatusOK, "application/json", res.Body)
}

func (h *Handlers) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()
	target := q.Get("url")

	req, err := parseScreenshot(q)
	if err != nil {
		h.fail(w, r, endpointScreenshot, target, start, http.StatusBadRequest, err)
		return
	}

	res, err := h.cache.Screenshot(r.Context(), req, h.renderer.Screenshot)
	if err != nil {
		h.fail(w, r, endpointScreenshot, target, start, statusFor(err), err)
		return
	}
	h.record(endpointScreenshot, target, http.StatusOK, start, res.Hit, nil)
	setCacheHeader(w, res)
	respondWithRaw(w, h.logger, http.StatusOK, "application/json", res.Body)
}

// fail logs the request before answering with an error.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, endpoint, target string, start time.Time, status int, err error) {
	h.record(endpoint, target, status, start, false, err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Session failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("endpoint", endpoint),
			zap.String("url", target),
			zap.Error(err),
		)
	}
	respondWithError(w, h.logger, status, err.Error())
}

func (h *Handlers) record(endpoint, target string, status int, start time.Time, hit bool, err error) {
	if h.log == nil {
		return
	}
	h.log.Log(requestlog.NewRecord(target, endpoint, status, time.Since(start), hit, err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrUnsupportedBrowser):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func setCacheHeader(w http.ResponseWriter, res cache.Result) {
	switch {
	case res.Hit:
		w.Header().Set("X-Cache", "HIT")
	case res.Shared:
		w.Header().Set("X-Cache", "SHARED")
	default:
		w.Header().Set("X-Cache", "MISS")
	}
}

// -- Request log endpoints --

func (h *Handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		respondWithError(w, h.logger, http.StatusServiceUnavailable, "request log is not configured")
		return
	}
	limit := h.historyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			respondWithError(w, h.logger, http.StatusBadRequest, fmt.Sprintf("limit must be an integer between 1 and %d", maxHistoryLimit))
			return
		}
		limit = n
	}
	rows, err := h.history.History(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to read request history", zap.Error(err))
		respondWithError(w, h.logger, http.StatusInternalServerError, "failed to read request history")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, rows)
}

func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		respondWithError(w, h.logger, http.StatusServiceUnavailable, "request log is not configured")
		return
	}
	stats, err := h.history.Stats(r.Context())
	if err != nil {
		h.logger.Error("Failed to compute request stats", zap.Error(err))
		respondWithError(w, h.logger, http.StatusInternalServerError, "failed to compute request stats")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, stats)
}

// -- Content tools --

func (h *Handlers) handleMinimizeHTML(w http.ResponseWriter, r *http.Request) {
	h.transform(w, r, func(src string) (interface{}, error) {
		out, err := content.Minify(src)
		return schemas.MinimizeHTMLResponse{MinifiedHTML: out}, err
	})
}

func (h *Handlers) handleExtractText(w http.ResponseWriter, r *http.Request) {
	h.transform(w, r, func(src string) (interface{}, error) {
		out, err := content.ExtractText(src)
		return schemas.ExtractTextResponse{Text: out}, err
	})
}

func (h *Handlers) handleReader(w http.ResponseWriter, r *http.Request) {
	h.transform(w, r, func(src string) (interface{}, error) {
		article, err := h.reader.Extract(src)
		return schemas.ReaderResponse{Title: article.Title, Content: article.Content}, err
	})
}

func (h *Handlers) handleMarkdown(w http.ResponseWriter, r *http.Request) {
	h.transform(w, r, func(src string) (interface{}, error) {
		out, err := content.Markdown(src)
		return schemas.MarkdownResponse{Markdown: out}, err
	})
}

// transform reads the "html" form field and answers with fn's result.
func (h *Handlers) transform(w http.ResponseWriter, r *http.Request, fn func(string) (interface{}, error)) {
	if h.maxFormBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxFormBytes)
	}
	if err := r.ParseForm(); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(w, h.logger, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		respondWithError(w, h.logger, http.StatusBadRequest, fmt.Sprintf("invalid form: %v", err))
		return
	}
	out, err := fn(r.PostForm.Get("html"))
	if err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, out)
}

// -- Probes --

func (h *Handlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	db := "disabled"
	if h.history != nil {
		db = "enabled"
	}
	respondWithJSON(w, h.logger, http.StatusOK, schemas.HealthResponse{Status: "ok", Database: db})
}

// -- Query parsing --

func parseBrowse(q url.Values) (schemas.BrowseRequest, string, error) {
	var req schemas.BrowseRequest
	target, err := parseTarget(q.Get("url"))
	if err != nil {
		return req, "", err
	}
	req.URL = target
	req.Method = q.Get("method")
	if m := strings.ToUpper(strings.TrimSpace(req.Method)); m != "" && m != http.MethodGet && m != http.MethodPost {
		return req, "", fmt.Errorf("unsupported method %q: use GET or POST", req.Method)
	}
	req.PostData = q.Get("post_data")
	req.BrowserName = q.Get("browser_name")
	if req.CookieBanner, err = parseBool(q, "cookiebanner"); err != nil {
		return req, "", err
	}
	if req.Scroll, err = parseBool(q, "scroll"); err != nil {
		return req, "", err
	}
	if req.Live, err = parseBool(q, "live"); err != nil {
		return req, "", err
	}

	format := strings.ToLower(q.Get("format"))
	switch format {
	case "", "json":
		format = "json"
	case "har":
	default:
		return req, "", fmt.Errorf("unsupported format %q: use json or har", format)
	}
	return req, format, nil
}

func parseScreenshot(q url.Values) (schemas.ScreenshotRequest, error) {
	var req schemas.ScreenshotRequest
	target, err := parseTarget(q.Get("url"))
	if err != nil {
		return req, err
	}
	req.URL = target
	if req.FullPage, err = parseBool(q, "full_page"); err != nil {
		return req, err
	}
	if req.Live, err = parseBool(q, "live"); err != nil {
		return req, err
	}
	if req.ThumbnailSize, err = parseInt(q, "thumbnail_size", 1, 4096); err != nil {
		return req, err
	}
	if req.Quality, err = parseInt(q, "quality", 1, 100); err != nil {
		return req, err
	}
	return req, nil
}

func parseTarget(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid url %q: an absolute http or https URL is required", raw)
	}
	return raw, nil
}

func parseBool(q url.Values, key string) (bool, error) {
	raw := q.Get(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", key)
	}
	return v, nil
}

// parseInt returns 0 when the parameter is absent.
func parseInt(q url.Values, key string, lo, hi int) (int, error) {
	raw := q.Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return 0, fmt.Errorf("%s must be an integer between %d and %d", key, lo, hi)
	}
	return v, nil
}

// RegisterRoutes mounts every endpoint on r. limit wraps the browser-backed
// endpoints; auth wraps everything except the probes.
func (h *Handlers) RegisterRoutes(r chi.Router, auth, limit func(http.Handler) http.Handler) {
	r.Get("/healthz", h.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Group(func(r chi.Router) {
			r.Use(limit)
			r.Get("/browse", h.handleBrowse)
			r.Get("/screenshot", h.handleScreenshot)
		})
		r.Get("/history", h.handleHistory)
		r.Get("/stats", h.handleStats)
		r.Post("/minimize_html", h.handleMinimizeHTML)
		r.Post("/extract_text", h.handleExtractText)
		r.Post("/reader", h.handleReader)
		r.Post("/markdown", h.handleMarkdown)
	})
}
