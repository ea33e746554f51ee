// internal/browser/session/assembler.go
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-render/api/schemas"
	"github.com/xkilldash9x/scalpel-render/internal/browser/navigation"
	"github.com/xkilldash9x/scalpel-render/internal/browser/recorder"
	"github.com/xkilldash9x/scalpel-render/internal/config"
	"github.com/xkilldash9x/scalpel-render/internal/observability"
)

// ErrUnsupportedBrowser is returned before any browser is started when the
// requested browser name is not configured.
var ErrUnsupportedBrowser = errors.New("unsupported browser")

// Session outcomes reported to metrics.
const (
	outcomeComplete = "complete"
	outcomeDegraded = "degraded"
	outcomeFailed   = "failed"
)

// Assembler runs one isolated browser session per request and turns what it
// observed into a ResponseDocument.
type Assembler struct {
	launcher   Launcher
	controller *navigation.Controller
	browserCfg config.BrowserConfig
	navCfg     config.NavigationConfig
	captureCfg config.CaptureConfig
	metrics    *observability.Metrics
	logger     *zap.Logger

	slots     chan struct{}
	supported []string
}

// NewAssembler creates an assembler. metrics may be nil.
func NewAssembler(cfg config.Interface, launcher Launcher, metrics *observability.Metrics, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	browserCfg := cfg.Browser()
	supported := make([]string, 0, len(browserCfg.Supported))
	for _, name := range browserCfg.Supported {
		supported = append(supported, strings.ToLower(strings.TrimSpace(name)))
	}
	logger = logger.Named("assembler")
	return &Assembler{
		launcher:   launcher,
		controller: navigation.NewController(cfg.Navigation(), logger),
		browserCfg: browserCfg,
		navCfg:     cfg.Navigation(),
		captureCfg: cfg.Capture(),
		metrics:    metrics,
		logger:     logger,
		slots:      make(chan struct{}, max(browserCfg.MaxConcurrent, 1)),
		supported:  supported,
	}
}

// DefaultBrowser is the browser used when a request names none.
func (a *Assembler) DefaultBrowser() string {
	return strings.ToLower(a.browserCfg.DefaultName)
}

// CheckBrowser validates a normalized browser name.
func (a *Assembler) CheckBrowser(name string) error {
	if slices.Contains(a.supported, name) {
		return nil
	}
	return fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedBrowser, name, strings.Join(a.supported, ", "))
}

// Browse runs a full capture session. Navigation problems never fail the
// call: they end up in the document's logs, and a document whose navigation
// never dispatched is flagged Incomplete. An error means no document could be
// produced at all.
func (a *Assembler) Browse(ctx context.Context, req schemas.BrowseRequest) (*schemas.ResponseDocument, error) {
	req = req.Normalized(a.DefaultBrowser())
	if err := a.CheckBrowser(req.BrowserName); err != nil {
		return nil, err
	}
	release, err := a.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	finish := a.track()
	defer finish(outcomeFailed, nil)
	s, err := a.open(ctx, req.BrowserName, a.captureCfg.Video)
	if err != nil {
		return nil, err
	}
	defer s.teardown(ctx)

	logger := s.logger.With(zap.String("url", req.URL))
	logger.Info("Browse session started.", zap.String("browser", req.BrowserName), zap.String("method", req.Method))

	rec := recorder.New(logger, req.URL)
	tap := recorder.NewTap(ctx, rec, logger, s.page.ResponseBody, recorder.TapOptions{
		CaptureBodies:    a.captureCfg.ResponseBodies,
		MaxBodyBytes:     a.captureCfg.MaxBodyBytes,
		BodyFetchTimeout: a.captureCfg.BodyFetchTimeout,
		DownloadDir:      s.downloadDir,
	})
	s.page.Listen(tap.Handle)
	defer tap.Close(ctx)

	outcome := a.controller.Run(ctx, a.tapped(s.page, tap), rec, navigation.Request{
		URL:          req.URL,
		Method:       req.Method,
		PostData:     req.PostData,
		CookieBanner: req.CookieBanner,
		Scroll:       req.Scroll,
	})

	art := a.captureArtifacts(ctx, s.page, rec)

	finalizeCtx, cancel := context.WithTimeout(ctx, a.captureCfg.FinalizeTimeout)
	tap.Close(finalizeCtx)
	cancel()

	// Closing the browser context finishes the recording.
	if err := s.teardown(ctx); err != nil {
		rec.Warn("Browser teardown failed: %v", err)
	}
	video := recorder.Capture(rec, "video", s.encodedVideo)

	snap := rec.Snapshot()
	doc := &schemas.ResponseDocument{
		URL:                req.URL,
		StatusCode:         snap.Status,
		PageTitle:          outcome.Title,
		MetaDescription:    outcome.MetaDescription,
		NetworkData:        snap.Events,
		Logs:               snap.Logs,
		Cookies:            art.cookies,
		PerformanceMetrics: schemas.PerformanceMetrics{PerformanceTiming: art.timing},
		Screenshot:         art.screenshot,
		Thumbnail:          art.thumbnail,
		DownloadedFiles:    snap.Downloads,
		Redirects:          snap.Redirects,
		Video:              video.Value,
		Incomplete:         outcome.Degraded(),
	}

	result := outcomeComplete
	if doc.Incomplete {
		result = outcomeDegraded
	}
	finish(result, &snap)
	logger.Info("Browse session finished.",
		zap.String("outcome", result),
		zap.Int("status", doc.StatusCode),
		zap.Int("network_events", len(doc.NetworkData)),
		zap.Int("log_entries", len(doc.Logs)),
		zap.Stringer("reached", outcome.Reached),
	)
	return doc, nil
}

// Screenshot navigates to a page and returns only its screenshot and
// thumbnail. Unlike Browse, a page that cannot be reached is an error.
func (a *Assembler) Screenshot(ctx context.Context, req schemas.ScreenshotRequest) (*schemas.ScreenshotResult, error) {
	start := time.Now()
	release, err := a.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	finish := a.track()
	defer finish(outcomeFailed, nil)
	s, err := a.open(ctx, a.DefaultBrowser(), false)
	if err != nil {
		return nil, err
	}
	defer s.teardown(ctx)

	logger := s.logger.With(zap.String("url", req.URL))
	rec := recorder.New(logger, req.URL)
	tap := recorder.NewTap(ctx, rec, logger, nil, recorder.TapOptions{DownloadDir: s.downloadDir})
	s.page.Listen(tap.Handle)
	defer tap.Close(ctx)

	outcome := a.controller.Run(ctx, a.tapped(s.page, tap), rec, navigation.Request{URL: req.URL})
	if outcome.Degraded() {
		return nil, outcome.DispatchErr
	}

	captureCtx, cancel := context.WithTimeout(ctx, a.captureCfg.FinalizeTimeout)
	defer cancel()
	raw, err := s.page.Screenshot(captureCtx, req.FullPage)
	if err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}

	quality := req.Quality
	if quality <= 0 {
		quality = a.captureCfg.ImageQuality
	}
	thumbSize := req.ThumbnailSize
	if thumbSize <= 0 {
		thumbSize = a.captureCfg.ThumbnailSize
	}

	var full, thumb []byte
	g := new(errgroup.Group)
	g.Go(func() (err error) {
		full, err = optimizeImage(raw, quality)
		return err
	})
	g.Go(func() (err error) {
		thumb, err = makeThumbnail(raw, thumbSize, quality)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	finish(outcomeComplete, nil)
	return &schemas.ScreenshotResult{
		URL:         req.URL,
		Screenshot:  base64.StdEncoding.EncodeToString(full),
		Thumbnail:   base64.StdEncoding.EncodeToString(thumb),
		RequestTime: time.Since(start).Seconds(),
	}, nil
}

// open starts the browser and its isolated context. On failure everything
// already started is torn down before returning.
func (a *Assembler) open(ctx context.Context, name string, record bool) (*session, error) {
	s, err := newSession(a.browserCfg.TempDir, record, a.metrics, a.logger)
	if err != nil {
		return nil, err
	}

	browser, err := a.launcher.Launch(ctx, name)
	if err != nil {
		s.teardown(ctx)
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	s.browser = browser

	page, err := browser.NewContext(ctx, ContextOptions{
		ViewportWidth:  a.browserCfg.ViewportWidth,
		ViewportHeight: a.browserCfg.ViewportHeight,
		DownloadDir:    s.downloadDir,
		VideoPath:      s.videoPath,
		VideoWidth:     a.browserCfg.VideoWidth,
		VideoHeight:    a.browserCfg.VideoHeight,
		VideoMaxFrames: a.captureCfg.VideoMaxFrames,
	})
	if err != nil {
		s.teardown(ctx)
		return nil, fmt.Errorf("failed to open browser context: %w", err)
	}
	s.page = page
	return s, nil
}

type artifacts struct {
	screenshot string
	thumbnail  string
	cookies    []schemas.Cookie
	timing     map[string]float64
}

// captureArtifacts collects the page-level artifacts. Each one is optional:
// a failure leaves it empty and adds a warning.
func (a *Assembler) captureArtifacts(ctx context.Context, page Page, rec *recorder.Recorder) artifacts {
	captureCtx, cancel := context.WithTimeout(ctx, a.captureCfg.FinalizeTimeout)
	defer cancel()

	art := artifacts{cookies: []schemas.Cookie{}, timing: map[string]float64{}}

	raw := recorder.Capture(rec, "screenshot", func() ([]byte, error) {
		return page.Screenshot(captureCtx, true)
	})
	if raw.OK() {
		quality, thumbSize := a.captureCfg.ImageQuality, a.captureCfg.ThumbnailSize
		g := new(errgroup.Group)
		g.Go(func() error {
			art.screenshot = recorder.Capture(rec, "optimized screenshot", func() (string, error) {
				return encodeBase64(optimizeImage(raw.Value, quality))
			}).Value
			return nil
		})
		g.Go(func() error {
			art.thumbnail = recorder.Capture(rec, "thumbnail", func() (string, error) {
				return encodeBase64(makeThumbnail(raw.Value, thumbSize, quality))
			}).Value
			return nil
		})
		_ = g.Wait()
	}

	if cookies := recorder.Capture(rec, "cookies", func() ([]schemas.Cookie, error) {
		return page.Cookies(captureCtx)
	}); cookies.OK() && cookies.Value != nil {
		art.cookies = cookies.Value
	}
	if timing := recorder.Capture(rec, "performance timing", func() (map[string]float64, error) {
		return page.PerformanceTiming(captureCtx)
	}); timing.OK() && timing.Value != nil {
		art.timing = timing.Value
	}
	return art
}

func encodeBase64(b []byte, err error) (string, error) {
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func (a *Assembler) acquire(ctx context.Context) (func(), error) {
	select {
	case a.slots <- struct{}{}:
		return func() { <-a.slots }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for a browser slot: %w", ctx.Err())
	}
}

// track records session metrics. Only the first call of the returned func
// counts, so it can also be deferred as the failure path.
func (a *Assembler) track() func(outcome string, snap *recorder.Snapshot) {
	start := time.Now()
	if a.metrics != nil {
		a.metrics.SessionsActive.Inc()
	}
	var once sync.Once
	return func(outcome string, snap *recorder.Snapshot) {
		once.Do(func() { a.observe(start, outcome, snap) })
	}
}

func (a *Assembler) observe(start time.Time, outcome string, snap *recorder.Snapshot) {
	if a.metrics == nil {
		return
	}
	a.metrics.SessionsActive.Dec()
	a.metrics.SessionsTotal.WithLabelValues(outcome).Inc()
	a.metrics.SessionDuration.Observe(time.Since(start).Seconds())
	if snap == nil {
		return
	}
	a.metrics.NetworkEvents.Observe(float64(len(snap.Events)))
	for _, entry := range snap.Logs {
		if entry.Kind == schemas.LogWarning {
			a.metrics.SessionWarnings.Inc()
		}
	}
}

// tappedPage answers network-idle waits from the recorder's in-flight set.
type tappedPage struct {
	Page
	tap   *recorder.Tap
	quiet time.Duration
}

func (p tappedPage) WaitNetworkIdle(ctx context.Context) error {
	return p.tap.WaitNetworkIdle(ctx, p.quiet)
}

func (a *Assembler) tapped(page Page, tap *recorder.Tap) navigation.Page {
	return tappedPage{Page: page, tap: tap, quiet: a.navCfg.QuietPeriod}
}
