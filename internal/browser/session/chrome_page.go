// internal/browser/session/chrome_page.go
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-render/api/schemas"
)

const (
	screencastQuality = 60
	commandTimeout    = 2 * time.Second
)

// chromePage drives one tab through chromedp.
type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   ContextOptions
	logger *zap.Logger

	life  *lifecycle
	video *screencast

	closeOnce sync.Once
	closeErr  error
}

var _ Page = (*chromePage)(nil)

func newChromePage(ctx context.Context, cancel context.CancelFunc, opts ContextOptions, logger *zap.Logger) *chromePage {
	p := &chromePage{
		ctx:    ctx,
		cancel: cancel,
		opts:   opts,
		logger: logger,
		life:   newLifecycle(),
	}
	if opts.VideoPath != "" {
		p.video = newScreencast(opts.VideoWidth, opts.VideoHeight, opts.VideoMaxFrames)
	}
	return p
}

// setup enables the domains the session reads from. Lifecycle and screencast
// listeners go in before any domain is enabled.
func (p *chromePage) setup(ctx context.Context) error {
	chromedp.ListenTarget(p.ctx, p.onEvent)

	tasks := chromedp.Tasks{
		network.Enable(),
		page.Enable(),
		page.SetLifecycleEventsEnabled(true),
		runtime.Enable(),
		log.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			c := chromedp.FromContext(ctx)
			return browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
				WithBrowserContextID(c.BrowserContextID).
				WithDownloadPath(p.opts.DownloadDir).
				WithEventsEnabled(true).
				Do(cdp.WithExecutor(ctx, c.Browser))
		}),
	}
	if p.opts.ViewportWidth > 0 && p.opts.ViewportHeight > 0 {
		tasks = append(tasks, emulation.SetDeviceMetricsOverride(int64(p.opts.ViewportWidth), int64(p.opts.ViewportHeight), 1, false))
	}
	if p.video != nil {
		tasks = append(tasks, page.StartScreencast().
			WithFormat(page.ScreencastFormatJpeg).
			WithQuality(screencastQuality).
			WithMaxWidth(int64(p.opts.VideoWidth)).
			WithMaxHeight(int64(p.opts.VideoHeight)))
	}
	if err := p.run(ctx, tasks); err != nil {
		return fmt.Errorf("failed to prepare browser context: %w", err)
	}
	return nil
}

// run executes actions against the tab, bounded by ctx.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(p.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func (p *chromePage) onEvent(ev interface{}) {
	switch e := ev.(type) {
	case *page.EventLifecycleEvent:
		p.life.observe(string(e.LoaderID), e.Name)
	case *page.EventScreencastFrame:
		if p.video == nil {
			return
		}
		p.video.add(e.Data, time.Now())
		// Commands cannot be issued from the event goroutine.
		go p.ackFrame(e.SessionID)
	}
}

func (p *chromePage) ackFrame(sessionID int64) {
	ctx, cancel := context.WithTimeout(p.ctx, commandTimeout)
	defer cancel()
	c := chromedp.FromContext(ctx)
	if c == nil || c.Target == nil {
		return
	}
	_ = page.ScreencastFrameAck(sessionID).Do(cdp.WithExecutor(ctx, c.Target))
}

// Listen attaches fn to target and browser events.
func (p *chromePage) Listen(fn func(ev interface{})) {
	chromedp.ListenTarget(p.ctx, fn)
	chromedp.ListenBrowser(p.ctx, fn)
}

// Navigate starts a GET navigation and returns once it has committed.
func (p *chromePage) Navigate(ctx context.Context, url string) error {
	var errorText string
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, loaderID, text, isDownload, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		p.life.expect(string(loaderID))
		if !isDownload {
			errorText = text
		}
		return nil
	}))
	if err != nil {
		return err
	}
	if errorText != "" {
		return errors.New(errorText)
	}
	return nil
}

// NavigatePost navigates with a form-encoded POST body by rewriting the
// document request in flight.
func (p *chromePage) NavigatePost(ctx context.Context, url, body string) error {
	interceptCtx, stop := context.WithCancel(p.ctx)
	defer stop()

	var (
		once sync.Once
		wg   sync.WaitGroup
	)
	chromedp.ListenTarget(interceptCtx, func(ev interface{}) {
		e, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		rewrite := false
		if e.Request != nil && e.Request.URL == url {
			once.Do(func() { rewrite = true })
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.continuePaused(e, rewrite, body)
		}()
	})

	pattern := &fetch.RequestPattern{
		URLPattern:   "*",
		ResourceType: network.ResourceTypeDocument,
		RequestStage: fetch.RequestStageRequest,
	}
	if err := p.run(ctx, fetch.Enable().WithPatterns([]*fetch.RequestPattern{pattern})); err != nil {
		return fmt.Errorf("failed to enable request interception: %w", err)
	}

	navErr := p.Navigate(ctx, url)

	wg.Wait()
	disableCtx, cancel := context.WithTimeout(Detach(ctx), commandTimeout)
	defer cancel()
	if err := p.run(disableCtx, fetch.Disable()); err != nil {
		p.logger.Debug("Failed to disable request interception.", zap.Error(err))
	}
	return navErr
}

func (p *chromePage) continuePaused(e *fetch.EventRequestPaused, rewrite bool, body string) {
	ctx, cancel := context.WithTimeout(p.ctx, commandTimeout)
	defer cancel()
	c := chromedp.FromContext(ctx)
	exec := cdp.WithExecutor(ctx, c.Target)

	req := fetch.ContinueRequest(e.RequestID)
	if rewrite {
		req = req.WithMethod("POST").
			WithPostData(base64.StdEncoding.EncodeToString([]byte(body))).
			WithHeaders(postHeaders(e.Request.Headers))
	}
	if err := req.Do(exec); err != nil {
		p.logger.Debug("Failed to continue intercepted request, failing it instead.", zap.Error(err))
		_ = fetch.FailRequest(e.RequestID, network.ErrorReasonAborted).Do(exec)
	}
}

// postHeaders keeps the browser's headers and sets a form content type.
func postHeaders(original network.Headers) []*fetch.HeaderEntry {
	headers := make([]*fetch.HeaderEntry, 0, len(original)+1)
	for name, value := range original {
		if strings.EqualFold(name, "Content-Type") {
			continue
		}
		if s, ok := value.(string); ok {
			headers = append(headers, &fetch.HeaderEntry{Name: name, Value: s})
		}
	}
	return append(headers, &fetch.HeaderEntry{Name: "Content-Type", Value: "application/x-www-form-urlencoded"})
}

func (p *chromePage) WaitDOMContentLoaded(ctx context.Context) error {
	return p.life.wait(ctx, lifecycleDOMContentLoaded)
}

func (p *chromePage) WaitLoad(ctx context.Context) error {
	return p.life.wait(ctx, lifecycleLoad)
}

func (p *chromePage) Title(ctx context.Context) (string, error) {
	var title string
	if err := p.run(ctx, chromedp.Title(&title)); err != nil {
		return "", err
	}
	return title, nil
}

const metaDescriptionJS = `(() => {
	const el = document.querySelector('meta[name="description" i]');
	return el ? (el.getAttribute('content') || '') : '';
})()`

func (p *chromePage) MetaDescription(ctx context.Context) (string, error) {
	var desc string
	if err := p.run(ctx, chromedp.Evaluate(metaDescriptionJS, &desc)); err != nil {
		return "", err
	}
	return desc, nil
}

const dismissBannerJS = `((selectors, texts) => {
	const visible = (el) => {
		const r = el.getBoundingClientRect();
		const s = window.getComputedStyle(el);
		return r.width > 0 && r.height > 0 && s.visibility !== 'hidden' && s.display !== 'none';
	};
	for (const sel of selectors) {
		let el = null;
		try { el = document.querySelector(sel); } catch (e) { continue; }
		if (el && visible(el)) { el.click(); return true; }
	}
	const candidates = Array.from(document.querySelectorAll('button, a, [role="button"], input[type="submit"], input[type="button"]'));
	for (const text of texts) {
		const el = candidates.find((c) => visible(c) && (c.innerText || c.value || '').trim().toLowerCase() === text);
		if (el) { el.click(); return true; }
	}
	return false;
})(%s, %s)`

// DismissBanner clicks the first visible consent control, selectors first,
// then buttons whose label matches one of texts.
func (p *chromePage) DismissBanner(ctx context.Context, selectors, texts []string) (bool, error) {
	sel, err := json.Marshal(selectors)
	if err != nil {
		return false, err
	}
	lowered := make([]string, len(texts))
	for i, t := range texts {
		lowered[i] = strings.ToLower(t)
	}
	txt, err := json.Marshal(lowered)
	if err != nil {
		return false, err
	}

	var found bool
	if err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf(dismissBannerJS, sel, txt), &found)); err != nil {
		return false, err
	}
	return found, nil
}

// Scroll moves down the page step pixels at a time until the bottom is
// reached, then returns to the top.
func (p *chromePage) Scroll(ctx context.Context, step int, delay time.Duration) error {
	if step <= 0 {
		step = 400
	}
	script := fmt.Sprintf(`(() => {
		window.scrollBy(0, %d);
		return window.innerHeight + window.scrollY >= document.documentElement.scrollHeight - 1;
	})()`, step)

	for {
		var atBottom bool
		if err := p.run(ctx, chromedp.Evaluate(script, &atBottom)); err != nil {
			return err
		}
		if atBottom {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return p.run(ctx, chromedp.Evaluate(`window.scrollTo(0, 0)`, nil))
}

func (p *chromePage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	var buf []byte
	action := chromedp.CaptureScreenshot(&buf)
	if fullPage {
		// Quality 100 keeps the capture lossless PNG.
		action = chromedp.FullScreenshot(&buf, 100)
	}
	if err := p.run(ctx, action); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *chromePage) Cookies(ctx context.Context) ([]schemas.Cookie, error) {
	var cookies []*network.Cookie
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}

	out := make([]schemas.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c == nil {
			continue
		}
		cookie := schemas.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: schemas.CookieSameSite(c.SameSite),
		}
		if !c.Session && c.Expires > 0 {
			cookie.Expires = c.Expires
		}
		out = append(out, cookie)
	}
	return out, nil
}

const performanceTimingJS = `(() => {
	const t = window.performance.timing.toJSON();
	const out = {};
	for (const k in t) { if (typeof t[k] === 'number') { out[k] = t[k]; } }
	return out;
})()`

func (p *chromePage) PerformanceTiming(ctx context.Context) (map[string]float64, error) {
	timing := make(map[string]float64)
	if err := p.run(ctx, chromedp.Evaluate(performanceTimingJS, &timing)); err != nil {
		return nil, err
	}
	return timing, nil
}

func (p *chromePage) ResponseBody(ctx context.Context, id network.RequestID) ([]byte, error) {
	var body []byte
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(id).Do(ctx)
		return err
	}))
	return body, err
}

// Close closes the tab and its browser context, then writes the recording.
func (p *chromePage) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		if p.video != nil {
			stopCtx, cancel := context.WithTimeout(Detach(ctx), commandTimeout)
			if err := p.run(stopCtx, page.StopScreencast()); err != nil {
				p.logger.Debug("Failed to stop screencast.", zap.Error(err))
			}
			cancel()
		}

		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(p.ctx) }()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				p.closeErr = fmt.Errorf("failed to close browser context: %w", err)
			}
		case <-ctx.Done():
			p.closeErr = fmt.Errorf("timed out closing browser context: %w", ctx.Err())
		}
		p.cancel()

		if p.video != nil {
			switch err := p.video.writeGIF(p.opts.VideoPath); {
			case errors.Is(err, errNoFrames):
				p.logger.Debug("No screencast frames to write.")
			case err != nil:
				p.closeErr = errors.Join(p.closeErr, err)
			}
		}
	})
	return p.closeErr
}
