// File: internal/browser/navigation/controller.go
package navigation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-render/internal/config"
)

// ErrDispatch marks a navigation that never started or never committed.
var ErrDispatch = errors.New("navigation dispatch failed")

// errDispatchTimeout marks a dispatch that hit its own deadline. The page may
// still be loading, so the settle phases run anyway.
var errDispatchTimeout = errors.New("timed out")

// Phase names one step of the navigation state machine.
type Phase int

const (
	PhaseDispatch Phase = iota
	PhaseInitialSettle
	PhaseBanner
	PhasePostBannerSettle
	PhaseFinalLoad
	PhaseScroll
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseDispatch:
		return "dispatch"
	case PhaseInitialSettle:
		return "initial_settle"
	case PhaseBanner:
		return "banner"
	case PhasePostBannerSettle:
		return "post_banner_settle"
	case PhaseFinalLoad:
		return "final_load"
	case PhaseScroll:
		return "scroll"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Request describes how to reach the page.
type Request struct {
	URL          string
	Method       string
	PostData     string
	CookieBanner bool
	Scroll       bool
}

// Page is the subset of a browser tab the controller drives.
type Page interface {
	Navigate(ctx context.Context, url string) error
	NavigatePost(ctx context.Context, url, body string) error
	WaitDOMContentLoaded(ctx context.Context) error
	WaitNetworkIdle(ctx context.Context) error
	WaitLoad(ctx context.Context) error
	Title(ctx context.Context) (string, error)
	MetaDescription(ctx context.Context) (string, error)
	// DismissBanner clicks the first visible match and reports whether one was found.
	DismissBanner(ctx context.Context, selectors, texts []string) (bool, error)
	Scroll(ctx context.Context, step int, delay time.Duration) error
}

// Journal receives the warnings and errors that the controller downgrades.
type Journal interface {
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Outcome is what the controller learned about the page.
type Outcome struct {
	Title           string
	MetaDescription string
	// DispatchErr wraps ErrDispatch when the navigation never committed.
	DispatchErr error
	// Reached is the last phase entered.
	Reached Phase
}

// Degraded reports whether the document built from this outcome is incomplete.
func (o Outcome) Degraded() bool {
	return o.DispatchErr != nil
}

// Controller drives one page through dispatch, settle waits, optional banner
// dismissal, final load and optional scroll. Phases only move forward and
// nothing is retried.
type Controller struct {
	cfg    config.NavigationConfig
	logger *zap.Logger
}

// NewController creates a controller bounded by cfg.
func NewController(cfg config.NavigationConfig, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{cfg: cfg, logger: logger.Named("navigation")}
}

// Run drives the page. It never fails: every problem is written to journal and
// the outcome says how far the page got.
func (c *Controller) Run(ctx context.Context, page Page, journal Journal, req Request) Outcome {
	logger := c.logger.With(zap.String("url", req.URL))
	out := Outcome{Reached: PhaseDispatch}

	// 1. Dispatch.
	if err := c.dispatch(ctx, page, req); err != nil {
		out.DispatchErr = fmt.Errorf("%w: %v", ErrDispatch, err)
		journal.Error("Navigation to %s failed: %v", req.URL, err)
		if !errors.Is(err, errDispatchTimeout) || ctx.Err() != nil {
			logger.Warn("Navigation dispatch failed, continuing in degraded mode.", zap.Error(err))
			out.Title = "Page title unavailable: navigation failed"
			out.MetaDescription = "Meta description unavailable: navigation failed"
			return out
		}
		logger.Warn("Navigation dispatch timed out, waiting for the page anyway.", zap.Error(err))
	}

	// 2. Initial settle.
	out.Reached = PhaseInitialSettle
	c.wait(ctx, journal, logger, "Initial page load", c.cfg.ContentTimeout, page.WaitDOMContentLoaded)

	// 3. Banner dismissal.
	if req.CookieBanner {
		out.Reached = PhaseBanner
		c.dismissBanner(ctx, page, logger)
	}

	// 4. Post-banner settle.
	out.Reached = PhasePostBannerSettle
	c.wait(ctx, journal, logger, "Network idle", c.cfg.NetworkIdleTimeout, page.WaitNetworkIdle)

	// 5. Final load, then metadata.
	out.Reached = PhaseFinalLoad
	if c.wait(ctx, journal, logger, "Final page load", c.cfg.LoadTimeout, page.WaitLoad) {
		out.Title, out.MetaDescription = c.readMetadata(ctx, page, journal)
	} else {
		out.Title = "Page title unavailable: page load did not complete"
		out.MetaDescription = "Meta description unavailable: page load did not complete"
	}

	// 6. Scroll.
	if req.Scroll {
		out.Reached = PhaseScroll
		c.scroll(ctx, page, logger)
	}

	out.Reached = PhaseDone
	return out
}

func (c *Controller) dispatch(ctx context.Context, page Page, req Request) error {
	dispatchCtx, cancel := context.WithTimeout(ctx, c.cfg.DispatchTimeout)
	defer cancel()

	var err error
	if req.PostData != "" && (req.Method == "" || req.Method == http.MethodPost) {
		err = page.NavigatePost(dispatchCtx, req.URL, req.PostData)
	} else {
		err = page.Navigate(dispatchCtx, req.URL)
	}
	if err != nil && errors.Is(dispatchCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %v", errDispatchTimeout, c.cfg.DispatchTimeout, err)
	}
	return err
}

// wait runs one bounded settle phase and reports whether it completed. A
// timeout or failure becomes a warning.
func (c *Controller) wait(ctx context.Context, journal Journal, logger *zap.Logger, what string, timeout time.Duration, fn func(context.Context) error) bool {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := fn(waitCtx)
	switch {
	case err == nil:
		logger.Debug("Phase complete.", zap.String("phase", what), zap.Duration("elapsed", time.Since(start)))
		return true
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(waitCtx.Err(), context.DeadlineExceeded):
		journal.Warn("%s timed out after %s", what, timeout)
	default:
		journal.Warn("%s wait failed: %v", what, err)
	}
	logger.Debug("Phase downgraded to warning.", zap.String("phase", what), zap.Error(err))
	return false
}

func (c *Controller) dismissBanner(ctx context.Context, page Page, logger *zap.Logger) {
	bannerCtx, cancel := context.WithTimeout(ctx, c.cfg.BannerTimeout)
	defer cancel()

	found, err := page.DismissBanner(bannerCtx, c.cfg.BannerSelectors, c.cfg.BannerTexts)
	if err != nil {
		logger.Debug("Cookie banner dismissal failed.", zap.Error(err))
		return
	}
	logger.Debug("Cookie banner dismissal finished.", zap.Bool("dismissed", found))
}

func (c *Controller) readMetadata(ctx context.Context, page Page, journal Journal) (string, string) {
	title, err := page.Title(ctx)
	if err != nil {
		journal.Error("Failed to read page title: %v", err)
		title = "Page title unavailable: " + err.Error()
	}
	desc, err := page.MetaDescription(ctx)
	if err != nil {
		journal.Error("Failed to read meta description: %v", err)
		desc = "Meta description unavailable: " + err.Error()
	}
	return title, desc
}

func (c *Controller) scroll(ctx context.Context, page Page, logger *zap.Logger) {
	scrollCtx, cancel := context.WithTimeout(ctx, c.cfg.ScrollTimeout)
	defer cancel()

	if err := page.Scroll(scrollCtx, c.cfg.ScrollStep, c.cfg.ScrollDelay); err != nil {
		logger.Debug("Scroll did not complete.", zap.Error(err))
	}
}
