// internal/browser/session/chrome.go
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-render/internal/config"
)

// AllocatorOptions translates the browser configuration into chromedp
// allocator options.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
	)

	// The defaults already run headless.
	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.DisableGPU {
		opts = append(opts, chromedp.DisableGPU)
	}
	if cfg.IgnoreTLSErrors {
		opts = append(opts,
			chromedp.Flag("ignore-certificate-errors", true),
			chromedp.Flag("allow-insecure-localhost", true),
		)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight))
	}

	// Additional flags from the config file's 'args' slice.
	for _, arg := range cfg.Args {
		arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
		if arg == "" {
			continue
		}
		if key, value, ok := strings.Cut(arg, "="); ok {
			opts = append(opts, chromedp.Flag(key, value))
			continue
		}
		opts = append(opts, chromedp.Flag(arg, true))
	}
	return opts
}

// ChromeLauncher starts a dedicated Chromium process for each session.
type ChromeLauncher struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
}

var _ Launcher = (*ChromeLauncher)(nil)

// NewChromeLauncher creates a launcher for the configured browser binary.
func NewChromeLauncher(cfg config.BrowserConfig, logger *zap.Logger) *ChromeLauncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromeLauncher{cfg: cfg, logger: logger.Named("chrome")}
}

// Launch starts the browser process. name has already been validated by the
// caller; every supported name maps onto the same Chromium binary.
func (l *ChromeLauncher) Launch(ctx context.Context, name string) (Browser, error) {
	// The process must outlive request cancellation until teardown closes it.
	allocCtx, allocCancel := chromedp.NewExecAllocator(Detach(ctx), AllocatorOptions(l.cfg)...)
	sugar := l.logger.Sugar()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Debugf),
	)

	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()

	select {
	case err := <-started:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("failed to start %s: %w", name, err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start %s: %w", name, ctx.Err())
	}

	l.logger.Debug("Browser process started.", zap.String("browser", name))
	return &chromeBrowser{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		logger:      l.logger,
	}, nil
}

type chromeBrowser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewContext opens a tab in a fresh, isolated browser context.
func (b *chromeBrowser) NewContext(ctx context.Context, opts ContextOptions) (Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.ctx, chromedp.WithNewBrowserContext())

	// The first Run creates the target; its context becomes the tab's lifetime.
	created := make(chan error, 1)
	go func() { created <- chromedp.Run(tabCtx) }()
	select {
	case err := <-created:
		if err != nil {
			tabCancel()
			return nil, fmt.Errorf("failed to create browser context: %w", err)
		}
	case <-ctx.Done():
		tabCancel()
		return nil, fmt.Errorf("failed to create browser context: %w", ctx.Err())
	}

	p := newChromePage(tabCtx, tabCancel, opts, b.logger)
	if err := p.setup(ctx); err != nil {
		tabCancel()
		return nil, err
	}
	return p, nil
}

// Close shuts the browser down and waits for the process to exit.
func (b *chromeBrowser) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		err := chromedp.Cancel(b.ctx)
		b.cancel()
		b.allocCancel()
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("failed to close browser: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out closing browser: %w", ctx.Err())
	}
}
