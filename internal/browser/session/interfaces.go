// internal/browser/session/interfaces.go
package session

import (
	"context"
	"time"

	"github.com/chromedp/cdproto/network"

	"github.com/xkilldash9x/scalpel-render/api/schemas"
)

// Launcher starts one browser process per session.
type Launcher interface {
	Launch(ctx context.Context, name string) (Browser, error)
}

// Browser is a running browser process.
type Browser interface {
	// NewContext opens an isolated browser context with a single page.
	NewContext(ctx context.Context, opts ContextOptions) (Page, error)
	Close(ctx context.Context) error
}

// ContextOptions configures the isolated browser context of a session.
type ContextOptions struct {
	ViewportWidth  int
	ViewportHeight int
	// DownloadDir receives downloads, one file per download GUID.
	DownloadDir string
	// VideoPath is where the recording is written when the context closes.
	// Empty disables recording.
	VideoPath      string
	VideoWidth     int
	VideoHeight    int
	VideoMaxFrames int
}

// Page is one tab inside an isolated browser context. It covers everything
// the navigation controller drives except network idle, which the session
// derives from the recorder's in-flight set.
type Page interface {
	// Listen attaches fn to every protocol event of the page and the browser.
	Listen(fn func(ev interface{}))

	Navigate(ctx context.Context, url string) error
	NavigatePost(ctx context.Context, url, body string) error
	WaitDOMContentLoaded(ctx context.Context) error
	WaitLoad(ctx context.Context) error
	Title(ctx context.Context) (string, error)
	MetaDescription(ctx context.Context) (string, error)
	DismissBanner(ctx context.Context, selectors, texts []string) (bool, error)
	Scroll(ctx context.Context, step int, delay time.Duration) error

	// Screenshot returns a PNG of the viewport or the whole page.
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	Cookies(ctx context.Context) ([]schemas.Cookie, error)
	PerformanceTiming(ctx context.Context) (map[string]float64, error)
	ResponseBody(ctx context.Context, id network.RequestID) ([]byte, error)

	// Close closes the browser context and finishes the video file.
	Close(ctx context.Context) error
}
