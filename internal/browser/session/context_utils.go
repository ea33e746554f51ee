// internal/browser/session/context_utils.go
package session

import (
	"context"
	"time"
)

// CombineContext returns a context derived from primary that is also canceled
// when secondary is done. Values (the chromedp target) come from primary only,
// so a request deadline can bound a call against a tab without losing the
// connection information.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(primary)

	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combinedCtx.Done():
		}
	}()

	return combinedCtx, cancel
}

// Detach returns a context that inherits values from ctx but is not canceled
// when ctx is. Browser processes and teardown run under it so a client that
// hangs up cannot leave a half-closed browser behind.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// boundedCleanup gives a teardown step its own deadline, detached from the
// request that started the session.
func boundedCleanup(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(Detach(ctx), timeout)
}
