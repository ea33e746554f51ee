// internal/browser/session/lifecycle.go
package session

import (
	"context"
	"sync"
)

// Lifecycle event names reported by the page domain.
const (
	lifecycleDOMContentLoaded = "DOMContentLoaded"
	lifecycleLoad             = "load"
)

// lifecycle remembers which lifecycle events each loader has fired, so a
// wait that starts after the event already happened returns immediately.
type lifecycle struct {
	mu      sync.Mutex
	loader  string
	seen    map[string]map[string]bool
	changed chan struct{}
}

func newLifecycle() *lifecycle {
	return &lifecycle{
		seen:    make(map[string]map[string]bool),
		changed: make(chan struct{}),
	}
}

// observe records one lifecycle event.
func (l *lifecycle) observe(loader, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	names, ok := l.seen[loader]
	if !ok {
		names = make(map[string]bool)
		l.seen[loader] = names
	}
	names[name] = true
	l.broadcastLocked()
}

// expect makes loader the navigation that waits refer to.
func (l *lifecycle) expect(loader string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loader = loader
	l.broadcastLocked()
}

func (l *lifecycle) broadcastLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// wait blocks until the expected loader fired name or ctx is done.
func (l *lifecycle) wait(ctx context.Context, name string) error {
	for {
		l.mu.Lock()
		if l.loader != "" && l.seen[l.loader][name] {
			l.mu.Unlock()
			return nil
		}
		changed := l.changed
		l.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
