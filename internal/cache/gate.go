// internal/cache/gate.go
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/scalpel-render/api/schemas"
	"github.com/xkilldash9x/scalpel-render/internal/config"
	"github.com/xkilldash9x/scalpel-render/internal/observability"
)

// ErrNotCacheable marks a result that is returned to the caller but never
// stored, such as a document whose navigation never dispatched.
var ErrNotCacheable = errors.New("response is not cacheable")

// Lookup results reported to metrics.
const (
	lookupHit    = "hit"
	lookupMiss   = "miss"
	lookupBypass = "bypass"
)

// BrowseFunc runs a browse session.
type BrowseFunc func(ctx context.Context, req schemas.BrowseRequest) (*schemas.ResponseDocument, error)

// ScreenshotFunc runs a screenshot session.
type ScreenshotFunc func(ctx context.Context, req schemas.ScreenshotRequest) (*schemas.ScreenshotResult, error)

// Result is the serialized response. Body is shared between callers and must
// not be modified.
type Result struct {
	Body []byte
	Hit  bool
	// Shared is set when the body came from a concurrent identical request.
	Shared bool
}

// Decode unmarshals the body into v.
func (r Result) Decode(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// Gate sits in front of the session assembler. A fresh entry answers a request
// without starting a browser; a miss runs the session once per key no matter
// how many identical requests are waiting, and stores the result.
type Gate struct {
	store          *Store
	group          singleflight.Group
	defaultBrowser string
	sweepInterval  time.Duration
	metrics        *observability.Metrics
	logger         *zap.Logger

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a gate. defaultBrowser is the name an empty browser_name
// resolves to, so both spellings share one entry. metrics may be nil.
func New(cfg config.CacheConfig, defaultBrowser string, metrics *observability.Metrics, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("cache")
	return &Gate{
		store:          newStore(cfg.Shards, cfg.TTL, cfg.CompressionLevel, logger),
		defaultBrowser: defaultBrowser,
		sweepInterval:  cfg.SweepInterval,
		metrics:        metrics,
		logger:         logger,
	}
}

// Start launches the background sweeper. It stops when ctx is done or Stop
// is called.
func (g *Gate) Start(ctx context.Context) {
	if g.sweepInterval <= 0 {
		return
	}
	ctx, g.cancel = context.WithCancel(ctx)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.store.runSweeper(ctx, g.sweepInterval, func(removed int) {
			if removed > 0 {
				g.logger.Debug("Evicted expired cache entries.", zap.Int("removed", removed))
			}
			g.updateEntries()
		})
	}()
}

// Stop halts the sweeper and waits for it to exit.
func (g *Gate) Stop() {
	g.stopOnce.Do(func() {
		if g.cancel != nil {
			g.cancel()
		}
		g.wg.Wait()
	})
}

// Browse answers a browse request from the cache or by calling run. live
// skips the lookup but still stores a fresh result.
func (g *Gate) Browse(ctx context.Context, req schemas.BrowseRequest, run BrowseFunc) (Result, error) {
	key := BrowseKey(req, g.defaultBrowser)
	return g.do(ctx, key, req.Live, func(ctx context.Context) ([]byte, error) {
		doc, err := run(ctx, req)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize document: %w", err)
		}
		return body, checkCacheable(doc)
	})
}

// Screenshot answers a screenshot request from the cache or by calling run.
func (g *Gate) Screenshot(ctx context.Context, req schemas.ScreenshotRequest, run ScreenshotFunc) (Result, error) {
	key := ScreenshotKey(req)
	return g.do(ctx, key, req.Live, func(ctx context.Context) ([]byte, error) {
		res, err := run(ctx, req)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize screenshot: %w", err)
		}
		return body, nil
	})
}

func checkCacheable(doc *schemas.ResponseDocument) error {
	if doc.Incomplete {
		return fmt.Errorf("%w: navigation did not complete", ErrNotCacheable)
	}
	return nil
}

// produceFunc returns the serialized response. A non-nil body together with
// an ErrNotCacheable error is served but not stored.
type produceFunc func(ctx context.Context) ([]byte, error)

func (g *Gate) do(ctx context.Context, key Key, live bool, produce produceFunc) (Result, error) {
	if live {
		g.observe(lookupBypass)
		body, err := g.fill(ctx, key, produce)
		return Result{Body: body}, err
	}

	if body, ok := g.store.Get(key); ok {
		g.observe(lookupHit)
		g.logger.Debug("Cache hit.", zap.String("key", string(key)))
		return Result{Body: body, Hit: true}, nil
	}
	g.observe(lookupMiss)

	// The first caller's context drives the shared session.
	ch := g.group.DoChan(string(key), func() (interface{}, error) {
		return g.fill(ctx, key, produce)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return Result{Body: res.Val.([]byte), Shared: res.Shared}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (g *Gate) fill(ctx context.Context, key Key, produce produceFunc) ([]byte, error) {
	body, err := produce(ctx)
	switch {
	case errors.Is(err, ErrNotCacheable):
		g.logger.Debug("Result not cached.", zap.String("key", string(key)), zap.Error(err))
		return body, nil
	case err != nil:
		return nil, err
	}

	if err := g.store.Set(key, body); err != nil {
		// Still served.
		g.logger.Warn("Failed to store cache entry.", zap.String("key", string(key)), zap.Error(err))
		return body, nil
	}
	g.updateEntries()
	return body, nil
}

// Len reports how many entries are held, including expired ones not yet swept.
func (g *Gate) Len() int {
	return g.store.Len()
}

func (g *Gate) observe(result string) {
	if g.metrics != nil {
		g.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}

func (g *Gate) updateEntries() {
	if g.metrics != nil {
		g.metrics.CacheEntries.Set(float64(g.store.Len()))
	}
}
