// internal/cache/gate_test.go
package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-render/api/schemas"
	"github.com/xkilldash9x/scalpel-render/internal/config"
	"github.com/xkilldash9x/scalpel-render/internal/observability"
)

func newTestGate(t *testing.T) (*Gate, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics()
	cfg := config.CacheConfig{TTL: time.Hour, Shards: 4, CompressionLevel: 5}
	return New(cfg, "chromium", metrics, zaptest.NewLogger(t)), metrics
}

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if out.Counter != nil {
		return out.GetCounter().GetValue()
	}
	return out.GetGauge().GetValue()
}

// countingBrowse returns a new document on every call so stored and fresh
// results can be told apart.
func countingBrowse(calls *atomic.Int32, incomplete bool) BrowseFunc {
	return func(ctx context.Context, req schemas.BrowseRequest) (*schemas.ResponseDocument, error) {
		n := calls.Add(1)
		return &schemas.ResponseDocument{
			URL:        req.URL,
			StatusCode: 200,
			PageTitle:  "run " + string(rune('0'+n)),
			Cookies:    []schemas.Cookie{},
			Incomplete: incomplete,
		}, nil
	}
}

func TestGate_BrowseHitIsByteIdentical(t *testing.T) {
	gate, metrics := newTestGate(t)
	var calls atomic.Int32
	req := schemas.BrowseRequest{URL: "https://example.com"}

	first, err := gate.Browse(context.Background(), req, countingBrowse(&calls, false))
	require.NoError(t, err)
	assert.False(t, first.Hit)

	second, err := gate.Browse(context.Background(), schemas.BrowseRequest{URL: "https://example.com", Method: "get"}, countingBrowse(&calls, false))
	require.NoError(t, err)
	assert.True(t, second.Hit)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, int32(1), calls.Load(), "a hit never runs a session")

	var doc schemas.ResponseDocument
	require.NoError(t, second.Decode(&doc))
	assert.Equal(t, "run 1", doc.PageTitle)

	assert.Equal(t, 1.0, metricValue(t, metrics.CacheLookups.WithLabelValues(lookupHit)))
	assert.Equal(t, 1.0, metricValue(t, metrics.CacheLookups.WithLabelValues(lookupMiss)))
	assert.Equal(t, 1.0, metricValue(t, metrics.CacheEntries))
}

func TestGate_LiveBypassesLookupButStores(t *testing.T) {
	gate, metrics := newTestGate(t)
	var calls atomic.Int32
	req := schemas.BrowseRequest{URL: "https://example.com"}

	_, err := gate.Browse(context.Background(), req, countingBrowse(&calls, false))
	require.NoError(t, err)

	live := req
	live.Live = true
	fresh, err := gate.Browse(context.Background(), live, countingBrowse(&calls, false))
	require.NoError(t, err)
	assert.False(t, fresh.Hit)
	assert.Equal(t, int32(2), calls.Load())

	cached, err := gate.Browse(context.Background(), req, countingBrowse(&calls, false))
	require.NoError(t, err)
	assert.True(t, cached.Hit)
	assert.Equal(t, fresh.Body, cached.Body, "the live result replaced the stored one")
	assert.Equal(t, 1.0, metricValue(t, metrics.CacheLookups.WithLabelValues(lookupBypass)))
}

func TestGate_IncompleteDocumentsAreNotStored(t *testing.T) {
	gate, _ := newTestGate(t)
	var calls atomic.Int32
	req := schemas.BrowseRequest{URL: "https://unreachable.invalid"}

	res, err := gate.Browse(context.Background(), req, countingBrowse(&calls, true))
	require.NoError(t, err)
	assert.NotEmpty(t, res.Body, "the degraded document is still returned")

	_, err = gate.Browse(context.Background(), req, countingBrowse(&calls, true))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, gate.Len())
}

func TestGate_ErrorsAreNotStored(t *testing.T) {
	gate, _ := newTestGate(t)
	boom := errors.New("browser crashed")
	var calls atomic.Int32
	failing := func(ctx context.Context, req schemas.BrowseRequest) (*schemas.ResponseDocument, error) {
		calls.Add(1)
		return nil, boom
	}

	for i := 0; i < 2; i++ {
		_, err := gate.Browse(context.Background(), schemas.BrowseRequest{URL: "https://example.com"}, failing)
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, gate.Len())
}

func TestGate_ScreenshotLiveRunsEveryTime(t *testing.T) {
	gate, _ := newTestGate(t)
	var calls atomic.Int32
	shoot := func(ctx context.Context, req schemas.ScreenshotRequest) (*schemas.ScreenshotResult, error) {
		calls.Add(1)
		return &schemas.ScreenshotResult{URL: req.URL, Screenshot: "abc", Thumbnail: "a", RequestTime: 1.5}, nil
	}
	req := schemas.ScreenshotRequest{URL: "https://example.com", Live: true}

	for i := 0; i < 2; i++ {
		res, err := gate.Screenshot(context.Background(), req, shoot)
		require.NoError(t, err)
		assert.False(t, res.Hit)
	}
	assert.Equal(t, int32(2), calls.Load())

	cached, err := gate.Screenshot(context.Background(), schemas.ScreenshotRequest{URL: "https://example.com"}, shoot)
	require.NoError(t, err)
	assert.True(t, cached.Hit)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGate_CoalescesConcurrentMisses(t *testing.T) {
	gate, _ := newTestGate(t)
	var calls atomic.Int32
	release := make(chan struct{})
	slow := func(ctx context.Context, req schemas.BrowseRequest) (*schemas.ResponseDocument, error) {
		calls.Add(1)
		<-release
		return &schemas.ResponseDocument{URL: req.URL, StatusCode: 200}, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	bodies := make([][]byte, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := gate.Browse(context.Background(), schemas.BrowseRequest{URL: "https://example.com"}, slow)
			assert.NoError(t, err)
			bodies[i] = res.Body
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, body := range bodies[1:] {
		assert.Equal(t, bodies[0], body)
	}
}

func TestGate_WaiterHonorsContext(t *testing.T) {
	gate, _ := newTestGate(t)
	release := make(chan struct{})
	defer close(release)
	blocked := func(ctx context.Context, req schemas.BrowseRequest) (*schemas.ResponseDocument, error) {
		<-release
		return &schemas.ResponseDocument{}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := gate.Browse(ctx, schemas.BrowseRequest{URL: "https://example.com"}, blocked)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGate_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	cfg := config.CacheConfig{TTL: time.Millisecond, Shards: 2, SweepInterval: 5 * time.Millisecond}
	gate := New(cfg, "chromium", nil, zaptest.NewLogger(t))

	var calls atomic.Int32
	_, err := gate.Browse(context.Background(), schemas.BrowseRequest{URL: "https://example.com"}, countingBrowse(&calls, false))
	require.NoError(t, err)

	gate.Start(context.Background())
	assert.Eventually(t, func() bool { return gate.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	gate.Stop()
	gate.Stop()
}
