package recorder

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-render/api/schemas"
)

func newTestTap(t *testing.T, fetch BodyFetcher, opts TapOptions) (*Tap, *Recorder) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	rec := New(logger, target)
	tap := NewTap(context.Background(), rec, logger, fetch, opts)
	return tap, rec
}

func requestEvent(id, url string, redirect *network.Response) *network.EventRequestWillBeSent {
	return &network.EventRequestWillBeSent{
		RequestID: network.RequestID(id),
		Request: &network.Request{
			URL:     url,
			Method:  "GET",
			Headers: network.Headers{"Accept": "*/*"},
		},
		RedirectResponse: redirect,
		Type:             network.ResourceTypeDocument,
	}
}

func responseEvent(id, url string, status int64, mime string) *network.EventResponseReceived {
	return &network.EventResponseReceived{
		RequestID: network.RequestID(id),
		Type:      network.ResourceTypeDocument,
		Response: &network.Response{
			URL:             url,
			Status:          status,
			StatusText:      "OK",
			MimeType:        mime,
			Headers:         network.Headers{"Content-Type": mime},
			RemoteIPAddress: "127.0.0.1",
			RemotePort:      8080,
			Timing: &network.ResourceTiming{
				RequestTime:       100,
				DNSStart:          -1,
				DNSEnd:            -1,
				ConnectStart:      1,
				ConnectEnd:        3,
				SslStart:          -1,
				SslEnd:            -1,
				SendStart:         4,
				SendEnd:           5,
				ReceiveHeadersEnd: 12,
			},
		},
	}
}

func TestTap_RequestResponseBody(t *testing.T) {
	defer goleak.VerifyNone(t)

	fetch := func(ctx context.Context, id network.RequestID) ([]byte, error) {
		return []byte("<html><title>hi</title></html>"), nil
	}
	tap, rec := newTestTap(t, fetch, TapOptions{CaptureBodies: true})

	tap.Handle(requestEvent("1", target, nil))
	assert.Equal(t, 1, tap.InFlight())
	tap.Handle(responseEvent("1", target, 200, "text/html"))
	tap.Handle(&network.EventLoadingFinished{RequestID: "1"})
	assert.Equal(t, 0, tap.InFlight())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tap.Close(ctx)

	snap := rec.Snapshot()
	require.Len(t, snap.Events, 2)
	resp := snap.Events[1]
	assert.Equal(t, snap.Events[0].CorrelationID, resp.CorrelationID)
	assert.Equal(t, "<html><title>hi</title></html>", resp.Body.Value)
	assert.Equal(t, schemas.BodyEncodingText, resp.BodyEncoding)
	require.NotNil(t, resp.Timing)
	assert.Equal(t, -1.0, resp.Timing.DomainLookupStart)
	assert.Equal(t, 12.0, resp.Timing.ResponseStart)
	assert.Equal(t, "127.0.0.1:8080", resp.ServerAddress.Value)
	require.NotNil(t, resp.SecurityDetails)
	assert.False(t, resp.SecurityDetails.OK(), "https without reported details degrades to a placeholder")
}

func TestTap_Redirect(t *testing.T) {
	defer goleak.VerifyNone(t)
	tap, rec := newTestTap(t, nil, TapOptions{})

	tap.Handle(requestEvent("1", "http://example.com", nil))
	redirect := &network.Response{URL: "http://example.com", Status: 301, Headers: network.Headers{"Location": target}}
	tap.Handle(requestEvent("1", target, redirect))
	tap.Handle(responseEvent("1", target, 200, "text/html"))
	tap.Handle(&network.EventLoadingFinished{RequestID: "1"})
	tap.Close(context.Background())

	snap := rec.Snapshot()
	require.Len(t, snap.Events, 4)
	require.Len(t, snap.Redirects, 1)
	assert.Equal(t, 301, snap.Redirects[0].StatusCode)
	assert.Equal(t, "Document", snap.Redirects[0].ResourceType)
	assert.Equal(t, bodyDisabled, snap.Events[3].Body.Placeholder)
	assert.Equal(t, 200, snap.Status)
}

func TestTap_BodyFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	fetch := func(ctx context.Context, id network.RequestID) ([]byte, error) {
		switch id {
		case "big":
			return make([]byte, 64), nil
		case "gone":
			return nil, errors.New("No data found for resource with given identifier")
		default:
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}
	tap, rec := newTestTap(t, fetch, TapOptions{CaptureBodies: true, MaxBodyBytes: 16, BodyFetchTimeout: 50 * time.Millisecond})

	for _, id := range []string{"big", "gone", "hang", "failed"} {
		tap.Handle(requestEvent(id, target+"/"+id, nil))
		tap.Handle(responseEvent(id, target+"/"+id, 200, "text/plain"))
	}
	tap.Handle(&network.EventLoadingFinished{RequestID: "big"})
	tap.Handle(&network.EventLoadingFinished{RequestID: "gone"})
	tap.Handle(&network.EventLoadingFinished{RequestID: "hang"})
	tap.Handle(&network.EventLoadingFailed{RequestID: "failed", ErrorText: "net::ERR_CONNECTION_RESET"})

	tap.Close(context.Background())

	bodies := make(map[string]schemas.Captured[string])
	for _, ev := range rec.Snapshot().Events {
		if ev.Direction == schemas.DirectionResponse {
			bodies[ev.URL] = ev.Body
		}
	}
	assert.Equal(t, "Response body exceeds 16 bytes", bodies[target+"/big"].Placeholder)
	assert.Contains(t, bodies[target+"/gone"].Placeholder, "No data found")
	assert.Contains(t, bodies[target+"/hang"].Placeholder, "timed out")
	assert.Contains(t, bodies[target+"/failed"].Placeholder, "net::ERR_CONNECTION_RESET")
}

func TestTap_ConsoleAndErrors(t *testing.T) {
	tap, rec := newTestTap(t, nil, TapOptions{})
	defer tap.Close(context.Background())

	tap.Handle(&runtime.EventConsoleAPICalled{
		Type: runtime.APITypeLog,
		Args: []*runtime.RemoteObject{
			{Type: runtime.TypeString, Value: []byte(`"hello"`)},
			{Type: runtime.TypeNumber, Value: []byte(`42`)},
			{Type: runtime.TypeObject, Description: "Window"},
		},
	})
	tap.Handle(&runtime.EventExceptionThrown{
		ExceptionDetails: &runtime.ExceptionDetails{
			Text:      "Uncaught",
			Exception: &runtime.RemoteObject{Description: "TypeError: x is undefined"},
		},
	})

	logs := rec.Snapshot().Logs
	require.Len(t, logs, 2)
	assert.Equal(t, "log: hello 42 Window", logs[0].Message)
	assert.Equal(t, schemas.LogJavaScriptError, logs[1].Kind)
	assert.Equal(t, "TypeError: x is undefined", logs[1].Message)
}

func TestTap_Downloads(t *testing.T) {
	dir := t.TempDir()
	tap, rec := newTestTap(t, nil, TapOptions{DownloadDir: dir})
	defer tap.Close(context.Background())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "guid-1"), []byte("%PDF-1.7"), 0o600))

	tap.Handle(&browser.EventDownloadWillBegin{GUID: "guid-1", SuggestedFilename: "invoice.pdf"})
	tap.Handle(&browser.EventDownloadProgress{GUID: "guid-1", State: browser.DownloadProgressStateInProgress})
	tap.Handle(&browser.EventDownloadProgress{GUID: "guid-1", State: browser.DownloadProgressStateCompleted})
	// Duplicate completion is drained once.
	tap.Handle(&browser.EventDownloadProgress{GUID: "guid-1", State: browser.DownloadProgressStateCompleted})
	tap.Handle(&browser.EventDownloadProgress{GUID: "guid-2", State: browser.DownloadProgressStateCanceled})

	snap := rec.Snapshot()
	require.Len(t, snap.Downloads, 1)
	assert.Equal(t, "invoice.pdf", snap.Downloads[0].FileName)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("%PDF-1.7")), snap.Downloads[0].FileContent)
	require.Len(t, snap.Logs, 1)
	assert.Equal(t, schemas.LogWarning, snap.Logs[0].Kind)
}

func TestTap_WaitNetworkIdle(t *testing.T) {
	defer goleak.VerifyNone(t)
	tap, _ := newTestTap(t, nil, TapOptions{})
	defer tap.Close(context.Background())

	t.Run("times out while a request is in flight", func(t *testing.T) {
		tap.Handle(requestEvent("1", target, nil))
		ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
		defer cancel()
		err := tap.WaitNetworkIdle(ctx, 100*time.Millisecond)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("returns once the network is quiet", func(t *testing.T) {
		var finished atomic.Bool
		go func() {
			time.Sleep(100 * time.Millisecond)
			tap.Handle(&network.EventLoadingFinished{RequestID: "1"})
			finished.Store(true)
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		require.NoError(t, tap.WaitNetworkIdle(ctx, 100*time.Millisecond))
		assert.True(t, finished.Load())
	})
}

func TestTap_IgnoresEventsAfterClose(t *testing.T) {
	tap, rec := newTestTap(t, nil, TapOptions{})
	tap.Close(context.Background())
	tap.Close(context.Background())

	tap.Handle(requestEvent("1", target, nil))
	assert.Empty(t, rec.Snapshot().Events)
}

func TestTap_CloseDuringLoadingFinished(t *testing.T) {
	defer goleak.VerifyNone(t)

	var started, finished atomic.Int32
	fetch := func(ctx context.Context, id network.RequestID) ([]byte, error) {
		started.Add(1)
		defer finished.Add(1)
		return []byte("body"), nil
	}
	tap, rec := newTestTap(t, fetch, TapOptions{CaptureBodies: true})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("req-%d", i)
			url := fmt.Sprintf("%s/asset/%d", target, i)
			tap.Handle(requestEvent(id, url, nil))
			tap.Handle(responseEvent(id, url, 200, "text/plain"))
			tap.Handle(&network.EventLoadingFinished{RequestID: network.RequestID(id)})
		}(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NotPanics(t, func() { tap.Close(ctx) })
	wg.Wait()

	// Every fetch that started was waited for by Close.
	assert.Equal(t, started.Load(), finished.Load())

	for _, ev := range rec.Snapshot().Events {
		if ev.Direction != schemas.DirectionResponse || !ev.Body.OK() {
			continue
		}
		assert.Equal(t, "body", ev.Body.Value, ev.URL)
	}
}

func TestTap_NoFetchOnceClosing(t *testing.T) {
	fetch := func(ctx context.Context, id network.RequestID) ([]byte, error) {
		t.Error("fetch must not start while the tap is closing")
		return nil, nil
	}
	tap, rec := newTestTap(t, fetch, TapOptions{CaptureBodies: true})
	defer tap.Close(context.Background())

	tap.Handle(requestEvent("1", target, nil))
	tap.Handle(responseEvent("1", target, 200, "text/html"))

	tap.mu.Lock()
	tap.closing = true
	tap.mu.Unlock()
	tap.handleLoadingFinished(&network.EventLoadingFinished{RequestID: "1"})

	snap := rec.Snapshot()
	require.Len(t, snap.Events, 2)
	assert.Equal(t, bodyFinalizing, snap.Events[1].Body.Placeholder)
}
