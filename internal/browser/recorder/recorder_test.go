package recorder

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-render/api/schemas"
)

const target = "https://example.com"

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	return New(zaptest.NewLogger(t), target)
}

func docRequest(id, url string) RequestInfo {
	return RequestInfo{
		ID:           id,
		URL:          url,
		Method:       "GET",
		Headers:      map[string]any{"Accept": "text/html"},
		ResourceType: "Document",
	}
}

func docResponse(id, url string, status int) ResponseInfo {
	return ResponseInfo{
		ID:           id,
		URL:          url,
		Status:       status,
		Headers:      map[string]any{"Content-Type": "text/html"},
		MimeType:     "text/html",
		ResourceType: "Document",
		RemoteIP:     "93.184.216.34",
		RemotePort:   443,
	}
}

// assertCorrelated checks that every correlated response follows its request.
func assertCorrelated(t *testing.T, events []schemas.NetworkEvent) {
	t.Helper()
	seen := make(map[string]bool)
	for _, ev := range events {
		switch ev.Direction {
		case schemas.DirectionRequest:
			require.NotEmpty(t, ev.CorrelationID)
			assert.False(t, seen[ev.CorrelationID], "correlation id reused by a second request")
			seen[ev.CorrelationID] = true
		case schemas.DirectionResponse:
			if ev.CorrelationID != "" {
				assert.True(t, seen[ev.CorrelationID], "response %s correlated to an unseen request", ev.URL)
			}
		}
	}
}

func TestRecorder_Correlation(t *testing.T) {
	rec := newTestRecorder(t)

	rec.OnRequest(docRequest("1", target))
	rec.OnRequest(RequestInfo{ID: "2", URL: target + "/app.js", Method: "GET", ResourceType: "Script"})
	// Later-dispatched request resolves first.
	rec.OnResponse(ResponseInfo{ID: "2", URL: target + "/app.js", Status: 200, MimeType: "application/javascript"})
	rec.OnResponse(docResponse("1", target, 200))

	snap := rec.Snapshot()
	require.Len(t, snap.Events, 4)
	assertCorrelated(t, snap.Events)

	assert.Equal(t, snap.Events[1].CorrelationID, snap.Events[2].CorrelationID)
	assert.Equal(t, snap.Events[0].CorrelationID, snap.Events[3].CorrelationID)
	assert.NotEqual(t, snap.Events[0].CorrelationID, snap.Events[1].CorrelationID)
}

func TestRecorder_ResponseWithoutRequest(t *testing.T) {
	rec := newTestRecorder(t)

	rec.OnResponse(docResponse("orphan", target+"/late", 204))

	snap := rec.Snapshot()
	require.Len(t, snap.Events, 1)
	assert.Equal(t, schemas.DirectionResponse, snap.Events[0].Direction)
	assert.Empty(t, snap.Events[0].CorrelationID)
	assertCorrelated(t, snap.Events)
}

func TestRecorder_RedirectChain(t *testing.T) {
	rec := newTestRecorder(t)

	rec.OnRequest(docRequest("1", "http://example.com"))
	hop := docResponse("1", "http://example.com", 301)
	hop.RemotePort = 80
	next := docRequest("1", target)
	next.Redirect = &hop
	rec.OnRequest(next)
	rec.OnResponse(docResponse("1", target+"/", 200))

	snap := rec.Snapshot()
	require.Len(t, snap.Events, 4)
	assertCorrelated(t, snap.Events)

	reqA, respA, reqB, respB := snap.Events[0], snap.Events[1], snap.Events[2], snap.Events[3]
	assert.Equal(t, reqA.CorrelationID, respA.CorrelationID)
	assert.Equal(t, reqB.CorrelationID, respB.CorrelationID)
	assert.NotEqual(t, reqA.CorrelationID, reqB.CorrelationID)

	assert.Equal(t, target, reqA.RedirectedTo)
	assert.Equal(t, target, respA.RedirectedTo)
	assert.Equal(t, 301, respA.Status)
	assert.Equal(t, "http://example.com", reqB.RedirectedFrom)
	assert.Equal(t, "http://example.com", respB.RedirectedFrom)

	require.Len(t, snap.Redirects, 1)
	assert.Equal(t, schemas.RedirectStep{
		Step:         1,
		FromURL:      "http://example.com",
		ToURL:        target,
		StatusCode:   301,
		ResourceType: "Document",
		Server:       "93.184.216.34:80",
	}, snap.Redirects[0])

	// Trailing-slash match on the final hop.
	assert.Equal(t, 200, snap.Status)
}

func TestRecorder_RedirectStepsContiguous(t *testing.T) {
	rec := newTestRecorder(t)
	urls := []string{"http://a.test", "http://b.test", "http://c.test", target}

	rec.OnRequest(docRequest("1", urls[0]))
	for i := 1; i < len(urls); i++ {
		hop := docResponse("1", urls[i-1], 302)
		next := docRequest("1", urls[i])
		next.Redirect = &hop
		rec.OnRequest(next)
	}
	rec.OnResponse(docResponse("1", target, 200))

	snap := rec.Snapshot()
	require.Len(t, snap.Redirects, 3)
	for i, step := range snap.Redirects {
		assert.Equal(t, i+1, step.Step)
		assert.Equal(t, urls[i], step.FromURL)
		assert.Equal(t, urls[i+1], step.ToURL)
	}
	assertCorrelated(t, snap.Events)
}

func TestRecorder_SyntheticRedirectStep(t *testing.T) {
	t.Run("single step zero for the first response", func(t *testing.T) {
		rec := newTestRecorder(t)
		rec.OnRequest(docRequest("1", target))
		rec.OnResponse(docResponse("1", target, 200))
		rec.OnResponse(ResponseInfo{ID: "9", URL: target + "/favicon.ico", Status: 404})

		snap := rec.Snapshot()
		require.Len(t, snap.Redirects, 1)
		assert.Equal(t, schemas.RedirectStep{
			Step:         0,
			FromURL:      target,
			ToURL:        target,
			StatusCode:   200,
			ResourceType: "Document",
			Server:       "93.184.216.34:443",
		}, snap.Redirects[0])
	})

	t.Run("no responses means no steps", func(t *testing.T) {
		rec := newTestRecorder(t)
		rec.OnRequest(docRequest("1", target))

		snap := rec.Snapshot()
		assert.NotNil(t, snap.Redirects)
		assert.Empty(t, snap.Redirects)
	})
}

func TestRecorder_StatusTracker(t *testing.T) {
	t.Run("defaults to 200", func(t *testing.T) {
		rec := newTestRecorder(t)
		rec.OnResponse(ResponseInfo{ID: "1", URL: "https://other.test", Status: 500})
		assert.Equal(t, 200, rec.Status())
	})

	t.Run("keeps the most recent match", func(t *testing.T) {
		rec := newTestRecorder(t)
		rec.OnResponse(docResponse("1", target+"/", 503))
		assert.Equal(t, 503, rec.Status())
		rec.OnResponse(docResponse("2", target, 404))
		assert.Equal(t, 404, rec.Status())
		rec.OnResponse(docResponse("3", target+"?page=2", 200))
		assert.Equal(t, 404, rec.Status(), "query-string variants are not the primary URL")
	})
}

func TestRecorder_OptionalFieldFailures(t *testing.T) {
	rec := newTestRecorder(t)

	rec.OnRequest(RequestInfo{
		ID:      "1",
		URL:     target,
		Method:  "GET",
		Headers: map[string]any{"X-Broken": []any{"a", "b"}, "Cookie": "sid=abc; theme=dark"},
	})
	resp := docResponse("1", target, 200)
	resp.Secure = true
	resp.RemoteIP = "not-an-ip"
	resp.Headers = map[string]any{"Set-Cookie": "=novalue"}
	rec.OnResponse(resp)

	snap := rec.Snapshot()
	require.Len(t, snap.Events, 2, "events are kept when sub-fields fail")

	req := snap.Events[0]
	assert.False(t, req.Headers.OK())
	assert.Contains(t, req.Headers.Placeholder, "Could not retrieve request headers")
	require.True(t, req.Cookies.OK())
	assert.Equal(t, []schemas.Cookie{{Name: "sid", Value: "abc"}, {Name: "theme", Value: "dark"}}, req.Cookies.Value)

	got := snap.Events[1]
	assert.True(t, got.Headers.OK())
	require.True(t, got.Cookies.OK(), "a bad Set-Cookie line is skipped, not fatal")
	assert.Empty(t, got.Cookies.Value)
	require.NotNil(t, got.SecurityDetails)
	assert.False(t, got.SecurityDetails.OK())
	require.NotNil(t, got.ServerAddress)
	assert.False(t, got.ServerAddress.OK())

	var warnings []string
	for _, entry := range snap.Logs {
		if entry.Kind == schemas.LogWarning {
			warnings = append(warnings, entry.Message)
		}
	}
	assert.Len(t, warnings, 4)
}

func TestRecorder_ResponseCookiesAndSecurity(t *testing.T) {
	rec := newTestRecorder(t)
	resp := docResponse("1", target, 200)
	resp.Secure = true
	resp.Security = &schemas.SecurityDetails{Protocol: "TLS 1.3", SubjectName: "example.com", Issuer: "R3"}
	resp.Headers = map[string]any{"set-cookie": "sid=1; Path=/; HttpOnly; Secure; SameSite=Lax\nlang=en; Domain=example.com"}
	rec.OnResponse(resp)

	ev := rec.Snapshot().Events[0]
	require.True(t, ev.Cookies.OK())
	require.Len(t, ev.Cookies.Value, 2)
	assert.Equal(t, schemas.Cookie{Name: "sid", Value: "1", Path: "/", HTTPOnly: true, Secure: true, SameSite: schemas.CookieSameSiteLax}, ev.Cookies.Value[0])
	assert.Equal(t, "example.com", ev.Cookies.Value[1].Domain)
	require.NotNil(t, ev.SecurityDetails)
	assert.Equal(t, "TLS 1.3", ev.SecurityDetails.Value.Protocol)
	assert.Equal(t, "93.184.216.34:443", ev.ServerAddress.Value)
	assert.Empty(t, rec.Snapshot().Logs)
}

func TestRecorder_MalformedSetCookieLine(t *testing.T) {
	rec := newTestRecorder(t)
	resp := docResponse("1", target, 200)
	resp.Headers = map[string]any{"Set-Cookie": "sid=1; Path=/\n=novalue\nlang=en"}
	rec.OnResponse(resp)

	snap := rec.Snapshot()
	ev := snap.Events[0]
	require.True(t, ev.Cookies.OK())
	require.Len(t, ev.Cookies.Value, 2)
	assert.Equal(t, "sid", ev.Cookies.Value[0].Name)
	assert.Equal(t, "lang", ev.Cookies.Value[1].Name)

	require.Len(t, snap.Logs, 1)
	assert.Equal(t, schemas.LogWarning, snap.Logs[0].Kind)
	assert.Contains(t, snap.Logs[0].Message, "Skipped a response cookie for "+target)
	assert.Contains(t, snap.Logs[0].Message, `"=novalue"`)
}

func TestRecorder_Bodies(t *testing.T) {
	rec := newTestRecorder(t)

	rec.OnResponse(ResponseInfo{ID: "json", URL: target + "/api", Status: 200, MimeType: "application/json"})
	rec.OnResponse(ResponseInfo{ID: "png", URL: target + "/logo.png", Status: 200, MimeType: "image/png"})
	rec.OnResponse(ResponseInfo{ID: "fail", URL: target + "/gone", Status: 200, MimeType: "text/plain"})
	rec.OnResponse(ResponseInfo{ID: "slow", URL: target + "/stream", Status: 200, MimeType: "text/event-stream"})
	rec.OnResponse(ResponseInfo{ID: "off", URL: target + "/off", Status: 200, MimeType: "text/plain"})

	rec.ResolveBody("json", []byte(`{"ok":true}`), nil)
	rec.ResolveBody("png", []byte{0x89, 0x50, 0x4e, 0x47}, nil)
	rec.ResolveBody("fail", nil, errors.New("No resource with given identifier found"))
	rec.SkipBody("off", "")
	rec.Finalize()
	// Late results after finalize are ignored.
	rec.ResolveBody("slow", []byte("data: late"), nil)

	snap := rec.Snapshot()
	bodies := make(map[string]schemas.NetworkEvent)
	for _, ev := range snap.Events {
		bodies[ev.URL] = ev
	}

	assert.Equal(t, `{"ok":true}`, bodies[target+"/api"].Body.Value)
	assert.Equal(t, schemas.BodyEncodingText, bodies[target+"/api"].BodyEncoding)

	png := bodies[target+"/logo.png"]
	assert.Equal(t, schemas.BodyEncodingBase64, png.BodyEncoding)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0x89, 0x50, 0x4e, 0x47}), png.Body.Value)

	assert.False(t, bodies[target+"/gone"].Body.OK())
	assert.Contains(t, bodies[target+"/gone"].Body.Placeholder, "No resource with given identifier found")
	assert.Equal(t, bodyDisabled, bodies[target+"/off"].Body.Placeholder)
	assert.Contains(t, bodies[target+"/stream"].Body.Placeholder, "loading did not finish")

	var warnings int
	for _, entry := range snap.Logs {
		if entry.Kind == schemas.LogWarning {
			warnings++
		}
	}
	assert.Equal(t, 2, warnings, "failed fetch and unfinished body each warn once")
}

func TestRecorder_Logs(t *testing.T) {
	rec := newTestRecorder(t)
	rec.OnConsole("log", "hello")
	rec.OnPageError("TypeError: x is undefined")
	rec.Warn("Initial page load timed out after %s", "30s")
	rec.Error("Navigation failed: %v", errors.New("net::ERR_NAME_NOT_RESOLVED"))

	logs := rec.Snapshot().Logs
	require.Len(t, logs, 4)
	assert.Equal(t, schemas.LogEntry{Kind: schemas.LogConsoleMessage, Message: "log: hello", Timestamp: logs[0].Timestamp}, logs[0])
	assert.Equal(t, schemas.LogJavaScriptError, logs[1].Kind)
	assert.Equal(t, schemas.LogWarning, logs[2].Kind)
	assert.Contains(t, logs[2].Message, "timed out")
	assert.Equal(t, schemas.LogError, logs[3].Kind)
}

func TestRecorder_OnDownload(t *testing.T) {
	t.Run("drains and removes the file", func(t *testing.T) {
		rec := newTestRecorder(t)
		path := filepath.Join(t.TempDir(), "guid-1")
		require.NoError(t, os.WriteFile(path, []byte("report"), 0o600))

		rec.OnDownload("report.csv", path)

		snap := rec.Snapshot()
		require.Len(t, snap.Downloads, 1)
		assert.Equal(t, "report.csv", snap.Downloads[0].FileName)
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("report")), snap.Downloads[0].FileContent)
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), "temp file must be removed")
	})

	t.Run("read failure is an error entry", func(t *testing.T) {
		rec := newTestRecorder(t)
		rec.OnDownload("missing.bin", filepath.Join(t.TempDir(), "nope"))

		snap := rec.Snapshot()
		assert.Empty(t, snap.Downloads)
		require.Len(t, snap.Logs, 1)
		assert.Equal(t, schemas.LogError, snap.Logs[0].Kind)
		assert.Contains(t, snap.Logs[0].Message, "missing.bin")
	})
}

func TestRecorder_ConcurrentCallbacks(t *testing.T) {
	rec := newTestRecorder(t)
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("req-%d", i)
			rec.OnRequest(RequestInfo{ID: id, URL: fmt.Sprintf("%s/%d", target, i), Method: "GET"})
			rec.OnConsole("log", id)
			rec.OnResponse(ResponseInfo{ID: id, URL: fmt.Sprintf("%s/%d", target, i), Status: 200, MimeType: "text/plain"})
			rec.ResolveBody(id, []byte(id), nil)
		}(i)
	}
	wg.Wait()

	snap := rec.Snapshot()
	assert.Len(t, snap.Events, 2*n)
	assert.Len(t, snap.Logs, n)
	assertCorrelated(t, snap.Events)
}

func TestCapture(t *testing.T) {
	rec := newTestRecorder(t)

	cookies := Capture(rec, "cookies", func() ([]schemas.Cookie, error) {
		return []schemas.Cookie{{Name: "sid", Value: "1"}}, nil
	})
	assert.True(t, cookies.OK())
	assert.Len(t, cookies.Value, 1)

	shot := Capture(rec, "screenshot", func() (string, error) {
		return "", errors.New("target closed")
	})
	assert.False(t, shot.OK())
	assert.Equal(t, "Could not retrieve screenshot: target closed", shot.Placeholder)

	perf := Capture(rec, "performance timing", func() (map[string]float64, error) {
		var m map[string]float64
		m["boom"] = 1
		return m, nil
	})
	assert.False(t, perf.OK(), "a panicking capture degrades like an error")

	logs := rec.Snapshot().Logs
	require.Len(t, logs, 2)
	for _, entry := range logs {
		assert.Equal(t, schemas.LogWarning, entry.Kind)
	}
}
