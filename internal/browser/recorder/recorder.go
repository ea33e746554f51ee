// File: internal/browser/recorder/recorder.go
package recorder

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-render/api/schemas"
)

// Placeholders written into a NetworkEvent when a body is not available.
const (
	bodyPending    = "Response body pending"
	bodyDisabled   = "Response body capture disabled"
	bodyFinalizing = "Response body not captured: session finalizing"
)

// RequestInfo is a request as observed by the browser driver.
type RequestInfo struct {
	// ID is the driver's identity for the request. Redirect hops share it.
	ID           string
	URL          string
	Method       string
	Headers      map[string]any
	ResourceType string
	PostData     string
	// Redirect is set when this request was issued in answer to a redirect;
	// it describes the redirect response of the previous hop.
	Redirect  *ResponseInfo
	Timestamp time.Time
}

// ResponseInfo is a response as observed by the browser driver.
type ResponseInfo struct {
	ID           string
	URL          string
	Status       int
	StatusText   string
	Headers      map[string]any
	MimeType     string
	ResourceType string
	Timing       *schemas.Timing
	RemoteIP     string
	RemotePort   int
	// Secure is set for responses delivered over TLS from the network. When
	// it is set but Security is nil, the details are reported as missing.
	Secure        bool
	Security      *schemas.SecurityDetails
	EncodedLength int64
	Timestamp     time.Time
}

// exchange tracks the current hop of one driver request.
type exchange struct {
	hop           int
	correlationID string
	requestIdx    int
	responseIdx   int // -1 until a response is recorded for the current hop
	url           string
	resourceType  string
}

// Snapshot is the ordered content of a recorder at one point in time.
type Snapshot struct {
	Events    []schemas.NetworkEvent
	Logs      []schemas.LogEntry
	Downloads []schemas.DownloadedFile
	Redirects []schemas.RedirectStep
	Status    int
}

// Recorder is the per-session accumulator for network events, logs, downloads
// and the redirect chain. Every method is safe to call from the browser
// driver's event goroutine concurrently with the navigation controller.
type Recorder struct {
	logger    *zap.Logger
	targetURL string
	now       func() time.Time

	mu          sync.Mutex
	events      []schemas.NetworkEvent
	logs        []schemas.LogEntry
	downloads   []schemas.DownloadedFile
	redirects   []schemas.RedirectStep
	exchanges   map[string]*exchange
	correlation map[string]string // surrogate id -> correlation id
	status      int
	pending     map[string]int // driver request id -> response event index awaiting a body
	closed      bool
}

// New creates a recorder for a session navigating to targetURL.
func New(logger *zap.Logger, targetURL string) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		logger:      logger.Named("recorder"),
		targetURL:   targetURL,
		now:         time.Now,
		events:      make([]schemas.NetworkEvent, 0, 64),
		logs:        make([]schemas.LogEntry, 0),
		downloads:   make([]schemas.DownloadedFile, 0),
		redirects:   make([]schemas.RedirectStep, 0),
		exchanges:   make(map[string]*exchange),
		correlation: make(map[string]string),
		status:      http.StatusOK,
		pending:     make(map[string]int),
	}
}

func surrogateID(requestID string, hop int) string {
	return fmt.Sprintf("%s#%d", requestID, hop)
}

// OnRequest records a request. A request carrying a redirect response first
// closes the previous hop with a synthetic response event.
func (r *Recorder) OnRequest(req RequestInfo) {
	defer r.recoverHandler("request")

	r.mu.Lock()
	defer r.mu.Unlock()

	ts := req.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}

	ex, known := r.exchanges[req.ID]
	redirectedFrom := ""
	if req.Redirect != nil {
		redirectedFrom = req.Redirect.URL
		if idx, ok := r.pending[req.ID]; ok {
			// A redirect hop carries no body.
			r.events[idx].Body = schemas.Got("")
			delete(r.pending, req.ID)
		}
		if known {
			r.closeHopLocked(ex, *req.Redirect, req.URL)
		} else {
			r.recordResponseLocked(*req.Redirect, "", req.URL, false)
		}
		r.recordRedirectLocked(*req.Redirect, req.URL)
	}

	hop := 0
	if known {
		hop = ex.hop + 1
	}
	correlationID := uuid.NewString()
	r.correlation[surrogateID(req.ID, hop)] = correlationID

	ev := schemas.NetworkEvent{
		CorrelationID:  correlationID,
		Direction:      schemas.DirectionRequest,
		URL:            req.URL,
		Method:         req.Method,
		ResourceType:   req.ResourceType,
		RedirectedFrom: redirectedFrom,
		Timestamp:      ts,
	}
	ev.Headers = attempt(r, "request headers", func() (map[string]string, error) {
		return convertHeaders(req.Headers)
	})
	ev.Cookies = attempt(r, "request cookies", func() ([]schemas.Cookie, error) {
		return requestCookies(req.Headers)
	})
	ev.Body = schemas.Got(req.PostData)
	if req.PostData != "" {
		ev.BodyEncoding = schemas.BodyEncodingText
	}
	ev.Size = int64(len(req.PostData))

	r.events = append(r.events, ev)
	r.exchanges[req.ID] = &exchange{
		hop:           hop,
		correlationID: correlationID,
		requestIdx:    len(r.events) - 1,
		responseIdx:   -1,
		url:           req.URL,
		resourceType:  req.ResourceType,
	}
}

// closeHopLocked records the redirect response that ended ex's current hop.
func (r *Recorder) closeHopLocked(ex *exchange, resp ResponseInfo, nextURL string) {
	correlationID := r.correlation[surrogateID(resp.ID, ex.hop)]
	r.recordResponseLocked(resp, correlationID, nextURL, false)
	r.events[ex.requestIdx].RedirectedTo = nextURL
}

// OnResponse records a response. A response with no recorded request is kept
// with an empty correlation id.
func (r *Recorder) OnResponse(resp ResponseInfo) {
	defer r.recoverHandler("response")

	r.mu.Lock()
	defer r.mu.Unlock()

	correlationID := ""
	if ex, ok := r.exchanges[resp.ID]; ok {
		correlationID = r.correlation[surrogateID(resp.ID, ex.hop)]
	}
	idx := r.recordResponseLocked(resp, correlationID, "", true)
	if ex, ok := r.exchanges[resp.ID]; ok {
		ex.responseIdx = idx
	}
}

// recordResponseLocked appends a response event and returns its index.
// awaitBody registers the event for a later ResolveBody call.
func (r *Recorder) recordResponseLocked(resp ResponseInfo, correlationID, redirectedTo string, awaitBody bool) int {
	ts := resp.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}
	resourceType := resp.ResourceType
	if resourceType == "" {
		if ex, ok := r.exchanges[resp.ID]; ok {
			resourceType = ex.resourceType
		}
	}

	ev := schemas.NetworkEvent{
		CorrelationID: correlationID,
		Direction:     schemas.DirectionResponse,
		URL:           resp.URL,
		Status:        resp.Status,
		StatusText:    resp.StatusText,
		ResourceType:  resourceType,
		RedirectedTo:  redirectedTo,
		Timing:        resp.Timing,
		MimeType:      resp.MimeType,
		Size:          resp.EncodedLength,
		Timestamp:     ts,
	}
	if ex, ok := r.exchanges[resp.ID]; ok && ex.hop > 0 {
		ev.RedirectedFrom = r.events[ex.requestIdx].RedirectedFrom
	}
	ev.Headers = attempt(r, "response headers", func() (map[string]string, error) {
		return convertHeaders(resp.Headers)
	})
	ev.Cookies = attempt(r, "response cookies", func() ([]schemas.Cookie, error) {
		cookies, skipped := responseCookies(resp.Headers)
		for _, err := range skipped {
			r.appendLogLocked(schemas.LogWarning, fmt.Sprintf("Skipped a response cookie for %s: %v", resp.URL, err))
		}
		return cookies, nil
	})
	if resp.Secure {
		details := attempt(r, "security details", func() (schemas.SecurityDetails, error) {
			if resp.Security == nil {
				return schemas.SecurityDetails{}, fmt.Errorf("not reported for %s", resp.URL)
			}
			return *resp.Security, nil
		})
		ev.SecurityDetails = &details
	}
	if resp.RemoteIP != "" {
		addr := attempt(r, "server address", func() (string, error) {
			return serverAddress(resp.RemoteIP, resp.RemotePort)
		})
		ev.ServerAddress = &addr
	}

	if awaitBody {
		ev.Body = schemas.Missing[string](bodyPending)
	} else {
		ev.Body = schemas.Got("")
	}

	r.events = append(r.events, ev)
	idx := len(r.events) - 1
	if awaitBody {
		r.pending[resp.ID] = idx
	}
	r.trackStatusLocked(resp.URL, resp.Status)
	return idx
}

// trackStatusLocked keeps the most recent status of the primary URL.
func (r *Recorder) trackStatusLocked(url string, status int) {
	if status == 0 || !sameURL(url, r.targetURL) {
		return
	}
	r.status = status
}

func sameURL(a, b string) bool {
	if a == b {
		return true
	}
	return strings.TrimSuffix(a, "/") == strings.TrimSuffix(b, "/")
}

// ResolveBody attaches a fetched body, or a placeholder plus a warning when
// fetchErr is set, to the response awaiting it.
func (r *Recorder) ResolveBody(requestID string, body []byte, fetchErr error) {
	defer r.recoverHandler("body")

	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.pending[requestID]
	if !ok {
		return
	}
	delete(r.pending, requestID)

	ev := &r.events[idx]
	ev.Body = attempt(r, "response body for "+ev.URL, func() (string, error) {
		if fetchErr != nil {
			return "", fetchErr
		}
		text, encoding := encodeBody(ev.MimeType, body)
		ev.BodyEncoding = encoding
		return text, nil
	})
	if fetchErr == nil && ev.Size == 0 {
		ev.Size = int64(len(body))
	}
}

// SkipBody resolves a pending body with a placeholder and no warning.
func (r *Recorder) SkipBody(requestID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.pending[requestID]
	if !ok {
		return
	}
	delete(r.pending, requestID)
	if reason == "" {
		reason = bodyDisabled
	}
	r.events[idx].Body = schemas.Missing[string](reason)
}

// FinishTiming fills in the response end of the current hop's response.
func (r *Recorder) FinishTiming(requestID string, responseEnd float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ex, ok := r.exchanges[requestID]
	if !ok || ex.responseIdx < 0 {
		return
	}
	if t := r.events[ex.responseIdx].Timing; t != nil {
		t.ResponseEnd = responseEnd
	}
}

// OnConsole records a console message.
func (r *Recorder) OnConsole(level, text string) {
	msg := text
	if level != "" {
		msg = fmt.Sprintf("%s: %s", level, text)
	}
	r.appendLog(schemas.LogConsoleMessage, msg)
}

// OnPageError records an uncaught page error.
func (r *Recorder) OnPageError(message string) {
	r.appendLog(schemas.LogJavaScriptError, message)
}

// Warn appends a warning entry.
func (r *Recorder) Warn(format string, args ...any) {
	r.appendLog(schemas.LogWarning, fmt.Sprintf(format, args...))
}

// Error appends an error entry.
func (r *Recorder) Error(format string, args ...any) {
	r.appendLog(schemas.LogError, fmt.Sprintf(format, args...))
}

func (r *Recorder) appendLog(kind schemas.LogKind, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLogLocked(kind, message)
}

func (r *Recorder) appendLogLocked(kind schemas.LogKind, message string) {
	r.logs = append(r.logs, schemas.LogEntry{Kind: kind, Message: message, Timestamp: r.now()})
}

// Finalize resolves every body still pending with a placeholder and a
// warning. Later callbacks are ignored for bodies.
func (r *Recorder) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for id, idx := range r.pending {
		ev := &r.events[idx]
		ev.Body = schemas.Missing[string]("Response body not captured: loading did not finish")
		r.appendLogLocked(schemas.LogWarning, fmt.Sprintf("Could not retrieve response body for %s: loading did not finish", ev.URL))
		delete(r.pending, id)
	}
}

// Status returns the effective status of the primary URL, 200 when it was
// never observed.
func (r *Recorder) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Snapshot returns copies of everything recorded so far.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Events:    append([]schemas.NetworkEvent(nil), r.events...),
		Logs:      append([]schemas.LogEntry(nil), r.logs...),
		Downloads: append([]schemas.DownloadedFile(nil), r.downloads...),
		Redirects: r.redirectStepsLocked(),
		Status:    r.status,
	}
	if snap.Events == nil {
		snap.Events = []schemas.NetworkEvent{}
	}
	if snap.Logs == nil {
		snap.Logs = []schemas.LogEntry{}
	}
	if snap.Downloads == nil {
		snap.Downloads = []schemas.DownloadedFile{}
	}
	return snap
}

// recoverHandler keeps a panicking conversion from escaping into the driver's
// event loop.
func (r *Recorder) recoverHandler(what string) {
	if p := recover(); p != nil {
		r.logger.Error("Recovered panic in event handler.", zap.String("handler", what), zap.Any("panic", p))
		r.appendLog(schemas.LogError, fmt.Sprintf("Failed to record %s: %v", what, p))
	}
}
