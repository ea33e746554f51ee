// File: internal/browser/recorder/tap.go
package recorder

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-render/api/schemas"
)

const networkIdleCheckFrequency = 250 * time.Millisecond

// BodyFetcher retrieves a finished response body from the browser.
type BodyFetcher func(ctx context.Context, requestID network.RequestID) ([]byte, error)

// TapOptions configures body capture and download draining.
type TapOptions struct {
	CaptureBodies    bool
	MaxBodyBytes     int
	BodyFetchTimeout time.Duration
	// DownloadDir is where the browser writes downloads, named by GUID.
	DownloadDir string
}

// Tap translates DevTools protocol events into Recorder calls. It also keeps
// the in-flight request set used for network-idle detection.
type Tap struct {
	rec    *Recorder
	logger *zap.Logger
	opts   TapOptions
	fetch  BodyFetcher

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	inflight      map[network.RequestID]struct{}
	responded     map[network.RequestID]bool
	dataURL       map[network.RequestID]bool
	wallTimes     map[network.RequestID]time.Time
	requestTimes  map[network.RequestID]float64
	downloadNames map[string]string
	drained       map[string]bool
	// closing is set once Close starts; no body fetch may start after it.
	closing bool

	bodyFetchWG sync.WaitGroup
	closeOnce   sync.Once
}

// NewTap creates a tap feeding rec. Body fetches run under ctx.
func NewTap(ctx context.Context, rec *Recorder, logger *zap.Logger, fetch BodyFetcher, opts TapOptions) *Tap {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BodyFetchTimeout <= 0 {
		opts.BodyFetchTimeout = 10 * time.Second
	}
	tCtx, cancel := context.WithCancel(ctx)
	return &Tap{
		rec:           rec,
		logger:        logger.Named("tap"),
		opts:          opts,
		fetch:         fetch,
		ctx:           tCtx,
		cancel:        cancel,
		inflight:      make(map[network.RequestID]struct{}),
		responded:     make(map[network.RequestID]bool),
		dataURL:       make(map[network.RequestID]bool),
		wallTimes:     make(map[network.RequestID]time.Time),
		requestTimes:  make(map[network.RequestID]float64),
		downloadNames: make(map[string]string),
		drained:       make(map[string]bool),
	}
}

// Handle dispatches one protocol event. It is the listener handed to the
// browser driver and never blocks on the browser.
func (t *Tap) Handle(ev interface{}) {
	select {
	case <-t.ctx.Done():
		return
	default:
	}

	switch e := ev.(type) {
	// -- Network Events --
	case *network.EventRequestWillBeSent:
		t.handleRequestWillBeSent(e)
	case *network.EventResponseReceived:
		t.handleResponseReceived(e)
	case *network.EventLoadingFinished:
		t.handleLoadingFinished(e)
	case *network.EventLoadingFailed:
		t.handleLoadingFailed(e)

	// -- Console and Runtime Events --
	case *runtime.EventConsoleAPICalled:
		t.rec.OnConsole(string(e.Type), formatConsoleArgs(e.Args))
	case *runtime.EventExceptionThrown:
		t.handleExceptionThrown(e)
	case *log.EventEntryAdded:
		if e.Entry != nil {
			t.rec.OnConsole(string(e.Entry.Level), e.Entry.Text)
		}

	// -- Downloads --
	case *browser.EventDownloadWillBegin:
		t.mu.Lock()
		t.downloadNames[e.GUID] = e.SuggestedFilename
		t.mu.Unlock()
	case *browser.EventDownloadProgress:
		t.handleDownloadProgress(e)
	}
}

func (t *Tap) handleRequestWillBeSent(e *network.EventRequestWillBeSent) {
	if e.Request == nil {
		return
	}
	wall := time.Now()
	if e.WallTime != nil {
		wall = e.WallTime.Time()
	}

	t.mu.Lock()
	t.inflight[e.RequestID] = struct{}{}
	t.dataURL[e.RequestID] = strings.HasPrefix(e.Request.URL, "data:")
	t.wallTimes[e.RequestID] = wall
	t.mu.Unlock()

	info := RequestInfo{
		ID:           string(e.RequestID),
		URL:          e.Request.URL,
		Method:       e.Request.Method,
		Headers:      map[string]any(e.Request.Headers),
		ResourceType: string(e.Type),
		PostData:     postData(e.Request),
		Timestamp:    wall,
	}
	if e.RedirectResponse != nil {
		redirect := t.responseInfo(e.RequestID, e.RedirectResponse, e.Type)
		info.Redirect = &redirect
	}
	t.rec.OnRequest(info)
}

func (t *Tap) handleResponseReceived(e *network.EventResponseReceived) {
	if e.Response == nil {
		return
	}
	t.mu.Lock()
	t.responded[e.RequestID] = true
	if e.Response.Timing != nil {
		t.requestTimes[e.RequestID] = e.Response.Timing.RequestTime
	}
	t.mu.Unlock()

	t.rec.OnResponse(t.responseInfo(e.RequestID, e.Response, e.Type))
}

func (t *Tap) handleLoadingFinished(e *network.EventLoadingFinished) {
	t.mu.Lock()
	delete(t.inflight, e.RequestID)
	responded := t.responded[e.RequestID]
	isData := t.dataURL[e.RequestID]
	requestTime, hasTiming := t.requestTimes[e.RequestID]
	t.mu.Unlock()

	if hasTiming && e.Timestamp != nil {
		end := float64(e.Timestamp.Time().UnixNano())/1e6 - requestTime*1000
		t.rec.FinishTiming(string(e.RequestID), end)
	}
	if !responded {
		return
	}

	switch {
	case !t.opts.CaptureBodies:
		t.rec.SkipBody(string(e.RequestID), bodyDisabled)
	case isData:
		t.rec.SkipBody(string(e.RequestID), "Response body not fetched for data URL")
	case t.fetch == nil:
		t.rec.SkipBody(string(e.RequestID), bodyDisabled)
	default:
		t.fetchBody(e.RequestID)
	}
}

func (t *Tap) handleLoadingFailed(e *network.EventLoadingFailed) {
	t.mu.Lock()
	delete(t.inflight, e.RequestID)
	responded := t.responded[e.RequestID]
	t.mu.Unlock()

	if responded {
		t.rec.ResolveBody(string(e.RequestID), nil, fmt.Errorf("loading failed: %s", e.ErrorText))
		return
	}
	t.logger.Debug("Request failed before a response.", zap.String("reqID", string(e.RequestID)), zap.String("error", e.ErrorText))
}

func (t *Tap) handleExceptionThrown(e *runtime.EventExceptionThrown) {
	if e.ExceptionDetails == nil {
		return
	}
	// The description usually has the most useful info, including the stack trace.
	text := e.ExceptionDetails.Text
	if e.ExceptionDetails.Exception != nil && e.ExceptionDetails.Exception.Description != "" {
		text = e.ExceptionDetails.Exception.Description
	}
	t.rec.OnPageError(text)
}

func (t *Tap) handleDownloadProgress(e *browser.EventDownloadProgress) {
	switch e.State {
	case browser.DownloadProgressStateCompleted:
	case browser.DownloadProgressStateCanceled:
		t.rec.Warn("Download %s was canceled", e.GUID)
		return
	default:
		return
	}

	t.mu.Lock()
	if t.drained[e.GUID] {
		t.mu.Unlock()
		return
	}
	t.drained[e.GUID] = true
	name := t.downloadNames[e.GUID]
	t.mu.Unlock()

	if name == "" {
		name = e.GUID
	}
	t.rec.OnDownload(name, filepath.Join(t.opts.DownloadDir, e.GUID))
}

// fetchBody retrieves a finished body in the background.
func (t *Tap) fetchBody(reqID network.RequestID) {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		t.rec.SkipBody(string(reqID), bodyFinalizing)
		return
	}
	t.bodyFetchWG.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.bodyFetchWG.Done()

		fetchCtx, cancel := context.WithTimeout(t.ctx, t.opts.BodyFetchTimeout)
		defer cancel()

		body, err := t.fetch(fetchCtx, reqID)
		if err != nil && fetchCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s", t.opts.BodyFetchTimeout)
		}
		if err == nil && t.opts.MaxBodyBytes > 0 && len(body) > t.opts.MaxBodyBytes {
			t.rec.SkipBody(string(reqID), fmt.Sprintf("Response body exceeds %d bytes", t.opts.MaxBodyBytes))
			return
		}
		t.rec.ResolveBody(string(reqID), body, err)
	}()
}

func (t *Tap) responseInfo(id network.RequestID, resp *network.Response, typ network.ResourceType) ResponseInfo {
	t.mu.Lock()
	wall := t.wallTimes[id]
	t.mu.Unlock()

	info := ResponseInfo{
		ID:            string(id),
		URL:           resp.URL,
		Status:        int(resp.Status),
		StatusText:    resp.StatusText,
		Headers:       map[string]any(resp.Headers),
		MimeType:      resp.MimeType,
		ResourceType:  string(typ),
		Timing:        convertTiming(resp.Timing, wall),
		RemoteIP:      resp.RemoteIPAddress,
		RemotePort:    int(resp.RemotePort),
		Secure:        strings.HasPrefix(resp.URL, "https://") && !resp.FromDiskCache && !resp.FromServiceWorker && !resp.FromPrefetchCache,
		EncodedLength: int64(resp.EncodedDataLength),
	}
	if sd := resp.SecurityDetails; sd != nil {
		details := &schemas.SecurityDetails{
			Protocol:    sd.Protocol,
			SubjectName: sd.SubjectName,
			Issuer:      sd.Issuer,
		}
		if sd.ValidFrom != nil {
			details.ValidFrom = sd.ValidFrom.Time().UTC()
		}
		if sd.ValidTo != nil {
			details.ValidTo = sd.ValidTo.Time().UTC()
		}
		info.Security = details
	}
	return info
}

// convertTiming maps the protocol's resource timing onto the document's
// timing breakdown. Offsets stay in milliseconds relative to the request
// start; StartTime is the request's wall-clock time in epoch milliseconds.
func convertTiming(t *network.ResourceTiming, wall time.Time) *schemas.Timing {
	if t == nil {
		return nil
	}
	start := 0.0
	if !wall.IsZero() {
		start = float64(wall.UnixNano()) / 1e6
	}
	phase := func(v float64) float64 {
		if v < 0 {
			return -1
		}
		return v
	}
	return &schemas.Timing{
		StartTime:             start,
		DomainLookupStart:     phase(t.DNSStart),
		DomainLookupEnd:       phase(t.DNSEnd),
		ConnectStart:          phase(t.ConnectStart),
		SecureConnectionStart: phase(t.SslStart),
		ConnectEnd:            phase(t.ConnectEnd),
		RequestStart:          phase(t.SendStart),
		ResponseStart:         phase(t.ReceiveHeadersEnd),
		ResponseEnd:           -1,
	}
}

// postData reassembles the request body from its base64 entries.
func postData(req *network.Request) string {
	if !req.HasPostData || len(req.PostDataEntries) == 0 {
		return ""
	}
	var body bytes.Buffer
	for _, entry := range req.PostDataEntries {
		if entry == nil {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			body.WriteString(entry.Bytes)
			continue
		}
		body.Write(decoded)
	}
	return body.String()
}

func formatConsoleArgs(args []*runtime.RemoteObject) string {
	var textBuilder strings.Builder
	for i, arg := range args {
		if arg == nil {
			continue
		}
		if i > 0 {
			textBuilder.WriteString(" ")
		}
		var val interface{}
		if len(arg.Value) > 0 && json.Unmarshal(arg.Value, &val) == nil {
			textBuilder.WriteString(fmt.Sprintf("%v", val))
		} else if arg.Description != "" {
			textBuilder.WriteString(arg.Description)
		} else {
			textBuilder.WriteString(fmt.Sprintf("[%s]", arg.Type))
		}
	}
	return textBuilder.String()
}

// InFlight returns the number of requests still waiting for completion.
func (t *Tap) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// WaitNetworkIdle blocks until no request has been in flight for quietPeriod.
func (t *Tap) WaitNetworkIdle(ctx context.Context, quietPeriod time.Duration) error {
	timer := time.NewTimer(quietPeriod)
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	defer timer.Stop()

	isIdle := false
	ticker := time.NewTicker(networkIdleCheckFrequency)
	defer ticker.Stop()

	check := func() {
		if t.InFlight() > 0 {
			if isIdle {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				isIdle = false
			}
			return
		}
		if !isIdle {
			timer.Reset(quietPeriod)
			isIdle = true
		}
	}
	check()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.ctx.Done():
			return t.ctx.Err()
		case <-ticker.C:
			check()
		case <-timer.C:
			return nil
		}
	}
}

// Close waits for outstanding body fetches, bounded by ctx, then stops the
// tap and finalizes the recorder. Safe to call more than once.
func (t *Tap) Close(ctx context.Context) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closing = true
		t.mu.Unlock()

		done := make(chan struct{})
		go func() {
			t.bodyFetchWG.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			t.logger.Warn("Tap closed before all bodies were fetched.", zap.Error(ctx.Err()))
		}
		t.cancel()
		<-done
		t.rec.Finalize()
	})
}
