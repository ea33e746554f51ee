// Package export renders captured browse sessions into interchange formats.
package export

import (
	"net"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/pb33f/harhar"

	"github.com/xkilldash9x/scalpel-render/api/schemas"
)

const (
	harVersion  = "1.2"
	creatorName = "scalpel-render"
	pageID      = "page_1"
	// The protocol does not report the negotiated HTTP version per exchange.
	unknownHTTPVersion = "unknown"
)

// HAR is the top-level HAR 1.2 envelope.
type HAR struct {
	Log Log `json:"log"`
}

// Log is the HAR log object.
type Log struct {
	Version string         `json:"version"`
	Creator harhar.Creator `json:"creator"`
	Pages   []harhar.Page  `json:"pages,omitempty"`
	Entries []harhar.Entry `json:"entries"`
}

// exchange collects the two halves of one network request.
type exchange struct {
	request  *schemas.NetworkEvent
	response *schemas.NetworkEvent
}

// ToHAR converts a browse document into a HAR log. Request and response
// events are paired on their correlation id; entries keep the order in which
// their first event was recorded. A request that never got a response is
// exported with status 0, and a response with no recorded request gets a
// request synthesized from its URL.
func ToHAR(doc *schemas.ResponseDocument, version string) *HAR {
	out := &HAR{Log: Log{
		Version: harVersion,
		Creator: harhar.Creator{Name: creatorName, Version: version},
		Entries: []harhar.Entry{},
	}}
	if doc == nil {
		return out
	}

	exchanges := pair(doc.NetworkData)
	for _, ex := range exchanges {
		out.Log.Entries = append(out.Log.Entries, toEntry(ex))
	}

	page := harhar.Page{ID: pageID, Title: doc.PageTitle}
	if len(exchanges) > 0 {
		page.Start = out.Log.Entries[0].Start
	} else {
		page.Start = formatTime(time.Time{})
	}
	if page.Title == "" {
		page.Title = doc.URL
	}
	out.Log.Pages = []harhar.Page{page}
	return out
}

func pair(events []schemas.NetworkEvent) []*exchange {
	var ordered []*exchange
	byID := make(map[string]*exchange)

	for i := range events {
		ev := &events[i]
		id := ev.CorrelationID
		ex, known := byID[id]
		if id == "" || !known {
			ex = &exchange{}
			ordered = append(ordered, ex)
			if id != "" {
				byID[id] = ex
			}
		}
		switch ev.Direction {
		case schemas.DirectionRequest:
			if ex.request != nil {
				// A repeated id is a new hop of the same request chain.
				ex = &exchange{}
				ordered = append(ordered, ex)
				byID[id] = ex
			}
			ex.request = ev
		case schemas.DirectionResponse:
			if ex.response != nil {
				ex = &exchange{}
				ordered = append(ordered, ex)
			}
			ex.response = ev
		}
	}
	return ordered
}

func toEntry(ex *exchange) harhar.Entry {
	entry := harhar.Entry{
		PageRef:  pageID,
		Request:  toRequest(ex),
		Response: toResponse(ex.response),
	}

	var started time.Time
	switch {
	case ex.request != nil:
		started = ex.request.Timestamp
	case ex.response != nil:
		started = ex.response.Timestamp
	}
	entry.Start = formatTime(started)

	var timing *schemas.Timing
	if ex.response != nil {
		timing = ex.response.Timing
		if ex.response.ServerAddress != nil && ex.response.ServerAddress.OK() {
			entry.ServerIP = hostOnly(ex.response.ServerAddress.Value)
		}
	}
	entry.Timings = toTimings(timing)
	entry.Time = totalTime(entry.Timings)
	return entry
}

func toRequest(ex *exchange) harhar.Request {
	src := ex.request
	if src == nil {
		// Only the response was seen; rebuild what we can from it.
		src = &schemas.NetworkEvent{URL: ex.response.URL, Method: "GET"}
	}

	req := harhar.Request{
		Method:      src.Method,
		URL:         src.URL,
		HTTPVersion: unknownHTTPVersion,
		Headers:     nameValues(src.Headers),
		QueryParams: queryParams(src.URL),
		Cookies:     cookies(src.Cookies),
		HeadersSize: -1,
		BodySize:    0,
	}
	if req.Method == "" {
		req.Method = "GET"
	}
	if src.Body.OK() && src.Body.Value != "" {
		req.Body = harhar.BodyType{
			MIMEType: header(src.Headers, "content-type"),
			Content:  src.Body.Value,
		}
		req.BodySize = len(src.Body.Value)
	}
	return req
}

func toResponse(src *schemas.NetworkEvent) harhar.Response {
	if src == nil {
		return harhar.Response{
			HTTPVersion: unknownHTTPVersion,
			Headers:     []harhar.NameValuePair{},
			Cookies:     []harhar.Cookie{},
			HeadersSize: -1,
			BodySize:    -1,
		}
	}

	resp := harhar.Response{
		StatusCode:  src.Status,
		StatusText:  src.StatusText,
		HTTPVersion: unknownHTTPVersion,
		RedirectURL: src.RedirectedTo,
		Headers:     nameValues(src.Headers),
		Cookies:     cookies(src.Cookies),
		HeadersSize: -1,
		BodySize:    int(src.Size),
		Body: harhar.BodyResponseType{
			Size:     int(src.Size),
			MIMEType: src.MimeType,
		},
	}
	if src.Body.OK() {
		resp.Body.Content = src.Body.Value
		if src.BodyEncoding == schemas.BodyEncodingBase64 {
			resp.Body.Encoding = "base64"
		}
	} else {
		resp.Body.Comment = src.Body.Placeholder
	}
	return resp
}

// toTimings maps the recorded phase offsets onto HAR timings. Phases that
// did not happen are -1, as HAR expects for the optional ones.
func toTimings(t *schemas.Timing) harhar.Timings {
	out := harhar.Timings{Blocked: -1, DNS: -1, Connect: -1, SSL: -1}
	if t == nil {
		return out
	}
	if d, ok := span(t.DomainLookupStart, t.DomainLookupEnd); ok {
		out.DNS = d
	}
	if d, ok := span(t.ConnectStart, t.ConnectEnd); ok {
		out.Connect = d
	}
	if d, ok := span(t.SecureConnectionStart, t.ConnectEnd); ok {
		out.SSL = d
	}
	if d, ok := span(t.RequestStart, t.ResponseStart); ok {
		out.Wait = d
	}
	if d, ok := span(t.ResponseStart, t.ResponseEnd); ok {
		out.Receive = d
	}
	return out
}

func span(start, end float64) (float64, bool) {
	if start < 0 || end < 0 || end < start {
		return 0, false
	}
	return end - start, true
}

// totalTime sums the phases. SSL is already part of Connect.
func totalTime(t harhar.Timings) float64 {
	total := t.Send + t.Wait + t.Receive
	for _, v := range []float64{t.Blocked, t.DNS, t.Connect} {
		if v > 0 {
			total += v
		}
	}
	return total
}

func nameValues(h schemas.Captured[map[string]string]) []harhar.NameValuePair {
	out := make([]harhar.NameValuePair, 0, len(h.Value))
	if !h.OK() {
		return out
	}
	for name, value := range h.Value {
		out = append(out, harhar.NameValuePair{Name: name, Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func header(h schemas.Captured[map[string]string], name string) string {
	if !h.OK() {
		return ""
	}
	for k, v := range h.Value {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func cookies(c schemas.Captured[[]schemas.Cookie]) []harhar.Cookie {
	out := make([]harhar.Cookie, 0, len(c.Value))
	if !c.OK() {
		return out
	}
	for _, ck := range c.Value {
		out = append(out, harhar.Cookie{
			Name:     ck.Name,
			Value:    ck.Value,
			Path:     ck.Path,
			Domain:   ck.Domain,
			Secure:   ck.Secure,
			HTTPOnly: ck.HTTPOnly,
		})
	}
	return out
}

func queryParams(raw string) []harhar.NameValuePair {
	out := []harhar.NameValuePair{}
	u, err := url.Parse(raw)
	if err != nil {
		return out
	}
	values := u.Query()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range values[k] {
			out = append(out, harhar.NameValuePair{Name: k, Value: v})
		}
	}
	return out
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Unix(0, 0)
	}
	return t.UTC().Format(time.RFC3339Nano)
}
