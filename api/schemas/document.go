// File: api/schemas/document.go
package schemas

import (
	"encoding/json"
	"time"
)

// Direction tags a NetworkEvent as the request or the response half of an exchange.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// Body encodings. BodyEncodingPlaceholder only appears on the wire, where it
// marks a body field that holds a placeholder instead of content.
const (
	BodyEncodingText        = "text"
	BodyEncodingBase64      = "base64"
	BodyEncodingPlaceholder = "placeholder"
)

// NetworkEvent is one observed request or response.
type NetworkEvent struct {
	// CorrelationID links a response to its request. It is empty for a
	// response that arrived with no recorded request.
	CorrelationID  string                      `json:"correlation_id,omitempty"`
	Direction      Direction                   `json:"direction"`
	URL            string                      `json:"url"`
	Method         string                      `json:"method,omitempty"`
	Status         int                         `json:"status,omitempty"`
	StatusText     string                      `json:"status_text,omitempty"`
	ResourceType   string                      `json:"resource_type,omitempty"`
	Headers        Captured[map[string]string] `json:"headers"`
	Cookies        Captured[[]Cookie]          `json:"cookies"`
	RedirectedFrom string                      `json:"redirected_from,omitempty"`
	RedirectedTo   string                      `json:"redirected_to,omitempty"`
	Timing         *Timing                     `json:"timing,omitempty"`
	MimeType       string                      `json:"mime_type,omitempty"`
	Body           Captured[string]            `json:"body"`
	BodyEncoding   string                      `json:"body_encoding,omitempty"`
	Size           int64                       `json:"size"`
	// Response-only security and server details.
	SecurityDetails *Captured[SecurityDetails] `json:"security_details,omitempty"`
	ServerAddress   *Captured[string]          `json:"server_address,omitempty"`
	Timestamp       time.Time                  `json:"timestamp"`
}

// networkEventFields has NetworkEvent's fields without its methods.
type networkEventFields NetworkEvent

type networkEventWire struct {
	networkEventFields
	ServerAddressMissing bool `json:"server_address_missing,omitempty"`
}

// MarshalJSON flags string placeholders so they decode back as placeholders
// and not as captured text.
func (e NetworkEvent) MarshalJSON() ([]byte, error) {
	w := networkEventWire{networkEventFields: networkEventFields(e)}
	if !e.Body.OK() {
		w.BodyEncoding = BodyEncodingPlaceholder
	}
	if e.ServerAddress != nil && !e.ServerAddress.OK() {
		w.ServerAddressMissing = true
	}
	return json.Marshal(w)
}

func (e *NetworkEvent) UnmarshalJSON(data []byte) error {
	var w networkEventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = NetworkEvent(w.networkEventFields)
	if e.BodyEncoding == BodyEncodingPlaceholder {
		e.Body = Missing[string](e.Body.Value)
		e.BodyEncoding = ""
	}
	if w.ServerAddressMissing && e.ServerAddress != nil {
		missing := Missing[string](e.ServerAddress.Value)
		e.ServerAddress = &missing
	}
	return nil
}

// Timing is the per-request timing breakdown in milliseconds relative to
// StartTime; -1 marks a phase that did not happen.
type Timing struct {
	StartTime             float64 `json:"start_time"`
	DomainLookupStart     float64 `json:"domain_lookup_start"`
	DomainLookupEnd       float64 `json:"domain_lookup_end"`
	ConnectStart          float64 `json:"connect_start"`
	SecureConnectionStart float64 `json:"secure_connection_start"`
	ConnectEnd            float64 `json:"connect_end"`
	RequestStart          float64 `json:"request_start"`
	ResponseStart         float64 `json:"response_start"`
	ResponseEnd           float64 `json:"response_end"`
}

// SecurityDetails describes the TLS connection a response arrived on.
type SecurityDetails struct {
	Protocol    string    `json:"protocol"`
	SubjectName string    `json:"subject_name"`
	Issuer      string    `json:"issuer"`
	ValidFrom   time.Time `json:"valid_from"`
	ValidTo     time.Time `json:"valid_to"`
}

// CookieSameSite defines the SameSite attribute for cookies.
type CookieSameSite string

const (
	CookieSameSiteStrict CookieSameSite = "Strict"
	CookieSameSiteLax    CookieSameSite = "Lax"
	CookieSameSiteNone   CookieSameSite = "None"
)

// Cookie represents a browser cookie.
type Cookie struct {
	Name     string         `json:"name"`
	Value    string         `json:"value"`
	Domain   string         `json:"domain,omitempty"`
	Path     string         `json:"path,omitempty"`
	Expires  float64        `json:"expires,omitempty"`
	HTTPOnly bool           `json:"http_only"`
	Secure   bool           `json:"secure"`
	SameSite CookieSameSite `json:"same_site,omitempty"`
}

// LogKind discriminates LogEntry.
type LogKind string

const (
	LogConsoleMessage  LogKind = "console_message"
	LogJavaScriptError LogKind = "javascript_error"
	LogWarning         LogKind = "warning"
	LogError           LogKind = "error"
)

// LogEntry is one console message, page error, or pipeline warning/error.
type LogEntry struct {
	Kind      LogKind   `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RedirectStep is one hop of a redirect chain.
type RedirectStep struct {
	Step         int    `json:"step"`
	FromURL      string `json:"from_url"`
	ToURL        string `json:"to_url"`
	StatusCode   int    `json:"status_code"`
	ResourceType string `json:"resource_type"`
	Server       string `json:"server"`
}

// DownloadedFile is a file the page triggered a download for.
type DownloadedFile struct {
	FileName    string `json:"file_name"`
	FileContent string `json:"file_content"`
}

// PerformanceMetrics wraps the navigation timing snapshot.
type PerformanceMetrics struct {
	PerformanceTiming map[string]float64 `json:"performance_timing"`
}

// ResponseDocument is the result of one browse session. It is immutable once
// assembled and cached verbatim.
type ResponseDocument struct {
	URL                string             `json:"url"`
	StatusCode         int                `json:"status_code"`
	PageTitle          string             `json:"page_title"`
	MetaDescription    string             `json:"meta_description"`
	NetworkData        []NetworkEvent     `json:"network_data"`
	Logs               []LogEntry         `json:"logs"`
	Cookies            []Cookie           `json:"cookies"`
	PerformanceMetrics PerformanceMetrics `json:"performance_metrics"`
	Screenshot         string             `json:"screenshot"`
	Thumbnail          string             `json:"thumbnail"`
	DownloadedFiles    []DownloadedFile   `json:"downloaded_files"`
	Redirects          []RedirectStep     `json:"redirects"`
	Video              string             `json:"video"`

	// Incomplete is set when the navigation never dispatched. Such documents
	// are returned but never cached.
	Incomplete bool `json:"-"`
}

// ScreenshotResult is the response of the screenshot-only endpoint.
type ScreenshotResult struct {
	URL         string  `json:"url"`
	Screenshot  string  `json:"screenshot"`
	Thumbnail   string  `json:"thumbnail"`
	RequestTime float64 `json:"request_time"`
}
