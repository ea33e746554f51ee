// File: api/schemas/requests.go
package schemas

import "strings"

// BrowseRequest carries the parameters of one full capture session.
type BrowseRequest struct {
	URL          string `json:"url"`
	Method       string `json:"method,omitempty"`
	PostData     string `json:"post_data,omitempty"`
	BrowserName  string `json:"browser_name,omitempty"`
	CookieBanner bool   `json:"cookiebanner,omitempty"`
	Scroll       bool   `json:"scroll,omitempty"`
	Live         bool   `json:"live,omitempty"`
}

// Normalized returns a copy with the method upper-cased and defaults applied.
func (r BrowseRequest) Normalized(defaultBrowser string) BrowseRequest {
	out := r
	out.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	if out.Method == "" {
		out.Method = "GET"
	}
	out.BrowserName = strings.ToLower(strings.TrimSpace(r.BrowserName))
	if out.BrowserName == "" {
		out.BrowserName = defaultBrowser
	}
	return out
}

// ScreenshotRequest carries the parameters of a screenshot-only session.
type ScreenshotRequest struct {
	URL           string `json:"url"`
	FullPage      bool   `json:"full_page,omitempty"`
	Live          bool   `json:"live,omitempty"`
	ThumbnailSize int    `json:"thumbnail_size,omitempty"`
	Quality       int    `json:"quality,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply except rate limiting.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// RateLimitResponse is the body of a 429 reply.
type RateLimitResponse struct {
	Error      string `json:"error"`
	Detail     string `json:"detail"`
	Limit      string `json:"limit"`
	RetryAfter string `json:"retry_after"`
}

// -- Content tool responses --

type MinimizeHTMLResponse struct {
	MinifiedHTML string `json:"minified_html"`
}

type ExtractTextResponse struct {
	Text string `json:"text"`
}

type ReaderResponse struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type MarkdownResponse struct {
	Markdown string `json:"markdown"`
}

// HealthResponse is returned by the liveness probe.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}
