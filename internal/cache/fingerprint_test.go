// internal/cache/fingerprint_test.go
package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/scalpel-render/api/schemas"
)

func TestBrowseKey_Deterministic(t *testing.T) {
	req := schemas.BrowseRequest{URL: "https://example.com", Method: "POST", PostData: "a=1", BrowserName: "chromium"}
	assert.Equal(t, BrowseKey(req, "chromium"), BrowseKey(req, "chromium"))
	assert.Equal(t, "browse", BrowseKey(req, "chromium").Kind())
}

func TestBrowseKey_Normalization(t *testing.T) {
	base := BrowseKey(schemas.BrowseRequest{URL: "https://example.com"}, "chromium")

	same := []schemas.BrowseRequest{
		{URL: "https://example.com", Method: "get"},
		{URL: "https://example.com", Method: " GET "},
		{URL: "https://example.com", BrowserName: "Chromium"},
		{URL: "https://example.com", CookieBanner: true, Scroll: true},
		{URL: "https://example.com", Live: true},
	}
	for _, req := range same {
		assert.Equal(t, base, BrowseKey(req, "chromium"), "%+v", req)
	}
}

func TestBrowseKey_Sensitivity(t *testing.T) {
	base := schemas.BrowseRequest{URL: "https://example.com", Method: "POST", PostData: "a=1", BrowserName: "chromium"}
	variants := map[string]schemas.BrowseRequest{
		"url":      {URL: "https://example.org", Method: "POST", PostData: "a=1", BrowserName: "chromium"},
		"method":   {URL: "https://example.com", Method: "PUT", PostData: "a=1", BrowserName: "chromium"},
		"body":     {URL: "https://example.com", Method: "POST", PostData: "a=2", BrowserName: "chromium"},
		"browser":  {URL: "https://example.com", Method: "POST", PostData: "a=1", BrowserName: "chrome"},
		"trailing": {URL: "https://example.com/", Method: "POST", PostData: "a=1", BrowserName: "chromium"},
	}
	want := BrowseKey(base, "chromium")
	for name, req := range variants {
		t.Run(name, func(t *testing.T) {
			assert.NotEqual(t, want, BrowseKey(req, "chromium"))
		})
	}
}

func TestFingerprint_FieldBoundaries(t *testing.T) {
	assert.NotEqual(t, fingerprint("browse", "ab", "c"), fingerprint("browse", "a", "bc"))
	assert.NotEqual(t, fingerprint("browse", "a\x00", ""), fingerprint("browse", "a", "\x00"))
	assert.NotEqual(t, fingerprint("browse", "x"), fingerprint("screenshot", "x"))
}

func TestScreenshotKey(t *testing.T) {
	req := schemas.ScreenshotRequest{URL: "https://example.com", ThumbnailSize: 100}
	key := ScreenshotKey(req)
	assert.Equal(t, "screenshot", key.Kind())

	full := req
	full.FullPage = true
	assert.NotEqual(t, key, ScreenshotKey(full))

	other := req
	other.ThumbnailSize, other.Quality, other.Live = 400, 30, true
	assert.Equal(t, key, ScreenshotKey(other), "only url and full_page select the entry")
}
