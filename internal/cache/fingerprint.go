// internal/cache/fingerprint.go
package cache

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/xkilldash9x/scalpel-render/api/schemas"
)

// Key identifies a cached response. It is a pure function of the request
// fields that change what a session would produce.
type Key string

// fieldSep keeps adjacent fields from running together: ("ab","c") and
// ("a","bc") must not collide.
const fieldSep = "\x00"

// BrowseKey fingerprints a browse request over URL, method, post body and
// browser name. Method and browser are normalized first, so "get" and "" hash
// like "GET". The banner and scroll switches are not part of the key.
func BrowseKey(req schemas.BrowseRequest, defaultBrowser string) Key {
	req = req.Normalized(defaultBrowser)
	return fingerprint("browse", req.URL, req.Method, req.PostData, req.BrowserName)
}

// ScreenshotKey fingerprints a screenshot request over URL and the full-page
// switch.
func ScreenshotKey(req schemas.ScreenshotRequest) Key {
	return fingerprint("screenshot", req.URL, strconv.FormatBool(req.FullPage))
}

func fingerprint(kind string, fields ...string) Key {
	d := xxhash.New()
	_, _ = d.WriteString(kind)
	for _, f := range fields {
		_, _ = d.WriteString(fieldSep)
		_, _ = d.WriteString(strconv.Itoa(len(f)))
		_, _ = d.WriteString(fieldSep)
		_, _ = d.WriteString(f)
	}
	return Key(fmt.Sprintf("%s:%016x", kind, d.Sum64()))
}

// Kind returns the endpoint prefix of the key.
func (k Key) Kind() string {
	kind, _, _ := strings.Cut(string(k), ":")
	return kind
}
