package recorder

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/xkilldash9x/scalpel-render/api/schemas"
)

// convertHeaders flattens driver headers into strings. Values that are not
// scalars cannot be represented and fail the conversion.
func convertHeaders(headers map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case int:
			out[k] = strconv.Itoa(val)
		case int64:
			out[k] = strconv.FormatInt(val, 10)
		case bool:
			out[k] = strconv.FormatBool(val)
		default:
			return nil, fmt.Errorf("header %q has unsupported value type %T", k, v)
		}
	}
	return out, nil
}

// headerValue does a case-insensitive lookup.
func headerValue(headers map[string]any, key string) string {
	for h, v := range headers {
		if strings.EqualFold(h, key) {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func requestCookies(headers map[string]any) ([]schemas.Cookie, error) {
	line := headerValue(headers, "Cookie")
	if line == "" {
		return []schemas.Cookie{}, nil
	}
	parsed, err := http.ParseCookie(line)
	if err != nil {
		return nil, err
	}
	cookies := make([]schemas.Cookie, 0, len(parsed))
	for _, c := range parsed {
		cookies = append(cookies, schemas.Cookie{Name: c.Name, Value: c.Value})
	}
	return cookies, nil
}

// responseCookies parses Set-Cookie. The driver joins repeated headers with
// newlines. Lines that do not parse are skipped and returned as errors.
func responseCookies(headers map[string]any) ([]schemas.Cookie, []error) {
	raw := headerValue(headers, "Set-Cookie")
	if raw == "" {
		return []schemas.Cookie{}, nil
	}
	lines := strings.Split(raw, "\n")
	cookies := make([]schemas.Cookie, 0, len(lines))
	var skipped []error
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		c, err := http.ParseSetCookie(line)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("set-cookie %q: %w", line, err))
			continue
		}
		cookies = append(cookies, fromHTTPCookie(c))
	}
	return cookies, skipped
}

func fromHTTPCookie(c *http.Cookie) schemas.Cookie {
	out := schemas.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HTTPOnly: c.HttpOnly,
		Secure:   c.Secure,
	}
	if !c.Expires.IsZero() {
		out.Expires = float64(c.Expires.Unix())
	}
	switch c.SameSite {
	case http.SameSiteStrictMode:
		out.SameSite = schemas.CookieSameSiteStrict
	case http.SameSiteLaxMode:
		out.SameSite = schemas.CookieSameSiteLax
	case http.SameSiteNoneMode:
		out.SameSite = schemas.CookieSameSiteNone
	}
	return out
}

func serverAddress(ip string, port int) (string, error) {
	addr, err := netip.ParseAddr(strings.Trim(ip, "[]"))
	if err != nil {
		return "", err
	}
	if port <= 0 {
		return addr.String(), nil
	}
	if port > 65535 {
		return "", fmt.Errorf("port %d out of range", port)
	}
	return net.JoinHostPort(addr.String(), strconv.Itoa(port)), nil
}

// encodeBody returns the body as text for textual MIME types, base64 otherwise.
func encodeBody(mimeType string, body []byte) (string, string) {
	if len(body) == 0 {
		return "", ""
	}
	if IsTextMime(mimeType) && utf8.Valid(body) {
		return string(body), schemas.BodyEncodingText
	}
	return base64.StdEncoding.EncodeToString(body), schemas.BodyEncodingBase64
}

// IsTextMime reports whether a MIME type carries text.
func IsTextMime(mimeType string) bool {
	lowerMime := strings.ToLower(mimeType)
	return strings.HasPrefix(lowerMime, "text/") ||
		strings.Contains(lowerMime, "javascript") ||
		strings.Contains(lowerMime, "json") ||
		strings.Contains(lowerMime, "xml") ||
		strings.Contains(lowerMime, "x-www-form-urlencoded")
}
