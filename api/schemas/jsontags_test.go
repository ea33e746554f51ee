package schemas_test

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/scalpel-render/api/schemas"
)

// TestStructJSONTags pins the wire names of the public document shapes.
func TestStructJSONTags(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name         string
		structRef    interface{}
		expectedTags map[string]string
	}{
		{
			name:      "ResponseDocument",
			structRef: schemas.ResponseDocument{},
			expectedTags: map[string]string{
				"URL":                "url",
				"StatusCode":         "status_code",
				"PageTitle":          "page_title",
				"MetaDescription":    "meta_description",
				"NetworkData":        "network_data",
				"Logs":               "logs",
				"Cookies":            "cookies",
				"PerformanceMetrics": "performance_metrics",
				"Screenshot":         "screenshot",
				"Thumbnail":          "thumbnail",
				"DownloadedFiles":    "downloaded_files",
				"Redirects":          "redirects",
				"Video":              "video",
				"Incomplete":         "-",
			},
		},
		{
			name:      "RedirectStep",
			structRef: schemas.RedirectStep{},
			expectedTags: map[string]string{
				"Step":         "step",
				"FromURL":      "from_url",
				"ToURL":        "to_url",
				"StatusCode":   "status_code",
				"ResourceType": "resource_type",
				"Server":       "server",
			},
		},
		{
			name:      "Cookie",
			structRef: schemas.Cookie{},
			expectedTags: map[string]string{
				"Name":     "name",
				"Value":    "value",
				"Domain":   "domain,omitempty",
				"Path":     "path,omitempty",
				"Expires":  "expires,omitempty",
				"HTTPOnly": "http_only",
				"Secure":   "secure",
				"SameSite": "same_site,omitempty",
			},
		},
		{
			name:      "DownloadedFile",
			structRef: schemas.DownloadedFile{},
			expectedTags: map[string]string{
				"FileName":    "file_name",
				"FileContent": "file_content",
			},
		},
		{
			name:      "LogEntry",
			structRef: schemas.LogEntry{},
			expectedTags: map[string]string{
				"Kind":      "type",
				"Message":   "message",
				"Timestamp": "timestamp",
			},
		},
		{
			name:      "ScreenshotResult",
			structRef: schemas.ScreenshotResult{},
			expectedTags: map[string]string{
				"URL":         "url",
				"Screenshot":  "screenshot",
				"Thumbnail":   "thumbnail",
				"RequestTime": "request_time",
			},
		},
		{
			name:      "Stats",
			structRef: schemas.Stats{},
			expectedTags: map[string]string{
				"TotalRequests":              "total_requests",
				"AverageResponseTimeSeconds": "average_response_time_seconds",
				"CacheHitRatePercent":        "cache_hit_rate_percent",
				"SuccessRatePercent":         "success_rate_percent",
				"Endpoints":                  "endpoints",
				"TopDomains":                 "top_domains",
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			typ := reflect.TypeOf(tc.structRef)
			assert.Equal(t, len(tc.expectedTags), typ.NumField(), "unexpected field count on %s", tc.name)
			for fieldName, expected := range tc.expectedTags {
				field, ok := typ.FieldByName(fieldName)
				if assert.True(t, ok, "field %s missing on %s", fieldName, tc.name) {
					assert.Equal(t, expected, field.Tag.Get("json"), "tag mismatch on %s.%s", tc.name, fieldName)
				}
			}
		})
	}
}
