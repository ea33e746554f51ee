package requestlog

import (
	"time"

	"github.com/xkilldash9x/scalpel-render/api/schemas"
)

// NewRecord builds the log row for one finished request. A nil err leaves
// the error message empty.
func NewRecord(url, endpoint string, status int, elapsed time.Duration, cacheHit bool, err error) schemas.RequestRecord {
	rec := schemas.RequestRecord{
		URL:          url,
		Endpoint:     endpoint,
		StatusCode:   status,
		ResponseTime: elapsed.Seconds(),
		CacheHit:     cacheHit,
		CreatedAt:    time.Now().UTC(),
	}
	if err != nil {
		msg := err.Error()
		rec.ErrorMessage = &msg
	}
	return rec
}
