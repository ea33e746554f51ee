// File: api/schemas/requestlog.go
package schemas

import (
	"encoding/json"
	"fmt"
	"time"
)

// RequestRecord is one row of the request log.
type RequestRecord struct {
	ID           int64     `json:"id"`
	URL          string    `json:"url"`
	Endpoint     string    `json:"endpoint"`
	StatusCode   int       `json:"status_code"`
	ResponseTime float64   `json:"response_time"`
	CacheHit     bool      `json:"cache_hit"`
	ErrorMessage *string   `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
}

// DomainCount pairs a domain with its request count. It serializes as a
// two-element array, ["example.com", 12].
type DomainCount struct {
	Domain string
	Count  int64
}

func (d DomainCount) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{d.Domain, d.Count})
}

func (d *DomainCount) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("domain count: expected 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &d.Domain); err != nil {
		return fmt.Errorf("domain count: %w", err)
	}
	if err := json.Unmarshal(pair[1], &d.Count); err != nil {
		return fmt.Errorf("domain count: %w", err)
	}
	return nil
}

// Stats summarizes the request log.
type Stats struct {
	TotalRequests              int64            `json:"total_requests"`
	AverageResponseTimeSeconds float64          `json:"average_response_time_seconds"`
	CacheHitRatePercent        float64          `json:"cache_hit_rate_percent"`
	SuccessRatePercent         float64          `json:"success_rate_percent"`
	Endpoints                  map[string]int64 `json:"endpoints"`
	TopDomains                 []DomainCount    `json:"top_domains"`
}
