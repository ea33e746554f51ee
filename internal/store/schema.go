package store

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS scraping_requests (
    id BIGSERIAL PRIMARY KEY,
    url TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    status_code INTEGER NOT NULL,
    response_time DOUBLE PRECISION NOT NULL,
    cache_hit BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
	`CREATE INDEX IF NOT EXISTS idx_scraping_requests_created_at ON scraping_requests (created_at DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_scraping_requests_url ON scraping_requests (url);`,
}
