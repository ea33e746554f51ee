package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-render/api/schemas"
	"github.com/xkilldash9x/scalpel-render/internal/config"
)

// ErrNoDatabase is returned when no database URL is configured. The service
// still runs, but the request log is not persisted.
var ErrNoDatabase = errors.New("no database configured")

const (
	tableName         = "scraping_requests"
	topDomainsLimit   = 5
	topDomainsSampled = 1000
)

var recordColumns = []string{"url", "endpoint", "status_code", "response_time", "cache_hit", "error_message", "created_at"}

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store persists the request log in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// Connect opens a connection pool for cfg. It returns ErrNoDatabase when no
// URL is set.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrNoDatabase
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return pool, nil
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the request log table and its indexes if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	s.log.Debug("Request log schema is up to date.")
	return nil
}

// InsertBatch writes records with a single COPY.
func (s *Store) InsertBatch(ctx context.Context, records []schemas.RequestRecord) error {
	if len(records) == 0 {
		return nil
	}

	rows := make([][]interface{}, len(records))
	for i, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		rows[i] = []interface{}{
			r.URL, r.Endpoint, r.StatusCode, r.ResponseTime, r.CacheHit,
			r.ErrorMessage,
			createdAt.UTC(),
		}
	}

	copyCount, err := s.pool.CopyFrom(ctx, pgx.Identifier{tableName}, recordColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy request records: %w", err)
	}
	if int(copyCount) != len(records) {
		return fmt.Errorf("mismatch in copied request records count: expected %d, got %d", len(records), copyCount)
	}
	return nil
}

// History returns the newest limit records, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]schemas.RequestRecord, error) {
	query := `
        SELECT id, url, endpoint, status_code, response_time, cache_hit, error_message, created_at
        FROM scraping_requests
        ORDER BY created_at DESC, id DESC
        LIMIT $1;
    `
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query request history: %w", err)
	}
	defer rows.Close()

	records := []schemas.RequestRecord{}
	for rows.Next() {
		var r schemas.RequestRecord
		if err := rows.Scan(&r.ID, &r.URL, &r.Endpoint, &r.StatusCode, &r.ResponseTime, &r.CacheHit, &r.ErrorMessage, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan request record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

// Stats aggregates the request log.
func (s *Store) Stats(ctx context.Context) (*schemas.Stats, error) {
	query := `
        SELECT COUNT(*),
               COALESCE(AVG(response_time), 0),
               COUNT(*) FILTER (WHERE cache_hit),
               COUNT(*) FILTER (WHERE status_code >= 200 AND status_code < 300)
        FROM scraping_requests;
    `
	var (
		total, hits, successes int64
		avg                    float64
	)
	if err := s.pool.QueryRow(ctx, query).Scan(&total, &avg, &hits, &successes); err != nil {
		return nil, fmt.Errorf("failed to query request totals: %w", err)
	}

	stats := &schemas.Stats{
		TotalRequests:              total,
		AverageResponseTimeSeconds: round(avg, 2),
		Endpoints:                  map[string]int64{},
		TopDomains:                 []schemas.DomainCount{},
	}
	if total > 0 {
		stats.CacheHitRatePercent = round(float64(hits)/float64(total)*100, 1)
		stats.SuccessRatePercent = round(float64(successes)/float64(total)*100, 1)
	}

	endpoints, err := s.pool.Query(ctx, `SELECT endpoint, COUNT(*) FROM scraping_requests GROUP BY endpoint;`)
	if err != nil {
		return nil, fmt.Errorf("failed to query endpoint counts: %w", err)
	}
	defer endpoints.Close()
	for endpoints.Next() {
		var (
			name  string
			count int64
		)
		if err := endpoints.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint count: %w", err)
		}
		stats.Endpoints[name] = count
	}
	if err := endpoints.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	urls, err := s.pool.Query(ctx, `SELECT url FROM scraping_requests ORDER BY created_at DESC LIMIT $1;`, topDomainsSampled)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent urls: %w", err)
	}
	defer urls.Close()
	counts := map[string]int64{}
	for urls.Next() {
		var u string
		if err := urls.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan url: %w", err)
		}
		counts[domainOf(u)]++
	}
	if err := urls.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	stats.TopDomains = topDomains(counts, topDomainsLimit)
	return stats, nil
}

// domainOf returns the text after the last "//" up to the next "/".
func domainOf(u string) string {
	if i := strings.LastIndex(u, "//"); i >= 0 {
		u = u[i+2:]
	}
	host, _, _ := strings.Cut(u, "/")
	return host
}

// topDomains orders by count, then name, and keeps the first n.
func topDomains(counts map[string]int64, n int) []schemas.DomainCount {
	out := make([]schemas.DomainCount, 0, len(counts))
	for d, c := range counts {
		out = append(out, schemas.DomainCount{Domain: d, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Domain < out[j].Domain
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
