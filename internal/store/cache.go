package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// CacheStore defines the interface for upstream response caching.
type CacheStore interface {
	Get(ctx context.Context, key string) (*CacheEntry, error)
	Put(ctx context.Context, entry *CacheEntry) error
	Purge(ctx context.Context) (int64, error)
	PurgeExpired(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (*CacheStats, error)
}

// ErrNotFound is returned when a cache entry is missing or has expired.
var ErrNotFound = errors.New("cache entry not found")

// CacheEntry is one stored upstream response.
type CacheEntry struct {
	Key       string
	Method    string
	URL       string
	Status    int
	Body      []byte
	StoredAt  string
	ExpiresAt time.Time
	Hits      int
}

// CacheStats summarises the cache contents.
type CacheStats struct {
	Entries int   `json:"entries"`
	Expired int   `json:"expired"`
	Hits    int64 `json:"hits"`
	Bytes   int64 `json:"bytes"`
}

// CacheKey derives the cache key for a request from its method, URL and body.
func CacheKey(method, url string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(url))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// SQLiteCacheStore implements CacheStore backed by SQLite.
type SQLiteCacheStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteCacheStore creates a new SQLiteCacheStore.
func NewSQLiteCacheStore(db *sql.DB) *SQLiteCacheStore {
	return &SQLiteCacheStore{db: db, now: time.Now}
}

// WithClock replaces the clock used to decide expiry.
func (s *SQLiteCacheStore) WithClock(now func() time.Time) *SQLiteCacheStore {
	s.now = now
	return s
}

// Get returns the live entry for key and counts the hit.
func (s *SQLiteCacheStore) Get(ctx context.Context, key string) (*CacheEntry, error) {
	var (
		e       CacheEntry
		expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, method, url, status, body, stored_at, expires_at, hits
		 FROM response_cache WHERE key = ? AND expires_at > ?`,
		key, s.now().UnixMilli(),
	).Scan(&e.Key, &e.Method, &e.URL, &e.Status, &e.Body, &e.StoredAt, &expires, &e.Hits)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	e.ExpiresAt = time.UnixMilli(expires)

	if _, err := s.db.ExecContext(ctx, `UPDATE response_cache SET hits = hits + 1 WHERE key = ?`, key); err != nil {
		return nil, fmt.Errorf("count cache hit: %w", err)
	}
	e.Hits++
	return &e, nil
}

// Put stores entry, replacing any previous entry with the same key.
func (s *SQLiteCacheStore) Put(ctx context.Context, entry *CacheEntry) error {
	if entry.StoredAt == "" {
		entry.StoredAt = s.now().UTC().Format("2006-01-02T15:04:05.000Z")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO response_cache (key, method, url, status, body, stored_at, expires_at, hits)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		 ON CONFLICT(key) DO UPDATE SET
			method = excluded.method,
			url = excluded.url,
			status = excluded.status,
			body = excluded.body,
			stored_at = excluded.stored_at,
			expires_at = excluded.expires_at,
			hits = 0`,
		entry.Key, entry.Method, entry.URL, entry.Status, entry.Body, entry.StoredAt, entry.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

// Purge removes every entry and returns how many were removed.
func (s *SQLiteCacheStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM response_cache`)
	if err != nil {
		return 0, fmt.Errorf("purge cache: %w", err)
	}
	return res.RowsAffected()
}

// PurgeExpired removes entries whose freshness has lapsed.
func (s *SQLiteCacheStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM response_cache WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge expired cache entries: %w", err)
	}
	return res.RowsAffected()
}

// Stats reports entry counts, total hits and stored body size.
func (s *SQLiteCacheStore) Stats(ctx context.Context) (*CacheStats, error) {
	var st CacheStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(hits), 0),
			COALESCE(SUM(LENGTH(body)), 0)
		 FROM response_cache`,
		s.now().UnixMilli(),
	).Scan(&st.Entries, &st.Expired, &st.Hits, &st.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	return &st, nil
}
