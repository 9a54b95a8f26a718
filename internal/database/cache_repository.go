package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrCacheMiss is returned when a cache key does not exist or has expired.
var ErrCacheMiss = errors.New("cache miss")

// CacheRepository is the literal "Cache over Store" component: a TTL
// key/value layer backed by the cache table, distinct from the Redis-backed
// distributed lock and streaming concerns used elsewhere in this codebase.
type CacheRepository struct {
	db *pgxpool.Pool
}

// NewCacheRepository creates a new cache repository instance.
func NewCacheRepository(db *DB) *CacheRepository {
	return &CacheRepository{db: db.pool}
}

// Get returns the value for key, or ErrCacheMiss if absent or expired.
func (r *CacheRepository) Get(ctx context.Context, key string) (string, error) {
	query := `SELECT value FROM cache WHERE key = $1 AND expires_at > now()`
	var value string
	err := r.db.QueryRow(ctx, query, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrCacheMiss
		}
		return "", fmt.Errorf("failed to get cache key %s: %w", key, err)
	}
	return value, nil
}

// Set upserts key with a TTL.
func (r *CacheRepository) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	query := `INSERT INTO cache (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`
	if _, err := r.db.Exec(ctx, query, key, value, time.Now().UTC().Add(ttl)); err != nil {
		return fmt.Errorf("failed to set cache key %s: %w", key, err)
	}
	return nil
}

// Delete removes a key, if present.
func (r *CacheRepository) Delete(ctx context.Context, key string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM cache WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete cache key %s: %w", key, err)
	}
	return nil
}

// PurgeExpired removes every expired row and returns how many it removed.
// Nothing in this module calls it on a schedule.
func (r *CacheRepository) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM cache WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired cache entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
