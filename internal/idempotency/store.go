// Package idempotency deduplicates webhook deliveries by key.
package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store claims delivery keys. Claim is atomic: of any number of concurrent
// callers for the same unexpired key, exactly one gets true.
type Store interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops a claim so the sender's retry is processed again.
	Release(ctx context.Context, key string) error
	HealthCheck(ctx context.Context) error
}

// --- MemoryStore ---

// MemoryStore keeps claims in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if exp, ok := s.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.entries[key] = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Sweep removes expired claims and returns how many were dropped.
func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, exp := range s.entries {
		if !now.Before(exp) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// --- SQLStore ---

// SQLStore keeps claims in the idempotency_keys table so they survive restarts.
type SQLStore struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{DB: db, Now: time.Now}
}

func (s *SQLStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Claim inserts the key, or takes over a row whose claim has expired.
func (s *SQLStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	res, err := s.DB.ExecContext(ctx, `INSERT INTO idempotency_keys(key, claimed_at, expires_at) VALUES(?,?,?)
ON CONFLICT(key) DO UPDATE SET claimed_at=excluded.claimed_at, expires_at=excluded.expires_at
WHERE idempotency_keys.expires_at <= ?`,
		key, now.Format(time.RFC3339), now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("claim %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) Release(ctx context.Context, key string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key=?`, key); err != nil {
		return fmt.Errorf("release %q: %w", key, err)
	}
	return nil
}

func (s *SQLStore) HealthCheck(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

func (s *SQLStore) Sweep(ctx context.Context) (int, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= ?`, s.now().UTC().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- RedisStore ---

// RedisStore claims keys with SET NX so several replicas share one view.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// --- sweeping ---

// Sweeper is implemented by stores that need expired claims removed.
// Redis expires keys on its own.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// RunSweeper calls Sweep every interval until ctx is done.
func RunSweeper(ctx context.Context, s Sweeper, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				logger.Warn("idempotency sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("idempotency keys expired", zap.Int("removed", n))
			}
		}
	}
}
