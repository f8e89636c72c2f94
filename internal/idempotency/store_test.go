package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpplane/internal/db"
	"mcpplane/internal/migrate"
)

func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return NewSQLStore(conn)
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "test:"), mr
}

func stores(t *testing.T) map[string]Store {
	rs, _ := newRedisStore(t)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": newSQLStore(t),
		"redis":  rs,
	}
}

func TestClaimOnceThenDuplicate(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ok, err := s.Claim(ctx, "evt-1", time.Hour)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.Claim(ctx, "evt-1", time.Hour)
			require.NoError(t, err)
			assert.False(t, ok, "second claim must be a duplicate")

			ok, err = s.Claim(ctx, "evt-2", time.Hour)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.NoError(t, s.HealthCheck(ctx))
		})
	}
}

func TestReleaseAllowsRetry(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ok, err := s.Claim(ctx, "evt-r", time.Hour)
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, s.Release(ctx, "evt-r"))

			ok, err = s.Claim(ctx, "evt-r", time.Hour)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := s.Claim(context.Background(), "evt-race", time.Hour)
					if err == nil && ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := s.Claim(ctx, "k", time.Minute)
	require.True(t, ok)
	now = now.Add(2 * time.Minute)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, s.Len())

	ok, _ = s.Claim(ctx, "k", time.Minute)
	assert.True(t, ok)
}

func TestSQLStoreExpiredClaimIsTakenOver(t *testing.T) {
	s := newSQLStore(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := s.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(30 * time.Second)
	ok, _ = s.Claim(ctx, "k", time.Minute)
	assert.False(t, ok)

	now = now.Add(time.Minute)
	ok, err = s.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired claim should be reusable")

	now = now.Add(time.Hour)
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisStoreUsesPrefixAndTTL(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	ok, err := s.Claim(ctx, "abc", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("test:abc"))

	mr.FastForward(2 * time.Minute)
	ok, err = s.Claim(ctx, "abc", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStoreUnhealthyWhenDown(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.Close()
	assert.Error(t, s.HealthCheck(context.Background()))
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunSweeper(ctx, s, time.Millisecond, nil)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
