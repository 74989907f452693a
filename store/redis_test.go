package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisTest(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	st, err := NewRedis(RedisConfig{URL: server.Addr(), Prefix: "test:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return st, server
}

func TestNewRedis(t *testing.T) {
	t.Run("unreachable server", func(t *testing.T) {
		_, err := NewRedis(RedisConfig{URL: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
		assert.Error(t, err)
	})

	t.Run("default prefix", func(t *testing.T) {
		server, err := miniredis.Run()
		require.NoError(t, err)
		defer server.Close()

		st := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: server.Addr()}), "")
		defer st.Close()

		_, _, err = st.Increment(context.Background(), "k", time.Minute)
		require.NoError(t, err)
		assert.True(t, server.Exists(DefaultRedisPrefix+"k"))
	})
}

func TestRedis_Increment(t *testing.T) {
	st, server := setupRedisTest(t)
	ctx := context.Background()

	count, ttl, err := st.Increment(ctx, "day", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, time.Hour, ttl)

	server.FastForward(10 * time.Minute)

	count, ttl, err = st.Increment(ctx, "day", 5*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, 50*time.Minute, ttl, "existing key must keep its expiry")

	server.FastForward(50 * time.Minute)

	count, ttl, err = st.Increment(ctx, "day", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "expired key starts over")
	assert.Equal(t, time.Hour, ttl)
}

func TestRedis_IncrementRepairsMissingExpiry(t *testing.T) {
	st, server := setupRedisTest(t)
	ctx := context.Background()

	require.NoError(t, server.Set("test:orphan", "4"))

	count, ttl, err := st.Increment(ctx, "orphan", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
	assert.Equal(t, time.Minute, ttl)
	assert.Equal(t, time.Minute, server.TTL("test:orphan"))
}

func TestRedis_Decrement(t *testing.T) {
	tests := []struct {
		desc       string
		setup      func(*miniredis.Miniredis)
		want       int64
		wantExists bool
	}{
		{
			desc:       "missing key stays missing",
			want:       0,
			wantExists: false,
		},
		{
			desc: "decrements live counter",
			setup: func(s *miniredis.Miniredis) {
				s.Set("test:k", "3")
				s.SetTTL("test:k", time.Minute)
			},
			want:       2,
			wantExists: true,
		},
		{
			desc: "floors at zero",
			setup: func(s *miniredis.Miniredis) {
				s.Set("test:k", "0")
				s.SetTTL("test:k", time.Minute)
			},
			want:       0,
			wantExists: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			st, server := setupRedisTest(t)
			if tt.setup != nil {
				tt.setup(server)
			}

			got, err := st.Decrement(context.Background(), "k")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantExists, server.Exists("test:k"))
		})
	}
}

func TestRedis_DecrementKeepsExpiry(t *testing.T) {
	st, server := setupRedisTest(t)
	ctx := context.Background()

	_, _, err := st.Increment(ctx, "k", time.Minute)
	require.NoError(t, err)
	_, _, err = st.Increment(ctx, "k", time.Minute)
	require.NoError(t, err)

	got, err := st.Decrement(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
	assert.Equal(t, time.Minute, server.TTL("test:k"))

	server.FastForward(time.Minute)

	got, err = st.Decrement(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
	assert.False(t, server.Exists("test:k"))
}

func TestRedis_GetAndReset(t *testing.T) {
	st, _ := setupRedisTest(t)
	ctx := context.Background()

	got, err := st.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)

	for range 3 {
		_, _, err := st.Increment(ctx, "k", time.Minute)
		require.NoError(t, err)
	}

	got, err = st.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)

	require.NoError(t, st.Reset(ctx, "k"))

	got, err = st.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestRedis_Concurrency(t *testing.T) {
	st, _ := setupRedisTest(t)
	ctx := context.Background()

	const goroutines = 20
	const perGoroutine = 10

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perGoroutine {
				st.Increment(ctx, "shared", time.Minute)
			}
		}()
	}
	wg.Wait()

	got, err := st.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, int64(goroutines*perGoroutine), got)
}

func TestRedis_ServerDown(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)

	st, err := NewRedis(RedisConfig{URL: server.Addr(), Prefix: "test:"})
	require.NoError(t, err)
	defer st.Close()

	server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, _, err = st.Increment(ctx, "k", time.Minute)
	assert.Error(t, err)

	_, err = st.Decrement(ctx, "k")
	assert.Error(t, err)
}
