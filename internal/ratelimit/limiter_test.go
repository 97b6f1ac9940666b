package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partyline/relaybank/internal/apperr"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

func TestLimiter_FixedWindow(t *testing.T) {
	stores := map[string]func(t *testing.T) (Store, func(time.Duration)){
		"memory": func(*testing.T) (Store, func(time.Duration)) {
			return NewMemoryStore(), func(time.Duration) {}
		},
		"redis": func(t *testing.T) (Store, func(time.Duration)) {
			st, mr := newRedisStore(t)
			return st, mr.FastForward
		},
	}

	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			st, fastForward := mk(t)
			c := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
			l := New(st, WithClock(c.Now))
			opts := Options{MaxHits: 3, Window: time.Minute}
			ctx := context.Background()

			for i := 1; i <= 3; i++ {
				d, err := l.Check(ctx, "relay-request:u1", opts)
				require.NoError(t, err)
				assert.True(t, d.Allowed, "hit %d", i)
				assert.Equal(t, i, d.Hits)
			}

			c.Advance(20 * time.Second)
			fastForward(20 * time.Second)
			d, err := l.Check(ctx, "relay-request:u1", opts)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, 40, d.RetryAfterSeconds)

			// Other keys have their own window.
			d, err = l.Check(ctx, "relay-request:u2", opts)
			require.NoError(t, err)
			assert.True(t, d.Allowed)

			c.Advance(41 * time.Second)
			fastForward(41 * time.Second)
			d, err = l.Check(ctx, "relay-request:u1", opts)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, 1, d.Hits)
		})
	}
}

func TestLimiter_RejectsBadOptions(t *testing.T) {
	l := New(NewMemoryStore())

	_, err := l.Check(context.Background(), "", Options{MaxHits: 1, Window: time.Second})
	assert.Equal(t, apperr.InvalidRequest, apperr.CodeOf(err))

	_, err = l.Check(context.Background(), "k", Options{MaxHits: 0, Window: time.Second})
	assert.Equal(t, apperr.InvalidRequest, apperr.CodeOf(err))

	_, err = l.Check(context.Background(), "k", Options{MaxHits: 1})
	assert.Equal(t, apperr.InvalidRequest, apperr.CodeOf(err))
}

func TestMemoryStore_PrunesElapsedWindows(t *testing.T) {
	st := NewMemoryStore()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	_, _, err := st.Hit(ctx, "stale", time.Second, now)
	require.NoError(t, err)

	later := now.Add(time.Minute)
	for i := 0; i < pruneEvery; i++ {
		_, _, err := st.Hit(ctx, "fresh", time.Hour, later)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, st.Len())
}

func TestRedisStore_RestoresMissingExpiry(t *testing.T) {
	st, mr := newRedisStore(t)
	require.NoError(t, mr.Set(keyPrefix+"k", "5"))

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	hits, resetAt, err := st.Hit(context.Background(), "k", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 6, hits)
	assert.Equal(t, now.Add(time.Minute), resetAt)
	assert.Equal(t, time.Minute, mr.TTL(keyPrefix+"k"))
}

func TestRedisStore_Unavailable(t *testing.T) {
	st, mr := newRedisStore(t)
	mr.Close()

	_, _, err := st.Hit(context.Background(), "k", time.Minute, time.Now())
	assert.Error(t, err)
}
