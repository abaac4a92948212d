package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *LocalCache {
	t.Helper()
	c, err := NewCache(Config{GCInterval: time.Minute})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestKVSetGet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	v, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestKVGetMissing(t *testing.T) {
	c := newTestCache(t)
	_, err := c.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKVTTLExpiry(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", "v", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	_, err := c.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := c.Exists(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKVDel(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	require.NoError(t, c.Del(ctx, "k"))
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetOps(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SAdd(ctx, "online", "1", "2", "3"))
	require.NoError(t, c.SRem(ctx, "online", "2"))

	members, err := c.SMembers(ctx, "online")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "3"}, members)
}

func TestListPushRangeTrim(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.LPush(ctx, "hist", "a"))
	require.NoError(t, c.LPush(ctx, "hist", "b"))
	require.NoError(t, c.LPush(ctx, "hist", "c"))

	// Most recent first.
	vals, err := c.LRange(ctx, "hist", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, vals)

	require.NoError(t, c.LTrim(ctx, "hist", 0, 1))
	vals, err = c.LRange(ctx, "hist", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, vals)
}

func TestListExpire(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.LPush(ctx, "hist", "turn"))
	require.NoError(t, c.Expire(ctx, "hist", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	vals, err := c.LRange(ctx, "hist", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, vals)
}
