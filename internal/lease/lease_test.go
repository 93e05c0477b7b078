package lease

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLeaser(t *testing.T, ttl time.Duration) (*Leaser, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, ttl), mr
}

func TestAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	l, _ := newLeaser(t, time.Minute)

	first, err := l.Acquire(ctx, "target", "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", l.Holder(ctx, "target"))

	_, err = l.Acquire(ctx, "target", "run-2")
	require.ErrorIs(t, err, ErrHeld)
	assert.Contains(t, err.Error(), "run-1")

	_, err = l.Acquire(ctx, "other", "run-2")
	require.NoError(t, err)

	require.NoError(t, first.Release(ctx))
	assert.Empty(t, l.Holder(ctx, "target"))

	_, err = l.Acquire(ctx, "target", "run-2")
	require.NoError(t, err)
}

func TestLeaseExpiresAndExtend(t *testing.T) {
	ctx := context.Background()
	l, mr := newLeaser(t, time.Minute)

	ls, err := l.Acquire(ctx, "target", "run-1")
	require.NoError(t, err)

	mr.FastForward(50 * time.Second)
	require.NoError(t, ls.Extend(ctx))
	mr.FastForward(50 * time.Second)
	assert.Equal(t, "run-1", l.Holder(ctx, "target"), "extension keeps the lease alive")

	mr.FastForward(time.Minute)
	assert.ErrorIs(t, ls.Extend(ctx), ErrLost)
	assert.ErrorIs(t, ls.Release(ctx), ErrLost)
}

func TestReleaseDoesNotStealForeignLease(t *testing.T) {
	ctx := context.Background()
	l, mr := newLeaser(t, time.Minute)

	stale, err := l.Acquire(ctx, "target", "run-1")
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	_, err = l.Acquire(ctx, "target", "run-2")
	require.NoError(t, err)

	assert.ErrorIs(t, stale.Release(ctx), ErrLost)
	assert.Equal(t, "run-2", l.Holder(ctx, "target"))
}

func TestDefaultTTL(t *testing.T) {
	assert.Equal(t, 10*time.Minute, New(nil, 0).ttl)
}
