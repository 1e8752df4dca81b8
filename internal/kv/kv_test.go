package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// Тесты контракта Store прогоняются на обеих реализациях:
// Redis (через miniredis) и память. TTL-поведение у miniredis управляется
// FastForward, у памяти — подменой часов.

func startRedisStore(t *testing.T) (Store, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := NewRedisWithClient(rdb)
	t.Cleanup(func() { _ = st.Close() })

	return st, mr
}

func TestRedisStore_SetGetDelete(t *testing.T) {
	st, _ := startRedisStore(t)
	ctx := context.Background()

	_, ok, err := st.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, st.Set(ctx, "k", "v", time.Minute))

	v, ok, err := st.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)

	existed, err := st.Delete(ctx, "k")
	require.NoError(t, err)
	require.True(t, existed)

	existed, err = st.Delete(ctx, "k")
	require.NoError(t, err)
	require.False(t, existed)
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	st, mr := startRedisStore(t)
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, "k", "v", time.Second))

	mr.FastForward(2 * time.Second)

	_, ok, err := st.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStore_SetGetDelete(t *testing.T) {
	t.Parallel()

	st := NewMemory()
	ctx := context.Background()

	_, ok, err := st.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, st.Set(ctx, "k", "v", 0))

	v, ok, err := st.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)

	existed, err := st.Delete(ctx, "k")
	require.NoError(t, err)
	require.True(t, existed)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	t.Parallel()

	ms := &memoryStore{items: make(map[string]memoryItem), now: time.Now}
	ctx := context.Background()

	require.NoError(t, ms.Set(ctx, "k", "v", time.Second))

	// Сдвигаем часы вперёд вместо реального ожидания.
	ms.now = func() time.Time { return time.Now().Add(2 * time.Second) }

	_, ok, err := ms.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	// Просроченный ключ при Delete считается несуществующим.
	require.NoError(t, ms.Set(ctx, "k2", "v", time.Second))
	existed, err := ms.Delete(ctx, "k2")
	require.NoError(t, err)
	require.False(t, existed)
}

func TestMemoryStore_RespectsContext(t *testing.T) {
	t.Parallel()

	st := NewMemory()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := st.Get(ctx, "k")
	require.ErrorIs(t, err, context.Canceled)

	require.ErrorIs(t, st.Set(ctx, "k", "v", 0), context.Canceled)
}
