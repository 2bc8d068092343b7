package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := Open(context.Background(), Config{Addr: mr.Addr()}, slog.Default())
	require.True(t, c.Enabled())
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	key := ProductKey("shopee", "123")
	require.True(t, c.Set(ctx, key, entry{Name: "Fone", Price: 10.5}, time.Minute))
	assert.True(t, c.Exists(ctx, key))

	var got entry
	require.True(t, c.Get(ctx, key, &got))
	assert.Equal(t, entry{Name: "Fone", Price: 10.5}, got)

	assert.True(t, c.Delete(ctx, key))
	assert.False(t, c.Get(ctx, key, &got))
	assert.False(t, c.Exists(ctx, key))
}

func TestCache_TTL(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	require.True(t, c.Set(ctx, "k", "v", time.Minute))
	assert.Equal(t, time.Minute, c.TTL(ctx, "k"))

	mr.FastForward(2 * time.Minute)
	var v string
	assert.False(t, c.Get(ctx, "k", &v))
	assert.Equal(t, time.Duration(0), c.TTL(ctx, "k"))
}

func TestCache_UndecodableValueIsDeleted(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	require.NoError(t, mr.Set("product:shopee:1", "{not json"))

	var got entry
	assert.False(t, c.Get(ctx, "product:shopee:1", &got))
	assert.False(t, mr.Exists("product:shopee:1"))
}

func TestCache_ClearByPrefix(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	for i := 0; i < 250; i++ {
		require.True(t, c.Set(ctx, ProductKey("shopee", fmt.Sprint(i)), i, time.Hour))
	}
	require.True(t, c.Set(ctx, ProductKey("shein", "1"), 1, time.Hour))
	require.True(t, c.Set(ctx, AnalysisKey("abc"), 1, time.Hour))

	assert.Equal(t, 250, c.ClearByPrefix(ctx, ProductPattern("shopee")))
	assert.True(t, mr.Exists("product:shein:1"))

	assert.Equal(t, 1, c.ClearByPrefix(ctx, ProductPattern("")))
	assert.True(t, mr.Exists("yt_analysis:abc"))
}

func TestCache_DisabledWhenUnreachable(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	c := Open(ctx, Config{Addr: addr, DialTimeout: 200 * time.Millisecond}, slog.Default())
	assert.False(t, c.Enabled())

	var v string
	assert.False(t, c.Set(ctx, "k", "v", time.Minute))
	assert.False(t, c.Get(ctx, "k", &v))
	assert.False(t, c.Exists(ctx, "k"))
	assert.False(t, c.Delete(ctx, "k"))
	assert.Equal(t, 0, c.ClearByPrefix(ctx, "*"))
	assert.Equal(t, "disabled", c.Health(ctx)["status"])
	assert.NoError(t, c.Close())
}

func TestCache_DegradesWhenRedisDies(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	require.True(t, c.Set(ctx, "k", "v", time.Minute))
	mr.Close()

	var v string
	assert.False(t, c.Get(ctx, "k", &v))
	assert.False(t, c.Set(ctx, "k", "v", time.Minute))
	assert.Equal(t, "unhealthy", c.Health(ctx)["status"])
}

func TestCache_CloseWhileInUse(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	var wg sync.WaitGroup
	closed := make(chan error, 4)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				closed <- c.Close()
				return
			}
			var v string
			c.Get(ctx, fmt.Sprintf("k%d", i), &v)
			c.Enabled()
		}(i)
	}
	wg.Wait()
	close(closed)

	for err := range closed {
		assert.NoError(t, err)
	}
	assert.False(t, c.Enabled())
	assert.NoError(t, c.Close())
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "product:aliexpress:42", ProductKey("aliexpress", "42"))
	assert.Equal(t, "product:*", ProductPattern(""))
	assert.Equal(t, "product:shein:*", ProductPattern("shein"))
	assert.Equal(t, "yt_analysis:dQw4w9WgXcQ", AnalysisKey("dQw4w9WgXcQ"))
	assert.Equal(t, "job_status:abc", JobStatusKey("abc"))

	ttls := DefaultTTLs()
	assert.Equal(t, 2*time.Hour, ttls.Product)
	assert.Equal(t, time.Hour, ttls.Analysis)
}
