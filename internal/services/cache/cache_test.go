package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dsa-guru-ai-go/internal/config"
	"github.com/dsa-guru-ai-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	hits, misses int
}

func (c *counter) RecordCacheHit()  { c.hits++ }
func (c *counter) RecordCacheMiss() { c.misses++ }

func TestDisabledCacheIsNoop(t *testing.T) {
	c := NewCache(&config.CacheConfig{Enabled: false}, nil, nil)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "english", "k", "v"))
	_, ok := c.Get(ctx, "english", "k")
	assert.False(t, ok)
	assert.NoError(t, c.Clear(ctx))
}

func TestCache_HitsAndMisses(t *testing.T) {
	rec := &counter{}
	c := NewCache(&config.CacheConfig{Enabled: true, TTL: time.Minute}, rec, logger.Discard())
	ctx := context.Background()

	_, ok := c.Get(ctx, "english", "haanji")
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "english", "haanji", "yes"))
	v, ok := c.Get(ctx, "english", "haanji")
	assert.True(t, ok)
	assert.Equal(t, "yes", v)

	// namespaces do not collide
	_, ok = c.Get(ctx, "other", "haanji")
	assert.False(t, ok)

	assert.Equal(t, 1, rec.hits)
	assert.Equal(t, 2, rec.misses)
}

func TestCache_Clear(t *testing.T) {
	c := NewCache(&config.CacheConfig{Enabled: true, TTL: time.Minute}, nil, logger.Discard())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "ns", "k", "v"))
	require.NoError(t, c.Clear(ctx))
	_, ok := c.Get(ctx, "ns", "k")
	assert.False(t, ok)
}

func TestCache_SizeLimitFlushes(t *testing.T) {
	c := NewCache(&config.CacheConfig{Enabled: true, TTL: time.Minute, MaxSize: 3}, nil, logger.Discard())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Set(ctx, "ns", fmt.Sprintf("k%d", i), "v"))
	}
	require.NoError(t, c.Set(ctx, "ns", "k3", "v"))

	_, ok := c.Get(ctx, "ns", "k0")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "ns", "k3")
	assert.True(t, ok)
}
