package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dsa-guru-ai-go/internal/config"
	"github.com/dsa-guru-ai-go/internal/models"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Service defines cache operations
type Service interface {
	Get(ctx context.Context, namespace, key string) (string, bool)
	Set(ctx context.Context, namespace, key, value string) error
	Clear(ctx context.Context) error
}

// Recorder receives hit/miss counts
type Recorder interface {
	RecordCacheHit()
	RecordCacheMiss()
}

// Cache implements caching service
type Cache struct {
	enabled bool
	cache   *cache.Cache
	metrics Recorder
	logger  *logrus.Logger
	maxSize int
}

// NewCache creates a new cache service. metrics may be nil.
func NewCache(cfg *config.CacheConfig, metrics Recorder, logger *logrus.Logger) Service {
	if !cfg.Enabled {
		return &Cache{enabled: false}
	}

	return &Cache{
		enabled: true,
		cache:   cache.New(cfg.TTL, cfg.TTL*2),
		metrics: metrics,
		logger:  logger,
		maxSize: cfg.MaxSize,
	}
}

// Get retrieves a cached value
func (c *Cache) Get(ctx context.Context, namespace, key string) (string, bool) {
	if !c.enabled {
		return "", false
	}

	if val, found := c.cache.Get(c.generateKey(namespace, key)); found {
		entry := val.(*models.CacheEntry)
		c.logger.WithFields(logrus.Fields{
			"namespace": namespace,
			"age":       time.Since(entry.CreatedAt),
		}).Debug("Cache hit")
		if c.metrics != nil {
			c.metrics.RecordCacheHit()
		}
		return entry.Value, true
	}

	if c.metrics != nil {
		c.metrics.RecordCacheMiss()
	}
	return "", false
}

// Set stores a value in cache
func (c *Cache) Set(ctx context.Context, namespace, key, value string) error {
	if !c.enabled {
		return nil
	}

	if c.maxSize > 0 && c.cache.ItemCount() >= c.maxSize {
		c.logger.Warn("Cache size limit reached, clearing old entries")
		c.cache.DeleteExpired()
		if c.cache.ItemCount() >= c.maxSize {
			c.cache.Flush()
		}
	}

	hashed := c.generateKey(namespace, key)
	c.cache.SetDefault(hashed, &models.CacheEntry{
		Key:       hashed,
		Value:     value,
		CreatedAt: time.Now(),
	})
	c.logger.WithField("namespace", namespace).Debug("Value cached")

	return nil
}

// Clear removes all cached entries
func (c *Cache) Clear(ctx context.Context) error {
	if !c.enabled {
		return nil
	}

	c.cache.Flush()
	c.logger.Info("Cache cleared")
	return nil
}

func (c *Cache) generateKey(namespace, key string) string {
	data := fmt.Sprintf("%s:%s", namespace, key)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
