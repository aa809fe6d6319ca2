/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides a Redis-based caching layer for external lookups.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Default TTL values
const (
	DefaultContentTTL = 1 * time.Hour
	DefaultPriceTTL   = 1 * time.Minute
)

// Key prefixes for Redis cache
const (
	KeyPrefix  = "jukebox:cache:"
	KeyContent = KeyPrefix + "content:" // + content_id
	KeyPrice   = KeyPrefix + "price"
)

// Config contains cache configuration.
type Config struct {
	ContentTTL time.Duration
	PriceTTL   time.Duration

	// DisableOnError turns the cache off after the first Redis error.
	DisableOnError bool
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		ContentTTL:     DefaultContentTTL,
		PriceTTL:       DefaultPriceTTL,
		DisableOnError: true,
	}
}

// Cache provides Redis-backed caching with graceful fallback. A nil client yields a
// permanently disabled cache.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config

	mu       sync.RWMutex
	disabled bool
}

// New creates a cache on a shared client.
func New(client *redis.Client, cfg Config, logger zerolog.Logger) *Cache {
	if cfg.ContentTTL <= 0 {
		cfg.ContentTTL = DefaultContentTTL
	}
	if cfg.PriceTTL <= 0 {
		cfg.PriceTTL = DefaultPriceTTL
	}
	return &Cache{
		client:   client,
		logger:   logger.With().Str("component", "cache").Logger(),
		config:   cfg,
		disabled: client == nil,
	}
}

// IsAvailable returns true if the cache is operational.
func (c *Cache) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

func (c *Cache) handleError(err error, operation string) {
	if err == nil || errors.Is(err, redis.Nil) {
		return
	}
	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")

	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("disabling cache due to Redis error")
	}
}

func (c *Cache) get(ctx context.Context, key string, dest any) (bool, error) {
	if !c.IsAvailable() {
		return false, nil
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		c.handleError(err, "get")
		return false, err
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("failed to unmarshal cached value")
		return false, nil
	}
	return true, nil
}

func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.IsAvailable() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.handleError(err, "set")
		return err
	}
	return nil
}

func (c *Cache) delete(ctx context.Context, key string) error {
	if !c.IsAvailable() {
		return nil
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.handleError(err, "delete")
		return err
	}
	return nil
}

// CachedContent is validated catalog metadata.
type CachedContent struct {
	ContentID       string    `json:"content_id"`
	Title           string    `json:"title"`
	Creator         string    `json:"creator"`
	DurationSeconds int       `json:"duration_seconds"`
	ThumbnailURL    string    `json:"thumbnail_url"`
	CachedAt        time.Time `json:"cached_at"`
}

// GetContent retrieves cached metadata for a content id.
func (c *Cache) GetContent(ctx context.Context, contentID string) (*CachedContent, bool) {
	var content CachedContent
	found, err := c.get(ctx, KeyContent+contentID, &content)
	if err != nil || !found {
		return nil, false
	}
	return &content, true
}

// SetContent caches metadata for a content id.
func (c *Cache) SetContent(ctx context.Context, content *CachedContent) error {
	return c.set(ctx, KeyContent+content.ContentID, content, c.config.ContentTTL)
}

// InvalidateContent removes cached metadata.
func (c *Cache) InvalidateContent(ctx context.Context, contentID string) error {
	return c.delete(ctx, KeyContent+contentID)
}

// GetPrice retrieves the cached song price in chain units.
func (c *Cache) GetPrice(ctx context.Context) (string, bool) {
	var price string
	found, err := c.get(ctx, KeyPrice, &price)
	if err != nil || !found {
		return "", false
	}
	return price, true
}

// SetPrice caches the song price.
func (c *Cache) SetPrice(ctx context.Context, price string) error {
	return c.set(ctx, KeyPrice, price, c.config.PriceTTL)
}

// InvalidatePrice removes the cached price.
func (c *Cache) InvalidatePrice(ctx context.Context) error {
	return c.delete(ctx, KeyPrice)
}

// FlushAll removes every jukebox cache key.
func (c *Cache) FlushAll(ctx context.Context) error {
	if !c.IsAvailable() {
		return nil
	}
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, KeyPrefix+"*", 100).Result()
		if err != nil {
			c.handleError(err, "scan")
			return err
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.handleError(err, "delete")
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
