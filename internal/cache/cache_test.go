/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package cache

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestCache_DisabledWithoutClient(t *testing.T) {
	c := New(nil, DefaultConfig(), zerolog.Nop())
	ctx := context.Background()

	if c.IsAvailable() {
		t.Fatal("cache without client reports available")
	}
	if err := c.SetContent(ctx, &CachedContent{ContentID: "x"}); err != nil {
		t.Fatalf("set on disabled cache: %v", err)
	}
	if _, ok := c.GetContent(ctx, "x"); ok {
		t.Fatal("disabled cache returned a hit")
	}
	if err := c.FlushAll(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestCache_DisablesAfterRedisError(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()

	c := New(client, DefaultConfig(), zerolog.Nop())
	if err := c.SetPrice(context.Background(), "100"); err == nil {
		t.Fatal("expected error from unreachable redis")
	}
	if c.IsAvailable() {
		t.Fatal("cache still available after error")
	}
	if err := c.SetPrice(context.Background(), "100"); err != nil {
		t.Fatalf("disabled cache should swallow writes: %v", err)
	}
}

func TestCache_RoundTrip(t *testing.T) {
	addr := os.Getenv("JUKEBOX_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("JUKEBOX_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()

	c := New(client, DefaultConfig(), zerolog.Nop())
	if err := c.SetContent(ctx, &CachedContent{ContentID: "vid", Title: "Song", DurationSeconds: 90}); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok := c.GetContent(ctx, "vid")
	if !ok || got.Title != "Song" || got.DurationSeconds != 90 {
		t.Fatalf("get = %+v, %v", got, ok)
	}
	if err := c.SetPrice(ctx, "2500"); err != nil {
		t.Fatalf("set price: %v", err)
	}
	if price, ok := c.GetPrice(ctx); !ok || price != "2500" {
		t.Fatalf("price = %q, %v", price, ok)
	}
	if err := c.FlushAll(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, ok := c.GetContent(ctx, "vid"); ok {
		t.Fatal("content survived flush")
	}
}
