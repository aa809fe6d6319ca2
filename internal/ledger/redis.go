/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyClaimPrefix namespaces claim keys in Redis.
const KeyClaimPrefix = "jukebox:ledger:tx:" // + normalized hash

// RedisLedger stores claims as SETNX keys without expiry.
type RedisLedger struct {
	client *redis.Client
}

// NewRedisLedger creates a Redis-backed ledger on an existing client.
func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client}
}

// Claim sets the key only if it does not exist.
func (l *RedisLedger) Claim(ctx context.Context, txHash string) (bool, error) {
	hash := NormalizeHash(txHash)
	if hash == "" {
		return false, errors.New("empty transaction hash")
	}

	ok, err := l.client.SetNX(ctx, KeyClaimPrefix+hash, time.Now().UTC().Unix(), 0).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", hash, err)
	}
	return ok, nil
}

// Release deletes the claim key.
func (l *RedisLedger) Release(ctx context.Context, txHash string) error {
	hash := NormalizeHash(txHash)
	if err := l.client.Del(ctx, KeyClaimPrefix+hash).Err(); err != nil {
		return fmt.Errorf("release %s: %w", hash, err)
	}
	return nil
}

// IsClaimed reports whether the claim key exists.
func (l *RedisLedger) IsClaimed(ctx context.Context, txHash string) (bool, error) {
	hash := NormalizeHash(txHash)
	n, err := l.client.Exists(ctx, KeyClaimPrefix+hash).Result()
	if err != nil {
		return false, fmt.Errorf("lookup claim %s: %w", hash, err)
	}
	return n > 0, nil
}
