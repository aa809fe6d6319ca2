/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package content

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/jukebox/internal/cache"
)

// CachedValidator serves repeat lookups from the Redis cache. Only accepted content is cached,
// so a policy change takes effect for rejected ids immediately.
type CachedValidator struct {
	next   Validator
	cache  *cache.Cache
	logger zerolog.Logger
}

// NewCachedValidator wraps next with c.
func NewCachedValidator(next Validator, c *cache.Cache, logger zerolog.Logger) *CachedValidator {
	return &CachedValidator{
		next:   next,
		cache:  c,
		logger: logger.With().Str("component", "content_cache").Logger(),
	}
}

// Validate implements Validator.
func (v *CachedValidator) Validate(ctx context.Context, contentID string) (*Metadata, error) {
	if cached, ok := v.cache.GetContent(ctx, contentID); ok {
		return &Metadata{
			ContentID:       cached.ContentID,
			Title:           cached.Title,
			Creator:         cached.Creator,
			DurationSeconds: cached.DurationSeconds,
			ThumbnailURL:    cached.ThumbnailURL,
		}, nil
	}

	meta, err := v.next.Validate(ctx, contentID)
	if err != nil {
		return nil, err
	}

	if err := v.cache.SetContent(ctx, &cache.CachedContent{
		ContentID:       meta.ContentID,
		Title:           meta.Title,
		Creator:         meta.Creator,
		DurationSeconds: meta.DurationSeconds,
		ThumbnailURL:    meta.ThumbnailURL,
		CachedAt:        time.Now().UTC(),
	}); err != nil {
		v.logger.Debug().Err(err).Str("content_id", contentID).Msg("cache content metadata")
	}
	return meta, nil
}
