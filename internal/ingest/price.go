/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/friendsincode/jukebox/internal/cache"
)

// PriceLookup reads the live song price from the contract.
type PriceLookup interface {
	CurrentPrice(ctx context.Context) (*uint256.Int, error)
}

// PriceBook tracks the song price as announced by PriceUpdated events.
//
// Purchases are verified against the lower of the current and previous price, so a purchase
// settled just before a price increase is still accepted when its event arrives afterwards.
// Until the first contract price is known, current holds the configured floor; that placeholder
// is never kept as a previous price.
type PriceBook struct {
	mu       sync.RWMutex
	floor    *uint256.Int
	current  *uint256.Int
	previous *uint256.Int
	known    bool

	lookup PriceLookup
	cache  *cache.Cache
	logger zerolog.Logger
}

// NewPriceBook starts at floor. lookup and c may be nil.
func NewPriceBook(floor *uint256.Int, lookup PriceLookup, c *cache.Cache, logger zerolog.Logger) *PriceBook {
	if floor == nil {
		floor = new(uint256.Int)
	}
	return &PriceBook{
		floor:   floor.Clone(),
		current: floor.Clone(),
		lookup:  lookup,
		cache:   c,
		logger:  logger.With().Str("component", "price_book").Logger(),
	}
}

// Seed reads the contract price if none is known yet. It is a no-op without a lookup or once a
// price has been observed.
func (p *PriceBook) Seed(ctx context.Context) error {
	if p.lookup == nil {
		return nil
	}
	p.mu.RLock()
	known := p.known
	p.mu.RUnlock()
	if known {
		return nil
	}

	price, err := p.lookup.CurrentPrice(ctx)
	if err != nil {
		return fmt.Errorf("seed song price: %w", err)
	}
	p.observe(price)
	if p.cache != nil {
		if err := p.cache.SetPrice(ctx, price.Dec()); err != nil {
			p.logger.Debug().Err(err).Msg("cache price")
		}
	}
	p.logger.Info().Str("price", price.Dec()).Msg("song price seeded from contract")
	return nil
}

// Update records a price change.
func (p *PriceBook) Update(ctx context.Context, oldPrice, newPrice *uint256.Int) {
	p.mu.Lock()
	switch {
	case oldPrice != nil:
		p.previous = oldPrice.Clone()
	case p.known:
		p.previous = p.current
	}
	p.current = newPrice.Clone()
	p.known = true
	p.mu.Unlock()

	if p.cache != nil {
		if err := p.cache.SetPrice(ctx, newPrice.Dec()); err != nil {
			p.logger.Debug().Err(err).Msg("cache price")
		}
	}
}

// observe records a price read from the contract or the cache. A change against a known price
// keeps the old one as previous, as if its PriceUpdated event had been delivered.
func (p *PriceBook) observe(price *uint256.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.known {
		p.current = price.Clone()
		p.known = true
		return
	}
	if !price.Eq(p.current) {
		p.previous = p.current
		p.current = price.Clone()
	}
}

// MinAccepted is the smallest amount a purchase may pay. Never below the configured floor.
func (p *PriceBook) MinAccepted() *uint256.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	min := p.current
	if p.previous != nil && p.previous.Lt(min) {
		min = p.previous
	}
	if min.Lt(p.floor) {
		min = p.floor
	}
	return min.Clone()
}

// CurrentPrice returns the live price: cache, then contract, then the last announced value.
func (p *PriceBook) CurrentPrice(ctx context.Context) (*uint256.Int, error) {
	if p.cache != nil {
		if cached, ok := p.cache.GetPrice(ctx); ok {
			if price, err := uint256.FromDecimal(cached); err == nil {
				p.observe(price)
				return price, nil
			}
		}
	}

	if p.lookup != nil {
		price, err := p.lookup.CurrentPrice(ctx)
		if err == nil {
			p.observe(price)
			if p.cache != nil {
				_ = p.cache.SetPrice(ctx, price.Dec())
			}
			return price, nil
		}
		p.logger.Warn().Err(err).Msg("read contract price, serving last known")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current.Clone(), nil
}
