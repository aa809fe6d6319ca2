/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package ingest turns delivered chain events into queue entries.
package ingest

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/friendsincode/jukebox/internal/content"
	"github.com/friendsincode/jukebox/internal/events"
	"github.com/friendsincode/jukebox/internal/ledger"
	"github.com/friendsincode/jukebox/internal/models"
	"github.com/friendsincode/jukebox/internal/payment"
	"github.com/friendsincode/jukebox/internal/playback"
	"github.com/friendsincode/jukebox/internal/subscription"
	"github.com/friendsincode/jukebox/internal/telemetry"
)

// Result is the outcome of one purchase event.
type Result string

const (
	ResultQueued             Result = "queued"
	ResultDuplicate          Result = "duplicate"
	ResultQueueFull          Result = "queue_full"
	ResultContentRejected    Result = "content_rejected"
	ResultVerificationFailed Result = "verification_failed"
	ResultIgnored            Result = "ignored"
	ResultError              Result = "error"
)

// Verifier proves a settlement paid for a purchase.
type Verifier interface {
	Verify(ctx context.Context, txHash string, exp payment.Expected) (*payment.VerifiedPayment, error)
}

// Queue accepts validated songs.
type Queue interface {
	Ingest(ctx context.Context, song models.Song) (playback.IngestResult, error)
	Full() bool
}

// Deps are the pipeline collaborators.
type Deps struct {
	Verifier  Verifier
	Ledger    ledger.Ledger
	Validator content.Validator
	Queue     Queue
	Notifier  events.Notifier
	Prices    *PriceBook
}

// Pipeline handles jukebox contract events.
type Pipeline struct {
	verifier  Verifier
	ledger    ledger.Ledger
	validator content.Validator
	queue     Queue
	notifier  events.Notifier
	prices    *PriceBook
	logger    zerolog.Logger
}

// NewPipeline creates a pipeline. A nil Notifier discards events; a nil PriceBook accepts any amount.
func NewPipeline(deps Deps, logger zerolog.Logger) *Pipeline {
	if deps.Notifier == nil {
		deps.Notifier = events.Discard{}
	}
	if deps.Prices == nil {
		deps.Prices = NewPriceBook(nil, nil, nil, logger)
	}
	return &Pipeline{
		verifier:  deps.Verifier,
		ledger:    deps.Ledger,
		validator: deps.Validator,
		queue:     deps.Queue,
		notifier:  deps.Notifier,
		prices:    deps.Prices,
		logger:    logger.With().Str("component", "ingest").Logger(),
	}
}

// Register attaches the pipeline's handlers to a subscription manager.
func (p *Pipeline) Register(m *subscription.Manager) {
	m.Register(subscription.EventSongPurchased, func(ctx context.Context, ev subscription.Event) {
		p.HandlePurchase(ctx, ev)
	})
	m.Register(subscription.EventPriceUpdated, p.HandlePriceChanged)
	m.Register(subscription.EventPurchaseRejected, p.HandlePurchaseRejected)
}

// HandlePurchase runs verify, claim, capacity check, content validation, append and notify.
// Every branch is a Result; faults are logged and reported as ResultError.
func (p *Pipeline) HandlePurchase(ctx context.Context, ev subscription.Event) Result {
	ctx, span := telemetry.StartSpan(ctx, "ingest.purchase",
		attribute.String("tx_hash", ev.TxHash),
		attribute.Int64("block", int64(ev.BlockNumber)),
	)
	result, err := p.handlePurchase(ctx, ev)
	span.SetAttributes(attribute.String("result", string(result)))
	telemetry.EndSpan(span, err)
	telemetry.IngestionTotal.WithLabelValues(string(result)).Inc()
	return result
}

func (p *Pipeline) handlePurchase(ctx context.Context, ev subscription.Event) (Result, error) {
	logger := p.logger.With().Str("tx_hash", ev.TxHash).Logger()

	purchase, ok := ev.Payload.(subscription.Purchase)
	if !ok || ev.Removed {
		logger.Debug().Bool("removed", ev.Removed).Msg("ignoring purchase event")
		return ResultIgnored, nil
	}
	txHash := ledger.NormalizeHash(ev.TxHash)
	logger = logger.With().Str("content_id", purchase.ContentID).Str("buyer", purchase.Buyer).Logger()

	// Redelivered events are dropped before the settlement lookup. Claim below still decides.
	seen, err := p.ledger.IsClaimed(ctx, txHash)
	if err != nil {
		logger.Error().Err(err).Msg("ledger lookup failed")
		return ResultError, err
	}
	if seen {
		logger.Debug().Msg("transaction already claimed")
		return ResultDuplicate, nil
	}

	if !common.IsHexAddress(purchase.Buyer) {
		logger.Warn().Msg("purchase event carries an invalid buyer address")
		return ResultVerificationFailed, nil
	}
	if err := p.prices.Seed(ctx); err != nil {
		logger.Error().Err(err).Msg("song price unknown, cannot verify amount")
		return ResultError, err
	}
	verified, err := p.verifier.Verify(ctx, txHash, payment.Expected{
		Payer:     common.HexToAddress(purchase.Buyer),
		ContentID: purchase.ContentID,
		MinPrice:  p.prices.MinAccepted(),
	})
	if err != nil {
		logger.Error().Err(err).Msg("payment verification failed")
		return ResultError, err
	}
	if verified == nil {
		logger.Warn().Msg("purchase did not verify, dropping")
		return ResultVerificationFailed, nil
	}

	claimed, err := p.ledger.Claim(ctx, txHash)
	if err != nil {
		logger.Error().Err(err).Msg("ledger claim failed")
		return ResultError, err
	}
	if !claimed {
		logger.Debug().Msg("transaction already claimed")
		return ResultDuplicate, nil
	}

	if p.queue.Full() {
		logger.Warn().Msg("queue full, dropping purchase")
		return ResultQueueFull, nil
	}

	meta, err := p.validator.Validate(ctx, purchase.ContentID)
	if content.IsRejected(err) {
		logger.Warn().Err(err).Msg("content rejected, dropping purchase")
		return ResultContentRejected, nil
	}
	if err != nil {
		p.release(ctx, txHash, logger)
		logger.Error().Err(err).Msg("content lookup failed")
		return ResultError, err
	}

	amount := verified.Amount
	if amount == nil {
		amount = new(uint256.Int)
	}
	res, err := p.queue.Ingest(ctx, models.Song{
		ContentID:       purchase.ContentID,
		Title:           meta.Title,
		Artist:          meta.Creator,
		DurationSeconds: meta.DurationSeconds,
		ThumbnailURL:    meta.ThumbnailURL,
		PayerAddress:    verified.Buyer.Hex(),
		TransactionHash: txHash,
		Price:           amount.Dec(),
	})
	if err != nil {
		p.release(ctx, txHash, logger)
		logger.Error().Err(err).Msg("queue append failed")
		return ResultError, fmt.Errorf("ingest %s: %w", txHash, err)
	}
	if res.Full {
		logger.Warn().Msg("queue filled before append, dropping purchase")
		return ResultQueueFull, nil
	}

	p.notifier.Publish(events.EventSongPurchased, events.Payload{
		"song":     res.Song,
		"strategy": verified.Strategy,
	})
	logger.Info().
		Str("song_id", res.Song.ID).
		Int("position", res.Song.QueuePosition).
		Bool("started", res.AutoPlay != nil && res.AutoPlay.Success).
		Msg("purchase queued")
	return ResultQueued, nil
}

// release undoes a claim so transport redelivery can retry the purchase.
func (p *Pipeline) release(ctx context.Context, txHash string, logger zerolog.Logger) {
	if err := p.ledger.Release(ctx, txHash); err != nil {
		logger.Error().Err(err).Msg("release ledger claim")
	}
}

// HandlePriceChanged records and broadcasts a contract price change.
func (p *Pipeline) HandlePriceChanged(ctx context.Context, ev subscription.Event) {
	change, ok := ev.Payload.(subscription.PriceChange)
	if !ok || ev.Removed {
		return
	}
	newPrice, err := uint256.FromDecimal(change.NewPrice)
	if err != nil {
		p.logger.Warn().Err(err).Str("new_price", change.NewPrice).Msg("unparseable price update")
		return
	}
	oldPrice, err := uint256.FromDecimal(change.OldPrice)
	if err != nil {
		oldPrice = nil
	}
	p.prices.Update(ctx, oldPrice, newPrice)

	p.notifier.Publish(events.EventPriceUpdated, events.Payload{
		"old_price": change.OldPrice,
		"new_price": change.NewPrice,
	})
	p.logger.Info().Str("old_price", change.OldPrice).Str("new_price", change.NewPrice).Msg("song price updated")
}

// HandlePurchaseRejected logs a purchase the contract refused.
func (p *Pipeline) HandlePurchaseRejected(_ context.Context, ev subscription.Event) {
	rejection, ok := ev.Payload.(subscription.PurchaseRejection)
	if !ok || ev.Removed {
		return
	}
	telemetry.IngestionTotal.WithLabelValues("contract_rejected").Inc()
	p.notifier.Publish(events.EventPurchaseRejected, events.Payload{
		"buyer":      rejection.Buyer,
		"content_id": rejection.ContentID,
		"reason":     rejection.Reason,
		"tx_hash":    ev.TxHash,
	})
	p.logger.Info().
		Str("tx_hash", ev.TxHash).
		Str("buyer", rejection.Buyer).
		Str("content_id", rejection.ContentID).
		Str("reason", rejection.Reason).
		Msg("purchase rejected by contract")
}
