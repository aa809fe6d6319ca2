/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package payment checks that a submitted settlement satisfies a purchase. It never mutates
// jukebox state; claiming the settlement is the caller's job.
package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/friendsincode/jukebox/internal/telemetry"
)

// ErrSettlementNotFound is returned by a Source when the transaction has no receipt.
var ErrSettlementNotFound = errors.New("settlement not found")

// parseTxHash accepts only 0x-prefixed, 32-byte hex; common.HexToHash would pad or truncate.
func parseTxHash(s string) (common.Hash, bool) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}

// PurchaseLog is a decoded purchase event emitted by the jukebox contract.
type PurchaseLog struct {
	Contract  common.Address
	Buyer     common.Address
	ContentID string
	Amount    *uint256.Int
}

// Transfer is a decoded ERC-20 Transfer event.
type Transfer struct {
	Token  common.Address
	From   common.Address
	To     common.Address
	Amount *uint256.Int
}

// Settlement is the finalized outcome of a transaction.
type Settlement struct {
	TxHash      common.Hash
	Success     bool
	BlockNumber uint64
	From        common.Address
	// To is the primary call target, nil for contract creation.
	To        *common.Address
	Purchases []PurchaseLog
	Transfers []Transfer
}

// Source looks up settlements by hash.
type Source interface {
	Settlement(ctx context.Context, txHash common.Hash) (*Settlement, error)
}

// Expected holds the purchase parameters a settlement must satisfy.
type Expected struct {
	Payer     common.Address
	ContentID string
	MinPrice  *uint256.Int
}

// VerifiedPayment is what a successful proof extracted.
type VerifiedPayment struct {
	TxHash    common.Hash
	Buyer     common.Address
	ContentID string
	Amount    *uint256.Int
	Strategy  string
}

// Strategy is one way of proving a settlement paid for a purchase.
type Strategy interface {
	Name() string
	Prove(s *Settlement, exp Expected) (*VerifiedPayment, bool)
}

// Verifier runs strategies in order; the first proof wins.
type Verifier struct {
	source     Source
	strategies []Strategy
	logger     zerolog.Logger
}

// NewVerifier creates a verifier.
func NewVerifier(source Source, logger zerolog.Logger, strategies ...Strategy) *Verifier {
	return &Verifier{
		source:     source,
		strategies: strategies,
		logger:     logger.With().Str("component", "payment_verifier").Logger(),
	}
}

// Verify returns the verified payment, or nil when the settlement is absent, failed, or matches
// no strategy. Only lookup faults are errors.
func (v *Verifier) Verify(ctx context.Context, txHash string, exp Expected) (*VerifiedPayment, error) {
	hash, ok := parseTxHash(txHash)
	if !ok {
		telemetry.VerificationTotal.WithLabelValues("malformed").Inc()
		return nil, nil
	}

	settlement, err := v.source.Settlement(ctx, hash)
	if errors.Is(err, ErrSettlementNotFound) {
		telemetry.VerificationTotal.WithLabelValues("not_found").Inc()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch settlement %s: %w", hash.Hex(), err)
	}
	if !settlement.Success {
		telemetry.VerificationTotal.WithLabelValues("reverted").Inc()
		return nil, nil
	}
	if exp.MinPrice == nil {
		exp.MinPrice = new(uint256.Int)
	}

	for _, strategy := range v.strategies {
		if proof, ok := strategy.Prove(settlement, exp); ok {
			proof.TxHash = hash
			proof.Strategy = strategy.Name()
			telemetry.VerificationTotal.WithLabelValues(strategy.Name()).Inc()
			return proof, nil
		}
	}

	telemetry.VerificationTotal.WithLabelValues("none").Inc()
	v.logger.Debug().
		Str("tx_hash", hash.Hex()).
		Str("payer", exp.Payer.Hex()).
		Str("content_id", exp.ContentID).
		Msg("no proof matched settlement")
	return nil, nil
}

// DirectCallProof accepts a settlement whose primary call targets the jukebox contract and
// which emitted a matching purchase event from it.
type DirectCallProof struct {
	Contract common.Address
}

func (DirectCallProof) Name() string { return "direct_call" }

func (p DirectCallProof) Prove(s *Settlement, exp Expected) (*VerifiedPayment, bool) {
	if s.To == nil || *s.To != p.Contract {
		return nil, false
	}
	for _, purchase := range s.Purchases {
		if purchase.Contract != p.Contract || purchase.Buyer != exp.Payer || purchase.ContentID != exp.ContentID {
			continue
		}
		if purchase.Amount == nil || purchase.Amount.Lt(exp.MinPrice) {
			continue
		}
		return &VerifiedPayment{
			Buyer:     purchase.Buyer,
			ContentID: purchase.ContentID,
			Amount:    purchase.Amount.Clone(),
		}, true
	}
	return nil, false
}

// TreasuryTransferProof accepts a token transfer from the payer to the treasury. A zero Token
// accepts any token contract.
type TreasuryTransferProof struct {
	Treasury common.Address
	Token    common.Address
}

func (TreasuryTransferProof) Name() string { return "treasury_transfer" }

func (p TreasuryTransferProof) Prove(s *Settlement, exp Expected) (*VerifiedPayment, bool) {
	for _, transfer := range s.Transfers {
		if p.Token != (common.Address{}) && transfer.Token != p.Token {
			continue
		}
		if transfer.From != exp.Payer || transfer.To != p.Treasury {
			continue
		}
		if transfer.Amount == nil || transfer.Amount.Lt(exp.MinPrice) {
			continue
		}
		return &VerifiedPayment{
			Buyer:     transfer.From,
			ContentID: exp.ContentID,
			Amount:    transfer.Amount.Clone(),
		}, true
	}
	return nil, false
}

// ParseAmount parses a base-10 amount in chain units.
func ParseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	amount, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return amount, nil
}
