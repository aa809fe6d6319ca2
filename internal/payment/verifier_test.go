/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package payment

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	jukeboxAddr  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	treasuryAddr = common.HexToAddress("0x2000000000000000000000000000000000000002")
	tokenAddr    = common.HexToAddress("0x3000000000000000000000000000000000000003")
	buyerAddr    = common.HexToAddress("0x4000000000000000000000000000000000000004")
	otherAddr    = common.HexToAddress("0x5000000000000000000000000000000000000005")
)

const testHash = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

type stubSource struct {
	settlement *Settlement
	err        error
	calls      int
}

func (s *stubSource) Settlement(_ context.Context, _ common.Hash) (*Settlement, error) {
	s.calls++
	return s.settlement, s.err
}

func newTestVerifier(src Source) *Verifier {
	return NewVerifier(src, zerolog.Nop(),
		DirectCallProof{Contract: jukeboxAddr},
		TreasuryTransferProof{Treasury: treasuryAddr, Token: tokenAddr},
	)
}

func expected(min uint64) Expected {
	return Expected{Payer: buyerAddr, ContentID: "dQw4w9WgXcQ", MinPrice: uint256.NewInt(min)}
}

func directSettlement(buyer common.Address, contentID string, amount uint64) *Settlement {
	to := jukeboxAddr
	return &Settlement{
		Success: true,
		From:    buyer,
		To:      &to,
		Purchases: []PurchaseLog{{
			Contract:  jukeboxAddr,
			Buyer:     buyer,
			ContentID: contentID,
			Amount:    uint256.NewInt(amount),
		}},
	}
}

func transferSettlement(from, to, token common.Address, amount uint64) *Settlement {
	target := token
	return &Settlement{
		Success: true,
		From:    from,
		To:      &target,
		Transfers: []Transfer{{
			Token:  token,
			From:   from,
			To:     to,
			Amount: uint256.NewInt(amount),
		}},
	}
}

func TestVerifier_Strategies(t *testing.T) {
	cases := []struct {
		name         string
		settlement   *Settlement
		wantStrategy string
	}{
		{"direct call exact price", directSettlement(buyerAddr, "dQw4w9WgXcQ", 100), "direct_call"},
		{"direct call overpaid", directSettlement(buyerAddr, "dQw4w9WgXcQ", 250), "direct_call"},
		{"direct call wrong buyer", directSettlement(otherAddr, "dQw4w9WgXcQ", 100), ""},
		{"direct call wrong content", directSettlement(buyerAddr, "other", 100), ""},
		{"direct call underpaid", directSettlement(buyerAddr, "dQw4w9WgXcQ", 99), ""},
		{"treasury transfer", transferSettlement(buyerAddr, treasuryAddr, tokenAddr, 100), "treasury_transfer"},
		{"transfer to wrong recipient", transferSettlement(buyerAddr, otherAddr, tokenAddr, 100), ""},
		{"transfer from wrong payer", transferSettlement(otherAddr, treasuryAddr, tokenAddr, 100), ""},
		{"transfer of wrong token", transferSettlement(buyerAddr, treasuryAddr, otherAddr, 100), ""},
		{"transfer underpaid", transferSettlement(buyerAddr, treasuryAddr, tokenAddr, 1), ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := newTestVerifier(&stubSource{settlement: tc.settlement})
			got, err := v.Verify(context.Background(), testHash, expected(100))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantStrategy == "" {
				if got != nil {
					t.Fatalf("expected no proof, got %+v", got)
				}
				return
			}
			if got == nil {
				t.Fatal("expected a proof")
			}
			if got.Strategy != tc.wantStrategy {
				t.Fatalf("strategy = %s, want %s", got.Strategy, tc.wantStrategy)
			}
			if got.Buyer != buyerAddr || got.ContentID != "dQw4w9WgXcQ" {
				t.Fatalf("proof = %+v", got)
			}
			if got.TxHash != common.HexToHash(testHash) {
				t.Fatalf("tx hash = %s", got.TxHash.Hex())
			}
		})
	}
}

func TestVerifier_FallsBackToTransferProof(t *testing.T) {
	s := directSettlement(buyerAddr, "other-video", 100)
	s.Transfers = []Transfer{{Token: tokenAddr, From: buyerAddr, To: treasuryAddr, Amount: uint256.NewInt(100)}}

	got, err := newTestVerifier(&stubSource{settlement: s}).Verify(context.Background(), testHash, expected(100))
	if err != nil || got == nil {
		t.Fatalf("verify = %+v, %v", got, err)
	}
	if got.Strategy != "treasury_transfer" {
		t.Fatalf("strategy = %s", got.Strategy)
	}
}

func TestVerifier_AbsentFailedOrMalformed(t *testing.T) {
	reverted := directSettlement(buyerAddr, "dQw4w9WgXcQ", 100)
	reverted.Success = false

	cases := []struct {
		name string
		src  *stubSource
		hash string
	}{
		{"not found", &stubSource{err: ErrSettlementNotFound}, testHash},
		{"reverted", &stubSource{settlement: reverted}, testHash},
		{"short hash", &stubSource{settlement: directSettlement(buyerAddr, "dQw4w9WgXcQ", 100)}, "0x1234"},
		{"missing prefix", &stubSource{settlement: directSettlement(buyerAddr, "dQw4w9WgXcQ", 100)}, testHash[2:]},
		{"non-hex digits", &stubSource{settlement: directSettlement(buyerAddr, "dQw4w9WgXcQ", 100)}, "0x" + strings.Repeat("zz", 32)},
		{"odd length", &stubSource{settlement: directSettlement(buyerAddr, "dQw4w9WgXcQ", 100)}, testHash + "a"},
		{"too long", &stubSource{settlement: directSettlement(buyerAddr, "dQw4w9WgXcQ", 100)}, testHash + "aa"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := newTestVerifier(tc.src).Verify(context.Background(), tc.hash, expected(100))
			if err != nil || got != nil {
				t.Fatalf("verify = %+v, %v; want nil, nil", got, err)
			}
		})
	}
}

func TestVerifier_LookupFaultIsError(t *testing.T) {
	src := &stubSource{err: errors.New("rpc timeout")}
	if _, err := newTestVerifier(src).Verify(context.Background(), testHash, expected(100)); err == nil {
		t.Fatal("expected lookup error")
	}
}

func TestParseAmount(t *testing.T) {
	amount, err := ParseAmount("1000000000000000000000")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if amount.Dec() != "1000000000000000000000" {
		t.Fatalf("amount = %s", amount.Dec())
	}
	if _, err := ParseAmount("12ab"); err == nil {
		t.Fatal("expected error for non-decimal amount")
	}
	if zero, err := ParseAmount(""); err != nil || !zero.IsZero() {
		t.Fatalf("empty amount = %v, %v", zero, err)
	}
}
