/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package ledger records consumed settlement hashes so each purchase is queued at most once.
package ledger

import (
	"context"
	"strings"
)

// Ledger is the idempotency store for purchase ingestion.
//
// Claim returns true exactly once per hash across all callers; later or concurrent callers get
// false. Release undoes a claim after a storage fault so a redelivered event can be retried.
// IsClaimed is a read-only check; only Claim decides ownership.
type Ledger interface {
	Claim(ctx context.Context, txHash string) (bool, error)
	Release(ctx context.Context, txHash string) error
	IsClaimed(ctx context.Context, txHash string) (bool, error)
}

// NormalizeHash canonicalizes a hex transaction hash so case differences cannot bypass the ledger.
func NormalizeHash(txHash string) string {
	h := strings.ToLower(strings.TrimSpace(txHash))
	if h != "" && !strings.HasPrefix(h, "0x") {
		h = "0x" + h
	}
	return h
}
