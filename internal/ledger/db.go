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

	"github.com/friendsincode/jukebox/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DBLedger stores claims in the claimed_transactions table. The primary key on the hash makes
// the insert itself the atomic check-and-set.
type DBLedger struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDBLedger creates a database-backed ledger.
func NewDBLedger(db *gorm.DB) *DBLedger {
	return &DBLedger{db: db, now: time.Now}
}

// Claim inserts the hash, ignoring conflicts. One affected row means this caller won.
func (l *DBLedger) Claim(ctx context.Context, txHash string) (bool, error) {
	hash := NormalizeHash(txHash)
	if hash == "" {
		return false, errors.New("empty transaction hash")
	}

	row := models.ClaimedTransaction{TransactionHash: hash, ClaimedAt: l.now().UTC()}
	result := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return false, fmt.Errorf("claim %s: %w", hash, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Release deletes the claim.
func (l *DBLedger) Release(ctx context.Context, txHash string) error {
	hash := NormalizeHash(txHash)
	if err := l.db.WithContext(ctx).
		Where("transaction_hash = ?", hash).
		Delete(&models.ClaimedTransaction{}).Error; err != nil {
		return fmt.Errorf("release %s: %w", hash, err)
	}
	return nil
}

// IsClaimed reports whether the hash has been consumed.
func (l *DBLedger) IsClaimed(ctx context.Context, txHash string) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).
		Model(&models.ClaimedTransaction{}).
		Where("transaction_hash = ?", NormalizeHash(txHash)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("lookup claim: %w", err)
	}
	return count > 0, nil
}
