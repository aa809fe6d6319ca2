/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"time"
)

// RoleName enumerates the roles carried in admin tokens.
type RoleName string

const (
	RoleAdmin    RoleName = "admin"
	RoleOperator RoleName = "operator"
)

// SongStatus is the lifecycle state of a queued purchase.
type SongStatus string

const (
	SongPending SongStatus = "pending"
	SongPlaying SongStatus = "playing"
	SongPlayed  SongStatus = "played"
	SongSkipped SongStatus = "skipped"
)

// Song is a purchased queue entry. At most one row is ever in SongPlaying.
type Song struct {
	ID              string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	ContentID       string     `gorm:"type:varchar(64);index" json:"content_id"`
	Title           string     `json:"title"`
	Artist          string     `json:"artist"`
	DurationSeconds int        `json:"duration_seconds"`
	ThumbnailURL    string     `json:"thumbnail_url"`
	PayerAddress    string     `gorm:"type:varchar(42);index" json:"payer_address"`
	TransactionHash string     `gorm:"type:varchar(66);uniqueIndex" json:"transaction_hash"`
	Price           string     `gorm:"type:varchar(80)" json:"price"`
	Status          SongStatus `gorm:"type:varchar(16);index" json:"status"`
	Sequence        int64      `gorm:"index" json:"-"`
	PlayedAt        *time.Time `json:"played_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"-"`

	// QueuePosition is derived from Sequence order among pending songs on every read.
	QueuePosition int `gorm:"-" json:"queue_position"`
}

// Duration returns the playback length.
func (s Song) Duration() time.Duration {
	return time.Duration(s.DurationSeconds) * time.Second
}

// Elapsed reports how long the song has been playing at now. Zero when not started.
func (s Song) Elapsed(now time.Time) time.Duration {
	if s.PlayedAt == nil {
		return 0
	}
	elapsed := now.Sub(*s.PlayedAt)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// Remaining is max(0, duration - elapsed).
func (s Song) Remaining(now time.Time) time.Duration {
	remaining := s.Duration() - s.Elapsed(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ClaimedTransaction records a consumed settlement hash.
type ClaimedTransaction struct {
	TransactionHash string `gorm:"type:varchar(66);primaryKey"`
	ClaimedAt       time.Time
}

// AuditAction names a recorded operational action.
type AuditAction string

const (
	AuditActionAdminSkip        AuditAction = "admin.skip"
	AuditActionPriceUpdate      AuditAction = "price.update"
	AuditActionPurchaseRejected AuditAction = "purchase.rejected"
)

// AuditLog is an append-only record of operator and contract actions.
type AuditLog struct {
	ID        string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	Timestamp time.Time      `gorm:"index:idx_audit_timestamp;not null" json:"timestamp"`
	Action    AuditAction    `gorm:"type:varchar(64);index:idx_audit_action;not null" json:"action"`
	Operator  string         `gorm:"type:varchar(255)" json:"operator,omitempty"`
	SongID    string         `gorm:"type:varchar(36)" json:"song_id,omitempty"`
	TxHash    string         `gorm:"type:varchar(66);index" json:"tx_hash,omitempty"`
	Details   map[string]any `gorm:"serializer:json" json:"details,omitempty"`
	CreatedAt time.Time      `json:"-"`
}

// TableName returns the table name for GORM.
func (AuditLog) TableName() string {
	return "audit_logs"
}
