/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/friendsincode/jukebox/internal/models"
	"gorm.io/gorm"
)

// State is the persisted queue as loaded at startup.
type State struct {
	Current *models.Song
	Pending []models.Song
	LastSeq int64
}

// Repository persists Store mutations. Transition must apply both song updates atomically.
type Repository interface {
	Insert(ctx context.Context, song *models.Song) error
	Transition(ctx context.Context, finished *models.Song, next *models.Song) error
	Load(ctx context.Context) (State, error)
	Recent(ctx context.Context, limit int) ([]models.Song, error)
}

// GormRepository stores songs in the songs table.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository creates a gorm-backed repository.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// Insert writes a new pending song.
func (r *GormRepository) Insert(ctx context.Context, song *models.Song) error {
	if err := r.db.WithContext(ctx).Create(song).Error; err != nil {
		return fmt.Errorf("insert song %s: %w", song.ID, err)
	}
	return nil
}

// Transition persists the end of the finished song and the start of the next one in one
// transaction. Either argument may be nil.
func (r *GormRepository) Transition(ctx context.Context, finished *models.Song, next *models.Song) error {
	if finished == nil && next == nil {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if finished != nil {
			result := tx.Model(&models.Song{}).
				Where("id = ? AND status = ?", finished.ID, models.SongPlaying).
				Updates(map[string]any{
					"status":    finished.Status,
					"played_at": finished.PlayedAt,
					"ended_at":  finished.EndedAt,
				})
			if result.Error != nil {
				return fmt.Errorf("finish song %s: %w", finished.ID, result.Error)
			}
			if result.RowsAffected != 1 {
				return fmt.Errorf("finish song %s: expected 1 playing row, updated %d", finished.ID, result.RowsAffected)
			}
		}
		if next != nil {
			result := tx.Model(&models.Song{}).
				Where("id = ? AND status = ?", next.ID, models.SongPending).
				Updates(map[string]any{
					"status":    models.SongPlaying,
					"played_at": next.PlayedAt,
				})
			if result.Error != nil {
				return fmt.Errorf("start song %s: %w", next.ID, result.Error)
			}
			if result.RowsAffected != 1 {
				return fmt.Errorf("start song %s: expected 1 pending row, updated %d", next.ID, result.RowsAffected)
			}
		}
		return nil
	})
}

// Load reads the playing song and pending songs in sequence order.
func (r *GormRepository) Load(ctx context.Context) (State, error) {
	var state State
	db := r.db.WithContext(ctx)

	var playing []models.Song
	if err := db.Where("status = ?", models.SongPlaying).Order("played_at DESC").Find(&playing).Error; err != nil {
		return state, fmt.Errorf("load current song: %w", err)
	}
	if len(playing) > 1 {
		// Transition is atomic, so only a manual edit gets here.
		return state, fmt.Errorf("found %d playing songs, expected at most 1", len(playing))
	}
	if len(playing) == 1 {
		state.Current = &playing[0]
	}

	if err := db.Where("status = ?", models.SongPending).Order("sequence ASC").Find(&state.Pending).Error; err != nil {
		return state, fmt.Errorf("load pending songs: %w", err)
	}

	var last struct{ Max *int64 }
	if err := db.Model(&models.Song{}).Select("MAX(sequence) AS max").Scan(&last).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return state, fmt.Errorf("load sequence: %w", err)
	}
	if last.Max != nil {
		state.LastSeq = *last.Max
	}
	return state, nil
}

// Recent returns the most recently finished songs, newest first.
func (r *GormRepository) Recent(ctx context.Context, limit int) ([]models.Song, error) {
	if limit <= 0 {
		limit = 20
	}
	var songs []models.Song
	err := r.db.WithContext(ctx).
		Where("status IN ?", []models.SongStatus{models.SongPlayed, models.SongSkipped}).
		Order("ended_at DESC").
		Limit(limit).
		Find(&songs).Error
	if err != nil {
		return nil, fmt.Errorf("load recent songs: %w", err)
	}
	return songs, nil
}
