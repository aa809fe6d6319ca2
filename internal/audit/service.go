/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/jukebox/internal/events"
	"github.com/friendsincode/jukebox/internal/models"
)

// Service handles audit logging by subscribing to events and storing audit entries.
type Service struct {
	db     *gorm.DB
	bus    events.Broker
	logger zerolog.Logger
}

// NewService creates a new audit service.
func NewService(db *gorm.DB, bus events.Broker, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Run records audited events until ctx ends. Run it on one instance only, or entries are
// recorded once per node.
func (s *Service) Run(ctx context.Context) error {
	skip := s.bus.Subscribe(events.EventAdminSkip)
	price := s.bus.Subscribe(events.EventPriceUpdated)
	rejected := s.bus.Subscribe(events.EventPurchaseRejected)
	defer func() {
		s.bus.Unsubscribe(events.EventAdminSkip, skip)
		s.bus.Unsubscribe(events.EventPriceUpdated, price)
		s.bus.Unsubscribe(events.EventPurchaseRejected, rejected)
	}()

	s.logger.Info().Msg("audit service started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("audit service stopping")
			return ctx.Err()
		case payload := <-skip:
			s.logAuditEntry(ctx, models.AuditActionAdminSkip, payload)
		case payload := <-price:
			s.logAuditEntry(ctx, models.AuditActionPriceUpdate, payload)
		case payload := <-rejected:
			s.logAuditEntry(ctx, models.AuditActionPurchaseRejected, payload)
		}
	}
}

// logAuditEntry creates an audit log entry from an event payload.
func (s *Service) logAuditEntry(ctx context.Context, action models.AuditAction, payload events.Payload) {
	entry := &models.AuditLog{
		Action:  action,
		Details: make(map[string]any),
	}
	for k, v := range payload {
		str, _ := v.(string)
		switch k {
		case "operator":
			entry.Operator = str
		case "song_id":
			entry.SongID = str
		case "tx_hash":
			entry.TxHash = str
		default:
			entry.Details[k] = v
		}
	}

	if err := s.Log(ctx, entry); err != nil {
		s.logger.Error().Err(err).
			Str("action", string(action)).
			Msg("failed to log audit entry")
	}
}

// Log records an audit entry directly.
func (s *Service) Log(ctx context.Context, entry *models.AuditLog) error {
	now := time.Now().UTC()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.Details == nil {
		entry.Details = make(map[string]any)
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return err
	}

	s.logger.Debug().
		Str("action", string(entry.Action)).
		Str("id", entry.ID).
		Msg("audit entry logged")
	return nil
}

// QueryFilters defines filters for querying audit logs.
type QueryFilters struct {
	Action    *models.AuditAction
	Operator  string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// Query retrieves audit logs with filters, most recent first, plus the unpaginated total.
func (s *Service) Query(ctx context.Context, filters QueryFilters) ([]models.AuditLog, int64, error) {
	var logs []models.AuditLog
	var total int64

	query := s.db.WithContext(ctx).Model(&models.AuditLog{})
	if filters.Action != nil {
		query = query.Where("action = ?", *filters.Action)
	}
	if filters.Operator != "" {
		query = query.Where("operator = ?", filters.Operator)
	}
	if filters.StartTime != nil {
		query = query.Where("timestamp >= ?", *filters.StartTime)
	}
	if filters.EndTime != nil {
		query = query.Where("timestamp <= ?", *filters.EndTime)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	} else {
		query = query.Limit(100)
	}
	if filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}
	if err := query.Order("timestamp DESC").Find(&logs).Error; err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}
