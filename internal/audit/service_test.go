/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/jukebox/internal/events"
	"github.com/friendsincode/jukebox/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.AuditLog{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestRunRecordsAuditedEvents(t *testing.T) {
	db := newTestDB(t)
	bus := events.NewBus()
	svc := NewService(db, bus, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	// Wait until Run has subscribed before publishing.
	deadline := time.Now().Add(2 * time.Second)
	published := false
	for time.Now().Before(deadline) && !published {
		bus.Publish(events.EventAdminSkip, events.Payload{"operator": "ops", "song_id": "song-1", "reason": "queue_empty"})
		var n int64
		db.Model(&models.AuditLog{}).Count(&n)
		published = n > 0
		time.Sleep(10 * time.Millisecond)
	}
	if !published {
		t.Fatal("admin skip was not recorded")
	}
	bus.Publish(events.EventPurchaseRejected, events.Payload{"tx_hash": "0xabc", "reason": "sold out"})

	var rejected []models.AuditLog
	for time.Now().Before(deadline) {
		db.Where("action = ?", models.AuditActionPurchaseRejected).Find(&rejected)
		if len(rejected) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(rejected) != 1 || rejected[0].TxHash != "0xabc" || rejected[0].Details["reason"] != "sold out" {
		t.Fatalf("rejected entries = %+v", rejected)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}

	var skips []models.AuditLog
	db.Where("action = ?", models.AuditActionAdminSkip).Find(&skips)
	if len(skips) == 0 || skips[0].Operator != "ops" || skips[0].SongID != "song-1" {
		t.Fatalf("skip entries = %+v", skips)
	}
}

func TestQueryFilters(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db, events.NewBus(), zerolog.Nop())
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []models.AuditLog{
		{Action: models.AuditActionAdminSkip, Operator: "ops", Timestamp: base},
		{Action: models.AuditActionAdminSkip, Operator: "night", Timestamp: base.Add(time.Hour)},
		{Action: models.AuditActionPriceUpdate, Timestamp: base.Add(2 * time.Hour)},
	}
	for i := range entries {
		if err := svc.Log(ctx, &entries[i]); err != nil {
			t.Fatalf("log: %v", err)
		}
	}

	skip := models.AuditActionAdminSkip
	logs, total, err := svc.Query(ctx, QueryFilters{Action: &skip})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if total != 2 || len(logs) != 2 || logs[0].Operator != "night" {
		t.Fatalf("skip query = %d %+v", total, logs)
	}

	logs, total, err = svc.Query(ctx, QueryFilters{Operator: "ops"})
	if err != nil || total != 1 || logs[0].Operator != "ops" {
		t.Fatalf("operator query = %d %+v %v", total, logs, err)
	}

	logs, total, err = svc.Query(ctx, QueryFilters{Limit: 1})
	if err != nil || total != 3 || len(logs) != 1 || logs[0].Action != models.AuditActionPriceUpdate {
		t.Fatalf("limited query = %d %+v %v", total, logs, err)
	}
}
