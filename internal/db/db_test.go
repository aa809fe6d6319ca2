package db

import (
	"testing"

	"github.com/friendsincode/jukebox/internal/config"
	"github.com/friendsincode/jukebox/internal/models"
)

func TestConnectAndMigrateSQLite(t *testing.T) {
	database, err := Connect(&config.Config{DBBackend: config.DatabaseSQLite, DBDSN: ":memory:"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer Close(database)

	if err := Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, model := range []any{&models.Song{}, &models.ClaimedTransaction{}, &models.AuditLog{}} {
		if !database.Migrator().HasTable(model) {
			t.Fatalf("missing table for %T", model)
		}
	}

	// Migrate is safe to repeat on startup.
	if err := Migrate(database); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	UpdateConnectionMetrics(database)
}

func TestConnectUnknownBackend(t *testing.T) {
	if _, err := Connect(&config.Config{DBBackend: "oracle"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
