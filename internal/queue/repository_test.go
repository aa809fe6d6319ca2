package queue

import (
	"context"
	"testing"
	"time"

	"github.com/friendsincode/jukebox/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRepo(t *testing.T) (*GormRepository, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Song{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return NewGormRepository(db), db
}

func TestGormRepository_InsertTransitionLoad(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	store := NewStore(10)

	for _, id := range []string{"a", "b", "c"} {
		s, err := store.Append(song(id))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := repo.Insert(ctx, &s); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	now := time.Now().UTC().Truncate(time.Second)
	next := store.PopNext()
	next.Status = models.SongPlaying
	next.PlayedAt = &now
	if err := repo.Transition(ctx, nil, next); err != nil {
		t.Fatalf("start a: %v", err)
	}

	state, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.Current == nil || state.Current.ID != "a" {
		t.Fatalf("current = %v, want a", state.Current)
	}
	if state.Current.PlayedAt == nil {
		t.Fatal("expected played_at on current song")
	}
	if len(state.Pending) != 2 || state.Pending[0].ID != "b" || state.Pending[1].ID != "c" {
		t.Fatalf("pending = %v, want [b c]", ids(state.Pending))
	}
	if state.LastSeq != 3 {
		t.Fatalf("last seq = %d, want 3", state.LastSeq)
	}

	finished := *state.Current
	finished.Status = models.SongSkipped
	finished.PlayedAt = nil
	finished.EndedAt = &now
	b := store.PopNext()
	b.Status = models.SongPlaying
	b.PlayedAt = &now
	if err := repo.Transition(ctx, &finished, b); err != nil {
		t.Fatalf("skip a: %v", err)
	}

	state, err = repo.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.Current == nil || state.Current.ID != "b" {
		t.Fatalf("current = %v, want b", state.Current)
	}
	recent, err := repo.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != "a" || recent[0].Status != models.SongSkipped {
		t.Fatalf("recent = %+v", recent)
	}
	if recent[0].PlayedAt != nil {
		t.Fatal("skipped song must not keep played_at")
	}
}

func TestGormRepository_TransitionIsAtomic(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := song("a")
	a.Status = models.SongPlaying
	a.PlayedAt = &now
	if err := db.Create(&a).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	finished := a
	finished.Status = models.SongPlayed
	finished.EndedAt = &now
	ghost := song("ghost") // never inserted
	ghost.PlayedAt = &now

	if err := repo.Transition(ctx, &finished, &ghost); err == nil {
		t.Fatal("expected transition to fail for a missing next song")
	}

	var reloaded models.Song
	if err := db.First(&reloaded, "id = ?", "a").Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != models.SongPlaying {
		t.Fatalf("status = %s, want rollback to playing", reloaded.Status)
	}
}

func TestGormRepository_RejectsDuplicateTransactionHash(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	first := song("a")
	first.Status = models.SongPending
	if err := repo.Insert(ctx, &first); err != nil {
		t.Fatalf("insert: %v", err)
	}
	dup := song("b")
	dup.TransactionHash = first.TransactionHash
	if err := repo.Insert(ctx, &dup); err == nil {
		t.Fatal("expected unique index violation for duplicate transaction hash")
	}
}
