package queue

import (
	"errors"
	"fmt"
	"testing"

	"github.com/friendsincode/jukebox/internal/models"
)

func song(id string) models.Song {
	return models.Song{ID: id, ContentID: "vid-" + id, DurationSeconds: 30, TransactionHash: "0x" + id}
}

func ids(songs []models.Song) []string {
	out := make([]string, len(songs))
	for i, s := range songs {
		out[i] = s.ID
	}
	return out
}

func TestStore_AppendAssignsContiguousPositions(t *testing.T) {
	s := NewStore(10)
	for i, id := range []string{"a", "b", "c"} {
		got, err := s.Append(song(id))
		if err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
		if got.QueuePosition != i {
			t.Fatalf("position for %s = %d, want %d", id, got.QueuePosition, i)
		}
		if got.Status != models.SongPending {
			t.Fatalf("status = %s, want pending", got.Status)
		}
		if got.Sequence != int64(i+1) {
			t.Fatalf("sequence = %d, want %d", got.Sequence, i+1)
		}
	}

	pending := s.ListPending()
	if fmt.Sprint(ids(pending)) != "[a b c]" {
		t.Fatalf("pending = %v, want [a b c]", ids(pending))
	}
}

func TestStore_CapacityBound(t *testing.T) {
	const max = 3
	s := NewStore(max)
	for i := 0; i < max; i++ {
		if _, err := s.Append(song(fmt.Sprint(i))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if _, err := s.Append(song("overflow")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if s.Len() != max {
		t.Fatalf("len = %d, want %d", s.Len(), max)
	}
}

func TestStore_PopNextRenumbers(t *testing.T) {
	s := NewStore(10)
	for _, id := range []string{"a", "b", "c"} {
		_, _ = s.Append(song(id))
	}

	if peek := s.PeekNext(); peek == nil || peek.ID != "a" {
		t.Fatalf("peek = %v, want a", peek)
	}
	if s.Len() != 3 {
		t.Fatal("peek must not remove")
	}

	popped := s.PopNext()
	if popped == nil || popped.ID != "a" {
		t.Fatalf("pop = %v, want a", popped)
	}

	pending := s.ListPending()
	for i, p := range pending {
		if p.QueuePosition != i {
			t.Fatalf("position of %s = %d, want %d", p.ID, p.QueuePosition, i)
		}
	}
	if fmt.Sprint(ids(pending)) != "[b c]" {
		t.Fatalf("pending = %v, want [b c]", ids(pending))
	}

	_ = s.PopNext()
	_ = s.PopNext()
	if s.PopNext() != nil || s.PeekNext() != nil {
		t.Fatal("expected empty queue to return nil")
	}
}

func TestStore_ListPendingIsASnapshot(t *testing.T) {
	s := NewStore(10)
	_, _ = s.Append(song("a"))

	snap := s.ListPending()
	snap[0].ID = "mutated"

	if s.PeekNext().ID != "a" {
		t.Fatal("mutating a snapshot must not affect the store")
	}
}

func TestStore_CheckpointRestore(t *testing.T) {
	s := NewStore(10)
	_, _ = s.Append(song("a"))
	_, _ = s.Append(song("b"))
	cp := s.Checkpoint()

	next := s.PopNext()
	s.SetCurrent(next)
	_, _ = s.Append(song("c"))

	s.Restore(cp)
	if s.CurrentSong() != nil {
		t.Fatal("expected idle slot after restore")
	}
	if fmt.Sprint(ids(s.ListPending())) != "[a b]" {
		t.Fatalf("pending after restore = %v", ids(s.ListPending()))
	}
	appended, _ := s.Append(song("d"))
	if appended.Sequence != 3 {
		t.Fatalf("sequence after restore = %d, want 3", appended.Sequence)
	}
}

func TestStore_LoadRenumbersAndKeepsSequence(t *testing.T) {
	s := NewStore(10)
	current := song("playing")
	current.Status = models.SongPlaying
	pending := []models.Song{song("x"), song("y")}
	pending[0].QueuePosition = 7

	s.Load(&current, pending, 42)

	if cur := s.CurrentSong(); cur == nil || cur.ID != "playing" {
		t.Fatalf("current = %v", cur)
	}
	got := s.ListPending()
	if got[0].QueuePosition != 0 || got[1].QueuePosition != 1 {
		t.Fatalf("positions = %d,%d", got[0].QueuePosition, got[1].QueuePosition)
	}
	appended, _ := s.Append(song("z"))
	if appended.Sequence != 43 {
		t.Fatalf("sequence = %d, want 43", appended.Sequence)
	}
}
