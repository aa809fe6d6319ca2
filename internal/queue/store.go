/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package queue holds the ordered pending songs and the current-song slot.
//
// Store is not safe for concurrent use. The playback scheduler owns the only instance and calls
// it from inside its critical section, composing Store mutations with Repository writes.
package queue

import (
	"errors"

	"github.com/friendsincode/jukebox/internal/models"
)

// ErrQueueFull is returned by Append when the pending list is at capacity.
var ErrQueueFull = errors.New("queue is full")

// Store is the in-memory queue. Positions are always the slice index, so they stay contiguous
// from 0 in FIFO order after every mutation.
type Store struct {
	max     int
	pending []models.Song
	current *models.Song
	lastSeq int64
}

// NewStore creates an empty store bounded to max pending songs.
func NewStore(max int) *Store {
	if max < 1 {
		max = 1
	}
	return &Store{max: max, pending: make([]models.Song, 0, max)}
}

// Max returns the capacity.
func (s *Store) Max() int {
	return s.max
}

// Len returns the number of pending songs.
func (s *Store) Len() int {
	return len(s.pending)
}

// Full reports whether Append would be rejected.
func (s *Store) Full() bool {
	return len(s.pending) >= s.max
}

// Append assigns the next sequence and position and appends the song as pending.
func (s *Store) Append(song models.Song) (models.Song, error) {
	if s.Full() {
		return models.Song{}, ErrQueueFull
	}
	s.lastSeq++
	song.Sequence = s.lastSeq
	song.Status = models.SongPending
	song.PlayedAt = nil
	song.QueuePosition = len(s.pending)
	s.pending = append(s.pending, song)
	return song, nil
}

// PeekNext returns the lowest-position pending song without removing it.
func (s *Store) PeekNext() *models.Song {
	if len(s.pending) == 0 {
		return nil
	}
	next := s.pending[0]
	return &next
}

// PopNext removes and returns the lowest-position pending song, renumbering the rest.
func (s *Store) PopNext() *models.Song {
	if len(s.pending) == 0 {
		return nil
	}
	next := s.pending[0]
	s.pending = append(s.pending[:0:0], s.pending[1:]...)
	s.renumber()
	return &next
}

// ListPending returns a FIFO snapshot.
func (s *Store) ListPending() []models.Song {
	out := make([]models.Song, len(s.pending))
	copy(out, s.pending)
	return out
}

// CurrentSong returns a copy of the playing slot, or nil when idle.
func (s *Store) CurrentSong() *models.Song {
	if s.current == nil {
		return nil
	}
	cur := *s.current
	return &cur
}

// SetCurrent replaces the playing slot. nil clears it.
func (s *Store) SetCurrent(song *models.Song) {
	if song == nil {
		s.current = nil
		return
	}
	cur := *song
	cur.QueuePosition = 0
	s.current = &cur
}

// Load replaces the store contents with persisted state. Pending songs must be in sequence order.
func (s *Store) Load(current *models.Song, pending []models.Song, lastSeq int64) {
	s.SetCurrent(current)
	s.pending = make([]models.Song, len(pending), max(len(pending), s.max))
	copy(s.pending, pending)
	s.renumber()
	s.lastSeq = lastSeq
}

// Snapshot captures the full state so a failed persistence step can be rolled back.
type Snapshot struct {
	pending []models.Song
	current *models.Song
	lastSeq int64
}

// Checkpoint returns a Snapshot of the current state.
func (s *Store) Checkpoint() Snapshot {
	return Snapshot{pending: s.ListPending(), current: s.CurrentSong(), lastSeq: s.lastSeq}
}

// Restore rolls the store back to a checkpoint.
func (s *Store) Restore(snap Snapshot) {
	s.pending = snap.pending
	s.current = snap.current
	s.lastSeq = snap.lastSeq
}

func (s *Store) renumber() {
	for i := range s.pending {
		s.pending[i].QueuePosition = i
	}
}
