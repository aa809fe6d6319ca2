/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playback owns the now-playing slot. Every state change goes through Advance, a
// compare-and-swap over the current song id that serializes ingestion auto-start, timer
// expiry and manual skips.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/friendsincode/jukebox/internal/events"
	"github.com/friendsincode/jukebox/internal/models"
	"github.com/friendsincode/jukebox/internal/queue"
	"github.com/friendsincode/jukebox/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// NoCurrentSong is the expected id for Advance when the caller believes the slot is idle.
const NoCurrentSong = "no-current-song"

// Reason describes the result of an Advance call.
type Reason string

const (
	ReasonMismatch            Reason = "mismatch"
	ReasonQueueEmpty          Reason = "queue_empty"
	ReasonAdvancedToNext      Reason = "advanced_to_next"
	ReasonNoCurrentSongToSkip Reason = "no_current_song_to_skip"
)

// Trigger identifies the caller of Advance.
type Trigger string

const (
	TriggerIngest    Trigger = "ingest"
	TriggerTimer     Trigger = "timer"
	TriggerSkip      Trigger = "skip"
	TriggerReconcile Trigger = "reconcile"
	TriggerRetry     Trigger = "retry"
)

// Outcome is the value returned by every advance attempt. Mismatch and queue_empty are
// expected results, not errors.
type Outcome struct {
	Success  bool         `json:"success"`
	Reason   Reason       `json:"reason"`
	Previous *models.Song `json:"previous,omitempty"`
	NextSong *models.Song `json:"next_song,omitempty"`
}

// IngestResult reports what Ingest did with a song.
type IngestResult struct {
	Song     models.Song
	Queued   bool
	Full     bool
	AutoPlay *Outcome
}

// Reconciliation reports what Reconcile did.
type Reconciliation struct {
	Action    string
	Remaining time.Duration
	Outcome   *Outcome
}

const (
	ReconcileIdle        = "idle"
	ReconcileRescheduled = "rescheduled"
	ReconcileAdvanced    = "advanced"
	ReconcileStarted     = "started"
)

// State is a read-only view for queries.
type State struct {
	Current   *models.Song  `json:"current,omitempty"`
	Remaining time.Duration `json:"-"`
	Pending   []models.Song `json:"pending"`
	MaxLength int           `json:"max_length"`
}

// Config tunes the scheduler.
type Config struct {
	MaxQueueLength int
	// RetryDelay is how long an advance waits before retrying after a storage fault.
	RetryDelay time.Duration
	// StoreTimeout bounds storage calls made from timer callbacks.
	StoreTimeout time.Duration
}

type notification struct {
	eventType events.EventType
	payload   events.Payload
}

// Scheduler is the playback state machine.
type Scheduler struct {
	repo     queue.Repository
	notifier events.Notifier
	clock    Clock
	cfg      Config
	logger   zerolog.Logger

	mu       sync.Mutex
	store    *queue.Store
	timers   map[string]songTimer
	timerGen uint64
	stopped  bool
}

type songTimer struct {
	timer Timer
	gen   uint64
}

// New creates a scheduler with an empty queue. Call Load to restore persisted state.
func New(repo queue.Repository, notifier events.Notifier, clock Clock, cfg Config, logger zerolog.Logger) *Scheduler {
	if notifier == nil {
		notifier = events.Discard{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	return &Scheduler{
		repo:     repo,
		notifier: notifier,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.With().Str("component", "playback").Logger(),
		store:    queue.NewStore(cfg.MaxQueueLength),
		timers:   make(map[string]songTimer),
	}
}

// Load replaces in-memory state with the persisted queue. It does not schedule timers; call
// Reconcile afterwards.
func (s *Scheduler) Load(ctx context.Context) error {
	state, err := s.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimersLocked()
	s.store.Load(state.Current, state.Pending, state.LastSeq)
	s.stopped = false
	s.updateGaugesLocked()
	s.logger.Info().
		Bool("playing", state.Current != nil).
		Int("pending", len(state.Pending)).
		Msg("queue loaded")
	return nil
}

// Advance ends the current song and starts the next one if expectedCurrentID still names the
// current song (or NoCurrentSong names an idle slot).
func (s *Scheduler) Advance(ctx context.Context, expectedCurrentID string, trigger Trigger) (Outcome, error) {
	s.mu.Lock()
	outcome, notes, err := s.advanceLocked(ctx, expectedCurrentID, trigger)
	s.mu.Unlock()

	s.publish(notes)
	return outcome, err
}

// Skip ends songID as skipped. An empty songID skips whatever is current.
func (s *Scheduler) Skip(ctx context.Context, songID string) (Outcome, error) {
	s.mu.Lock()
	current := s.store.CurrentSong()
	if current == nil {
		s.mu.Unlock()
		telemetry.AdvanceTotal.WithLabelValues(string(TriggerSkip), string(ReasonNoCurrentSongToSkip)).Inc()
		return Outcome{Success: false, Reason: ReasonNoCurrentSongToSkip}, nil
	}
	if songID == "" {
		songID = current.ID
	}
	outcome, notes, err := s.advanceLocked(ctx, songID, TriggerSkip)
	s.mu.Unlock()

	s.publish(notes)
	return outcome, err
}

// Ingest appends a claimed, validated song and starts it if the slot is idle. A full queue is
// reported in the result, not as an error.
func (s *Scheduler) Ingest(ctx context.Context, song models.Song) (IngestResult, error) {
	if song.ID == "" {
		song.ID = uuid.NewString()
	}
	if song.CreatedAt.IsZero() {
		song.CreatedAt = s.clock.Now().UTC()
	}

	s.mu.Lock()
	if s.store.Full() {
		s.mu.Unlock()
		return IngestResult{Song: song, Full: true}, nil
	}

	checkpoint := s.store.Checkpoint()
	appended, err := s.store.Append(song)
	if errors.Is(err, queue.ErrQueueFull) {
		s.mu.Unlock()
		return IngestResult{Song: song, Full: true}, nil
	}
	if err := s.repo.Insert(ctx, &appended); err != nil {
		s.store.Restore(checkpoint)
		s.mu.Unlock()
		return IngestResult{Song: song}, err
	}

	result := IngestResult{Song: appended, Queued: true}
	var notes []notification
	if s.store.CurrentSong() == nil {
		outcome, advanceNotes, err := s.advanceLocked(ctx, NoCurrentSong, TriggerIngest)
		if err != nil {
			// The song is durably pending; the retry timer starts it.
			s.logger.Error().Err(err).Str("song_id", appended.ID).Dur("retry_in", s.cfg.RetryDelay).Msg("auto-start failed")
			s.retryLocked(NoCurrentSong)
		} else {
			result.AutoPlay = &outcome
			notes = advanceNotes
		}
	}
	if result.AutoPlay == nil || !result.AutoPlay.Success {
		notes = append(notes, s.queueNoteLocked())
	}
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.publish(notes)
	return result, nil
}

// Reconcile restores timers after a restart. An overdue song is advanced once, synchronously.
// An idle slot with pending songs is started.
func (s *Scheduler) Reconcile(ctx context.Context) (Reconciliation, error) {
	s.mu.Lock()
	current := s.store.CurrentSong()
	now := s.clock.Now()

	if current == nil {
		if s.store.Len() == 0 {
			s.mu.Unlock()
			return Reconciliation{Action: ReconcileIdle}, nil
		}
		outcome, notes, err := s.advanceLocked(ctx, NoCurrentSong, TriggerReconcile)
		if err != nil {
			s.retryLocked(NoCurrentSong)
		}
		s.mu.Unlock()
		s.publish(notes)
		if err != nil {
			return Reconciliation{}, err
		}
		return Reconciliation{Action: ReconcileStarted, Outcome: &outcome}, nil
	}

	if current.Elapsed(now) < current.Duration() {
		remaining := current.Remaining(now)
		s.scheduleLocked(current.ID, remaining)
		s.mu.Unlock()
		s.logger.Info().Str("song_id", current.ID).Dur("remaining", remaining).Msg("rescheduled current song")
		return Reconciliation{Action: ReconcileRescheduled, Remaining: remaining}, nil
	}

	outcome, notes, err := s.advanceLocked(ctx, current.ID, TriggerReconcile)
	if err != nil {
		s.retryLocked(current.ID)
	}
	s.mu.Unlock()
	s.publish(notes)
	if err != nil {
		return Reconciliation{}, err
	}
	s.logger.Info().Str("song_id", current.ID).Str("reason", string(outcome.Reason)).Msg("advanced overdue song")
	return Reconciliation{Action: ReconcileAdvanced, Outcome: &outcome}, nil
}

// Snapshot returns the current song and pending list.
func (s *Scheduler) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := State{
		Current:   s.store.CurrentSong(),
		Pending:   s.store.ListPending(),
		MaxLength: s.store.Max(),
	}
	if state.Current != nil {
		state.Remaining = state.Current.Remaining(s.clock.Now())
	}
	return state
}

// PendingCount returns the number of queued songs.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Len()
}

// Full reports whether the next Ingest would be rejected.
func (s *Scheduler) Full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Full()
}

// Stop cancels every timer. Advance still works; timers resume after Load.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.stopTimersLocked()
}

func (s *Scheduler) advanceLocked(ctx context.Context, expectedCurrentID string, trigger Trigger) (Outcome, []notification, error) {
	current := s.store.CurrentSong()

	if expectedCurrentID == NoCurrentSong {
		if current != nil {
			return s.mismatch(trigger, expectedCurrentID, current), nil, nil
		}
	} else if current == nil || current.ID != expectedCurrentID {
		return s.mismatch(trigger, expectedCurrentID, current), nil, nil
	}

	checkpoint := s.store.Checkpoint()
	now := s.clock.Now().UTC()

	var finished *models.Song
	if current != nil {
		done := *current
		done.EndedAt = &now
		if trigger == TriggerSkip {
			done.Status = models.SongSkipped
			done.PlayedAt = nil
		} else {
			done.Status = models.SongPlayed
		}
		finished = &done
	}

	next := s.store.PopNext()
	if next != nil {
		next.Status = models.SongPlaying
		next.PlayedAt = &now
		next.QueuePosition = 0
	}
	s.store.SetCurrent(next)

	if err := s.repo.Transition(ctx, finished, next); err != nil {
		s.store.Restore(checkpoint)
		telemetry.AdvanceTotal.WithLabelValues(string(trigger), "error").Inc()
		return Outcome{}, nil, fmt.Errorf("persist transition: %w", err)
	}

	outcome := Outcome{Success: true, Previous: finished, NextSong: next}
	var notes []notification
	if finished != nil {
		s.cancelTimerLocked(finished.ID)
		notes = append(notes, notification{events.EventSongEnded, events.Payload{
			"song":    *finished,
			"status":  string(finished.Status),
			"trigger": string(trigger),
		}})
	}
	if next != nil {
		outcome.Reason = ReasonAdvancedToNext
		s.scheduleLocked(next.ID, next.Duration())
		notes = append(notes, notification{events.EventSongStarted, events.Payload{
			"song":    *next,
			"ends_at": now.Add(next.Duration()),
		}})
	} else {
		outcome.Reason = ReasonQueueEmpty
	}
	notes = append(notes, s.queueNoteLocked())
	s.updateGaugesLocked()

	telemetry.AdvanceTotal.WithLabelValues(string(trigger), string(outcome.Reason)).Inc()
	ev := s.logger.Info().Str("trigger", string(trigger)).Str("reason", string(outcome.Reason))
	if finished != nil {
		ev = ev.Str("ended", finished.ID).Str("ended_status", string(finished.Status))
	}
	if next != nil {
		ev = ev.Str("started", next.ID)
	}
	ev.Msg("playback advanced")

	return outcome, notes, nil
}

func (s *Scheduler) mismatch(trigger Trigger, expected string, current *models.Song) Outcome {
	telemetry.AdvanceTotal.WithLabelValues(string(trigger), string(ReasonMismatch)).Inc()
	actual := NoCurrentSong
	if current != nil {
		actual = current.ID
	}
	s.logger.Debug().
		Str("trigger", string(trigger)).
		Str("expected", expected).
		Str("actual", actual).
		Msg("advance precondition not met")
	return Outcome{Success: false, Reason: ReasonMismatch}
}

// scheduleLocked installs the only live timer, cancelling any left from earlier songs. The timer
// advances from expectedID, which is a song id or NoCurrentSong.
func (s *Scheduler) scheduleLocked(expectedID string, after time.Duration) {
	s.stopTimersLocked()
	if s.stopped {
		return
	}
	if after < 0 {
		after = 0
	}
	s.timerGen++
	gen := s.timerGen
	s.timers[expectedID] = songTimer{timer: s.clock.AfterFunc(after, func() { s.onTimer(expectedID, gen) }), gen: gen}
}

// retryLocked re-arms an advance from expectedID after a storage fault, unless the slot has
// moved on or there is nothing left to start.
func (s *Scheduler) retryLocked(expectedID string) {
	current := s.store.CurrentSong()
	if expectedID == NoCurrentSong {
		if current != nil || s.store.Len() == 0 {
			return
		}
	} else if current == nil || current.ID != expectedID {
		return
	}
	s.scheduleLocked(expectedID, s.cfg.RetryDelay)
}

func (s *Scheduler) cancelTimerLocked(songID string) {
	if t, ok := s.timers[songID]; ok {
		t.timer.Stop()
		delete(s.timers, songID)
	}
}

func (s *Scheduler) stopTimersLocked() {
	for id, t := range s.timers {
		t.timer.Stop()
		delete(s.timers, id)
	}
}

// PendingTimers returns the ids of songs with a live timer.
func (s *Scheduler) PendingTimers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.timers))
	for id := range s.timers {
		ids = append(ids, id)
	}
	return ids
}

func (s *Scheduler) onTimer(expectedID string, gen uint64) {
	s.mu.Lock()
	t, ok := s.timers[expectedID]
	if s.stopped || !ok || t.gen != gen {
		// Cancelled or replaced after the callback was already queued.
		s.mu.Unlock()
		return
	}
	delete(s.timers, expectedID)
	s.mu.Unlock()

	trigger := TriggerTimer
	if expectedID == NoCurrentSong {
		trigger = TriggerRetry
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
	defer cancel()

	if _, err := s.Advance(ctx, expectedID, trigger); err != nil {
		s.logger.Error().Err(err).Str("expected", expectedID).Dur("retry_in", s.cfg.RetryDelay).Msg("timer advance failed")
		s.mu.Lock()
		s.retryLocked(expectedID)
		s.mu.Unlock()
	}
}

func (s *Scheduler) queueNoteLocked() notification {
	return notification{events.EventQueueUpdated, events.Payload{
		"current": s.store.CurrentSong(),
		"pending": s.store.ListPending(),
		"length":  s.store.Len(),
	}}
}

func (s *Scheduler) updateGaugesLocked() {
	telemetry.QueueLength.Set(float64(s.store.Len()))
	if s.store.CurrentSong() != nil {
		telemetry.NowPlaying.Set(1)
	} else {
		telemetry.NowPlaying.Set(0)
	}
}

func (s *Scheduler) publish(notes []notification) {
	for _, n := range notes {
		s.notifier.Publish(n.eventType, n.payload)
	}
}
