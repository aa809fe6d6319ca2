/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Elector is the subset of leadership.Election used here.
type Elector interface {
	Start(ctx context.Context) error
	Stop() error
	IsLeader() bool
	LeaderCh() <-chan bool
}

const (
	promoteRetryBase = time.Second
	promoteRetryMax  = 30 * time.Second
)

// Runner is the leader-only work started alongside the scheduler, typically the chain
// subscription manager. It must return when ctx is cancelled.
type Runner func(ctx context.Context) error

// LeaderAware owns timers and the Runner only while this instance holds the lease. On
// acquisition it reloads the queue and reconciles, so a takeover behaves like a restart.
type LeaderAware struct {
	scheduler *Scheduler
	election  Elector
	run       Runner
	logger    zerolog.Logger

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopped  bool
	retrying bool
	backoff  time.Duration
}

// NewLeaderAware wraps scheduler and run with leader election.
func NewLeaderAware(scheduler *Scheduler, election Elector, run Runner, logger zerolog.Logger) *LeaderAware {
	return &LeaderAware{
		scheduler: scheduler,
		election:  election,
		run:       run,
		backoff:   promoteRetryBase,
		logger:    logger.With().Str("component", "leader_aware_playback").Logger(),
	}
}

// Start begins the election and follows leadership changes until ctx ends.
func (la *LeaderAware) Start(ctx context.Context) error {
	la.mu.Lock()
	la.ctx = ctx
	la.mu.Unlock()

	if err := la.election.Start(ctx); err != nil {
		return err
	}
	go la.monitor(ctx)
	return nil
}

// Stop halts leader work and resigns.
func (la *LeaderAware) Stop() error {
	la.mu.Lock()
	la.stopped = true
	la.mu.Unlock()
	la.demote()
	return la.election.Stop()
}

// IsLeader reports whether this instance is driving playback.
func (la *LeaderAware) IsLeader() bool {
	return la.election.IsLeader()
}

func (la *LeaderAware) monitor(ctx context.Context) {
	if la.election.IsLeader() {
		la.promote()
	}
	for {
		select {
		case <-ctx.Done():
			la.demote()
			return
		case leader := <-la.election.LeaderCh():
			if leader {
				la.promote()
			} else {
				la.demote()
			}
		}
	}
}

func (la *LeaderAware) promote() {
	la.mu.Lock()
	defer la.mu.Unlock()
	if la.cancel != nil || la.stopped {
		return
	}

	ctx, cancel := context.WithCancel(la.ctx)
	if err := la.scheduler.Load(ctx); err != nil {
		cancel()
		la.logger.Error().Err(err).Dur("retry_in", la.backoff).Msg("failed to load queue after acquiring leadership")
		la.retryPromoteLocked()
		return
	}
	la.backoff = promoteRetryBase
	rec, err := la.scheduler.Reconcile(ctx)
	if err != nil {
		la.logger.Error().Err(err).Msg("reconciliation failed")
	} else {
		la.logger.Info().Str("action", rec.Action).Msg("playback reconciled")
	}

	la.cancel = cancel
	la.done = make(chan struct{})
	if la.run == nil {
		close(la.done)
		return
	}
	go func(done chan struct{}) {
		defer close(done)
		if err := la.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			la.logger.Error().Err(err).Msg("leader runner exited")
		}
	}(la.done)
}

// retryPromoteLocked tries promote again with backoff for as long as the lease is held.
func (la *LeaderAware) retryPromoteLocked() {
	if la.retrying {
		return
	}
	la.retrying = true
	delay := la.backoff
	la.backoff = min(la.backoff*2, promoteRetryMax)
	ctx := la.ctx

	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		la.mu.Lock()
		la.retrying = false
		la.mu.Unlock()
		if ctx.Err() == nil && la.election.IsLeader() {
			la.promote()
		}
	}()
}

func (la *LeaderAware) demote() {
	la.mu.Lock()
	cancel, done := la.cancel, la.done
	la.cancel, la.done = nil, nil
	la.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		la.logger.Warn().Msg("leader runner did not stop in time")
	}
	la.scheduler.Stop()
	la.logger.Info().Msg("playback handed off")
}
