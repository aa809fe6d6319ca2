/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package leadership elects the one jukebox instance allowed to own timers and chain
// subscriptions, using a Redis lease.
package leadership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/jukebox/internal/telemetry"
)

const (
	defaultElectionKey     = "jukebox:leader:playback"
	defaultLeaseDuration   = 15 * time.Second
	defaultRenewalInterval = 5 * time.Second
)

// renewScript extends the lease only when this instance still holds it.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// Config configures leader election.
type Config struct {
	// ElectionKey is the Redis key holding the leader's instance id.
	ElectionKey string
	// LeaseDuration is how long a lease survives without renewal.
	LeaseDuration time.Duration
	// RenewalInterval is how often the lease is acquired or renewed.
	RenewalInterval time.Duration
	InstanceID      string
}

// Election manages a Redis leader lease.
type Election struct {
	client *redis.Client
	logger zerolog.Logger
	config Config

	isLeader atomic.Bool
	leaderCh chan bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewElection creates an election on an existing Redis client. The client is not closed by Stop.
func NewElection(client *redis.Client, config Config, logger zerolog.Logger) *Election {
	if config.ElectionKey == "" {
		config.ElectionKey = defaultElectionKey
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = defaultLeaseDuration
	}
	if config.RenewalInterval <= 0 {
		config.RenewalInterval = defaultRenewalInterval
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}
	return &Election{
		client:   client,
		logger:   logger.With().Str("component", "leader_election").Str("instance_id", config.InstanceID).Logger(),
		config:   config,
		leaderCh: make(chan bool, 1),
	}
}

// Start campaigns in the background until Stop or ctx cancellation.
func (e *Election) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return errors.New("election already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	e.logger.Info().Dur("lease_duration", e.config.LeaseDuration).Msg("starting leader election")
	go e.campaignLoop(ctx)
	return nil
}

// Stop ends the campaign and releases the lease if held.
func (e *Election) Stop() error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	if !e.isLeader.Load() {
		return nil
	}
	ctx, cancelRelease := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelRelease()
	err := releaseScript.Run(ctx, e.client, []string{e.config.ElectionKey}, e.config.InstanceID).Err()
	e.setLeader(false)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	e.logger.Info().Msg("released leadership")
	return nil
}

// IsLeader reports whether this instance holds the lease.
func (e *Election) IsLeader() bool {
	return e.isLeader.Load()
}

// LeaderCh receives leadership transitions. Only the latest value is buffered.
func (e *Election) LeaderCh() <-chan bool {
	return e.leaderCh
}

// InstanceID returns this instance's id.
func (e *Election) InstanceID() string {
	return e.config.InstanceID
}

// Leader returns the current leader's instance id, or "" when the lease is free.
func (e *Election) Leader(ctx context.Context) (string, error) {
	id, err := e.client.Get(ctx, e.config.ElectionKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get leader: %w", err)
	}
	return id, nil
}

func (e *Election) campaignLoop(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.config.RenewalInterval)
	defer ticker.Stop()

	e.attempt(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.attempt(ctx)
		}
	}
}

func (e *Election) attempt(ctx context.Context) {
	held, err := e.acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.logger.Error().Err(err).Msg("leader lease check failed")
		held = false
	}
	e.setLeader(held)
}

func (e *Election) acquire(ctx context.Context) (bool, error) {
	if e.isLeader.Load() {
		renewed, err := renewScript.Run(ctx, e.client, []string{e.config.ElectionKey},
			e.config.InstanceID, e.config.LeaseDuration.Milliseconds()).Int()
		if err != nil {
			return false, fmt.Errorf("renew lease: %w", err)
		}
		if renewed == 1 {
			return true, nil
		}
	}
	ok, err := e.client.SetNX(ctx, e.config.ElectionKey, e.config.InstanceID, e.config.LeaseDuration).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return ok, nil
}

func (e *Election) setLeader(leader bool) {
	if e.isLeader.Swap(leader) == leader {
		return
	}
	id := e.config.InstanceID
	if leader {
		e.logger.Info().Msg("acquired leadership")
		telemetry.LeaderElectionStatus.WithLabelValues(id).Set(1)
		telemetry.LeaderElectionChanges.WithLabelValues(id, "acquired").Inc()
	} else {
		e.logger.Warn().Msg("lost leadership")
		telemetry.LeaderElectionStatus.WithLabelValues(id).Set(0)
		telemetry.LeaderElectionChanges.WithLabelValues(id, "lost").Inc()
	}

	// Replace any unread value so the receiver always sees the latest state.
	select {
	case <-e.leaderCh:
	default:
	}
	select {
	case e.leaderCh <- leader:
	default:
	}
}
