/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package subscription keeps chain event listeners alive on transports whose filters expire
// without notice. Listeners are recreated on a fixed interval and, subject to a cooldown,
// whenever a listener reports a failure.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/jukebox/internal/telemetry"
)

// ErrFilterExpired is reported by a Listener whose server-side filter is gone.
var ErrFilterExpired = errors.New("event filter expired")

// Event names of the jukebox contract.
const (
	EventSongPurchased    = "SongPurchased"
	EventPriceUpdated     = "PriceUpdated"
	EventPurchaseRejected = "PurchaseRejected"
)

// Event is one delivered chain event.
type Event struct {
	Name        string
	TxHash      string
	BlockNumber uint64
	Index       uint
	// Removed is set when a reorg retracted a previously delivered log.
	Removed bool
	Payload any
}

// Purchase is the payload of EventSongPurchased.
type Purchase struct {
	Buyer     string
	ContentID string
	Amount    string
}

// PriceChange is the payload of EventPriceUpdated.
type PriceChange struct {
	OldPrice string
	NewPrice string
}

// PurchaseRejection is the payload of EventPurchaseRejected.
type PurchaseRejection struct {
	Buyer     string
	ContentID string
	Reason    string
}

// Handler processes one event. It runs on the transport's delivery goroutine.
type Handler func(ctx context.Context, ev Event)

// Listener is a live registration on a transport.
type Listener interface {
	// Err delivers at most one terminal error and is closed when the listener stops.
	Err() <-chan error
	Close()
}

// Transport creates listeners for named events.
type Transport interface {
	Listen(ctx context.Context, event string, deliver func(Event)) (Listener, error)
}

// Config tunes recreation.
type Config struct {
	// RecreateInterval is the proactive recreation period. It must be shorter than the
	// transport's filter expiry.
	RecreateInterval time.Duration
	// Cooldown is the minimum gap between reactive recreations.
	Cooldown time.Duration
	// SettleInterval is the pause between removing and re-adding listeners.
	SettleInterval time.Duration
}

// DefaultConfig returns the production intervals.
func DefaultConfig() Config {
	return Config{
		RecreateInterval: 8 * time.Minute,
		Cooldown:         30 * time.Second,
		SettleInterval:   time.Second,
	}
}

// Status is a point-in-time view for health checks.
type Status struct {
	Listening           bool      `json:"listening"`
	Handlers            []string  `json:"handlers"`
	Active              int       `json:"active"`
	LastRecreateAttempt time.Time `json:"last_recreate_attempt"`
	Recreations         int       `json:"recreations"`
}

type listenerErr struct {
	event string
	gen   uint64
	err   error
}

// Manager supervises one listener per registered handler.
type Manager struct {
	transport Transport
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time

	mu                  sync.Mutex
	handlers            map[string]Handler
	listeners           map[string]Listener
	listening           bool
	lastRecreateAttempt time.Time
	recreations         int
	gen                 uint64

	errs chan listenerErr
}

// NewManager creates a manager. Register handlers before Run.
func NewManager(transport Transport, cfg Config, logger zerolog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.RecreateInterval <= 0 {
		cfg.RecreateInterval = def.RecreateInterval
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.SettleInterval < 0 {
		cfg.SettleInterval = 0
	}
	return &Manager{
		transport: transport,
		cfg:       cfg,
		logger:    logger.With().Str("component", "subscription_manager").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
		handlers:  make(map[string]Handler),
		listeners: make(map[string]Listener),
		errs:      make(chan listenerErr, 16),
	}
}

// Register adds or replaces the handler for an event name.
func (m *Manager) Register(event string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = handler
}

// Run listens until ctx is cancelled, recreating listeners as needed.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.listening {
		m.mu.Unlock()
		return errors.New("subscription manager already running")
	}
	m.listening = true
	m.mu.Unlock()

	m.logger.Info().
		Dur("recreate_interval", m.cfg.RecreateInterval).
		Dur("cooldown", m.cfg.Cooldown).
		Msg("subscription manager started")

	m.listenAll(ctx)

	ticker := time.NewTicker(m.cfg.RecreateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.removeAll()
			m.mu.Lock()
			m.listening = false
			m.mu.Unlock()
			m.logger.Info().Msg("subscription manager stopped")
			return ctx.Err()

		case <-ticker.C:
			m.recreate(ctx, "proactive")

		case le := <-m.errs:
			if !m.currentGen(le.gen) {
				continue
			}
			kind := "transport"
			if errors.Is(le.err, ErrFilterExpired) {
				kind = "filter_expired"
			}
			telemetry.SubscriptionErrors.WithLabelValues(kind).Inc()
			m.logger.Warn().Err(le.err).Str("event", le.event).Msg("listener failed")

			if !m.cooldownElapsed() {
				telemetry.SubscriptionRecreations.WithLabelValues("suppressed").Inc()
				m.logger.Debug().Str("event", le.event).Msg("recreation suppressed by cooldown")
				continue
			}
			m.recreate(ctx, kind)
		}
	}
}

// Status reports listener state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return Status{
		Listening:           m.listening,
		Handlers:            names,
		Active:              len(m.listeners),
		LastRecreateAttempt: m.lastRecreateAttempt,
		Recreations:         m.recreations,
	}
}

func (m *Manager) cooldownElapsed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRecreateAttempt.IsZero() || m.now().Sub(m.lastRecreateAttempt) >= m.cfg.Cooldown
}

func (m *Manager) currentGen(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

// recreate removes every listener, waits the settle interval and registers them again.
func (m *Manager) recreate(ctx context.Context, cause string) {
	m.mu.Lock()
	m.lastRecreateAttempt = m.now()
	m.recreations++
	m.mu.Unlock()
	telemetry.SubscriptionRecreations.WithLabelValues(cause).Inc()
	m.logger.Info().Str("cause", cause).Msg("recreating listeners")

	m.removeAll()

	if m.cfg.SettleInterval > 0 {
		t := time.NewTimer(m.cfg.SettleInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	m.listenAll(ctx)
}

func (m *Manager) removeAll() {
	m.mu.Lock()
	listeners := m.listeners
	m.listeners = make(map[string]Listener)
	m.gen++
	m.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
}

func (m *Manager) listenAll(ctx context.Context) {
	m.mu.Lock()
	handlers := make(map[string]Handler, len(m.handlers))
	for name, h := range m.handlers {
		handlers[name] = h
	}
	gen := m.gen
	m.mu.Unlock()

	failed := 0
	for name, handler := range handlers {
		if err := m.listen(ctx, gen, name, handler); err != nil {
			failed++
			telemetry.SubscriptionErrors.WithLabelValues("register").Inc()
			m.logger.Error().Err(err).Str("event", name).Msg("failed to register listener")
		}
	}
	if failed > 0 {
		m.logger.Warn().Int("failed", failed).Int("total", len(handlers)).Msg("some listeners not registered")
	}
}

func (m *Manager) listen(ctx context.Context, gen uint64, name string, handler Handler) error {
	deliver := func(ev Event) {
		if ev.Name == "" {
			ev.Name = name
		}
		handler(ctx, ev)
	}
	l, err := m.transport.Listen(ctx, name, deliver)
	if err != nil {
		return fmt.Errorf("listen %s: %w", name, err)
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		l.Close()
		return nil
	}
	m.listeners[name] = l
	m.mu.Unlock()

	go func() {
		for err := range l.Err() {
			if err == nil {
				continue
			}
			select {
			case m.errs <- listenerErr{event: name, gen: gen, err: err}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
