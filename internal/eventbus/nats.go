/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/friendsincode/jukebox/internal/events"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSSubjectPrefix is prepended to every event type.
const NATSSubjectPrefix = "jukebox.events."

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL           string
	Token         string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "jukebox",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NATSBus fans notifications out over core NATS subjects. Delivery is at-most-once, which is
// all a fire-and-forget notifier needs.
type NATSBus struct {
	conn   *nats.Conn
	logger zerolog.Logger
	local  *events.Bus
	nodeID string

	mu    sync.Mutex
	relay map[events.EventType]*nats.Subscription
}

// NewNATSBus connects to NATS. Reconnection is handled by the client library.
func NewNATSBus(cfg NATSConfig, nodeID string, logger zerolog.Logger) (*NATSBus, error) {
	logger = logger.With().Str("component", "nats_bus").Logger()

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}

	logger.Info().Str("url", conn.ConnectedUrl()).Msg("nats event bus initialized")
	return &NATSBus{
		conn:   conn,
		logger: logger,
		local:  events.NewBus(),
		nodeID: nodeID,
		relay:  make(map[events.EventType]*nats.Subscription),
	}, nil
}

// Subscribe registers a local subscriber and relays remote events of this type into it.
func (nb *NATSBus) Subscribe(eventType events.EventType) events.Subscriber {
	sub := nb.local.Subscribe(eventType)

	nb.mu.Lock()
	defer nb.mu.Unlock()
	if _, ok := nb.relay[eventType]; ok {
		return sub
	}
	relay, err := nb.conn.Subscribe(NATSSubjectPrefix+string(eventType), func(msg *nats.Msg) {
		decoded, err := unmarshalMessage(msg.Data)
		if err != nil {
			nb.logger.Error().Err(err).Str("subject", msg.Subject).Msg("failed to decode nats notification")
			return
		}
		if decoded.NodeID == nb.nodeID {
			return
		}
		nb.local.Publish(eventType, decoded.Payload)
	})
	if err != nil {
		nb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to subscribe to nats subject")
		return sub
	}
	nb.relay[eventType] = relay
	return sub
}

// Unsubscribe removes a local subscriber.
func (nb *NATSBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	nb.local.Unsubscribe(eventType, sub)
}

// Publish delivers locally and to the subject for other nodes.
func (nb *NATSBus) Publish(eventType events.EventType, payload events.Payload) {
	nb.local.Publish(eventType, payload)

	data, err := marshalMessage(eventType, payload, nb.nodeID)
	if err != nil {
		nb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to encode notification")
		return
	}
	if err := nb.conn.Publish(NATSSubjectPrefix+string(eventType), data); err != nil {
		nb.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("failed to publish to nats")
	}
}

// Close drains subscriptions and closes the connection.
func (nb *NATSBus) Close() error {
	nb.mu.Lock()
	nb.relay = make(map[events.EventType]*nats.Subscription)
	nb.mu.Unlock()
	if err := nb.conn.Drain(); err != nil {
		nb.conn.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
