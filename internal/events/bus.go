/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	EventSongPurchased EventType = "song_purchased"
	EventQueueUpdated  EventType = "queue_updated"
	EventSongStarted   EventType = "song_started"
	EventSongEnded     EventType = "song_ended"
	EventPriceUpdated  EventType = "price_updated"

	// Operational events, not part of the listener-facing feed.
	EventPurchaseRejected EventType = "purchase_rejected"
	EventAdminSkip        EventType = "admin_skip"
)

// BroadcastTypes are the kinds fanned out to websocket clients.
var BroadcastTypes = []EventType{
	EventSongPurchased,
	EventQueueUpdated,
	EventSongStarted,
	EventSongEnded,
	EventPriceUpdated,
}

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Notifier is a one-way, fire-and-forget sink.
type Notifier interface {
	Publish(eventType EventType, payload Payload)
}

// Broker is a Notifier that local subscribers can attach to.
type Broker interface {
	Notifier
	Subscribe(eventType EventType) Subscriber
	Unsubscribe(eventType EventType, sub Subscriber)
}

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 16)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers. Slow subscribers miss events rather than block the caller.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[eventType] {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	b.subs[eventType] = subs
}

// Discard drops every event.
type Discard struct{}

// Publish implements Notifier.
func (Discard) Publish(EventType, Payload) {}
