/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/jukebox/internal/events"
)

func unreachableRedis() RedisConfig {
	cfg := DefaultRedisConfig()
	cfg.Addr = "127.0.0.1:1"
	cfg.DialTimeout = 100 * time.Millisecond
	cfg.CheckInterval = time.Hour
	return cfg
}

func expectPayload(t *testing.T, sub events.Subscriber, key, want string) {
	t.Helper()
	select {
	case p := <-sub:
		if p[key] != want {
			t.Fatalf("payload[%s] = %v, want %s", key, p[key], want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no event with %s=%s", key, want)
	}
}

func TestRedisBusFallsBackToLocalDelivery(t *testing.T) {
	bus := NewRedisBus(unreachableRedis(), "node-a", zerolog.Nop())
	defer bus.Close()

	if !bus.Fallback() {
		t.Fatal("expected fallback with unreachable redis")
	}

	sub := bus.Subscribe(events.EventSongStarted)
	bus.Publish(events.EventSongStarted, events.Payload{"song_id": "a"})
	expectPayload(t, sub, "song_id", "a")
}

func TestWireMessageKeepsNodeID(t *testing.T) {
	data, err := marshalMessage(events.EventSongEnded, events.Payload{"song_id": "x"}, "node-b")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := unmarshalMessage(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.NodeID != "node-b" || msg.EventType != events.EventSongEnded || msg.Payload["song_id"] != "x" {
		t.Fatalf("message = %+v", msg)
	}
	if _, err := unmarshalMessage([]byte("{")); err == nil {
		t.Fatal("expected error for truncated message")
	}
}

func TestRedisBusRelaysBetweenNodes(t *testing.T) {
	addr := os.Getenv("JUKEBOX_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("JUKEBOX_TEST_REDIS_ADDR not set")
	}
	cfg := DefaultRedisConfig()
	cfg.Addr = addr

	a := NewRedisBus(cfg, "node-a", zerolog.Nop())
	defer a.Close()
	b := NewRedisBus(cfg, "node-b", zerolog.Nop())
	defer b.Close()

	subA := a.Subscribe(events.EventQueueUpdated)
	subB := b.Subscribe(events.EventQueueUpdated)
	time.Sleep(200 * time.Millisecond)

	a.Publish(events.EventQueueUpdated, events.Payload{"length": "3"})
	expectPayload(t, subA, "length", "3")
	expectPayload(t, subB, "length", "3")

	// The origin node skips its own relayed copy.
	select {
	case p := <-subA:
		t.Fatalf("duplicate local delivery: %v", p)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNATSBusRelaysBetweenNodes(t *testing.T) {
	url := os.Getenv("JUKEBOX_TEST_NATS_URL")
	if url == "" {
		t.Skip("JUKEBOX_TEST_NATS_URL not set")
	}
	cfg := DefaultNATSConfig()
	cfg.URL = url

	a, err := NewNATSBus(cfg, "node-a", zerolog.Nop())
	if err != nil {
		t.Fatalf("connect a: %v", err)
	}
	defer a.Close()
	b, err := NewNATSBus(cfg, "node-b", zerolog.Nop())
	if err != nil {
		t.Fatalf("connect b: %v", err)
	}
	defer b.Close()

	subB := b.Subscribe(events.EventPriceUpdated)
	if err := b.conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	a.Publish(events.EventPriceUpdated, events.Payload{"new_price": "500"})
	expectPayload(t, subB, "new_price", "500")
}

func TestNATSBusConnectError(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.URL = "nats://127.0.0.1:1"
	cfg.Timeout = 100 * time.Millisecond
	cfg.MaxReconnects = 0
	if _, err := NewNATSBus(cfg, "node-a", zerolog.Nop()); err == nil {
		t.Fatal("expected connect error")
	}
}
