/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/friendsincode/jukebox/internal/content"
	"github.com/friendsincode/jukebox/internal/events"
	"github.com/friendsincode/jukebox/internal/models"
	"github.com/friendsincode/jukebox/internal/payment"
	"github.com/friendsincode/jukebox/internal/playback"
	"github.com/friendsincode/jukebox/internal/subscription"
)

const (
	buyer  = "0x4000000000000000000000000000000000000004"
	hashA  = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	hashB  = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	videoA = "dQw4w9WgXcQ"
)

type fakeVerifier struct {
	mu      sync.Mutex
	reject  bool
	err     error
	lastMin *uint256.Int
}

func (v *fakeVerifier) Verify(_ context.Context, txHash string, exp payment.Expected) (*payment.VerifiedPayment, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastMin = exp.MinPrice
	if v.err != nil {
		return nil, v.err
	}
	if v.reject {
		return nil, nil
	}
	return &payment.VerifiedPayment{
		TxHash:    common.HexToHash(txHash),
		Buyer:     exp.Payer,
		ContentID: exp.ContentID,
		Amount:    uint256.NewInt(1000),
		Strategy:  "direct_call",
	}, nil
}

type memLedger struct {
	mu      sync.Mutex
	claimed map[string]bool
}

func newMemLedger() *memLedger { return &memLedger{claimed: map[string]bool{}} }

func (l *memLedger) Claim(_ context.Context, h string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.claimed[h] {
		return false, nil
	}
	l.claimed[h] = true
	return true, nil
}

func (l *memLedger) IsClaimed(_ context.Context, h string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.claimed[h], nil
}

func (l *memLedger) Release(_ context.Context, h string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.claimed, h)
	return nil
}

type fakeValidator struct {
	rejected map[string]bool
}

func (v fakeValidator) Validate(_ context.Context, id string) (*content.Metadata, error) {
	if v.rejected[id] {
		return nil, content.ErrRejected
	}
	return &content.Metadata{ContentID: id, Title: "Song " + id, Creator: "Artist", DurationSeconds: 180}, nil
}

type fakeQueue struct {
	mu    sync.Mutex
	full  bool
	fail  error
	songs []models.Song
}

func (q *fakeQueue) Ingest(_ context.Context, song models.Song) (playback.IngestResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return playback.IngestResult{}, q.fail
	}
	song.ID = "song-" + song.TransactionHash[2:6]
	song.QueuePosition = len(q.songs)
	q.songs = append(q.songs, song)
	return playback.IngestResult{Song: song, Queued: true}, nil
}

func (q *fakeQueue) Full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.full
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []events.EventType
}

func (n *recordingNotifier) Publish(t events.EventType, _ events.Payload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, t)
}

func (n *recordingNotifier) count(t events.EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e == t {
			c++
		}
	}
	return c
}

type fixture struct {
	pipeline *Pipeline
	verifier *fakeVerifier
	ledger   *memLedger
	queue    *fakeQueue
	notifier *recordingNotifier
	prices   *PriceBook
}

func newFixture(rejected ...string) *fixture {
	f := &fixture{
		verifier: &fakeVerifier{},
		ledger:   newMemLedger(),
		queue:    &fakeQueue{},
		notifier: &recordingNotifier{},
		prices:   NewPriceBook(uint256.NewInt(100), nil, nil, zerolog.Nop()),
	}
	bad := map[string]bool{}
	for _, id := range rejected {
		bad[id] = true
	}
	f.pipeline = NewPipeline(Deps{
		Verifier:  f.verifier,
		Ledger:    f.ledger,
		Validator: fakeValidator{rejected: bad},
		Queue:     f.queue,
		Notifier:  f.notifier,
		Prices:    f.prices,
	}, zerolog.Nop())
	return f
}

func purchaseEvent(hash, contentID string) subscription.Event {
	return subscription.Event{
		Name:    subscription.EventSongPurchased,
		TxHash:  hash,
		Payload: subscription.Purchase{Buyer: buyer, ContentID: contentID, Amount: "1000"},
	}
}

func TestHandlePurchase_Queues(t *testing.T) {
	f := newFixture()
	if got := f.pipeline.HandlePurchase(context.Background(), purchaseEvent(hashA, videoA)); got != ResultQueued {
		t.Fatalf("result = %s, want queued", got)
	}
	if len(f.queue.songs) != 1 {
		t.Fatalf("queued songs = %d", len(f.queue.songs))
	}
	s := f.queue.songs[0]
	if s.TransactionHash != hashA || s.ContentID != videoA || s.Title != "Song "+videoA || s.DurationSeconds != 180 || s.Price != "1000" {
		t.Fatalf("song = %+v", s)
	}
	if s.PayerAddress != common.HexToAddress(buyer).Hex() {
		t.Fatalf("payer = %s", s.PayerAddress)
	}
	if f.notifier.count(events.EventSongPurchased) != 1 {
		t.Fatal("song_purchased not published")
	}
}

func TestHandlePurchase_DuplicateDelivery(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan Result, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- f.pipeline.HandlePurchase(ctx, purchaseEvent(hashA, videoA))
		}()
	}
	wg.Wait()
	close(results)

	counts := map[Result]int{}
	for r := range results {
		counts[r]++
	}
	if counts[ResultQueued] != 1 || counts[ResultDuplicate] != 9 {
		t.Fatalf("results = %v", counts)
	}
	if len(f.queue.songs) != 1 {
		t.Fatalf("songs = %d, want exactly one", len(f.queue.songs))
	}

	// Upper-case redelivery of the same hash is still a duplicate.
	upper := "0x" + "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	if got := f.pipeline.HandlePurchase(ctx, purchaseEvent(upper, videoA)); got != ResultDuplicate {
		t.Fatalf("case variant = %s, want duplicate", got)
	}
}

func TestHandlePurchase_ClaimedHashSkipsVerification(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if _, err := f.ledger.Claim(ctx, hashB); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if got := f.pipeline.HandlePurchase(ctx, purchaseEvent(hashB, videoA)); got != ResultDuplicate {
		t.Fatalf("result = %s, want duplicate", got)
	}
	if f.verifier.lastMin != nil {
		t.Fatal("verifier ran for an already claimed hash")
	}
}

func TestHandlePurchase_DropBranches(t *testing.T) {
	ctx := context.Background()

	t.Run("verification failed", func(t *testing.T) {
		f := newFixture()
		f.verifier.reject = true
		if got := f.pipeline.HandlePurchase(ctx, purchaseEvent(hashA, videoA)); got != ResultVerificationFailed {
			t.Fatalf("result = %s", got)
		}
		if f.ledger.claimed[hashA] {
			t.Fatal("unverified purchase consumed the ledger")
		}
	})

	t.Run("queue full", func(t *testing.T) {
		f := newFixture()
		f.queue.full = true
		if got := f.pipeline.HandlePurchase(ctx, purchaseEvent(hashA, videoA)); got != ResultQueueFull {
			t.Fatalf("result = %s", got)
		}
		if len(f.queue.songs) != 0 {
			t.Fatal("song appended to a full queue")
		}
	})

	t.Run("content rejected", func(t *testing.T) {
		f := newFixture(videoA)
		if got := f.pipeline.HandlePurchase(ctx, purchaseEvent(hashA, videoA)); got != ResultContentRejected {
			t.Fatalf("result = %s", got)
		}
		if f.notifier.count(events.EventSongPurchased) != 0 {
			t.Fatal("rejected content was announced")
		}
	})

	t.Run("removed by reorg", func(t *testing.T) {
		f := newFixture()
		ev := purchaseEvent(hashA, videoA)
		ev.Removed = true
		if got := f.pipeline.HandlePurchase(ctx, ev); got != ResultIgnored {
			t.Fatalf("result = %s", got)
		}
	})

	t.Run("verifier fault", func(t *testing.T) {
		f := newFixture()
		f.verifier.err = errors.New("rpc down")
		if got := f.pipeline.HandlePurchase(ctx, purchaseEvent(hashA, videoA)); got != ResultError {
			t.Fatalf("result = %s", got)
		}
		if f.ledger.claimed[hashA] {
			t.Fatal("claim recorded despite verifier fault")
		}
	})
}

func TestHandlePurchase_StorageFaultReleasesClaim(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.queue.fail = errors.New("database is locked")
	if got := f.pipeline.HandlePurchase(ctx, purchaseEvent(hashB, videoA)); got != ResultError {
		t.Fatalf("result = %s, want error", got)
	}
	if f.ledger.claimed[hashB] {
		t.Fatal("claim kept after storage fault")
	}

	f.queue.fail = nil
	if got := f.pipeline.HandlePurchase(ctx, purchaseEvent(hashB, videoA)); got != ResultQueued {
		t.Fatalf("redelivery = %s, want queued", got)
	}
}

func TestHandlePriceChanged(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.pipeline.HandlePriceChanged(ctx, subscription.Event{
		Name:    subscription.EventPriceUpdated,
		Payload: subscription.PriceChange{OldPrice: "100", NewPrice: "500"},
	})
	if f.notifier.count(events.EventPriceUpdated) != 1 {
		t.Fatal("price_updated not published")
	}
	// The previous price is still honoured for in-flight purchases.
	if got := f.prices.MinAccepted(); got.Uint64() != 100 {
		t.Fatalf("min accepted = %s, want 100", got.Dec())
	}

	f.pipeline.HandlePriceChanged(ctx, subscription.Event{
		Payload: subscription.PriceChange{OldPrice: "500", NewPrice: "800"},
	})
	if got := f.prices.MinAccepted(); got.Uint64() != 500 {
		t.Fatalf("min accepted = %s, want 500", got.Dec())
	}

	f.pipeline.HandlePurchase(ctx, purchaseEvent(hashA, videoA))
	if f.verifier.lastMin == nil || f.verifier.lastMin.Uint64() != 500 {
		t.Fatalf("verifier min price = %v", f.verifier.lastMin)
	}

	current, err := f.prices.CurrentPrice(ctx)
	if err != nil || current.Uint64() != 800 {
		t.Fatalf("current = %v, %v", current, err)
	}
}

func TestPriceBook_NeverBelowFloor(t *testing.T) {
	p := NewPriceBook(uint256.NewInt(300), nil, nil, zerolog.Nop())
	p.Update(context.Background(), uint256.NewInt(50), uint256.NewInt(100))
	if got := p.MinAccepted(); got.Uint64() != 300 {
		t.Fatalf("min accepted = %s, want floor 300", got.Dec())
	}
}

type fakeLookup struct {
	mu    sync.Mutex
	price *uint256.Int
	err   error
	calls int
}

func (l *fakeLookup) CurrentPrice(context.Context) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.price.Clone(), nil
}

func (l *fakeLookup) set(price uint64) {
	l.mu.Lock()
	l.price = uint256.NewInt(price)
	l.mu.Unlock()
}

func TestPriceBook_SeedUsesContractPrice(t *testing.T) {
	ctx := context.Background()
	lookup := &fakeLookup{price: uint256.NewInt(1000)}
	p := NewPriceBook(new(uint256.Int), lookup, nil, zerolog.Nop())

	if err := p.Seed(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if got := p.MinAccepted(); got.Uint64() != 1000 {
		t.Fatalf("min accepted = %s, want 1000", got.Dec())
	}

	// Reading the unchanged price must not bring the floor back as a previous price.
	if _, err := p.CurrentPrice(ctx); err != nil {
		t.Fatalf("current price: %v", err)
	}
	if got := p.MinAccepted(); got.Uint64() != 1000 {
		t.Fatalf("min accepted = %s, want 1000", got.Dec())
	}

	if err := p.Seed(ctx); err != nil || lookup.calls != 2 {
		t.Fatalf("second seed: err=%v calls=%d, want no extra lookup", err, lookup.calls)
	}
}

func TestPriceBook_FirstObservedPriceCounts(t *testing.T) {
	ctx := context.Background()
	lookup := &fakeLookup{price: uint256.NewInt(1000)}
	p := NewPriceBook(new(uint256.Int), lookup, nil, zerolog.Nop())

	if got, err := p.CurrentPrice(ctx); err != nil || got.Uint64() != 1000 {
		t.Fatalf("current = %v, %v", got, err)
	}
	if got := p.MinAccepted(); got.Uint64() != 1000 {
		t.Fatalf("min accepted = %s, want 1000", got.Dec())
	}

	// A missed PriceUpdated still leaves the old price as grace.
	lookup.set(1200)
	if _, err := p.CurrentPrice(ctx); err != nil {
		t.Fatalf("current price: %v", err)
	}
	if got := p.MinAccepted(); got.Uint64() != 1000 {
		t.Fatalf("min accepted = %s, want 1000", got.Dec())
	}
}

func TestHandlePurchase_SeedsPriceBeforeVerifying(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	lookup := &fakeLookup{err: errors.New("rpc down")}
	f.prices = NewPriceBook(new(uint256.Int), lookup, nil, zerolog.Nop())
	f.pipeline.prices = f.prices

	if got := f.pipeline.HandlePurchase(ctx, purchaseEvent(hashA, videoA)); got != ResultError {
		t.Fatalf("result = %s, want error while price is unknown", got)
	}
	if f.verifier.lastMin != nil {
		t.Fatal("verifier must not run without a known price")
	}
	if claimed, _ := f.ledger.Claim(ctx, hashA); !claimed {
		t.Fatal("hash must stay unclaimed for redelivery")
	}
	_ = f.ledger.Release(ctx, hashA)

	lookup.mu.Lock()
	lookup.err = nil
	lookup.price = uint256.NewInt(1000)
	lookup.mu.Unlock()
	if got := f.pipeline.HandlePurchase(ctx, purchaseEvent(hashA, videoA)); got != ResultQueued {
		t.Fatalf("result = %s, want queued", got)
	}
	if f.verifier.lastMin == nil || f.verifier.lastMin.Uint64() != 1000 {
		t.Fatalf("verifier min price = %v, want 1000", f.verifier.lastMin)
	}
}

func TestHandlePurchaseRejected(t *testing.T) {
	f := newFixture()
	f.pipeline.HandlePurchaseRejected(context.Background(), subscription.Event{
		Name:    subscription.EventPurchaseRejected,
		Payload: subscription.PurchaseRejection{Buyer: buyer, ContentID: videoA, Reason: "paused"},
	})
	if f.notifier.count(events.EventPurchaseRejected) != 1 {
		t.Fatal("purchase_rejected not published")
	}
}
