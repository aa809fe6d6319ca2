/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/friendsincode/jukebox/internal/subscription"
)

const maxConsecutivePollFailures = 3

// FilterTransport listens for contract events with eth_newFilter and eth_getFilterChanges.
// Nodes drop idle filters after a few minutes; that surfaces as subscription.ErrFilterExpired.
type FilterTransport struct {
	client       *Client
	pollInterval time.Duration
	logger       zerolog.Logger
}

// NewFilterTransport creates a polling transport.
func NewFilterTransport(client *Client, pollInterval time.Duration, logger zerolog.Logger) *FilterTransport {
	if pollInterval <= 0 {
		pollInterval = 4 * time.Second
	}
	return &FilterTransport{
		client:       client,
		pollInterval: pollInterval,
		logger:       logger.With().Str("component", "filter_transport").Logger(),
	}
}

type filterArg struct {
	Address []common.Address `json:"address"`
	Topics  [][]common.Hash  `json:"topics"`
}

// Listen implements subscription.Transport.
func (t *FilterTransport) Listen(ctx context.Context, event string, deliver func(subscription.Event)) (subscription.Listener, error) {
	abiEvent, ok := JukeboxABI.Events[event]
	if !ok {
		return nil, fmt.Errorf("unknown contract event %q", event)
	}

	var id string
	arg := filterArg{
		Address: []common.Address{t.client.contract},
		Topics:  [][]common.Hash{{abiEvent.ID}},
	}
	if err := t.client.rpc.CallContext(ctx, &id, "eth_newFilter", arg); err != nil {
		return nil, fmt.Errorf("eth_newFilter %s: %w", event, err)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	l := &filterListener{
		transport: t,
		event:     event,
		id:        id,
		deliver:   deliver,
		errs:      make(chan error, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    t.logger.With().Str("event", event).Str("filter_id", id).Logger(),
	}
	go l.poll(pollCtx)
	l.logger.Debug().Msg("filter installed")
	return l, nil
}

type filterListener struct {
	transport *FilterTransport
	event     string
	id        string
	deliver   func(subscription.Event)
	errs      chan error
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
	logger    zerolog.Logger
}

func (l *filterListener) Err() <-chan error { return l.errs }

// Close stops polling and uninstalls the filter. The node may already have dropped it.
func (l *filterListener) Close() {
	l.once.Do(func() {
		l.cancel()
		<-l.done
		close(l.errs)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var removed bool
		if err := l.transport.client.rpc.CallContext(ctx, &removed, "eth_uninstallFilter", l.id); err != nil {
			l.logger.Debug().Err(err).Msg("uninstall filter")
		}
	})
}

func (l *filterListener) poll(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.transport.pollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var logs []types.Log
		err := l.transport.client.rpc.CallContext(ctx, &logs, "eth_getFilterChanges", l.id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isFilterNotFound(err) {
				l.report(fmt.Errorf("%w: %v", subscription.ErrFilterExpired, err))
				return
			}
			failures++
			l.logger.Warn().Err(err).Int("failures", failures).Msg("poll filter changes")
			if failures >= maxConsecutivePollFailures {
				l.report(fmt.Errorf("poll %s: %w", l.event, err))
				return
			}
			continue
		}
		failures = 0

		for _, raw := range logs {
			ev, err := DecodeEvent(raw)
			if err != nil {
				l.logger.Warn().Err(err).Str("tx_hash", raw.TxHash.Hex()).Msg("skipping undecodable log")
				continue
			}
			l.deliver(ev)
		}
	}
}

func (l *filterListener) report(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

func isFilterNotFound(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr interface{ ErrorCode() int }
	msg := strings.ToLower(err.Error())
	if errors.As(err, &rpcErr) && strings.Contains(msg, "filter") {
		return strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist")
	}
	return strings.Contains(msg, "filter not found")
}
