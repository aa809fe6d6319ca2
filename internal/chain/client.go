/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package chain talks to an EVM JSON-RPC node: settlement lookups for payment verification,
// contract event filters for the subscription manager and the current song price.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/friendsincode/jukebox/internal/payment"
)

// Client wraps the RPC connection and the jukebox contract address.
type Client struct {
	rpc      *rpc.Client
	eth      *ethclient.Client
	contract common.Address
	logger   zerolog.Logger
}

// Dial connects to an HTTP or websocket RPC endpoint.
func Dial(ctx context.Context, url string, contract common.Address, logger zerolog.Logger) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	return NewClient(rpcClient, contract, logger), nil
}

// NewClient wraps an existing RPC client.
func NewClient(rpcClient *rpc.Client, contract common.Address, logger zerolog.Logger) *Client {
	return &Client{
		rpc:      rpcClient,
		eth:      ethclient.NewClient(rpcClient),
		contract: contract,
		logger:   logger.With().Str("component", "chain").Logger(),
	}
}

// Contract returns the jukebox contract address.
func (c *Client) Contract() common.Address {
	return c.contract
}

// Close releases the connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// Settlement implements payment.Source.
func (c *Client) Settlement(ctx context.Context, txHash common.Hash) (*payment.Settlement, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, payment.ErrSettlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}

	tx, pending, err := c.eth.TransactionByHash(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) || pending {
		return nil, payment.ErrSettlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}

	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return nil, fmt.Errorf("recover sender: %w", err)
	}
	return BuildSettlement(c.contract, receipt, from, tx.To()), nil
}

// CurrentPrice calls the contract's songPrice() view.
func (c *Client) CurrentPrice(ctx context.Context) (*uint256.Int, error) {
	data, err := JukeboxABI.Pack("songPrice")
	if err != nil {
		return nil, fmt.Errorf("pack songPrice: %w", err)
	}
	contract := c.contract
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call songPrice: %w", err)
	}
	values, err := JukeboxABI.Unpack("songPrice", out)
	if err != nil {
		return nil, fmt.Errorf("unpack songPrice: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("songPrice returned %d values", len(values))
	}
	price, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("songPrice returned %T", values[0])
	}
	amount, overflow := uint256.FromBig(price)
	if overflow {
		return nil, errors.New("songPrice overflows uint256")
	}
	return amount, nil
}
