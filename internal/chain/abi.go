/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/friendsincode/jukebox/internal/payment"
	"github.com/friendsincode/jukebox/internal/subscription"
)

const jukeboxABIJSON = `[
	{"type":"event","name":"SongPurchased","anonymous":false,"inputs":[
		{"name":"buyer","type":"address","indexed":true},
		{"name":"videoId","type":"string","indexed":false},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"PriceUpdated","anonymous":false,"inputs":[
		{"name":"oldPrice","type":"uint256","indexed":false},
		{"name":"newPrice","type":"uint256","indexed":false}]},
	{"type":"event","name":"PurchaseRejected","anonymous":false,"inputs":[
		{"name":"buyer","type":"address","indexed":true},
		{"name":"videoId","type":"string","indexed":false},
		{"name":"reason","type":"string","indexed":false}]},
	{"type":"function","name":"songPrice","stateMutability":"view","inputs":[],
		"outputs":[{"name":"","type":"uint256"}]}
]`

// JukeboxABI is the parsed contract interface.
var JukeboxABI = mustParseABI(jukeboxABIJSON)

// TransferTopic is the ERC-20 Transfer(address,address,uint256) event id.
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

var errUnknownLog = errors.New("log does not match a known event")

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse jukebox abi: %v", err))
	}
	return parsed
}

// DecodeEvent converts a contract log into a subscription event.
func DecodeEvent(l types.Log) (subscription.Event, error) {
	ev := subscription.Event{
		TxHash:      l.TxHash.Hex(),
		BlockNumber: l.BlockNumber,
		Index:       l.Index,
		Removed:     l.Removed,
	}
	if len(l.Topics) == 0 {
		return ev, errUnknownLog
	}

	event, err := JukeboxABI.EventByID(l.Topics[0])
	if err != nil {
		return ev, errUnknownLog
	}
	values, err := JukeboxABI.Unpack(event.Name, l.Data)
	if err != nil {
		return ev, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	ev.Name = event.Name

	switch event.Name {
	case subscription.EventSongPurchased:
		if len(l.Topics) < 2 || len(values) != 2 {
			return ev, fmt.Errorf("malformed %s log", event.Name)
		}
		amount, _ := values[1].(*big.Int)
		ev.Payload = subscription.Purchase{
			Buyer:     common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
			ContentID: values[0].(string),
			Amount:    bigString(amount),
		}
	case subscription.EventPriceUpdated:
		if len(values) != 2 {
			return ev, fmt.Errorf("malformed %s log", event.Name)
		}
		oldPrice, _ := values[0].(*big.Int)
		newPrice, _ := values[1].(*big.Int)
		ev.Payload = subscription.PriceChange{OldPrice: bigString(oldPrice), NewPrice: bigString(newPrice)}
	case subscription.EventPurchaseRejected:
		if len(l.Topics) < 2 || len(values) != 2 {
			return ev, fmt.Errorf("malformed %s log", event.Name)
		}
		ev.Payload = subscription.PurchaseRejection{
			Buyer:     common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
			ContentID: values[0].(string),
			Reason:    values[1].(string),
		}
	default:
		return ev, errUnknownLog
	}
	return ev, nil
}

// BuildSettlement extracts purchase and transfer sub-events from a receipt.
func BuildSettlement(contract common.Address, receipt *types.Receipt, from common.Address, to *common.Address) *payment.Settlement {
	s := &payment.Settlement{
		TxHash:  receipt.TxHash,
		Success: receipt.Status == types.ReceiptStatusSuccessful,
		From:    from,
		To:      to,
	}
	if receipt.BlockNumber != nil {
		s.BlockNumber = receipt.BlockNumber.Uint64()
	}

	for _, l := range receipt.Logs {
		if l == nil || len(l.Topics) == 0 {
			continue
		}
		switch {
		case l.Topics[0] == TransferTopic && len(l.Topics) == 3:
			amount, overflow := uint256.FromBig(new(big.Int).SetBytes(l.Data))
			if overflow {
				continue
			}
			s.Transfers = append(s.Transfers, payment.Transfer{
				Token:  l.Address,
				From:   common.BytesToAddress(l.Topics[1].Bytes()),
				To:     common.BytesToAddress(l.Topics[2].Bytes()),
				Amount: amount,
			})
		case l.Address == contract:
			ev, err := DecodeEvent(*l)
			if err != nil {
				continue
			}
			purchase, ok := ev.Payload.(subscription.Purchase)
			if !ok {
				continue
			}
			amount, err := uint256.FromDecimal(purchase.Amount)
			if err != nil {
				continue
			}
			s.Purchases = append(s.Purchases, payment.PurchaseLog{
				Contract:  l.Address,
				Buyer:     common.HexToAddress(purchase.Buyer),
				ContentID: purchase.ContentID,
				Amount:    amount,
			})
		}
	}
	return s
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
