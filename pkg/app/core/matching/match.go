// Package matching implements price-time priority matching over revealed
// order fields. Everything here runs on plaintext; callers obtain that
// plaintext through a Boundary and never persist it.
package matching

import (
	"container/heap"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/shadowswap/pkg/app/core"
)

// Order is the in-boundary working copy of an order.
type Order struct {
	ID        uint64
	Book      string
	Owner     common.Address
	Side      core.Side
	Price     uint64
	Amount    uint64 // quantity available to this matching pass
	Timestamp uint64 // priority time
}

func (o *Order) IsBuy() bool  { return o.Side == core.Buy }
func (o *Order) IsSell() bool { return o.Side == core.Sell }

// Result is the outcome of a pairwise match.
type Result struct {
	Matched        uint64
	ExecutionPrice uint64
}

// OK reports whether the pair crossed.
func (r Result) OK() bool { return r.Matched > 0 }

// Match is one crossing pair produced by batch matching.
type Match struct {
	Buy            Order
	Sell           Order
	Matched        uint64
	ExecutionPrice uint64
}

// MakerTimestamp is the priority time of whichever side set the price.
func (m Match) MakerTimestamp() uint64 {
	if m.Buy.Timestamp <= m.Sell.Timestamp {
		return m.Buy.Timestamp
	}
	return m.Sell.Timestamp
}

// CanMatch reports whether a buy at buyPrice crosses a sell at sellPrice.
func CanMatch(buyPrice, sellPrice uint64) bool {
	return buyPrice >= sellPrice
}

// MakerPrice returns the price of the earlier order. Ties favour the buy.
func MakerPrice(buy, sell Order) uint64 {
	if buy.Timestamp <= sell.Timestamp {
		return buy.Price
	}
	return sell.Price
}

// MatchTwoOrders matches one buy against one sell. A non-crossing pair
// yields a zero Result.
func MatchTwoOrders(buy, sell Order) Result {
	if !CanMatch(buy.Price, sell.Price) {
		return Result{}
	}
	return Result{
		Matched:        min(buy.Amount, sell.Amount),
		ExecutionPrice: MakerPrice(buy, sell),
	}
}

// BatchMatchOrders runs a single price-time pass over orders: buys sorted by
// (price desc, time asc), sells by (price asc, time asc), both cursors
// advancing together until the first pair that does not cross. Each order
// participates in at most one match and is matched on its full Amount;
// leftovers must be resubmitted.
func BatchMatchOrders(orders []Order) []Match {
	bids, asks := partition(orders)

	var out []Match
	for bids.Len() > 0 && asks.Len() > 0 {
		buy, sell := bids.Peek(), asks.Peek()
		if !CanMatch(buy.Price, sell.Price) {
			break
		}
		heap.Pop(bids)
		heap.Pop(asks)

		r := MatchTwoOrders(*buy, *sell)
		out = append(out, Match{
			Buy:            *buy,
			Sell:           *sell,
			Matched:        r.Matched,
			ExecutionPrice: r.ExecutionPrice,
		})
	}
	return out
}

// ContinuousMatchOrders is the continuous double auction variant: remaining
// quantity is tracked per order and only the exhausted side advances, so a
// large order can trade against several smaller counter-orders in one pass.
func ContinuousMatchOrders(orders []Order) []Match {
	bids, asks := partition(orders)

	var out []Match
	for bids.Len() > 0 && asks.Len() > 0 {
		buy, sell := bids.Peek(), asks.Peek()
		if !CanMatch(buy.Price, sell.Price) {
			break
		}
		r := MatchTwoOrders(*buy, *sell)
		out = append(out, Match{
			Buy:            *buy,
			Sell:           *sell,
			Matched:        r.Matched,
			ExecutionPrice: r.ExecutionPrice,
		})

		// Only Amount changes; heap order stays valid for the survivor.
		buy.Amount -= r.Matched
		sell.Amount -= r.Matched
		if buy.Amount == 0 {
			heap.Pop(bids)
		}
		if sell.Amount == 0 {
			heap.Pop(asks)
		}
	}
	return out
}

// Mode selects the batch algorithm.
type Mode string

const (
	ModeSinglePass Mode = "single"
	ModeContinuous Mode = "continuous"
)

// Run dispatches to the algorithm for m. Unknown modes fall back to the
// single pass.
func (m Mode) Run(orders []Order) []Match {
	if m == ModeContinuous {
		return ContinuousMatchOrders(orders)
	}
	return BatchMatchOrders(orders)
}
