// Package events defines the audit records the engine emits and the sinks
// that carry them off-engine. Delivery is fire-and-forget: a failing sink is
// logged and never fails the operation that produced the event.
package events

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/uhyunpark/shadowswap/pkg/app/core/matching"
)

type Kind string

const (
	KindTradeSettled   Kind = "trade_settled"
	KindMatchQueued    Kind = "match_queued"
	KindOrderPlaced    Kind = "order_placed"
	KindOrderCancelled Kind = "order_cancelled"
)

// Event is the envelope every sink receives. Exactly one payload is set.
type Event struct {
	Kind      Kind   `json:"kind"`
	Book      string `json:"book"`
	Timestamp int64  `json:"timestamp"` // unix ms

	Trade *TradeSettled `json:"trade,omitempty"`
	Match *MatchQueued  `json:"match,omitempty"`
	Order *OrderEvent   `json:"order,omitempty"`
}

// TradeSettled is the audit record of one settlement. It is a pure function
// of the settlement inputs, so replaying a settlement reproduces it bit for
// bit.
type TradeSettled struct {
	Book           string         `json:"book"`
	Buyer          common.Address `json:"buyer"`
	Seller         common.Address `json:"seller"`
	BuyerOrderID   uint64         `json:"buyer_order_id"`
	SellerOrderID  uint64         `json:"seller_order_id"`
	BaseAmount     uint64         `json:"base_amount"`
	QuoteAmount    uint64         `json:"quote_amount"`
	ExecutionPrice uint64         `json:"execution_price"`
	Timestamp      int64          `json:"timestamp"`
}

// Encode returns the canonical byte layout:
//
//	u16 len(book) | book | buyer(20) | seller(20) | buyer_order_id | seller_order_id |
//	base_amount | quote_amount | execution_price | timestamp
//
// All integers are big-endian.
func (t *TradeSettled) Encode() []byte {
	buf := make([]byte, 0, 2+len(t.Book)+40+6*8)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(t.Book)))
	buf = append(buf, t.Book...)
	buf = append(buf, t.Buyer.Bytes()...)
	buf = append(buf, t.Seller.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, t.BuyerOrderID)
	buf = binary.BigEndian.AppendUint64(buf, t.SellerOrderID)
	buf = binary.BigEndian.AppendUint64(buf, t.BaseAmount)
	buf = binary.BigEndian.AppendUint64(buf, t.QuoteAmount)
	buf = binary.BigEndian.AppendUint64(buf, t.ExecutionPrice)
	buf = binary.BigEndian.AppendUint64(buf, uint64(t.Timestamp))
	return buf
}

// Digest is keccak256 over Encode.
func (t *TradeSettled) Digest() common.Hash {
	return crypto.Keccak256Hash(t.Encode())
}

// MatchQueued announces a match whose outcome is sealed to each owner.
type MatchQueued struct {
	Book          string                `json:"book"`
	Buyer         common.Address        `json:"buyer"`
	Seller        common.Address        `json:"seller"`
	BuyerOrderID  uint64                `json:"buyer_order_id"`
	SellerOrderID uint64                `json:"seller_order_id"`
	BuyerResult   matching.SealedResult `json:"buyer_result"`
	SellerResult  matching.SealedResult `json:"seller_result"`
	Timestamp     int64                 `json:"timestamp"`
}

// OrderEvent reports a placement or cancellation. Economic fields stay
// sealed; only the payload digest is published.
type OrderEvent struct {
	Book          string         `json:"book"`
	OrderID       uint64         `json:"order_id"`
	Owner         common.Address `json:"owner"`
	Status        string         `json:"status"`
	PayloadDigest common.Hash    `json:"payload_digest"`
	Refunded      uint64         `json:"refunded,omitempty"`
}

func NewTradeSettled(t TradeSettled) Event {
	return Event{Kind: KindTradeSettled, Book: t.Book, Timestamp: t.Timestamp, Trade: &t}
}

func NewMatchQueued(m MatchQueued) Event {
	return Event{Kind: KindMatchQueued, Book: m.Book, Timestamp: m.Timestamp, Match: &m}
}

func NewOrderEvent(kind Kind, o OrderEvent, ts int64) Event {
	return Event{Kind: kind, Book: o.Book, Timestamp: ts, Order: &o}
}

// Sink receives events.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout delivers to every sink and logs failures instead of returning them.
type Fanout struct {
	sinks  []Sink
	logger *zap.Logger
}

func NewFanout(logger *zap.Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{sinks: sinks, logger: logger.Named("events")}
}

// Add registers another sink. Not safe for use concurrently with Publish.
func (f *Fanout) Add(s Sink) {
	f.sinks = append(f.sinks, s)
}

func (f *Fanout) Publish(ctx context.Context, ev Event) error {
	for _, s := range f.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			f.logger.Warn("event sink failed",
				zap.String("kind", string(ev.Kind)),
				zap.String("book", ev.Book),
				zap.Error(err))
		}
	}
	return nil
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind filters recorded events.
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}
