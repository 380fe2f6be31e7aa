package orderbook

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/shadowswap/pkg/app/core"
)

// OrderStatus represents the lifecycle state of an order.
//
//	Active ──fill──> Partial ──fill──> Filled
//	   │                │
//	   └────cancel──────┴────────────> Cancelled
//
// Filled and Cancelled are terminal.
type OrderStatus int8

const (
	StatusActive OrderStatus = iota + 1
	StatusPartial
	StatusFilled
	StatusCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPartial:
		return "partial"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s OrderStatus) MarshalText() ([]byte, error) {
	if s < StatusActive || s > StatusCancelled {
		return nil, fmt.Errorf("unknown order status %d", s)
	}
	return []byte(s.String()), nil
}

func (s *OrderStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "active":
		*s = StatusActive
	case "partial":
		*s = StatusPartial
	case "filled":
		*s = StatusFilled
	case "cancelled":
		*s = StatusCancelled
	default:
		return fmt.Errorf("unknown order status %q", b)
	}
	return nil
}

// Open reports whether the order can still be matched or cancelled.
func (s OrderStatus) Open() bool { return s == StatusActive || s == StatusPartial }

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool { return s == StatusFilled || s == StatusCancelled }

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to OrderStatus) bool {
	if !from.Open() {
		return false
	}
	switch to {
	case StatusPartial, StatusFilled, StatusCancelled:
		return true
	default:
		return false
	}
}

// Order is the engine's record of a confidential order.
//
// Price only exists inside the computation boundary and is never persisted;
// Amount and Remaining are base-asset smallest units.
type Order struct {
	ID        uint64         `json:"id"`
	Book      string         `json:"book"`
	Owner     common.Address `json:"owner"`
	Side      core.Side      `json:"side"`
	Price     uint64         `json:"-"`
	Amount    uint64         `json:"amount"`
	Remaining uint64         `json:"remaining"`
	Timestamp uint64         `json:"timestamp"` // priority time, unix ms
	Status    OrderStatus    `json:"status"`

	CipherPayload []byte   `json:"cipher_payload"`
	PayloadDigest [32]byte `json:"payload_digest"`
	ScopeKey      []byte   `json:"scope_key,omitempty"` // owner's sealing public key

	// Timestamps (Unix milliseconds)
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// NewOrder creates an Active order with Remaining == Amount.
func NewOrder(id uint64, book string, owner common.Address, side core.Side, price, amount uint64, nowMs int64) (*Order, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("%w: side %d", core.ErrInvalidOrder, side)
	}
	if amount == 0 {
		return nil, fmt.Errorf("%w: zero amount", core.ErrInvalidOrder)
	}
	if price == 0 {
		return nil, fmt.Errorf("%w: zero price", core.ErrInvalidOrder)
	}
	return &Order{
		ID:        id,
		Book:      book,
		Owner:     owner,
		Side:      side,
		Price:     price,
		Amount:    amount,
		Remaining: amount,
		Timestamp: uint64(nowMs),
		Status:    StatusActive,
		CreatedAt: nowMs,
		UpdatedAt: nowMs,
	}, nil
}

// Filled returns the quantity matched so far.
func (o *Order) Filled() uint64 {
	return o.Amount - o.Remaining
}

// Cancel moves an open order to Cancelled. Only the owner may cancel.
func (o *Order) Cancel(caller common.Address, nowMs int64) error {
	if !o.Status.Open() {
		return fmt.Errorf("%w: cannot cancel order %d in status %s", core.ErrInvalidOrderStatus, o.ID, o.Status)
	}
	if caller != o.Owner {
		return fmt.Errorf("%w: %s does not own order %d", core.ErrUnauthorized, caller.Hex(), o.ID)
	}
	o.Status = StatusCancelled
	o.UpdatedAt = nowMs
	return nil
}

// Fill applies a matched quantity. The order becomes Filled when nothing
// remains, Partial otherwise. On error the order is unchanged.
func (o *Order) Fill(matched uint64, nowMs int64) error {
	if err := o.CheckFill(matched); err != nil {
		return err
	}
	o.Remaining -= matched
	if o.Remaining == 0 {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartial
	}
	o.UpdatedAt = nowMs
	return nil
}

// CheckFill validates a fill without applying it.
func (o *Order) CheckFill(matched uint64) error {
	if !o.Status.Open() {
		return fmt.Errorf("%w: order %d is %s", core.ErrInvalidOrderStatus, o.ID, o.Status)
	}
	if matched == 0 {
		return fmt.Errorf("%w: zero fill for order %d", core.ErrInvalidOrder, o.ID)
	}
	if matched > o.Remaining {
		return fmt.Errorf("%w: order %d has %d, fill %d", core.ErrExceedsRemaining, o.ID, o.Remaining, matched)
	}
	return nil
}

// Validate checks order invariants.
func (o *Order) Validate() error {
	if o.Remaining > o.Amount {
		return fmt.Errorf("order %d remaining (%d) exceeds amount (%d)", o.ID, o.Remaining, o.Amount)
	}
	if o.Remaining == 0 && o.Status != StatusFilled {
		return fmt.Errorf("order %d fully consumed but status is %s", o.ID, o.Status)
	}
	if o.Status == StatusFilled && o.Remaining != 0 {
		return fmt.Errorf("order %d filled with %d remaining", o.ID, o.Remaining)
	}
	return nil
}
