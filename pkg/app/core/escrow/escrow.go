package escrow

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/shadowswap/pkg/app/core"
)

// Escrow is the accounting record for funds locked against one order.
// Buys lock quote, sells lock base.
type Escrow struct {
	Book    string         `json:"book"`
	OrderID uint64         `json:"order_id"`
	Owner   common.Address `json:"owner"`
	Kind    core.TokenKind `json:"kind"`
	Asset   string         `json:"asset"`

	AmountDeposited uint64 `json:"amount_deposited"`
	AmountRemaining uint64 `json:"amount_remaining"`
}

// New creates a fully funded escrow.
func New(book string, orderID uint64, owner common.Address, kind core.TokenKind, asset string, amount uint64) *Escrow {
	return &Escrow{
		Book:            book,
		OrderID:         orderID,
		Owner:           owner,
		Kind:            kind,
		Asset:           asset,
		AmountDeposited: amount,
		AmountRemaining: amount,
	}
}

// Released returns how much has left the escrow so far.
func (e *Escrow) Released() uint64 {
	return e.AmountDeposited - e.AmountRemaining
}

// CheckDebit returns ErrInsufficientEscrow if amount cannot be paid out.
func (e *Escrow) CheckDebit(amount uint64) error {
	if amount > e.AmountRemaining {
		return fmt.Errorf("%w: escrow for order %d holds %d %s, need %d",
			core.ErrInsufficientEscrow, e.OrderID, e.AmountRemaining, e.Asset, amount)
	}
	return nil
}

// Debit pays amount out of the escrow.
func (e *Escrow) Debit(amount uint64) error {
	if err := e.CheckDebit(amount); err != nil {
		return err
	}
	e.AmountRemaining -= amount
	return nil
}

// Drain empties the escrow and returns what was left.
func (e *Escrow) Drain() uint64 {
	left := e.AmountRemaining
	e.AmountRemaining = 0
	return left
}

// Validate checks escrow invariants
func (e *Escrow) Validate() error {
	if e.AmountRemaining > e.AmountDeposited {
		return fmt.Errorf("escrow for order %d: remaining (%d) exceeds deposited (%d)", e.OrderID, e.AmountRemaining, e.AmountDeposited)
	}
	return nil
}
