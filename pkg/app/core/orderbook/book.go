package orderbook

import (
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/shadowswap/pkg/app/core"
	"github.com/uhyunpark/shadowswap/pkg/app/core/fixedpoint"
)

// Config holds the parameters a book is created with.
type Config struct {
	Pair core.Pair

	// FeeBps: protocol fee in basis points (30 = 0.30%), at most 10000.
	// Reported in match statistics only; settlement never deducts it.
	FeeBps uint16

	// MinBaseOrderSize: smallest accepted order in base smallest-units.
	// Prevents dust orders from tying up escrow accounts.
	MinBaseOrderSize uint64

	// BaseDecimals: scale of the base asset (9 for WSOL).
	// Prices are quote units per 10^BaseDecimals base units.
	BaseDecimals uint8

	FeeCollector common.Address
}

// DefaultConfig returns the WSOL/USDC parameters used by devnet bootstrapping.
func DefaultConfig() Config {
	return Config{
		Pair:             core.Pair{Base: "WSOL", Quote: "USDC"},
		FeeBps:           30,
		MinBaseOrderSize: 1_000_000, // 0.001 WSOL
		BaseDecimals:     9,
	}
}

func (c Config) Validate() error {
	if err := c.Pair.Validate(); err != nil {
		return err
	}
	if c.FeeBps > fixedpoint.BpsDenominator {
		return fmt.Errorf("%w: fee_bps %d exceeds %d", core.ErrInvalidConfiguration, c.FeeBps, fixedpoint.BpsDenominator)
	}
	if c.BaseDecimals > fixedpoint.MaxDecimals {
		return fmt.Errorf("%w: base decimals %d exceeds %d", core.ErrInvalidConfiguration, c.BaseDecimals, fixedpoint.MaxDecimals)
	}
	return nil
}

// Book is the per-pair record. It owns the order id allocator and the count
// of open orders.
type Book struct {
	ID    string         `json:"id"`
	Pair  core.Pair      `json:"pair"`
	Admin common.Address `json:"admin"`

	OrderCount   uint64 `json:"order_count"`   // next id; never reused
	ActiveOrders uint64 `json:"active_orders"` // orders in Active or Partial

	FeeBps           uint16         `json:"fee_bps"`
	MinBaseOrderSize uint64         `json:"min_base_order_size"`
	BaseDecimals     uint8          `json:"base_decimals"`
	FeeCollector     common.Address `json:"fee_collector"`

	IsActive    bool   `json:"is_active"`
	TradeCount  uint64 `json:"trade_count"`
	LastTradeAt int64  `json:"last_trade_at"` // unix ms, 0 until the first settlement
	CreatedAt   int64  `json:"created_at"`
}

// NewBook creates an active book with no orders.
func NewBook(admin common.Address, cfg Config, nowMs int64) (*Book, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Book{
		ID:               cfg.Pair.ID(),
		Pair:             cfg.Pair,
		Admin:            admin,
		FeeBps:           cfg.FeeBps,
		MinBaseOrderSize: cfg.MinBaseOrderSize,
		BaseDecimals:     cfg.BaseDecimals,
		FeeCollector:     cfg.FeeCollector,
		IsActive:         true,
		CreatedAt:        nowMs,
	}, nil
}

// DecimalsFactor returns 10^BaseDecimals.
func (b *Book) DecimalsFactor() (uint64, error) {
	return fixedpoint.DecimalsFactor(b.BaseDecimals)
}

// AllocateID hands out the next order id and counts the new order as active.
// Both counters use checked increments.
func (b *Book) AllocateID() (uint64, error) {
	if b.OrderCount == math.MaxUint64 || b.ActiveOrders == math.MaxUint64 {
		return 0, fmt.Errorf("%w: book %s id allocator exhausted", core.ErrArithmeticOverflow, b.ID)
	}
	id := b.OrderCount
	b.OrderCount++
	b.ActiveOrders++
	return id, nil
}

// Release removes n orders from the active count.
func (b *Book) Release(n uint64) error {
	if n > b.ActiveOrders {
		return fmt.Errorf("%w: book %s releasing %d of %d active orders", core.ErrArithmeticOverflow, b.ID, n, b.ActiveOrders)
	}
	b.ActiveOrders -= n
	return nil
}

// RecordTrade stamps LastTradeAt and returns the trade's sequence number.
func (b *Book) RecordTrade(nowMs int64) uint64 {
	seq := b.TradeCount
	b.TradeCount++
	b.LastTradeAt = nowMs
	return seq
}

// CheckAccepting returns ErrOrderBookInactive when the book is paused.
func (b *Book) CheckAccepting() error {
	if !b.IsActive {
		return fmt.Errorf("%w: %s", core.ErrOrderBookInactive, b.ID)
	}
	return nil
}

func (b *Book) Pause()  { b.IsActive = false }
func (b *Book) Resume() { b.IsActive = true }

// CheckOrderSize enforces the book's minimum base size.
func (b *Book) CheckOrderSize(amount uint64) error {
	if amount < b.MinBaseOrderSize {
		return fmt.Errorf("%w: %d < %d", core.ErrOrderTooSmall, amount, b.MinBaseOrderSize)
	}
	return nil
}

// EscrowRequirement returns how much an order must lock: the base amount for
// sells, amount*price/10^decimals of quote for buys.
func (b *Book) EscrowRequirement(side core.Side, price, amount uint64) (core.TokenKind, uint64, error) {
	kind := core.EscrowKind(side)
	if kind == core.Base {
		return kind, amount, nil
	}
	factor, err := b.DecimalsFactor()
	if err != nil {
		return kind, 0, err
	}
	q, err := fixedpoint.QuoteAmount(amount, price, factor)
	if err != nil {
		return kind, 0, err
	}
	return kind, q, nil
}
