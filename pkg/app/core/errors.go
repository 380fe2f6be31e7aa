package core

import "errors"

// Error taxonomy shared by the lifecycle, matching and settlement packages.
// Every failure is a local validation failure: callers may assume no state
// changed when one of these is returned.
var (
	ErrInvalidOrderStatus   = errors.New("invalid order status")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrArithmeticOverflow   = errors.New("arithmetic overflow")
	ErrInsufficientEscrow   = errors.New("insufficient escrow")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrOrderBookInactive    = errors.New("order book inactive")
	ErrPayloadTooLarge      = errors.New("payload too large")
	ErrInvalidExpiry        = errors.New("invalid expiry")

	ErrOrderTooSmall    = errors.New("order below minimum size")
	ErrExceedsRemaining = errors.New("fill exceeds remaining amount")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrInvalidOrder     = errors.New("invalid order")
)
