package core

import (
	"fmt"
	"strings"
)

type Side int8

const (
	Buy  Side = 0
	Sell Side = 1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Valid reports whether s is Buy or Sell.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// TokenKind names which leg of the pair an escrow or transfer holds.
type TokenKind int8

const (
	Base TokenKind = iota
	Quote
)

func (k TokenKind) String() string {
	switch k {
	case Base:
		return "base"
	case Quote:
		return "quote"
	default:
		return "unknown"
	}
}

// EscrowKind returns the asset an order of side s must lock:
// buys lock quote, sells lock base.
func EscrowKind(s Side) TokenKind {
	if s == Buy {
		return Quote
	}
	return Base
}

// Pair identifies the two assets traded on a book (e.g. WSOL/USDC).
type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// ID returns the book identifier "BASE-QUOTE".
func (p Pair) ID() string {
	return strings.ToUpper(p.Base) + "-" + strings.ToUpper(p.Quote)
}

// Asset resolves a token kind to the concrete asset symbol.
func (p Pair) Asset(k TokenKind) string {
	if k == Quote {
		return p.Quote
	}
	return p.Base
}

func (p Pair) Validate() error {
	if p.Base == "" || p.Quote == "" {
		return fmt.Errorf("%w: pair assets must be set", ErrInvalidConfiguration)
	}
	if strings.EqualFold(p.Base, p.Quote) {
		return fmt.Errorf("%w: base and quote must differ (%s)", ErrInvalidConfiguration, p.Base)
	}
	if strings.Contains(p.Base, ":") || strings.Contains(p.Quote, ":") ||
		strings.Contains(p.Base, "-") || strings.Contains(p.Quote, "-") {
		return fmt.Errorf("%w: asset symbols may not contain ':' or '-'", ErrInvalidConfiguration)
	}
	return nil
}
