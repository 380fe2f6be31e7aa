// Package auth implements the time-boxed capability that gates who may
// submit match and settlement operations for a book.
package auth

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/shadowswap/pkg/app/core"
)

// Token authorizes one authority (the keeper) on one book until ExpiresAt.
type Token struct {
	Authority common.Address `json:"authority"`
	Book      string         `json:"book"`
	Nonce     uint64         `json:"nonce"`      // last accepted settlement nonce
	ExpiresAt int64          `json:"expires_at"` // unix ms
	Active    bool           `json:"active"`
	IssuedAt  int64          `json:"issued_at"`
}

// Issue creates an active token. expiresAt must lie strictly in the future.
func Issue(authority common.Address, book string, expiresAt, nowMs int64) (*Token, error) {
	if expiresAt <= nowMs {
		return nil, fmt.Errorf("%w: expires_at %d is not after now %d", core.ErrInvalidExpiry, expiresAt, nowMs)
	}
	return &Token{
		Authority: authority,
		Book:      book,
		ExpiresAt: expiresAt,
		Active:    true,
		IssuedAt:  nowMs,
	}, nil
}

// Check reports whether t is usable at now.
func Check(t *Token, nowMs int64) bool {
	return t != nil && t.Active && nowMs < t.ExpiresAt
}

// Authorize verifies that authority may act on book at now.
func (t *Token) Authorize(authority common.Address, book string, nowMs int64) error {
	switch {
	case t == nil:
		return fmt.Errorf("%w: no authorization for %s on %s", core.ErrUnauthorized, authority.Hex(), book)
	case !t.Active:
		return fmt.Errorf("%w: authorization revoked", core.ErrUnauthorized)
	case nowMs >= t.ExpiresAt:
		return fmt.Errorf("%w: authorization expired at %d", core.ErrUnauthorized, t.ExpiresAt)
	case t.Authority != authority:
		return fmt.Errorf("%w: token belongs to %s, caller is %s", core.ErrUnauthorized, t.Authority.Hex(), authority.Hex())
	case t.Book != book:
		return fmt.Errorf("%w: token scoped to %s, not %s", core.ErrUnauthorized, t.Book, book)
	}
	return nil
}

// CheckNonce rejects replays: nonce must be strictly greater than the last
// accepted one.
func (t *Token) CheckNonce(nonce uint64) error {
	if nonce <= t.Nonce {
		return fmt.Errorf("%w: nonce replay (got %d, last %d)", core.ErrUnauthorized, nonce, t.Nonce)
	}
	return nil
}

// Consume records nonce as used.
func (t *Token) Consume(nonce uint64) error {
	if err := t.CheckNonce(nonce); err != nil {
		return err
	}
	t.Nonce = nonce
	return nil
}

func (t *Token) Revoke() { t.Active = false }

// Renew re-activates the token with a new expiry, keeping the nonce so
// previously used instructions stay rejected.
func (t *Token) Renew(expiresAt, nowMs int64) error {
	if expiresAt <= nowMs {
		return fmt.Errorf("%w: expires_at %d is not after now %d", core.ErrInvalidExpiry, expiresAt, nowMs)
	}
	t.ExpiresAt = expiresAt
	t.Active = true
	t.IssuedAt = nowMs
	return nil
}
