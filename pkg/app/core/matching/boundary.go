package matching

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/shadowswap/pkg/app/core"
)

// PlaintextSize is the encoded size of an order plaintext:
//
//	bytes 0-3:   side (u32, little-endian; 0 = buy, 1 = sell)
//	bytes 4-11:  amount (u64)
//	bytes 12-19: price (u64)
//	bytes 20-23: client timestamp (u32, unix seconds)
const PlaintextSize = 24

// ResultSize is the encoded size of a sealed match field (u64, little-endian).
const ResultSize = 8

// Plaintext is a revealed order payload.
type Plaintext struct {
	Side      core.Side
	Amount    uint64
	Price     uint64
	Timestamp uint32
}

func EncodePlaintext(p Plaintext) []byte {
	buf := make([]byte, PlaintextSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.Side))
	binary.LittleEndian.PutUint64(buf[4:12], p.Amount)
	binary.LittleEndian.PutUint64(buf[12:20], p.Price)
	binary.LittleEndian.PutUint32(buf[20:24], p.Timestamp)
	return buf
}

func DecodePlaintext(b []byte) (Plaintext, error) {
	if len(b) < PlaintextSize {
		return Plaintext{}, fmt.Errorf("%w: plaintext too short: %d bytes, need %d", core.ErrInvalidOrder, len(b), PlaintextSize)
	}
	side := binary.LittleEndian.Uint32(b[0:4])
	if side > uint32(core.Sell) {
		return Plaintext{}, fmt.Errorf("%w: invalid side %d", core.ErrInvalidOrder, side)
	}
	return Plaintext{
		Side:      core.Side(side),
		Amount:    binary.LittleEndian.Uint64(b[4:12]),
		Price:     binary.LittleEndian.Uint64(b[12:20]),
		Timestamp: binary.LittleEndian.Uint32(b[20:24]),
	}, nil
}

func encodeU64(v uint64) []byte {
	buf := make([]byte, ResultSize)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

// DecodeResultField decodes one opened result field.
func DecodeResultField(b []byte) (uint64, error) {
	if len(b) != ResultSize {
		return 0, fmt.Errorf("result field must be %d bytes, got %d", ResultSize, len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}

// OwnerScope identifies who a sealed result is for.
type OwnerScope struct {
	Owner common.Address
	Key   []byte // owner's sealing public key
}

// Boundary is the confidential computation boundary. Reveal opens an order
// payload for in-boundary computation; Seal re-encrypts an output so only
// the owner scope can read it. Implementations range from an MPC network to
// an in-process key holder used by tests.
type Boundary interface {
	Reveal(ctx context.Context, ciphertext []byte) (Plaintext, error)
	Seal(ctx context.Context, scope OwnerScope, plaintext []byte) ([]byte, error)
}

// SealedOrder is an order as the boundary receives it.
type SealedOrder struct {
	ID         uint64
	Book       string
	Scope      OwnerScope
	Ciphertext []byte
	Timestamp  uint64 // engine priority time; zero means use the client timestamp
	Amount     uint64 // when non-zero, caps the revealed amount (remaining quantity)
}

// SealedResult is a match outcome readable only by one owner.
type SealedResult struct {
	Owner           common.Address `json:"owner"`
	OrderID         uint64         `json:"order_id"`
	EncryptedAmount []byte         `json:"encrypted_amount"`
	EncryptedPrice  []byte         `json:"encrypted_price"`
}

// SealedMatch pairs the plaintext match, which stays with the trusted
// caller, with per-owner sealed copies of its outcome.
type SealedMatch struct {
	Match  Match
	Buyer  SealedResult
	Seller SealedResult
}

// Reveal opens a sealed order into a matching working copy.
func Reveal(ctx context.Context, b Boundary, so SealedOrder) (Order, error) {
	pt, err := b.Reveal(ctx, so.Ciphertext)
	if err != nil {
		return Order{}, fmt.Errorf("reveal order %d: %w", so.ID, err)
	}
	o := Order{
		ID:        so.ID,
		Book:      so.Book,
		Owner:     so.Scope.Owner,
		Side:      pt.Side,
		Price:     pt.Price,
		Amount:    pt.Amount,
		Timestamp: so.Timestamp,
	}
	if o.Timestamp == 0 {
		o.Timestamp = uint64(pt.Timestamp)
	}
	if so.Amount != 0 && so.Amount < o.Amount {
		o.Amount = so.Amount
	}
	return o, nil
}

// MatchSealed reveals a buy and a sell, matches them, and seals the result
// back to each owner. A non-crossing pair still returns sealed zero results
// so observers cannot distinguish outcomes by shape.
func MatchSealed(ctx context.Context, b Boundary, buyCT, sellCT SealedOrder) (SealedMatch, error) {
	buy, err := Reveal(ctx, b, buyCT)
	if err != nil {
		return SealedMatch{}, err
	}
	sell, err := Reveal(ctx, b, sellCT)
	if err != nil {
		return SealedMatch{}, err
	}
	if !buy.IsBuy() || !sell.IsSell() {
		return SealedMatch{}, fmt.Errorf("%w: expected buy/sell pair, got %s/%s", core.ErrInvalidOrder, buy.Side, sell.Side)
	}

	r := MatchTwoOrders(buy, sell)
	m := Match{Buy: buy, Sell: sell, Matched: r.Matched, ExecutionPrice: r.ExecutionPrice}
	return sealMatch(ctx, b, m, buyCT.Scope, sellCT.Scope)
}

// BatchMatchSealed reveals every order, runs mode over them and seals each
// match for both owners. Orders that fail to reveal are skipped and
// returned in the second result by index.
func BatchMatchSealed(ctx context.Context, b Boundary, orders []SealedOrder, mode Mode) ([]SealedMatch, []error, error) {
	plain := make([]Order, 0, len(orders))
	scopes := make(map[uint64]OwnerScope, len(orders))
	var skipped []error
	for _, so := range orders {
		o, err := Reveal(ctx, b, so)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		plain = append(plain, o)
		scopes[o.ID] = so.Scope
	}

	matches := mode.Run(plain)
	out := make([]SealedMatch, 0, len(matches))
	for _, m := range matches {
		sm, err := sealMatch(ctx, b, m, scopes[m.Buy.ID], scopes[m.Sell.ID])
		if err != nil {
			return nil, skipped, err
		}
		out = append(out, sm)
	}
	return out, skipped, nil
}

func sealMatch(ctx context.Context, b Boundary, m Match, buyer, seller OwnerScope) (SealedMatch, error) {
	br, err := sealResult(ctx, b, buyer, m.Buy.ID, m.Matched, m.ExecutionPrice)
	if err != nil {
		return SealedMatch{}, err
	}
	sr, err := sealResult(ctx, b, seller, m.Sell.ID, m.Matched, m.ExecutionPrice)
	if err != nil {
		return SealedMatch{}, err
	}
	return SealedMatch{Match: m, Buyer: br, Seller: sr}, nil
}

func sealResult(ctx context.Context, b Boundary, scope OwnerScope, orderID, amount, price uint64) (SealedResult, error) {
	encAmount, err := b.Seal(ctx, scope, encodeU64(amount))
	if err != nil {
		return SealedResult{}, fmt.Errorf("seal amount for order %d: %w", orderID, err)
	}
	encPrice, err := b.Seal(ctx, scope, encodeU64(price))
	if err != nil {
		return SealedResult{}, fmt.Errorf("seal price for order %d: %w", orderID, err)
	}
	return SealedResult{
		Owner:           scope.Owner,
		OrderID:         orderID,
		EncryptedAmount: encAmount,
		EncryptedPrice:  encPrice,
	}, nil
}
