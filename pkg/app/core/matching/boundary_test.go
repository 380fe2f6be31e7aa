package matching

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/shadowswap/pkg/app/core"
)

// clearBoundary treats ciphertext as plaintext and "seals" by prefixing the
// scope key, which is enough to check routing without real cryptography.
type clearBoundary struct {
	sealed int
}

func (b *clearBoundary) Reveal(_ context.Context, ct []byte) (Plaintext, error) {
	return DecodePlaintext(ct)
}

func (b *clearBoundary) Seal(_ context.Context, scope OwnerScope, pt []byte) ([]byte, error) {
	b.sealed++
	return append(append([]byte{}, scope.Key...), pt...), nil
}

func open(t *testing.T, scope OwnerScope, ct []byte) uint64 {
	t.Helper()
	require.True(t, bytes.HasPrefix(ct, scope.Key))
	v, err := DecodeResultField(ct[len(scope.Key):])
	require.NoError(t, err)
	return v
}

var (
	buyerScope  = OwnerScope{Owner: common.HexToAddress("0xb0"), Key: []byte("buyer:")}
	sellerScope = OwnerScope{Owner: common.HexToAddress("0x5e"), Key: []byte("seller:")}
)

func TestPlaintextRoundTrip(t *testing.T) {
	p := Plaintext{Side: core.Sell, Amount: 2_000_000_000, Price: 50_000_000, Timestamp: 1_700_000_000}
	enc := EncodePlaintext(p)
	require.Len(t, enc, PlaintextSize)

	got, err := DecodePlaintext(enc)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = DecodePlaintext(enc[:23])
	assert.ErrorIs(t, err, core.ErrInvalidOrder)

	enc[0] = 2
	_, err = DecodePlaintext(enc)
	assert.ErrorIs(t, err, core.ErrInvalidOrder)
}

func TestMatchSealed(t *testing.T) {
	b := &clearBoundary{}
	buy := SealedOrder{ID: 1, Book: "WSOL-USDC", Scope: buyerScope,
		Ciphertext: EncodePlaintext(Plaintext{Side: core.Buy, Amount: 5, Price: 100, Timestamp: 1})}
	sell := SealedOrder{ID: 2, Book: "WSOL-USDC", Scope: sellerScope,
		Ciphertext: EncodePlaintext(Plaintext{Side: core.Sell, Amount: 3, Price: 90, Timestamp: 2})}

	sm, err := MatchSealed(context.Background(), b, buy, sell)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), sm.Match.Matched)
	assert.Equal(t, uint64(100), sm.Match.ExecutionPrice)

	assert.Equal(t, buyerScope.Owner, sm.Buyer.Owner)
	assert.Equal(t, uint64(3), open(t, buyerScope, sm.Buyer.EncryptedAmount))
	assert.Equal(t, uint64(100), open(t, buyerScope, sm.Buyer.EncryptedPrice))
	assert.Equal(t, uint64(3), open(t, sellerScope, sm.Seller.EncryptedAmount))
	assert.Equal(t, 4, b.sealed)
}

func TestMatchSealedNoCrossStillSeals(t *testing.T) {
	b := &clearBoundary{}
	buy := SealedOrder{ID: 1, Scope: buyerScope,
		Ciphertext: EncodePlaintext(Plaintext{Side: core.Buy, Amount: 5, Price: 80, Timestamp: 1})}
	sell := SealedOrder{ID: 2, Scope: sellerScope,
		Ciphertext: EncodePlaintext(Plaintext{Side: core.Sell, Amount: 3, Price: 90, Timestamp: 2})}

	sm, err := MatchSealed(context.Background(), b, buy, sell)
	require.NoError(t, err)
	assert.False(t, MatchTwoOrders(sm.Match.Buy, sm.Match.Sell).OK())
	assert.Equal(t, uint64(0), open(t, buyerScope, sm.Buyer.EncryptedAmount))
	assert.Equal(t, 4, b.sealed)
}

func TestMatchSealedRejectsSwappedSides(t *testing.T) {
	b := &clearBoundary{}
	a := SealedOrder{ID: 1, Scope: buyerScope,
		Ciphertext: EncodePlaintext(Plaintext{Side: core.Sell, Amount: 5, Price: 80})}
	_, err := MatchSealed(context.Background(), b, a, a)
	assert.ErrorIs(t, err, core.ErrInvalidOrder)
}

func TestBatchMatchSealed(t *testing.T) {
	b := &clearBoundary{}
	orders := []SealedOrder{
		{ID: 1, Book: "B", Scope: buyerScope, Timestamp: 10, Amount: 4,
			Ciphertext: EncodePlaintext(Plaintext{Side: core.Buy, Amount: 5, Price: 100})},
		{ID: 2, Book: "B", Scope: sellerScope, Timestamp: 20,
			Ciphertext: EncodePlaintext(Plaintext{Side: core.Sell, Amount: 9, Price: 90})},
		{ID: 3, Book: "B", Scope: sellerScope, Ciphertext: []byte("garbage")},
	}

	matches, skipped, err := BatchMatchSealed(context.Background(), b, orders, ModeSinglePass)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Len(t, skipped, 1)
	assert.True(t, errors.Is(skipped[0], core.ErrInvalidOrder))

	m := matches[0]
	assert.Equal(t, uint64(4), m.Match.Matched, "remaining cap applied")
	assert.Equal(t, uint64(100), m.Match.ExecutionPrice, "engine timestamp decides maker")
	assert.Equal(t, uint64(1), m.Buyer.OrderID)
	assert.Equal(t, uint64(2), m.Seller.OrderID)
	assert.Equal(t, sellerScope.Owner, m.Seller.Owner)
}
