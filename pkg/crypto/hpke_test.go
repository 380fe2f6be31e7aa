package crypto

import (
	"bytes"
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/shadowswap/pkg/app/core"
	"github.com/uhyunpark/shadowswap/pkg/app/core/matching"
)

func TestSealOrderReveal(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)
	b := NewHPKEBoundary(keys)

	pt := matching.Plaintext{Side: core.Sell, Amount: 2_000_000_000, Price: 50_000_000, Timestamp: 1_700_000_000}
	ct, err := SealOrder(b.PublicKey(), pt)
	require.NoError(t, err)
	assert.Less(t, len(ct), 512)

	got, err := b.Reveal(context.Background(), ct)
	require.NoError(t, err)
	assert.Equal(t, pt, got)

	ct2, err := SealOrder(b.PublicKey(), pt)
	require.NoError(t, err)
	assert.False(t, bytes.Equal(ct, ct2), "sealing is randomized")
	assert.NotEqual(t, PayloadDigest(ct), PayloadDigest(ct2))

	ct[len(ct)-1] ^= 0xff
	_, err = b.Reveal(context.Background(), ct)
	assert.Error(t, err)

	_, err = b.Reveal(context.Background(), []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestSealResultToOwner(t *testing.T) {
	boundaryKeys, err := GenerateKeyPair()
	require.NoError(t, err)
	ownerKeys, err := GenerateKeyPair()
	require.NoError(t, err)
	b := NewHPKEBoundary(boundaryKeys)

	scope := matching.OwnerScope{Owner: common.HexToAddress("0xb1"), Key: ownerKeys.PublicBytes()}
	field := []byte{0x00, 0xe1, 0xf5, 0x05, 0, 0, 0, 0} // 100_000_000 LE
	sealed, err := b.Seal(context.Background(), scope, field)
	require.NoError(t, err)

	v, err := OpenResult(ownerKeys, scope, sealed)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000_000), v)

	// bound to the owner address
	wrong := matching.OwnerScope{Owner: common.HexToAddress("0xc1"), Key: scope.Key}
	_, err = OpenResult(ownerKeys, wrong, sealed)
	assert.Error(t, err)

	_, err = OpenResult(boundaryKeys, scope, sealed)
	assert.Error(t, err)
}

func TestKeyPairFromSeed(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	a, err := KeyPairFromSeed(seed)
	require.NoError(t, err)
	b, err := KeyPairFromHex("0x0707070707070707070707070707070707070707070707070707070707070707")
	require.NoError(t, err)
	assert.Equal(t, a.PublicHex(), b.PublicHex())

	_, err = KeyPairFromSeed([]byte{1})
	assert.Error(t, err)
}
