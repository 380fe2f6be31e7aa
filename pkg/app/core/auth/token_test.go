package auth

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/shadowswap/pkg/app/core"
)

var (
	keeper = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	other  = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func TestIssue(t *testing.T) {
	_, err := Issue(keeper, "WSOL-USDC", 1_000, 1_000)
	assert.ErrorIs(t, err, core.ErrInvalidExpiry)
	_, err = Issue(keeper, "WSOL-USDC", 999, 1_000)
	assert.ErrorIs(t, err, core.ErrInvalidExpiry)

	tok, err := Issue(keeper, "WSOL-USDC", 2_000, 1_000)
	require.NoError(t, err)
	assert.True(t, tok.Active)
	assert.Equal(t, uint64(0), tok.Nonce)
}

func TestCheck(t *testing.T) {
	tok, err := Issue(keeper, "WSOL-USDC", 2_000, 1_000)
	require.NoError(t, err)

	assert.True(t, Check(tok, 1_999))
	assert.False(t, Check(tok, 2_000), "expiry is exclusive")
	assert.False(t, Check(nil, 0))

	tok.Revoke()
	assert.False(t, Check(tok, 1_500))
}

func TestAuthorize(t *testing.T) {
	tok, err := Issue(keeper, "WSOL-USDC", 2_000, 1_000)
	require.NoError(t, err)
	require.NoError(t, tok.Authorize(keeper, "WSOL-USDC", 1_500))

	tests := []struct {
		name      string
		tok       *Token
		authority common.Address
		book      string
		now       int64
	}{
		{"missing", nil, keeper, "WSOL-USDC", 1_500},
		{"expired", tok, keeper, "WSOL-USDC", 5_000},
		{"wrong authority", tok, other, "WSOL-USDC", 1_500},
		{"wrong book", tok, keeper, "BONK-USDC", 1_500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.tok.Authorize(tt.authority, tt.book, tt.now), core.ErrUnauthorized)
		})
	}

	tok.Revoke()
	assert.ErrorIs(t, tok.Authorize(keeper, "WSOL-USDC", 1_500), core.ErrUnauthorized)
}

func TestNonceStrictlyIncreasing(t *testing.T) {
	tok, err := Issue(keeper, "WSOL-USDC", 2_000, 1_000)
	require.NoError(t, err)

	assert.ErrorIs(t, tok.Consume(0), core.ErrUnauthorized)
	require.NoError(t, tok.Consume(1))
	require.NoError(t, tok.Consume(5))
	assert.ErrorIs(t, tok.Consume(5), core.ErrUnauthorized)
	assert.ErrorIs(t, tok.Consume(3), core.ErrUnauthorized)
	assert.Equal(t, uint64(5), tok.Nonce)
}

func TestRenewKeepsNonce(t *testing.T) {
	tok, err := Issue(keeper, "WSOL-USDC", 2_000, 1_000)
	require.NoError(t, err)
	require.NoError(t, tok.Consume(4))
	tok.Revoke()

	assert.ErrorIs(t, tok.Renew(2_500, 3_000), core.ErrInvalidExpiry)
	require.NoError(t, tok.Renew(9_000, 3_000))
	assert.True(t, Check(tok, 3_001))
	assert.Equal(t, uint64(4), tok.Nonce)
}
