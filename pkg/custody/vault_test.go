package custody

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/shadowswap/pkg/app/core"
	"github.com/uhyunpark/shadowswap/pkg/storage"
)

var (
	buyer  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	seller = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

func newTestCustodian(t *testing.T) *Custodian {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "custody"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewCustodian(store, nil)
}

func balance(t *testing.T, c *Custodian, owner common.Address, asset string) uint64 {
	t.Helper()
	b, err := c.Balance(owner, asset)
	require.NoError(t, err)
	return b
}

func TestCreditWithdraw(t *testing.T) {
	ctx := context.Background()
	c := newTestCustodian(t)

	require.NoError(t, c.Credit(ctx, buyer, "USDC", 500))
	assert.Equal(t, uint64(500), balance(t, c, buyer, "USDC"))

	assert.Error(t, c.Withdraw(ctx, buyer, "USDC", 501))
	require.NoError(t, c.Withdraw(ctx, buyer, "USDC", 200))
	assert.Equal(t, uint64(300), balance(t, c, buyer, "USDC"))
	assert.Error(t, c.Credit(ctx, buyer, "USDC", 0))
}

func TestLockAndTransfer(t *testing.T) {
	ctx := context.Background()
	c := newTestCustodian(t)
	require.NoError(t, c.Credit(ctx, buyer, "USDC", 1_000))
	require.NoError(t, c.Credit(ctx, seller, "WSOL", 10))

	require.NoError(t, c.Lock(ctx, Deposit{Book: "WSOL-USDC", OrderID: 0, Owner: buyer, Asset: "USDC", Amount: 600}))
	require.NoError(t, c.Lock(ctx, Deposit{Book: "WSOL-USDC", OrderID: 1, Owner: seller, Asset: "WSOL", Amount: 4}))
	assert.Equal(t, uint64(400), balance(t, c, buyer, "USDC"))
	assert.Equal(t, uint64(6), balance(t, c, seller, "WSOL"))

	err := c.Lock(ctx, Deposit{Book: "WSOL-USDC", OrderID: 0, Owner: buyer, Asset: "USDC", Amount: 1})
	assert.ErrorIs(t, err, core.ErrAlreadyExists)
	err = c.Lock(ctx, Deposit{Book: "WSOL-USDC", OrderID: 9, Owner: buyer, Asset: "USDC", Amount: 401})
	assert.ErrorIs(t, err, core.ErrInsufficientEscrow)

	legs := []Leg{
		{Book: "WSOL-USDC", OrderID: 0, To: seller, Asset: "USDC", Amount: 500},
		{Book: "WSOL-USDC", OrderID: 1, To: buyer, Asset: "WSOL", Amount: 4},
		{Book: "WSOL-USDC", OrderID: 0, To: buyer, Asset: "USDC", Amount: 100},
	}
	require.NoError(t, c.Transfer(ctx, legs...))

	assert.Equal(t, uint64(500), balance(t, c, seller, "USDC"))
	assert.Equal(t, uint64(500), balance(t, c, buyer, "USDC"))
	assert.Equal(t, uint64(4), balance(t, c, buyer, "WSOL"))

	v, err := c.Vault("WSOL-USDC", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v.Amount)
}

func TestTransferAllOrNothing(t *testing.T) {
	ctx := context.Background()
	c := newTestCustodian(t)
	require.NoError(t, c.Credit(ctx, buyer, "USDC", 100))
	require.NoError(t, c.Credit(ctx, seller, "WSOL", 2))
	require.NoError(t, c.Lock(ctx, Deposit{Book: "B", OrderID: 0, Owner: buyer, Asset: "USDC", Amount: 100}))
	require.NoError(t, c.Lock(ctx, Deposit{Book: "B", OrderID: 1, Owner: seller, Asset: "WSOL", Amount: 2}))

	err := c.Transfer(ctx,
		Leg{Book: "B", OrderID: 0, To: seller, Asset: "USDC", Amount: 100},
		Leg{Book: "B", OrderID: 1, To: buyer, Asset: "WSOL", Amount: 3},
	)
	assert.ErrorIs(t, err, core.ErrInsufficientEscrow)
	assert.Equal(t, uint64(0), balance(t, c, seller, "USDC"), "first leg must not apply")

	err = c.Transfer(ctx, Leg{Book: "B", OrderID: 1, To: buyer, Asset: "USDC", Amount: 1})
	assert.Error(t, err, "asset mismatch")

	err = c.Transfer(ctx, Leg{Book: "B", OrderID: 7, To: buyer, Asset: "USDC", Amount: 1})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRevert(t *testing.T) {
	ctx := context.Background()
	c := newTestCustodian(t)
	require.NoError(t, c.Credit(ctx, buyer, "USDC", 100))
	require.NoError(t, c.Lock(ctx, Deposit{Book: "B", OrderID: 0, Owner: buyer, Asset: "USDC", Amount: 100}))

	leg := Leg{Book: "B", OrderID: 0, To: seller, Asset: "USDC", Amount: 70}
	require.NoError(t, c.Transfer(ctx, leg))
	require.NoError(t, c.Revert(ctx, leg))

	assert.Equal(t, uint64(0), balance(t, c, seller, "USDC"))
	v, err := c.Vault("B", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), v.Amount)
}

func TestUnlock(t *testing.T) {
	ctx := context.Background()
	c := newTestCustodian(t)
	require.NoError(t, c.Credit(ctx, buyer, "USDC", 100))
	d := Deposit{Book: "B", OrderID: 0, Owner: buyer, Asset: "USDC", Amount: 40}
	require.NoError(t, c.Lock(ctx, d))
	require.NoError(t, c.Unlock(ctx, d))
	assert.Equal(t, uint64(100), balance(t, c, buyer, "USDC"))

	_, err := c.Vault("B", 0)
	assert.ErrorIs(t, err, core.ErrNotFound)
	require.NoError(t, c.Lock(ctx, d), "an unlocked id can be locked again")
}
