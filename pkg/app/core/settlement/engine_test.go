package settlement

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/shadowswap/pkg/app/core"
	"github.com/uhyunpark/shadowswap/pkg/app/core/matching"
	"github.com/uhyunpark/shadowswap/pkg/app/core/orderbook"
	"github.com/uhyunpark/shadowswap/pkg/crypto"
	"github.com/uhyunpark/shadowswap/pkg/custody"
	"github.com/uhyunpark/shadowswap/pkg/events"
	"github.com/uhyunpark/shadowswap/pkg/storage"
	"github.com/uhyunpark/shadowswap/pkg/util"
)

const bookID = "WSOL-USDC"

var (
	admin  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	keeper = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	buyer  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	seller = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

type harness struct {
	t        *testing.T
	ctx      context.Context
	engine   *Engine
	cust     Custodian
	store    *storage.Store
	dbPath   string
	vault    *custody.Custodian
	boundary *crypto.HPKEBoundary
	owner    *crypto.KeyPair
	clock    *util.ManualClock
	rec      *events.Recorder
}

func newHarness(t *testing.T, wrap func(*custody.Custodian) Custodian) *harness {
	t.Helper()
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "engine")
	store, err := storage.NewStore(dbPath)
	require.NoError(t, err)
	custodyStore, err := storage.NewStore(filepath.Join(t.TempDir(), "custody"))
	require.NoError(t, err)
	t.Cleanup(func() { custodyStore.Close() })

	vault := custody.NewCustodian(custodyStore, nil)
	var cust Custodian = vault
	if wrap != nil {
		cust = wrap(vault)
	}

	boundaryKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	ownerKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	h := &harness{
		t:        t,
		ctx:      ctx,
		cust:     cust,
		store:    store,
		dbPath:   dbPath,
		vault:    vault,
		boundary: crypto.NewHPKEBoundary(boundaryKeys),
		owner:    ownerKeys,
		clock:    util.NewManualClock(time.UnixMilli(1_700_000_000_000)),
		rec:      &events.Recorder{},
	}
	h.engine = NewEngine(store, cust, h.boundary, WithClock(h.clock), WithSink(h.rec))
	t.Cleanup(func() {
		if h.store != nil {
			h.store.Close()
		}
	})

	_, err = h.engine.CreateBook(ctx, admin, orderbook.DefaultConfig())
	require.NoError(t, err)
	_, err = h.engine.IssueAuthorization(ctx, bookID, admin, keeper, h.nowMs()+3_600_000)
	require.NoError(t, err)

	require.NoError(t, vault.Credit(ctx, buyer, "USDC", 1_000_000_000))
	require.NoError(t, vault.Credit(ctx, seller, "WSOL", 10_000_000_000))
	return h
}

// reopenReadOnly swaps the engine onto a read-only view of its database, so
// every batch commit fails while custody stays writable.
func (h *harness) reopenReadOnly() {
	h.t.Helper()
	require.NoError(h.t, h.store.Close())
	h.store = nil
	ro, err := storage.OpenReadOnly(h.dbPath)
	require.NoError(h.t, err)
	h.store = ro
	h.engine = NewEngine(ro, h.cust, h.boundary, WithClock(h.clock), WithSink(h.rec))
}

func (h *harness) vaultAmount(id uint64) uint64 {
	v, err := h.vault.Vault(bookID, id)
	require.NoError(h.t, err)
	return v.Amount
}

func (h *harness) nowMs() int64 { return h.clock.Now().UnixMilli() }

func (h *harness) seal(side core.Side, amount, price uint64) []byte {
	payload, err := crypto.SealOrder(h.boundary.PublicKey(), matching.Plaintext{
		Side: side, Amount: amount, Price: price, Timestamp: uint32(h.clock.Now().Unix()),
	})
	require.NoError(h.t, err)
	return payload
}

func (h *harness) place(owner common.Address, side core.Side, amount, price uint64) *orderbook.Order {
	h.t.Helper()
	o, err := h.engine.PlaceOrder(h.ctx, PlaceRequest{
		Book: bookID, Owner: owner, Payload: h.seal(side, amount, price), ScopeKey: h.owner.PublicBytes(),
	})
	require.NoError(h.t, err)
	h.clock.Advance(time.Millisecond)
	return o
}

func (h *harness) balance(owner common.Address, asset string) uint64 {
	b, err := h.vault.Balance(owner, asset)
	require.NoError(h.t, err)
	return b
}

func (h *harness) order(id uint64) *orderbook.Order {
	o, err := h.engine.Order(bookID, id)
	require.NoError(h.t, err)
	return o
}

func (h *harness) book() *orderbook.Book {
	b, err := h.engine.Book(bookID)
	require.NoError(h.t, err)
	return b
}

func TestPlaceOrderLocksEscrow(t *testing.T) {
	h := newHarness(t, nil)

	sell := h.place(seller, core.Sell, 2_000_000_000, 50_000_000)
	buy := h.place(buyer, core.Buy, 2_000_000_000, 60_000_000)

	assert.Equal(t, uint64(0), sell.ID)
	assert.Equal(t, uint64(1), buy.ID)
	assert.Equal(t, orderbook.StatusActive, buy.Status)
	assert.Equal(t, buy.Amount, buy.Remaining)
	assert.Zero(t, h.order(buy.ID).Price, "price must not be persisted")
	assert.Equal(t, crypto.PayloadDigest(h.order(buy.ID).CipherPayload), h.order(buy.ID).PayloadDigest)

	esc, err := h.engine.Escrow(bookID, buy.ID)
	require.NoError(t, err)
	assert.Equal(t, core.Quote, esc.Kind)
	assert.Equal(t, uint64(120_000_000), esc.AmountDeposited)

	assert.Equal(t, uint64(880_000_000), h.balance(buyer, "USDC"))
	assert.Equal(t, uint64(8_000_000_000), h.balance(seller, "WSOL"))

	b := h.book()
	assert.Equal(t, uint64(2), b.OrderCount)
	assert.Equal(t, uint64(2), b.ActiveOrders)
	assert.Len(t, h.rec.OfKind(events.KindOrderPlaced), 2)
}

func TestPlaceOrderRejections(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.PlaceOrder(h.ctx, PlaceRequest{Book: bookID, Owner: buyer, Payload: make([]byte, 513)})
	assert.ErrorIs(t, err, core.ErrPayloadTooLarge)

	_, err = h.engine.PlaceOrder(h.ctx, PlaceRequest{Book: bookID, Owner: buyer, Payload: h.seal(core.Buy, 999_999, 60_000_000)})
	assert.ErrorIs(t, err, core.ErrOrderTooSmall)

	// 1e6 * 1 / 1e9 floors to zero quote
	_, err = h.engine.PlaceOrder(h.ctx, PlaceRequest{Book: bookID, Owner: buyer, Payload: h.seal(core.Buy, 1_000_000, 1)})
	assert.ErrorIs(t, err, core.ErrOrderTooSmall)

	_, err = h.engine.PlaceOrder(h.ctx, PlaceRequest{Book: bookID, Owner: buyer, Payload: []byte("not sealed")})
	assert.ErrorIs(t, err, core.ErrInvalidOrder)

	// more quote than the buyer holds
	_, err = h.engine.PlaceOrder(h.ctx, PlaceRequest{Book: bookID, Owner: buyer, Payload: h.seal(core.Buy, 100_000_000_000, 60_000_000)})
	assert.ErrorIs(t, err, core.ErrInsufficientEscrow)
	assert.Equal(t, uint64(0), h.book().OrderCount, "failed placement must not consume an id")

	payload := h.seal(core.Sell, 1_000_000_000, 50_000_000)
	_, err = h.engine.PlaceOrder(h.ctx, PlaceRequest{Book: bookID, Owner: seller, Payload: payload})
	require.NoError(t, err)
	_, err = h.engine.PlaceOrder(h.ctx, PlaceRequest{Book: bookID, Owner: seller, Payload: payload})
	assert.ErrorIs(t, err, core.ErrAlreadyExists)

	require.NoError(t, h.engine.PauseBook(h.ctx, bookID, admin))
	_, err = h.engine.PlaceOrder(h.ctx, PlaceRequest{Book: bookID, Owner: seller, Payload: h.seal(core.Sell, 1_000_000_000, 50_000_000)})
	assert.ErrorIs(t, err, core.ErrOrderBookInactive)
	assert.ErrorIs(t, h.engine.ResumeBook(h.ctx, bookID, buyer), core.ErrUnauthorized)
	require.NoError(t, h.engine.ResumeBook(h.ctx, bookID, admin))

	_, err = h.engine.PlaceOrder(h.ctx, PlaceRequest{Book: "NOPE-USDC", Owner: seller, Payload: payload})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSettleFullFillWithResidueRefund(t *testing.T) {
	h := newHarness(t, nil)
	sell := h.place(seller, core.Sell, 2_000_000_000, 50_000_000)
	buy := h.place(buyer, core.Buy, 2_000_000_000, 60_000_000)

	r, err := h.engine.Settle(h.ctx, MatchInput{
		Book: bookID, BuyerOrderID: buy.ID, SellerOrderID: sell.ID,
		Matched: 2_000_000_000, ExecutionPrice: 50_000_000,
	}, Authorization{Authority: keeper, Nonce: 1})
	require.NoError(t, err)

	assert.Equal(t, uint64(100_000_000), r.Trade.QuoteAmount)
	assert.Equal(t, orderbook.StatusFilled, r.BuyerStatus)
	assert.Equal(t, orderbook.StatusFilled, r.SellerStatus)
	assert.Equal(t, uint64(20_000_000), r.BuyerRefund)
	assert.Equal(t, uint64(0), r.SellerRefund)
	assert.Equal(t, r.Trade.Digest(), r.Digest)

	// no value creation
	assert.Equal(t, uint64(100_000_000), h.balance(seller, "USDC"))
	assert.Equal(t, uint64(2_000_000_000), h.balance(buyer, "WSOL"))
	assert.Equal(t, uint64(900_000_000), h.balance(buyer, "USDC"))
	assert.Equal(t, uint64(8_000_000_000), h.balance(seller, "WSOL"))

	for _, id := range []uint64{buy.ID, sell.ID} {
		esc, err := h.engine.Escrow(bookID, id)
		require.NoError(t, err)
		assert.Zero(t, esc.AmountRemaining)
		v, err := h.vault.Vault(bookID, id)
		require.NoError(t, err)
		assert.Zero(t, v.Amount)
	}

	b := h.book()
	assert.Equal(t, uint64(0), b.ActiveOrders)
	assert.Equal(t, h.nowMs(), b.LastTradeAt)

	tok, err := h.engine.Authorization(bookID, keeper)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), tok.Nonce)

	trades, err := h.engine.Trades(bookID, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, r.Digest, trades[0].Digest)

	settled := h.rec.OfKind(events.KindTradeSettled)
	require.Len(t, settled, 1)
	assert.Equal(t, r.Digest, settled[0].Trade.Digest())
}

func TestSettlePartialThenCancel(t *testing.T) {
	h := newHarness(t, nil)
	sell := h.place(seller, core.Sell, 2_000_000_000, 50_000_000)
	buy := h.place(buyer, core.Buy, 3_000_000_000, 60_000_000) // escrow 180_000_000

	r, err := h.engine.Settle(h.ctx, MatchInput{
		Book: bookID, BuyerOrderID: buy.ID, SellerOrderID: sell.ID,
		Matched: 2_000_000_000, ExecutionPrice: 50_000_000,
	}, Authorization{Authority: keeper, Nonce: 1})
	require.NoError(t, err)
	assert.Equal(t, orderbook.StatusPartial, r.BuyerStatus)
	assert.Equal(t, orderbook.StatusFilled, r.SellerStatus)
	assert.Zero(t, r.BuyerRefund)

	got := h.order(buy.ID)
	assert.Equal(t, uint64(1_000_000_000), got.Remaining)
	assert.Equal(t, uint64(1), h.book().ActiveOrders)

	active, err := h.engine.ActiveOrders(bookID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, buy.ID, active[0].ID)

	_, _, err = h.engine.CancelOrder(h.ctx, bookID, buy.ID, seller)
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	cancelled, refund, err := h.engine.CancelOrder(h.ctx, bookID, buy.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, orderbook.StatusCancelled, cancelled.Status)
	assert.Equal(t, uint64(80_000_000), refund)
	assert.Equal(t, uint64(900_000_000), h.balance(buyer, "USDC"))
	assert.Equal(t, uint64(0), h.book().ActiveOrders)
	assert.Len(t, h.rec.OfKind(events.KindOrderCancelled), 1)
}

func TestTerminalOrdersRejectEverything(t *testing.T) {
	h := newHarness(t, nil)
	sell := h.place(seller, core.Sell, 1_000_000_000, 50_000_000)
	buy := h.place(buyer, core.Buy, 2_000_000_000, 50_000_000)
	_, err := h.engine.Settle(h.ctx, MatchInput{
		Book: bookID, BuyerOrderID: buy.ID, SellerOrderID: sell.ID,
		Matched: 1_000_000_000, ExecutionPrice: 50_000_000,
	}, Authorization{Authority: keeper, Nonce: 1})
	require.NoError(t, err)

	before := h.order(sell.ID)
	_, err = h.engine.Settle(h.ctx, MatchInput{
		Book: bookID, BuyerOrderID: buy.ID, SellerOrderID: sell.ID,
		Matched: 1_000_000, ExecutionPrice: 50_000_000,
	}, Authorization{Authority: keeper, Nonce: 2})
	assert.ErrorIs(t, err, core.ErrInvalidOrderStatus)

	_, _, err = h.engine.CancelOrder(h.ctx, bookID, sell.ID, seller)
	assert.ErrorIs(t, err, core.ErrInvalidOrderStatus)
	assert.Equal(t, before, h.order(sell.ID))

	tok, err := h.engine.Authorization(bookID, keeper)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), tok.Nonce, "failed settle must not consume the nonce")
}

func TestSettlePreconditions(t *testing.T) {
	h := newHarness(t, nil)
	sell := h.place(seller, core.Sell, 2_000_000_000, 50_000_000)
	buy := h.place(buyer, core.Buy, 2_000_000_000, 60_000_000)
	ok := MatchInput{Book: bookID, BuyerOrderID: buy.ID, SellerOrderID: sell.ID, Matched: 1_000_000_000, ExecutionPrice: 50_000_000}

	cases := []struct {
		name string
		in   MatchInput
		a    Authorization
		want error
	}{
		{"unknown authority", ok, Authorization{Authority: buyer, Nonce: 1}, core.ErrUnauthorized},
		{"zero nonce", ok, Authorization{Authority: keeper, Nonce: 0}, core.ErrUnauthorized},
		{"swapped sides", MatchInput{Book: bookID, BuyerOrderID: sell.ID, SellerOrderID: buy.ID, Matched: 1, ExecutionPrice: 1}, Authorization{Authority: keeper, Nonce: 1}, core.ErrInvalidOrderStatus},
		{"zero matched", MatchInput{Book: bookID, BuyerOrderID: buy.ID, SellerOrderID: sell.ID, ExecutionPrice: 1}, Authorization{Authority: keeper, Nonce: 1}, core.ErrInvalidOrder},
		{"exceeds remaining", MatchInput{Book: bookID, BuyerOrderID: buy.ID, SellerOrderID: sell.ID, Matched: 3_000_000_000, ExecutionPrice: 1}, Authorization{Authority: keeper, Nonce: 1}, core.ErrExceedsRemaining},
		{"price above buyer escrow", MatchInput{Book: bookID, BuyerOrderID: buy.ID, SellerOrderID: sell.ID, Matched: 2_000_000_000, ExecutionPrice: 70_000_000}, Authorization{Authority: keeper, Nonce: 1}, core.ErrInsufficientEscrow},
		{"price above buyer limit", MatchInput{Book: bookID, BuyerOrderID: buy.ID, SellerOrderID: sell.ID, Matched: 1_000_000_000, ExecutionPrice: 120_000_000}, Authorization{Authority: keeper, Nonce: 1}, core.ErrInvalidOrder},
		{"price below seller limit", MatchInput{Book: bookID, BuyerOrderID: buy.ID, SellerOrderID: sell.ID, Matched: 1_000_000_000, ExecutionPrice: 40_000_000}, Authorization{Authority: keeper, Nonce: 1}, core.ErrInvalidOrder},
		{"unknown order", MatchInput{Book: bookID, BuyerOrderID: 99, SellerOrderID: sell.ID, Matched: 1, ExecutionPrice: 1}, Authorization{Authority: keeper, Nonce: 1}, core.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.Settle(h.ctx, tc.in, tc.a)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	// nothing moved
	assert.Equal(t, uint64(880_000_000), h.balance(buyer, "USDC"))
	assert.Equal(t, uint64(0), h.balance(seller, "USDC"))
	assert.Equal(t, uint64(2_000_000_000), h.order(buy.ID).Remaining)

	// the buyer's own limit is still a valid execution price
	_, err := h.engine.Settle(h.ctx, MatchInput{
		Book: bookID, BuyerOrderID: buy.ID, SellerOrderID: sell.ID, Matched: 1_000_000_000, ExecutionPrice: 60_000_000,
	}, Authorization{Authority: keeper, Nonce: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(60_000_000), h.balance(seller, "USDC"))
}

func TestNonceReplayRejected(t *testing.T) {
	h := newHarness(t, nil)
	sell := h.place(seller, core.Sell, 4_000_000_000, 50_000_000)
	buy := h.place(buyer, core.Buy, 4_000_000_000, 50_000_000)
	in := MatchInput{Book: bookID, BuyerOrderID: buy.ID, SellerOrderID: sell.ID, Matched: 1_000_000_000, ExecutionPrice: 50_000_000}

	_, err := h.engine.Settle(h.ctx, in, Authorization{Authority: keeper, Nonce: 5})
	require.NoError(t, err)
	_, err = h.engine.Settle(h.ctx, in, Authorization{Authority: keeper, Nonce: 5})
	assert.ErrorIs(t, err, core.ErrUnauthorized)
	_, err = h.engine.Settle(h.ctx, in, Authorization{Authority: keeper, Nonce: 4})
	assert.ErrorIs(t, err, core.ErrUnauthorized)
	_, err = h.engine.Settle(h.ctx, in, Authorization{Authority: keeper, Nonce: 6})
	require.NoError(t, err)

	// renewal keeps the nonce
	_, err = h.engine.IssueAuthorization(h.ctx, bookID, admin, keeper, h.nowMs()+7_200_000)
	require.NoError(t, err)
	_, err = h.engine.Settle(h.ctx, in, Authorization{Authority: keeper, Nonce: 6})
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestExpiredOrRevokedAuthorization(t *testing.T) {
	h := newHarness(t, nil)
	sell := h.place(seller, core.Sell, 1_000_000_000, 50_000_000)
	buy := h.place(buyer, core.Buy, 1_000_000_000, 50_000_000)
	in := MatchInput{Book: bookID, BuyerOrderID: buy.ID, SellerOrderID: sell.ID, Matched: 1_000_000_000, ExecutionPrice: 50_000_000}

	h.clock.Advance(2 * time.Hour)
	_, err := h.engine.Settle(h.ctx, in, Authorization{Authority: keeper, Nonce: 1})
	assert.ErrorIs(t, err, core.ErrUnauthorized)
	_, err = h.engine.QueueMatches(h.ctx, bookID, keeper, nil)
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	_, err = h.engine.IssueAuthorization(h.ctx, bookID, admin, keeper, h.nowMs()-1)
	assert.ErrorIs(t, err, core.ErrInvalidExpiry)
	_, err = h.engine.IssueAuthorization(h.ctx, bookID, buyer, keeper, h.nowMs()+1000)
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	_, err = h.engine.IssueAuthorization(h.ctx, bookID, admin, keeper, h.nowMs()+3_600_000)
	require.NoError(t, err)
	require.NoError(t, h.engine.RevokeAuthorization(h.ctx, bookID, admin, keeper))
	_, err = h.engine.Settle(h.ctx, in, Authorization{Authority: keeper, Nonce: 1})
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestPausedBookRejectsSettlement(t *testing.T) {
	h := newHarness(t, nil)
	sell := h.place(seller, core.Sell, 1_000_000_000, 50_000_000)
	buy := h.place(buyer, core.Buy, 1_000_000_000, 50_000_000)
	require.NoError(t, h.engine.PauseBook(h.ctx, bookID, admin))

	_, err := h.engine.Settle(h.ctx, MatchInput{
		Book: bookID, BuyerOrderID: buy.ID, SellerOrderID: sell.ID, Matched: 1_000_000_000, ExecutionPrice: 50_000_000,
	}, Authorization{Authority: keeper, Nonce: 1})
	assert.ErrorIs(t, err, core.ErrOrderBookInactive)

	// owners can still leave a paused book
	_, refund, err := h.engine.CancelOrder(h.ctx, bookID, buy.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, uint64(50_000_000), refund)
}

type failingTransfer struct {
	*custody.Custodian
}

func (failingTransfer) Transfer(context.Context, ...custody.Leg) error {
	return errors.New("custody offline")
}

func TestTransferFailureLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, func(c *custody.Custodian) Custodian { return failingTransfer{c} })
	sell := h.place(seller, core.Sell, 1_000_000_000, 50_000_000)
	buy := h.place(buyer, core.Buy, 1_000_000_000, 50_000_000)

	_, err := h.engine.Settle(h.ctx, MatchInput{
		Book: bookID, BuyerOrderID: buy.ID, SellerOrderID: sell.ID, Matched: 1_000_000_000, ExecutionPrice: 50_000_000,
	}, Authorization{Authority: keeper, Nonce: 1})
	require.Error(t, err)

	assert.Equal(t, orderbook.StatusActive, h.order(buy.ID).Status)
	assert.Equal(t, orderbook.StatusActive, h.order(sell.ID).Status)
	assert.Equal(t, uint64(2), h.book().ActiveOrders)
	esc, err := h.engine.Escrow(bookID, buy.ID)
	require.NoError(t, err)
	assert.Equal(t, esc.AmountDeposited, esc.AmountRemaining)
	tok, err := h.engine.Authorization(bookID, keeper)
	require.NoError(t, err)
	assert.Zero(t, tok.Nonce)
	assert.Empty(t, h.rec.OfKind(events.KindTradeSettled))
}

func TestCommitFailureRestoresCustody(t *testing.T) {
	h := newHarness(t, nil)
	sell := h.place(seller, core.Sell, 2_000_000_000, 50_000_000)
	buy := h.place(buyer, core.Buy, 2_000_000_000, 60_000_000)
	h.reopenReadOnly()

	unchanged := func(t *testing.T) {
		t.Helper()
		assert.Equal(t, uint64(880_000_000), h.balance(buyer, "USDC"))
		assert.Equal(t, uint64(0), h.balance(buyer, "WSOL"))
		assert.Equal(t, uint64(0), h.balance(seller, "USDC"))
		assert.Equal(t, uint64(8_000_000_000), h.balance(seller, "WSOL"))
		assert.Equal(t, uint64(120_000_000), h.vaultAmount(buy.ID))
		assert.Equal(t, uint64(2_000_000_000), h.vaultAmount(sell.ID))
		assert.Equal(t, orderbook.StatusActive, h.order(buy.ID).Status)
		assert.Equal(t, orderbook.StatusActive, h.order(sell.ID).Status)
	}

	t.Run("settle", func(t *testing.T) {
		_, err := h.engine.Settle(h.ctx, MatchInput{
			Book: bookID, BuyerOrderID: buy.ID, SellerOrderID: sell.ID, Matched: 2_000_000_000, ExecutionPrice: 50_000_000,
		}, Authorization{Authority: keeper, Nonce: 1})
		assert.ErrorIs(t, err, storage.ErrReadOnly)
		unchanged(t)
		tok, err := h.engine.Authorization(bookID, keeper)
		require.NoError(t, err)
		assert.Zero(t, tok.Nonce)
	})

	t.Run("cancel", func(t *testing.T) {
		_, _, err := h.engine.CancelOrder(h.ctx, bookID, buy.ID, buyer)
		assert.ErrorIs(t, err, storage.ErrReadOnly)
		unchanged(t)
	})

	t.Run("place", func(t *testing.T) {
		_, err := h.engine.PlaceOrder(h.ctx, PlaceRequest{
			Book: bookID, Owner: buyer, Payload: h.seal(core.Buy, 1_000_000_000, 60_000_000), ScopeKey: h.owner.PublicBytes(),
		})
		assert.ErrorIs(t, err, storage.ErrReadOnly)
		unchanged(t)
		_, err = h.vault.Vault(bookID, 2)
		assert.ErrorIs(t, err, core.ErrNotFound)
	})

	assert.Empty(t, h.rec.OfKind(events.KindTradeSettled))
	assert.Empty(t, h.rec.OfKind(events.KindOrderCancelled))
}

func TestQueueMatchesPublishesSealedResults(t *testing.T) {
	h := newHarness(t, nil)
	sell := h.place(seller, core.Sell, 1_000_000_000, 50_000_000)
	buy := h.place(buyer, core.Buy, 1_000_000_000, 55_000_000)

	sms, skipped, err := matching.BatchMatchSealed(h.ctx, h.boundary, []matching.SealedOrder{
		{ID: sell.ID, Book: bookID, Scope: matching.OwnerScope{Owner: seller, Key: h.owner.PublicBytes()}, Ciphertext: sell.CipherPayload, Timestamp: sell.Timestamp},
		{ID: buy.ID, Book: bookID, Scope: matching.OwnerScope{Owner: buyer, Key: h.owner.PublicBytes()}, Ciphertext: buy.CipherPayload, Timestamp: buy.Timestamp},
	}, matching.ModeSinglePass)
	require.NoError(t, err)
	require.Empty(t, skipped)
	require.Len(t, sms, 1)

	n, err := h.engine.QueueMatches(h.ctx, bookID, keeper, sms)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	queued := h.rec.OfKind(events.KindMatchQueued)
	require.Len(t, queued, 1)
	scope := matching.OwnerScope{Owner: buyer}
	price, err := crypto.OpenResult(h.owner, scope, queued[0].Match.BuyerResult.EncryptedPrice)
	require.NoError(t, err)
	assert.Equal(t, uint64(50_000_000), price, "seller placed first, so it is the maker")
}

func TestCreateBookValidation(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.CreateBook(h.ctx, admin, orderbook.DefaultConfig())
	assert.ErrorIs(t, err, core.ErrAlreadyExists)

	cfg := orderbook.DefaultConfig()
	cfg.Pair = core.Pair{Base: "WETH", Quote: "USDC"}
	cfg.FeeBps = 10_001
	_, err = h.engine.CreateBook(h.ctx, admin, cfg)
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)

	cfg.FeeBps = 10
	b, err := h.engine.CreateBook(h.ctx, admin, cfg)
	require.NoError(t, err)
	assert.Equal(t, "WETH-USDC", b.ID)

	books, err := h.engine.Books()
	require.NoError(t, err)
	assert.Len(t, books, 2)
}
