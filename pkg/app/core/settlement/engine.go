// Package settlement is the transactional core. It owns the book, order,
// escrow, authorization and trade records, and moves custodied funds when a
// match settles.
//
// Every mutating operation validates all preconditions first, then performs
// the custody call, then commits every record change in one Pebble batch.
// A failed commit is compensated through the custodian, so state and funds
// never diverge.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/shadowswap/pkg/app/core"
	"github.com/uhyunpark/shadowswap/pkg/app/core/auth"
	"github.com/uhyunpark/shadowswap/pkg/app/core/escrow"
	"github.com/uhyunpark/shadowswap/pkg/app/core/fixedpoint"
	"github.com/uhyunpark/shadowswap/pkg/app/core/matching"
	"github.com/uhyunpark/shadowswap/pkg/app/core/orderbook"
	"github.com/uhyunpark/shadowswap/pkg/crypto"
	"github.com/uhyunpark/shadowswap/pkg/custody"
	"github.com/uhyunpark/shadowswap/pkg/events"
	"github.com/uhyunpark/shadowswap/pkg/storage"
	"github.com/uhyunpark/shadowswap/pkg/util"
)

// DefaultMaxCipherPayload is the largest sealed order payload accepted.
const DefaultMaxCipherPayload = 512

// Custodian moves funds between participant balances and order vaults.
// Transfer must apply all legs or none.
type Custodian interface {
	Lock(ctx context.Context, d custody.Deposit) error
	Unlock(ctx context.Context, d custody.Deposit) error
	Transfer(ctx context.Context, legs ...custody.Leg) error
	Revert(ctx context.Context, legs ...custody.Leg) error
}

// MatchInput is a match the keeper asks to settle.
type MatchInput struct {
	Book           string `json:"book"`
	BuyerOrderID   uint64 `json:"buyer_order_id"`
	SellerOrderID  uint64 `json:"seller_order_id"`
	Matched        uint64 `json:"matched_amount"`
	ExecutionPrice uint64 `json:"execution_price"`
}

// Authorization identifies the caller of a settlement and its nonce.
type Authorization struct {
	Authority common.Address `json:"authority"`
	Nonce     uint64         `json:"nonce"`
}

// Receipt is the stored record of a settlement.
type Receipt struct {
	Seq          uint64                `json:"seq"`
	Trade        events.TradeSettled   `json:"trade"`
	Digest       common.Hash           `json:"digest"`
	Authority    common.Address        `json:"authority"`
	Nonce        uint64                `json:"nonce"`
	BuyerStatus  orderbook.OrderStatus `json:"buyer_status"`
	SellerStatus orderbook.OrderStatus `json:"seller_status"`
	BuyerRefund  uint64                `json:"buyer_refund"`
	SellerRefund uint64                `json:"seller_refund"`
}

// PlaceRequest submits a sealed order.
type PlaceRequest struct {
	Book     string
	Owner    common.Address
	Payload  []byte // plaintext sealed to the boundary
	ScopeKey []byte // owner's public key for sealed results
}

type Engine struct {
	mu sync.Mutex

	store      *storage.Store
	custodian  Custodian
	boundary   matching.Boundary
	clock      util.Clock
	sink       events.Sink
	logger     *zap.Logger
	metrics    *Metrics
	maxPayload int
}

type Option func(*Engine)

func WithClock(c util.Clock) Option     { return func(e *Engine) { e.clock = c } }
func WithSink(s events.Sink) Option     { return func(e *Engine) { e.sink = s } }
func WithLogger(l *zap.Logger) Option   { return func(e *Engine) { e.logger = l.Named("settlement") } }
func WithMetrics(m *Metrics) Option     { return func(e *Engine) { e.metrics = m } }
func WithMaxCipherPayload(n int) Option { return func(e *Engine) { e.maxPayload = n } }

func NewEngine(store *storage.Store, custodian Custodian, boundary matching.Boundary, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		custodian:  custodian,
		boundary:   boundary,
		clock:      util.RealClock{},
		sink:       events.Nop{},
		logger:     zap.NewNop(),
		maxPayload: DefaultMaxCipherPayload,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	return e
}

func (e *Engine) now() int64 { return e.clock.Now().UnixMilli() }

// CreateBook registers a new book administered by admin.
func (e *Engine) CreateBook(_ context.Context, admin common.Address, cfg orderbook.Config) (*orderbook.Book, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	book, err := orderbook.NewBook(admin, cfg, e.now())
	if err != nil {
		return nil, err
	}
	var existing orderbook.Book
	ok, err := e.store.Get(storage.BookKey(book.ID), &existing)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, fmt.Errorf("%w: book %s", core.ErrAlreadyExists, book.ID)
	}
	if err := e.store.Put(storage.BookKey(book.ID), book); err != nil {
		return nil, err
	}
	e.logger.Info("book created",
		zap.String("book", book.ID),
		zap.String("admin", admin.Hex()),
		zap.Uint16("fee_bps", book.FeeBps),
		zap.Uint8("base_decimals", book.BaseDecimals))
	return book, nil
}

// PauseBook stops the book from accepting orders and settlements.
func (e *Engine) PauseBook(_ context.Context, bookID string, admin common.Address) error {
	return e.setActive(bookID, admin, false)
}

func (e *Engine) ResumeBook(_ context.Context, bookID string, admin common.Address) error {
	return e.setActive(bookID, admin, true)
}

func (e *Engine) setActive(bookID string, admin common.Address, active bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	book, err := e.loadBook(bookID)
	if err != nil {
		return err
	}
	if book.Admin != admin {
		return fmt.Errorf("%w: %s is not admin of %s", core.ErrUnauthorized, admin.Hex(), bookID)
	}
	if active {
		book.Resume()
	} else {
		book.Pause()
	}
	if err := e.store.Put(storage.BookKey(bookID), book); err != nil {
		return err
	}
	e.logger.Info("book state changed", zap.String("book", bookID), zap.Bool("active", active))
	return nil
}

// PlaceOrder reveals a sealed order inside the boundary, locks its escrow and
// records it. The returned order never carries the price.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceRequest) (*orderbook.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	book, err := e.loadBook(req.Book)
	if err != nil {
		return nil, err
	}
	if err := book.CheckAccepting(); err != nil {
		return nil, err
	}
	if len(req.Payload) > e.maxPayload {
		return nil, fmt.Errorf("%w: %d bytes, max %d", core.ErrPayloadTooLarge, len(req.Payload), e.maxPayload)
	}
	if len(req.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", core.ErrInvalidOrder)
	}

	pt, err := e.boundary.Reveal(ctx, req.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: reveal: %w", core.ErrInvalidOrder, err)
	}
	if err := book.CheckOrderSize(pt.Amount); err != nil {
		return nil, err
	}
	if pt.Price == 0 {
		return nil, fmt.Errorf("%w: zero price", core.ErrInvalidOrder)
	}
	kind, required, err := book.EscrowRequirement(pt.Side, pt.Price, pt.Amount)
	if err != nil {
		return nil, err
	}
	if required == 0 {
		return nil, fmt.Errorf("%w: order escrows nothing", core.ErrOrderTooSmall)
	}

	digest := crypto.PayloadDigest(req.Payload)
	var prior uint64
	seen, err := e.store.Get(storage.DigestKey(book.ID, digest), &prior)
	if err != nil {
		return nil, err
	}
	if seen {
		return nil, fmt.Errorf("%w: payload already placed as order %d", core.ErrAlreadyExists, prior)
	}

	now := e.now()
	id, err := book.AllocateID()
	if err != nil {
		return nil, err
	}
	order, err := orderbook.NewOrder(id, book.ID, req.Owner, pt.Side, pt.Price, pt.Amount, now)
	if err != nil {
		return nil, err
	}
	order.Price = 0
	order.CipherPayload = append([]byte(nil), req.Payload...)
	order.PayloadDigest = digest
	order.ScopeKey = append([]byte(nil), req.ScopeKey...)

	asset := book.Pair.Asset(kind)
	esc := escrow.New(book.ID, id, req.Owner, kind, asset, required)
	dep := custody.Deposit{Book: book.ID, OrderID: id, Owner: req.Owner, Asset: asset, Amount: required}

	if err := e.custodian.Lock(ctx, dep); err != nil {
		return nil, fmt.Errorf("lock escrow for order %d: %w", id, err)
	}

	b := e.store.NewBatch()
	defer b.Close()
	err = errors.Join(
		b.Put(storage.OrderKey(book.ID, id), order),
		b.Put(storage.EscrowKey(book.ID, id), esc),
		b.Put(storage.BookKey(book.ID), book),
		b.Put(storage.DigestKey(book.ID, digest), id),
	)
	if err == nil {
		err = b.Commit()
	}
	if err != nil {
		if uerr := e.custodian.Unlock(ctx, dep); uerr != nil {
			e.logger.Error("unlock after failed place", zap.Uint64("order_id", id), zap.Error(uerr))
		}
		return nil, fmt.Errorf("commit order %d: %w", id, err)
	}

	e.metrics.OrdersPlaced.WithLabelValues(book.ID).Inc()
	e.logger.Info("order placed",
		zap.String("book", book.ID),
		zap.Uint64("order_id", id),
		zap.String("owner", req.Owner.Hex()),
		zap.Stringer("escrow_kind", kind))

	e.publish(ctx, events.NewOrderEvent(events.KindOrderPlaced, events.OrderEvent{
		Book:          book.ID,
		OrderID:       id,
		Owner:         req.Owner,
		Status:        order.Status.String(),
		PayloadDigest: common.Hash(order.PayloadDigest),
	}, now))
	return order, nil
}

// CancelOrder cancels an open order and refunds what is left in its escrow.
func (e *Engine) CancelOrder(ctx context.Context, bookID string, orderID uint64, caller common.Address) (*orderbook.Order, uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	book, err := e.loadBook(bookID)
	if err != nil {
		return nil, 0, err
	}
	order, err := e.loadOrder(bookID, orderID)
	if err != nil {
		return nil, 0, err
	}
	esc, err := e.loadEscrow(bookID, orderID)
	if err != nil {
		return nil, 0, err
	}

	now := e.now()
	if err := order.Cancel(caller, now); err != nil {
		return nil, 0, err
	}
	if err := book.Release(1); err != nil {
		return nil, 0, err
	}
	refund := esc.Drain()

	var legs []custody.Leg
	if refund > 0 {
		legs = append(legs, custody.Leg{Book: bookID, OrderID: orderID, To: order.Owner, Asset: esc.Asset, Amount: refund})
	}
	if err := e.custodian.Transfer(ctx, legs...); err != nil {
		return nil, 0, fmt.Errorf("refund order %d: %w", orderID, err)
	}

	b := e.store.NewBatch()
	defer b.Close()
	err = errors.Join(
		b.Put(storage.OrderKey(bookID, orderID), order),
		b.Put(storage.EscrowKey(bookID, orderID), esc),
		b.Put(storage.BookKey(bookID), book),
	)
	if err == nil {
		err = b.Commit()
	}
	if err != nil {
		e.revert(ctx, legs)
		return nil, 0, fmt.Errorf("commit cancel %d: %w", orderID, err)
	}

	e.metrics.OrdersCancelled.WithLabelValues(bookID).Inc()
	e.logger.Info("order cancelled",
		zap.String("book", bookID),
		zap.Uint64("order_id", orderID),
		zap.Uint64("refunded", refund))

	e.publish(ctx, events.NewOrderEvent(events.KindOrderCancelled, events.OrderEvent{
		Book:          bookID,
		OrderID:       orderID,
		Owner:         order.Owner,
		Status:        order.Status.String(),
		PayloadDigest: common.Hash(order.PayloadDigest),
		Refunded:      refund,
	}, now))
	return order, refund, nil
}

// IssueAuthorization grants authority the right to settle on the book until
// expiresAt (unix ms). Re-issuing renews an existing token and keeps its
// nonce.
func (e *Engine) IssueAuthorization(_ context.Context, bookID string, admin, authority common.Address, expiresAt int64) (*auth.Token, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	book, err := e.loadBook(bookID)
	if err != nil {
		return nil, err
	}
	if book.Admin != admin {
		return nil, fmt.Errorf("%w: %s is not admin of %s", core.ErrUnauthorized, admin.Hex(), bookID)
	}

	now := e.now()
	tok, err := e.loadToken(bookID, authority)
	if err != nil {
		return nil, err
	}
	if tok != nil {
		err = tok.Renew(expiresAt, now)
	} else {
		tok, err = auth.Issue(authority, bookID, expiresAt, now)
	}
	if err != nil {
		return nil, err
	}
	if err := e.store.Put(storage.AuthKey(bookID, authority), tok); err != nil {
		return nil, err
	}
	e.logger.Info("authorization issued",
		zap.String("book", bookID),
		zap.String("authority", authority.Hex()),
		zap.Int64("expires_at", expiresAt))
	return tok, nil
}

// RevokeAuthorization deactivates an authority's token.
func (e *Engine) RevokeAuthorization(_ context.Context, bookID string, admin, authority common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	book, err := e.loadBook(bookID)
	if err != nil {
		return err
	}
	if book.Admin != admin {
		return fmt.Errorf("%w: %s is not admin of %s", core.ErrUnauthorized, admin.Hex(), bookID)
	}
	tok, err := e.loadToken(bookID, authority)
	if err != nil {
		return err
	}
	if tok == nil {
		return fmt.Errorf("%w: no authorization for %s on %s", core.ErrNotFound, authority.Hex(), bookID)
	}
	tok.Revoke()
	if err := e.store.Put(storage.AuthKey(bookID, authority), tok); err != nil {
		return err
	}
	e.logger.Info("authorization revoked", zap.String("book", bookID), zap.String("authority", authority.Hex()))
	return nil
}

// Settle executes one match: it moves quote from the buyer's escrow to the
// seller, base from the seller's escrow to the buyer, refunds the escrow
// residue of any order that becomes filled, and records the trade.
func (e *Engine) Settle(ctx context.Context, in MatchInput, a Authorization) (_ *Receipt, err error) {
	start := time.Now()
	defer func() {
		e.metrics.SettleDuration.Observe(time.Since(start).Seconds())
		e.metrics.Settlements.WithLabelValues(in.Book, resultLabel(err)).Inc()
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	tok, err := e.loadToken(in.Book, a.Authority)
	if err != nil {
		return nil, err
	}
	if err := tok.Authorize(a.Authority, in.Book, now); err != nil {
		return nil, err
	}
	if err := tok.CheckNonce(a.Nonce); err != nil {
		return nil, err
	}

	book, err := e.loadBook(in.Book)
	if err != nil {
		return nil, err
	}
	if err := book.CheckAccepting(); err != nil {
		return nil, err
	}

	buy, err := e.loadOrder(in.Book, in.BuyerOrderID)
	if err != nil {
		return nil, err
	}
	sell, err := e.loadOrder(in.Book, in.SellerOrderID)
	if err != nil {
		return nil, err
	}
	if buy.Side != core.Buy {
		return nil, fmt.Errorf("%w: order %d is not a buy", core.ErrInvalidOrderStatus, buy.ID)
	}
	if sell.Side != core.Sell {
		return nil, fmt.Errorf("%w: order %d is not a sell", core.ErrInvalidOrderStatus, sell.ID)
	}
	if err := buy.CheckFill(in.Matched); err != nil {
		return nil, err
	}
	if err := sell.CheckFill(in.Matched); err != nil {
		return nil, err
	}
	if in.ExecutionPrice == 0 {
		return nil, fmt.Errorf("%w: zero execution price", core.ErrInvalidOrder)
	}

	factor, err := book.DecimalsFactor()
	if err != nil {
		return nil, err
	}
	quote, err := fixedpoint.QuoteAmount(in.Matched, in.ExecutionPrice, factor)
	if err != nil {
		return nil, err
	}

	buyEsc, err := e.loadEscrow(in.Book, buy.ID)
	if err != nil {
		return nil, err
	}
	sellEsc, err := e.loadEscrow(in.Book, sell.ID)
	if err != nil {
		return nil, err
	}
	if err := buyEsc.CheckDebit(quote); err != nil {
		return nil, err
	}
	if err := sellEsc.CheckDebit(in.Matched); err != nil {
		return nil, err
	}
	if err := e.checkLimits(ctx, buy, sell, in.ExecutionPrice); err != nil {
		return nil, err
	}

	// Records are in memory until the batch below commits.
	if err := buyEsc.Debit(quote); err != nil {
		return nil, err
	}
	if err := sellEsc.Debit(in.Matched); err != nil {
		return nil, err
	}
	if err := buy.Fill(in.Matched, now); err != nil {
		return nil, err
	}
	if err := sell.Fill(in.Matched, now); err != nil {
		return nil, err
	}

	legs := make([]custody.Leg, 0, 4)
	if quote > 0 {
		legs = append(legs, custody.Leg{Book: in.Book, OrderID: buy.ID, To: sell.Owner, Asset: buyEsc.Asset, Amount: quote})
	}
	legs = append(legs, custody.Leg{Book: in.Book, OrderID: sell.ID, To: buy.Owner, Asset: sellEsc.Asset, Amount: in.Matched})

	var filled, buyRefund, sellRefund uint64
	if buy.Status == orderbook.StatusFilled {
		filled++
		if buyRefund = buyEsc.Drain(); buyRefund > 0 {
			legs = append(legs, custody.Leg{Book: in.Book, OrderID: buy.ID, To: buy.Owner, Asset: buyEsc.Asset, Amount: buyRefund})
		}
	}
	if sell.Status == orderbook.StatusFilled {
		filled++
		if sellRefund = sellEsc.Drain(); sellRefund > 0 {
			legs = append(legs, custody.Leg{Book: in.Book, OrderID: sell.ID, To: sell.Owner, Asset: sellEsc.Asset, Amount: sellRefund})
		}
	}
	if err := book.Release(filled); err != nil {
		return nil, err
	}
	if err := tok.Consume(a.Nonce); err != nil {
		return nil, err
	}
	seq := book.RecordTrade(now)

	trade := events.TradeSettled{
		Book:           in.Book,
		Buyer:          buy.Owner,
		Seller:         sell.Owner,
		BuyerOrderID:   buy.ID,
		SellerOrderID:  sell.ID,
		BaseAmount:     in.Matched,
		QuoteAmount:    quote,
		ExecutionPrice: in.ExecutionPrice,
		Timestamp:      now,
	}
	receipt := &Receipt{
		Seq:          seq,
		Trade:        trade,
		Digest:       trade.Digest(),
		Authority:    a.Authority,
		Nonce:        a.Nonce,
		BuyerStatus:  buy.Status,
		SellerStatus: sell.Status,
		BuyerRefund:  buyRefund,
		SellerRefund: sellRefund,
	}

	if err := e.custodian.Transfer(ctx, legs...); err != nil {
		return nil, fmt.Errorf("settle transfer: %w", err)
	}

	b := e.store.NewBatch()
	defer b.Close()
	err = errors.Join(
		b.Put(storage.OrderKey(in.Book, buy.ID), buy),
		b.Put(storage.OrderKey(in.Book, sell.ID), sell),
		b.Put(storage.EscrowKey(in.Book, buy.ID), buyEsc),
		b.Put(storage.EscrowKey(in.Book, sell.ID), sellEsc),
		b.Put(storage.BookKey(in.Book), book),
		b.Put(storage.AuthKey(in.Book, a.Authority), tok),
		b.Put(storage.TradeKey(in.Book, seq), receipt),
	)
	if err == nil {
		err = b.Commit()
	}
	if err != nil {
		e.revert(ctx, legs)
		return nil, fmt.Errorf("commit settlement: %w", err)
	}

	e.metrics.BaseVolume.WithLabelValues(in.Book).Add(float64(in.Matched))
	e.logger.Info("trade settled",
		zap.String("book", in.Book),
		zap.Uint64("seq", seq),
		zap.Uint64("buyer_order_id", buy.ID),
		zap.Uint64("seller_order_id", sell.ID),
		zap.Uint64("base_amount", in.Matched),
		zap.Uint64("quote_amount", quote),
		zap.Stringer("digest", receipt.Digest))

	e.publish(ctx, events.NewTradeSettled(trade))
	return receipt, nil
}

// QueueMatches announces sealed match results from an authorized keeper.
// Nothing is settled; the results let owners learn their outcome.
func (e *Engine) QueueMatches(ctx context.Context, bookID string, authority common.Address, matches []matching.SealedMatch) (int, error) {
	e.mu.Lock()
	book, err := e.loadBook(bookID)
	if err != nil {
		e.mu.Unlock()
		return 0, err
	}
	tok, err := e.loadToken(bookID, authority)
	if err == nil {
		err = tok.Authorize(authority, bookID, e.now())
	}
	now := e.now()
	e.mu.Unlock()
	if err != nil {
		return 0, err
	}

	for _, m := range matches {
		if m.Match.Buy.Book != book.ID || m.Match.Sell.Book != book.ID {
			return 0, fmt.Errorf("%w: match %d/%d is not on %s", core.ErrInvalidOrder, m.Match.Buy.ID, m.Match.Sell.ID, book.ID)
		}
	}
	for _, m := range matches {
		e.publish(ctx, events.NewMatchQueued(events.MatchQueued{
			Book:          book.ID,
			Buyer:         m.Buyer.Owner,
			Seller:        m.Seller.Owner,
			BuyerOrderID:  m.Buyer.OrderID,
			SellerOrderID: m.Seller.OrderID,
			BuyerResult:   m.Buyer,
			SellerResult:  m.Seller,
			Timestamp:     now,
		}))
	}
	e.metrics.MatchesQueued.WithLabelValues(book.ID).Add(float64(len(matches)))
	return len(matches), nil
}

// checkLimits reveals both orders again and rejects an execution price
// outside [sell limit, buy limit]. The limits are kept out of the error.
func (e *Engine) checkLimits(ctx context.Context, buy, sell *orderbook.Order, price uint64) error {
	bp, err := e.boundary.Reveal(ctx, buy.CipherPayload)
	if err != nil {
		return fmt.Errorf("%w: reveal order %d: %w", core.ErrInvalidOrder, buy.ID, err)
	}
	sp, err := e.boundary.Reveal(ctx, sell.CipherPayload)
	if err != nil {
		return fmt.Errorf("%w: reveal order %d: %w", core.ErrInvalidOrder, sell.ID, err)
	}
	if price < sp.Price || price > bp.Price {
		return fmt.Errorf("%w: execution price %d outside the limits of orders %d/%d",
			core.ErrInvalidOrder, price, buy.ID, sell.ID)
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.sink.Publish(ctx, ev); err != nil {
		e.logger.Warn("publish event", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

func (e *Engine) revert(ctx context.Context, legs []custody.Leg) {
	if len(legs) == 0 {
		return
	}
	if err := e.custodian.Revert(ctx, legs...); err != nil {
		e.logger.Error("custody revert failed; manual reconciliation required",
			zap.Int("legs", len(legs)), zap.Error(err))
	}
}
