// Package keeper runs the authorized off-core loop: each cycle it reveals a
// book's open orders inside the boundary, matches them, announces the sealed
// results and settles every valid match through the engine.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/shadowswap/pkg/app/core"
	"github.com/uhyunpark/shadowswap/pkg/app/core/auth"
	"github.com/uhyunpark/shadowswap/pkg/app/core/matching"
	"github.com/uhyunpark/shadowswap/pkg/app/core/orderbook"
	"github.com/uhyunpark/shadowswap/pkg/app/core/settlement"
	"github.com/uhyunpark/shadowswap/pkg/util"
)

// Engine is the subset of settlement.Engine the keeper drives.
type Engine interface {
	Book(id string) (*orderbook.Book, error)
	ActiveOrders(book string) ([]*orderbook.Order, error)
	Authorization(book string, authority common.Address) (*auth.Token, error)
	QueueMatches(ctx context.Context, book string, authority common.Address, matches []matching.SealedMatch) (int, error)
	Settle(ctx context.Context, in settlement.MatchInput, a settlement.Authorization) (*settlement.Receipt, error)
}

type Config struct {
	Books      []string
	Interval   time.Duration
	Mode       matching.Mode
	MaxRetries int
	RetryDelay time.Duration
	Clock      util.Clock
}

func DefaultConfig() Config {
	return Config{
		Interval:   time.Second,
		Mode:       matching.ModeSinglePass,
		MaxRetries: 3,
		RetryDelay: 200 * time.Millisecond,
		Clock:      util.RealClock{},
	}
}

// Report summarises one cycle on one book.
type Report struct {
	CycleID  string
	Book     string
	Orders   int
	Skipped  int // orders that failed to reveal
	Matches  int
	Rejected int // matches that failed validation
	Settled  int
	Failed   int
	Stats    matching.Stats
}

type Keeper struct {
	engine    Engine
	boundary  matching.Boundary
	authority common.Address
	cfg       Config
	logger    *zap.Logger
	metrics   *Metrics
}

func New(engine Engine, boundary matching.Boundary, authority common.Address, cfg Config, logger *zap.Logger, metrics *Metrics) *Keeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	return &Keeper{
		engine:    engine,
		boundary:  boundary,
		authority: authority,
		cfg:       cfg,
		logger:    logger.Named("keeper"),
		metrics:   metrics,
	}
}

// Start runs cycles in a background goroutine until the returned cancel
// function is called or ctx ends.
func (k *Keeper) Start(ctx context.Context) context.CancelFunc {
	runCtx, cancel := context.WithCancel(ctx)
	go k.Run(runCtx)
	return cancel
}

// Run blocks, running one cycle per book every Interval.
func (k *Keeper) Run(ctx context.Context) {
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()

	k.logger.Info("keeper started",
		zap.Strings("books", k.cfg.Books),
		zap.Duration("interval", k.cfg.Interval),
		zap.String("mode", string(k.cfg.Mode)),
		zap.String("authority", k.authority.Hex()))

	for {
		select {
		case <-ctx.Done():
			k.logger.Info("keeper stopped")
			return
		case <-ticker.C:
			for _, book := range k.cfg.Books {
				if _, err := k.RunCycle(ctx, book); err != nil && !errors.Is(err, context.Canceled) {
					k.logger.Warn("cycle failed", zap.String("book", book), zap.Error(err))
				}
			}
		}
	}
}

// RunCycle performs one reveal, match, announce and settle pass on book.
func (k *Keeper) RunCycle(ctx context.Context, bookID string) (*Report, error) {
	start := time.Now()
	rep := &Report{CycleID: uuid.NewString(), Book: bookID}
	log := k.logger.With(zap.String("cycle_id", rep.CycleID), zap.String("book", bookID))
	defer func() {
		k.metrics.CycleDuration.Observe(time.Since(start).Seconds())
	}()

	book, err := k.engine.Book(bookID)
	if err != nil {
		return nil, err
	}
	if !book.IsActive {
		log.Debug("book paused, skipping")
		return rep, nil
	}
	tok, err := k.engine.Authorization(bookID, k.authority)
	if err != nil {
		return nil, err
	}
	if err := tok.Authorize(k.authority, bookID, k.cfg.Clock.Now().UnixMilli()); err != nil {
		return nil, err
	}

	orders, err := k.engine.ActiveOrders(bookID)
	if err != nil {
		return nil, fmt.Errorf("load active orders: %w", err)
	}
	rep.Orders = len(orders)
	if len(orders) < 2 {
		return rep, nil
	}

	sealed := make([]matching.SealedOrder, 0, len(orders))
	for _, o := range orders {
		sealed = append(sealed, matching.SealedOrder{
			ID:         o.ID,
			Book:       o.Book,
			Scope:      matching.OwnerScope{Owner: o.Owner, Key: o.ScopeKey},
			Ciphertext: o.CipherPayload,
			Timestamp:  o.Timestamp,
			Amount:     o.Remaining,
		})
	}

	sms, skipped, err := matching.BatchMatchSealed(ctx, k.boundary, sealed, k.cfg.Mode)
	if err != nil {
		return nil, fmt.Errorf("match: %w", err)
	}
	rep.Skipped = len(skipped)
	for _, err := range skipped {
		log.Warn("order skipped", zap.Error(err))
	}
	rep.Matches = len(sms)

	byPair := make(map[[2]uint64]matching.SealedMatch, len(sms))
	plain := make([]matching.Match, 0, len(sms))
	for _, sm := range sms {
		byPair[[2]uint64{sm.Match.Buy.ID, sm.Match.Sell.ID}] = sm
		plain = append(plain, sm.Match)
	}
	valid, rejected := matching.FilterValid(plain)
	rep.Rejected = len(rejected)
	for _, err := range rejected {
		log.Warn("match rejected", zap.Error(err))
	}
	if len(valid) == 0 {
		return rep, nil
	}

	valid = matching.Prioritize(valid)
	rep.Stats = matching.CalculateStats(valid, book.FeeBps, book.BaseDecimals)

	queued := make([]matching.SealedMatch, 0, len(valid))
	for _, m := range valid {
		queued = append(queued, byPair[[2]uint64{m.Buy.ID, m.Sell.ID}])
	}
	if _, err := k.engine.QueueMatches(ctx, bookID, k.authority, queued); err != nil {
		return nil, fmt.Errorf("queue matches: %w", err)
	}

	nonce := tok.Nonce
	for _, m := range valid {
		nonce++
		in := settlement.MatchInput{
			Book:           bookID,
			BuyerOrderID:   m.Buy.ID,
			SellerOrderID:  m.Sell.ID,
			Matched:        m.Matched,
			ExecutionPrice: m.ExecutionPrice,
		}
		receipt, err := k.settle(ctx, in, nonce)
		if err != nil {
			rep.Failed++
			k.metrics.Settlements.WithLabelValues(bookID, "failed").Inc()
			log.Warn("settlement failed",
				zap.Uint64("buyer_order_id", m.Buy.ID),
				zap.Uint64("seller_order_id", m.Sell.ID),
				zap.Error(err))
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			// The nonce was not consumed; reuse it for the next match.
			nonce--
			continue
		}
		rep.Settled++
		k.metrics.Settlements.WithLabelValues(bookID, "settled").Inc()
		log.Debug("settled", zap.Uint64("seq", receipt.Seq), zap.Stringer("digest", receipt.Digest))
	}

	log.Info("cycle complete",
		zap.Int("orders", rep.Orders),
		zap.Int("matches", rep.Matches),
		zap.Int("settled", rep.Settled),
		zap.Int("failed", rep.Failed),
		zap.String("base_volume", rep.Stats.BaseVolume.String()),
		zap.String("avg_price", rep.Stats.AveragePrice.String()),
		zap.Duration("took", time.Since(start)))
	return rep, nil
}

// settle retries transient failures. Rule violations (sentinel errors) are
// returned at once since a retry cannot succeed.
func (k *Keeper) settle(ctx context.Context, in settlement.MatchInput, nonce uint64) (*settlement.Receipt, error) {
	a := settlement.Authorization{Authority: k.authority, Nonce: nonce}
	var err error
	for attempt := 0; attempt <= k.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-k.cfg.Clock.After(k.cfg.RetryDelay):
			}
		}
		var r *settlement.Receipt
		r, err = k.engine.Settle(ctx, in, a)
		if err == nil {
			return r, nil
		}
		if permanent(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("settle after %d retries: %w", k.cfg.MaxRetries, err)
}

func permanent(err error) bool {
	for _, target := range []error{
		core.ErrUnauthorized,
		core.ErrInvalidOrderStatus,
		core.ErrInvalidOrder,
		core.ErrExceedsRemaining,
		core.ErrInsufficientEscrow,
		core.ErrArithmeticOverflow,
		core.ErrOrderBookInactive,
		core.ErrNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
