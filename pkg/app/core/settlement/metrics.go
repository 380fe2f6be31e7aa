package settlement

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/uhyunpark/shadowswap/pkg/app/core"
)

// Metrics are the engine's prometheus collectors. A nil registerer yields
// working but unregistered collectors.
type Metrics struct {
	Settlements     *prometheus.CounterVec
	SettleDuration  prometheus.Histogram
	BaseVolume      *prometheus.CounterVec
	OrdersPlaced    *prometheus.CounterVec
	OrdersCancelled *prometheus.CounterVec
	MatchesQueued   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Settlements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowswap",
			Subsystem: "settlement",
			Name:      "settlements_total",
			Help:      "Settlement attempts by book and result.",
		}, []string{"book", "result"}),
		SettleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shadowswap",
			Subsystem: "settlement",
			Name:      "settle_duration_seconds",
			Help:      "Time spent in Settle, including custody transfer and commit.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		BaseVolume: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowswap",
			Subsystem: "settlement",
			Name:      "base_volume_total",
			Help:      "Settled base quantity in base units.",
		}, []string{"book"}),
		OrdersPlaced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowswap",
			Subsystem: "orders",
			Name:      "placed_total",
			Help:      "Orders accepted into a book.",
		}, []string{"book"}),
		OrdersCancelled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowswap",
			Subsystem: "orders",
			Name:      "cancelled_total",
			Help:      "Orders cancelled by their owner.",
		}, []string{"book"}),
		MatchesQueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowswap",
			Subsystem: "settlement",
			Name:      "matches_queued_total",
			Help:      "Sealed matches announced by the keeper.",
		}, []string{"book"}),
	}
}

// resultLabel classifies a settlement error for the result label.
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	switch {
	case errors.Is(err, core.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, core.ErrInsufficientEscrow):
		return "insufficient_escrow"
	case errors.Is(err, core.ErrInvalidOrderStatus), errors.Is(err, core.ErrExceedsRemaining):
		return "invalid_order"
	case errors.Is(err, core.ErrOrderBookInactive):
		return "inactive"
	default:
		return "error"
	}
}
