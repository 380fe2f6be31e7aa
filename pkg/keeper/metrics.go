package keeper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	CycleDuration prometheus.Histogram
	Settlements   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shadowswap",
			Subsystem: "keeper",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one reveal/match/settle cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		Settlements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowswap",
			Subsystem: "keeper",
			Name:      "settlements_total",
			Help:      "Settlements submitted by the keeper, by outcome.",
		}, []string{"book", "outcome"}),
	}
}
