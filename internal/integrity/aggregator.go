package integrity

import (
	"context"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/staffmarket/leakguard/internal/logging"
	"github.com/staffmarket/leakguard/internal/metrics"
	"github.com/staffmarket/leakguard/internal/traces"
)

// Aggregator folds an event's signal log into its score.
type Aggregator struct {
	store Store
	now   func() time.Time
}

// NewAggregator creates a score aggregator backed by the given store.
func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store, now: time.Now}
}

// Recompute rebuilds the score for eventID from every signal on file and
// upserts it. The read and the write happen under the store's per-event
// isolation, so concurrent recomputes for one event cannot lose signals.
func (a *Aggregator) Recompute(ctx context.Context, eventID, companyID, actorUserID string) (*Score, error) {
	ctx, span := traces.StartSpan(ctx, "integrity.Recompute",
		traces.EventID(eventID), traces.CompanyID(companyID))
	defer span.End()

	timer := prometheus.NewTimer(metrics.IntegrityRecomputeDuration)
	defer timer.ObserveDuration()

	score, err := a.store.Recompute(ctx, eventID, func(signals []*Signal) *Score {
		s := Aggregate(eventID, signals)
		s.CompanyID = companyID
		s.ComputedAt = a.now().UTC().Truncate(time.Microsecond)
		s.UpdatedBy = actorUserID
		return s
	})
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	metrics.IntegrityRecomputesTotal.WithLabelValues(string(score.RiskBand)).Inc()
	logging.L(ctx).Info("integrity score recomputed",
		"event_id", eventID,
		"company_id", companyID,
		"score", score.Score,
		"risk_band", score.RiskBand,
		"signals", score.ContributingSignalCount,
	)
	return score, nil
}

// Get returns the stored score for an event.
func (a *Aggregator) Get(ctx context.Context, eventID string) (*Score, error) {
	return a.store.GetScore(ctx, eventID)
}

// List returns one page of stored scores.
func (a *Aggregator) List(ctx context.Context, q ScoreQuery) (*ScorePage, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	return a.store.ListScores(ctx, q)
}

// Aggregate computes the score fields derivable from signals alone.
// signals must be ordered newest first.
func Aggregate(eventID string, signals []*Signal) *Score {
	var sum float64
	top := make([]SignalType, 0, MaxTopSignalTypes)
	seen := make(map[SignalType]bool, MaxTopSignalTypes)

	for _, sig := range signals {
		sum += sig.Contribution()
		if len(top) < MaxTopSignalTypes && !seen[sig.Type] {
			seen[sig.Type] = true
			top = append(top, sig.Type)
		}
	}

	total := int(math.Round(sum))
	if total > MaxScore {
		total = MaxScore
	}
	if total < 0 {
		total = 0
	}

	s := &Score{
		EventID:                 eventID,
		Score:                   total,
		RiskBand:                BandFor(total),
		ContributingSignalCount: len(signals),
		TopSignalTypes:          top,
	}
	if len(signals) > 0 {
		latest := signals[0].CreatedAt
		s.LatestSignalAt = &latest
	}
	return s
}

// BandFor maps a score to its risk band.
func BandFor(score int) RiskBand {
	switch {
	case score >= HighBandThreshold:
		return BandHigh
	case score >= MediumBandThreshold:
		return BandMedium
	default:
		return BandLow
	}
}
