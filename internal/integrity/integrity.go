// Package integrity detects off-platform leakage between staffing companies
// and event organisers and scores each direct booking for human review.
//
// A direct (off-platform) booking is checked against the company's recent
// marketplace conversations. Matching behaviour is written to an append-only
// signal log; every signal carries a confidence in [0,1] and a fixed weight.
// The signals on file for a booking are then folded into one score:
//
//	score = min(1000, round(sum(weight * confidence)))
//
// and a risk band (low < 35 <= medium < 70 <= high). Scores are derived data:
// they are recomputed from the log and upserted, never edited directly.
//
// The package only produces evidence. What happens to a high-risk booking
// is decided elsewhere.
package integrity

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidSignal  = errors.New("invalid integrity signal")
	ErrInvalidBooking = errors.New("invalid direct booking")
	ErrScoreNotFound  = errors.New("integrity score not found")
)

// SignalType identifies the behavioural pattern a signal observed.
type SignalType string

const (
	SignalThreadNoConvert  SignalType = "THREAD_NO_CONVERT"
	SignalProximityClone   SignalType = "PROXIMITY_CLONE"
	SignalMarketplaceToDir SignalType = "MARKETPLACE_TO_DIRECT_SWITCH"
	SignalPassOnActivity   SignalType = "PASS_ON_ACTIVITY"
)

// Valid reports whether t is one of the known signal types.
func (t SignalType) Valid() bool {
	switch t {
	case SignalThreadNoConvert, SignalProximityClone, SignalMarketplaceToDir, SignalPassOnActivity:
		return true
	}
	return false
}

// RiskBand is the categorical reading of a score.
type RiskBand string

const (
	BandLow    RiskBand = "low"
	BandMedium RiskBand = "medium"
	BandHigh   RiskBand = "high"
)

// Valid reports whether b is one of the known bands.
func (b RiskBand) Valid() bool {
	switch b {
	case BandLow, BandMedium, BandHigh:
		return true
	}
	return false
}

// Band thresholds and the score ceiling. The thresholds are judged against
// the raw capped score.
const (
	MaxScore            = 1000
	HighBandThreshold   = 70
	MediumBandThreshold = 35
	MaxTopSignalTypes   = 5
)

// Signal weights, fixed per call site.
const (
	WeightThreadNoConvert = 24
	WeightDirectSwitch    = 28
	WeightProximityClone  = 36
)

// Signal is one observation of suspicious behaviour tied to a direct booking.
type Signal struct {
	ID                    string         `json:"id"`
	EventID               string         `json:"eventId"`
	RelatedEventID        string         `json:"relatedEventId,omitempty"`
	RelatedConversationID string         `json:"relatedConversationId,omitempty"`
	CompanyID             string         `json:"companyId,omitempty"`
	ActorUserID           string         `json:"actorUserId,omitempty"`
	Type                  SignalType     `json:"signalType"`
	Confidence            float64        `json:"confidence"`
	Weight                int            `json:"weight"`
	Details               map[string]any `json:"details"`
	CreatedAt             time.Time      `json:"createdAt"`
}

// Contribution is the signal's weighted share of a score before rounding.
func (s *Signal) Contribution() float64 {
	return float64(s.Weight) * s.Confidence
}

// Score is the aggregate risk reading for one direct booking.
type Score struct {
	EventID                 string       `json:"eventId"`
	CompanyID               string       `json:"companyId,omitempty"`
	Score                   int          `json:"score"`
	RiskBand                RiskBand     `json:"riskBand"`
	ContributingSignalCount int          `json:"contributingSignalCount"`
	TopSignalTypes          []SignalType `json:"topSignalTypes"`
	LatestSignalAt          *time.Time   `json:"latestSignalAt,omitempty"`
	ComputedAt              time.Time    `json:"computedAt"`
	UpdatedBy               string       `json:"updatedBy,omitempty"`
}

// ScoreQuery filters the review listing of scores.
type ScoreQuery struct {
	Band      RiskBand
	CompanyID string
	Limit     int
	Cursor    string
}

// ScorePage is one page of a score listing.
type ScorePage struct {
	Scores     []*Score `json:"scores"`
	NextCursor string   `json:"nextCursor,omitempty"`
	HasMore    bool     `json:"hasMore"`
}

// BuildFunc turns the signals currently on file for an event (newest first)
// into the score that replaces the stored one.
type BuildFunc func(signals []*Signal) *Score

// Store persists the signal log and the derived scores.
type Store interface {
	// InsertSignal appends a signal, assigning ID and CreatedAt.
	InsertSignal(ctx context.Context, sig *Signal) error
	// ListSignals returns the event's signals ordered by CreatedAt descending.
	ListSignals(ctx context.Context, eventID string) ([]*Signal, error)
	// Recompute reads the event's signals and upserts the score built from
	// them as one isolated unit per event.
	Recompute(ctx context.Context, eventID string, build BuildFunc) (*Score, error)
	GetScore(ctx context.Context, eventID string) (*Score, error)
	ListScores(ctx context.Context, q ScoreQuery) (*ScorePage, error)
}
