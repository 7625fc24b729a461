package integrity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/staffmarket/leakguard/internal/logging"
	"github.com/staffmarket/leakguard/internal/marketplace"
	"github.com/staffmarket/leakguard/internal/metrics"
	"github.com/staffmarket/leakguard/internal/traces"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Fixed confidences per call site.
const (
	threadBaseConfidence     = 0.45
	threadPerMessage         = 0.08
	directSwitchConfidence   = 0.68
	proximityCloneConfidence = 0.82
)

const dateLayout = "2006-01-02"

// DirectBooking identifies a newly confirmed off-platform booking.
type DirectBooking struct {
	EventID          string
	ActorUserID      string
	CompanyID        string
	EventType        string
	LocationPostcode string
	FirstEventDate   *time.Time
}

// Validate checks the fields every ingestion needs.
func (b *DirectBooking) Validate() error {
	if b.EventID == "" {
		return fmt.Errorf("%w: event id is required", ErrInvalidBooking)
	}
	if b.CompanyID == "" {
		return fmt.Errorf("%w: company id is required", ErrInvalidBooking)
	}
	return nil
}

// conversationFacts is everything the detector needs to judge one thread.
type conversationFacts struct {
	conv         *marketplace.Conversation
	messageCount int
	event        *marketplace.Event // nil when the listing is gone
	firstDay     *time.Time
	quoteStatus  marketplace.QuoteStatus
}

func (f *conversationFacts) convertedOnPlatform() bool {
	if f.quoteStatus == marketplace.QuoteStatusAwarded {
		return true
	}
	return f.event != nil && f.event.Status == marketplace.EventStatusAwarded
}

// Detector matches a direct booking against the company's recent
// marketplace activity and records the evidence it finds.
type Detector struct {
	reader     marketplace.Reader
	recorder   *Recorder
	aggregator *Aggregator
	policy     Policy
	now        func() time.Time
}

// NewDetector creates a detector. policy must be valid.
func NewDetector(reader marketplace.Reader, recorder *Recorder, aggregator *Aggregator, policy Policy) *Detector {
	return &Detector{
		reader:     reader,
		recorder:   recorder,
		aggregator: aggregator,
		policy:     policy,
		now:        time.Now,
	}
}

// Ingest scans the booking company's recent conversations, records a signal
// for every matched pattern and refreshes the booking's score.
//
// Reads for all conversations are gathered first; any read failure aborts
// before a single signal is written. Signals are then written one
// conversation at a time, newest conversation first.
func (d *Detector) Ingest(ctx context.Context, b DirectBooking) (*Score, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "integrity.Ingest",
		traces.EventID(b.EventID), traces.CompanyID(b.CompanyID))
	defer span.End()

	timer := prometheus.NewTimer(metrics.IntegrityIngestDuration)
	defer timer.ObserveDuration()

	scanCtx, cancel := context.WithTimeout(ctx, d.policy.ScanTimeout)
	since := d.now().Add(-d.policy.Lookback())
	convs, err := d.reader.RecentConversations(scanCtx, b.CompanyID, since, d.policy.MaxConversations)
	cancel()
	if err != nil {
		return nil, d.fail(span, "scan", fmt.Errorf("failed to scan marketplace conversations: %w", err))
	}

	facts, err := d.gather(ctx, b.CompanyID, convs)
	if err != nil {
		return nil, d.fail(span, "gather", err)
	}

	emitted := 0
	for _, f := range facts {
		for _, sig := range d.evaluate(b, f) {
			if err := d.recorder.Record(ctx, sig); err != nil {
				return nil, d.fail(span, "record", err)
			}
			emitted++
		}
	}

	score, err := d.aggregator.Recompute(ctx, b.EventID, b.CompanyID, b.ActorUserID)
	if err != nil {
		return nil, d.fail(span, "recompute", err)
	}

	logging.L(ctx).Info("direct booking ingested",
		"event_id", b.EventID,
		"company_id", b.CompanyID,
		"conversations", len(convs),
		"signals", emitted,
	)
	return score, nil
}

func (d *Detector) fail(span trace.Span, stage string, err error) error {
	metrics.IntegrityIngestErrorsTotal.WithLabelValues(stage).Inc()
	traces.RecordError(span, err)
	return err
}

// gather collects per-conversation facts with at most FanoutWorkers
// conversations in flight. The result keeps the input order.
func (d *Detector) gather(ctx context.Context, companyID string, convs []*marketplace.Conversation) ([]*conversationFacts, error) {
	facts := make([]*conversationFacts, len(convs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.policy.FanoutWorkers)
	for i, c := range convs {
		g.Go(func() error {
			f, err := d.collect(gctx, companyID, c)
			if err != nil {
				return fmt.Errorf("failed to read conversation %s: %w", c.ID, err)
			}
			facts[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return facts, nil
}

// collect issues one conversation's lookups concurrently.
func (d *Detector) collect(ctx context.Context, companyID string, c *marketplace.Conversation) (*conversationFacts, error) {
	f := &conversationFacts{conv: c}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rctx, cancel := context.WithTimeout(gctx, d.policy.ReadTimeout)
		defer cancel()
		n, err := d.reader.CountMessages(rctx, c.ID)
		if err != nil {
			return err
		}
		f.messageCount = n
		return nil
	})

	if c.RelatedEventID != "" {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(gctx, d.policy.ReadTimeout)
			defer cancel()
			e, err := d.reader.GetEvent(rctx, c.RelatedEventID)
			if errors.Is(err, marketplace.ErrEventNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			f.event = e
			return nil
		})
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(gctx, d.policy.ReadTimeout)
			defer cancel()
			day, ok, err := d.reader.FirstEventDay(rctx, c.RelatedEventID)
			if err != nil {
				return err
			}
			if ok {
				f.firstDay = &day
			}
			return nil
		})
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(gctx, d.policy.ReadTimeout)
			defer cancel()
			status, err := d.reader.LatestQuoteStatus(rctx, c.RelatedEventID, companyID)
			if err != nil {
				return err
			}
			f.quoteStatus = status
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return f, nil
}

// evaluate turns one conversation's facts into the signals it warrants.
func (d *Detector) evaluate(b DirectBooking, f *conversationFacts) []*Signal {
	var out []*Signal

	base := func(t SignalType, confidence float64, weight int, details map[string]any) *Signal {
		return &Signal{
			EventID:               b.EventID,
			RelatedEventID:        f.conv.RelatedEventID,
			RelatedConversationID: f.conv.ID,
			CompanyID:             b.CompanyID,
			ActorUserID:           b.ActorUserID,
			Type:                  t,
			Confidence:            confidence,
			Weight:                weight,
			Details:               details,
		}
	}

	if f.messageCount >= d.policy.MinThreadMessages && !f.convertedOnPlatform() {
		var lastMessageAt any
		if f.conv.LastMessageAt != nil {
			lastMessageAt = f.conv.LastMessageAt.UTC().Format(time.RFC3339)
		}
		out = append(out,
			base(SignalThreadNoConvert,
				math.Min(1, threadBaseConfidence+threadPerMessage*float64(f.messageCount)),
				WeightThreadNoConvert,
				map[string]any{
					"message_count":   f.messageCount,
					"quote_status":    string(f.quoteStatus),
					"last_message_at": lastMessageAt,
				}),
			base(SignalMarketplaceToDir,
				directSwitchConfidence,
				WeightDirectSwitch,
				map[string]any{
					"rationale": fmt.Sprintf(
						"marketplace conversation with %d messages never converted on-platform before a direct booking was confirmed",
						f.messageCount),
				}),
		)
	}

	if f.event != nil &&
		PostcodesMatch(b.LocationPostcode, f.event.LocationPostcode) &&
		WithinDays(b.FirstEventDate, f.firstDay, d.policy.ProximityDays) &&
		TypesMatch(b.EventType, f.event.EventType) {
		out = append(out, base(SignalProximityClone,
			proximityCloneConfidence,
			WeightProximityClone,
			map[string]any{
				"direct_event_type":      b.EventType,
				"direct_postcode":        b.LocationPostcode,
				"direct_first_date":      b.FirstEventDate.Format(dateLayout),
				"marketplace_event_type": f.event.EventType,
				"marketplace_postcode":   f.event.LocationPostcode,
				"marketplace_first_date": f.firstDay.Format(dateLayout),
			}))
	}

	return out
}
