package integrity

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/staffmarket/leakguard/internal/marketplace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var detectorNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type detectorFixture struct {
	store    Store
	market   *marketplace.MemoryStore
	engine   *Engine
	detector *Detector
}

func newDetectorFixture(t *testing.T, store Store, reader marketplace.Reader, market *marketplace.MemoryStore, policy Policy) *detectorFixture {
	t.Helper()
	if store == nil {
		store = NewMemoryStore()
	}
	if market == nil {
		market = marketplace.NewMemoryStore()
	}
	if reader == nil {
		reader = market
	}
	engine := NewEngine(store, reader, policy)
	engine.Detector.now = func() time.Time { return detectorNow }
	return &detectorFixture{store: store, market: market, engine: engine, detector: engine.Detector}
}

// addConversation seeds a thread for co-1 whose last message was ago before now.
func (f *detectorFixture) addConversation(id, relatedEventID string, messages int, ago time.Duration) {
	last := detectorNow.Add(-ago)
	f.market.PutConversation(&marketplace.Conversation{
		ID:             id,
		CompanyID:      "co-1",
		RelatedEventID: relatedEventID,
		LastMessageAt:  &last,
		CreatedAt:      last.Add(-time.Hour),
	})
	f.market.AddMessages(id, messages)
}

func booking() DirectBooking {
	return DirectBooking{
		EventID:          "direct-1",
		ActorUserID:      "user-1",
		CompanyID:        "co-1",
		EventType:        "festival",
		LocationPostcode: "SW1A 1AA",
		FirstEventDate:   datePtr(2025, 6, 10),
	}
}

func signalTypes(signals []*Signal) []SignalType {
	out := make([]SignalType, len(signals))
	for i, s := range signals {
		out[i] = s.Type
	}
	return out
}

func TestIngest_ThreadAbandonment(t *testing.T) {
	f := newDetectorFixture(t, nil, nil, nil, DefaultPolicy())
	f.market.PutEvent(&marketplace.Event{ID: "mkt-1", EventType: "conference", LocationPostcode: "M1 1AE", Status: marketplace.EventStatusOpen})
	f.market.AddQuote("mkt-1", "co-1", marketplace.QuoteStatusDeclined, detectorNow.Add(-48*time.Hour))
	f.addConversation("conv-1", "mkt-1", 3, 24*time.Hour)

	score, err := f.detector.Ingest(context.Background(), booking())
	require.NoError(t, err)

	signals, err := f.store.ListSignals(context.Background(), "direct-1")
	require.NoError(t, err)
	require.Len(t, signals, 2)

	byType := map[SignalType]*Signal{}
	for _, s := range signals {
		byType[s.Type] = s
	}

	thread := byType[SignalThreadNoConvert]
	require.NotNil(t, thread)
	assert.InDelta(t, 0.69, thread.Confidence, 1e-9)
	assert.Equal(t, WeightThreadNoConvert, thread.Weight)
	assert.Equal(t, "conv-1", thread.RelatedConversationID)
	assert.Equal(t, "mkt-1", thread.RelatedEventID)
	assert.Equal(t, "user-1", thread.ActorUserID)
	assert.Equal(t, 3, thread.Details["message_count"])
	assert.Equal(t, "declined", thread.Details["quote_status"])

	sw := byType[SignalMarketplaceToDir]
	require.NotNil(t, sw)
	assert.Equal(t, 0.68, sw.Confidence)
	assert.Equal(t, WeightDirectSwitch, sw.Weight)
	assert.Contains(t, sw.Details["rationale"], "3 messages")

	assert.Equal(t, 36, score.Score)
	assert.Equal(t, BandMedium, score.RiskBand)
	assert.Equal(t, 2, score.ContributingSignalCount)
	assert.Equal(t, "co-1", score.CompanyID)
	assert.Equal(t, "user-1", score.UpdatedBy)
}

func TestIngest_ProximityClone(t *testing.T) {
	f := newDetectorFixture(t, nil, nil, nil, DefaultPolicy())
	f.market.PutEvent(&marketplace.Event{ID: "mkt-1", EventType: "festival", LocationPostcode: "SW1A 2BB", Status: marketplace.EventStatusOpen})
	f.market.AddEventDay("mkt-1", date(2025, 6, 20))
	f.market.AddEventDay("mkt-1", date(2025, 6, 18))
	f.addConversation("conv-1", "mkt-1", 1, time.Hour)

	score, err := f.detector.Ingest(context.Background(), booking())
	require.NoError(t, err)

	signals, err := f.store.ListSignals(context.Background(), "direct-1")
	require.NoError(t, err)
	require.Len(t, signals, 1)

	s := signals[0]
	assert.Equal(t, SignalProximityClone, s.Type)
	assert.Equal(t, 0.82, s.Confidence)
	assert.Equal(t, WeightProximityClone, s.Weight)
	assert.Equal(t, "2025-06-10", s.Details["direct_first_date"])
	assert.Equal(t, "2025-06-18", s.Details["marketplace_first_date"])
	assert.Equal(t, "SW1A 2BB", s.Details["marketplace_postcode"])

	assert.Equal(t, 30, score.Score)
	assert.Equal(t, BandLow, score.RiskBand)
	assert.Equal(t, []SignalType{SignalProximityClone}, score.TopSignalTypes)
}

func TestIngest_ProximityNeedsEveryCriterion(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(b *DirectBooking, e *marketplace.Event)
		day    *time.Time
	}{
		{"different outward code", func(b *DirectBooking, _ *marketplace.Event) { b.LocationPostcode = "SW1B 1AA" }, datePtr(2025, 6, 18)},
		{"blank postcode", func(b *DirectBooking, _ *marketplace.Event) { b.LocationPostcode = "" }, datePtr(2025, 6, 18)},
		{"different type", func(_ *DirectBooking, e *marketplace.Event) { e.EventType = "wedding" }, datePtr(2025, 6, 18)},
		{"blank type", func(b *DirectBooking, e *marketplace.Event) { b.EventType = ""; e.EventType = "" }, datePtr(2025, 6, 18)},
		{"fifteen days apart", func(*DirectBooking, *marketplace.Event) {}, datePtr(2025, 6, 25)},
		{"no scheduled days", func(*DirectBooking, *marketplace.Event) {}, nil},
		{"no direct date", func(b *DirectBooking, _ *marketplace.Event) { b.FirstEventDate = nil }, datePtr(2025, 6, 18)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDetectorFixture(t, nil, nil, nil, DefaultPolicy())
			b := booking()
			e := &marketplace.Event{ID: "mkt-1", EventType: "festival", LocationPostcode: "SW1A 2BB", Status: marketplace.EventStatusOpen}
			tt.mutate(&b, e)
			f.market.PutEvent(e)
			if tt.day != nil {
				f.market.AddEventDay("mkt-1", *tt.day)
			}
			f.addConversation("conv-1", "mkt-1", 0, time.Hour)

			score, err := f.detector.Ingest(context.Background(), b)
			require.NoError(t, err)
			assert.Equal(t, 0, score.ContributingSignalCount)
			assert.Equal(t, BandLow, score.RiskBand)
		})
	}
}

func TestIngest_SingleMessageNoSignal(t *testing.T) {
	f := newDetectorFixture(t, nil, nil, nil, DefaultPolicy())
	f.addConversation("conv-1", "", 1, time.Hour)

	score, err := f.detector.Ingest(context.Background(), booking())
	require.NoError(t, err)
	assert.Equal(t, 0, score.ContributingSignalCount)
	assert.Equal(t, 0, score.Score)
	assert.Equal(t, BandLow, score.RiskBand)

	// The score row exists even with nothing on file.
	_, err = f.store.GetScore(context.Background(), "direct-1")
	assert.NoError(t, err)
}

func TestIngest_ConvertedThreadNoSignal(t *testing.T) {
	f := newDetectorFixture(t, nil, nil, nil, DefaultPolicy())
	f.market.PutEvent(&marketplace.Event{ID: "mkt-1", EventType: "conference", LocationPostcode: "M1 1AE", Status: marketplace.EventStatusOpen})
	f.market.AddQuote("mkt-1", "co-1", marketplace.QuoteStatusSubmitted, detectorNow.Add(-72*time.Hour))
	f.market.AddQuote("mkt-1", "co-1", marketplace.QuoteStatusAwarded, detectorNow.Add(-48*time.Hour))
	f.addConversation("conv-1", "mkt-1", 5, time.Hour)

	score, err := f.detector.Ingest(context.Background(), booking())
	require.NoError(t, err)
	assert.Equal(t, 0, score.ContributingSignalCount)
}

func TestIngest_AwardedListingCountsAsConverted(t *testing.T) {
	f := newDetectorFixture(t, nil, nil, nil, DefaultPolicy())
	f.market.PutEvent(&marketplace.Event{ID: "mkt-1", EventType: "conference", LocationPostcode: "M1 1AE", Status: marketplace.EventStatusAwarded})
	f.addConversation("conv-1", "mkt-1", 4, time.Hour)

	score, err := f.detector.Ingest(context.Background(), booking())
	require.NoError(t, err)
	assert.Equal(t, 0, score.ContributingSignalCount)
}

func TestIngest_MissingListingStillChecksThread(t *testing.T) {
	f := newDetectorFixture(t, nil, nil, nil, DefaultPolicy())
	f.addConversation("conv-1", "mkt-gone", 2, time.Hour)

	score, err := f.detector.Ingest(context.Background(), booking())
	require.NoError(t, err)

	signals, err := f.store.ListSignals(context.Background(), "direct-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []SignalType{SignalThreadNoConvert, SignalMarketplaceToDir}, signalTypes(signals))
	assert.Equal(t, 2, score.ContributingSignalCount)
}

func TestIngest_CombinedPatternsReachHigh(t *testing.T) {
	f := newDetectorFixture(t, nil, nil, nil, DefaultPolicy())
	f.market.PutEvent(&marketplace.Event{ID: "mkt-1", EventType: "festival", LocationPostcode: "sw1a 9zz", Status: marketplace.EventStatusOpen})
	f.market.AddEventDay("mkt-1", date(2025, 6, 12))
	f.addConversation("conv-1", "mkt-1", 4, time.Hour)

	score, err := f.detector.Ingest(context.Background(), booking())
	require.NoError(t, err)

	// 24*0.77 + 28*0.68 + 36*0.82 = 18.48 + 19.04 + 29.52 = 67.04
	assert.Equal(t, 67, score.Score)
	assert.Equal(t, BandMedium, score.RiskBand)
	assert.Equal(t, 3, score.ContributingSignalCount)
}

func TestIngest_LookbackAndLimit(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxConversations = 2
	f := newDetectorFixture(t, nil, nil, nil, policy)

	f.addConversation("conv-old", "", 3, 61*24*time.Hour)
	f.addConversation("conv-a", "", 3, 1*time.Hour)
	f.addConversation("conv-b", "", 3, 2*time.Hour)
	f.addConversation("conv-c", "", 3, 3*time.Hour)

	_, err := f.detector.Ingest(context.Background(), booking())
	require.NoError(t, err)

	signals, err := f.store.ListSignals(context.Background(), "direct-1")
	require.NoError(t, err)

	convs := map[string]bool{}
	for _, s := range signals {
		convs[s.RelatedConversationID] = true
	}
	assert.Equal(t, map[string]bool{"conv-a": true, "conv-b": true}, convs)
}

func TestIngest_LookbackBoundaryIsInclusive(t *testing.T) {
	f := newDetectorFixture(t, nil, nil, nil, DefaultPolicy())

	f.addConversation("conv-edge", "", 3, 60*24*time.Hour)
	f.addConversation("conv-out", "", 3, 60*24*time.Hour+time.Second)

	_, err := f.detector.Ingest(context.Background(), booking())
	require.NoError(t, err)

	signals, err := f.store.ListSignals(context.Background(), "direct-1")
	require.NoError(t, err)
	require.NotEmpty(t, signals)
	for _, s := range signals {
		assert.Equal(t, "conv-edge", s.RelatedConversationID)
	}
}

func TestIngest_OtherCompaniesIgnored(t *testing.T) {
	f := newDetectorFixture(t, nil, nil, nil, DefaultPolicy())
	last := detectorNow.Add(-time.Hour)
	f.market.PutConversation(&marketplace.Conversation{ID: "conv-x", CompanyID: "co-2", LastMessageAt: &last})
	f.market.AddMessages("conv-x", 10)

	score, err := f.detector.Ingest(context.Background(), booking())
	require.NoError(t, err)
	assert.Equal(t, 0, score.ContributingSignalCount)
}

func TestIngest_SignalsWrittenInConversationOrder(t *testing.T) {
	f := newDetectorFixture(t, nil, nil, nil, DefaultPolicy())
	for i := 0; i < 6; i++ {
		f.addConversation(fmt.Sprintf("conv-%d", i), "", 2, time.Duration(i+1)*time.Hour)
	}

	_, err := f.detector.Ingest(context.Background(), booking())
	require.NoError(t, err)

	signals, err := f.store.ListSignals(context.Background(), "direct-1")
	require.NoError(t, err)
	require.Len(t, signals, 12)

	// ListSignals is newest first, so the most recent conversation's signals
	// were written first and come out last.
	var got []string
	for i := len(signals) - 1; i >= 0; i -= 2 {
		got = append(got, signals[i].RelatedConversationID)
	}
	assert.Equal(t, []string{"conv-0", "conv-1", "conv-2", "conv-3", "conv-4", "conv-5"}, got)
	for i := len(signals) - 1; i >= 0; i -= 2 {
		assert.Equal(t, SignalThreadNoConvert, signals[i].Type)
		assert.Equal(t, SignalMarketplaceToDir, signals[i-1].Type)
	}
}

func TestIngest_InvalidBooking(t *testing.T) {
	f := newDetectorFixture(t, nil, nil, nil, DefaultPolicy())

	b := booking()
	b.CompanyID = ""
	_, err := f.detector.Ingest(context.Background(), b)
	assert.ErrorIs(t, err, ErrInvalidBooking)

	b = booking()
	b.EventID = ""
	_, err = f.detector.Ingest(context.Background(), b)
	assert.ErrorIs(t, err, ErrInvalidBooking)
}

func TestIngest_ScanFailure(t *testing.T) {
	market := marketplace.NewMemoryStore()
	reader := &flakyReader{MemoryStore: market, failScan: true}
	f := newDetectorFixture(t, nil, reader, market, DefaultPolicy())

	_, err := f.detector.Ingest(context.Background(), booking())
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "failed to scan marketplace conversations")

	_, err = f.store.GetScore(context.Background(), "direct-1")
	assert.ErrorIs(t, err, ErrScoreNotFound)
}

func TestIngest_ReadFailureWritesNothing(t *testing.T) {
	defer goleak.VerifyNone(t)

	market := marketplace.NewMemoryStore()
	reader := &flakyReader{MemoryStore: market, failConversation: "conv-3"}
	f := newDetectorFixture(t, nil, reader, market, DefaultPolicy())
	for i := 0; i < 6; i++ {
		f.addConversation(fmt.Sprintf("conv-%d", i), "", 4, time.Duration(i+1)*time.Hour)
	}

	_, err := f.detector.Ingest(context.Background(), booking())
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "conv-3")

	signals, err := f.store.ListSignals(context.Background(), "direct-1")
	require.NoError(t, err)
	assert.Empty(t, signals, "a failed read must abort before any signal is written")

	_, err = f.store.GetScore(context.Background(), "direct-1")
	assert.ErrorIs(t, err, ErrScoreNotFound)
}

func TestIngest_EventLookupFailure(t *testing.T) {
	market := marketplace.NewMemoryStore()
	reader := &flakyReader{MemoryStore: market, failEvent: "mkt-1"}
	f := newDetectorFixture(t, nil, reader, market, DefaultPolicy())
	f.addConversation("conv-1", "mkt-1", 3, time.Hour)

	_, err := f.detector.Ingest(context.Background(), booking())
	assert.ErrorIs(t, err, errBoom)
}

func TestIngest_ReadTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	market := marketplace.NewMemoryStore()
	reader := &flakyReader{MemoryStore: market, block: make(chan struct{})}
	policy := DefaultPolicy()
	policy.ReadTimeout = 20 * time.Millisecond
	f := newDetectorFixture(t, nil, reader, market, policy)
	f.addConversation("conv-1", "mkt-1", 3, time.Hour)

	start := time.Now()
	_, err := f.detector.Ingest(context.Background(), booking())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 2*time.Second)

	signals, err := f.store.ListSignals(context.Background(), "direct-1")
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestIngest_ScanTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	market := marketplace.NewMemoryStore()
	reader := &flakyReader{MemoryStore: market, blockScan: true}
	policy := DefaultPolicy()
	policy.ScanTimeout = 20 * time.Millisecond
	f := newDetectorFixture(t, nil, reader, market, policy)
	f.addConversation("conv-1", "", 3, time.Hour)

	start := time.Now()
	_, err := f.detector.Ingest(context.Background(), booking())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "failed to scan marketplace conversations")
	assert.Less(t, time.Since(start), 2*time.Second)

	signals, err := f.store.ListSignals(context.Background(), "direct-1")
	require.NoError(t, err)
	assert.Empty(t, signals)

	_, err = f.store.GetScore(context.Background(), "direct-1")
	assert.ErrorIs(t, err, ErrScoreNotFound)
}

func TestIngest_CallerCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	market := marketplace.NewMemoryStore()
	reader := &flakyReader{MemoryStore: market, block: make(chan struct{})}
	f := newDetectorFixture(t, nil, reader, market, DefaultPolicy())
	f.addConversation("conv-1", "", 3, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.detector.Ingest(ctx, booking())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIngest_FanoutIsBounded(t *testing.T) {
	defer goleak.VerifyNone(t)

	market := marketplace.NewMemoryStore()
	reader := &flakyReader{MemoryStore: market, countDelay: 5 * time.Millisecond}
	policy := DefaultPolicy()
	policy.FanoutWorkers = 2
	f := newDetectorFixture(t, nil, reader, market, policy)
	for i := 0; i < 10; i++ {
		f.addConversation(fmt.Sprintf("conv-%02d", i), "", 2, time.Duration(i+1)*time.Minute)
	}

	_, err := f.detector.Ingest(context.Background(), booking())
	require.NoError(t, err)

	reader.mu.Lock()
	defer reader.mu.Unlock()
	assert.LessOrEqual(t, reader.maxInflight, 2)
	assert.Equal(t, 10, reader.calls)
}

func TestIngest_RecordFailureSurfaces(t *testing.T) {
	store := newFailingStore()
	store.failInsert = true
	f := newDetectorFixture(t, store, nil, nil, DefaultPolicy())
	f.addConversation("conv-1", "", 3, time.Hour)

	_, err := f.detector.Ingest(context.Background(), booking())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to log integrity signal")
}

func TestIngest_RepeatedIngestionAccumulates(t *testing.T) {
	f := newDetectorFixture(t, nil, nil, nil, DefaultPolicy())
	f.addConversation("conv-1", "", 3, time.Hour)

	first, err := f.detector.Ingest(context.Background(), booking())
	require.NoError(t, err)
	second, err := f.detector.Ingest(context.Background(), booking())
	require.NoError(t, err)

	// The log is append-only, so a second pass adds a second set of signals.
	assert.Equal(t, 2, first.ContributingSignalCount)
	assert.Equal(t, 4, second.ContributingSignalCount)
	assert.Equal(t, 71, second.Score)
	assert.Equal(t, BandHigh, second.RiskBand)
}
