package integrity

import (
	"context"
	"fmt"
	"math"

	"github.com/staffmarket/leakguard/internal/logging"
	"github.com/staffmarket/leakguard/internal/metrics"
	"github.com/staffmarket/leakguard/internal/traces"
)

// Recorder is the single write path into the signal log.
type Recorder struct {
	store Store
}

// NewRecorder creates a signal recorder backed by the given store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Record normalises and appends a signal. Out-of-range confidence is clamped
// and missing details default to an empty map; neither is an error. A
// negative weight is rejected. Storage failures are always returned to the
// caller.
func (r *Recorder) Record(ctx context.Context, sig *Signal) error {
	if sig == nil || sig.EventID == "" {
		return fmt.Errorf("%w: event id is required", ErrInvalidSignal)
	}
	if !sig.Type.Valid() {
		return fmt.Errorf("%w: unknown signal type %q", ErrInvalidSignal, sig.Type)
	}
	if sig.Weight < 0 {
		return fmt.Errorf("%w: weight must not be negative", ErrInvalidSignal)
	}

	ctx, span := traces.StartSpan(ctx, "integrity.Record",
		traces.EventID(sig.EventID), traces.SignalType(string(sig.Type)))
	defer span.End()

	sig.Confidence = ClampConfidence(sig.Confidence)
	if sig.Details == nil {
		sig.Details = map[string]any{}
	}

	if err := r.store.InsertSignal(ctx, sig); err != nil {
		err = fmt.Errorf("failed to log integrity signal: %w", err)
		traces.RecordError(span, err)
		return err
	}

	metrics.IntegritySignalsTotal.WithLabelValues(string(sig.Type)).Inc()
	logging.L(ctx).Debug("integrity signal recorded",
		"event_id", sig.EventID,
		"signal_type", sig.Type,
		"confidence", sig.Confidence,
		"weight", sig.Weight,
		"conversation_id", sig.RelatedConversationID,
	)
	return nil
}

// List returns the signals on file for an event, newest first.
func (r *Recorder) List(ctx context.Context, eventID string) ([]*Signal, error) {
	signals, err := r.store.ListSignals(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to read integrity signals: %w", err)
	}
	return signals, nil
}

// ClampConfidence maps any float into [0, 1]. NaN counts as no confidence.
func ClampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c):
		return 0
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
