package integrity

import (
	"github.com/staffmarket/leakguard/internal/marketplace"
)

// Engine wires the three integrity components over one store.
type Engine struct {
	Recorder   *Recorder
	Detector   *Detector
	Aggregator *Aggregator
}

// NewEngine builds the recorder, aggregator and detector.
func NewEngine(store Store, reader marketplace.Reader, policy Policy) *Engine {
	recorder := NewRecorder(store)
	aggregator := NewAggregator(store)
	return &Engine{
		Recorder:   recorder,
		Aggregator: aggregator,
		Detector:   NewDetector(reader, recorder, aggregator, policy),
	}
}
