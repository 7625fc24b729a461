package integrity

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/staffmarket/leakguard/internal/pagination"
	"github.com/staffmarket/leakguard/internal/syncutil"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store for tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	signals map[string][]*Signal // eventID → signals, oldest first
	scores  map[string]*Score
	last    time.Time

	locks *syncutil.KeyLock

	// afterRead, when set, runs between reading signals and storing the
	// score inside Recompute.
	afterRead func(eventID string)
}

// NewMemoryStore creates an empty in-memory integrity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signals: make(map[string][]*Signal),
		scores:  make(map[string]*Score),
		locks:   syncutil.NewKeyLock(0),
	}
}

func (m *MemoryStore) InsertSignal(ctx context.Context, sig *Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// CreatedAt must be strictly increasing so newest-first is well defined.
	now := time.Now().UTC()
	if !now.After(m.last) {
		now = m.last.Add(time.Nanosecond)
	}
	m.last = now

	sig.ID = uuid.NewString()
	sig.CreatedAt = now
	m.signals[sig.EventID] = append(m.signals[sig.EventID], copySignal(sig))
	return nil
}

func (m *MemoryStore) ListSignals(ctx context.Context, eventID string) ([]*Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.signals[eventID]
	result := make([]*Signal, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		result = append(result, copySignal(all[i]))
	}
	return result, nil
}

func (m *MemoryStore) Recompute(ctx context.Context, eventID string, build BuildFunc) (*Score, error) {
	var score *Score
	err := m.locks.Do(ctx, eventID, func() error {
		signals, err := m.ListSignals(ctx, eventID)
		if err != nil {
			return err
		}
		if m.afterRead != nil {
			m.afterRead(eventID)
		}

		score = build(signals)

		m.mu.Lock()
		m.scores[eventID] = copyScore(score)
		m.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read integrity signals: %w", err)
	}
	return copyScore(score), nil
}

func (m *MemoryStore) GetScore(ctx context.Context, eventID string) (*Score, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.scores[eventID]
	if !ok {
		return nil, ErrScoreNotFound
	}
	return copyScore(s), nil
}

func (m *MemoryStore) ListScores(ctx context.Context, q ScoreQuery) (*ScorePage, error) {
	cursor, err := pagination.Decode(q.Cursor)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	var matched []*Score
	for _, s := range m.scores {
		if q.Band != "" && s.RiskBand != q.Band {
			continue
		}
		if q.CompanyID != "" && s.CompanyID != q.CompanyID {
			continue
		}
		if !cursor.After(s.ComputedAt, s.EventID) {
			continue
		}
		matched = append(matched, copyScore(s))
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].ComputedAt.Equal(matched[j].ComputedAt) {
			return matched[i].ComputedAt.After(matched[j].ComputedAt)
		}
		return matched[i].EventID > matched[j].EventID
	})
	if len(matched) > q.Limit+1 {
		matched = matched[:q.Limit+1]
	}

	scores, next, more := pagination.ComputePage(matched, q.Limit, scoreKey)
	return &ScorePage{Scores: scores, NextCursor: next, HasMore: more}, nil
}

func scoreKey(s *Score) (time.Time, string) {
	return s.ComputedAt, s.EventID
}

func copySignal(s *Signal) *Signal {
	cp := *s
	cp.Details = make(map[string]any, len(s.Details))
	for k, v := range s.Details {
		cp.Details[k] = v
	}
	return &cp
}

func copyScore(s *Score) *Score {
	cp := *s
	cp.TopSignalTypes = make([]SignalType, len(s.TopSignalTypes))
	copy(cp.TopSignalTypes, s.TopSignalTypes)
	if s.LatestSignalAt != nil {
		t := *s.LatestSignalAt
		cp.LatestSignalAt = &t
	}
	return &cp
}
