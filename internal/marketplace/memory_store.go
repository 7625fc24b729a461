package marketplace

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ Reader = (*MemoryStore)(nil)

type quoteRow struct {
	eventID   string
	companyID string
	status    QuoteStatus
	createdAt time.Time
}

// MemoryStore is an in-memory marketplace read model for tests and local runs.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string]int         // conversationID → count
	events        map[string]*Event      // eventID → listing
	days          map[string][]time.Time // eventID → scheduled days
	quotes        []quoteRow
}

// NewMemoryStore creates an empty in-memory marketplace.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]int),
		events:        make(map[string]*Event),
		days:          make(map[string][]time.Time),
	}
}

// PutConversation inserts or replaces a conversation.
func (m *MemoryStore) PutConversation(c *Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.conversations[c.ID] = &cp
}

// AddMessages appends n messages to a conversation.
func (m *MemoryStore) AddMessages(conversationID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[conversationID] += n
}

// PutEvent inserts or replaces a listing.
func (m *MemoryStore) PutEvent(e *Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.events[e.ID] = &cp
}

// AddEventDay schedules a day for a listing.
func (m *MemoryStore) AddEventDay(eventID string, day time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.days[eventID] = append(m.days[eventID], day)
}

// AddQuote records a quote status change at the given time.
func (m *MemoryStore) AddQuote(eventID, companyID string, status QuoteStatus, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes = append(m.quotes, quoteRow{eventID: eventID, companyID: companyID, status: status, createdAt: at})
}

func (m *MemoryStore) RecentConversations(ctx context.Context, companyID string, since time.Time, limit int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Conversation
	for _, c := range m.conversations {
		if c.CompanyID != companyID || c.LastMessageAt == nil || c.LastMessageAt.Before(since) {
			continue
		}
		cp := *c
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].LastMessageAt.Equal(*result[j].LastMessageAt) {
			return result[i].LastMessageAt.After(*result[j].LastMessageAt)
		}
		return result[i].ID > result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.messages[conversationID], nil
}

func (m *MemoryStore) GetEvent(ctx context.Context, eventID string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) FirstEventDay(ctx context.Context, eventID string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	days := m.days[eventID]
	if len(days) == 0 {
		return time.Time{}, false, nil
	}
	first := days[0]
	for _, d := range days[1:] {
		if d.Before(first) {
			first = d
		}
	}
	return first, true, nil
}

func (m *MemoryStore) LatestQuoteStatus(ctx context.Context, eventID, companyID string) (QuoteStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *quoteRow
	for i := range m.quotes {
		q := &m.quotes[i]
		if q.eventID != eventID || q.companyID != companyID {
			continue
		}
		if latest == nil || !q.createdAt.Before(latest.createdAt) {
			latest = q
		}
	}
	if latest == nil {
		return QuoteStatusNone, nil
	}
	return latest.status, nil
}
