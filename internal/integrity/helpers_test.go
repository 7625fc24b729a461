package integrity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/staffmarket/leakguard/internal/marketplace"
)

var errBoom = errors.New("boom")

// failingStore wraps a MemoryStore and fails the selected operations.
type failingStore struct {
	*MemoryStore
	failInsert    bool
	failList      bool
	failRecompute bool
}

func newFailingStore() *failingStore {
	return &failingStore{MemoryStore: NewMemoryStore()}
}

func (f *failingStore) InsertSignal(ctx context.Context, sig *Signal) error {
	if f.failInsert {
		return errBoom
	}
	return f.MemoryStore.InsertSignal(ctx, sig)
}

func (f *failingStore) ListSignals(ctx context.Context, eventID string) ([]*Signal, error) {
	if f.failList {
		return nil, errBoom
	}
	return f.MemoryStore.ListSignals(ctx, eventID)
}

func (f *failingStore) Recompute(ctx context.Context, eventID string, build BuildFunc) (*Score, error) {
	if f.failRecompute {
		return nil, errBoom
	}
	return f.MemoryStore.Recompute(ctx, eventID, build)
}

// flakyReader wraps a marketplace MemoryStore and fails lookups for one
// conversation or listing. It also counts calls.
type flakyReader struct {
	*marketplace.MemoryStore

	failScan         bool
	blockScan        bool // scan waits for ctx to end
	failConversation string
	failEvent        string
	block            chan struct{} // when set, every lookup waits on it

	mu          sync.Mutex
	calls       int
	inflight    int
	maxInflight int
	countDelay  time.Duration
}

func (r *flakyReader) hit(ctx context.Context) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *flakyReader) RecentConversations(ctx context.Context, companyID string, since time.Time, limit int) ([]*marketplace.Conversation, error) {
	if r.failScan {
		return nil, errBoom
	}
	if r.blockScan {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return r.MemoryStore.RecentConversations(ctx, companyID, since, limit)
}

func (r *flakyReader) CountMessages(ctx context.Context, conversationID string) (int, error) {
	r.mu.Lock()
	r.inflight++
	if r.inflight > r.maxInflight {
		r.maxInflight = r.inflight
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inflight--
		r.mu.Unlock()
	}()
	if r.countDelay > 0 {
		time.Sleep(r.countDelay)
	}

	if err := r.hit(ctx); err != nil {
		return 0, err
	}
	if conversationID == r.failConversation {
		return 0, errBoom
	}
	return r.MemoryStore.CountMessages(ctx, conversationID)
}

func (r *flakyReader) GetEvent(ctx context.Context, eventID string) (*marketplace.Event, error) {
	if err := r.hit(ctx); err != nil {
		return nil, err
	}
	if eventID == r.failEvent {
		return nil, errBoom
	}
	return r.MemoryStore.GetEvent(ctx, eventID)
}

func (r *flakyReader) FirstEventDay(ctx context.Context, eventID string) (time.Time, bool, error) {
	if err := r.hit(ctx); err != nil {
		return time.Time{}, false, err
	}
	return r.MemoryStore.FirstEventDay(ctx, eventID)
}

func (r *flakyReader) LatestQuoteStatus(ctx context.Context, eventID, companyID string) (marketplace.QuoteStatus, error) {
	if err := r.hit(ctx); err != nil {
		return marketplace.QuoteStatusNone, err
	}
	return r.MemoryStore.LatestQuoteStatus(ctx, eventID, companyID)
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func datePtr(y int, m time.Month, d int) *time.Time {
	t := date(y, m, d)
	return &t
}
