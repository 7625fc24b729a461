//go:build integration

package marketplace

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/staffmarket/leakguard/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Reader(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	_, err := db.ExecContext(ctx, `
		INSERT INTO marketplace_events (id, event_type, location_postcode, status) VALUES
			('e1', 'wedding', 'M1 1AE', 'awarded'),
			('e2', NULL, NULL, 'open');
		INSERT INTO marketplace_event_days (event_id, day) VALUES
			('e1', '2026-07-03'), ('e1', '2026-07-01');
	`)
	require.NoError(t, err)

	for i, c := range []struct {
		id, company, event string
		ago                time.Duration
	}{
		{"c1", "co-1", "e1", time.Hour},
		{"c2", "co-1", "", 2 * time.Hour},
		{"c3", "co-1", "e2", 90 * 24 * time.Hour},
		{"c4", "co-2", "e1", time.Hour},
	} {
		_, err := db.ExecContext(ctx, `
			INSERT INTO marketplace_conversations (id, company_id, related_event_id, last_message_at)
			VALUES ($1, $2, NULLIF($3, ''), $4)
		`, c.id, c.company, c.event, now.Add(-c.ago))
		require.NoError(t, err, "conversation %d", i)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO marketplace_messages (id, conversation_id) VALUES ('m1', 'c1'), ('m2', 'c1');
		INSERT INTO marketplace_quotes (id, event_id, company_id, status, created_at) VALUES
			('q1', 'e1', 'co-1', 'submitted', NOW() - INTERVAL '2 days'),
			('q2', 'e1', 'co-1', 'withdrawn', NOW() - INTERVAL '1 day');
	`)
	require.NoError(t, err)

	store := NewPostgresStore(db)

	convs, err := store.RecentConversations(ctx, "co-1", now.Add(-60*24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "c1", convs[0].ID)
	assert.Equal(t, "e1", convs[0].RelatedEventID)
	assert.Equal(t, "", convs[1].RelatedEventID)
	require.NotNil(t, convs[0].LastMessageAt)

	n, err := store.CountMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	e, err := store.GetEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, EventStatusAwarded, e.Status)

	e, err = store.GetEvent(ctx, "e2")
	require.NoError(t, err)
	assert.Equal(t, "", e.EventType)

	_, err = store.GetEvent(ctx, "nope")
	assert.True(t, errors.Is(err, ErrEventNotFound))

	day, ok, err := store.FirstEventDay(ctx, "e1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2026-07-01", day.Format("2006-01-02"))

	_, ok, err = store.FirstEventDay(ctx, "e2")
	require.NoError(t, err)
	assert.False(t, ok)

	status, err := store.LatestQuoteStatus(ctx, "e1", "co-1")
	require.NoError(t, err)
	assert.Equal(t, QuoteStatusWithdrawn, status)

	status, err = store.LatestQuoteStatus(ctx, "e1", "co-2")
	require.NoError(t, err)
	assert.Equal(t, QuoteStatusNone, status)
}
