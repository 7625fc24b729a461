package marketplace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var _ Reader = (*PostgresStore)(nil)

// PostgresStore reads the marketplace tables from PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed marketplace reader.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) RecentConversations(ctx context.Context, companyID string, since time.Time, limit int) ([]*Conversation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, company_id, COALESCE(related_event_id, ''), last_message_at, created_at
		FROM marketplace_conversations
		WHERE company_id = $1 AND last_message_at >= $2
		ORDER BY last_message_at DESC, id DESC
		LIMIT $3
	`, companyID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Conversation
	for rows.Next() {
		var c Conversation
		var lastMessageAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.CompanyID, &c.RelatedEventID, &lastMessageAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		if lastMessageAt.Valid {
			t := lastMessageAt.Time
			c.LastMessageAt = &t
		}
		result = append(result, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return result, nil
}

func (p *PostgresStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM marketplace_messages WHERE conversation_id = $1
	`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) GetEvent(ctx context.Context, eventID string) (*Event, error) {
	var e Event
	var status string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(event_type, ''), COALESCE(location_postcode, ''), status
		FROM marketplace_events
		WHERE id = $1
	`, eventID).Scan(&e.ID, &e.EventType, &e.LocationPostcode, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	e.Status = EventStatus(status)
	return &e, nil
}

func (p *PostgresStore) FirstEventDay(ctx context.Context, eventID string) (time.Time, bool, error) {
	var day time.Time
	err := p.db.QueryRowContext(ctx, `
		SELECT day FROM marketplace_event_days
		WHERE event_id = $1
		ORDER BY day ASC
		LIMIT 1
	`, eventID).Scan(&day)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get first event day: %w", err)
	}
	return day, true, nil
}

func (p *PostgresStore) LatestQuoteStatus(ctx context.Context, eventID, companyID string) (QuoteStatus, error) {
	var status string
	err := p.db.QueryRowContext(ctx, `
		SELECT status FROM marketplace_quotes
		WHERE event_id = $1 AND company_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, eventID, companyID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return QuoteStatusNone, nil
	}
	if err != nil {
		return QuoteStatusNone, fmt.Errorf("failed to get latest quote: %w", err)
	}
	return QuoteStatus(status), nil
}
