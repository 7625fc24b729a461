// Package marketplace is the read model of on-platform activity: the
// conversations, messages, event listings, scheduled days and quotes that
// the integrity checks compare direct bookings against. Nothing here writes
// to the marketplace tables outside of tests and local seeding.
package marketplace

import (
	"context"
	"errors"
	"time"
)

var ErrEventNotFound = errors.New("marketplace event not found")

// EventStatus is the lifecycle state of a marketplace listing.
type EventStatus string

const (
	EventStatusOpen      EventStatus = "open"
	EventStatusAwarded   EventStatus = "awarded"
	EventStatusCancelled EventStatus = "cancelled"
	EventStatusCompleted EventStatus = "completed"
)

// QuoteStatus is the state of a company's quote on a listing.
type QuoteStatus string

const (
	QuoteStatusNone      QuoteStatus = ""
	QuoteStatusSubmitted QuoteStatus = "submitted"
	QuoteStatusDeclined  QuoteStatus = "declined"
	QuoteStatusWithdrawn QuoteStatus = "withdrawn"
	QuoteStatusAwarded   QuoteStatus = "awarded"
)

// Conversation is a message thread between an organiser and a company,
// optionally attached to a listing.
type Conversation struct {
	ID             string     `json:"id"`
	CompanyID      string     `json:"companyId"`
	RelatedEventID string     `json:"relatedEventId,omitempty"`
	LastMessageAt  *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Event is a marketplace listing.
type Event struct {
	ID               string      `json:"id"`
	EventType        string      `json:"eventType"`
	LocationPostcode string      `json:"locationPostcode"`
	Status           EventStatus `json:"status"`
}

// Reader exposes the marketplace lookups used by leakage detection.
type Reader interface {
	// RecentConversations returns the company's threads whose last message
	// is at or after since, most recent first, at most limit rows.
	RecentConversations(ctx context.Context, companyID string, since time.Time, limit int) ([]*Conversation, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)
	// GetEvent returns ErrEventNotFound when the listing does not exist.
	GetEvent(ctx context.Context, eventID string) (*Event, error)
	// FirstEventDay returns the earliest scheduled day; ok is false when the
	// listing has no days on file.
	FirstEventDay(ctx context.Context, eventID string) (day time.Time, ok bool, err error)
	// LatestQuoteStatus returns QuoteStatusNone when the company never quoted.
	LatestQuoteStatus(ctx context.Context, eventID, companyID string) (QuoteStatus, error)
}
