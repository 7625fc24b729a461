// Package pagination provides opaque keyset cursors for listings ordered
// newest first by (timestamp, key).
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor marks the last row of a page.
type Cursor struct {
	At  time.Time
	Key string
}

// Encode returns an opaque cursor for the row (at, key).
func Encode(at time.Time, key string) string {
	raw := strconv.FormatInt(at.UnixNano(), 10) + "|" + key
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, key, ok := strings.Cut(string(raw), "|")
	if !ok || key == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp", ErrInvalidCursor)
	}
	return &Cursor{At: time.Unix(0, n).UTC(), Key: key}, nil
}

// After reports whether the row (at, key) comes after the cursor in
// (at DESC, key DESC) order. A nil cursor admits every row.
func (c *Cursor) After(at time.Time, key string) bool {
	if c == nil {
		return true
	}
	if at.Equal(c.At) {
		return key < c.Key
	}
	return at.Before(c.At)
}

// ComputePage trims items fetched with limit+1 to limit and returns the
// cursor of the last kept row when more rows exist.
func ComputePage[T any](items []T, limit int, keyOf func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	at, key := keyOf(items[len(items)-1])
	return items, Encode(at, key), true
}
