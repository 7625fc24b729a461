package integrity

import (
	"strings"
	"time"
)

// OutwardCode returns the first whitespace-delimited segment of a UK-style
// postcode, upper-cased: "sw1a 1aa" → "SW1A". A postcode with no space is
// returned whole.
func OutwardCode(postcode string) string {
	fields := strings.Fields(strings.ToUpper(postcode))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// PostcodesMatch reports whether two postcodes share an outward code or are
// identical. Blank postcodes never match.
func PostcodesMatch(a, b string) bool {
	na := strings.ToUpper(strings.TrimSpace(a))
	nb := strings.ToUpper(strings.TrimSpace(b))
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	return OutwardCode(na) == OutwardCode(nb)
}

// DaysApart is the absolute number of calendar days between two dates.
func DaysApart(a, b time.Time) int {
	da := civilDate(a)
	db := civilDate(b)
	days := int(da.Sub(db).Hours() / 24)
	if days < 0 {
		days = -days
	}
	return days
}

// WithinDays reports whether both dates are known and at most n days apart.
func WithinDays(a, b *time.Time, n int) bool {
	if a == nil || b == nil {
		return false
	}
	return DaysApart(*a, *b) <= n
}

func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// TypesMatch reports whether two event categories are the same. Blank
// categories never match.
func TypesMatch(a, b string) bool {
	return a != "" && a == b
}
