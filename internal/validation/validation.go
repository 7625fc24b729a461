// Package validation provides request validation helpers for the integrity API.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB).
const MaxRequestSize = 64 << 10

// MaxIDLength bounds identifiers taken from requests.
const MaxIDLength = 128

// DateLayout is the wire format of calendar dates.
const DateLayout = "2006-01-02"

var (
	// idRegex accepts UUIDs and prefixed slugs such as evt_123.
	idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-:.]*$`)
	// postcodeRegex is a loose UK-style shape: outward code, optional inward code.
	postcodeRegex = regexp.MustCompile(`^[A-Za-z]{1,2}[0-9][A-Za-z0-9]?(\s*[0-9][A-Za-z]{2})?$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks the shape of an identifier.
func IsValidID(id string) bool {
	return len(id) <= MaxIDLength && idRegex.MatchString(id)
}

// IsValidPostcode checks the shape of a UK-style postcode.
func IsValidPostcode(p string) bool {
	return postcodeRegex.MatchString(strings.TrimSpace(p))
}

// SanitizeString trims whitespace, strips null bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidID checks an optional identifier field.
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidID(value) {
			return &ValidationError{Field: field, Message: "must be a valid identifier"}
		}
		return nil
	}
}

// ValidPostcode checks an optional postcode field.
func ValidPostcode(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidPostcode(value) {
			return &ValidationError{Field: field, Message: "must be a valid postcode"}
		}
		return nil
	}
}

// ValidDate checks an optional YYYY-MM-DD field.
func ValidDate(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, err := time.Parse(DateLayout, value); err != nil {
			return &ValidationError{Field: field, Message: "must be a date in YYYY-MM-DD format"}
		}
		return nil
	}
}

// OneOf checks an optional field against a closed set of values.
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// IDParamMiddleware rejects malformed values of the named URL parameter.
func IDParamMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v := c.Param(param); v != "" && !IsValidID(v) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_" + param,
				"message": param + " must be a valid identifier",
			})
			return
		}
		c.Next()
	}
}
