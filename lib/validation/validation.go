// Package validation checks configuration values and command arguments.
// Every validator returns nil on success or a *Result naming the offending
// field and wrapping one of the sentinel errors below.
package validation

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
	"unicode/utf8"
)

// Sentinel errors, checked with errors.Is.
var (
	// ErrRequired indicates a required value is missing or blank.
	ErrRequired = errors.New("field is required")

	// ErrTooLong indicates a string exceeds its maximum length.
	ErrTooLong = errors.New("value exceeds maximum length")

	// ErrInvalidFormat indicates a value doesn't match the expected format.
	ErrInvalidFormat = errors.New("invalid format")

	// ErrOutOfRange indicates a numeric or duration value is outside the allowed range.
	ErrOutOfRange = errors.New("value out of range")
)

// MaxPatternLength bounds key patterns passed to SCAN MATCH.
const MaxPatternLength = 1024

// Result is a validation failure for one field.
type Result struct {
	Field   string
	Message string
	Err     error
}

// Error implements the error interface.
func (r *Result) Error() string {
	if r.Field != "" {
		return fmt.Sprintf("%s: %s", r.Field, r.Message)
	}
	return r.Message
}

// Unwrap returns the sentinel.
func (r *Result) Unwrap() error {
	return r.Err
}

// NewResult creates a validation result.
func NewResult(field, message string, err error) *Result {
	return &Result{
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// Required validates that a string is not blank.
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return NewResult(field, "is required", ErrRequired)
	}
	return nil
}

// MaxLength validates that a string has at most max runes.
func MaxLength(field, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return NewResult(field, fmt.Sprintf("exceeds maximum length of %d characters", max), ErrTooLong)
	}
	return nil
}

// IntRange validates that min <= value <= max.
func IntRange(field string, value, min, max int) error {
	if value < min || value > max {
		return NewResult(field, fmt.Sprintf("must be between %d and %d", min, max), ErrOutOfRange)
	}
	return nil
}

// Positive validates that value > 0.
func Positive(field string, value int) error {
	if value <= 0 {
		return NewResult(field, "must be positive", ErrOutOfRange)
	}
	return nil
}

// NonNegative validates that value >= 0.
func NonNegative(field string, value int) error {
	if value < 0 {
		return NewResult(field, "must be non-negative", ErrOutOfRange)
	}
	return nil
}

// PositiveDuration validates that d > 0.
func PositiveDuration(field string, d time.Duration) error {
	if d <= 0 {
		return NewResult(field, "must be a positive duration", ErrOutOfRange)
	}
	return nil
}

// NonNegativeDuration validates that d >= 0. Zero usually means "disabled".
func NonNegativeDuration(field string, d time.Duration) error {
	if d < 0 {
		return NewResult(field, "duration cannot be negative", ErrOutOfRange)
	}
	return nil
}

// HostPort validates a host:port address.
func HostPort(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if _, _, err := net.SplitHostPort(value); err != nil {
		return NewResult(field, "must be in host:port format", ErrInvalidFormat)
	}
	return nil
}

// Pattern validates a glob-style key pattern. A pattern may not be blank,
// contain whitespace control characters, or leave a character class open.
func Pattern(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if err := MaxLength(field, value, MaxPatternLength); err != nil {
		return err
	}
	if strings.ContainsAny(value, "\r\n\x00") {
		return NewResult(field, "must not contain line breaks or NUL", ErrInvalidFormat)
	}

	open := false
	for i := 0; i < len(value); i++ {
		switch value[i] {
		case '\\':
			i++
		case '[':
			open = true
		case ']':
			open = false
		}
	}
	if open {
		return NewResult(field, "has an unterminated [ class", ErrInvalidFormat)
	}
	return nil
}

// Errors collects validation failures.
type Errors []error

// Add appends err unless it is nil.
func (e *Errors) Add(err error) {
	if err != nil {
		*e = append(*e, err)
	}
}

// HasErrors returns true if any errors were collected.
func (e Errors) HasErrors() bool {
	return len(e) > 0
}

// Error joins the collected messages.
func (e Errors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString("multiple validation errors: ")
	for i, err := range e {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e Errors) Unwrap() []error {
	return e
}
