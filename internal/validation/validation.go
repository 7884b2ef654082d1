// Package validation checks user supplied names and claim selectors before
// they reach storage.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Validation error types for specific error handling.
var (
	ErrEmptyValue       = errors.New("value cannot be empty")
	ErrTooLong          = errors.New("value exceeds maximum length")
	ErrControlCharacter = errors.New("value contains control characters")
	ErrInvalidFormat    = errors.New("invalid format")
)

// Constraints for validation.
const (
	MaxNameLength       = 255
	MaxClaimFieldLength = 128
	MaxClaimValueLength = 1024
)

// FieldError describes why a single input field was rejected.
type FieldError struct {
	Field  string
	Value  string
	Reason string
	Err    error
}

func (e *FieldError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid %s %q: %s", e.Field, truncate(e.Value, 50), e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %v", e.Field, truncate(e.Value, 50), e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// ValidateName validates a team name.
// It checks for:
// - Non-empty (after trimming whitespace)
// - Not exceeding maximum length
// - No control characters
func ValidateName(name string) error {
	return validateText("name", name, MaxNameLength)
}

// ValidateClaimField validates the claim name a team rule matches on, such
// as "groups" or "department". Claim names never contain whitespace.
func ValidateClaimField(field string) error {
	if err := validateText("claimField", field, MaxClaimFieldLength); err != nil {
		return err
	}
	if strings.ContainsFunc(strings.TrimSpace(field), unicode.IsSpace) {
		return &FieldError{Field: "claimField", Value: field, Reason: "cannot contain whitespace", Err: ErrInvalidFormat}
	}
	return nil
}

// ValidateClaimValue validates the value a team rule compares claims with.
func ValidateClaimValue(value string) error {
	return validateText("claimValue", value, MaxClaimValueLength)
}

func validateText(field, value string, maxLen int) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return &FieldError{Field: field, Value: value, Reason: "cannot be empty", Err: ErrEmptyValue}
	}
	if len(value) > maxLen {
		return &FieldError{
			Field:  field,
			Value:  value,
			Reason: fmt.Sprintf("exceeds maximum length of %d characters", maxLen),
			Err:    ErrTooLong,
		}
	}
	if strings.ContainsFunc(value, unicode.IsControl) {
		return &FieldError{Field: field, Value: value, Err: ErrControlCharacter}
	}
	return nil
}

// truncate shortens a string for display in error messages.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
