package provisionkey

import (
	"fmt"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxEntryNameLength  = 200
	maxFieldLabelLength = 100
)

// ValidatePIN checks pin against policy and returns an error wrapping ErrInvalidPIN
func ValidatePIN(pin string, policy PINPolicy) error {
	n := utf8.RuneCountInString(pin)
	if n < policy.MinLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrInvalidPIN, policy.MinLength)
	}
	if policy.MaxLength > 0 && n > policy.MaxLength {
		return fmt.Errorf("%w: must be at most %d characters", ErrInvalidPIN, policy.MaxLength)
	}
	if policy.DigitsOnly {
		for _, r := range pin {
			if r < '0' || r > '9' {
				return fmt.Errorf("%w: must contain digits only", ErrInvalidPIN)
			}
		}
	}
	for _, r := range pin {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: contains control characters", ErrInvalidPIN)
		}
	}
	return nil
}

// IsValidEntryType reports whether t is one of EntryTypes
func IsValidEntryType(t EntryType) bool {
	return slices.Contains(EntryTypes, t)
}

func validateEntryInput(in EntryInput) error {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidEntry)
	}
	if utf8.RuneCountInString(name) > maxEntryNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidEntry, maxEntryNameLength)
	}
	if !IsValidEntryType(in.Type) {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEntry, in.Type)
	}
	for i, f := range in.Fields {
		label := strings.TrimSpace(f.Label)
		if label == "" {
			return fmt.Errorf("%w: field %d has no label", ErrInvalidEntry, i)
		}
		if utf8.RuneCountInString(label) > maxFieldLabelLength {
			return fmt.Errorf("%w: field %d label exceeds %d characters", ErrInvalidEntry, i, maxFieldLabelLength)
		}
	}
	return nil
}
