package utils

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// returns slice removing duplicate elements
func UniqueSlice[T comparable](slice []T) []T {
	inResult := make(map[T]bool)
	var result []T
	for _, elm := range slice {
		if _, ok := inResult[elm]; !ok {
			inResult[elm] = true
			result = append(result, elm)
		}
	}
	return result
}

// safely dereference pointer of type T, nil pointer return zero value or optional default
func DereferencePtr[T any](ptr *T, defaults ...T) T {
	var defaultValue T
	if len(defaults) > 0 {
		defaultValue = defaults[0]
	}
	if ptr == nil {
		return defaultValue
	}
	return *ptr
}

// DefaultString returns the trimmed value, or def when it is blank.
func DefaultString(value string, def string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return def
}

// DateOrNow returns t, or the current UTC time when t is nil or zero.
func DateOrNow(t *time.Time) time.Time {
	if t == nil || t.IsZero() {
		return time.Now().UTC()
	}
	return *t
}

// ParseDecimal converts user-formatted amounts to a decimal.
// Accepts strings like "20,000", "Rs 20,000", "₹ -1,234.50" and "MMK 20,000".
// Keeps digits, '.', and a leading '-' only.
func ParseDecimal(value string) (decimal.Decimal, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return decimal.Zero, errors.New("empty decimal string")
	}
	s = strings.ReplaceAll(s, ",", "")
	for _, symbol := range []string{"MMK", "mmk", "INR", "inr", "Rs.", "Rs", "rs", "Ks", "ks", "₹"} {
		s = strings.ReplaceAll(s, symbol, "")
	}
	s = strings.TrimSpace(s)

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = strings.TrimSpace(strings.TrimPrefix(s, "-"))
	}
	var b strings.Builder
	b.Grow(len(s) + 1)
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	clean := b.String()
	if clean == "" {
		return decimal.Zero, errors.New("invalid decimal value: " + value)
	}
	if neg {
		clean = "-" + clean
	}
	return decimal.NewFromString(clean)
}
