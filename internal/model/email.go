package model

import (
	"regexp"
	"strings"
)

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// NormalizeEmail trims and lower-cases an address; it is the only form stored.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ValidEmail reports whether raw looks like an address after normalization.
func ValidEmail(raw string) bool {
	return emailRe.MatchString(NormalizeEmail(raw))
}
