package auth

import (
	"time"
)

// Credential is a bearer token and its expiry. It is replaced wholesale on
// refresh and never mutated.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// IsZero reports whether the credential has no token.
func (c Credential) IsZero() bool {
	return c.Token == ""
}

// ValidFor reports whether the credential still has more than margin of life
// left at now.
func (c Credential) ValidFor(now time.Time, margin time.Duration) bool {
	if c.IsZero() {
		return false
	}
	if c.ExpiresAt.IsZero() {
		return true
	}
	return c.ExpiresAt.Sub(now) > margin
}
