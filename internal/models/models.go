// Package models defines types shared across internal packages.
package models

import (
	"strings"
	"time"

	"github.com/alexjbarnes/rs-auth/internal/scope"
	"golang.org/x/text/unicode/norm"
)

// Session binds a session token to an authenticated user.
type Session struct {
	Token    string    `json:"-"`
	Username string    `json:"username"`
	IssuedAt time.Time `json:"issued_at"`
}

// AuthorizationRecord is a scoped token issued to a third-party
// application on a user's behalf. Records are never updated.
type AuthorizationRecord struct {
	Token     string      `json:"token"`
	Username  string      `json:"username"`
	Scope     scope.Scope `json:"scope"`
	CreatedAt time.Time   `json:"created_at"`
}

// NormalizeUsername trims surrounding whitespace and applies Unicode
// NFC so that visually identical names map to the same user.
func NormalizeUsername(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
