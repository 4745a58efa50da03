// Package scope implements the category:mode grammar shared by OAuth
// requests and stored authorizations.
package scope

import (
	"fmt"
	"slices"
	"strings"

	autherrors "github.com/alexjbarnes/rs-auth/internal/errors"
)

// Mode is the access level granted on a category.
type Mode string

const (
	Read      Mode = "read"
	ReadWrite Mode = "read-write"
)

// Root is the category that covers every path.
const Root = "root"

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	return m == Read || m == ReadWrite
}

// Scope maps a category name to its access mode.
type Scope map[string]Mode

// Parse reads a space separated list of category:mode pairs. Entries
// without a colon or with an empty category are dropped. Modes are kept
// as given; call Validate before trusting them.
func Parse(s string) Scope {
	sc := make(Scope)

	for _, part := range strings.Split(s, " ") {
		category, mode, ok := strings.Cut(part, ":")
		if !ok || category == "" {
			continue
		}

		sc[category] = Mode(mode)
	}

	return sc
}

// Validate checks every pair against the grammar. Categories are open
// ended but may not be empty or contain separators. Modes must be read
// or read-write.
func (s Scope) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: no categories", autherrors.ErrInvalidScope)
	}

	for category, mode := range s {
		if category == "" || strings.ContainsAny(category, " :") {
			return fmt.Errorf("%w: bad category %q", autherrors.ErrInvalidScope, category)
		}

		if !mode.Valid() {
			return fmt.Errorf("%w: unknown mode %q for %q", autherrors.ErrInvalidScope, mode, category)
		}
	}

	return nil
}

// Categories returns the category names in sorted order.
func (s Scope) Categories() []string {
	names := make([]string, 0, len(s))
	for category := range s {
		names = append(names, category)
	}

	slices.Sort(names)

	return names
}

// String renders the scope in the wire grammar with categories sorted.
func (s Scope) String() string {
	parts := make([]string, 0, len(s))
	for _, category := range s.Categories() {
		parts = append(parts, category+":"+string(s[category]))
	}

	return strings.Join(parts, " ")
}

// Permits reports whether the scope grants access to a storage path.
// The root category matches everything; any other category must equal
// the first path segment. Writes need read-write.
func (s Scope) Permits(path string, write bool) bool {
	path = strings.TrimPrefix(path, "/")
	first, _, _ := strings.Cut(path, "/")

	for category, mode := range s {
		if category != Root && category != first {
			continue
		}

		if !write || mode == ReadWrite {
			return true
		}
	}

	return false
}

// Covers reports whether every category in other is present in s with
// at least the same mode.
func (s Scope) Covers(other Scope) bool {
	for category, mode := range other {
		have, ok := s[category]
		if !ok {
			return false
		}

		if mode == ReadWrite && have != ReadWrite {
			return false
		}
	}

	return true
}
