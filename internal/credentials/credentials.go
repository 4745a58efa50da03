// Package credentials verifies usernames and passwords against bcrypt
// hashes, either configured inline or loaded from a YAML users file.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/alexjbarnes/rs-auth/internal/models"
	"golang.org/x/crypto/bcrypt"
)

// Users maps usernames to bcrypt password hashes.
type Users map[string]string

// dummyHash is compared against when the username is unknown so that a
// miss costs the same as a wrong password.
var dummyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("rs-auth-unknown-user"), bcrypt.DefaultCost)
	return h
})

// ParseUsers parses "user1:hash1,user2:hash2". Usernames are
// normalized; duplicates after normalization are rejected.
func ParseUsers(s string) (Users, error) {
	users := make(Users)
	if s == "" {
		return users, nil
	}

	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid user entry (missing ':')")
		}

		username := models.NormalizeUsername(pair[:idx])

		hash := pair[idx+1:]
		if username == "" || hash == "" {
			return nil, fmt.Errorf("empty username or hash in entry %d", len(users)+1)
		}

		if _, dup := users[username]; dup {
			return nil, fmt.Errorf("duplicate username %q", username)
		}

		users[username] = hash
	}

	return users, nil
}

// Static verifies against a fixed set of users.
type Static struct {
	users Users
}

// NewStatic returns a verifier over users. The map is copied.
func NewStatic(users Users) *Static {
	cp := make(Users, len(users))
	for k, v := range users {
		cp[models.NormalizeUsername(k)] = v
	}

	return &Static{users: cp}
}

// Verify reports whether password matches username's hash. The service
// name is not used; every configured user may sign in to every service.
func (s *Static) Verify(ctx context.Context, service, username, password string) (bool, error) {
	return verify(ctx, s.users, username, password)
}

// Len returns the number of configured users.
func (s *Static) Len() int {
	return len(s.users)
}

func verify(ctx context.Context, users Users, username, password string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	hash, ok := users[models.NormalizeUsername(username)]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return false, nil
	}

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("comparing password hash for %q: %w", username, err)
	}
}
