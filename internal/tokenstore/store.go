// Package tokenstore holds opaque random tokens in memory with optional
// expiry and single-use consumption. All state is lost on restart.
package tokenstore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	autherrors "github.com/alexjbarnes/rs-auth/internal/errors"
)

// cleanupInterval controls how often expired entries are reaped.
// Lookups also check expiry, so the reaper only bounds memory.
const cleanupInterval = time.Minute

// Generate reads n bytes from r and returns them base64 encoded.
// A short or failed read is reported as ErrEntropyUnavailable.
func Generate(r io.Reader, n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("%w: %v", autherrors.ErrEntropyUnavailable, err)
	}

	return base64.StdEncoding.EncodeToString(b), nil
}

// Fingerprint returns a short, non-reversible identifier for a token
// that is safe to log.
func Fingerprint(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:4])
}

type entry[V any] struct {
	value     V
	expiresAt time.Time // zero means no expiry
}

func (e entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Store maps tokens to values of type V.
type Store[V any] struct {
	mu       sync.Mutex
	entries  map[string]entry[V]
	entropy  io.Reader
	stopGC   chan struct{}
	stopOnce sync.Once
}

// New creates an empty store and starts a background goroutine that
// periodically removes expired entries. A nil entropy reader means
// crypto/rand. Call Stop to clean up the goroutine.
func New[V any](entropy io.Reader) *Store[V] {
	if entropy == nil {
		entropy = rand.Reader
	}

	s := &Store[V]{
		entries: make(map[string]entry[V]),
		entropy: entropy,
		stopGC:  make(chan struct{}),
	}
	go s.gcLoop()

	return s
}

// Stop terminates the background cleanup goroutine. Safe to call more
// than once.
func (s *Store[V]) Stop() {
	s.stopOnce.Do(func() { close(s.stopGC) })
}

func (s *Store[V]) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopGC:
			return
		}
	}
}

func (s *Store[V]) cleanup() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
		}
	}
}

// Issue returns a fresh token built from byteLen random bytes. The token
// is not stored; follow with Put.
func (s *Store[V]) Issue(byteLen int) (string, error) {
	return Generate(s.entropy, byteLen)
}

// Put associates value with token. A positive ttl makes the entry
// unusable once ttl has elapsed.
func (s *Store[V]) Put(token string, value V, ttl time.Duration) {
	e := entry[V]{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[token] = e
	s.mu.Unlock()
}

// Consume looks up and removes the entry under one lock, so at most one
// caller ever receives a given token's value. Absent, expired, and
// already consumed tokens all return ErrNotFound.
func (s *Store[V]) Consume(token string) (V, error) {
	var zero V

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[token]
	if !ok {
		return zero, autherrors.ErrNotFound
	}

	delete(s.entries, token)

	if e.expired(time.Now()) {
		return zero, autherrors.ErrNotFound
	}

	return e.value, nil
}

// Peek returns the value for token without removing it.
func (s *Store[V]) Peek(token string) (V, error) {
	var zero V

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[token]
	if !ok {
		return zero, autherrors.ErrNotFound
	}

	if e.expired(time.Now()) {
		delete(s.entries, token)
		return zero, autherrors.ErrNotFound
	}

	return e.value, nil
}

// Remove deletes token. Removing an absent token is a no-op.
func (s *Store[V]) Remove(token string) {
	s.mu.Lock()
	delete(s.entries, token)
	s.mu.Unlock()
}

// Len returns the number of entries, including expired ones the reaper
// has not yet removed.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}
