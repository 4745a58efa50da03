// Package auth implements the login handshake, sessions, and the
// authorization flow that sits on top of them, plus their HTTP handlers.
// Login tokens and sessions live in memory only and are invalidated on
// restart.
package auth

import (
	"fmt"
	"log/slog"
	"time"

	autherrors "github.com/alexjbarnes/rs-auth/internal/errors"
	"github.com/alexjbarnes/rs-auth/internal/models"
	"github.com/alexjbarnes/rs-auth/internal/tokenstore"
)

// sessionTokenBytes is the number of random bytes in a session token.
const sessionTokenBytes = 64

// Sessions issues and revokes session tokens. Sessions have no TTL;
// they end on logout or restart.
type Sessions struct {
	store  *tokenstore.Store[models.Session]
	logger *slog.Logger
}

// NewSessions creates a session manager over store.
func NewSessions(store *tokenstore.Store[models.Session], logger *slog.Logger) *Sessions {
	return &Sessions{store: store, logger: logger}
}

// Create starts a session for username.
func (s *Sessions) Create(username string) (models.Session, error) {
	token, err := s.store.Issue(sessionTokenBytes)
	if err != nil {
		return models.Session{}, fmt.Errorf("generating session token: %w", err)
	}

	sess := models.Session{
		Token:    token,
		Username: models.NormalizeUsername(username),
		IssuedAt: time.Now().UTC(),
	}
	s.store.Put(token, sess, 0)

	s.logger.Info("session created",
		slog.String("username", sess.Username),
		slog.String("session", tokenstore.Fingerprint(token)),
	)

	return sess, nil
}

// Verify returns the session for token, or ErrUnauthenticated.
func (s *Sessions) Verify(token string) (models.Session, error) {
	if token == "" {
		return models.Session{}, autherrors.ErrUnauthenticated
	}

	sess, err := s.store.Peek(token)
	if err != nil {
		return models.Session{}, autherrors.ErrUnauthenticated
	}

	return sess, nil
}

// Revoke ends the session for token in one step, so of two concurrent
// revocations exactly one succeeds. An unknown or already revoked token
// reports ErrUnauthenticated and changes nothing.
func (s *Sessions) Revoke(token string) (models.Session, error) {
	if token == "" {
		return models.Session{}, autherrors.ErrUnauthenticated
	}

	sess, err := s.store.Consume(token)
	if err != nil {
		return models.Session{}, autherrors.ErrUnauthenticated
	}

	return sess, nil
}
