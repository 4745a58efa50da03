package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	autherrors "github.com/alexjbarnes/rs-auth/internal/errors"
	"github.com/alexjbarnes/rs-auth/internal/models"
	"github.com/alexjbarnes/rs-auth/internal/tokenstore"
)

const (
	// loginTokenBytes is the number of random bytes in a login token.
	loginTokenBytes = 32

	// DefaultService is the service name passed to the verifier.
	DefaultService = "remotestorage"
)

// Handshake issues single-use login tokens and exchanges one, together
// with a username and password, for a session.
type Handshake struct {
	tokens        *tokenstore.Store[bool]
	verifier      Verifier
	sessions      *Sessions
	service       string
	verifyTimeout time.Duration
	logger        *slog.Logger
}

// HandshakeConfig holds the tunables for a Handshake.
type HandshakeConfig struct {
	// Service is the name handed to the verifier. Defaults to
	// DefaultService.
	Service string

	// VerifyTimeout bounds a single credential check. Zero means no
	// deadline beyond the caller's context.
	VerifyTimeout time.Duration
}

// NewHandshake wires a handshake over its collaborators.
func NewHandshake(tokens *tokenstore.Store[bool], verifier Verifier, sessions *Sessions, cfg HandshakeConfig, logger *slog.Logger) *Handshake {
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}

	return &Handshake{
		tokens:        tokens,
		verifier:      verifier,
		sessions:      sessions,
		service:       cfg.Service,
		verifyTimeout: cfg.VerifyTimeout,
		logger:        logger,
	}
}

// IssueLoginToken returns a login token that expires after ttl unless
// consumed first.
func (h *Handshake) IssueLoginToken(ttl time.Duration) (string, error) {
	token, err := h.tokens.Issue(loginTokenBytes)
	if err != nil {
		return "", fmt.Errorf("generating login token: %w", err)
	}

	h.tokens.Put(token, true, ttl)

	return token, nil
}

// CompleteLogin consumes the login token and, only if that succeeds,
// checks the credentials. The token is spent whatever the outcome, so a
// failed attempt must restart with a new token. Unknown, expired, and
// already used tokens are all reported as ErrTokenInvalid.
func (h *Handshake) CompleteLogin(ctx context.Context, token, username, password string) (models.Session, error) {
	if _, err := h.tokens.Consume(token); err != nil {
		return models.Session{}, autherrors.ErrTokenInvalid
	}

	if h.verifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.verifyTimeout)
		defer cancel()
	}

	username = models.NormalizeUsername(username)

	ok, err := h.verify(ctx, username, password)
	if err != nil {
		return models.Session{}, fmt.Errorf("%w: %v", autherrors.ErrVerifierFailed, err)
	}

	if !ok {
		h.logger.Warn("login failed", slog.String("username", username))
		return models.Session{}, autherrors.ErrAuthFailed
	}

	sess, err := h.sessions.Create(username)
	if err != nil {
		return models.Session{}, err
	}

	h.logger.Info("login successful", slog.String("username", username))

	return sess, nil
}

type verifyResult struct {
	ok  bool
	err error
}

// verify runs the verifier but stops waiting once ctx is done, so the
// deadline holds even for verifiers that never look at ctx. A verifier
// abandoned this way finishes in the background and its answer is
// discarded.
func (h *Handshake) verify(ctx context.Context, username, password string) (bool, error) {
	done := make(chan verifyResult, 1)

	go func() {
		ok, err := h.verifier.Verify(ctx, h.service, username, password)
		done <- verifyResult{ok: ok, err: err}
	}()

	select {
	case res := <-done:
		return res.ok, res.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
