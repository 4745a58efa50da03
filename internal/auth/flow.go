package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/alexjbarnes/rs-auth/internal/authz"
	autherrors "github.com/alexjbarnes/rs-auth/internal/errors"
	"github.com/alexjbarnes/rs-auth/internal/models"
	"github.com/alexjbarnes/rs-auth/internal/oauthstate"
	"github.com/alexjbarnes/rs-auth/internal/scope"
)

// Flow sequences the handshake for one client interaction:
//
//	anonymous -> login pending -> authenticated -> listing | authorizing
//
// with logout returning to anonymous. It holds no per-client state; the
// client carries its login and session tokens between calls.
type Flow struct {
	handshake *Handshake
	sessions  *Sessions
	registry  *authz.Registry
	loginTTL  time.Duration
	logger    *slog.Logger
}

// Grant is the result of approving an authorization request.
type Grant struct {
	Token       string `json:"token"`
	RedirectURI string `json:"redirect_uri,omitempty"`
}

// NewFlow wires a flow. loginTTL is how long an unconsumed login token
// stays valid.
func NewFlow(handshake *Handshake, sessions *Sessions, registry *authz.Registry, loginTTL time.Duration, logger *slog.Logger) *Flow {
	return &Flow{
		handshake: handshake,
		sessions:  sessions,
		registry:  registry,
		loginTTL:  loginTTL,
		logger:    logger,
	}
}

// RequestLogin hands an anonymous client a login token.
func (f *Flow) RequestLogin() (string, error) {
	return f.handshake.IssueLoginToken(f.loginTTL)
}

// Login exchanges a login token and credentials for a session.
func (f *Flow) Login(ctx context.Context, loginToken, username, password string) (models.Session, error) {
	return f.handshake.CompleteLogin(ctx, loginToken, username, password)
}

// Authenticate resolves a session token to its session.
func (f *Flow) Authenticate(sessionToken string) (models.Session, error) {
	return f.sessions.Verify(sessionToken)
}

// Logout revokes the session. A second logout with the same token
// reports ErrUnauthenticated.
func (f *Flow) Logout(sessionToken string) error {
	sess, err := f.sessions.Revoke(sessionToken)
	if err != nil {
		return err
	}

	f.logger.Info("session revoked", slog.String("username", sess.Username))

	return nil
}

// Authorizations lists the records issued on username's behalf.
func (f *Flow) Authorizations(username string) ([]models.AuthorizationRecord, error) {
	return f.registry.List(username)
}

// Preview decodes an application's request for display on the
// confirmation screen.
func (f *Flow) Preview(fragment string) oauthstate.Request {
	return oauthstate.Parse(fragment)
}

// Authorize issues a token for username with the approved scope. When
// req is non-nil the grant also carries the redirect back to the
// application, and an empty approved scope falls back to the scope the
// application asked for.
//
// The approved scope is not required to be a subset of the requested
// one. A broader grant is logged so it can be audited.
func (f *Flow) Authorize(username string, approved scope.Scope, req *oauthstate.Request) (Grant, error) {
	if req != nil {
		if req.RedirectURI == "" {
			return Grant{}, autherrors.ErrMissingRedirectTarget
		}

		if len(approved) == 0 {
			approved = req.Scope
		}

		if !req.Scope.Covers(approved) {
			f.logger.Warn("authorization exceeds requested scope",
				slog.String("username", username),
				slog.String("client_id", req.ClientID),
				slog.String("requested", req.Scope.String()),
				slog.String("approved", approved.String()),
			)
		}
	}

	token, err := f.registry.Create(username, approved)
	if err != nil {
		return Grant{}, err
	}

	grant := Grant{Token: token}

	if req != nil {
		uri, err := oauthstate.BuildRedirect(*req, token)
		if err != nil {
			return Grant{}, err
		}

		grant.RedirectURI = uri
	}

	return grant, nil
}

// Revoke withdraws one of username's authorization tokens.
func (f *Flow) Revoke(username, token string) error {
	return f.registry.Revoke(username, token)
}
