package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/alexjbarnes/rs-auth/internal/authz"
	autherrors "github.com/alexjbarnes/rs-auth/internal/errors"
	"github.com/alexjbarnes/rs-auth/internal/models"
	"github.com/alexjbarnes/rs-auth/internal/oauthstate"
	"github.com/alexjbarnes/rs-auth/internal/scope"
	"github.com/alexjbarnes/rs-auth/internal/tokenstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("no entropy") }

type harness struct {
	verifier  *MockVerifier
	logins    *tokenstore.Store[bool]
	store     *tokenstore.Store[models.Session]
	sessions  *Sessions
	handshake *Handshake
	registry  *authz.Registry
	flow      *Flow
}

// newHarness builds a flow over in-memory stores. entropy feeds every
// token source; nil means crypto/rand.
func newHarness(t *testing.T, entropy io.Reader, cfg HandshakeConfig) *harness {
	t.Helper()

	ctrl := gomock.NewController(t)
	h := &harness{
		verifier: NewMockVerifier(ctrl),
		logins:   tokenstore.New[bool](entropy),
		store:    tokenstore.New[models.Session](entropy),
	}
	t.Cleanup(h.stop)

	h.sessions = NewSessions(h.store, testLogger())
	h.handshake = NewHandshake(h.logins, h.verifier, h.sessions, cfg, testLogger())
	h.registry = authz.NewRegistry(authz.NewMemoryBackend(), entropy, testLogger())
	h.flow = NewFlow(h.handshake, h.sessions, h.registry, time.Minute, testLogger())

	return h
}

func (h *harness) stop() {
	h.logins.Stop()
	h.store.Stop()
}

func (h *harness) login(t *testing.T, username string) models.Session {
	t.Helper()

	h.verifier.EXPECT().
		Verify(gomock.Any(), DefaultService, username, "pw").
		Return(true, nil)

	tok, err := h.flow.RequestLogin()
	require.NoError(t, err)

	sess, err := h.flow.Login(context.Background(), tok, username, "pw")
	require.NoError(t, err)

	return sess
}

// --- Handshake ---

func TestIssueLoginToken_ThirtyTwoBytes(t *testing.T) {
	h := newHarness(t, nil, HandshakeConfig{})

	tok, err := h.handshake.IssueLoginToken(time.Minute)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(tok)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestIssueLoginToken_EntropyUnavailable(t *testing.T) {
	h := newHarness(t, failingReader{}, HandshakeConfig{})

	tok, err := h.handshake.IssueLoginToken(time.Minute)
	assert.ErrorIs(t, err, autherrors.ErrEntropyUnavailable)
	assert.Empty(t, tok)
	assert.Equal(t, 0, h.logins.Len())
}

func TestCompleteLogin_ConsumesTokenOnce(t *testing.T) {
	h := newHarness(t, nil, HandshakeConfig{})

	h.verifier.EXPECT().
		Verify(gomock.Any(), "remotestorage", "alice", "correct-pw").
		Return(true, nil).
		Times(1)

	tok, err := h.handshake.IssueLoginToken(time.Minute)
	require.NoError(t, err)

	sess, err := h.handshake.CompleteLogin(context.Background(), tok, "alice", "correct-pw")
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.Username)

	raw, err := base64.StdEncoding.DecodeString(sess.Token)
	require.NoError(t, err)
	assert.Len(t, raw, 64)

	// The verifier must not be consulted again.
	_, err = h.handshake.CompleteLogin(context.Background(), tok, "alice", "correct-pw")
	assert.ErrorIs(t, err, autherrors.ErrTokenInvalid)
}

func TestCompleteLogin_UnknownToken(t *testing.T) {
	h := newHarness(t, nil, HandshakeConfig{})

	_, err := h.handshake.CompleteLogin(context.Background(), "never-issued", "alice", "pw")
	assert.ErrorIs(t, err, autherrors.ErrTokenInvalid)
}

func TestCompleteLogin_FailureDoesNotRestoreToken(t *testing.T) {
	h := newHarness(t, nil, HandshakeConfig{})

	h.verifier.EXPECT().
		Verify(gomock.Any(), DefaultService, "alice", "wrong").
		Return(false, nil)

	tok, err := h.handshake.IssueLoginToken(time.Minute)
	require.NoError(t, err)

	_, err = h.handshake.CompleteLogin(context.Background(), tok, "alice", "wrong")
	assert.ErrorIs(t, err, autherrors.ErrAuthFailed)
	assert.Equal(t, 0, h.store.Len())

	_, err = h.handshake.CompleteLogin(context.Background(), tok, "alice", "correct-pw")
	assert.ErrorIs(t, err, autherrors.ErrTokenInvalid)
}

func TestCompleteLogin_VerifierError(t *testing.T) {
	h := newHarness(t, nil, HandshakeConfig{})

	h.verifier.EXPECT().
		Verify(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(false, errors.New("ldap down"))

	tok, err := h.handshake.IssueLoginToken(time.Minute)
	require.NoError(t, err)

	_, err = h.handshake.CompleteLogin(context.Background(), tok, "alice", "pw")
	assert.ErrorIs(t, err, autherrors.ErrVerifierFailed)
	assert.Contains(t, err.Error(), "ldap down")

	// Verification is at most once per consumption.
	_, err = h.handshake.CompleteLogin(context.Background(), tok, "alice", "pw")
	assert.ErrorIs(t, err, autherrors.ErrTokenInvalid)
}

func TestCompleteLogin_CustomService(t *testing.T) {
	h := newHarness(t, nil, HandshakeConfig{Service: "storage"})

	h.verifier.EXPECT().
		Verify(gomock.Any(), "storage", "alice", "pw").
		Return(true, nil)

	tok, err := h.handshake.IssueLoginToken(time.Minute)
	require.NoError(t, err)

	_, err = h.handshake.CompleteLogin(context.Background(), tok, "alice", "pw")
	require.NoError(t, err)
}

func TestCompleteLogin_NormalizesUsername(t *testing.T) {
	h := newHarness(t, nil, HandshakeConfig{})

	h.verifier.EXPECT().
		Verify(gomock.Any(), DefaultService, "josé", "pw").
		Return(true, nil)

	tok, err := h.handshake.IssueLoginToken(time.Minute)
	require.NoError(t, err)

	sess, err := h.handshake.CompleteLogin(context.Background(), tok, "  josé ", "pw")
	require.NoError(t, err)
	assert.Equal(t, "josé", sess.Username)
}

func TestCompleteLogin_VerifyTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHarness(t, nil, HandshakeConfig{VerifyTimeout: 10 * time.Second})
		defer h.stop()

		h.verifier.EXPECT().
			Verify(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(ctx context.Context, _, _, _ string) (bool, error) {
				<-ctx.Done()
				return false, ctx.Err()
			})

		tok, err := h.handshake.IssueLoginToken(time.Minute)
		require.NoError(t, err)

		start := time.Now()
		_, err = h.handshake.CompleteLogin(context.Background(), tok, "alice", "pw")
		assert.ErrorIs(t, err, autherrors.ErrVerifierFailed)
		assert.Equal(t, 10*time.Second, time.Since(start))
	})
}

func TestCompleteLogin_VerifyTimeoutIgnoredByVerifier(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHarness(t, nil, HandshakeConfig{VerifyTimeout: 10 * time.Second})
		defer h.stop()

		release := make(chan struct{})

		// Blocks past the deadline without looking at ctx.
		h.verifier.EXPECT().
			Verify(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(context.Context, string, string, string) (bool, error) {
				<-release
				return true, nil
			})

		tok, err := h.handshake.IssueLoginToken(time.Minute)
		require.NoError(t, err)

		start := time.Now()
		_, err = h.handshake.CompleteLogin(context.Background(), tok, "alice", "pw")
		assert.ErrorIs(t, err, autherrors.ErrVerifierFailed)
		assert.Equal(t, 10*time.Second, time.Since(start))

		close(release)
		synctest.Wait()

		assert.Equal(t, 0, h.store.Len(), "a late yes must not mint a session")
	})
}

func TestCompleteLogin_ExpiredToken(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHarness(t, nil, HandshakeConfig{})
		defer h.stop()

		tok, err := h.handshake.IssueLoginToken(60 * time.Second)
		require.NoError(t, err)

		time.Sleep(60 * time.Second)

		_, err = h.handshake.CompleteLogin(context.Background(), tok, "alice", "pw")
		assert.ErrorIs(t, err, autherrors.ErrTokenInvalid)
	})
}

func TestCompleteLogin_ConcurrentSingleWinner(t *testing.T) {
	h := newHarness(t, nil, HandshakeConfig{})

	h.verifier.EXPECT().
		Verify(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(true, nil).
		Times(1)

	tok, err := h.handshake.IssueLoginToken(time.Minute)
	require.NoError(t, err)

	const attempts = 20

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		invalid int
	)

	for range attempts {
		wg.Go(func() {
			_, err := h.handshake.CompleteLogin(context.Background(), tok, "alice", "pw")

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				wins++
			case errors.Is(err, autherrors.ErrTokenInvalid):
				invalid++
			}
		})
	}

	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, attempts-1, invalid)
}

// --- Sessions ---

func TestSessions_VerifyAndRevoke(t *testing.T) {
	h := newHarness(t, nil, HandshakeConfig{})

	sess, err := h.sessions.Create("alice")
	require.NoError(t, err)

	got, err := h.sessions.Verify(sess.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.False(t, got.IssuedAt.IsZero())

	revoked, err := h.sessions.Revoke(sess.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", revoked.Username)

	_, err = h.sessions.Verify(sess.Token)
	assert.ErrorIs(t, err, autherrors.ErrUnauthenticated)

	// A second revoke changes nothing and reports the session as gone.
	_, err = h.sessions.Revoke(sess.Token)
	assert.ErrorIs(t, err, autherrors.ErrUnauthenticated)

	_, err = h.sessions.Revoke("")
	assert.ErrorIs(t, err, autherrors.ErrUnauthenticated)
}

func TestSessions_VerifyEmptyAndUnknown(t *testing.T) {
	h := newHarness(t, nil, HandshakeConfig{})

	_, err := h.sessions.Verify("")
	assert.ErrorIs(t, err, autherrors.ErrUnauthenticated)

	_, err = h.sessions.Verify("made-up")
	assert.ErrorIs(t, err, autherrors.ErrUnauthenticated)
}

func TestSessions_NoExpiry(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHarness(t, nil, HandshakeConfig{})
		defer h.stop()

		sess, err := h.sessions.Create("alice")
		require.NoError(t, err)

		time.Sleep(48 * time.Hour)

		_, err = h.sessions.Verify(sess.Token)
		assert.NoError(t, err)
	})
}

func TestSessions_CreateEntropyUnavailable(t *testing.T) {
	h := newHarness(t, failingReader{}, HandshakeConfig{})

	_, err := h.sessions.Create("alice")
	assert.ErrorIs(t, err, autherrors.ErrEntropyUnavailable)
}

// --- Flow ---

func TestFlow_Logout(t *testing.T) {
	h := newHarness(t, nil, HandshakeConfig{})
	sess := h.login(t, "alice")

	require.NoError(t, h.flow.Logout(sess.Token))

	_, err := h.flow.Authenticate(sess.Token)
	assert.ErrorIs(t, err, autherrors.ErrUnauthenticated)

	assert.ErrorIs(t, h.flow.Logout(sess.Token), autherrors.ErrUnauthenticated)
}

func TestFlow_ConcurrentLogoutSingleWinner(t *testing.T) {
	h := newHarness(t, nil, HandshakeConfig{})
	sess := h.login(t, "alice")

	const attempts = 20

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		gone int
	)

	for range attempts {
		wg.Go(func() {
			err := h.flow.Logout(sess.Token)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				wins++
			case errors.Is(err, autherrors.ErrUnauthenticated):
				gone++
			}
		})
	}

	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, attempts-1, gone)
}

func TestFlow_AuthorizeWithoutRequest(t *testing.T) {
	h := newHarness(t, nil, HandshakeConfig{})

	grant, err := h.flow.Authorize("alice", scope.Scope{"documents": scope.Read}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, grant.Token)
	assert.Empty(t, grant.RedirectURI)

	recs, err := h.flow.Authorizations("alice")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, grant.Token, recs[0].Token)
}

func TestFlow_AuthorizeBuildsRedirect(t *testing.T) {
	h := newHarness(t, nil, HandshakeConfig{})

	req := oauthstate.Parse("client_id=abc&redirect_uri=http%3A%2F%2Fx%2Fcb&scope=documents%3Aread&state=xyz")

	grant, err := h.flow.Authorize("alice", nil, &req)
	require.NoError(t, err)

	want, err := oauthstate.BuildRedirect(req, grant.Token)
	require.NoError(t, err)
	assert.Equal(t, want, grant.RedirectURI)

	// Empty approval falls back to the requested scope.
	recs, err := h.flow.Authorizations("alice")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, scope.Scope{"documents": scope.Read}, recs[0].Scope)
}

func TestFlow_AuthorizeMissingRedirect(t *testing.T) {
	h := newHarness(t, nil, HandshakeConfig{})

	req := oauthstate.Parse("client_id=abc&scope=documents%3Aread")

	_, err := h.flow.Authorize("alice", nil, &req)
	assert.ErrorIs(t, err, autherrors.ErrMissingRedirectTarget)

	recs, err := h.flow.Authorizations("alice")
	require.NoError(t, err)
	assert.Empty(t, recs, "no token is minted without a redirect target")
}

func TestFlow_AuthorizeBroaderThanRequested(t *testing.T) {
	h := newHarness(t, nil, HandshakeConfig{})

	req := oauthstate.Parse("redirect_uri=http%3A%2F%2Fx%2Fcb&scope=documents%3Aread")

	grant, err := h.flow.Authorize("alice", scope.Scope{"documents": scope.ReadWrite, "photos": scope.Read}, &req)
	require.NoError(t, err)
	assert.NotEmpty(t, grant.RedirectURI)
}

func TestFlow_AuthorizeInvalidScope(t *testing.T) {
	h := newHarness(t, nil, HandshakeConfig{})

	_, err := h.flow.Authorize("alice", scope.Scope{"documents": "write"}, nil)
	assert.ErrorIs(t, err, autherrors.ErrInvalidScope)
}

func TestFlow_Revoke(t *testing.T) {
	h := newHarness(t, nil, HandshakeConfig{})

	grant, err := h.flow.Authorize("alice", scope.Scope{"documents": scope.Read}, nil)
	require.NoError(t, err)

	require.NoError(t, h.flow.Revoke("alice", grant.Token))

	recs, err := h.flow.Authorizations("alice")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestFlow_Preview(t *testing.T) {
	h := newHarness(t, nil, HandshakeConfig{})

	req := h.flow.Preview("#client_id=abc&state=xyz&bogus=1")
	assert.Equal(t, "abc", req.ClientID)
	assert.Equal(t, "xyz", req.State)
	assert.Empty(t, req.RedirectURI)
}
