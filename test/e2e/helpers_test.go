package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/rs-auth/internal/auth"
	"github.com/alexjbarnes/rs-auth/internal/authz"
	"github.com/alexjbarnes/rs-auth/internal/credentials"
	"github.com/alexjbarnes/rs-auth/internal/models"
	"github.com/alexjbarnes/rs-auth/internal/server"
	"github.com/alexjbarnes/rs-auth/internal/state"
	"github.com/alexjbarnes/rs-auth/internal/tokenstore"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

const (
	testUsername = "testuser"
	testPassword = "testpass"
	redirectURI  = "http://127.0.0.1:19876/callback"
)

// harness holds the full e2e test stack: a real HTTP server backed by a
// watched users file and a bbolt authorization database.
type harness struct {
	URL       string
	Dir       string
	UsersFile string
	Registry  *authz.Registry
	Client    *http.Client

	close func()
}

// newHarness creates a fresh data directory and starts the stack on it.
func newHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()
	writeUsers(t, filepath.Join(dir, "users.yaml"), map[string]string{testUsername: testPassword})

	return startHarness(t, dir)
}

// startHarness wires the stack the way cmd/rs-auth does over the users
// file and database in dir. Call close before starting another harness
// on the same dir, since bbolt holds an exclusive lock.
func startHarness(t *testing.T, dir string) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	usersPath := filepath.Join(dir, "users.yaml")

	users, err := credentials.LoadFile(usersPath, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	watchDone := make(chan struct{})

	go func() {
		defer close(watchDone)
		_ = users.Watch(ctx)
	}()

	st, err := state.LoadAt(filepath.Join(dir, "authz.db"))
	require.NoError(t, err)

	logins := tokenstore.New[bool](nil)
	sessionStore := tokenstore.New[models.Session](nil)

	sessions := auth.NewSessions(sessionStore, logger)
	handshake := auth.NewHandshake(logins, credentials.Chain{users}, sessions, auth.HandshakeConfig{
		VerifyTimeout: 5 * time.Second,
	}, logger)
	registry := authz.NewRegistry(st, nil, logger)
	flow := auth.NewFlow(handshake, sessions, registry, time.Minute, logger)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Flow:   flow,
		Logger: logger,
	}))

	h := &harness{
		URL:       ts.URL,
		Dir:       dir,
		UsersFile: usersPath,
		Registry:  registry,
		Client:    ts.Client(),
	}

	var closed bool

	h.close = func() {
		if closed {
			return
		}

		closed = true

		ts.Close()
		cancel()
		<-watchDone
		logins.Stop()
		sessionStore.Stop()
		require.NoError(t, st.Close())
	}
	t.Cleanup(h.close)

	return h
}

// writeUsers writes a users file with bcrypt hashes of the given
// plaintext passwords.
func writeUsers(t *testing.T, path string, plain map[string]string) {
	t.Helper()

	hashed := make(map[string]string, len(plain))

	for user, pw := range plain {
		h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
		require.NoError(t, err)

		hashed[user] = string(h)
	}

	b, err := yaml.Marshal(map[string]any{"users": hashed})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
}

// loginToken performs GET /authenticate.
func (h *harness) loginToken(t *testing.T) string {
	t.Helper()

	resp := h.do(t, http.MethodGet, "/authenticate", nil)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		LoginToken string `json:"login_token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.LoginToken)

	return body.LoginToken
}

// tryLogin performs POST /authenticate and returns the response.
func (h *harness) tryLogin(t *testing.T, loginToken, username, password string) *http.Response {
	t.Helper()

	b, err := json.Marshal(map[string]string{"username": username, "password": password})
	require.NoError(t, err)

	return h.do(t, http.MethodPost, "/authenticate?"+url.Values{"login_token": {loginToken}}.Encode(), b)
}

// login runs the full handshake and returns a session token.
func (h *harness) login(t *testing.T, username, password string) string {
	t.Helper()

	resp := h.tryLogin(t, h.loginToken(t), username, password)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Success      bool   `json:"success"`
		SessionToken string `json:"session_token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.True(t, body.Success)

	return body.SessionToken
}

// authorizationsURL builds an /authorizations path with a session.
func authorizationsURL(path, session string, extra url.Values) string {
	q := url.Values{"session_token": {session}}
	for k, v := range extra {
		q[k] = v
	}

	return path + "?" + q.Encode()
}

func (h *harness) do(t *testing.T, method, path string, body []byte) *http.Response {
	t.Helper()

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(t.Context(), method, h.URL+path, r)
	require.NoError(t, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))

	return v
}
