package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	autherrors "github.com/alexjbarnes/rs-auth/internal/errors"
	"github.com/alexjbarnes/rs-auth/internal/oauthstate"
	"github.com/alexjbarnes/rs-auth/internal/scope"
	"github.com/tidwall/gjson"
)

// maxRequestBody caps JSON request bodies.
const maxRequestBody = 64 << 10

type loginTokenResponse struct {
	LoginToken string `json:"login_token"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success      bool   `json:"success"`
	SessionToken string `json:"session_token,omitempty"`
}

type scopeEntry struct {
	Name string     `json:"name"`
	Mode scope.Mode `json:"mode"`
}

// requestPreview is shown on the confirmation screen. Confirm is false
// when the application asked for no categories, so there is nothing for
// the user to approve.
type requestPreview struct {
	Confirm     bool         `json:"confirm"`
	ClientID    string       `json:"client_id,omitempty"`
	RedirectURI string       `json:"redirect_uri,omitempty"`
	State       string       `json:"state,omitempty"`
	Scopes      []scopeEntry `json:"scopes"`
}

// HandleAuthenticate returns the /authenticate handler:
//
//	GET    issue a login token
//	POST   ?login_token=  exchange it and credentials for a session
//	DELETE ?session_token= log out
func HandleAuthenticate(flow *Flow, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handleLoginToken(w, flow, logger)
		case http.MethodPost:
			handleLogin(w, r, flow, logger)
		case http.MethodDelete:
			handleLogout(w, r, flow, logger)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func handleLoginToken(w http.ResponseWriter, flow *Flow, logger *slog.Logger) {
	token, err := flow.RequestLogin()
	if err != nil {
		writeError(w, logger, err)
		return
	}

	writeJSON(w, http.StatusOK, loginTokenResponse{LoginToken: token})
}

func handleLogin(w http.ResponseWriter, r *http.Request, flow *Flow, logger *slog.Logger) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	sess, err := flow.Login(r.Context(), r.URL.Query().Get("login_token"), req.Username, req.Password)
	if errors.Is(err, autherrors.ErrAuthFailed) {
		writeJSON(w, http.StatusUnauthorized, loginResponse{Success: false})
		return
	}

	if err != nil {
		logger.Debug("login rejected",
			slog.String("ip", remoteIP(r)),
			slog.String("error", err.Error()),
		)
		writeError(w, logger, err)

		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Success: true, SessionToken: sess.Token})
}

func handleLogout(w http.ResponseWriter, r *http.Request, flow *Flow, logger *slog.Logger) {
	if err := flow.Logout(r.URL.Query().Get("session_token")); err != nil {
		writeError(w, logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleAuthorizations returns the /authorizations handler. It must be
// wrapped in RequireSession.
//
//	GET    list the caller's authorizations
//	POST   create one from {"scopes": ..., "oauth": "<fragment>"}
//	DELETE ?token= revoke one
func HandleAuthorizations(flow *Flow, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username := RequestUsername(r.Context())
		if username == "" {
			writeError(w, logger, autherrors.ErrUnauthenticated)
			return
		}

		switch r.Method {
		case http.MethodGet:
			recs, err := flow.Authorizations(username)
			if err != nil {
				writeError(w, logger, err)
				return
			}

			writeJSON(w, http.StatusOK, recs)

		case http.MethodPost:
			handleCreateAuthorization(w, r, flow, logger, username)

		case http.MethodDelete:
			token := r.URL.Query().Get("token")
			if token == "" {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "token is required")
				return
			}

			if err := flow.Revoke(username, token); err != nil {
				writeError(w, logger, err)
				return
			}

			w.WriteHeader(http.StatusNoContent)

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func handleCreateAuthorization(w http.ResponseWriter, r *http.Request, flow *Flow, logger *slog.Logger, username string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil || !gjson.ValidBytes(body) {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	approved, err := scopesFromBody(body)
	if err != nil {
		writeError(w, logger, err)
		return
	}

	var req *oauthstate.Request
	if fragment := gjson.GetBytes(body, "oauth"); fragment.Exists() {
		parsed := oauthstate.Parse(fragment.String())
		req = &parsed
	}

	grant, err := flow.Authorize(username, approved, req)
	if err != nil {
		writeError(w, logger, err)
		return
	}

	writeJSON(w, http.StatusOK, grant)
}

// scopesFromBody reads "scopes" as either {"category": "mode"} or a
// "category:mode category:mode" string. A missing field yields an empty
// scope; modes are validated later by the registry.
func scopesFromBody(body []byte) (scope.Scope, error) {
	field := gjson.GetBytes(body, "scopes")

	switch {
	case !field.Exists():
		return scope.Scope{}, nil

	case field.IsObject():
		sc := make(scope.Scope)

		var bad error

		field.ForEach(func(key, value gjson.Result) bool {
			if value.Type != gjson.String {
				bad = fmt.Errorf("%w: mode for %q must be a string", autherrors.ErrInvalidScope, key.String())
				return false
			}

			sc[key.String()] = scope.Mode(value.String())

			return true
		})

		return sc, bad

	case field.Type == gjson.String:
		return scope.Parse(field.String()), nil

	default:
		return nil, fmt.Errorf("%w: scopes must be an object or string", autherrors.ErrInvalidScope)
	}
}

// HandleAuthorizationRequest returns the /authorizations/request handler,
// which decodes ?fragment= for the confirmation screen. It must be
// wrapped in RequireSession.
func HandleAuthorizationRequest(flow *Flow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		req := flow.Preview(r.URL.Query().Get("fragment"))

		preview := requestPreview{
			Confirm:     req.HasScope(),
			ClientID:    req.ClientID,
			RedirectURI: req.RedirectURI,
			State:       req.State,
			Scopes:      []scopeEntry{},
		}

		for _, name := range req.Scope.Categories() {
			preview.Scopes = append(preview.Scopes, scopeEntry{Name: name, Mode: req.Scope[name]})
		}

		writeJSON(w, http.StatusOK, preview)
	}
}

// statusFor maps a flow error to its HTTP status and OAuth style error
// code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, autherrors.ErrTokenInvalid):
		return http.StatusUnauthorized, "invalid_token"
	case errors.Is(err, autherrors.ErrAuthFailed):
		return http.StatusUnauthorized, "access_denied"
	case errors.Is(err, autherrors.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, autherrors.ErrInvalidScope):
		return http.StatusBadRequest, "invalid_scope"
	case errors.Is(err, autherrors.ErrMissingRedirectTarget):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, autherrors.ErrVerifierFailed):
		return http.StatusServiceUnavailable, "temporarily_unavailable"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

// writeError answers with the status for err. Server side failures are
// logged and their details withheld from the client.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, code := statusFor(err)

	if status >= http.StatusInternalServerError {
		logger.Error("request failed", slog.String("error", err.Error()))
		writeJSONError(w, status, code, http.StatusText(status))

		return
	}

	writeJSONError(w, status, code, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	writeJSON(w, status, map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}
