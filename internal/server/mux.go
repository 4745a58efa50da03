// Package server provides HTTP server construction for rs-auth.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/rs-auth/internal/auth"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Flow   *auth.Flow
	Logger *slog.Logger

	// StaticDir, when set, is served at "/".
	StaticDir string
}

// NewMux builds the HTTP handler with the authenticate and
// authorizations endpoints, the optional static frontend, CORS, and
// request logging. The authorizations endpoints require a session.
func NewMux(cfg MuxConfig) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/authenticate", auth.HandleAuthenticate(cfg.Flow, cfg.Logger))

	sessionMiddleware := auth.RequireSession(cfg.Flow, cfg.Logger)
	mux.Handle("/authorizations", sessionMiddleware(auth.HandleAuthorizations(cfg.Flow, cfg.Logger)))
	mux.Handle("/authorizations/request", sessionMiddleware(auth.HandleAuthorizationRequest(cfg.Flow)))

	if cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
	}

	return logRequests(cfg.Logger, cors(mux))
}
