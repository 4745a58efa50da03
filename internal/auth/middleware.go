package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/alexjbarnes/rs-auth/internal/models"
)

type contextKey int

const ctxSession contextKey = iota

// RequestSession returns the authenticated session from the context.
func RequestSession(ctx context.Context) (models.Session, bool) {
	v, ok := ctx.Value(ctxSession).(models.Session)
	return v, ok
}

// RequestUsername returns the authenticated username from the context, or "".
func RequestUsername(ctx context.Context) string {
	sess, _ := RequestSession(ctx)
	return sess.Username
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// RequireSession returns middleware that admits only requests carrying
// a valid session_token query parameter. Every failure gets the same
// 401 body so callers cannot tell a revoked session from a made-up one.
func RequireSession(flow *Flow, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := flow.Authenticate(r.URL.Query().Get("session_token"))
			if err != nil {
				logger.Debug("middleware: invalid session token",
					slog.String("ip", remoteIP(r)),
					slog.String("path", r.URL.Path),
				)
				writeError(w, logger, err)

				return
			}

			ctx := context.WithValue(r.Context(), ctxSession, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
