// Package errors defines the sentinel errors shared by the token,
// session, and authorization layers.
package errors

import "errors"

// Client errors.
var (
	ErrTokenInvalid          = errors.New("invalid or expired login token")
	ErrAuthFailed            = errors.New("invalid username or password")
	ErrUnauthenticated       = errors.New("invalid or missing session token")
	ErrInvalidScope          = errors.New("invalid scope")
	ErrMissingRedirectTarget = errors.New("redirect_uri is required")
	ErrNotFound              = errors.New("not found")
)

// Server errors.
var (
	ErrEntropyUnavailable = errors.New("random source unavailable")
	ErrVerifierFailed     = errors.New("credential verification failed")
)
