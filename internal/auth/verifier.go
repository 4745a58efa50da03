package auth

import "context"

//go:generate mockgen -source=verifier.go -destination=verifier_mock.go -package=auth

// Verifier checks a username and password with an identity provider.
// A false result with a nil error means the credentials were rejected;
// a non-nil error means no decision could be made. Implementations
// should return once ctx is done; callers stop waiting at that point
// either way.
type Verifier interface {
	Verify(ctx context.Context, service, username, password string) (bool, error)
}
