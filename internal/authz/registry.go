// Package authz issues and looks up scoped authorization tokens.
// Records are partitioned by username: no operation keyed by one user
// can see another user's records.
package authz

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	autherrors "github.com/alexjbarnes/rs-auth/internal/errors"
	"github.com/alexjbarnes/rs-auth/internal/models"
	"github.com/alexjbarnes/rs-auth/internal/scope"
	"github.com/alexjbarnes/rs-auth/internal/tokenstore"
)

// tokenBytes is the number of random bytes in an authorization token.
const tokenBytes = 64

// Backend persists authorization records. Get returns nil, nil when the
// record does not exist; Delete of an absent record is not an error.
type Backend interface {
	SaveAuthorization(rec models.AuthorizationRecord) error
	GetAuthorization(username, token string) (*models.AuthorizationRecord, error)
	DeleteAuthorization(username, token string) error
	Authorizations(username string) ([]models.AuthorizationRecord, error)
	AllAuthorizations() ([]models.AuthorizationRecord, error)
}

// Registry validates scopes and mints authorization tokens.
type Registry struct {
	backend Backend
	entropy io.Reader
	logger  *slog.Logger
}

// NewRegistry creates a registry over backend. A nil entropy reader
// means crypto/rand.
func NewRegistry(backend Backend, entropy io.Reader, logger *slog.Logger) *Registry {
	if entropy == nil {
		entropy = rand.Reader
	}

	return &Registry{backend: backend, entropy: entropy, logger: logger}
}

// Create validates sc and stores a new record for username, returning
// its token.
func (r *Registry) Create(username string, sc scope.Scope) (string, error) {
	if err := sc.Validate(); err != nil {
		return "", err
	}

	token, err := tokenstore.Generate(r.entropy, tokenBytes)
	if err != nil {
		return "", fmt.Errorf("generating authorization token: %w", err)
	}

	if err := r.save(username, token, sc); err != nil {
		return "", err
	}

	return token, nil
}

// Add stores a record under a token chosen by the caller, for
// provisioning tokens out of band. An existing record for the same
// token is replaced.
func (r *Registry) Add(username, token string, sc scope.Scope) error {
	if token == "" {
		return fmt.Errorf("token must not be empty")
	}

	if err := sc.Validate(); err != nil {
		return err
	}

	return r.save(username, token, sc)
}

func (r *Registry) save(username, token string, sc scope.Scope) error {
	rec := models.AuthorizationRecord{
		Token:     token,
		Username:  models.NormalizeUsername(username),
		Scope:     maps.Clone(sc),
		CreatedAt: time.Now().UTC(),
	}

	if err := r.backend.SaveAuthorization(rec); err != nil {
		return fmt.Errorf("saving authorization: %w", err)
	}

	r.logger.Info("authorization created",
		slog.String("username", rec.Username),
		slog.String("token", tokenstore.Fingerprint(token)),
		slog.String("scope", sc.String()),
	)

	return nil
}

// List returns username's records, oldest first.
func (r *Registry) List(username string) ([]models.AuthorizationRecord, error) {
	username = models.NormalizeUsername(username)

	recs, err := r.backend.Authorizations(username)
	if err != nil {
		return nil, fmt.Errorf("listing authorizations: %w", err)
	}

	owned := make([]models.AuthorizationRecord, 0, len(recs))
	for _, rec := range recs {
		if rec.Username == username {
			owned = append(owned, rec)
		}
	}

	slices.SortStableFunc(owned, func(a, b models.AuthorizationRecord) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return owned, nil
}

// All returns every record ordered by user, then creation time. It is
// meant for administration, not for request handling.
func (r *Registry) All() ([]models.AuthorizationRecord, error) {
	recs, err := r.backend.AllAuthorizations()
	if err != nil {
		return nil, fmt.Errorf("listing authorizations: %w", err)
	}

	slices.SortStableFunc(recs, func(a, b models.AuthorizationRecord) int {
		if c := strings.Compare(a.Username, b.Username); c != 0 {
			return c
		}

		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return recs, nil
}

// Lookup returns the record for token if it belongs to username.
func (r *Registry) Lookup(username, token string) (*models.AuthorizationRecord, error) {
	username = models.NormalizeUsername(username)

	rec, err := r.backend.GetAuthorization(username, token)
	if err != nil {
		return nil, fmt.Errorf("looking up authorization: %w", err)
	}

	if rec == nil || rec.Username != username {
		return nil, autherrors.ErrNotFound
	}

	return rec, nil
}

// Revoke deletes username's record for token. Revoking an unknown
// token is a no-op.
func (r *Registry) Revoke(username, token string) error {
	username = models.NormalizeUsername(username)

	if err := r.backend.DeleteAuthorization(username, token); err != nil {
		return fmt.Errorf("revoking authorization: %w", err)
	}

	r.logger.Info("authorization revoked",
		slog.String("username", username),
		slog.String("token", tokenstore.Fingerprint(token)),
	)

	return nil
}

// Authorize reports whether token, presented for username's storage,
// grants access to path. Unknown tokens are not an error, just denied.
func (r *Registry) Authorize(username, token, path string, write bool) (bool, error) {
	rec, err := r.Lookup(username, token)
	if err != nil {
		if errors.Is(err, autherrors.ErrNotFound) {
			return false, nil
		}

		return false, err
	}

	return rec.Scope.Permits(path, write), nil
}
