// Package state persists authorization records in a bbolt database so
// that tokens handed to applications survive a restart. Login tokens and
// sessions are never written here.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/rs-auth/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

// authorizationsBucket holds one nested bucket per username, each
// mapping token -> JSON record.
var authorizationsBucket = []byte("authorizations")

// State wraps a bbolt database.
type State struct {
	db *bolt.DB
}

// LoadAt opens a database at the given path, creating it and its parent
// directory if needed.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(authorizationsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// SaveAuthorization writes rec under its user's bucket.
func (s *State) SaveAuthorization(rec models.AuthorizationRecord) error {
	if rec.Username == "" || rec.Token == "" {
		return fmt.Errorf("username and token are required for persistence")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(authorizationsBucket).CreateBucketIfNotExists([]byte(rec.Username))
		if err != nil {
			return err
		}

		return b.Put([]byte(rec.Token), data)
	})
}

// GetAuthorization returns username's record for token, or nil if not
// found.
func (s *State) GetAuthorization(username, token string) (*models.AuthorizationRecord, error) {
	var rec *models.AuthorizationRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(authorizationsBucket).Bucket([]byte(username))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(token))
		if v == nil {
			return nil
		}

		rec = &models.AuthorizationRecord{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// DeleteAuthorization removes username's record for token. Deleting an
// absent record is not an error.
func (s *State) DeleteAuthorization(username, token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(authorizationsBucket)

		b := root.Bucket([]byte(username))
		if b == nil {
			return nil
		}

		if err := b.Delete([]byte(token)); err != nil {
			return err
		}

		if k, _ := b.Cursor().First(); k == nil {
			return root.DeleteBucket([]byte(username))
		}

		return nil
	})
}

// Authorizations returns every record stored for username.
func (s *State) Authorizations(username string) ([]models.AuthorizationRecord, error) {
	var recs []models.AuthorizationRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(authorizationsBucket).Bucket([]byte(username))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var rec models.AuthorizationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			recs = append(recs, rec)

			return nil
		})
	})

	return recs, err
}

// AllAuthorizations returns every stored record across all users.
func (s *State) AllAuthorizations() ([]models.AuthorizationRecord, error) {
	var recs []models.AuthorizationRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(authorizationsBucket).ForEachBucket(func(user []byte) error {
			b := tx.Bucket(authorizationsBucket).Bucket(user)

			return b.ForEach(func(k, v []byte) error {
				var rec models.AuthorizationRecord
				if err := json.Unmarshal(v, &rec); err != nil {
					return err
				}

				recs = append(recs, rec)

				return nil
			})
		})
	})

	return recs, err
}

// DefaultPath returns ~/.rs-auth/authz.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".rs-auth", "authz.db"), nil
}
