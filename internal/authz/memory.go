package authz

import (
	"maps"
	"sync"

	"github.com/alexjbarnes/rs-auth/internal/models"
)

// MemoryBackend keeps records in process memory.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]map[string]models.AuthorizationRecord // username -> token -> record
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]map[string]models.AuthorizationRecord)}
}

func (m *MemoryBackend) SaveAuthorization(rec models.AuthorizationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.records[rec.Username]
	if !ok {
		user = make(map[string]models.AuthorizationRecord)
		m.records[rec.Username] = user
	}

	user[rec.Token] = rec

	return nil
}

func (m *MemoryBackend) GetAuthorization(username, token string) (*models.AuthorizationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[username][token]
	if !ok {
		return nil, nil
	}

	rec.Scope = maps.Clone(rec.Scope)

	return &rec, nil
}

func (m *MemoryBackend) DeleteAuthorization(username, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records[username], token)

	if len(m.records[username]) == 0 {
		delete(m.records, username)
	}

	return nil
}

func (m *MemoryBackend) Authorizations(username string) ([]models.AuthorizationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var recs []models.AuthorizationRecord
	for _, rec := range m.records[username] {
		rec.Scope = maps.Clone(rec.Scope)
		recs = append(recs, rec)
	}

	return recs, nil
}

func (m *MemoryBackend) AllAuthorizations() ([]models.AuthorizationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var recs []models.AuthorizationRecord
	for _, user := range m.records {
		for _, rec := range user {
			rec.Scope = maps.Clone(rec.Scope)
			recs = append(recs, rec)
		}
	}

	return recs, nil
}
