package credential

import (
	"sync"

	"github.com/nhle/pimsync/internal/apperr"
)

// MemoryStore is an in-process SecretStore used by tests and demo accounts.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]string)}
}

func (m *MemoryStore) Store(accountID, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[accountID] = secret
	return nil
}

func (m *MemoryStore) Lookup(accountID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.secrets[accountID]
	if !ok {
		return "", apperr.New(apperr.NotFound, "credential.lookup", "no credential for account "+accountID)
	}
	return s, nil
}

func (m *MemoryStore) Delete(accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, accountID)
	return nil
}

// Len returns how many secrets are held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.secrets)
}
