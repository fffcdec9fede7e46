// Package credential stores account secrets outside the database.
package credential

import (
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"

	"github.com/nhle/pimsync/internal/apperr"
)

const serviceName = "pimsync"

// SecretStore keeps one secret per account id. Secrets are never logged
// and never included in backups of the database.
type SecretStore interface {
	Store(accountID, secret string) error
	Lookup(accountID string) (string, error)
	Delete(accountID string) error
}

// KeyringStore is a SecretStore backed by the operating system keyring.
type KeyringStore struct {
	fileDir string

	mu   sync.Mutex
	ring keyring.Keyring
}

// NewKeyringStore returns a keyring-backed store. fileDir is used by the
// encrypted file fallback when no native keyring is available.
func NewKeyringStore(fileDir string) *KeyringStore {
	return &KeyringStore{fileDir: fileDir}
}

// open returns a configured keyring instance, opening it on first use.
func (s *KeyringStore) open() (keyring.Keyring, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ring != nil {
		return s.ring, nil
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  s.fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("pimsync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	s.ring = ring
	return ring, nil
}

func itemKey(accountID string) string {
	return "account-" + accountID
}

// Store saves the secret for an account, replacing any previous value.
func (s *KeyringStore) Store(accountID, secret string) error {
	ring, err := s.open()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:         itemKey(accountID),
		Data:        []byte(secret),
		Label:       "pimsync account " + accountID,
		Description: "CalDAV/CardDAV password",
	})
	if err != nil {
		return fmt.Errorf("setting credential for account %s: %w", accountID, err)
	}

	return nil
}

// Lookup retrieves the secret of an account.
func (s *KeyringStore) Lookup(accountID string) (string, error) {
	ring, err := s.open()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(itemKey(accountID))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", apperr.New(apperr.NotFound, "credential.lookup", "no credential for account "+accountID)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential for account %s: %w", accountID, err)
	}

	return string(item.Data), nil
}

// Delete removes the secret of an account. Removing a missing secret is
// not an error.
func (s *KeyringStore) Delete(accountID string) error {
	ring, err := s.open()
	if err != nil {
		return err
	}

	err = ring.Remove(itemKey(accountID))
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential for account %s: %w", accountID, err)
	}

	return nil
}
