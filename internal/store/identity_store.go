package store

import (
	"context"
	"fmt"
	"time"
)

// UpsertIdentity inserts or replaces a platform identity by name.
func (s *SQLiteStore) UpsertIdentity(ctx context.Context, ident Identity) error {
	now := time.Now().UTC()
	if ident.CreatedAt.IsZero() {
		ident.CreatedAt = now
	}
	ident.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO platform_identities (
			name, kind, account_id, collection_id, main_name, url, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			kind = excluded.kind,
			account_id = excluded.account_id,
			collection_id = excluded.collection_id,
			main_name = excluded.main_name,
			url = excluded.url,
			updated_at = excluded.updated_at`,
		ident.Name, ident.Kind, ident.AccountID, ident.CollectionID,
		ident.MainName, ident.URL, ident.CreatedAt.UTC(), ident.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting identity %q: %w", ident.Name, err)
	}
	return nil
}

// DeleteIdentity removes a platform identity by name.
func (s *SQLiteStore) DeleteIdentity(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM platform_identities WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("deleting identity %q: %w", name, err)
	}
	return requireAffected(result, "identity", name)
}

// GetIdentity retrieves a platform identity by name.
func (s *SQLiteStore) GetIdentity(ctx context.Context, name string) (*Identity, error) {
	var ident Identity
	err := s.db.GetContext(ctx, &ident,
		"SELECT * FROM platform_identities WHERE name = ?", name)
	if err != nil {
		return nil, notFound(err, "identity", name)
	}
	return &ident, nil
}

// ListIdentities returns every identity belonging to an account.
func (s *SQLiteStore) ListIdentities(ctx context.Context, accountID string) ([]Identity, error) {
	var idents []Identity
	err := s.db.SelectContext(ctx, &idents,
		"SELECT * FROM platform_identities WHERE account_id = ? ORDER BY kind, name",
		accountID)
	if err != nil {
		return nil, fmt.Errorf("querying identities of account %s: %w", accountID, err)
	}
	return idents, nil
}
