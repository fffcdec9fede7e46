package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/pimsync/internal/apperr"
	"github.com/nhle/pimsync/internal/model"
)

const insertAccountSQL = `
	INSERT INTO accounts (
		id, server_url, username, display_name, email, auth_kind,
		client_cert_alias, calendar_enabled, contacts_enabled, tasks_enabled,
		sync_interval_sec, created_at, last_authenticated_at, principal
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// CreateAccount inserts an account together with its collections.
// If the account has no ID, a new UUID is generated.
func (s *SQLiteStore) CreateAccount(
	ctx context.Context,
	acct model.Account,
	cols []model.Collection,
) error {
	if acct.ID == "" {
		acct.ID = uuid.New().String()
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, insertAccountSQL,
		acct.ID, acct.ServerURL, acct.Username, acct.DisplayName, acct.Email,
		string(acct.AuthKind), acct.ClientCertAlias,
		boolToInt(acct.CalendarEnabled), boolToInt(acct.ContactsEnabled),
		boolToInt(acct.TasksEnabled), acct.SyncIntervalSec,
		acct.CreatedAt.UTC(), utcPtr(acct.LastAuthenticatedAt), acct.Principal,
	)
	if isUniqueViolation(err) {
		return apperr.New(apperr.DuplicateAccount, "store.create_account",
			fmt.Sprintf("account %s already exists", acct.DedupKey()))
	}
	if err != nil {
		return fmt.Errorf("inserting account %s: %w", acct.ID, err)
	}

	for _, c := range cols {
		c.AccountID = acct.ID
		if err := insertCollection(ctx, tx, c); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// UpdateAccount rewrites the mutable account fields.
func (s *SQLiteStore) UpdateAccount(ctx context.Context, acct model.Account) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET
			display_name = ?, email = ?, auth_kind = ?, client_cert_alias = ?,
			calendar_enabled = ?, contacts_enabled = ?, tasks_enabled = ?,
			sync_interval_sec = ?, last_authenticated_at = ?
		WHERE id = ?`,
		acct.DisplayName, acct.Email, string(acct.AuthKind), acct.ClientCertAlias,
		boolToInt(acct.CalendarEnabled), boolToInt(acct.ContactsEnabled),
		boolToInt(acct.TasksEnabled), acct.SyncIntervalSec,
		utcPtr(acct.LastAuthenticatedAt), acct.ID,
	)
	if err != nil {
		return fmt.Errorf("updating account %s: %w", acct.ID, err)
	}
	return requireAffected(result, "account", acct.ID)
}

// DeleteAccount removes an account. Its collections cascade.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting account %s: %w", id, err)
	}
	return requireAffected(result, "account", id)
}

// GetAccount retrieves a single account by ID.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var acct model.Account
	err := s.db.GetContext(ctx, &acct, "SELECT * FROM accounts WHERE id = ?", id)
	if err != nil {
		return nil, notFound(err, "account", id)
	}
	return &acct, nil
}

// ListAccounts retrieves all accounts ordered by display name.
func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	var accounts []model.Account
	err := s.db.SelectContext(ctx, &accounts,
		"SELECT * FROM accounts ORDER BY display_name, created_at")
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	return accounts, nil
}

// FindAccountByServerAndUser looks an account up by its dedup key.
// It returns (nil, nil) when no such account exists.
func (s *SQLiteStore) FindAccountByServerAndUser(
	ctx context.Context,
	serverURL, username string,
) (*model.Account, error) {
	var accounts []model.Account
	err := s.db.SelectContext(ctx, &accounts,
		"SELECT * FROM accounts WHERE server_url = ? AND username = ? LIMIT 1",
		serverURL, username)
	if err != nil {
		return nil, fmt.Errorf("finding account %s@%s: %w", username, serverURL, err)
	}
	if len(accounts) == 0 {
		return nil, nil
	}
	return &accounts[0], nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
