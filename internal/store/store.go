package store

import (
	"context"
	"time"

	"github.com/nhle/pimsync/internal/model"
)

// CollectionFilter narrows collection queries.
type CollectionFilter struct {
	AccountID *string
	Kind      *model.CollectionKind

	// IncludeVanished also returns collections the server stopped listing.
	IncludeVanished bool
}

// Identity is a persisted platform identity record.
type Identity struct {
	Name         string    `db:"name"`
	Kind         string    `db:"kind"`
	AccountID    string    `db:"account_id"`
	CollectionID *string   `db:"collection_id"`
	MainName     string    `db:"main_name"`
	URL          string    `db:"url"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// Store defines the persistence interface for accounts, collections and
// platform identities.
type Store interface {
	// === Accounts ===

	// CreateAccount inserts the account and its discovered collections in
	// one transaction. A unique violation on (server_url, username) yields
	// a DuplicateAccount error and no rows.
	CreateAccount(ctx context.Context, acct model.Account, cols []model.Collection) error
	UpdateAccount(ctx context.Context, acct model.Account) error
	DeleteAccount(ctx context.Context, id string) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	FindAccountByServerAndUser(ctx context.Context, serverURL, username string) (*model.Account, error)

	// === Collections ===

	CreateCollection(ctx context.Context, col model.Collection) error
	GetCollection(ctx context.Context, id string) (*model.Collection, error)
	ListCollections(ctx context.Context, filter CollectionFilter) ([]model.Collection, error)
	DeleteCollection(ctx context.Context, id string) error

	// UpdateCollectionPolicy applies a user edit. It never touches
	// sync-owned or discovery-owned columns.
	UpdateCollectionPolicy(ctx context.Context, id string, patch model.PolicyPatch) error

	// RecordSyncOutcome writes only the sync-owned columns.
	RecordSyncOutcome(ctx context.Context, id string, outcome model.SyncOutcome) error

	// UpdateDiscoveredProperties writes only the discovery-owned columns
	// and clears the vanished mark.
	UpdateDiscoveredProperties(ctx context.Context, id string, props model.DiscoveredProperties) error

	MarkCollectionVanished(ctx context.Context, id string, vanished bool) error

	// === Platform identities ===

	UpsertIdentity(ctx context.Context, ident Identity) error
	DeleteIdentity(ctx context.Context, name string) error
	GetIdentity(ctx context.Context, name string) (*Identity, error)
	ListIdentities(ctx context.Context, accountID string) ([]Identity, error)
}
