package identity

import (
	"context"
	"fmt"

	"github.com/nhle/pimsync/internal/apperr"
	"github.com/nhle/pimsync/internal/store"
)

// IdentityStore is the part of store.Store the framework needs.
type IdentityStore interface {
	UpsertIdentity(ctx context.Context, ident store.Identity) error
	DeleteIdentity(ctx context.Context, name string) error
	GetIdentity(ctx context.Context, name string) (*store.Identity, error)
	ListIdentities(ctx context.Context, accountID string) ([]store.Identity, error)
}

// StoreFramework is a Framework persisted in the local database. Secrets
// stay in the credential store, keyed by account.
type StoreFramework struct {
	store IdentityStore
}

var _ Framework = (*StoreFramework)(nil)

// NewStoreFramework creates a database-backed identity framework.
func NewStoreFramework(s IdentityStore) *StoreFramework {
	return &StoreFramework{store: s}
}

// CreateOrUpdate upserts the main identity of an account. A rename
// replaces the previous main identity.
func (f *StoreFramework) CreateOrUpdate(ctx context.Context, accountID, name, secret string) (Identity, error) {
	if name == "" || secret == "" {
		return Identity{}, fmt.Errorf("identity name and secret must not be empty")
	}

	existing, err := f.store.ListIdentities(ctx, accountID)
	if err != nil {
		return Identity{}, err
	}
	for _, e := range existing {
		if Kind(e.Kind) == KindMain && e.Name != name {
			if err := f.store.DeleteIdentity(ctx, e.Name); err != nil {
				return Identity{}, err
			}
		}
	}

	if err := f.claim(ctx, name, accountID); err != nil {
		return Identity{}, err
	}

	ident := store.Identity{Name: name, Kind: string(KindMain), AccountID: accountID, MainName: name}
	if err := f.store.UpsertIdentity(ctx, ident); err != nil {
		return Identity{}, err
	}
	return fromRecord(ident), nil
}

// CreateAddressBookIdentity upserts the identity of one address book. It
// rejects the request (nil, nil) when the main identity does not exist.
func (f *StoreFramework) CreateAddressBookIdentity(
	ctx context.Context,
	accountID, mainName, bookName, bookID, bookURL string,
) (*Identity, error) {
	main, err := f.store.GetIdentity(ctx, mainName)
	if apperr.IsKind(err, apperr.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if main.AccountID != accountID {
		return nil, nil
	}

	name := BookName(mainName, bookName)

	existing, err := f.store.ListIdentities(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, e := range existing {
		if e.CollectionID != nil && *e.CollectionID == bookID && e.Name != name {
			if err := f.store.DeleteIdentity(ctx, e.Name); err != nil {
				return nil, err
			}
		}
	}

	if err := f.claim(ctx, name, accountID); err != nil {
		return nil, err
	}

	id := bookID
	rec := store.Identity{
		Name:         name,
		Kind:         string(KindAddressBook),
		AccountID:    accountID,
		CollectionID: &id,
		MainName:     mainName,
		URL:          bookURL,
	}
	if err := f.store.UpsertIdentity(ctx, rec); err != nil {
		return nil, err
	}
	ident := fromRecord(rec)
	return &ident, nil
}

// Remove deletes an identity. Removing a missing identity is not an error.
func (f *StoreFramework) Remove(ctx context.Context, name string) error {
	err := f.store.DeleteIdentity(ctx, name)
	if apperr.IsKind(err, apperr.NotFound) {
		return nil
	}
	return err
}

// List returns the identities of an account.
func (f *StoreFramework) List(ctx context.Context, accountID string) ([]Identity, error) {
	recs, err := f.store.ListIdentities(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := make([]Identity, 0, len(recs))
	for _, r := range recs {
		out = append(out, fromRecord(r))
	}
	return out, nil
}

// claim fails when name already belongs to another account; platform
// identity names are global.
func (f *StoreFramework) claim(ctx context.Context, name, accountID string) error {
	cur, err := f.store.GetIdentity(ctx, name)
	if apperr.IsKind(err, apperr.NotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.AccountID != accountID {
		return fmt.Errorf("identity name %q is taken by another account", name)
	}
	return nil
}

func fromRecord(r store.Identity) Identity {
	ident := Identity{
		Name:      r.Name,
		Kind:      Kind(r.Kind),
		AccountID: r.AccountID,
		MainName:  r.MainName,
		URL:       r.URL,
	}
	if r.CollectionID != nil {
		ident.CollectionID = *r.CollectionID
	}
	return ident
}
