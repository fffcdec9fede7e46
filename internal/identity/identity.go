// Package identity projects a logical account onto platform sync
// identities: one for the account itself and, depending on the fan-out
// policy, one per address book.
package identity

import (
	"context"
	"fmt"

	"github.com/nhle/pimsync/internal/model"
)

// Kind distinguishes the main account identity from per-collection ones.
type Kind string

const (
	KindMain        Kind = "main"
	KindAddressBook Kind = "address_book"
)

// Identity is one platform identity object.
type Identity struct {
	Name         string
	Kind         Kind
	AccountID    string
	CollectionID string
	MainName     string
	URL          string
}

// Framework is the platform identity framework. All identities of an
// account share the account's secret.
type Framework interface {
	// CreateOrUpdate creates the main identity of an account or updates
	// it in place.
	CreateOrUpdate(ctx context.Context, accountID, name, secret string) (Identity, error)

	// CreateAddressBookIdentity creates or updates the identity bound to
	// one address book. A nil identity with a nil error means the
	// framework rejected the request.
	CreateAddressBookIdentity(
		ctx context.Context,
		accountID, mainName, bookName, bookID, bookURL string,
	) (*Identity, error)

	Remove(ctx context.Context, name string) error
	List(ctx context.Context, accountID string) ([]Identity, error)
}

// FanOut decides which collection kinds need an identity of their own.
type FanOut string

const (
	// PerAddressBook binds one identity per address book, the constraint
	// of frameworks that allow one credential binding per syncable
	// contact source.
	PerAddressBook FanOut = model.FanOutPerAddressBook

	// Single uses the main identity for everything.
	Single FanOut = model.FanOutSingle
)

// ParseFanOut maps a config value to a policy, defaulting to
// PerAddressBook.
func ParseFanOut(s string) FanOut {
	if FanOut(s) == Single {
		return Single
	}
	return PerAddressBook
}

// NeedsIdentity reports whether collections of kind get their own
// identity under the policy.
func (f FanOut) NeedsIdentity(kind model.CollectionKind) bool {
	return f == PerAddressBook && kind == model.KindAddressBook
}

// MainName is the platform name of an account's main identity.
func MainName(acct model.Account) string {
	if acct.DisplayName != "" {
		return acct.DisplayName
	}
	return acct.Username + "@" + acct.Hostname()
}

// BookName is the platform name of an address book identity.
func BookName(mainName, bookName string) string {
	return fmt.Sprintf("%s (%s)", bookName, mainName)
}
