package testutil

import (
	"context"
	"sort"
	"sync"

	"github.com/nhle/pimsync/internal/identity"
)

// FakeFramework is an in-memory identity framework that can be told to
// reject or fail requests.
type FakeFramework struct {
	mu sync.Mutex

	// RejectBooks makes CreateAddressBookIdentity return (nil, nil).
	RejectBooks bool

	// MainErr fails CreateOrUpdate.
	MainErr error

	// PanicOnBook makes CreateAddressBookIdentity panic.
	PanicOnBook bool

	idents  map[string]identity.Identity
	secrets map[string]string
	removed []string
}

var _ identity.Framework = (*FakeFramework)(nil)

// NewFakeFramework creates an empty fake framework.
func NewFakeFramework() *FakeFramework {
	return &FakeFramework{
		idents:  make(map[string]identity.Identity),
		secrets: make(map[string]string),
	}
}

func (f *FakeFramework) CreateOrUpdate(_ context.Context, accountID, name, secret string) (identity.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MainErr != nil {
		return identity.Identity{}, f.MainErr
	}
	ident := identity.Identity{Name: name, Kind: identity.KindMain, AccountID: accountID, MainName: name}
	f.idents[name] = ident
	f.secrets[name] = secret
	return ident, nil
}

func (f *FakeFramework) CreateAddressBookIdentity(
	_ context.Context,
	accountID, mainName, bookName, bookID, bookURL string,
) (*identity.Identity, error) {
	if f.PanicOnBook {
		panic("identity framework crashed")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RejectBooks {
		return nil, nil
	}
	if _, ok := f.idents[mainName]; !ok {
		return nil, nil
	}
	name := identity.BookName(mainName, bookName)
	for n, e := range f.idents {
		if e.CollectionID == bookID && n != name {
			delete(f.idents, n)
		}
	}
	ident := identity.Identity{
		Name:         name,
		Kind:         identity.KindAddressBook,
		AccountID:    accountID,
		CollectionID: bookID,
		MainName:     mainName,
		URL:          bookURL,
	}
	f.idents[ident.Name] = ident
	return &ident, nil
}

func (f *FakeFramework) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.idents, name)
	delete(f.secrets, name)
	f.removed = append(f.removed, name)
	return nil
}

func (f *FakeFramework) List(_ context.Context, accountID string) ([]identity.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []identity.Identity
	for _, ident := range f.idents {
		if ident.AccountID == accountID {
			out = append(out, ident)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Names returns every identity name currently held, sorted.
func (f *FakeFramework) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.idents))
	for n := range f.idents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Removed returns identity names in the order they were removed.
func (f *FakeFramework) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

// Secret returns the secret bound to a main identity.
func (f *FakeFramework) Secret(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.secrets[name]
}
