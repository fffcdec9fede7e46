package testutil

import (
	"context"
	"path"
	"sync"

	"github.com/google/uuid"

	"github.com/nhle/pimsync/internal/discovery"
	"github.com/nhle/pimsync/internal/model"
)

// FakeDiscovery serves a canned discovery result and counts calls.
type FakeDiscovery struct {
	mu sync.Mutex

	// Result is returned by Discover and backs Resolve. Nil means the
	// demo seed.
	Result *discovery.Result

	// CreateErr, when set, fails CreateCollection.
	CreateErr error

	discoverCalls int
	knownCalls    int
	resolveCalls  int
	created       []discovery.Entry
}

var (
	_ discovery.PrincipalDiscovery = (*FakeDiscovery)(nil)
	_ discovery.Creator            = (*FakeDiscovery)(nil)
)

// NewFakeDiscovery creates a fake returning res.
func NewFakeDiscovery(res *discovery.Result) *FakeDiscovery {
	return &FakeDiscovery{Result: res}
}

func (f *FakeDiscovery) result() *discovery.Result {
	if f.Result == nil {
		return discovery.DemoResult()
	}
	return f.Result
}

func (f *FakeDiscovery) Discover(
	_ context.Context,
	_ string,
	_ discovery.Credentials,
) (*discovery.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discoverCalls++

	res := f.result()
	out := *res
	return &out, out.Err()
}

// DiscoverFrom reports services without a known principal as failed with
// their recorded error, like the real client.
func (f *FakeDiscovery) DiscoverFrom(
	_ context.Context,
	known discovery.Known,
	_ discovery.Credentials,
) (*discovery.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.knownCalls++

	out := *f.result()
	if !known.CalDAV.Resolved() {
		out.CalDAV = discovery.ServiceResult{Service: discovery.ServiceCalDAV, Err: known.CalDAVErr}
	}
	if !known.CardDAV.Resolved() {
		out.CardDAV = discovery.ServiceResult{Service: discovery.ServiceCardDAV, Err: known.CardDAVErr}
	}
	return &out, out.Err()
}

func (f *FakeDiscovery) Resolve(
	_ context.Context,
	service discovery.Service,
	_ string,
	_ discovery.Credentials,
) (discovery.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls++

	sr := f.result().CalDAV
	if service == discovery.ServiceCardDAV {
		sr = f.result().CardDAV
	}
	if !sr.Available() {
		return discovery.Principal{}, sr.Err
	}
	return discovery.Principal{Href: sr.Principal, Endpoint: "/"}, nil
}

func (f *FakeDiscovery) CreateCollection(
	_ context.Context,
	_ string,
	_ discovery.Credentials,
	kind model.CollectionKind,
	displayName string,
) (discovery.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}

	info := discovery.EntryInfo{
		URL:         path.Join("/created", uuid.New().String()) + "/",
		DisplayName: displayName,
		Color:       discovery.DefaultColor,
		CanWrite:    true,
		CanUnbind:   true,
	}
	var e discovery.Entry = discovery.CalendarEntry{EntryInfo: info}
	if kind == model.KindAddressBook {
		e = discovery.AddressBookEntry{EntryInfo: info}
	}
	f.created = append(f.created, e)
	return e, nil
}

// Calls returns the number of Discover and Resolve calls made so far.
func (f *FakeDiscovery) Calls() (discover, resolve int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discoverCalls, f.resolveCalls
}

// KnownCalls returns the number of DiscoverFrom calls made so far.
func (f *FakeDiscovery) KnownCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.knownCalls
}

// Created returns the entries created through CreateCollection.
func (f *FakeDiscovery) Created() []discovery.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]discovery.Entry(nil), f.created...)
}
