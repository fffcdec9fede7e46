// Package discovery resolves CalDAV and CardDAV principals, home-sets and
// collections for a server base URL.
package discovery

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/pimsync/internal/apperr"
	"github.com/nhle/pimsync/internal/model"
)

// Service identifies one of the two DAV services an account may expose.
type Service string

const (
	ServiceCalDAV  Service = "caldav"
	ServiceCardDAV Service = "carddav"
)

// Credentials are the basic-auth credentials used against the server.
type Credentials struct {
	Username string
	Password string
}

// EntryInfo holds the properties every discovered collection reports.
type EntryInfo struct {
	URL            string
	DisplayName    string
	Description    string
	Color          int32
	OwnerPrincipal *string
	CanWrite       bool
	CanUnbind      bool
	Components     []string
}

// Entry is one discovered collection. The concrete type is one of
// CalendarEntry, SubscriptionEntry or AddressBookEntry and is decided once
// when the server response is read.
type Entry interface {
	Info() EntryInfo
	Kind() model.CollectionKind
	isEntry()
}

// CalendarEntry is a native, possibly writable calendar collection.
type CalendarEntry struct {
	EntryInfo
}

func (e CalendarEntry) Info() EntryInfo            { return e.EntryInfo }
func (e CalendarEntry) Kind() model.CollectionKind { return model.KindCalendar }
func (CalendarEntry) isEntry()                     {}

// SupportsComponent reports whether the calendar accepts the named
// iCalendar component (e.g. "VTODO").
func (e CalendarEntry) SupportsComponent(name string) bool {
	return hasComponent(e.Components, name)
}

// SubscriptionEntry is a calendar backed by an external feed. It is
// always read-only.
type SubscriptionEntry struct {
	EntryInfo
	Source string
}

func (e SubscriptionEntry) Info() EntryInfo            { return e.EntryInfo }
func (e SubscriptionEntry) Kind() model.CollectionKind { return model.KindWebCal }
func (SubscriptionEntry) isEntry()                     {}

// AddressBookEntry is a CardDAV address book.
type AddressBookEntry struct {
	EntryInfo
	CTag *string
}

func (e AddressBookEntry) Info() EntryInfo            { return e.EntryInfo }
func (e AddressBookEntry) Kind() model.CollectionKind { return model.KindAddressBook }
func (AddressBookEntry) isEntry()                     {}

// ServiceResult is the outcome of discovering one service. Err is set when
// the service could not be resolved or enumerated; Principal is set once
// the principal resolved, even if enumeration later failed.
type ServiceResult struct {
	Service   Service
	Principal string
	HomeSet   string
	Entries   []Entry
	Err       error
}

// Available reports whether the service principal resolved.
func (r ServiceResult) Available() bool {
	return r.Principal != ""
}

// Result carries the independent outcomes of CalDAV and CardDAV discovery.
type Result struct {
	CalDAV  ServiceResult
	CardDAV ServiceResult
}

// Err reports a hard failure: both services unreachable, or neither
// service available. A single failed service is not a hard failure.
func (r *Result) Err() error {
	if r.CalDAV.Available() || r.CardDAV.Available() {
		return nil
	}
	cal, card := r.CalDAV.Err, r.CardDAV.Err
	switch {
	case apperr.IsKind(cal, apperr.NetworkUnreachable) && apperr.IsKind(card, apperr.NetworkUnreachable):
		return apperr.Wrap(apperr.NetworkUnreachable, "discovery.discover", cal)
	case apperr.IsKind(cal, apperr.AuthenticationRejected):
		return apperr.Wrap(apperr.AuthenticationRejected, "discovery.discover", cal)
	case apperr.IsKind(card, apperr.AuthenticationRejected):
		return apperr.Wrap(apperr.AuthenticationRejected, "discovery.discover", card)
	default:
		return apperr.New(apperr.ServiceUnavailable, "discovery.discover",
			"neither CalDAV nor CardDAV is available")
	}
}

// Entries returns the entries of both services, calendars first.
func (r *Result) Entries() []Entry {
	out := make([]Entry, 0, len(r.CalDAV.Entries)+len(r.CardDAV.Entries))
	out = append(out, r.CalDAV.Entries...)
	return append(out, r.CardDAV.Entries...)
}

// Principal is a resolved current-user-principal and the endpoint that
// answered for it.
type Principal struct {
	Href     string
	Endpoint string
}

// Resolved reports whether the principal is known.
func (p Principal) Resolved() bool {
	return p.Href != ""
}

// Known carries principals resolved earlier, typically while
// authenticating. A service without a principal is not contacted again
// and reports its recorded error.
type Known struct {
	CalDAV     Principal
	CardDAV    Principal
	CalDAVErr  error
	CardDAVErr error
}

// PrincipalDiscovery resolves principals and enumerates collections.
type PrincipalDiscovery interface {
	// Discover runs CalDAV and CardDAV discovery independently. The
	// returned error is Result.Err(); the result is non-nil either way.
	Discover(ctx context.Context, baseURL string, creds Credentials) (*Result, error)

	// DiscoverFrom enumerates collections under principals that are
	// already resolved. It has the same error contract as Discover.
	DiscoverFrom(ctx context.Context, known Known, creds Credentials) (*Result, error)

	// Resolve performs the minimal authenticated lookup for one service
	// and returns its principal.
	Resolve(ctx context.Context, service Service, baseURL string, creds Credentials) (Principal, error)
}

// Creator creates new writable collections on the server.
type Creator interface {
	CreateCollection(
		ctx context.Context,
		baseURL string,
		creds Credentials,
		kind model.CollectionKind,
		displayName string,
	) (Entry, error)
}

// ToCollection maps a discovered entry onto a new collection row with
// default user policy.
func ToCollection(accountID string, e Entry) model.Collection {
	info := e.Info()
	now := time.Now().UTC()
	c := model.Collection{
		ID:          uuid.New().String(),
		AccountID:   accountID,
		Kind:        e.Kind(),
		URL:         info.URL,
		DisplayName: info.DisplayName,
		Color:       info.Color,
		Enabled:     true,
		Visible:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	applyProperties(&c, Properties(e))
	if c.DisplayName == "" {
		c.DisplayName = lastSegment(info.URL)
	}
	return c
}

// Properties extracts the server-owned properties of an entry.
func Properties(e Entry) model.DiscoveredProperties {
	info := e.Info()
	props := model.DiscoveredProperties{
		Description:     info.Description,
		OwnerPrincipal:  info.OwnerPrincipal,
		ServerWritable:  info.CanWrite,
		ServerDeletable: info.CanUnbind,
	}
	switch v := e.(type) {
	case CalendarEntry:
		props.SupportsVTODO = v.SupportsComponent("VTODO")
		props.SupportsVJOURNAL = v.SupportsComponent("VJOURNAL")
	case SubscriptionEntry:
		src := v.Source
		props.Source = &src
		props.ServerWritable = false
	}
	return props
}

func applyProperties(c *model.Collection, p model.DiscoveredProperties) {
	c.Description = p.Description
	c.OwnerPrincipal = p.OwnerPrincipal
	c.ServerWritable = p.ServerWritable
	c.ServerDeletable = p.ServerDeletable
	c.SupportsVTODO = p.SupportsVTODO
	c.SupportsVJOURNAL = p.SupportsVJOURNAL
	c.Source = p.Source
}
