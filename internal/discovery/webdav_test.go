package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/pimsync/internal/apperr"
	"github.com/nhle/pimsync/internal/model"
)

const msOpen = `<?xml version="1.0" encoding="utf-8"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav" xmlns:card="urn:ietf:params:xml:ns:carddav" xmlns:cs="http://calendarserver.org/ns/" xmlns:ical="http://apple.com/ns/ical/">`

const msClose = `</d:multistatus>`

func okResponse(href, props string) string {
	return fmt.Sprintf(`<d:response><d:href>%s</d:href><d:propstat><d:prop>%s</d:prop>`+
		`<d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`, href, props)
}

const calendarListing = msOpen +
	`<d:response><d:href>/calendars/alice/</d:href><d:propstat><d:prop>` +
	`<d:resourcetype><d:collection/></d:resourcetype></d:prop>` +
	`<d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>` +
	`<d:response><d:href>/calendars/alice/work/</d:href><d:propstat><d:prop>` +
	`<d:resourcetype><d:collection/><c:calendar/></d:resourcetype>` +
	`<d:displayname>Work</d:displayname>` +
	`<c:calendar-description>Shared work calendar</c:calendar-description>` +
	`<ical:calendar-color>#FF5722CC</ical:calendar-color>` +
	`<d:owner><d:href>/principals/bob/</d:href></d:owner>` +
	`<d:current-user-privilege-set><d:privilege><d:read/></d:privilege></d:current-user-privilege-set>` +
	`<c:supported-calendar-component-set><c:comp name="VEVENT"/></c:supported-calendar-component-set>` +
	`</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>` +
	`<d:response><d:href>/calendars/alice/tasks/</d:href><d:propstat><d:prop>` +
	`<d:resourcetype><d:collection/><c:calendar/></d:resourcetype>` +
	`<d:displayname>Tasks</d:displayname>` +
	`<d:current-user-privilege-set><d:privilege><d:all/></d:privilege></d:current-user-privilege-set>` +
	`<c:supported-calendar-component-set><c:comp name="VEVENT"/><c:comp name="VTODO"/></c:supported-calendar-component-set>` +
	`</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat>` +
	`<d:propstat><d:prop><ical:calendar-color/></d:prop>` +
	`<d:status>HTTP/1.1 404 Not Found</d:status></d:propstat></d:response>` +
	`<d:response><d:href>/calendars/alice/holidays/</d:href><d:propstat><d:prop>` +
	`<d:resourcetype><d:collection/><cs:subscribed/></d:resourcetype>` +
	`<d:displayname>Holidays</d:displayname>` +
	`<cs:source><d:href>https://feeds.example.com/holidays.ics</d:href></cs:source>` +
	`</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>` +
	msClose

const addressBookListing = msOpen +
	`<d:response><d:href>/addressbooks/alice/</d:href><d:propstat><d:prop>` +
	`<d:resourcetype><d:collection/></d:resourcetype></d:prop>` +
	`<d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>` +
	`<d:response><d:href>/addressbooks/alice/contacts/</d:href><d:propstat><d:prop>` +
	`<d:resourcetype><d:collection/><card:addressbook/></d:resourcetype>` +
	`<d:displayname>Contacts</d:displayname>` +
	`<cs:getctag>ctag-1</cs:getctag>` +
	`</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>` +
	msClose

func writeMultistatus(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = w.Write([]byte(body))
}

// davFixture serves a minimal CalDAV/CardDAV server for alice/secret.
func davFixture(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "alice" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Method != "PROPFIND" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		switch r.URL.Path {
		case "/":
			writeMultistatus(w, msOpen+okResponse("/",
				`<d:current-user-principal><d:href>/principals/alice/</d:href></d:current-user-principal>`)+msClose)
		case "/principals/alice/":
			writeMultistatus(w, msOpen+okResponse("/principals/alice/",
				`<c:calendar-home-set><d:href>/calendars/alice/</d:href></c:calendar-home-set>`+
					`<card:addressbook-home-set><d:href>/addressbooks/alice/</d:href></card:addressbook-home-set>`)+msClose)
		case "/calendars/alice/":
			writeMultistatus(w, calendarListing)
		case "/addressbooks/alice/":
			writeMultistatus(w, addressBookListing)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestDiscovery() *WebDAVDiscovery {
	return NewWebDAVDiscovery(5*time.Second, nil)
}

func TestDiscoverBothServices(t *testing.T) {
	srv := davFixture(t)

	res, err := newTestDiscovery().Discover(context.Background(), srv.URL,
		Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)

	require.NoError(t, res.CalDAV.Err)
	assert.Equal(t, "/principals/alice/", res.CalDAV.Principal)
	assert.Equal(t, "/calendars/alice/", res.CalDAV.HomeSet)
	require.Len(t, res.CalDAV.Entries, 3)

	work, ok := res.CalDAV.Entries[0].(CalendarEntry)
	require.True(t, ok)
	assert.Equal(t, "Work", work.DisplayName)
	assert.Equal(t, uint32(0xCCFF5722), uint32(work.Color))
	assert.False(t, work.CanWrite)
	require.NotNil(t, work.OwnerPrincipal)
	assert.Equal(t, "/principals/bob/", *work.OwnerPrincipal)

	tasks, ok := res.CalDAV.Entries[1].(CalendarEntry)
	require.True(t, ok)
	assert.True(t, tasks.CanWrite)
	assert.True(t, tasks.SupportsComponent("VTODO"))
	assert.Equal(t, DefaultColor, tasks.Color)

	sub, ok := res.CalDAV.Entries[2].(SubscriptionEntry)
	require.True(t, ok)
	assert.Equal(t, "https://feeds.example.com/holidays.ics", sub.Source)
	assert.Equal(t, model.KindWebCal, sub.Kind())

	require.NoError(t, res.CardDAV.Err)
	require.Len(t, res.CardDAV.Entries, 1)
	book, ok := res.CardDAV.Entries[0].(AddressBookEntry)
	require.True(t, ok)
	assert.Equal(t, "Contacts", book.DisplayName)
	require.NotNil(t, book.CTag)
	assert.Equal(t, "ctag-1", *book.CTag)
}

func TestDiscoverFromKnownPrincipalsSkipsPrincipalLookup(t *testing.T) {
	inner := davFixture(t)
	var mu sync.Mutex
	rootLookups := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			mu.Lock()
			rootLookups++
			mu.Unlock()
		}
		inner.Config.Handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	d := newTestDiscovery()
	ctx := context.Background()
	creds := Credentials{Username: "alice", Password: "secret"}

	cal, err := d.Resolve(ctx, ServiceCalDAV, srv.URL, creds)
	require.NoError(t, err)
	assert.Equal(t, "/principals/alice/", cal.Href)
	assert.Equal(t, srv.URL+"/", cal.Endpoint)

	unavailable := apperr.New(apperr.ServiceUnavailable, "test", "no carddav")
	res, err := d.DiscoverFrom(ctx, Known{CalDAV: cal, CardDAVErr: unavailable}, creds)
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, 1, rootLookups, "only the explicit Resolve looks up the principal")
	mu.Unlock()

	assert.Equal(t, "/principals/alice/", res.CalDAV.Principal)
	assert.Len(t, res.CalDAV.Entries, 3)
	assert.False(t, res.CardDAV.Available())
	assert.Same(t, unavailable, res.CardDAV.Err)
	assert.Empty(t, res.CardDAV.Entries)
}

func TestDiscoverFromWithoutPrincipalsFails(t *testing.T) {
	res, err := newTestDiscovery().DiscoverFrom(context.Background(), Known{},
		Credentials{Username: "alice", Password: "secret"})
	assert.True(t, apperr.IsKind(err, apperr.ServiceUnavailable))
	assert.False(t, res.CalDAV.Available())
	assert.False(t, res.CardDAV.Available())
}

func TestResolveRejectsBadCredentials(t *testing.T) {
	srv := davFixture(t)

	_, err := newTestDiscovery().Resolve(context.Background(), ServiceCalDAV, srv.URL,
		Credentials{Username: "alice", Password: "wrong"})
	assert.True(t, apperr.IsKind(err, apperr.AuthenticationRejected))
}

func TestDiscoverUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	res, err := newTestDiscovery().Discover(context.Background(), url,
		Credentials{Username: "alice", Password: "secret"})
	require.NotNil(t, res)
	assert.True(t, apperr.IsKind(err, apperr.NetworkUnreachable))
	assert.True(t, apperr.IsKind(res.CalDAV.Err, apperr.NetworkUnreachable))
	assert.True(t, apperr.IsKind(res.CardDAV.Err, apperr.NetworkUnreachable))
}

func TestDiscoverNoDAVService(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	res, err := newTestDiscovery().Discover(context.Background(), srv.URL,
		Credentials{Username: "alice", Password: "secret"})
	assert.True(t, apperr.IsKind(err, apperr.ServiceUnavailable))
	assert.False(t, res.CalDAV.Available())
	assert.False(t, res.CardDAV.Available())
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	assert.Nil(t, classify(ctx, "op", nil, 0))
	assert.True(t, apperr.IsKind(classify(ctx, "op", boom, 401), apperr.AuthenticationRejected))
	assert.True(t, apperr.IsKind(classify(ctx, "op", boom, 403), apperr.AuthenticationRejected))
	assert.True(t, apperr.IsKind(classify(ctx, "op", boom, 404), apperr.ServiceUnavailable))
	assert.True(t, apperr.IsKind(classify(ctx, "op", boom, 501), apperr.ServiceUnavailable))
	assert.True(t, apperr.IsKind(classify(ctx, "op", boom, 500), apperr.ServiceUnavailable))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err := classify(cancelled, "op", boom, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResultErrPrefersAvailability(t *testing.T) {
	unreachable := apperr.New(apperr.NetworkUnreachable, "t", "down")
	unavailable := apperr.New(apperr.ServiceUnavailable, "t", "absent")

	res := &Result{
		CalDAV:  ServiceResult{Service: ServiceCalDAV, Principal: "/p/"},
		CardDAV: ServiceResult{Service: ServiceCardDAV, Err: unavailable},
	}
	assert.NoError(t, res.Err())

	res = &Result{
		CalDAV:  ServiceResult{Err: unreachable},
		CardDAV: ServiceResult{Err: unreachable},
	}
	assert.True(t, apperr.IsKind(res.Err(), apperr.NetworkUnreachable))

	res = &Result{
		CalDAV:  ServiceResult{Err: unreachable},
		CardDAV: ServiceResult{Err: unavailable},
	}
	assert.True(t, apperr.IsKind(res.Err(), apperr.ServiceUnavailable))
}

func TestCreateCollectionRejectsSubscriptions(t *testing.T) {
	_, err := newTestDiscovery().CreateCollection(context.Background(), "https://dav.example.com",
		Credentials{}, model.KindWebCal, "Feed")
	assert.True(t, apperr.IsKind(err, apperr.WriteRejected))
}
