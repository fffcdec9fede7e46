package sync_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	gosync "sync"
	"testing"

	"github.com/emersion/go-vcard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/pimsync/internal/apperr"
	"github.com/nhle/pimsync/internal/discovery"
	"github.com/nhle/pimsync/internal/model"
	pimsync "github.com/nhle/pimsync/internal/sync"
)

const holidayFeed = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Example//Holidays//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:new-year\r\n" +
	"DTSTAMP:20260101T000000Z\r\n" +
	"DTSTART;VALUE=DATE:20260101\r\n" +
	"SUMMARY:New Year\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:labour-day\r\n" +
	"DTSTAMP:20260101T000000Z\r\n" +
	"DTSTART;VALUE=DATE:20260501\r\n" +
	"SUMMARY:Labour Day\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

const ctagResponse = `<?xml version="1.0" encoding="utf-8"?>` +
	`<d:multistatus xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/">` +
	`<d:response><d:href>/card/contacts/</d:href><d:propstat><d:prop>` +
	`<cs:getctag>%CTAG%</cs:getctag>` +
	`</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>` +
	`</d:multistatus>`

const emptyMultistatus = `<?xml version="1.0" encoding="utf-8"?><d:multistatus xmlns:d="DAV:"></d:multistatus>`

// methodLog records the HTTP methods a fixture server received.
type methodLog struct {
	mu      gosync.Mutex
	methods []string
}

func (l *methodLog) add(m string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.methods = append(l.methods, m)
}

func (l *methodLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.methods...)
}

// addressBookServer answers ctag lookups with ctag and address-book queries
// with an empty listing.
func addressBookServer(t *testing.T, ctag string) (*httptest.Server, *methodLog) {
	t.Helper()
	log := &methodLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r.Method)
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		switch r.Method {
		case "PROPFIND":
			w.WriteHeader(http.StatusMultiStatus)
			_, _ = w.Write([]byte(strings.ReplaceAll(ctagResponse, "%CTAG%", ctag)))
		case "REPORT":
			w.WriteHeader(http.StatusMultiStatus)
			_, _ = w.Write([]byte(emptyMultistatus))
		default:
			w.WriteHeader(http.StatusCreated)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, log
}

func contactsBook(ctag string) model.Collection {
	col := addressBook("book-1")
	col.AccountID = "acct-1"
	col.URL = "/card/contacts/"
	col.CTag = &ctag
	return col
}

func TestFeedSyncParsesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(holidayFeed))
	}))
	t.Cleanup(srv.Close)

	contents := pimsync.NewMemoryContentStore()
	syncer := pimsync.NewWebDAVContentSyncerWithClient(srv.Client(), contents, nil)

	src := srv.URL + "/holidays.ics"
	col := calendar("feed-1")
	col.Kind = model.KindWebCal
	col.Source = &src

	res, err := syncer.Sync(context.Background(), model.Account{ID: "acct-1", ServerURL: srv.URL}, discovery.Credentials{}, col)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pulled)

	objs := contents.Objects("feed-1")
	require.Len(t, objs, 2)
	summaries := []string{objs[0].Summary, objs[1].Summary}
	assert.ElementsMatch(t, []string{"New Year", "Labour Day"}, summaries)
}

func TestFeedSyncReportsMissingFeed(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	syncer := pimsync.NewWebDAVContentSyncerWithClient(srv.Client(), pimsync.NewMemoryContentStore(), nil)
	src := srv.URL + "/gone.ics"
	col := calendar("feed-1")
	col.Kind = model.KindWebCal
	col.Source = &src

	_, err := syncer.Sync(context.Background(), model.Account{ServerURL: srv.URL}, discovery.Credentials{}, col)
	assert.True(t, apperr.IsKind(err, apperr.ServiceUnavailable))
}

func TestAddressBookUnchangedCTagSkipsQuery(t *testing.T) {
	srv, log := addressBookServer(t, "ctag-1")
	syncer := pimsync.NewWebDAVContentSyncerWithClient(srv.Client(), pimsync.NewMemoryContentStore(), nil)

	acct := model.Account{ID: "acct-1", ServerURL: srv.URL}
	res, err := syncer.Sync(context.Background(), acct, discovery.Credentials{Username: "alice", Password: "secret"}, contactsBook("ctag-1"))
	require.NoError(t, err)

	assert.True(t, res.Unchanged)
	require.NotNil(t, res.CTag)
	assert.Equal(t, "ctag-1", *res.CTag)
	assert.Equal(t, []string{"PROPFIND"}, log.all())
}

func TestReadOnlyAddressBookRejectsPendingChanges(t *testing.T) {
	srv, log := addressBookServer(t, "ctag-2")
	contents := pimsync.NewMemoryContentStore()
	syncer := pimsync.NewWebDAVContentSyncerWithClient(srv.Client(), contents, nil)

	col := contactsBook("ctag-1")
	card := vcard.Card{}
	card.SetValue(vcard.FieldUID, "contact-1")
	card.SetValue(vcard.FieldFormattedName, "Bob")
	require.NoError(t, contents.Stage(col, pimsync.Change{Path: "/card/contacts/contact-1.vcf", Card: card}))

	col.ForceReadOnly = true
	acct := model.Account{ID: "acct-1", ServerURL: srv.URL}
	res, err := syncer.Sync(context.Background(), acct, discovery.Credentials{Username: "alice", Password: "secret"}, col)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Rejected)
	assert.Zero(t, res.Pushed)
	assert.Equal(t, "ctag-2", *res.CTag)
	assert.Equal(t, []string{"/card/contacts/contact-1.vcf"}, contents.Rejected("book-1"))
	assert.NotContains(t, log.all(), http.MethodPut)
}

func TestStageRejectsReadOnlyCollection(t *testing.T) {
	contents := pimsync.NewMemoryContentStore()
	col := contactsBook("ctag-1")
	col.ServerWritable = false

	card := vcard.Card{}
	card.SetValue(vcard.FieldUID, "contact-1")
	err := contents.Stage(col, pimsync.Change{Path: "/card/contacts/contact-1.vcf", Card: card})
	assert.True(t, apperr.IsKind(err, apperr.WriteRejected))
}

func TestCalendarSyncMapsAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	syncer := pimsync.NewWebDAVContentSyncerWithClient(srv.Client(), pimsync.NewMemoryContentStore(), nil)
	col := calendar("cal-1")
	col.URL = "/cal/work/"

	_, err := syncer.Sync(context.Background(), model.Account{ServerURL: srv.URL}, discovery.Credentials{Username: "alice", Password: "wrong"}, col)
	assert.True(t, apperr.IsKind(err, apperr.AuthenticationRejected))
}
