package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-vcard"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/emersion/go-webdav/carddav"

	"github.com/nhle/pimsync/internal/apperr"
	"github.com/nhle/pimsync/internal/discovery"
	"github.com/nhle/pimsync/internal/logging"
	"github.com/nhle/pimsync/internal/model"
)

// WebDAVContentSyncer syncs collection content over CalDAV, CardDAV and
// plain HTTP for subscribed feeds.
type WebDAVContentSyncer struct {
	httpClient *http.Client
	store      ContentStore
	logger     *slog.Logger
}

var _ ContentSyncer = (*WebDAVContentSyncer)(nil)

// NewWebDAVContentSyncer creates a syncer whose requests time out after
// timeout.
func NewWebDAVContentSyncer(timeout time.Duration, store ContentStore, logger *slog.Logger) *WebDAVContentSyncer {
	return NewWebDAVContentSyncerWithClient(&http.Client{Timeout: timeout}, store, logger)
}

// NewWebDAVContentSyncerWithClient uses the given HTTP client.
func NewWebDAVContentSyncerWithClient(c *http.Client, store ContentStore, logger *slog.Logger) *WebDAVContentSyncer {
	return &WebDAVContentSyncer{httpClient: c, store: store, logger: logging.OrDiscard(logger)}
}

// Sync pulls remote content into the content store and pushes pending
// local changes. Changes for read-only collections are rejected without
// being sent.
func (s *WebDAVContentSyncer) Sync(
	ctx context.Context,
	acct model.Account,
	creds discovery.Credentials,
	col model.Collection,
) (res Result, err error) {
	defer apperr.Recover("sync.content", &err)

	rec := discovery.NewStatusRecorder(s.httpClient)
	client := webdav.HTTPClientWithBasicAuth(rec, creds.Username, creds.Password)

	switch {
	case col.IsSubscription():
		res, err = s.syncFeed(ctx, col)
	case col.Kind == model.KindAddressBook:
		res, err = s.syncAddressBook(ctx, acct, client, col)
	default:
		res, err = s.syncCalendar(ctx, acct, client, col)
	}
	if err != nil {
		return Result{}, classifySyncError(ctx, err, rec.Last())
	}
	return res, nil
}

func (s *WebDAVContentSyncer) syncAddressBook(
	ctx context.Context,
	acct model.Account,
	client webdav.HTTPClient,
	col model.Collection,
) (Result, error) {
	ctag, err := discovery.FetchCTag(ctx, client, discovery.ResolveHref(acct.ServerURL+"/", col.URL))
	if err != nil {
		s.logger.Debug("ctag unavailable, running full sync", "collection_id", col.ID, "error", err)
	}
	if ctag != nil && col.CTag != nil && *ctag == *col.CTag {
		pending, err := s.store.PendingChanges(ctx, col.ID)
		if err != nil {
			return Result{}, fmt.Errorf("listing pending changes: %w", err)
		}
		if len(pending) == 0 {
			return Result{CTag: ctag, Unchanged: true}, nil
		}
	}

	c, err := carddav.NewClient(client, acct.ServerURL)
	if err != nil {
		return Result{}, fmt.Errorf("creating carddav client: %w", err)
	}

	objs, err := c.QueryAddressBook(ctx, col.URL, &carddav.AddressBookQuery{
		DataRequest: carddav.AddressDataRequest{AllProp: true},
	})
	if err != nil {
		return Result{}, fmt.Errorf("querying address book %s: %w", col.URL, err)
	}

	contacts := make([]Object, 0, len(objs))
	for _, o := range objs {
		contacts = append(contacts, contactObject(o))
	}
	if err := s.store.Apply(ctx, col.ID, contacts); err != nil {
		return Result{}, fmt.Errorf("applying contacts: %w", err)
	}

	res := Result{CTag: ctag, Pulled: len(contacts)}
	err = s.push(ctx, col, &res, func(ch Change) error {
		if ch.Card == nil {
			return fmt.Errorf("change %s carries no contact", ch.Path)
		}
		_, err := c.PutAddressObject(ctx, ch.Path, ch.Card)
		return err
	})
	return res, err
}

func (s *WebDAVContentSyncer) syncCalendar(
	ctx context.Context,
	acct model.Account,
	client webdav.HTTPClient,
	col model.Collection,
) (Result, error) {
	c, err := caldav.NewClient(client, acct.ServerURL)
	if err != nil {
		return Result{}, fmt.Errorf("creating caldav client: %w", err)
	}

	comps := []string{ical.CompEvent}
	if col.SupportsVTODO {
		comps = append(comps, ical.CompToDo)
	}
	if col.SupportsVJOURNAL {
		comps = append(comps, ical.CompJournal)
	}

	var events []Object
	for _, comp := range comps {
		objs, err := c.QueryCalendar(ctx, col.URL, calendarQuery(comp))
		if err != nil {
			return Result{}, fmt.Errorf("querying %s in %s: %w", comp, col.URL, err)
		}
		for _, o := range objs {
			events = append(events, calendarObject(o.Path, o.ETag, o.Data))
		}
	}
	if err := s.store.Apply(ctx, col.ID, events); err != nil {
		return Result{}, fmt.Errorf("applying calendar objects: %w", err)
	}

	res := Result{Pulled: len(events)}
	err = s.push(ctx, col, &res, func(ch Change) error {
		if ch.Calendar == nil {
			return fmt.Errorf("change %s carries no calendar data", ch.Path)
		}
		_, err := c.PutCalendarObject(ctx, ch.Path, ch.Calendar)
		return err
	})
	return res, err
}

// syncFeed downloads a subscribed iCalendar feed. Feeds are pull-only.
func (s *WebDAVContentSyncer) syncFeed(ctx context.Context, col model.Collection) (Result, error) {
	if col.Source == nil || *col.Source == "" {
		return Result{}, apperr.New(apperr.ServiceUnavailable, "sync.feed", "subscription has no source url")
	}
	src := feedURL(*col.Source)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return Result{}, fmt.Errorf("creating feed request: %w", err)
	}
	req.Header.Set("Accept", "text/calendar")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("fetching feed %s: %w", src, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, apperr.New(apperr.ServiceUnavailable, "sync.feed",
			fmt.Sprintf("feed %s returned status %d", src, resp.StatusCode))
	}

	var events []Object
	dec := ical.NewDecoder(resp.Body)
	for {
		cal, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("decoding feed %s: %w", src, err)
		}
		for _, child := range cal.Children {
			if child.Name != ical.CompEvent {
				continue
			}
			uid, _ := child.Props.Text(ical.PropUID)
			summary, _ := child.Props.Text(ical.PropSummary)
			events = append(events, Object{Path: src + "#" + uid, UID: uid, Summary: summary})
		}
	}
	if err := s.store.Apply(ctx, col.ID, events); err != nil {
		return Result{}, fmt.Errorf("applying feed events: %w", err)
	}

	res := Result{Pulled: len(events)}
	err = s.push(ctx, col, &res, func(Change) error {
		return col.CheckWritable()
	})
	return res, err
}

// push sends pending changes, or rejects all of them when the collection
// is read-only.
func (s *WebDAVContentSyncer) push(
	ctx context.Context,
	col model.Collection,
	res *Result,
	send func(Change) error,
) error {
	pending, err := s.store.PendingChanges(ctx, col.ID)
	if err != nil {
		return fmt.Errorf("listing pending changes: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	paths := make([]string, 0, len(pending))
	for _, ch := range pending {
		paths = append(paths, ch.Path)
	}

	if werr := col.CheckWritable(); werr != nil {
		res.Rejected = len(paths)
		s.logger.Info("local changes rejected for read-only collection",
			"collection_id", col.ID, "count", len(paths))
		return s.store.Reject(ctx, col.ID, paths, werr)
	}

	pushed := make([]string, 0, len(pending))
	var sendErr error
	for _, ch := range pending {
		if err := send(ch); err != nil {
			sendErr = fmt.Errorf("pushing %s: %w", ch.Path, err)
			break
		}
		pushed = append(pushed, ch.Path)
	}
	res.Pushed = len(pushed)

	if err := s.store.MarkPushed(ctx, col.ID, pushed); err != nil {
		return fmt.Errorf("marking pushed changes: %w", err)
	}
	return sendErr
}

func calendarQuery(comp string) *caldav.CalendarQuery {
	return &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{{Name: comp}},
		},
	}
}

func calendarObject(p, etag string, cal *ical.Calendar) Object {
	obj := Object{Path: p, ETag: etag}
	if cal == nil {
		return obj
	}
	for _, child := range cal.Children {
		if child.Name == ical.CompTimezone {
			continue
		}
		obj.UID, _ = child.Props.Text(ical.PropUID)
		obj.Summary, _ = child.Props.Text(ical.PropSummary)
		break
	}
	return obj
}

func contactObject(o carddav.AddressObject) Object {
	obj := Object{Path: o.Path, ETag: o.ETag}
	if o.Card != nil {
		obj.UID = o.Card.Value(vcard.FieldUID)
		obj.Summary = o.Card.PreferredValue(vcard.FieldFormattedName)
	}
	return obj
}

// feedURL maps the webcal scheme onto https.
func feedURL(src string) string {
	switch {
	case strings.HasPrefix(src, "webcals://"):
		return "https://" + strings.TrimPrefix(src, "webcals://")
	case strings.HasPrefix(src, "webcal://"):
		return "https://" + strings.TrimPrefix(src, "webcal://")
	default:
		return src
	}
}

// classifySyncError maps failures onto the error taxonomy. status is the
// last HTTP error status seen, zero when none.
func classifySyncError(ctx context.Context, err error, status int) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperr.Wrap(apperr.AuthenticationRejected, "sync.content", err)
	case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return apperr.Wrap(apperr.ServiceUnavailable, "sync.content", err)
	}
	var netErr net.Error
	var opErr *net.OpError
	if errors.As(err, &opErr) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return apperr.Wrap(apperr.NetworkUnreachable, "sync.content", err)
	}
	return apperr.Wrap(apperr.Internal, "sync.content", err)
}
