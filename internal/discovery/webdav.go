package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/emersion/go-webdav/carddav"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/pimsync/internal/apperr"
	"github.com/nhle/pimsync/internal/logging"
	"github.com/nhle/pimsync/internal/metrics"
	"github.com/nhle/pimsync/internal/model"
)

// WebDAVDiscovery implements PrincipalDiscovery and Creator on top of
// go-webdav's CalDAV and CardDAV clients.
type WebDAVDiscovery struct {
	httpClient *http.Client
	logger     *slog.Logger
}

var (
	_ PrincipalDiscovery = (*WebDAVDiscovery)(nil)
	_ Creator            = (*WebDAVDiscovery)(nil)
)

// NewWebDAVDiscovery creates a discovery client whose individual HTTP
// requests are bounded by timeout.
func NewWebDAVDiscovery(timeout time.Duration, logger *slog.Logger) *WebDAVDiscovery {
	return &WebDAVDiscovery{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.OrDiscard(logger),
	}
}

// NewWebDAVDiscoveryWithClient uses the given HTTP client as transport.
func NewWebDAVDiscoveryWithClient(c *http.Client, logger *slog.Logger) *WebDAVDiscovery {
	return &WebDAVDiscovery{httpClient: c, logger: logging.OrDiscard(logger)}
}

// Discover resolves both services concurrently. A failure of one service
// never cancels the other.
func (d *WebDAVDiscovery) Discover(
	ctx context.Context,
	baseURL string,
	creds Credentials,
) (*Result, error) {
	res := &Result{}

	var g errgroup.Group
	g.Go(func() error {
		res.CalDAV = d.discoverService(ctx, ServiceCalDAV, baseURL, creds)
		return nil
	})
	g.Go(func() error {
		res.CardDAV = d.discoverService(ctx, ServiceCardDAV, baseURL, creds)
		return nil
	})
	_ = g.Wait()

	return res, res.Err()
}

// DiscoverFrom enumerates both services under known principals. Services
// without a principal are reported with their recorded error and no
// request is sent for them.
func (d *WebDAVDiscovery) DiscoverFrom(
	ctx context.Context,
	known Known,
	creds Credentials,
) (*Result, error) {
	res := &Result{}

	var g errgroup.Group
	g.Go(func() error {
		res.CalDAV = d.discoverKnown(ctx, ServiceCalDAV, known.CalDAV, known.CalDAVErr, creds)
		return nil
	})
	g.Go(func() error {
		res.CardDAV = d.discoverKnown(ctx, ServiceCardDAV, known.CardDAV, known.CardDAVErr, creds)
		return nil
	})
	_ = g.Wait()

	return res, res.Err()
}

// Resolve returns the principal of one service without enumerating
// collections.
func (d *WebDAVDiscovery) Resolve(
	ctx context.Context,
	service Service,
	baseURL string,
	creds Credentials,
) (p Principal, err error) {
	defer apperr.Recover("discovery.resolve", &err)

	rec, client := d.clients(creds)
	p.Href, p.Endpoint, err = d.resolve(ctx, service, baseURL, rec, client)
	if err != nil {
		return Principal{}, err
	}
	return p, nil
}

// CreateCollection creates a calendar or address book under the account's
// home-set. Subscriptions cannot be created.
func (d *WebDAVDiscovery) CreateCollection(
	ctx context.Context,
	baseURL string,
	creds Credentials,
	kind model.CollectionKind,
	displayName string,
) (entry Entry, err error) {
	defer apperr.Recover("discovery.create_collection", &err)

	svc := ServiceCalDAV
	switch kind {
	case model.KindCalendar:
	case model.KindAddressBook:
		svc = ServiceCardDAV
	default:
		return nil, apperr.New(apperr.WriteRejected, "discovery.create_collection",
			fmt.Sprintf("collections of kind %s are read-only", kind))
	}

	rec, client := d.clients(creds)
	principal, endpoint, err := d.resolve(ctx, svc, baseURL, rec, client)
	if err != nil {
		return nil, err
	}

	var home string
	if svc == ServiceCalDAV {
		c, cerr := caldav.NewClient(client, endpoint)
		if cerr != nil {
			return nil, fmt.Errorf("creating caldav client: %w", cerr)
		}
		home, err = c.FindCalendarHomeSet(ctx, principal)
	} else {
		c, cerr := carddav.NewClient(client, endpoint)
		if cerr != nil {
			return nil, fmt.Errorf("creating carddav client: %w", cerr)
		}
		home, err = c.FindAddressBookHomeSet(ctx, principal)
	}
	if err != nil {
		return nil, classify(ctx, "discovery.create_collection", err, rec.Take())
	}

	p := path.Join(home, uuid.New().String()) + "/"
	var comps []string
	if kind == model.KindCalendar {
		comps = []string{"VEVENT", "VTODO"}
	}
	if err := mkcol(ctx, client, ResolveHref(endpoint, p), kind, displayName, comps); err != nil {
		return nil, classify(ctx, "discovery.create_collection", err, rec.Take())
	}

	d.logger.Info("collection created", "kind", kind, "url", p)

	owner := principal
	info := EntryInfo{
		URL:            p,
		DisplayName:    displayName,
		Color:          DefaultColor,
		OwnerPrincipal: &owner,
		CanWrite:       true,
		CanUnbind:      true,
		Components:     comps,
	}
	if kind == model.KindCalendar {
		return CalendarEntry{EntryInfo: info}, nil
	}
	return AddressBookEntry{EntryInfo: info}, nil
}

func (d *WebDAVDiscovery) clients(creds Credentials) (*StatusRecorder, webdav.HTTPClient) {
	rec := NewStatusRecorder(d.httpClient)
	return rec, webdav.HTTPClientWithBasicAuth(rec, creds.Username, creds.Password)
}

func (d *WebDAVDiscovery) discoverService(
	ctx context.Context,
	svc Service,
	baseURL string,
	creds Credentials,
) ServiceResult {
	return d.observe(svc, func(sr *ServiceResult) (err error) {
		defer apperr.Recover("discovery."+string(svc), &err)

		rec, client := d.clients(creds)
		principal, endpoint, err := d.resolve(ctx, svc, baseURL, rec, client)
		if err != nil {
			return err
		}
		sr.Principal = principal
		return d.list(ctx, sr, endpoint, rec, client)
	})
}

func (d *WebDAVDiscovery) discoverKnown(
	ctx context.Context,
	svc Service,
	p Principal,
	prior error,
	creds Credentials,
) ServiceResult {
	if !p.Resolved() {
		if prior == nil {
			prior = apperr.New(apperr.ServiceUnavailable, "discovery."+string(svc), "service not offered")
		}
		return ServiceResult{Service: svc, Err: prior}
	}
	return d.observe(svc, func(sr *ServiceResult) (err error) {
		defer apperr.Recover("discovery."+string(svc), &err)

		sr.Principal = p.Href
		rec, client := d.clients(creds)
		return d.list(ctx, sr, p.Endpoint, rec, client)
	})
}

// observe runs one service discovery and records its log line and metric.
func (d *WebDAVDiscovery) observe(svc Service, run func(*ServiceResult) error) ServiceResult {
	sr := ServiceResult{Service: svc}
	if err := run(&sr); err != nil {
		sr.Err = err
		d.logger.Warn("service discovery failed",
			"service", svc, "kind", apperr.KindOf(err), "error", err)
	} else {
		d.logger.Debug("service discovered",
			"service", svc, "principal", sr.Principal, "collections", len(sr.Entries))
	}

	outcome := "success"
	if sr.Err != nil {
		outcome = string(apperr.KindOf(sr.Err))
	}
	metrics.ObserveDiscovery(string(svc), outcome)
	return sr
}

func (d *WebDAVDiscovery) list(
	ctx context.Context,
	sr *ServiceResult,
	endpoint string,
	rec *StatusRecorder,
	client webdav.HTTPClient,
) error {
	if sr.Service == ServiceCalDAV {
		return d.enumerateCalendars(ctx, sr, endpoint, rec, client)
	}
	return d.enumerateAddressBooks(ctx, sr, endpoint, rec, client)
}

// resolve tries the base URL, then the well-known location, then the
// Nextcloud DAV root, until the current-user-principal resolves.
func (d *WebDAVDiscovery) resolve(
	ctx context.Context,
	svc Service,
	baseURL string,
	rec *StatusRecorder,
	client webdav.HTTPClient,
) (principal, endpoint string, err error) {
	var lastErr error
	for _, candidate := range candidateEndpoints(svc, baseURL) {
		wc, err := webdav.NewClient(client, candidate)
		if err != nil {
			return "", "", apperr.Wrap(apperr.Internal, "discovery.resolve", err)
		}

		rec.Take()
		principal, err := wc.FindCurrentUserPrincipal(ctx)
		if err == nil && principal != "" {
			d.logger.Debug("principal resolved",
				"service", svc, "endpoint", candidate, "principal", principal)
			return principal, candidate, nil
		}

		classified := classify(ctx, "discovery.resolve", err, rec.Take())
		if classified == nil {
			classified = apperr.New(apperr.ServiceUnavailable, "discovery.resolve",
				"server reported no principal")
		}
		switch apperr.KindOf(classified) {
		case apperr.NetworkUnreachable, apperr.AuthenticationRejected:
			return "", "", classified
		}
		if ctx.Err() != nil {
			return "", "", classified
		}
		lastErr = classified
	}
	return "", "", lastErr
}

func (d *WebDAVDiscovery) enumerateCalendars(
	ctx context.Context,
	sr *ServiceResult,
	endpoint string,
	rec *StatusRecorder,
	client webdav.HTTPClient,
) error {
	c, err := caldav.NewClient(client, endpoint)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "discovery.caldav", err)
	}

	rec.Take()
	home, err := c.FindCalendarHomeSet(ctx, sr.Principal)
	if err != nil {
		return partial(ctx, "discovery.calendar_home_set", err)
	}
	sr.HomeSet = home

	cals, err := c.FindCalendars(ctx, home)
	if err != nil {
		return partial(ctx, "discovery.find_calendars", err)
	}

	extras, err := propfindCollections(ctx, client, ResolveHref(endpoint, home))
	if err != nil {
		d.logger.Warn("extended calendar properties unavailable", "home_set", home, "error", err)
	}

	sr.Entries = calendarEntries(cals, extras)
	return nil
}

func (d *WebDAVDiscovery) enumerateAddressBooks(
	ctx context.Context,
	sr *ServiceResult,
	endpoint string,
	rec *StatusRecorder,
	client webdav.HTTPClient,
) error {
	c, err := carddav.NewClient(client, endpoint)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "discovery.carddav", err)
	}

	rec.Take()
	home, err := c.FindAddressBookHomeSet(ctx, sr.Principal)
	if err != nil {
		return partial(ctx, "discovery.address_book_home_set", err)
	}
	sr.HomeSet = home

	books, err := c.FindAddressBooks(ctx, home)
	if err != nil {
		return partial(ctx, "discovery.find_address_books", err)
	}

	extras, err := propfindCollections(ctx, client, ResolveHref(endpoint, home))
	if err != nil {
		d.logger.Warn("extended address book properties unavailable", "home_set", home, "error", err)
	}

	entries := make([]Entry, 0, len(books))
	for _, ab := range books {
		x, ok := extras[hrefKey(ab.Path)]
		info := EntryInfo{
			URL:         ab.Path,
			DisplayName: ab.Name,
			Description: ab.Description,
			Color:       ParseColor(x.color),
			CanWrite:    true,
			CanUnbind:   true,
		}
		if ok {
			info.OwnerPrincipal = x.owner
			info.CanWrite = x.canWrite()
			info.CanUnbind = x.canUnbind()
			if info.DisplayName == "" {
				info.DisplayName = x.displayName
			}
		}
		entries = append(entries, AddressBookEntry{EntryInfo: info, CTag: x.ctag})
	}
	sr.Entries = entries
	return nil
}

// calendarEntries merges go-webdav's calendar listing with the extended
// properties and classifies each entry. Subscriptions that go-webdav skips
// for lacking the calendar resource type are added from the PROPFIND.
func calendarEntries(cals []caldav.Calendar, extras map[string]extendedProps) []Entry {
	entries := make([]Entry, 0, len(cals))
	seen := make(map[string]bool, len(cals))

	for _, cal := range cals {
		key := hrefKey(cal.Path)
		seen[key] = true

		x, ok := extras[key]
		info := EntryInfo{
			URL:         cal.Path,
			DisplayName: cal.Name,
			Description: cal.Description,
			Color:       ParseColor(x.color),
			Components:  cal.SupportedComponentSet,
			CanWrite:    true,
			CanUnbind:   true,
		}
		if ok {
			info.OwnerPrincipal = x.owner
			info.CanWrite = x.canWrite()
			info.CanUnbind = x.canUnbind()
		}
		entries = append(entries, classifyCalendar(info, x))
	}

	for _, key := range slices.Sorted(maps.Keys(extras)) {
		x := extras[key]
		if seen[key] || !x.subscribed || x.source == "" {
			continue
		}
		entries = append(entries, classifyCalendar(EntryInfo{
			URL:            x.href,
			DisplayName:    x.displayName,
			Description:    x.description,
			Color:          ParseColor(x.color),
			OwnerPrincipal: x.owner,
			Components:     x.components,
		}, x))
	}
	return entries
}

// classifyCalendar decides once whether a calendar is a subscription.
func classifyCalendar(info EntryInfo, x extendedProps) Entry {
	if x.source != "" {
		info.CanWrite = false
		return SubscriptionEntry{EntryInfo: info, Source: x.source}
	}
	return CalendarEntry{EntryInfo: info}
}

func candidateEndpoints(svc Service, baseURL string) []string {
	base := strings.TrimRight(baseURL, "/")
	candidates := []string{
		base + "/",
		base + "/.well-known/" + string(svc),
	}
	if !strings.HasSuffix(base, "/remote.php/dav") {
		candidates = append(candidates, base+"/remote.php/dav/")
	}
	return candidates
}

// classify converts a failed principal lookup into the error taxonomy.
func classify(ctx context.Context, op string, err error, status int) error {
	if err == nil && status == 0 {
		return nil
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return wrapOrNew(apperr.AuthenticationRejected, op, err, "credentials rejected")
	case status == http.StatusNotFound || status == http.StatusMethodNotAllowed ||
		status == http.StatusNotImplemented:
		return wrapOrNew(apperr.ServiceUnavailable, op, err, "service not offered")
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", op, ctx.Err())
	case status == 0 && isTransportError(err):
		return apperr.Wrap(apperr.NetworkUnreachable, op, err)
	default:
		return wrapOrNew(apperr.ServiceUnavailable, op, err,
			fmt.Sprintf("unexpected status %d", status))
	}
}

// partial classifies a failure after the principal resolved.
func partial(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	return apperr.Wrap(apperr.DiscoveryPartialFailure, op, err)
}

func wrapOrNew(kind apperr.Kind, op string, err error, msg string) error {
	if err != nil {
		return apperr.Wrap(kind, op, err)
	}
	return apperr.New(kind, op, msg)
}

func isTransportError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
