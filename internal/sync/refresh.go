package sync

import (
	"context"
	"fmt"
	"strings"

	"github.com/nhle/pimsync/internal/apperr"
	"github.com/nhle/pimsync/internal/discovery"
	"github.com/nhle/pimsync/internal/logging"
	"github.com/nhle/pimsync/internal/model"
	"github.com/nhle/pimsync/internal/store"
)

// RefreshReport summarizes a collection refresh.
type RefreshReport struct {
	Added    int
	Updated  int
	Vanished int

	// Warnings holds per-service discovery failures and identity mapping
	// failures; none of them aborted the refresh.
	Warnings []error
}

// RefreshCollections re-runs discovery for an account in the background.
// It returns false when a refresh of the account is already running.
func (o *Orchestrator) RefreshCollections(accountID string) bool {
	if !o.state.tryBeginRefresh(accountID) {
		return false
	}

	o.goTracked(func(ctx context.Context) {
		defer o.state.endRefresh(accountID)
		if _, err := o.refreshOnce(ctx, accountID); err != nil {
			o.logger.WarnContext(logging.WithAccount(ctx, accountID), "collection refresh failed", "error", err)
		}
	})
	return true
}

// Refresh re-runs discovery for an account and waits for the result.
// Concurrent refreshes of the same account share one discovery run.
func (o *Orchestrator) Refresh(ctx context.Context, accountID string) (RefreshReport, error) {
	if o.state.tryBeginRefresh(accountID) {
		defer o.state.endRefresh(accountID)
	}
	return o.refreshOnce(ctx, accountID)
}

func (o *Orchestrator) refreshOnce(ctx context.Context, accountID string) (RefreshReport, error) {
	v, err, shared := o.refresh.Do(accountID, func() (any, error) {
		return o.doRefresh(ctx, accountID)
	})
	if shared {
		o.logger.Debug("collection refresh shared", "account_id", accountID)
	}
	report, _ := v.(RefreshReport)
	return report, err
}

// doRefresh reconciles discovered entries into collection rows: new
// entries are inserted, known ones get their server-owned properties
// updated, and ones the server stopped listing are marked vanished. User
// policy is never touched. A service that failed leaves its collections
// as they are.
func (o *Orchestrator) doRefresh(ctx context.Context, accountID string) (report RefreshReport, err error) {
	defer apperr.Recover("sync.refresh", &err)
	ctx = logging.WithAccount(ctx, accountID)

	acct, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return report, err
	}

	var res *discovery.Result
	if discovery.IsDemo(acct.ServerURL, acct.Username, discovery.DemoPassword) {
		res = discovery.DemoResult()
	} else {
		secret, err := o.secrets.Lookup(acct.ID)
		if err != nil {
			return report, fmt.Errorf("looking up credentials: %w", err)
		}
		creds := discovery.Credentials{Username: acct.Username, Password: secret}
		res, err = o.discovery.Discover(ctx, acct.ServerURL, creds)
		if res == nil {
			return report, err
		}
	}
	if err := res.Err(); err != nil {
		return report, err
	}

	existing, err := o.store.ListCollections(ctx, store.CollectionFilter{
		AccountID:       &acct.ID,
		IncludeVanished: true,
	})
	if err != nil {
		return report, err
	}
	byURL := make(map[string]model.Collection, len(existing))
	for _, c := range existing {
		byURL[urlKey(c.Kind, c.URL)] = c
	}

	refreshed := make(map[model.CollectionKind]bool)
	seen := make(map[string]bool)

	services := []struct {
		svc discovery.Service
		sr  discovery.ServiceResult
	}{
		{discovery.ServiceCalDAV, res.CalDAV},
		{discovery.ServiceCardDAV, res.CardDAV},
	}
	for _, s := range services {
		sr := s.sr
		if !sr.Available() {
			if sr.Err != nil {
				report.Warnings = append(report.Warnings, sr.Err)
			}
			continue
		}
		if sr.Err != nil {
			report.Warnings = append(report.Warnings, sr.Err)
			continue
		}
		for _, k := range serviceKinds(s.svc) {
			refreshed[k] = true
		}

		for _, e := range sr.Entries {
			key := urlKey(e.Kind(), e.Info().URL)
			seen[key] = true

			if cur, ok := byURL[key]; ok {
				if err := o.store.UpdateDiscoveredProperties(ctx, cur.ID, discovery.Properties(e)); err != nil {
					return report, err
				}
				report.Updated++
				continue
			}

			col := discovery.ToCollection(acct.ID, e)
			if err := o.store.CreateCollection(ctx, col); err != nil {
				return report, err
			}
			report.Added++
			if o.mapper != nil {
				if err := o.mapper.EnsureCollection(ctx, *acct, col); err != nil {
					report.Warnings = append(report.Warnings, err)
				}
			}
		}
	}

	for key, c := range byURL {
		if seen[key] || c.Vanished || !refreshed[c.Kind] {
			continue
		}
		if err := o.store.MarkCollectionVanished(ctx, c.ID, true); err != nil {
			return report, err
		}
		report.Vanished++
	}

	if res.CardDAV.Available() && !acct.ContactsEnabled {
		acct.ContactsEnabled = true
		if err := o.store.UpdateAccount(ctx, *acct); err != nil {
			return report, err
		}
	}

	o.logger.InfoContext(ctx, "collections refreshed",
		"added", report.Added,
		"updated", report.Updated,
		"vanished", report.Vanished,
		"warnings", len(report.Warnings),
	)
	return report, nil
}

// serviceKinds lists the collection kinds a service discovers.
func serviceKinds(svc discovery.Service) []model.CollectionKind {
	if svc == discovery.ServiceCardDAV {
		return []model.CollectionKind{model.KindAddressBook}
	}
	return []model.CollectionKind{model.KindCalendar, model.KindWebCal}
}

func urlKey(kind model.CollectionKind, u string) string {
	// Calendars and subscriptions share a home-set.
	if kind == model.KindWebCal {
		kind = model.KindCalendar
	}
	return string(kind) + "\x00" + strings.TrimRight(u, "/")
}
