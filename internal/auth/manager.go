// Package auth implements direct credential checks and the delegated
// browser login flow.
package auth

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/nhle/pimsync/internal/apperr"
	"github.com/nhle/pimsync/internal/discovery"
	"github.com/nhle/pimsync/internal/logging"
)

// Outcome is the result of a full credential check.
type Outcome struct {
	CalDAVAvailable  bool
	CardDAVAvailable bool
	CalDAVPrincipal  string
	CardDAVPrincipal string

	// Endpoints that answered the principal lookups.
	CalDAVEndpoint  string
	CardDAVEndpoint string

	// Per-service errors, kept so callers can surface warnings.
	CalDAVErr  error
	CardDAVErr error
}

// Known hands the resolved principals to discovery so it can enumerate
// collections without resolving them again.
func (o *Outcome) Known() discovery.Known {
	k := discovery.Known{CalDAVErr: o.CalDAVErr, CardDAVErr: o.CardDAVErr}
	if o.CalDAVAvailable {
		k.CalDAV = discovery.Principal{Href: o.CalDAVPrincipal, Endpoint: o.CalDAVEndpoint}
	}
	if o.CardDAVAvailable {
		k.CardDAV = discovery.Principal{Href: o.CardDAVPrincipal, Endpoint: o.CardDAVEndpoint}
	}
	return k
}

// Manager checks credentials against a server through principal
// discovery.
type Manager struct {
	discovery discovery.PrincipalDiscovery
	logger    *slog.Logger
}

// NewManager creates an authentication manager.
func NewManager(d discovery.PrincipalDiscovery, logger *slog.Logger) *Manager {
	return &Manager{discovery: d, logger: logging.OrDiscard(logger)}
}

// TestCredentials performs a minimal authenticated check: the CalDAV
// principal, falling back to CardDAV. It returns true when either
// resolves.
func (m *Manager) TestCredentials(ctx context.Context, serverURL, username, password string) (bool, error) {
	if discovery.IsDemo(serverURL, username, password) {
		return true, nil
	}
	creds := discovery.Credentials{Username: username, Password: password}

	_, calErr := m.discovery.Resolve(ctx, discovery.ServiceCalDAV, serverURL, creds)
	if calErr == nil {
		return true, nil
	}
	if apperr.IsKind(calErr, apperr.NetworkUnreachable) || apperr.IsKind(calErr, apperr.AuthenticationRejected) {
		m.logger.Info("credential test failed", "server", serverURL, "kind", apperr.KindOf(calErr))
		return false, calErr
	}

	_, cardErr := m.discovery.Resolve(ctx, discovery.ServiceCardDAV, serverURL, creds)
	if cardErr == nil {
		return true, nil
	}
	m.logger.Info("credential test failed", "server", serverURL, "kind", apperr.KindOf(cardErr))
	return false, combine("auth.test_credentials", calErr, cardErr)
}

// Authenticate resolves both service principals independently.
func (m *Manager) Authenticate(ctx context.Context, serverURL, username, password string) (*Outcome, error) {
	creds := discovery.Credentials{Username: username, Password: password}
	out := &Outcome{}

	var g errgroup.Group
	g.Go(func() error {
		p, err := m.discovery.Resolve(ctx, discovery.ServiceCalDAV, serverURL, creds)
		out.CalDAVPrincipal, out.CalDAVEndpoint, out.CalDAVErr = p.Href, p.Endpoint, err
		out.CalDAVAvailable = out.CalDAVErr == nil && out.CalDAVPrincipal != ""
		return nil
	})
	g.Go(func() error {
		p, err := m.discovery.Resolve(ctx, discovery.ServiceCardDAV, serverURL, creds)
		out.CardDAVPrincipal, out.CardDAVEndpoint, out.CardDAVErr = p.Href, p.Endpoint, err
		out.CardDAVAvailable = out.CardDAVErr == nil && out.CardDAVPrincipal != ""
		return nil
	})
	_ = g.Wait()

	if out.CalDAVAvailable || out.CardDAVAvailable {
		m.logger.Debug("authenticated",
			"server", serverURL, "caldav", out.CalDAVAvailable, "carddav", out.CardDAVAvailable)
		return out, nil
	}
	return out, combine("auth.authenticate", out.CalDAVErr, out.CardDAVErr)
}

// combine picks the error to report when neither service succeeded.
// Unreachable wins only if both were unreachable; a rejection wins over
// an absent service.
func combine(op string, calErr, cardErr error) error {
	switch {
	case apperr.IsKind(calErr, apperr.NetworkUnreachable) && apperr.IsKind(cardErr, apperr.NetworkUnreachable):
		return apperr.Wrap(apperr.NetworkUnreachable, op, calErr)
	case apperr.IsKind(calErr, apperr.AuthenticationRejected):
		return apperr.Wrap(apperr.AuthenticationRejected, op, calErr)
	case apperr.IsKind(cardErr, apperr.AuthenticationRejected):
		return apperr.Wrap(apperr.AuthenticationRejected, op, cardErr)
	case calErr != nil:
		return apperr.Wrap(apperr.ServiceUnavailable, op, calErr)
	case cardErr != nil:
		return apperr.Wrap(apperr.ServiceUnavailable, op, cardErr)
	default:
		return apperr.New(apperr.ServiceUnavailable, op, "no DAV service available")
	}
}
