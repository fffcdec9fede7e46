// Package account provisions accounts: duplicate checks, authentication,
// discovery, persistence, credential storage and identity mapping.
package account

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/nhle/pimsync/internal/apperr"
	"github.com/nhle/pimsync/internal/auth"
	"github.com/nhle/pimsync/internal/clock"
	"github.com/nhle/pimsync/internal/credential"
	"github.com/nhle/pimsync/internal/discovery"
	"github.com/nhle/pimsync/internal/identity"
	"github.com/nhle/pimsync/internal/logging"
	"github.com/nhle/pimsync/internal/model"
	"github.com/nhle/pimsync/internal/store"
)

// Request carries what the user entered to add an account.
type Request struct {
	ServerURL       string
	Username        string
	Password        string
	DisplayName     string
	Email           string
	AuthKind        model.AuthKind
	ClientCertAlias string
}

// CreateResult is a created account with its initial collections.
type CreateResult struct {
	Account     model.Account
	Collections []model.Collection

	// Warnings are failures that did not stop the account from being
	// created: one service missing or identity mapping trouble.
	Warnings []error
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store     store.Store
	Secrets   credential.SecretStore
	Auth      *auth.Manager
	Discovery discovery.PrincipalDiscovery
	Creator   discovery.Creator
	Identity  *identity.Mapper
	Logger    *slog.Logger
	Clock     clock.Clock
}

// Service creates, edits and removes accounts and their collections.
type Service struct {
	store     store.Store
	secrets   credential.SecretStore
	auth      *auth.Manager
	discovery discovery.PrincipalDiscovery
	creator   discovery.Creator
	mapper    *identity.Mapper
	logger    *slog.Logger
	clock     clock.Clock
}

// NewService creates an account service. When Auth is nil a manager over
// Discovery is used.
func NewService(deps Deps) *Service {
	logger := logging.OrDiscard(deps.Logger)
	mgr := deps.Auth
	if mgr == nil {
		mgr = auth.NewManager(deps.Discovery, logger)
	}
	return &Service{
		store:     deps.Store,
		secrets:   deps.Secrets,
		auth:      mgr,
		discovery: deps.Discovery,
		creator:   deps.Creator,
		mapper:    deps.Identity,
		logger:    logger,
		clock:     clock.OrReal(deps.Clock),
	}
}

// Create adds an account. The duplicate check runs before anything
// touches the network, the database, the identity framework or the
// credential store.
func (s *Service) Create(ctx context.Context, req Request) (*CreateResult, error) {
	serverURL, err := model.NormalizeServerURL(req.ServerURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.ServiceUnavailable, "account.create", err)
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return nil, apperr.New(apperr.AuthenticationRejected, "account.create", "username and password are required")
	}

	existing, err := s.store.FindAccountByServerAndUser(ctx, serverURL, username)
	if err != nil {
		return nil, fmt.Errorf("checking for duplicate account: %w", err)
	}
	if existing != nil {
		key := existing.DedupKey()
		s.logger.InfoContext(logging.WithAccount(ctx, existing.ID), "duplicate account rejected", "key", key)
		return nil, apperr.New(apperr.DuplicateAccount, "account.create",
			fmt.Sprintf("account %s already exists", key))
	}

	res, warnings, err := s.discover(ctx, serverURL, username, req.Password)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	acct := model.Account{
		ID:                  uuid.New().String(),
		ServerURL:           serverURL,
		Username:            username,
		DisplayName:         strings.TrimSpace(req.DisplayName),
		AuthKind:            req.AuthKind,
		CalendarEnabled:     res.CalDAV.Available(),
		ContactsEnabled:     res.CardDAV.Available(),
		CreatedAt:           now,
		LastAuthenticatedAt: &now,
	}
	if acct.AuthKind == "" {
		acct.AuthKind = model.AuthKindBasic
	}
	if p := ownPrincipal(res); p != "" {
		acct.Principal = &p
	}
	if acct.DisplayName == "" {
		acct.DisplayName = identity.MainName(acct)
	}
	if email := strings.TrimSpace(req.Email); email != "" {
		acct.Email = &email
	}
	if alias := strings.TrimSpace(req.ClientCertAlias); alias != "" {
		acct.ClientCertAlias = &alias
	}

	cols := make([]model.Collection, 0, len(res.Entries()))
	for _, e := range res.Entries() {
		col := discovery.ToCollection(acct.ID, e)
		if col.SupportsVTODO {
			acct.TasksEnabled = true
		}
		cols = append(cols, col)
	}

	if err := s.store.CreateAccount(ctx, acct, cols); err != nil {
		return nil, err
	}
	if err := s.secrets.Store(acct.ID, req.Password); err != nil {
		if derr := s.store.DeleteAccount(context.WithoutCancel(ctx), acct.ID); derr != nil {
			s.logger.Error("rolling back account after credential failure", "account_id", acct.ID, "error", derr)
		}
		return nil, fmt.Errorf("storing credentials: %w", err)
	}

	if s.mapper != nil {
		warnings = append(warnings, s.mapper.Ensure(ctx, acct, cols, req.Password)...)
	}

	s.logger.InfoContext(logging.WithAccount(ctx, acct.ID), "account created",
		"server", acct.Hostname(),
		"collections", len(cols),
		"caldav", acct.CalendarEnabled,
		"carddav", acct.ContactsEnabled,
		"warnings", len(warnings),
	)
	return &CreateResult{Account: acct, Collections: cols, Warnings: warnings}, nil
}

// CreateFromLogin adds the account produced by a completed login flow.
func (s *Service) CreateFromLogin(ctx context.Context, creds auth.LoginCredentials) (*CreateResult, error) {
	return s.Create(ctx, Request{
		ServerURL: creds.ServerURL,
		Username:  creds.LoginName,
		Password:  creds.AppPassword,
		AuthKind:  model.AuthKindAppPassword,
	})
}

// discover authenticates, then enumerates collections under the
// principals authentication resolved. The demo login short-circuits with
// the fixed seed.
func (s *Service) discover(ctx context.Context, serverURL, username, password string) (*discovery.Result, []error, error) {
	if discovery.IsDemo(serverURL, username, password) {
		return discovery.DemoResult(), nil, nil
	}

	out, err := s.auth.Authenticate(ctx, serverURL, username, password)
	if err != nil {
		return nil, nil, err
	}

	creds := discovery.Credentials{Username: username, Password: password}
	res, err := s.discovery.DiscoverFrom(ctx, out.Known(), creds)
	if res == nil {
		if err == nil {
			err = apperr.New(apperr.Internal, "account.discover", "discovery returned no result")
		}
		return nil, nil, err
	}
	if err := res.Err(); err != nil {
		return nil, nil, err
	}

	var warnings []error
	for _, sr := range []discovery.ServiceResult{res.CalDAV, res.CardDAV} {
		switch {
		case sr.Err == nil:
		case sr.Available():
			warnings = append(warnings, apperr.Wrap(apperr.DiscoveryPartialFailure, "account.discover", sr.Err))
		default:
			warnings = append(warnings, apperr.Wrap(apperr.ServiceUnavailable, "account.discover", sr.Err))
		}
	}
	return res, warnings, nil
}

// ownPrincipal prefers the CalDAV principal; CardDAV-only accounts use
// the CardDAV one.
func ownPrincipal(res *discovery.Result) string {
	if res.CalDAV.Available() {
		return res.CalDAV.Principal
	}
	return res.CardDAV.Principal
}

// Delete removes an account: identities first, then the account and its
// collections, then the stored secret.
func (s *Service) Delete(ctx context.Context, accountID string) error {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	ctx = logging.WithAccount(ctx, acct.ID)

	if s.mapper != nil {
		if err := s.mapper.RemoveAccount(ctx, *acct); err != nil {
			s.logger.WarnContext(ctx, "identity teardown incomplete", "error", err)
		}
	}
	if err := s.store.DeleteAccount(ctx, acct.ID); err != nil {
		return err
	}
	if err := s.secrets.Delete(acct.ID); err != nil && !apperr.IsKind(err, apperr.NotFound) {
		s.logger.WarnContext(ctx, "deleting stored credentials", "error", err)
	}

	s.logger.InfoContext(ctx, "account deleted")
	return nil
}

// DeleteCollection removes one collection after tearing down its
// identity. A teardown failure is logged and does not block deletion.
func (s *Service) DeleteCollection(ctx context.Context, collectionID string) error {
	col, err := s.store.GetCollection(ctx, collectionID)
	if err != nil {
		return err
	}
	ctx = logging.WithCollection(logging.WithAccount(ctx, col.AccountID), col.ID)

	if s.mapper != nil {
		acct, err := s.store.GetAccount(ctx, col.AccountID)
		switch {
		case err != nil:
			s.logger.WarnContext(ctx, "loading account for identity teardown", "error", err)
		default:
			if err := s.mapper.RemoveCollection(ctx, *acct, *col); err != nil {
				s.logger.WarnContext(ctx, "identity teardown failed", "error", err)
			}
		}
	}

	if err := s.store.DeleteCollection(ctx, col.ID); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "collection deleted", "kind", col.Kind)
	return nil
}

// CreateCollection creates a calendar or address book on the server and
// records it. Subscriptions cannot be created.
func (s *Service) CreateCollection(
	ctx context.Context,
	accountID string,
	kind model.CollectionKind,
	displayName string,
) (*model.Collection, error) {
	if kind != model.KindCalendar && kind != model.KindAddressBook {
		return nil, apperr.New(apperr.WriteRejected, "account.create_collection",
			fmt.Sprintf("collections of kind %s cannot be created", kind))
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, apperr.New(apperr.WriteRejected, "account.create_collection", "display name is required")
	}

	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithAccount(ctx, acct.ID)

	var entry discovery.Entry
	if discovery.IsDemo(acct.ServerURL, acct.Username, discovery.DemoPassword) {
		entry = demoEntry(kind, displayName)
	} else {
		secret, err := s.secrets.Lookup(acct.ID)
		if err != nil {
			return nil, fmt.Errorf("looking up credentials: %w", err)
		}
		if s.creator == nil {
			return nil, apperr.New(apperr.ServiceUnavailable, "account.create_collection", "collection creation is not supported")
		}
		creds := discovery.Credentials{Username: acct.Username, Password: secret}
		entry, err = s.creator.CreateCollection(ctx, acct.ServerURL, creds, kind, displayName)
		if err != nil {
			return nil, err
		}
	}

	col := discovery.ToCollection(acct.ID, entry)
	if err := s.store.CreateCollection(ctx, col); err != nil {
		return nil, err
	}
	if s.mapper != nil {
		if err := s.mapper.EnsureCollection(ctx, *acct, col); err != nil {
			s.logger.WarnContext(ctx, "identity mapping failed", "collection_id", col.ID, "error", err)
		}
	}

	s.logger.InfoContext(ctx, "collection created", "collection_id", col.ID, "kind", col.Kind)
	return &col, nil
}

// UpdatePolicy applies a user edit to a collection's policy fields.
// Renaming a collection that carries an identity replaces the identity;
// a mapping failure is logged and does not fail the edit.
func (s *Service) UpdatePolicy(ctx context.Context, collectionID string, patch model.PolicyPatch) error {
	if patch.SyncIntervalSec != nil && *patch.SyncIntervalSec < 0 {
		return apperr.New(apperr.Internal, "account.update_policy", "sync interval must not be negative")
	}
	if err := s.store.UpdateCollectionPolicy(ctx, collectionID, patch); err != nil {
		return err
	}
	if patch.DisplayName == nil || s.mapper == nil {
		return nil
	}

	col, err := s.store.GetCollection(ctx, collectionID)
	if err != nil {
		return err
	}
	if !s.mapper.FanOut().NeedsIdentity(col.Kind) || col.Vanished {
		return nil
	}
	ctx = logging.WithCollection(logging.WithAccount(ctx, col.AccountID), col.ID)

	acct, err := s.store.GetAccount(ctx, col.AccountID)
	if err != nil {
		s.logger.WarnContext(ctx, "loading account for identity rename", "error", err)
		return nil
	}
	if err := s.mapper.EnsureCollection(ctx, *acct, *col); err != nil {
		s.logger.WarnContext(ctx, "identity rename failed", "error", err)
	}
	return nil
}

// demoEntry fabricates a writable collection under the demo home-sets.
func demoEntry(kind model.CollectionKind, displayName string) discovery.Entry {
	home := "/calendars/demo/"
	if kind == model.KindAddressBook {
		home = "/addressbooks/demo/"
	}
	info := discovery.EntryInfo{
		URL:         path.Join(home, uuid.New().String()) + "/",
		DisplayName: displayName,
		Color:       discovery.DefaultColor,
		CanWrite:    true,
		CanUnbind:   true,
	}
	if kind == model.KindAddressBook {
		return discovery.AddressBookEntry{EntryInfo: info}
	}
	info.Components = []string{"VEVENT", "VTODO"}
	return discovery.CalendarEntry{EntryInfo: info}
}
