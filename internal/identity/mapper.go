package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nhle/pimsync/internal/apperr"
	"github.com/nhle/pimsync/internal/logging"
	"github.com/nhle/pimsync/internal/model"
)

// Mapper keeps platform identities in step with accounts and their
// collections. Creation failures are soft: they come back as warnings
// and never abort the caller.
type Mapper struct {
	fw     Framework
	fanOut FanOut
	logger *slog.Logger
}

// NewMapper creates a mapper over the given framework.
func NewMapper(fw Framework, fanOut FanOut, logger *slog.Logger) *Mapper {
	return &Mapper{fw: fw, fanOut: fanOut, logger: logging.OrDiscard(logger)}
}

// FanOut returns the mapper's fan-out policy.
func (m *Mapper) FanOut() FanOut {
	return m.fanOut
}

// Ensure creates or updates the main identity and one identity per
// collection that needs one. Re-running it updates rather than
// duplicates. Every failure is returned as an IdentityMappingFailed
// warning.
func (m *Mapper) Ensure(
	ctx context.Context,
	acct model.Account,
	cols []model.Collection,
	secret string,
) []error {
	main := MainName(acct)

	if err := m.ensureMain(ctx, acct, main, secret); err != nil {
		m.logger.Warn("main identity not created", "account_id", acct.ID, "error", err)
		return []error{err}
	}

	var warnings []error
	for _, col := range cols {
		if !m.fanOut.NeedsIdentity(col.Kind) || col.Vanished {
			continue
		}
		if err := m.ensureCollection(ctx, acct, main, col); err != nil {
			m.logger.Warn("collection identity not created",
				"account_id", acct.ID, "collection_id", col.ID, "error", err)
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// EnsureCollection maps a single collection added after account creation.
// It is a no-op for kinds the policy does not fan out.
func (m *Mapper) EnsureCollection(ctx context.Context, acct model.Account, col model.Collection) error {
	if !m.fanOut.NeedsIdentity(col.Kind) {
		return nil
	}
	return m.ensureCollection(ctx, acct, MainName(acct), col)
}

func (m *Mapper) ensureMain(ctx context.Context, acct model.Account, main, secret string) (err error) {
	defer mappingFailed("identity.ensure_main", &err)
	defer apperr.Recover("identity.ensure_main", &err)

	if _, err := m.fw.CreateOrUpdate(ctx, acct.ID, main, secret); err != nil {
		return apperr.Wrap(apperr.IdentityMappingFailed, "identity.ensure_main", err)
	}
	return nil
}

func (m *Mapper) ensureCollection(
	ctx context.Context,
	acct model.Account,
	main string,
	col model.Collection,
) (err error) {
	defer mappingFailed("identity.ensure_collection", &err)
	defer apperr.Recover("identity.ensure_collection", &err)

	ident, err := m.fw.CreateAddressBookIdentity(ctx, acct.ID, main, col.DisplayName, col.ID, col.URL)
	if err != nil {
		return apperr.Wrap(apperr.IdentityMappingFailed, "identity.ensure_collection", err)
	}
	if ident == nil {
		return apperr.New(apperr.IdentityMappingFailed, "identity.ensure_collection",
			fmt.Sprintf("framework rejected identity for %q", col.DisplayName))
	}
	return nil
}

// mappingFailed reports any failure, a recovered panic included, as
// IdentityMappingFailed.
func mappingFailed(op string, errp *error) {
	if *errp != nil && !apperr.IsKind(*errp, apperr.IdentityMappingFailed) {
		*errp = apperr.Wrap(apperr.IdentityMappingFailed, op, *errp)
	}
}

// RemoveCollection removes the identities bound to one collection.
func (m *Mapper) RemoveCollection(ctx context.Context, acct model.Account, col model.Collection) (err error) {
	defer apperr.Recover("identity.remove_collection", &err)

	idents, err := m.fw.List(ctx, acct.ID)
	if err != nil {
		return apperr.Wrap(apperr.IdentityMappingFailed, "identity.remove_collection", err)
	}

	var errs []error
	for _, ident := range idents {
		if ident.CollectionID != col.ID {
			continue
		}
		if err := m.fw.Remove(ctx, ident.Name); err != nil {
			errs = append(errs, fmt.Errorf("removing identity %q: %w", ident.Name, err))
		}
	}
	return apperr.Wrap(apperr.IdentityMappingFailed, "identity.remove_collection", errors.Join(errs...))
}

// RemoveAccount removes every identity of an account, collection ones
// first.
func (m *Mapper) RemoveAccount(ctx context.Context, acct model.Account) (err error) {
	defer apperr.Recover("identity.remove_account", &err)

	idents, err := m.fw.List(ctx, acct.ID)
	if err != nil {
		return apperr.Wrap(apperr.IdentityMappingFailed, "identity.remove_account", err)
	}

	var mains []Identity
	var errs []error
	for _, ident := range idents {
		if ident.Kind == KindMain {
			mains = append(mains, ident)
			continue
		}
		if err := m.fw.Remove(ctx, ident.Name); err != nil {
			errs = append(errs, fmt.Errorf("removing identity %q: %w", ident.Name, err))
		}
	}
	for _, ident := range mains {
		if err := m.fw.Remove(ctx, ident.Name); err != nil {
			errs = append(errs, fmt.Errorf("removing identity %q: %w", ident.Name, err))
		}
	}

	m.logger.Debug("account identities removed", "account_id", acct.ID, "count", len(idents))
	return apperr.Wrap(apperr.IdentityMappingFailed, "identity.remove_account", errors.Join(errs...))
}
