package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/pimsync/internal/apperr"
	"github.com/nhle/pimsync/internal/model"
	"github.com/nhle/pimsync/internal/store"
	"github.com/nhle/pimsync/tests/testutil"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }
func intPtr(i int) *int       { return &i }

func newAccount(id string) model.Account {
	return model.Account{
		ID:              id,
		ServerURL:       "https://dav.example.com",
		Username:        "alice",
		DisplayName:     "Alice",
		AuthKind:        model.AuthKindBasic,
		CalendarEnabled: true,
		ContactsEnabled: true,
	}
}

func newCollection(id string, kind model.CollectionKind, url string) model.Collection {
	return model.Collection{
		ID:             id,
		Kind:           kind,
		URL:            url,
		DisplayName:    id,
		Color:          -14575885,
		Enabled:        true,
		Visible:        true,
		ServerWritable: true,
	}
}

func TestCreateAccountWithCollections(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	cols := []model.Collection{
		newCollection("c1", model.KindCalendar, "/cal/1/"),
		newCollection("b1", model.KindAddressBook, "/card/1/"),
	}
	require.NoError(t, s.CreateAccount(ctx, newAccount("a1"), cols))

	got, err := s.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.False(t, got.CreatedAt.IsZero())

	list, err := s.ListCollections(ctx, store.CollectionFilter{AccountID: strPtr("a1")})
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, c := range list {
		assert.Equal(t, "a1", c.AccountID)
	}
}

func TestCreateAccountDuplicateLeavesNoRows(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	require.NoError(t, s.CreateAccount(ctx, newAccount("a1"), nil))

	dup := newAccount("a2")
	err := s.CreateAccount(ctx, dup, []model.Collection{
		newCollection("c2", model.KindCalendar, "/cal/2/"),
	})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.DuplicateAccount))

	_, err = s.GetAccount(ctx, "a2")
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
	_, err = s.GetCollection(ctx, "c2")
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
}

func TestCreateAccountRollsBackOnCollectionError(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	cols := []model.Collection{
		newCollection("c1", model.KindCalendar, "/cal/1/"),
		newCollection("c2", model.KindCalendar, "/cal/1/"),
	}
	require.Error(t, s.CreateAccount(ctx, newAccount("a1"), cols))

	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestFindAccountByServerAndUser(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	require.NoError(t, s.CreateAccount(ctx, newAccount("a1"), nil))

	got, err := s.FindAccountByServerAndUser(ctx, "https://dav.example.com", "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a1", got.ID)

	got, err = s.FindAccountByServerAndUser(ctx, "https://dav.example.com", "bob")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteAccountCascadesCollections(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	require.NoError(t, s.CreateAccount(ctx, newAccount("a1"),
		[]model.Collection{newCollection("c1", model.KindCalendar, "/cal/1/")}))

	require.NoError(t, s.DeleteAccount(ctx, "a1"))

	_, err := s.GetCollection(ctx, "c1")
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
	assert.True(t, apperr.IsKind(s.DeleteAccount(ctx, "a1"), apperr.NotFound))
}

func TestPolicyAndSyncOutcomeTouchDisjointFields(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	require.NoError(t, s.CreateAccount(ctx, newAccount("a1"),
		[]model.Collection{newCollection("b1", model.KindAddressBook, "/card/1/")}))

	require.NoError(t, s.UpdateCollectionPolicy(ctx, "b1", model.PolicyPatch{
		Enabled:         boolPtr(false),
		DisplayName:     strPtr("Renamed"),
		SyncIntervalSec: intPtr(900),
	}))

	syncedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.RecordSyncOutcome(ctx, "b1", model.SyncOutcome{
		CTag:     strPtr("ctag-7"),
		SyncedAt: syncedAt,
		Outcome:  model.OutcomeSuccess,
	}))

	got, err := s.GetCollection(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "Renamed", got.DisplayName)
	require.NotNil(t, got.SyncIntervalSec)
	assert.Equal(t, 900, *got.SyncIntervalSec)
	require.NotNil(t, got.CTag)
	assert.Equal(t, "ctag-7", *got.CTag)
	require.NotNil(t, got.LastSyncedAt)
	assert.True(t, syncedAt.Equal(*got.LastSyncedAt))
	assert.Equal(t, model.OutcomeSuccess, got.LastSyncOutcome)

	require.NoError(t, s.UpdateCollectionPolicy(ctx, "b1", model.PolicyPatch{ClearSyncInterval: true}))
	require.NoError(t, s.RecordSyncOutcome(ctx, "b1", model.SyncOutcome{
		Outcome:  model.OutcomeFailed,
		Error:    "boom",
		KeepCTag: true,
	}))

	got, err = s.GetCollection(ctx, "b1")
	require.NoError(t, err)
	assert.Nil(t, got.SyncIntervalSec)
	assert.Equal(t, "ctag-7", *got.CTag)
	assert.Equal(t, "boom", got.LastSyncError)
	assert.Equal(t, "Renamed", got.DisplayName)
}

func TestVanishedCollectionsAreHiddenUntilRediscovered(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	require.NoError(t, s.CreateAccount(ctx, newAccount("a1"),
		[]model.Collection{newCollection("c1", model.KindCalendar, "/cal/1/")}))

	require.NoError(t, s.MarkCollectionVanished(ctx, "c1", true))
	list, err := s.ListCollections(ctx, store.CollectionFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = s.ListCollections(ctx, store.CollectionFilter{IncludeVanished: true})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.UpdateDiscoveredProperties(ctx, "c1", model.DiscoveredProperties{
		Description:    "work",
		ServerWritable: false,
		SupportsVTODO:  true,
	}))
	got, err := s.GetCollection(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, got.Vanished)
	assert.Equal(t, "work", got.Description)
	assert.True(t, got.IsReadOnly())
	assert.True(t, got.Enabled, "discovery must not touch policy")
}

func TestListCollectionsByKind(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	require.NoError(t, s.CreateAccount(ctx, newAccount("a1"), []model.Collection{
		newCollection("c1", model.KindCalendar, "/cal/1/"),
		newCollection("b1", model.KindAddressBook, "/card/1/"),
		newCollection("w1", model.KindWebCal, "https://feeds.example.com/h.ics"),
	}))

	kind := model.KindAddressBook
	list, err := s.ListCollections(ctx, store.CollectionFilter{Kind: &kind})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b1", list[0].ID)
}

func TestIdentityUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	ident := store.Identity{
		Name:         "Contacts (Alice)",
		Kind:         "address_book",
		AccountID:    "a1",
		CollectionID: strPtr("b1"),
		MainName:     "Alice",
		URL:          "/card/1/",
	}
	require.NoError(t, s.UpsertIdentity(ctx, ident))
	ident.URL = "/card/1-moved/"
	require.NoError(t, s.UpsertIdentity(ctx, ident))

	list, err := s.ListIdentities(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "/card/1-moved/", list[0].URL)

	require.NoError(t, s.DeleteIdentity(ctx, ident.Name))
	_, err = s.GetIdentity(ctx, ident.Name)
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
}
