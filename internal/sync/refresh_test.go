package sync_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/pimsync/internal/apperr"
	"github.com/nhle/pimsync/internal/discovery"
	"github.com/nhle/pimsync/internal/model"
	"github.com/nhle/pimsync/internal/store"
	pimsync "github.com/nhle/pimsync/internal/sync"
)

func discovered(cals []discovery.Entry, books []discovery.Entry) *discovery.Result {
	return &discovery.Result{
		CalDAV:  discovery.ServiceResult{Service: discovery.ServiceCalDAV, Principal: "/p/alice/", Entries: cals},
		CardDAV: discovery.ServiceResult{Service: discovery.ServiceCardDAV, Principal: "/p/alice/", Entries: books},
	}
}

func calEntry(url, name string) discovery.Entry {
	return discovery.CalendarEntry{EntryInfo: discovery.EntryInfo{
		URL: url, DisplayName: name, Description: "server " + name, CanWrite: true, CanUnbind: true,
	}}
}

func bookEntry(url, name string) discovery.Entry {
	return discovery.AddressBookEntry{EntryInfo: discovery.EntryInfo{
		URL: url, DisplayName: name, CanWrite: true, CanUnbind: true,
	}}
}

func TestRefreshReconcilesCollections(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()

	kept := calendar("kept")
	kept.URL = "/cal/kept/"
	kept.Color = 0x11223344
	kept.Enabled = false
	gone := calendar("gone")
	gone.URL = "/cal/gone/"
	book := addressBook("book")
	book.URL = "/card/contacts/"
	acct := h.seed(t, kept, gone, book)

	h.disc.Result = discovered(
		[]discovery.Entry{calEntry("/cal/kept", "Kept"), calEntry("/cal/new/", "New")},
		[]discovery.Entry{bookEntry("/card/contacts/", "Contacts"), bookEntry("/card/family/", "Family")},
	)
	_, err := h.fw.CreateOrUpdate(ctx, acct.ID, "Alice", "secret")
	require.NoError(t, err)

	report, err := h.orch.Refresh(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Added)
	assert.Equal(t, 2, report.Updated)
	assert.Equal(t, 1, report.Vanished)
	assert.Empty(t, report.Warnings)

	k := h.collection(t, "kept")
	assert.Equal(t, int32(0x11223344), k.Color, "user color survives")
	assert.False(t, k.Enabled, "user enablement survives")
	assert.Equal(t, "server Kept", k.Description)

	assert.True(t, h.collection(t, "gone").Vanished)

	visible, err := h.store.ListCollections(ctx, store.CollectionFilter{AccountID: &acct.ID})
	require.NoError(t, err)
	assert.Len(t, visible, 4)

	assert.Contains(t, h.fw.Names(), "Family (Alice)")

	// The vanished collection comes back when the server lists it again.
	h.disc.Result.CalDAV.Entries = append(h.disc.Result.CalDAV.Entries, calEntry("/cal/gone/", "Gone"))
	report, err = h.orch.Refresh(ctx, acct.ID)
	require.NoError(t, err)
	assert.Zero(t, report.Added)
	assert.False(t, h.collection(t, "gone").Vanished)
}

func TestRefreshLeavesFailedServiceAlone(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()

	book := addressBook("book")
	book.URL = "/card/contacts/"
	acct := h.seed(t, book)

	res := discovered(nil, nil)
	res.CardDAV = discovery.ServiceResult{
		Service: discovery.ServiceCardDAV,
		Err:     apperr.New(apperr.ServiceUnavailable, "test", "carddav down"),
	}
	h.disc.Result = res

	report, err := h.orch.Refresh(ctx, acct.ID)
	require.NoError(t, err)
	assert.Zero(t, report.Vanished)
	require.Len(t, report.Warnings, 1)
	assert.False(t, h.collection(t, "book").Vanished)
}

func TestRefreshFailsWhenServerUnreachable(t *testing.T) {
	h := newHarness(t, 4)
	acct := h.seed(t, calendar("cal-1"))

	down := apperr.New(apperr.NetworkUnreachable, "test", "refused")
	h.disc.Result = &discovery.Result{
		CalDAV:  discovery.ServiceResult{Err: down},
		CardDAV: discovery.ServiceResult{Err: down},
	}

	_, err := h.orch.Refresh(context.Background(), acct.ID)
	assert.True(t, apperr.IsKind(err, apperr.NetworkUnreachable))
	assert.False(t, h.collection(t, "cal-1").Vanished)
}

func TestRefreshCollectionsCoalescesPerAccount(t *testing.T) {
	h := newHarness(t, 4)
	acct := h.seed(t)
	h.disc.Result = discovered(nil, nil)

	first := h.orch.RefreshCollections(acct.ID)
	second := h.orch.RefreshCollections(acct.ID)
	h.orch.Wait()

	assert.True(t, first)
	discovers, _ := h.disc.Calls()
	if second {
		assert.LessOrEqual(t, discovers, 2)
	} else {
		assert.Equal(t, 1, discovers)
	}
	assert.False(t, h.orch.State().Current().IsRefreshing(acct.ID))
}

func TestSchedulerDispatchesDueCollections(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()

	never := calendar("never")
	recent := calendar("recent")
	stale := calendar("stale")
	short := calendar("short")
	interval := 60
	short.SyncIntervalSec = &interval
	disabled := calendar("disabled")
	disabled.Enabled = false
	h.seed(t, never, recent, stale, short, disabled, addressBook("book"))

	now := h.clock.Now()
	mark := func(id string, at time.Time) {
		require.NoError(t, h.store.RecordSyncOutcome(ctx, id, model.SyncOutcome{
			SyncedAt: at, Outcome: model.OutcomeSuccess, KeepCTag: true,
		}))
	}
	mark("recent", now.Add(-10*time.Minute))
	mark("stale", now.Add(-2*time.Hour))
	mark("short", now.Add(-2*time.Minute))
	mark("book", now.Add(-5*time.Minute))

	dispatched := pimsync.NewScheduler(h.orch, time.Minute).Tick(ctx)
	h.orch.Wait()

	assert.Equal(t, 3, dispatched)
	assert.Equal(t, 1, h.content.Calls("never"))
	assert.Equal(t, 1, h.content.Calls("stale"))
	assert.Equal(t, 1, h.content.Calls("short"))
	assert.Zero(t, h.content.Calls("recent"))
	assert.Zero(t, h.content.Calls("disabled"))
	assert.Empty(t, h.adapter.Requests(), "book is not due")
}

func TestSchedulerRunStopsWithContext(t *testing.T) {
	h := newHarness(t, 4)
	h.seed(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pimsync.NewScheduler(h.orch, time.Minute).Run(ctx) }()

	h.clock.BlockUntil(t, 1)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

type flakyRunner struct {
	failures int32
	calls    atomic.Int32
}

func (r *flakyRunner) SyncAccountKind(context.Context, string, model.CollectionKind) error {
	n := r.calls.Add(1)
	if n <= r.failures {
		return apperr.New(apperr.NetworkUnreachable, "test", "offline")
	}
	return nil
}

func TestAdapterQueueRetriesNetworkFailures(t *testing.T) {
	runner := &flakyRunner{failures: 2}
	q := pimsync.NewAdapterQueue(runner, pimsync.AdapterQueueConfig{
		BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond,
	}, nil)
	t.Cleanup(func() { _ = q.Close() })

	q.RequestSyncThroughAdapter("acct-1", model.KindAddressBook)
	q.Wait()
	assert.Equal(t, int32(3), runner.calls.Load())
}

type failingRunner struct{ calls atomic.Int32 }

func (r *failingRunner) SyncAccountKind(context.Context, string, model.CollectionKind) error {
	r.calls.Add(1)
	return errors.New("server exploded")
}

func TestAdapterQueueDoesNotRetryOtherFailures(t *testing.T) {
	runner := &failingRunner{}
	q := pimsync.NewAdapterQueue(runner, pimsync.AdapterQueueConfig{BaseDelay: time.Millisecond}, nil)
	t.Cleanup(func() { _ = q.Close() })

	q.RequestSyncThroughAdapter("acct-1", model.KindAddressBook)
	q.Wait()
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestDefaultAdapterRunsThroughTaskPath(t *testing.T) {
	h := newHarness(t, 4)
	orch := pimsync.New(pimsync.Deps{
		Store:   h.store,
		Secrets: h.secrets,
		Content: h.content,
		Clock:   h.clock,
	}, model.SyncConfig{MaxConcurrency: 2, Network: model.NetworkWifi})
	t.Cleanup(func() { _ = orch.Close() })
	h.seed(t, addressBook("book-1"), addressBook("book-2"))

	require.True(t, orch.SyncKind("acct-1", model.SyncContacts, model.TriggerManual))
	orch.Wait()

	assert.Equal(t, 1, h.content.Calls("book-1"))
	assert.Equal(t, 1, h.content.Calls("book-2"))
}
