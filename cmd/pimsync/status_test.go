package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nhle/pimsync/internal/credential"
	"github.com/nhle/pimsync/internal/model"
	"github.com/nhle/pimsync/internal/store"
	pimsync "github.com/nhle/pimsync/internal/sync"
	"github.com/nhle/pimsync/tests/testutil"
)

// blockingStore holds ListAccounts until released, keeping a scheduler
// tick in progress.
type blockingStore struct {
	store.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return s.Store.ListAccounts(ctx)
}

func TestStopSchedulerWaitsForRunningTick(t *testing.T) {
	st := &blockingStore{
		Store:   testutil.NewTestStore(t),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	orch := pimsync.New(pimsync.Deps{
		Store:   st,
		Secrets: credential.NewMemoryStore(),
		Content: testutil.NewFakeContentSyncer(),
		Adapter: &testutil.FakeAdapter{},
	}, model.SyncConfig{MaxConcurrency: 1, Network: model.NetworkWifi})

	stop := startScheduler(orch, time.Hour)
	<-st.entered

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a tick was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(st.release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return after the tick finished")
	}
	require.NoError(t, orch.Close())
}
