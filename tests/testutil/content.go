package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nhle/pimsync/internal/discovery"
	"github.com/nhle/pimsync/internal/model"
	pimsync "github.com/nhle/pimsync/internal/sync"
)

// FakeContentSyncer records sync calls. With Gate set, every call blocks
// until a value is received from Gate or the context ends.
type FakeContentSyncer struct {
	mu sync.Mutex

	// Results and Errs are keyed by collection id.
	Results map[string]pimsync.Result
	Errs    map[string]error

	Gate chan struct{}

	calls     map[string]int
	active    int
	maxActive int
	started   chan string
}

var _ pimsync.ContentSyncer = (*FakeContentSyncer)(nil)

// NewFakeContentSyncer creates a fake that succeeds for every collection.
func NewFakeContentSyncer() *FakeContentSyncer {
	return &FakeContentSyncer{
		Results: make(map[string]pimsync.Result),
		Errs:    make(map[string]error),
		calls:   make(map[string]int),
		started: make(chan string, 64),
	}
}

func (f *FakeContentSyncer) Sync(
	ctx context.Context,
	_ model.Account,
	_ discovery.Credentials,
	col model.Collection,
) (pimsync.Result, error) {
	f.mu.Lock()
	f.calls[col.ID]++
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	gate := f.Gate
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	f.started <- col.ID

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return pimsync.Result{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs[col.ID]; err != nil {
		return pimsync.Result{}, err
	}
	return f.Results[col.ID], nil
}

// Calls returns how many times a collection was synced.
func (f *FakeContentSyncer) Calls(collectionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[collectionID]
}

// TotalCalls returns the number of sync calls across collections.
func (f *FakeContentSyncer) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// MaxActive returns the highest number of concurrent calls observed.
func (f *FakeContentSyncer) MaxActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

// AwaitStarted waits until n sync calls have started.
func (f *FakeContentSyncer) AwaitStarted(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for len(ids) < n {
		select {
		case id := <-f.started:
			ids = append(ids, id)
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d sync calls started", len(ids), n)
		}
	}
	return ids
}

// FakeAdapter records adapter requests without running them.
type FakeAdapter struct {
	mu       sync.Mutex
	requests []string
}

var _ pimsync.AdapterTrigger = (*FakeAdapter)(nil)

func (a *FakeAdapter) RequestSyncThroughAdapter(accountID string, kind model.CollectionKind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, accountID+"/"+string(kind))
}

// Requests returns "account/kind" for every request made.
func (a *FakeAdapter) Requests() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.requests...)
}
