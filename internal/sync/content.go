package sync

import (
	"context"
	"maps"
	"slices"
	gosync "sync"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-vcard"

	"github.com/nhle/pimsync/internal/apperr"
	"github.com/nhle/pimsync/internal/discovery"
	"github.com/nhle/pimsync/internal/model"
)

// Result summarizes one content sync of a collection.
type Result struct {
	// CTag is the change tag to store, nil when the server has none.
	CTag *string

	// Unchanged is set when the change tag short-circuited the sync.
	Unchanged bool

	Pulled   int
	Pushed   int
	Rejected int
}

// ContentSyncer reconciles the content of one collection.
type ContentSyncer interface {
	Sync(
		ctx context.Context,
		acct model.Account,
		creds discovery.Credentials,
		col model.Collection,
	) (Result, error)
}

// Object is one remote calendar object or contact as handed to the
// content store.
type Object struct {
	Path    string
	ETag    string
	UID     string
	Summary string
}

// Change is a local modification waiting to be pushed. Exactly one of
// Calendar or Card is set.
type Change struct {
	Path     string
	Calendar *ical.Calendar
	Card     vcard.Card
}

// ContentStore is the platform content store the syncer feeds.
type ContentStore interface {
	// Apply replaces the known remote content of a collection.
	Apply(ctx context.Context, collectionID string, objects []Object) error

	// PendingChanges lists local modifications not yet pushed.
	PendingChanges(ctx context.Context, collectionID string) ([]Change, error)

	// MarkPushed clears pushed changes.
	MarkPushed(ctx context.Context, collectionID string, paths []string) error

	// Reject drops changes that must never be sent, with the reason.
	Reject(ctx context.Context, collectionID string, paths []string, reason error) error
}

// MemoryContentStore is an in-process ContentStore. Stage rejects writes
// to read-only collections before they are queued.
type MemoryContentStore struct {
	mu       gosync.Mutex
	objects  map[string]map[string]Object
	pending  map[string]map[string]Change
	rejected map[string][]string
}

var _ ContentStore = (*MemoryContentStore)(nil)

// NewMemoryContentStore creates an empty content store.
func NewMemoryContentStore() *MemoryContentStore {
	return &MemoryContentStore{
		objects:  make(map[string]map[string]Object),
		pending:  make(map[string]map[string]Change),
		rejected: make(map[string][]string),
	}
}

// Stage queues a local change for the next sync. It fails with
// WriteRejected for read-only collections.
func (m *MemoryContentStore) Stage(col model.Collection, change Change) error {
	if err := col.CheckWritable(); err != nil {
		return err
	}
	if change.Calendar == nil && change.Card == nil {
		return apperr.New(apperr.Internal, "content.stage", "change carries no content")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[col.ID] == nil {
		m.pending[col.ID] = make(map[string]Change)
	}
	m.pending[col.ID][change.Path] = change
	return nil
}

func (m *MemoryContentStore) Apply(_ context.Context, collectionID string, objects []Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byPath := make(map[string]Object, len(objects))
	for _, o := range objects {
		byPath[o.Path] = o
	}
	m.objects[collectionID] = byPath
	return nil
}

func (m *MemoryContentStore) PendingChanges(_ context.Context, collectionID string) ([]Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := m.pending[collectionID]
	out := make([]Change, 0, len(pending))
	for _, p := range slices.Sorted(maps.Keys(pending)) {
		out = append(out, pending[p])
	}
	return out, nil
}

func (m *MemoryContentStore) MarkPushed(_ context.Context, collectionID string, paths []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range paths {
		delete(m.pending[collectionID], p)
	}
	return nil
}

func (m *MemoryContentStore) Reject(_ context.Context, collectionID string, paths []string, _ error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range paths {
		delete(m.pending[collectionID], p)
	}
	m.rejected[collectionID] = append(m.rejected[collectionID], paths...)
	return nil
}

// Objects returns the known remote objects of a collection, by path.
func (m *MemoryContentStore) Objects(collectionID string) []Object {
	m.mu.Lock()
	defer m.mu.Unlock()

	objs := m.objects[collectionID]
	out := make([]Object, 0, len(objs))
	for _, p := range slices.Sorted(maps.Keys(objs)) {
		out = append(out, objs[p])
	}
	return out
}

// Rejected returns the paths dropped by Reject for a collection.
func (m *MemoryContentStore) Rejected(collectionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.rejected[collectionID]...)
}
