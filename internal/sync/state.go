package sync

import (
	"maps"
	"slices"
	gosync "sync"
	"sync/atomic"

	"github.com/nhle/pimsync/internal/metrics"
	"github.com/nhle/pimsync/internal/model"
)

// AccountStatus is the published busy state of one account.
type AccountStatus struct {
	AccountID             string
	Syncing               bool
	RefreshingCollections bool
}

// Snapshot is an immutable view of the orchestrator state. Every field is
// consistent with every other field of the same snapshot.
type Snapshot struct {
	Version  uint64
	FullSync bool

	// Accounts holds only accounts with something in progress.
	Accounts map[string]AccountStatus

	// InFlight lists the collection ids currently syncing, per kind, sorted.
	InFlight map[model.CollectionKind][]string
}

// IsBusy combines every busy predicate into one signal.
func (s Snapshot) IsBusy() bool {
	if s.FullSync {
		return true
	}
	for _, a := range s.Accounts {
		if a.Syncing || a.RefreshingCollections {
			return true
		}
	}
	for _, ids := range s.InFlight {
		if len(ids) > 0 {
			return true
		}
	}
	return false
}

// IsSyncing reports whether any sync work runs for the account.
func (s Snapshot) IsSyncing(accountID string) bool {
	return s.Accounts[accountID].Syncing
}

// IsRefreshing reports whether collections of the account are being
// refreshed.
func (s Snapshot) IsRefreshing(accountID string) bool {
	return s.Accounts[accountID].RefreshingCollections
}

// InFlightIDs returns the syncing collection ids of one kind.
func (s Snapshot) InFlightIDs(kind model.CollectionKind) []string {
	return s.InFlight[kind]
}

// Contains reports whether the collection is syncing.
func (s Snapshot) Contains(collectionID string) bool {
	for _, ids := range s.InFlight {
		if slices.Contains(ids, collectionID) {
			return true
		}
	}
	return false
}

// Observable is the read-only handle presentation code gets.
type Observable interface {
	Current() Snapshot

	// Subscribe returns a channel that always holds the latest snapshot;
	// intermediate snapshots may be skipped. The returned func
	// unsubscribes and closes the channel.
	Subscribe() (<-chan Snapshot, func())
}

type inFlightEntry struct {
	accountID string
	kind      model.CollectionKind
}

// State is the orchestrator-owned busy state. All mutations happen under
// one mutex and each produces one published snapshot.
type State struct {
	mu       gosync.Mutex
	version  uint64
	fullSync bool

	accountTasks map[string]int
	refreshing   map[string]bool
	inFlight     map[string]inFlightEntry

	nextSub int
	subs    map[int]chan Snapshot

	current atomic.Pointer[Snapshot]
}

var _ Observable = (*State)(nil)

// NewState creates an idle state.
func NewState() *State {
	s := &State{
		accountTasks: make(map[string]int),
		refreshing:   make(map[string]bool),
		inFlight:     make(map[string]inFlightEntry),
		subs:         make(map[int]chan Snapshot),
	}
	s.mu.Lock()
	s.publishLocked()
	s.mu.Unlock()
	return s
}

// Current returns the latest snapshot.
func (s *State) Current() Snapshot {
	return *s.current.Load()
}

// Subscribe registers a snapshot listener. The current snapshot is
// delivered immediately.
func (s *State) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Snapshot, 1)
	ch <- *s.current.Load()
	s.subs[id] = ch

	var once gosync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

// tryAcquire adds a collection to the in-flight set. It returns false
// when the collection is already syncing.
func (s *State) tryAcquire(accountID, collectionID string, kind model.CollectionKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.inFlight[collectionID]; busy {
		return false
	}
	s.inFlight[collectionID] = inFlightEntry{accountID: accountID, kind: kind}
	s.publishLocked()
	return true
}

func (s *State) release(collectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, collectionID)
	s.publishLocked()
}

func (s *State) tryBeginFullSync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fullSync {
		return false
	}
	s.fullSync = true
	s.publishLocked()
	return true
}

func (s *State) endFullSync() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fullSync = false
	s.publishLocked()
}

func (s *State) beginAccount(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accountTasks[accountID]++
	s.publishLocked()
}

func (s *State) endAccount(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accountTasks[accountID] <= 1 {
		delete(s.accountTasks, accountID)
	} else {
		s.accountTasks[accountID]--
	}
	s.publishLocked()
}

func (s *State) tryBeginRefresh(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refreshing[accountID] {
		return false
	}
	s.refreshing[accountID] = true
	s.publishLocked()
	return true
}

func (s *State) endRefresh(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.refreshing, accountID)
	s.publishLocked()
}

// publishLocked builds a snapshot and hands it to every subscriber,
// replacing any snapshot they have not read yet. Callers hold s.mu.
func (s *State) publishLocked() {
	s.version++
	snap := Snapshot{
		Version:  s.version,
		FullSync: s.fullSync,
		Accounts: make(map[string]AccountStatus),
		InFlight: make(map[model.CollectionKind][]string),
	}

	for id, n := range s.accountTasks {
		if n > 0 {
			snap.Accounts[id] = AccountStatus{AccountID: id, Syncing: true}
		}
	}
	for id := range s.refreshing {
		a := snap.Accounts[id]
		a.AccountID = id
		a.RefreshingCollections = true
		snap.Accounts[id] = a
	}
	for _, id := range slices.Sorted(maps.Keys(s.inFlight)) {
		e := s.inFlight[id]
		snap.InFlight[e.kind] = append(snap.InFlight[e.kind], id)
		a := snap.Accounts[e.accountID]
		a.AccountID = e.accountID
		a.Syncing = true
		snap.Accounts[e.accountID] = a
	}

	s.current.Store(&snap)
	metrics.SetInflight(len(s.inFlight))

	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
