// Package batch implements multi-select over collections and the bulk
// delete and sync operations that act on a selection.
package batch

import (
	"maps"
	"slices"
	"sync"

	"github.com/nhle/pimsync/internal/model"
)

// Kinds lists the collection kinds that carry their own selection.
var Kinds = []model.CollectionKind{model.KindCalendar, model.KindAddressBook, model.KindWebCal}

// Snapshot is an immutable view of the selection.
type Snapshot struct {
	Version uint64

	// Active is the kind whose batch mode was entered last, empty when
	// no kind is in batch mode.
	Active model.CollectionKind

	Modes    map[model.CollectionKind]bool
	Selected map[model.CollectionKind][]string
}

// InBatchMode reports whether kind is in batch mode.
func (s Snapshot) InBatchMode(kind model.CollectionKind) bool {
	return s.Modes[kind]
}

// IsSelected reports whether id is selected under kind.
func (s Snapshot) IsSelected(kind model.CollectionKind, id string) bool {
	_, ok := slices.BinarySearch(s.Selected[kind], id)
	return ok
}

// Selection holds a batch-mode flag and a selected id set per kind.
// Every change publishes a new snapshot to subscribers.
type Selection struct {
	mu       sync.Mutex
	version  uint64
	active   model.CollectionKind
	modes    map[model.CollectionKind]bool
	selected map[model.CollectionKind]map[string]bool
	current  Snapshot
	subs     map[chan Snapshot]struct{}
}

// NewSelection returns an empty selection with batch mode off.
func NewSelection() *Selection {
	s := &Selection{
		modes:    make(map[model.CollectionKind]bool),
		selected: make(map[model.CollectionKind]map[string]bool),
		subs:     make(map[chan Snapshot]struct{}),
	}
	for _, k := range Kinds {
		s.selected[k] = make(map[string]bool)
	}
	s.publishLocked()
	return s
}

// LongPress enters batch mode for kind, if needed, and selects id.
func (s *Selection) LongPress(kind model.CollectionKind, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.enterLocked(kind)
	s.selected[kind][id] = true
	s.publishLocked()
}

// Tap toggles id when kind is in batch mode. It returns false outside
// batch mode so the caller can treat the tap as a plain open.
func (s *Selection) Tap(kind model.CollectionKind, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.modes[kind] {
		return false
	}
	if s.selected[kind][id] {
		delete(s.selected[kind], id)
	} else {
		s.selected[kind][id] = true
	}
	s.publishLocked()
	return true
}

// Toggle flips batch mode from the toolbar. Turning it off exits batch
// mode for every kind.
func (s *Selection) Toggle(kind model.CollectionKind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.modes[kind] {
		s.exitLocked()
	} else {
		s.enterLocked(kind)
	}
	s.publishLocked()
}

// Exit leaves batch mode and clears all selections in one step.
func (s *Selection) Exit() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.exitLocked()
	s.publishLocked()
}

// Forget drops ids from every selection, e.g. after they were deleted.
func (s *Selection) Forget(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, set := range s.selected {
		for _, id := range ids {
			delete(set, id)
		}
	}
	s.publishLocked()
}

// Current returns the latest snapshot.
func (s *Selection) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Subscribe returns a channel that receives the current snapshot and
// every later one. Slow readers only see the latest. The returned func
// unsubscribes and closes the channel.
func (s *Selection) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	ch <- s.current
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, ch)
			close(ch)
		})
	}
}

func (s *Selection) enterLocked(kind model.CollectionKind) {
	s.modes[kind] = true
	s.active = kind
}

func (s *Selection) exitLocked() {
	for _, k := range Kinds {
		s.modes[k] = false
		clear(s.selected[k])
	}
	s.active = ""
}

func (s *Selection) publishLocked() {
	s.version++
	snap := Snapshot{
		Version:  s.version,
		Active:   s.active,
		Modes:    maps.Clone(s.modes),
		Selected: make(map[model.CollectionKind][]string, len(s.selected)),
	}
	for k, set := range s.selected {
		snap.Selected[k] = slices.Sorted(maps.Keys(set))
	}
	s.current = snap

	for ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
