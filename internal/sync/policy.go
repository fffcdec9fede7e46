package sync

import (
	"github.com/nhle/pimsync/internal/apperr"
	"github.com/nhle/pimsync/internal/model"
)

// Decision is the policy verdict for one collection at dispatch time.
type Decision int

const (
	// Run syncs in both directions.
	Run Decision = iota

	// PullOnly syncs but never sends local changes.
	PullOnly

	// Skip drops the collection silently (disabled).
	Skip

	// Defer postpones the collection; recorded as deferred, not failed.
	Defer
)

func (d Decision) String() string {
	switch d {
	case Run:
		return "run"
	case PullOnly:
		return "pull_only"
	case Skip:
		return "skip"
	case Defer:
		return "defer"
	default:
		return "unknown"
	}
}

// Evaluate applies collection policy against the current network. Offline
// only matters to wifi-only collections; the rest are attempted. It
// returns a PolicyDeferred error describing why the collection is
// deferred, or nil for the other decisions.
func Evaluate(col model.Collection, network string) (Decision, error) {
	if !col.Enabled {
		return Skip, nil
	}
	if col.WifiOnly && network != model.NetworkWifi {
		return Defer, apperr.New(apperr.PolicyDeferred, "sync.policy", "collection syncs on wifi only")
	}
	if col.IsReadOnly() {
		return PullOnly, nil
	}
	return Run, nil
}

// Path is the dispatch path of a sync request.
type Path int

const (
	// PathTask runs through the orchestrator's own task path.
	PathTask Path = iota

	// PathAdapter delegates to the platform sync adapter, which applies
	// its own retry and connectivity-aware scheduling.
	PathAdapter
)

// Scope tells Route whether a request names one collection or a whole
// account's share of a kind.
type Scope int

const (
	ScopeCollection Scope = iota
	ScopeAccount
)

// Route decides which path serves a request. Only account-wide contact
// syncs go through the adapter.
func Route(kind model.CollectionKind, scope Scope) Path {
	if scope == ScopeAccount && kind == model.KindAddressBook {
		return PathAdapter
	}
	return PathTask
}
