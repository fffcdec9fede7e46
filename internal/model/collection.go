package model

import (
	"time"

	"github.com/nhle/pimsync/internal/apperr"
)

// CollectionKind discriminates the three kinds of syncable collections.
type CollectionKind string

const (
	KindCalendar    CollectionKind = "calendar"
	KindAddressBook CollectionKind = "address_book"
	KindWebCal      CollectionKind = "webcal"
)

// CollectionKinds lists every collection kind in display order.
var CollectionKinds = []CollectionKind{KindCalendar, KindAddressBook, KindWebCal}

// Sync outcome labels recorded on a collection after each sync cycle.
const (
	OutcomeSuccess   = "success"
	OutcomeUnchanged = "unchanged"
	OutcomeDeferred  = "deferred"
	OutcomeFailed    = "failed"
)

// Collection generalizes calendars, address books and webcal subscriptions.
//
// Fields fall in three groups with disjoint writers: discovery-owned
// (URL, description, owner, server permissions, components, source),
// user-owned policy (Enabled, Visible, ForceReadOnly, WifiOnly,
// SyncIntervalSec, DisplayName, Color) and sync-owned (CTag, LastSynced*).
type Collection struct {
	ID        string         `json:"id" db:"id"`
	AccountID string         `json:"account_id" db:"account_id"`
	Kind      CollectionKind `json:"kind" db:"kind"`

	URL         string `json:"url" db:"url"`
	DisplayName string `json:"display_name" db:"display_name"`
	Description string `json:"description" db:"description"`

	// Color is stored in ARGB order.
	Color int32 `json:"color" db:"color"`

	Enabled bool `json:"enabled" db:"enabled"`
	Visible bool `json:"visible" db:"visible"`

	// OwnerPrincipal is nil when the server did not report an owner.
	OwnerPrincipal *string `json:"owner_principal,omitempty" db:"owner_principal"`

	ServerWritable  bool `json:"server_writable" db:"server_writable"`
	ServerDeletable bool `json:"server_deletable" db:"server_deletable"`

	ForceReadOnly bool `json:"force_read_only" db:"force_read_only"`
	WifiOnly      bool `json:"wifi_only" db:"wifi_only"`

	// SyncIntervalSec overrides the account default when non-nil.
	SyncIntervalSec *int `json:"sync_interval_sec,omitempty" db:"sync_interval_sec"`

	// Calendar-only component support.
	SupportsVTODO    bool `json:"supports_vtodo" db:"supports_vtodo"`
	SupportsVJOURNAL bool `json:"supports_vjournal" db:"supports_vjournal"`

	// Source marks a calendar as a pull-only subscribed feed.
	Source *string `json:"source,omitempty" db:"source"`

	// CTag is the last change tag seen for an address book.
	CTag *string `json:"ctag,omitempty" db:"ctag"`

	LastSyncedAt    *time.Time `json:"last_synced_at,omitempty" db:"last_synced_at"`
	LastSyncOutcome string     `json:"last_sync_outcome" db:"last_sync_outcome"`
	LastSyncError   string     `json:"last_sync_error" db:"last_sync_error"`

	// Vanished is set by a collection refresh when the server no longer
	// lists the collection. Local customizations are kept.
	Vanished bool `json:"vanished" db:"vanished"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsSubscription reports whether the collection is a pull-only feed.
func (c Collection) IsSubscription() bool {
	return c.Kind == KindWebCal || c.Source != nil
}

// IsReadOnly reports whether local writes to the collection must be
// rejected. Subscriptions are always read-only.
func (c Collection) IsReadOnly() bool {
	if c.IsSubscription() {
		return true
	}
	return !c.ServerWritable || c.ForceReadOnly
}

// CheckWritable returns a WriteRejected error for read-only collections.
func (c Collection) CheckWritable() error {
	if !c.IsReadOnly() {
		return nil
	}
	return apperr.New(apperr.WriteRejected, "collection.write",
		"collection "+c.ID+" is read-only")
}

// IsSharedBy reports whether the collection is owned by a principal other
// than the account's own.
func (c Collection) IsSharedBy(accountPrincipal string) bool {
	if c.OwnerPrincipal == nil || *c.OwnerPrincipal == "" {
		return false
	}
	return *c.OwnerPrincipal != accountPrincipal
}

// EffectiveInterval resolves the sync interval, falling back to the
// account default.
func (c Collection) EffectiveInterval(accountDefault time.Duration) time.Duration {
	if c.SyncIntervalSec != nil && *c.SyncIntervalSec > 0 {
		return time.Duration(*c.SyncIntervalSec) * time.Second
	}
	return accountDefault
}

// PolicyPatch is a user edit of collection policy fields. Nil fields are
// left untouched. A patch never carries sync-owned fields.
type PolicyPatch struct {
	Enabled       *bool
	Visible       *bool
	ForceReadOnly *bool
	WifiOnly      *bool
	DisplayName   *string
	Color         *int32

	// SyncIntervalSec is set when ClearSyncInterval is false and the
	// pointer is non-nil.
	SyncIntervalSec   *int
	ClearSyncInterval bool
}

// IsEmpty reports whether the patch changes nothing.
func (p PolicyPatch) IsEmpty() bool {
	return p.Enabled == nil && p.Visible == nil && p.ForceReadOnly == nil &&
		p.WifiOnly == nil && p.DisplayName == nil && p.Color == nil &&
		p.SyncIntervalSec == nil && !p.ClearSyncInterval
}

// SyncOutcome carries the fields a sync cycle is allowed to write.
type SyncOutcome struct {
	CTag     *string
	SyncedAt time.Time
	Outcome  string
	Error    string

	// KeepCTag leaves the stored ctag unchanged (e.g. failed or
	// deferred cycles).
	KeepCTag bool
}

// DiscoveredProperties carries the server-owned fields refreshed by
// collection discovery.
type DiscoveredProperties struct {
	Description      string
	OwnerPrincipal   *string
	ServerWritable   bool
	ServerDeletable  bool
	SupportsVTODO    bool
	SupportsVJOURNAL bool
	Source           *string
}
