package model

// SyncKind is the target kind of an orchestrated sync request.
type SyncKind string

const (
	SyncCalendar SyncKind = "calendar"
	SyncContacts SyncKind = "contacts"
	SyncWebCal   SyncKind = "webcal"
	SyncAll      SyncKind = "all"
)

// Matches reports whether a collection of the given kind falls under k.
func (k SyncKind) Matches(kind CollectionKind) bool {
	switch k {
	case SyncAll:
		return true
	case SyncCalendar:
		return kind == KindCalendar
	case SyncContacts:
		return kind == KindAddressBook
	case SyncWebCal:
		return kind == KindWebCal
	default:
		return false
	}
}

// SyncKindOf maps a collection kind to its sync kind.
func SyncKindOf(kind CollectionKind) SyncKind {
	switch kind {
	case KindAddressBook:
		return SyncContacts
	case KindWebCal:
		return SyncWebCal
	default:
		return SyncCalendar
	}
}

// Trigger identifies what caused a sync request.
type Trigger string

const (
	TriggerManual        Trigger = "manual"
	TriggerPullToRefresh Trigger = "pull_to_refresh"
	TriggerPeriodic      Trigger = "periodic"
	TriggerBatch         Trigger = "batch"
	TriggerAdapter       Trigger = "adapter"
)

// SyncTask is the unit of orchestrated work. It is never persisted and is
// visible to observers only as membership in the in-flight sets.
type SyncTask struct {
	AccountID    string
	CollectionID string // empty for account-wide tasks
	Kind         SyncKind
	Trigger      Trigger
}

// TaskFor describes the task that syncs one collection.
func TaskFor(col Collection, trigger Trigger) SyncTask {
	return SyncTask{
		AccountID:    col.AccountID,
		CollectionID: col.ID,
		Kind:         SyncKindOf(col.Kind),
		Trigger:      trigger,
	}
}
