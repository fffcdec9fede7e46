package sync

import (
	"context"
	"time"

	"github.com/nhle/pimsync/internal/model"
	"github.com/nhle/pimsync/internal/store"
)

// defaultSchedulerTick is used when the configured tick is not positive.
const defaultSchedulerTick = 60 * time.Second

// Scheduler periodically dispatches collections whose sync interval has
// elapsed. Due address books are handed to the adapter per account;
// other kinds go through the task path.
type Scheduler struct {
	orch *Orchestrator
	tick time.Duration
}

// NewScheduler creates a scheduler checking eligibility every tick.
func NewScheduler(o *Orchestrator, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = defaultSchedulerTick
	}
	return &Scheduler{orch: o, tick: tick}
}

// Run checks eligibility immediately and then on every tick until ctx is
// done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.orch.clock.After(s.tick):
			s.Tick(ctx)
		}
	}
}

// Tick dispatches every due collection once and returns how many
// requests were admitted.
func (s *Scheduler) Tick(ctx context.Context) int {
	o := s.orch

	accts, err := o.store.ListAccounts(ctx)
	if err != nil {
		o.logger.Error("scheduler listing accounts", "error", err)
		return 0
	}

	now := o.clock.Now()
	dispatched := 0
	for _, acct := range accts {
		cols, err := o.store.ListCollections(ctx, store.CollectionFilter{AccountID: &acct.ID})
		if err != nil {
			o.logger.Error("scheduler listing collections", "account_id", acct.ID, "error", err)
			continue
		}

		accountDefault := o.cfg.DefaultInterval()
		if acct.SyncIntervalSec > 0 {
			accountDefault = time.Duration(acct.SyncIntervalSec) * time.Second
		}

		adapterKinds := make(map[model.CollectionKind]bool)
		for _, col := range cols {
			if !col.Enabled || !isDue(col, accountDefault, now) {
				continue
			}
			if Route(col.Kind, ScopeAccount) == PathAdapter {
				adapterKinds[col.Kind] = true
				continue
			}
			if o.SyncCollection(col.ID, model.TriggerPeriodic) {
				dispatched++
			}
		}
		for k := range adapterKinds {
			o.adapter.RequestSyncThroughAdapter(acct.ID, k)
			dispatched++
		}
	}

	if dispatched > 0 {
		o.logger.Debug("periodic sync dispatched", "requests", dispatched)
	}
	return dispatched
}

// isDue reports whether the collection's effective interval has elapsed
// since its last sync. Collections never synced are always due.
func isDue(col model.Collection, accountDefault time.Duration, now time.Time) bool {
	if col.LastSyncedAt == nil {
		return true
	}
	interval := col.EffectiveInterval(accountDefault)
	if interval <= 0 {
		return false
	}
	return !now.Before(col.LastSyncedAt.Add(interval))
}
