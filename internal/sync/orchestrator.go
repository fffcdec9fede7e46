// Package sync coordinates collection synchronization across accounts:
// it gates work on per-collection policy, keeps at most one sync per
// collection, bounds concurrency and publishes busy state.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/nhle/pimsync/internal/apperr"
	"github.com/nhle/pimsync/internal/clock"
	"github.com/nhle/pimsync/internal/credential"
	"github.com/nhle/pimsync/internal/discovery"
	"github.com/nhle/pimsync/internal/identity"
	"github.com/nhle/pimsync/internal/logging"
	"github.com/nhle/pimsync/internal/metrics"
	"github.com/nhle/pimsync/internal/model"
	"github.com/nhle/pimsync/internal/store"
)

// Task outcomes beyond the ones persisted on a collection.
const (
	// OutcomeSkipped means policy dropped the collection (disabled).
	OutcomeSkipped = "skipped"

	// OutcomeCoalesced means the collection was already syncing.
	OutcomeCoalesced = "coalesced"
)

// TaskResult is the outcome of one collection task.
type TaskResult struct {
	Task         model.SyncTask
	CollectionID string
	Kind         model.CollectionKind
	Outcome      string
	Result       Result
	Err          error
}

// Deps are the orchestrator's collaborators. Adapter defaults to an
// AdapterQueue bound to the orchestrator.
type Deps struct {
	Store     store.Store
	Secrets   credential.SecretStore
	Discovery discovery.PrincipalDiscovery
	Content   ContentSyncer
	Adapter   AdapterTrigger
	Network   NetworkMonitor
	Identity  *identity.Mapper
	Logger    *slog.Logger
	Clock     clock.Clock
}

// Orchestrator is the central sync coordinator. Its trigger methods
// return as soon as the request is admitted; progress is observed through
// State.
type Orchestrator struct {
	store     store.Store
	secrets   credential.SecretStore
	discovery discovery.PrincipalDiscovery
	content   ContentSyncer
	adapter   AdapterTrigger
	network   NetworkMonitor
	mapper    *identity.Mapper
	logger    *slog.Logger
	clock     clock.Clock

	cfg         model.SyncConfig
	sem         *semaphore.Weighted
	state       *State
	ownsAdapter bool

	refresh singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

// New creates an orchestrator. Call Close to stop background work.
func New(deps Deps, cfg model.SyncConfig) *Orchestrator {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	network := deps.Network
	if network == nil {
		network = StaticNetwork(cfg.Network)
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:     deps.Store,
		secrets:   deps.Secrets,
		discovery: deps.Discovery,
		content:   deps.Content,
		adapter:   deps.Adapter,
		network:   network,
		mapper:    deps.Identity,
		logger:    logging.OrDiscard(deps.Logger),
		clock:     clock.OrReal(deps.Clock),
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		state:     NewState(),
		ctx:       ctx,
		cancel:    cancel,
	}
	if o.adapter == nil {
		o.adapter = NewAdapterQueue(o, AdapterQueueConfig{}, o.logger)
		o.ownsAdapter = true
	}
	return o
}

// State returns the read-only busy state handle.
func (o *Orchestrator) State() Observable {
	return o.state
}

// Wait blocks until every admitted request has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
	if q, ok := o.adapter.(*AdapterQueue); ok {
		q.Wait()
	}
}

// Close cancels in-flight work and waits for it to stop.
func (o *Orchestrator) Close() error {
	o.cancel()
	if q, ok := o.adapter.(*AdapterQueue); ok && o.ownsAdapter {
		_ = q.Close()
	}
	o.wg.Wait()
	return nil
}

func (o *Orchestrator) goTracked(fn func(ctx context.Context)) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn(o.ctx)
	}()
}

// SyncCollection syncs exactly one collection through the task path. It
// returns false when the collection is unknown or already syncing.
func (o *Orchestrator) SyncCollection(collectionID string, trigger model.Trigger) bool {
	col, err := o.store.GetCollection(o.ctx, collectionID)
	if err != nil {
		o.logger.Warn("sync requested for unknown collection", "collection_id", collectionID, "error", err)
		return false
	}
	if !o.state.tryAcquire(col.AccountID, col.ID, col.Kind) {
		return false
	}

	o.goTracked(func(ctx context.Context) {
		o.runAcquired(ctx, *col, trigger)
	})
	return true
}

// SyncKind syncs one kind for an account. Account-wide contacts go
// through the adapter; other kinds through the task path.
func (o *Orchestrator) SyncKind(accountID string, kind model.SyncKind, trigger model.Trigger) bool {
	if kind == model.SyncAll {
		return o.SyncAccount(accountID, trigger)
	}
	if _, err := o.store.GetAccount(o.ctx, accountID); err != nil {
		o.logger.Warn("sync requested for unknown account", "account_id", accountID, "error", err)
		return false
	}

	o.state.beginAccount(accountID)
	o.goTracked(func(ctx context.Context) {
		defer o.state.endAccount(accountID)
		o.syncAccountKinds(ctx, accountID, kind, trigger)
	})
	return true
}

// SyncAccount syncs every collection of an account.
func (o *Orchestrator) SyncAccount(accountID string, trigger model.Trigger) bool {
	if _, err := o.store.GetAccount(o.ctx, accountID); err != nil {
		o.logger.Warn("sync requested for unknown account", "account_id", accountID, "error", err)
		return false
	}

	o.state.beginAccount(accountID)
	o.goTracked(func(ctx context.Context) {
		defer o.state.endAccount(accountID)
		o.syncAccountKinds(ctx, accountID, model.SyncAll, trigger)
	})
	return true
}

// SyncAll syncs every account. It returns false while a full sync runs.
func (o *Orchestrator) SyncAll(trigger model.Trigger) bool {
	if !o.state.tryBeginFullSync() {
		return false
	}

	o.goTracked(func(ctx context.Context) {
		defer o.state.endFullSync()
		start := o.clock.Now()

		accts, err := o.store.ListAccounts(ctx)
		if err != nil {
			o.logger.Error("listing accounts for full sync", "error", err)
			return
		}

		var wg gosync.WaitGroup
		for _, a := range accts {
			wg.Add(1)
			o.state.beginAccount(a.ID)
			go func() {
				defer wg.Done()
				defer o.state.endAccount(a.ID)
				o.syncAccountKinds(ctx, a.ID, model.SyncAll, trigger)
			}()
		}
		wg.Wait()

		o.logger.Info("full sync finished", "accounts", len(accts), "elapsed", o.clock.Now().Sub(start))
	})
	return true
}

// syncAccountKinds fans an account-wide request out to its paths and
// waits for the task-path part.
func (o *Orchestrator) syncAccountKinds(ctx context.Context, accountID string, kind model.SyncKind, trigger model.Trigger) {
	cols, err := o.store.ListCollections(ctx, store.CollectionFilter{AccountID: &accountID})
	if err != nil {
		o.logger.Error("listing collections", "account_id", accountID, "error", err)
		return
	}

	adapterKinds := make(map[model.CollectionKind]bool)
	var wg gosync.WaitGroup
	for _, col := range cols {
		if !kind.Matches(col.Kind) {
			continue
		}
		if Route(col.Kind, ScopeAccount) == PathAdapter {
			adapterKinds[col.Kind] = true
			continue
		}
		if !o.state.tryAcquire(col.AccountID, col.ID, col.Kind) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.runAcquired(ctx, col, trigger)
		}()
	}

	for k := range adapterKinds {
		o.adapter.RequestSyncThroughAdapter(accountID, k)
	}
	wg.Wait()
}

// SyncAccountKind syncs every collection of one kind for an account
// through the task path and waits. Failures are joined; collections
// already syncing are left to the running task.
func (o *Orchestrator) SyncAccountKind(ctx context.Context, accountID string, kind model.CollectionKind) error {
	cols, err := o.store.ListCollections(ctx, store.CollectionFilter{AccountID: &accountID, Kind: &kind})
	if err != nil {
		return fmt.Errorf("listing %s collections of account %s: %w", kind, accountID, err)
	}

	o.state.beginAccount(accountID)
	defer o.state.endAccount(accountID)

	var (
		mu   gosync.Mutex
		errs []error
		wg   gosync.WaitGroup
	)
	for _, col := range cols {
		if !o.state.tryAcquire(col.AccountID, col.ID, col.Kind) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr := o.runAcquired(ctx, col, model.TriggerAdapter)
			if tr.Outcome == model.OutcomeFailed {
				mu.Lock()
				errs = append(errs, tr.Err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// RunCollection syncs one collection and waits for the outcome. A
// collection already syncing yields OutcomeCoalesced.
func (o *Orchestrator) RunCollection(ctx context.Context, collectionID string, trigger model.Trigger) TaskResult {
	col, err := o.store.GetCollection(ctx, collectionID)
	if err != nil {
		return TaskResult{CollectionID: collectionID, Outcome: model.OutcomeFailed, Err: err}
	}
	if !o.state.tryAcquire(col.AccountID, col.ID, col.Kind) {
		return TaskResult{CollectionID: col.ID, Kind: col.Kind, Outcome: OutcomeCoalesced}
	}

	o.wg.Add(1)
	defer o.wg.Done()
	return o.runAcquired(ctx, *col, trigger)
}

// runAcquired executes a collection task whose in-flight slot is already
// held, and releases it.
func (o *Orchestrator) runAcquired(ctx context.Context, col model.Collection, trigger model.Trigger) (tr TaskResult) {
	defer o.state.release(col.ID)

	task := model.TaskFor(col, trigger)
	tr = TaskResult{Task: task, CollectionID: col.ID, Kind: col.Kind}
	ctx = logging.WithCollection(logging.WithAccount(ctx, task.AccountID), task.CollectionID)

	if err := o.sem.Acquire(ctx, 1); err != nil {
		tr.Outcome = model.OutcomeDeferred
		tr.Err = err
		return tr
	}
	defer o.sem.Release(1)

	start := time.Now()
	defer func() {
		metrics.ObserveSync(string(col.Kind), tr.Outcome, start)
	}()

	// Policy is read from the latest row, right before dispatch.
	latest, err := o.store.GetCollection(ctx, col.ID)
	if err != nil {
		tr.Outcome = model.OutcomeFailed
		tr.Err = err
		return tr
	}
	col = *latest

	decision, reason := Evaluate(col, o.network.Current())
	switch decision {
	case Skip:
		tr.Outcome = OutcomeSkipped
		o.logger.DebugContext(ctx, "collection disabled, skipped", "trigger", task.Trigger)
		return tr
	case Defer:
		tr.Outcome = model.OutcomeDeferred
		tr.Err = reason
		o.logger.InfoContext(ctx, "collection sync deferred", "trigger", task.Trigger, "reason", reason)
		o.record(ctx, col.ID, model.SyncOutcome{
			SyncedAt: o.clock.Now(),
			Outcome:  model.OutcomeDeferred,
			Error:    reason.Error(),
			KeepCTag: true,
		})
		return tr
	}

	res, err := o.syncContent(ctx, col)
	tr.Result = res
	if err != nil {
		tr.Outcome = model.OutcomeFailed
		tr.Err = err
		o.logger.WarnContext(ctx, "collection sync failed", "trigger", task.Trigger, "error", err)
		o.record(ctx, col.ID, model.SyncOutcome{
			SyncedAt: o.clock.Now(),
			Outcome:  model.OutcomeFailed,
			Error:    err.Error(),
			KeepCTag: true,
		})
		return tr
	}

	tr.Outcome = model.OutcomeSuccess
	if res.Unchanged {
		tr.Outcome = model.OutcomeUnchanged
	}
	o.logger.InfoContext(ctx, "collection synced",
		"trigger", task.Trigger,
		"sync_kind", task.Kind,
		"outcome", tr.Outcome,
		"pull_only", decision == PullOnly,
		"pulled", res.Pulled,
		"pushed", res.Pushed,
		"rejected", res.Rejected,
	)
	o.record(ctx, col.ID, model.SyncOutcome{
		CTag:     res.CTag,
		SyncedAt: o.clock.Now(),
		Outcome:  tr.Outcome,
		KeepCTag: res.CTag == nil,
	})
	return tr
}

func (o *Orchestrator) syncContent(ctx context.Context, col model.Collection) (res Result, err error) {
	defer apperr.Recover("sync.collection", &err)

	acct, err := o.store.GetAccount(ctx, col.AccountID)
	if err != nil {
		return Result{}, err
	}

	// Demo content is static.
	if discovery.IsDemo(acct.ServerURL, acct.Username, discovery.DemoPassword) {
		return Result{Unchanged: true}, nil
	}

	secret, err := o.secrets.Lookup(acct.ID)
	if err != nil {
		return Result{}, fmt.Errorf("looking up credentials: %w", err)
	}
	creds := discovery.Credentials{Username: acct.Username, Password: secret}
	return o.content.Sync(ctx, *acct, creds, col)
}

// record writes the sync-owned columns. A deleted collection is ignored.
func (o *Orchestrator) record(ctx context.Context, collectionID string, out model.SyncOutcome) {
	// Outcomes are written even when the task context was cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := o.store.RecordSyncOutcome(ctx, collectionID, out)
	if err != nil && !apperr.IsKind(err, apperr.NotFound) {
		o.logger.Error("recording sync outcome", "collection_id", collectionID, "error", err)
	}
}
