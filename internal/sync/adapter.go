package sync

import (
	"context"
	"errors"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/nhle/pimsync/internal/apperr"
	"github.com/nhle/pimsync/internal/logging"
	"github.com/nhle/pimsync/internal/model"
)

// AdapterTrigger is the platform sync-adapter framework. Requests return
// immediately; the adapter applies its own retry and backoff.
type AdapterTrigger interface {
	RequestSyncThroughAdapter(accountID string, kind model.CollectionKind)
}

// AdapterRunner executes the work an adapter request stands for.
type AdapterRunner interface {
	SyncAccountKind(ctx context.Context, accountID string, kind model.CollectionKind) error
}

// AdapterQueueConfig tunes the retry backoff. Zero values take defaults.
type AdapterQueueConfig struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries uint64
}

func (c AdapterQueueConfig) withDefaults() AdapterQueueConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	return c
}

// AdapterQueue is the in-process AdapterTrigger. Requests for the same
// account and kind coalesce while one is queued or running; network
// failures are retried with capped exponential backoff.
type AdapterQueue struct {
	runner AdapterRunner
	cfg    AdapterQueueConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      gosync.Mutex
	pending map[adapterKey]bool
	wg      gosync.WaitGroup
}

type adapterKey struct {
	accountID string
	kind      model.CollectionKind
}

var _ AdapterTrigger = (*AdapterQueue)(nil)

// NewAdapterQueue creates a queue that runs requests through runner.
func NewAdapterQueue(runner AdapterRunner, cfg AdapterQueueConfig, logger *slog.Logger) *AdapterQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &AdapterQueue{
		runner:  runner,
		cfg:     cfg.withDefaults(),
		logger:  logging.OrDiscard(logger),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[adapterKey]bool),
	}
}

// RequestSyncThroughAdapter schedules a sync of every collection of kind
// for the account.
func (q *AdapterQueue) RequestSyncThroughAdapter(accountID string, kind model.CollectionKind) {
	key := adapterKey{accountID: accountID, kind: kind}

	q.mu.Lock()
	if q.pending[key] {
		q.mu.Unlock()
		q.logger.Debug("adapter request coalesced", "account_id", accountID, "kind", kind)
		return
	}
	q.pending[key] = true
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()
		defer func() {
			q.mu.Lock()
			delete(q.pending, key)
			q.mu.Unlock()
		}()
		q.run(key)
	}()
}

func (q *AdapterQueue) run(key adapterKey) {
	b := retry.NewExponential(q.cfg.BaseDelay)
	b = retry.WithCappedDuration(q.cfg.MaxDelay, b)
	b = retry.WithMaxRetries(q.cfg.MaxRetries, b)

	attempt := 0
	err := retry.Do(q.ctx, b, func(ctx context.Context) error {
		attempt++
		err := q.runner.SyncAccountKind(ctx, key.accountID, key.kind)
		if apperr.IsKind(err, apperr.NetworkUnreachable) {
			q.logger.Info("adapter sync will retry",
				"account_id", key.accountID, "kind", key.kind, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		q.logger.Warn("adapter sync failed",
			"account_id", key.accountID, "kind", key.kind, "attempts", attempt, "error", err)
	}
}

// Wait blocks until every queued request has finished.
func (q *AdapterQueue) Wait() {
	q.wg.Wait()
}

// Close cancels pending retries and waits for running requests.
func (q *AdapterQueue) Close() error {
	q.cancel()
	q.wg.Wait()
	return nil
}
