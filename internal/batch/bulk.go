package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nhle/pimsync/internal/logging"
	"github.com/nhle/pimsync/internal/model"
	pimsync "github.com/nhle/pimsync/internal/sync"
)

// ErrBusy is returned when a bulk operation is requested while a sync or
// refresh is running.
var ErrBusy = errors.New("sync in progress, try again when it finishes")

// Summary is the aggregate outcome of a bulk operation.
type Summary struct {
	Succeeded int
	Skipped   int
	Failed    int

	// Errors holds one entry per failed collection.
	Errors []error
}

// Total returns the number of collections the operation touched.
func (s Summary) Total() int {
	return s.Succeeded + s.Skipped + s.Failed
}

// Remover deletes one collection, tearing down its identity first.
type Remover interface {
	DeleteCollection(ctx context.Context, collectionID string) error
}

// Runner syncs one collection and reports its outcome.
type Runner interface {
	RunCollection(ctx context.Context, collectionID string, trigger model.Trigger) pimsync.TaskResult
	State() pimsync.Observable
}

// Bulk runs delete and sync over the active kind's selection.
type Bulk struct {
	sel     *Selection
	remover Remover
	runner  Runner
	logger  *slog.Logger
}

// NewBulk creates bulk operations over sel.
func NewBulk(sel *Selection, remover Remover, runner Runner, logger *slog.Logger) *Bulk {
	return &Bulk{sel: sel, remover: remover, runner: runner, logger: logging.OrDiscard(logger)}
}

// DeleteSelected deletes every selected collection of the active kind and
// leaves batch mode.
func (b *Bulk) DeleteSelected(ctx context.Context) (Summary, error) {
	kind, ids, err := b.target()
	if err != nil || len(ids) == 0 {
		return Summary{}, err
	}

	var sum Summary
	var deleted []string
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			sum.Skipped += len(ids) - sum.Total()
			break
		}
		if err := b.remover.DeleteCollection(ctx, id); err != nil {
			sum.Failed++
			sum.Errors = append(sum.Errors, err)
			continue
		}
		sum.Succeeded++
		deleted = append(deleted, id)
	}

	b.sel.Forget(deleted...)
	b.sel.Exit()
	b.logger.Info("bulk delete finished", "kind", kind,
		"succeeded", sum.Succeeded, "skipped", sum.Skipped, "failed", sum.Failed)
	return sum, nil
}

// SyncSelected syncs every selected collection of the active kind and
// waits for all of them.
func (b *Bulk) SyncSelected(ctx context.Context) (Summary, error) {
	kind, ids, err := b.target()
	if err != nil || len(ids) == 0 {
		return Summary{}, err
	}

	var (
		mu  sync.Mutex
		sum Summary
		g   errgroup.Group
	)
	for _, id := range ids {
		g.Go(func() error {
			tr := b.runner.RunCollection(ctx, id, model.TriggerBatch)

			mu.Lock()
			defer mu.Unlock()
			switch tr.Outcome {
			case model.OutcomeSuccess, model.OutcomeUnchanged:
				sum.Succeeded++
			case model.OutcomeFailed:
				sum.Failed++
				sum.Errors = append(sum.Errors, tr.Err)
			default:
				sum.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	b.logger.Info("bulk sync finished", "kind", kind,
		"succeeded", sum.Succeeded, "skipped", sum.Skipped, "failed", sum.Failed)
	return sum, nil
}

// target returns the active kind and its selection, or ErrBusy.
func (b *Bulk) target() (model.CollectionKind, []string, error) {
	if b.runner.State().Current().IsBusy() {
		return "", nil, ErrBusy
	}
	snap := b.sel.Current()
	if snap.Active == "" {
		return "", nil, nil
	}
	return snap.Active, snap.Selected[snap.Active], nil
}
