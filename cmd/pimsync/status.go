package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/nhle/pimsync/internal/app"
	"github.com/nhle/pimsync/internal/batch"
	"github.com/nhle/pimsync/internal/keys"
	pimsync "github.com/nhle/pimsync/internal/sync"
	"github.com/nhle/pimsync/internal/ui/accountform"
	"github.com/nhle/pimsync/internal/ui/status"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Open the terminal status view",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openComponents()
		if err != nil {
			return err
		}
		defer c.Close()

		// Keep periodic sync running while the view is open. stop runs
		// before c.Close so no tick dispatches into a closing orchestrator.
		stop := startScheduler(c.orch, schedulerTick())
		defer stop()

		km := keys.DefaultKeyMap()
		sel := batch.NewSelection()
		sv := status.New(status.Deps{
			Store:        c.store,
			Orchestrator: c.orch,
			Selection:    sel,
			Bulk:         batch.NewBulk(sel, c.accounts, c.orch, logger),
			Keys:         km,
		}, 80, 24)
		defer sv.Close()

		form := accountform.New(c.auth, cfg.Sync.RequestTimeout(), 80, 24)
		p := tea.NewProgram(app.New(sv, form, c.accounts, km), tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("running status view: %w", err)
		}
		return nil
	},
}

// startScheduler runs the scheduler in the background. The returned stop
// cancels it and waits until Run has returned.
func startScheduler(o *pimsync.Orchestrator, tick time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	sched := pimsync.NewScheduler(o, tick)
	go func() {
		defer close(done)
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", "error", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
