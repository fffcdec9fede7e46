package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nhle/pimsync/internal/model"
	"github.com/nhle/pimsync/internal/store"
	pimsync "github.com/nhle/pimsync/internal/sync"
)

var (
	syncAccount    string
	syncCollection string
	syncKind       string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync collections now and wait for them to finish",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(syncKind)
		if err != nil {
			return err
		}

		c, err := openComponents()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := signalContext()
		defer cancel()

		if syncCollection != "" {
			tr := c.orch.RunCollection(ctx, syncCollection, model.TriggerManual)
			printTaskResult(tr)
			return tr.Err
		}

		admitted := false
		switch {
		case syncAccount != "":
			admitted = c.orch.SyncKind(syncAccount, kind, model.TriggerManual)
		case kind == model.SyncAll:
			admitted = c.orch.SyncAll(model.TriggerManual)
		default:
			accts, err := c.store.ListAccounts(ctx)
			if err != nil {
				return err
			}
			if len(accts) == 0 {
				return errNoAccounts
			}
			for _, a := range accts {
				if c.orch.SyncKind(a.ID, kind, model.TriggerManual) {
					admitted = true
				}
			}
		}
		if !admitted {
			fmt.Println("Nothing to sync")
			return nil
		}

		// Sync requests run in the background; wait for them or the signal.
		done := make(chan struct{})
		go func() {
			c.orch.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return printCollections(context.Background(), c.store, syncAccount)
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh <account-id>",
	Short: "Re-run discovery and reconcile the account's collections",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openComponents()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := signalContext()
		defer cancel()

		rep, err := c.orch.Refresh(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%d added, %d updated, %d vanished\n", rep.Added, rep.Updated, rep.Vanished)
		for _, w := range rep.Warnings {
			fmt.Printf("  warning: %v\n", w)
		}
		return nil
	},
}

var collectionsAccount string

var collectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "List collections with their last sync outcome",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openComponents()
		if err != nil {
			return err
		}
		defer c.Close()
		return printCollections(context.Background(), c.store, collectionsAccount)
	},
}

func init() {
	syncCmd.Flags().StringVarP(&syncAccount, "account", "a", "", "only this account")
	syncCmd.Flags().StringVar(&syncCollection, "collection", "", "only this collection")
	syncCmd.Flags().StringVarP(&syncKind, "kind", "k", "all", "calendar, contacts, webcal or all")
	syncCmd.MarkFlagsMutuallyExclusive("account", "collection")

	collectionsCmd.Flags().StringVarP(&collectionsAccount, "account", "a", "", "only this account")

	rootCmd.AddCommand(syncCmd, refreshCmd, collectionsCmd)
}

func printTaskResult(tr pimsync.TaskResult) {
	fmt.Printf("%s: %s\n", tr.CollectionID, tr.Outcome)
	if tr.Err != nil {
		fmt.Printf("  %v\n", tr.Err)
	}
}

func printCollections(ctx context.Context, st store.Store, accountID string) error {
	var filter store.CollectionFilter
	if accountID != "" {
		filter.AccountID = &accountID
	}
	cols, err := st.ListCollections(ctx, filter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tNAME\tFLAGS\tLAST SYNC\tOUTCOME")
	for _, col := range cols {
		last := "never"
		if col.LastSyncedAt != nil {
			last = col.LastSyncedAt.Local().Format("2006-01-02 15:04")
		}
		outcome := col.LastSyncOutcome
		if col.LastSyncError != "" {
			outcome += " (" + col.LastSyncError + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			col.ID, col.Kind, col.DisplayName, flags(col), last, outcome)
	}
	return w.Flush()
}

func flags(col model.Collection) string {
	f := ""
	if !col.Enabled {
		f += "off "
	}
	if col.IsReadOnly() {
		f += "ro "
	}
	if col.WifiOnly {
		f += "wifi "
	}
	if f == "" {
		return "-"
	}
	return f[:len(f)-1]
}
