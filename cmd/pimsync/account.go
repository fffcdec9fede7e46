package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nhle/pimsync/internal/account"
	"github.com/nhle/pimsync/internal/auth"
	"github.com/nhle/pimsync/internal/model"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage accounts",
}

var (
	addServer      string
	addUser        string
	addPassword    string
	addDisplayName string
	addEmail       string
)

var accountAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an account by server URL and password",
	RunE: func(cmd *cobra.Command, args []string) error {
		if addPassword == "" {
			addPassword = os.Getenv("PIMSYNC_PASSWORD")
		}
		if addPassword == "" {
			err := huh.NewInput().
				Title("Password for " + addUser).
				EchoMode(huh.EchoModePassword).
				Value(&addPassword).
				Run()
			if err != nil {
				return fmt.Errorf("reading password: %w", err)
			}
		}

		c, err := openComponents()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := signalContext()
		defer cancel()

		res, err := c.accounts.Create(ctx, account.Request{
			ServerURL:   addServer,
			Username:    addUser,
			Password:    addPassword,
			DisplayName: addDisplayName,
			Email:       addEmail,
			AuthKind:    model.AuthKindBasic,
		})
		if err != nil {
			return err
		}
		printCreated(res)
		return nil
	},
}

var loginServer string

var accountLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Add an account through the server's browser login flow",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openComponents()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := signalContext()
		defer cancel()

		coord := auth.NewCoordinator(
			auth.NewLoginFlowClient(cfg.Sync.RequestTimeout()),
			cfg.LoginFlow,
			nil,
			logger,
		)
		defer coord.Close()

		session, err := coord.Start(ctx, loginServer)
		if err != nil {
			return err
		}
		fmt.Println("Open this URL in a browser and grant access:")
		fmt.Println()
		fmt.Println("  " + session.LoginURL)
		fmt.Println()
		fmt.Printf("Waiting up to %s...\n", cfg.LoginFlow.Timeout())

		creds, err := coord.Await(ctx)
		if err != nil {
			return err
		}

		res, err := c.accounts.CreateFromLogin(ctx, *creds)
		if err != nil {
			return err
		}
		printCreated(res)
		return nil
	},
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openComponents()
		if err != nil {
			return err
		}
		defer c.Close()

		accts, err := c.store.ListAccounts(context.Background())
		if err != nil {
			return err
		}
		if len(accts) == 0 {
			fmt.Println("No accounts. Run 'pimsync account add' or 'pimsync account login'.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSERVER\tUSER\tSERVICES")
		for _, a := range accts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.DisplayName, a.ServerURL, a.Username, services(a))
		}
		return w.Flush()
	},
}

var accountRemoveCmd = &cobra.Command{
	Use:   "remove <account-id>",
	Short: "Remove an account with its collections and stored password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openComponents()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.accounts.Delete(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Account %s removed\n", args[0])
		return nil
	},
}

func init() {
	accountAddCmd.Flags().StringVar(&addServer, "server", "", "server URL")
	accountAddCmd.Flags().StringVarP(&addUser, "user", "u", "", "username")
	accountAddCmd.Flags().StringVarP(&addPassword, "password", "p", "", "password (prompted when empty)")
	accountAddCmd.Flags().StringVar(&addDisplayName, "name", "", "display name")
	accountAddCmd.Flags().StringVar(&addEmail, "email", "", "email address")
	_ = accountAddCmd.MarkFlagRequired("server")
	_ = accountAddCmd.MarkFlagRequired("user")

	accountLoginCmd.Flags().StringVar(&loginServer, "server", "", "server URL")
	_ = accountLoginCmd.MarkFlagRequired("server")

	accountCmd.AddCommand(accountAddCmd, accountLoginCmd, accountListCmd, accountRemoveCmd)
	rootCmd.AddCommand(accountCmd)
}

func printCreated(res *account.CreateResult) {
	fmt.Printf("Account %s added (%s)\n", res.Account.DisplayName, res.Account.ID)
	counts := make(map[model.CollectionKind]int)
	for _, col := range res.Collections {
		counts[col.Kind]++
	}
	fmt.Printf("  %d calendars, %d address books, %d subscriptions\n",
		counts[model.KindCalendar], counts[model.KindAddressBook], counts[model.KindWebCal])
	for _, w := range res.Warnings {
		fmt.Printf("  warning: %v\n", w)
	}
}

func services(a model.Account) string {
	var s []string
	if a.CalendarEnabled {
		s = append(s, "caldav")
	}
	if a.ContactsEnabled {
		s = append(s, "carddav")
	}
	if a.TasksEnabled {
		s = append(s, "tasks")
	}
	if len(s) == 0 {
		return "-"
	}
	return strings.Join(s, ",")
}

var errNoAccounts = errors.New("no accounts configured")
