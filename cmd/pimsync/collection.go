package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/pimsync/internal/discovery"
	"github.com/nhle/pimsync/internal/model"
)

var collectionCmd = &cobra.Command{
	Use:   "collection",
	Short: "Create, edit and remove collections",
}

var collectionSetCmd = &cobra.Command{
	Use:   "set <collection-id>",
	Short: "Change a collection's sync policy",
	Long: `Change a collection's sync policy. Only the flags given are applied.
An --interval of 0 falls back to the account default.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch, err := policyPatch(cmd)
		if err != nil {
			return err
		}
		if patch.IsEmpty() {
			return fmt.Errorf("nothing to change: pass at least one policy flag")
		}

		c, err := openComponents()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.accounts.UpdatePolicy(context.Background(), args[0], patch); err != nil {
			return err
		}
		fmt.Printf("Collection %s updated\n", args[0])
		return nil
	},
}

var (
	createAccount string
	createKind    string
	createName    string
)

var collectionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a calendar or address book on the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseCollectionKind(createKind)
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

		col, err := c.accounts.CreateCollection(ctx, createAccount, kind, createName)
		if err != nil {
			return err
		}
		fmt.Printf("Created %s %q (%s)\n", col.Kind, col.DisplayName, col.ID)
		return nil
	},
}

var collectionRemoveCmd = &cobra.Command{
	Use:   "remove <collection-id>",
	Short: "Remove a collection from this device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openComponents()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.accounts.DeleteCollection(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Collection %s removed\n", args[0])
		return nil
	},
}

func init() {
	addPolicyFlags(collectionSetCmd)

	collectionCreateCmd.Flags().StringVarP(&createAccount, "account", "a", "", "account id")
	collectionCreateCmd.Flags().StringVarP(&createKind, "kind", "k", "calendar", "calendar or contacts")
	collectionCreateCmd.Flags().StringVar(&createName, "name", "", "display name")
	_ = collectionCreateCmd.MarkFlagRequired("account")
	_ = collectionCreateCmd.MarkFlagRequired("name")

	collectionCmd.AddCommand(collectionSetCmd, collectionCreateCmd, collectionRemoveCmd)
	rootCmd.AddCommand(collectionCmd)
}

func addPolicyFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Bool("enabled", true, "sync the collection")
	f.Bool("visible", true, "show the collection")
	f.Bool("wifi-only", false, "sync only on wifi")
	f.Bool("read-only", false, "never push local changes")
	f.Duration("interval", 0, "sync interval, e.g. 15m")
	f.String("name", "", "display name")
	f.String("color", "", "color as RRGGBB or RRGGBBAA")
}

// policyPatch builds a patch from the flags the user actually set.
func policyPatch(cmd *cobra.Command) (model.PolicyPatch, error) {
	var p model.PolicyPatch
	f := cmd.Flags()

	boolFlag := func(name string, dst **bool) error {
		if !f.Changed(name) {
			return nil
		}
		v, err := f.GetBool(name)
		if err != nil {
			return err
		}
		*dst = &v
		return nil
	}
	for name, dst := range map[string]**bool{
		"enabled":   &p.Enabled,
		"visible":   &p.Visible,
		"wifi-only": &p.WifiOnly,
		"read-only": &p.ForceReadOnly,
	} {
		if err := boolFlag(name, dst); err != nil {
			return model.PolicyPatch{}, err
		}
	}

	if f.Changed("interval") {
		d, err := f.GetDuration("interval")
		if err != nil {
			return model.PolicyPatch{}, err
		}
		switch {
		case d < 0:
			return model.PolicyPatch{}, fmt.Errorf("interval must not be negative")
		case d == 0:
			p.ClearSyncInterval = true
		default:
			secs := int(d.Seconds())
			p.SyncIntervalSec = &secs
		}
	}

	if f.Changed("name") {
		name, _ := f.GetString("name")
		name = strings.TrimSpace(name)
		if name == "" {
			return model.PolicyPatch{}, fmt.Errorf("name must not be empty")
		}
		p.DisplayName = &name
	}

	if f.Changed("color") {
		raw, _ := f.GetString("color")
		hex := strings.TrimPrefix(strings.TrimSpace(raw), "#")
		if _, err := strconv.ParseUint(hex, 16, 32); err != nil || (len(hex) != 6 && len(hex) != 8) {
			return model.PolicyPatch{}, fmt.Errorf("invalid color %q: want RRGGBB or RRGGBBAA", raw)
		}
		color := discovery.ParseColor(&hex)
		p.Color = &color
	}
	return p, nil
}

func parseCollectionKind(s string) (model.CollectionKind, error) {
	switch strings.ToLower(s) {
	case "calendar":
		return model.KindCalendar, nil
	case "contacts", "addressbook", "address_book":
		return model.KindAddressBook, nil
	default:
		return "", fmt.Errorf("unknown collection kind %q (use calendar or contacts)", s)
	}
}
