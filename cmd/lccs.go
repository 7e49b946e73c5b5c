package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/lccnetwork/catalog-sync/internal/model"
)

var lccsCmd = &cobra.Command{
	Use:   "lccs",
	Short: "Manage the synced organizations",
	Long:  "Registers, lists and removes the organizations (LCCs) whose catalog items the sync pipeline mirrors.",
}

var lccsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered organizations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		lccs, err := st.ListLccs(ctx)
		if err != nil {
			return eris.Wrap(err, "list lccs")
		}
		if len(lccs) == 0 {
			fmt.Fprintln(os.Stderr, "No organizations registered. Add one with `catalog-sync lccs add <id> <title>`.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tLAST SYNC")
		for _, lcc := range lccs {
			last := "-"
			if lcc.LastSync != nil {
				last = lcc.LastSync.Local().Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", lcc.ID, lcc.Title, last)
		}
		return w.Flush()
	},
}

var lccsAddCmd = &cobra.Command{
	Use:   "add <id> <title>",
	Short: "Register an organization by its upstream community id",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		lcc := model.Lcc{
			ID:    args[0],
			Title: strings.Join(args[1:], " "),
		}
		if existing, err := st.GetLcc(ctx, lcc.ID); err != nil {
			return eris.Wrap(err, "look up lcc")
		} else if existing != nil {
			// Re-registering keeps the sync and downstream state.
			lcc.LastSync = existing.LastSync
			lcc.LccnetRef = existing.LccnetRef
		}
		if err := st.PutLcc(ctx, lcc); err != nil {
			return eris.Wrapf(err, "save lcc %s", lcc.ID)
		}

		fmt.Printf("Registered %s (%s)\n", lcc.Title, lcc.ID)
		return nil
	},
}

var lccsRemoveCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove an organization and all of its mirrored items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		lcc, err := st.GetLcc(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "look up lcc")
		}
		if lcc == nil {
			return eris.Errorf("no organization registered with id %s", args[0])
		}
		if err := st.DeleteLcc(ctx, lcc.ID); err != nil {
			return eris.Wrapf(err, "delete lcc %s", lcc.ID)
		}

		fmt.Printf("Removed %s (%s)\n", lcc.Title, lcc.ID)
		return nil
	},
}

func init() {
	lccsCmd.AddCommand(lccsListCmd, lccsAddCmd, lccsRemoveCmd)
	rootCmd.AddCommand(lccsCmd)
}
