package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var statusReport bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show run history for every pipeline step",
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

		if statusReport {
			entry, err := st.GetEntry(ctx, "report")
			if err != nil {
				return eris.Wrap(err, "load report")
			}
			if entry == nil || entry.Results == nil {
				fmt.Fprintln(os.Stderr, "No report has been generated yet.")
				return nil
			}
			text, _ := entry.Results["report"].(string)
			fmt.Print(text)
			return nil
		}

		entries, err := st.ListEntries(ctx, "")
		if err != nil {
			return eris.Wrap(err, "list run records")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No processors have run yet.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROCESSOR\tCLASS\tLAST START\tLAST COMPLETE\tOUTCOME")
		for _, entry := range entries {
			complete := "-"
			if entry.LastComplete != nil {
				complete = entry.LastComplete.Local().Format(time.RFC3339)
			}
			outcome := "ok"
			if entry.Failed() {
				outcome = "FAILED: " + entry.Error.Message
			} else if entry.LastComplete == nil {
				outcome = "running or interrupted"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				entry.ProcessorID,
				entry.ProcessorClass,
				entry.LastStart.Local().Format(time.RFC3339),
				complete,
				outcome,
			)
		}
		return w.Flush()
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusReport, "report", false, "print the latest rendered report instead of the table")
	rootCmd.AddCommand(statusCmd)
}
