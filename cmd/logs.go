package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/lccnetwork/catalog-sync/internal/model"
	"github.com/lccnetwork/catalog-sync/internal/store"
)

var (
	logsFollow bool
	logsLimit  int
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print recent pipeline log entries",
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

		logs, err := st.ListLogs(ctx, time.Time{}, logsLimit)
		if err != nil {
			return eris.Wrap(err, "list logs")
		}
		last := printLogs(logs, time.Time{})

		if !logsFollow {
			return nil
		}
		return followLogs(ctx, st, last)
	},
}

// followLogs polls the store for entries newer than the last one
// printed. Polling keeps follow working against a sync running in a
// different process.
func followLogs(ctx context.Context, st store.Store, since time.Time) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			logs, err := st.ListLogs(ctx, since, 0)
			if err != nil {
				return eris.Wrap(err, "poll logs")
			}
			since = printLogs(logs, since)
		}
	}
}

func printLogs(logs []model.LogEntry, last time.Time) time.Time {
	for _, entry := range logs {
		suffix := ""
		if entry.Code != "" {
			suffix = " [" + entry.Code + "]"
		}
		scope := entry.ProcessorID
		if entry.ItemID != "" {
			scope += " " + entry.ItemID
		}
		fmt.Fprintf(os.Stdout, "%s %-5s %s: %s%s\n",
			entry.Time.Local().Format("2006-01-02 15:04:05"),
			entry.Level,
			scope,
			entry.Message,
			suffix,
		)
		if entry.Time.After(last) {
			last = entry.Time
		}
	}
	return last
}

func init() {
	logsCmd.Flags().BoolVar(&logsFollow, "follow", false, "keep polling for new entries")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 100, "max entries for the initial listing")
	rootCmd.AddCommand(logsCmd)
}
