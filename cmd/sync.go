package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/lccnetwork/catalog-sync/internal/model"
	"github.com/lccnetwork/catalog-sync/internal/pipeline"
)

var (
	syncIsolate bool
	syncForce   bool
	syncSteps   []string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the sync pipeline",
	Long:  "Runs every pipeline step in order: catalog ingest, simplification, contact consolidation, downstream alignment, write-back, and the run report.",
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

		deps, err := initDeps(st)
		if err != nil {
			return err
		}

		steps := pipeline.DefaultSteps(syncForce)
		if len(syncSteps) > 0 {
			steps = selectSteps(steps, syncSteps)
			if len(steps) == 0 {
				return eris.Errorf("no pipeline steps match %v", syncSteps)
			}
		}

		m := pipeline.NewManager(deps, pipeline.DefaultRegistry())
		entries, runErr := m.Run(ctx, steps, syncIsolate)

		formatEntries(entries)
		return runErr
	},
}

func selectSteps(steps []pipeline.Step, ids []string) []pipeline.Step {
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	var out []pipeline.Step
	for _, step := range steps {
		if _, ok := wanted[step.ProcessorID]; ok {
			out = append(out, step)
		}
	}
	return out
}

func formatEntries(entries []model.ProcessorEntry) {
	if len(entries) == 0 {
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tOUTCOME\tDURATION")
	for _, entry := range entries {
		outcome := "ok"
		if entry.Failed() {
			outcome = "FAILED: " + entry.Error.Message
		}
		duration := "-"
		if entry.LastComplete != nil {
			duration = entry.LastComplete.Sub(entry.LastStart).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", entry.ProcessorID, outcome, duration)
	}
	_ = w.Flush()
}

func init() {
	syncCmd.Flags().BoolVar(&syncIsolate, "isolate", false, "run each step in its own child process")
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "rebuild derived data even when unchanged")
	syncCmd.Flags().StringSliceVar(&syncSteps, "steps", nil, "restrict the run to these step ids")
	rootCmd.AddCommand(syncCmd)
}
