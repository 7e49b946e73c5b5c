package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/lccnetwork/catalog-sync/internal/pipeline"
)

// workerCmd executes exactly one pipeline step and writes one JSON
// envelope to stdout. The sync command spawns it for isolated runs; it
// is not meant to be invoked by hand.
var workerCmd = &cobra.Command{
	Use:    "worker <step-json>",
	Short:  "Run a single pipeline step (internal)",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var step pipeline.Step
		if err := json.Unmarshal([]byte(args[0]), &step); err != nil {
			return emit(pipeline.Envelope{
				Kind:    pipeline.EnvelopeError,
				Message: eris.Wrap(err, "decode step").Error(),
			})
		}

		st, err := initStore(ctx)
		if err != nil {
			return emit(pipeline.Envelope{Kind: pipeline.EnvelopeError, Message: err.Error()})
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return emit(pipeline.Envelope{Kind: pipeline.EnvelopeError, Message: err.Error()})
		}

		deps, err := initDeps(st)
		if err != nil {
			return emit(pipeline.Envelope{Kind: pipeline.EnvelopeError, Message: err.Error()})
		}

		m := pipeline.NewManager(deps, pipeline.DefaultRegistry())
		entry, err := m.RunStep(ctx, step)
		if err != nil {
			return emit(pipeline.Envelope{Kind: pipeline.EnvelopeError, Message: err.Error()})
		}
		return emit(pipeline.Envelope{Kind: pipeline.EnvelopeComplete, Entry: entry})
	},
}

// emit writes the envelope to stdout. Logs go to stderr, so stdout
// carries nothing but this one document.
func emit(env pipeline.Envelope) error {
	return json.NewEncoder(os.Stdout).Encode(env)
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
