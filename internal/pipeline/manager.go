package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/lccnetwork/catalog-sync/internal/model"
)

// Envelope is the single JSON document an isolated worker writes to
// stdout before exiting.
type Envelope struct {
	Kind    string                `json:"kind"` // "complete" or "error"
	Entry   *model.ProcessorEntry `json:"entry,omitempty"`
	Message string                `json:"message,omitempty"`
}

// Envelope kinds.
const (
	EnvelopeComplete = "complete"
	EnvelopeError    = "error"
)

// Manager runs pipeline steps strictly in sequence.
type Manager struct {
	deps Deps
	reg  Registry
}

// NewManager creates a manager over the given dependencies and registry.
func NewManager(deps Deps, reg Registry) *Manager {
	return &Manager{deps: deps, reg: reg}
}

// Run executes the steps in order. A step whose run record completes
// with an error halts the pipeline: the entries so far (including the
// failed one) are returned along with an error, and later steps never
// run. With isolate set, each step runs in its own child process.
func (m *Manager) Run(ctx context.Context, steps []Step, isolate bool) ([]model.ProcessorEntry, error) {
	var entries []model.ProcessorEntry
	for _, step := range steps {
		zap.L().Info("pipeline: step starting",
			zap.String("processor_id", step.ProcessorID),
			zap.String("kind", step.Kind),
			zap.Bool("isolate", isolate),
		)

		var (
			entry *model.ProcessorEntry
			err   error
		)
		if isolate {
			entry, err = m.runIsolated(ctx, step)
		} else {
			entry, err = m.RunStep(ctx, step)
		}
		if err != nil {
			return entries, eris.Wrapf(err, "pipeline: step %s", step.ProcessorID)
		}

		entries = append(entries, *entry)
		if entry.Failed() {
			return entries, eris.Errorf("pipeline: step %s completed with error: %s",
				step.ProcessorID, entry.Error.Message)
		}
		zap.L().Info("pipeline: step complete", zap.String("processor_id", step.ProcessorID))
	}
	return entries, nil
}

// RunStep builds and executes a single step in-process. The worker
// subcommand calls this directly.
func (m *Manager) RunStep(ctx context.Context, step Step) (*model.ProcessorEntry, error) {
	proc, err := m.reg.Build(m.deps, step)
	if err != nil {
		return nil, err
	}
	return NewRunner(m.deps.Store, step.ProcessorID, proc).Start(ctx)
}

// runIsolated re-executes this binary's hidden worker subcommand with
// the step as its JSON argument, then decodes the envelope the child
// writes to stdout. Child logs go to stderr and pass through.
func (m *Manager) runIsolated(ctx context.Context, step Step) (*model.ProcessorEntry, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, eris.Wrap(err, "resolve executable")
	}
	stepJSON, err := json.Marshal(step)
	if err != nil {
		return nil, eris.Wrap(err, "marshal step")
	}

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, exe, "worker", string(stepJSON))
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	runErr := cmd.Run()
	return decodeEnvelope(stdout.Bytes(), runErr)
}

// decodeEnvelope interprets a worker's stdout. The worker always writes
// one envelope before exiting, so output that doesn't decode means the
// child crashed.
func decodeEnvelope(out []byte, runErr error) (*model.ProcessorEntry, error) {
	var env Envelope
	if decodeErr := json.Unmarshal(out, &env); decodeErr != nil {
		if runErr != nil {
			return nil, eris.Wrapf(runErr, "worker crashed without envelope: %s", string(out))
		}
		return nil, eris.Wrap(decodeErr, "decode worker envelope")
	}

	switch env.Kind {
	case EnvelopeComplete:
		if env.Entry == nil {
			return nil, eris.New("worker envelope missing entry")
		}
		return env.Entry, nil
	case EnvelopeError:
		return nil, eris.Errorf("worker failed: %s", env.Message)
	default:
		return nil, eris.Errorf("unknown worker envelope kind %q", env.Kind)
	}
}
