// Package pipeline orchestrates the sync run: a fixed sequence of
// processors, each with a persisted run record, executed strictly in
// order either in-process or in an isolated child process per step.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/lccnetwork/catalog-sync/internal/config"
	"github.com/lccnetwork/catalog-sync/internal/model"
	"github.com/lccnetwork/catalog-sync/internal/runlog"
	"github.com/lccnetwork/catalog-sync/internal/store"
	"github.com/lccnetwork/catalog-sync/pkg/lccnet"
	"github.com/lccnetwork/catalog-sync/pkg/sciencebase"
)

// Processor is one pipeline step's domain logic. Run returns its result
// payload on success; a returned error marks the run record as
// completed-with-error but does not crash the pipeline machinery.
type Processor interface {
	Class() string
	Run(ctx context.Context) (map[string]any, error)
}

// Deps is the dependency bundle handed to processor factories.
type Deps struct {
	Cfg     *config.Config
	Store   store.Store
	Log     *runlog.Sink
	Catalog *sciencebase.Client
	Lccnet  *lccnet.Session
}

// Step identifies one scheduled processor execution. Config carries
// per-step parameters (e.g. the item type for a write-back step) and
// survives the JSON round-trip to an isolated worker.
type Step struct {
	ProcessorID string         `json:"processor_id"`
	Kind        string         `json:"kind"`
	Config      map[string]any `json:"config,omitempty"`
	Force       bool           `json:"force,omitempty"`
}

// ConfigString reads a string parameter from the step config.
func (s Step) ConfigString(key string) string {
	v, _ := s.Config[key].(string)
	return v
}

// Factory builds a processor for a step.
type Factory func(deps Deps, step Step) (Processor, error)

// Registry maps step kinds to processor factories.
type Registry map[string]Factory

// Build constructs the processor for the given step.
func (r Registry) Build(deps Deps, step Step) (Processor, error) {
	factory, ok := r[step.Kind]
	if !ok {
		return nil, eris.Errorf("pipeline: unknown step kind %q", step.Kind)
	}
	return factory(deps, step)
}

// DefaultRegistry returns the registry with all built-in processors.
func DefaultRegistry() Registry {
	return Registry{
		KindFromScienceBase:  newFromScienceBase,
		KindSimplification:   newSimplification,
		KindContacts:         newContacts,
		KindContactAlignment: newContactAlignment,
		KindItemsToLccnet:    newItemsToLccnet,
		KindReport:           newReport,
	}
}

// DefaultSteps returns the full sync sequence in its canonical order.
func DefaultSteps(force bool) []Step {
	return []Step{
		{ProcessorID: "fromsciencebase", Kind: KindFromScienceBase, Force: force},
		{ProcessorID: "simplification", Kind: KindSimplification, Force: force},
		{ProcessorID: "contacts", Kind: KindContacts, Force: force},
		{ProcessorID: "lccnet_contact_alignment", Kind: KindContactAlignment, Force: force},
		{ProcessorID: "items_to_lccnet_projects", Kind: KindItemsToLccnet,
			Config: map[string]any{"type": string(model.ItemTypeProject)}, Force: force},
		{ProcessorID: "items_to_lccnet_products", Kind: KindItemsToLccnet,
			Config: map[string]any{"type": string(model.ItemTypeProduct)}, Force: force},
		{ProcessorID: "report", Kind: KindReport},
	}
}

// Step kind identifiers.
const (
	KindFromScienceBase  = "fromsciencebase"
	KindSimplification   = "simplification"
	KindContacts         = "contacts"
	KindContactAlignment = "lccnet_contact_alignment"
	KindItemsToLccnet    = "items_to_lccnet"
	KindReport           = "report"
)

// Runner wraps a processor with run-record bookkeeping.
type Runner struct {
	store       store.Store
	processorID string
	proc        Processor
}

// NewRunner creates a runner for one step's processor.
func NewRunner(st store.Store, processorID string, proc Processor) *Runner {
	return &Runner{store: st, processorID: processorID, proc: proc}
}

// Start executes the processor and maintains its run record: LastStart
// is stamped and persisted before the processor runs, LastComplete after.
// A domain error from the processor lands on the entry as a structured
// error with the results cleared; only bookkeeping persistence failures
// are returned as Go errors.
func (r *Runner) Start(ctx context.Context) (*model.ProcessorEntry, error) {
	entry := model.ProcessorEntry{
		ProcessorID:    r.processorID,
		ProcessorClass: r.proc.Class(),
		LastStart:      time.Now().UTC(),
	}
	if err := r.store.UpsertEntry(ctx, entry); err != nil {
		return nil, eris.Wrapf(err, "pipeline: record start of %s", r.processorID)
	}

	results, runErr := r.proc.Run(ctx)

	done := time.Now().UTC()
	entry.LastComplete = &done
	if runErr != nil {
		entry.Results = nil
		entry.Error = &model.ProcessorError{
			Message: runErr.Error(),
			Stack:   eris.ToString(runErr, true),
		}
	} else {
		entry.Results = results
	}
	if err := r.store.UpsertEntry(ctx, entry); err != nil {
		return nil, eris.Wrapf(err, "pipeline: record completion of %s", r.processorID)
	}
	return &entry, nil
}
