package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/lccnetwork/catalog-sync/internal/model"
)

// report renders a plain-text summary of every other processor's most
// recent run and stores it as its own result.
type report struct {
	deps Deps
	step Step
}

func newReport(deps Deps, step Step) (Processor, error) {
	return &report{deps: deps, step: step}, nil
}

func (p *report) Class() string { return "Report" }

func (p *report) Run(ctx context.Context) (map[string]any, error) {
	entries, err := p.deps.Store.ListEntries(ctx, p.Class())
	if err != nil {
		return nil, eris.Wrap(err, "list run records")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Sync report, generated %s\n", time.Now().UTC().Format(time.RFC3339))
	for _, entry := range entries {
		b.WriteString("\n")
		b.WriteString(renderSection(entry))
	}
	if len(entries) == 0 {
		b.WriteString("\nNo processors have run yet.\n")
	}

	return map[string]any{"report": b.String()}, nil
}

// formatters renders a run record's results per processor class.
// Classes without a formatter fall back to a JSON dump.
var formatters = map[string]func(*strings.Builder, model.ProcessorEntry){
	"FromScienceBase":        formatFromScienceBase,
	"Simplification":         formatKeyValues,
	"Contacts":               formatKeyValues,
	"LccnetContactAlignment": formatKeyValues,
	"ItemsToLccnet":          formatKeyValues,
}

func renderSection(entry model.ProcessorEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "== %s (%s) ==\n", entry.ProcessorID, entry.ProcessorClass)
	fmt.Fprintf(&b, "started:   %s\n", entry.LastStart.Format(time.RFC3339))
	if entry.LastComplete != nil {
		fmt.Fprintf(&b, "completed: %s\n", entry.LastComplete.Format(time.RFC3339))
	} else {
		b.WriteString("completed: never\n")
	}
	if entry.Failed() {
		fmt.Fprintf(&b, "FAILED: %s\n", entry.Error.Message)
		return b.String()
	}
	if len(entry.Results) == 0 {
		b.WriteString("no results recorded\n")
		return b.String()
	}

	if format, ok := formatters[entry.ProcessorClass]; ok {
		format(&b, entry)
	} else {
		b.WriteString("unrecognized processor class, raw results follow\n")
		dump, err := json.MarshalIndent(entry.Results, "", "  ")
		if err != nil {
			fmt.Fprintf(&b, "(results not serializable: %v)\n", err)
		} else {
			b.Write(dump)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func formatFromScienceBase(b *strings.Builder, entry model.ProcessorEntry) {
	var results struct {
		Lccs []model.ItemCounts `json:"lccs"`
	}
	if err := rehydrate(entry.Results, &results); err != nil {
		fmt.Fprintf(b, "(results unreadable: %v)\n", err)
		return
	}
	for _, counts := range results.Lccs {
		fmt.Fprintf(b, "%s (%s): %d pages in %s\n",
			counts.LccTitle, counts.LccID, counts.Pages, counts.Duration.Round(time.Millisecond))
		fmt.Fprintf(b, "  projects: %s\n", formatTypeCounts(counts.Projects))
		fmt.Fprintf(b, "  products: %s\n", formatTypeCounts(counts.Products))
	}
}

func formatTypeCounts(tc model.TypeCounts) string {
	return fmt.Sprintf("%d total, %d created, %d updated, %d unchanged, %d ignored, %d deleted",
		tc.Total, tc.Created, tc.Updated, tc.Unchanged, tc.Ignored, tc.Deleted)
}

func formatKeyValues(b *strings.Builder, entry model.ProcessorEntry) {
	keys := make([]string, 0, len(entry.Results))
	for k := range entry.Results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s: %v\n", k, entry.Results[k])
	}
}

// rehydrate round-trips a generic results map into a typed view. Needed
// because results decoded from an isolated worker's envelope arrive as
// plain maps.
func rehydrate(in any, out any) error {
	buf, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, out)
}
