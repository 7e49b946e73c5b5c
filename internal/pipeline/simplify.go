package pipeline

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/lccnetwork/catalog-sync/internal/fiscal"
	"github.com/lccnetwork/catalog-sync/internal/model"
	"github.com/lccnetwork/catalog-sync/internal/runlog"
	"github.com/lccnetwork/catalog-sync/internal/store"
)

// simplification derives the query-friendly projection of each item's
// raw metadata document. Only items touched since the last completed
// run are rebuilt, unless forced or running for the first time.
type simplification struct {
	deps Deps
	step Step
}

func newSimplification(deps Deps, step Step) (Processor, error) {
	return &simplification{deps: deps, step: step}, nil
}

func (p *simplification) Class() string { return "Simplification" }

func (p *simplification) Run(ctx context.Context) (map[string]any, error) {
	lccs, err := p.deps.Store.ListLccs(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "list lccs")
	}
	lccTitles := make(map[string]string, len(lccs))
	for _, lcc := range lccs {
		lccTitles[lcc.ID] = lcc.Title
	}

	items, err := p.candidates(ctx)
	if err != nil {
		return nil, err
	}

	updated := 0
	for _, item := range items {
		doc, err := model.ParseRawDoc(item.Raw)
		if err != nil {
			_ = p.deps.Log.Warn(ctx, p.step.ProcessorID, "stored metadata failed to parse, skipped",
				runlog.WithCode("item_ignored_parse"), runlog.WithLcc(item.LccID), runlog.WithItem(item.ID))
			continue
		}

		years, err := fiscal.YearsForPeriods(doc.TimePeriods)
		if err != nil {
			_ = p.deps.Log.Warn(ctx, p.step.ProcessorID, "item has an invalid time period",
				runlog.WithLcc(item.LccID), runlog.WithItem(item.ID),
				runlog.WithData(map[string]any{"error": err.Error()}))
		}

		docTitle := doc.Title
		if docTitle == "" {
			docTitle = item.Title
		}
		simplified := &model.Simplified{
			Title:       docTitle,
			LccTitle:    lccTitles[item.LccID],
			Abstract:    doc.Abstract,
			Keywords:    keywordMap(doc.Keywords),
			FiscalYears: years,
		}
		if err := p.deps.Store.SetSimplified(ctx, item.ID, simplified); err != nil {
			return nil, eris.Wrapf(err, "set simplified for %s", item.ID)
		}
		updated++
	}

	return map[string]any{
		"considered": len(items),
		"updated":    updated,
	}, nil
}

// candidates picks the items to rebuild: everything when forced or on a
// first run, otherwise items modified since the last completion plus
// items that never got a projection.
func (p *simplification) candidates(ctx context.Context) ([]model.Item, error) {
	entry, err := p.deps.Store.GetEntry(ctx, p.step.ProcessorID)
	if err != nil {
		return nil, eris.Wrap(err, "load run record")
	}

	if p.step.Force || entry == nil || entry.LastComplete == nil || entry.Failed() {
		items, err := p.deps.Store.ListItems(ctx, store.ItemFilter{})
		if err != nil {
			return nil, eris.Wrap(err, "list items")
		}
		return items, nil
	}

	changed, err := p.deps.Store.ListItems(ctx, store.ItemFilter{ModifiedSince: entry.LastComplete})
	if err != nil {
		return nil, eris.Wrap(err, "list changed items")
	}
	missing, err := p.deps.Store.ListItems(ctx, store.ItemFilter{MissingSimplified: true})
	if err != nil {
		return nil, eris.Wrap(err, "list unsimplified items")
	}

	seen := make(map[string]struct{}, len(changed))
	items := changed
	for _, item := range changed {
		seen[item.ID] = struct{}{}
	}
	for _, item := range missing {
		if _, ok := seen[item.ID]; !ok {
			items = append(items, item)
		}
	}
	return items, nil
}

// keywordMap groups keyword values by slugified type label, trimming
// and de-duplicating values within each group.
func keywordMap(keywords []model.Keyword) map[string][]string {
	if len(keywords) == 0 {
		return nil
	}
	out := make(map[string][]string)
	for _, kw := range keywords {
		name := strings.TrimSpace(kw.Name)
		if name == "" {
			continue
		}
		key := slugify(kw.Type)
		dup := false
		for _, existing := range out[key] {
			if strings.EqualFold(existing, name) {
				dup = true
				break
			}
		}
		if !dup {
			out[key] = append(out[key], name)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// slugify lowercases a keyword-type label and squashes every non
// alphanumeric run into a single underscore.
func slugify(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return "uncategorized"
	}
	var b strings.Builder
	lastUnderscore := false
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	slug := strings.TrimRight(b.String(), "_")
	if slug == "" {
		return "uncategorized"
	}
	return slug
}
