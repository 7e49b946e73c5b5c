package pipeline

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/lccnetwork/catalog-sync/internal/model"
	"github.com/lccnetwork/catalog-sync/internal/runlog"
	"github.com/lccnetwork/catalog-sync/internal/store"
	"github.com/lccnetwork/catalog-sync/pkg/sciencebase"
)

func itemFilter(lccID string, t model.ItemType) store.ItemFilter {
	return store.ItemFilter{LccID: lccID, Type: t}
}

// typeTags maps an item type to the catalog tag its search is filtered by.
var typeTags = map[model.ItemType]string{
	model.ItemTypeProject: "Project",
	model.ItemTypeProduct: "Data",
}

// fromScienceBase mirrors every tenant's projects and products from the
// upstream catalog into the local store, diffing by content digest and
// deleting items that vanished upstream.
type fromScienceBase struct {
	deps Deps
	step Step
}

func newFromScienceBase(deps Deps, step Step) (Processor, error) {
	if deps.Catalog == nil {
		return nil, eris.New("pipeline: fromsciencebase requires a catalog client")
	}
	return &fromScienceBase{deps: deps, step: step}, nil
}

func (p *fromScienceBase) Class() string { return "FromScienceBase" }

func (p *fromScienceBase) Run(ctx context.Context) (map[string]any, error) {
	lccs, err := p.deps.Store.ListLccs(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "list lccs")
	}
	if len(lccs) == 0 {
		return nil, eris.New("no lccs configured, nothing to sync")
	}

	var all []*model.ItemCounts
	for i, lcc := range lccs {
		if i > 0 {
			if err := sleep(ctx, p.deps.Cfg.Sync.LccPause); err != nil {
				return nil, err
			}
		}
		counts, err := p.syncLcc(ctx, lcc)
		if err != nil {
			return nil, eris.Wrapf(err, "sync lcc %s", lcc.ID)
		}
		all = append(all, counts)
		p.deps.Catalog.ResetConnections()
	}

	return map[string]any{"lccs": all}, nil
}

func (p *fromScienceBase) syncLcc(ctx context.Context, lcc model.Lcc) (*model.ItemCounts, error) {
	counts := &model.ItemCounts{
		LccID:    lcc.ID,
		LccTitle: lcc.Title,
		Started:  time.Now().UTC(),
	}

	for _, t := range model.ItemTypes {
		if err := p.syncType(ctx, lcc, t, counts); err != nil {
			return nil, err
		}
	}

	if err := p.deps.Store.TouchLccSync(ctx, lcc.ID, time.Now().UTC()); err != nil {
		return nil, eris.Wrap(err, "touch lcc sync time")
	}
	if err := p.checkAssociations(ctx, lcc); err != nil {
		return nil, err
	}

	counts.Finish(time.Now().UTC())
	return counts, nil
}

func (p *fromScienceBase) syncType(ctx context.Context, lcc model.Lcc, t model.ItemType, counts *model.ItemCounts) error {
	ids, err := p.deps.Store.ListItemIDs(ctx, lcc.ID, t)
	if err != nil {
		return eris.Wrap(err, "list item ids")
	}
	remaining := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		remaining[id] = struct{}{}
	}

	var mu sync.Mutex
	cursor := p.deps.Catalog.Search(lcc.ID, typeTags[t], p.deps.Cfg.ScienceBase.Tag)
	for {
		page, err := cursor.Next(ctx)
		if err != nil {
			return err
		}
		if page == nil {
			break
		}
		counts.Pages++

		// One page in flight at a time; items within the page are
		// ingested concurrently.
		g, gctx := errgroup.WithContext(ctx)
		for _, it := range page.Items {
			g.Go(func() error {
				return p.syncItem(gctx, lcc, t, it, counts, remaining, &mu)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	// Whatever is left was not seen upstream this run.
	tc := counts.ForType(t)
	for id := range remaining {
		if err := p.deps.Store.DeleteItem(ctx, id); err != nil {
			return eris.Wrapf(err, "delete item %s", id)
		}
		tc.Deleted++
		_ = p.deps.Log.Info(ctx, p.step.ProcessorID, "item no longer upstream, deleted",
			runlog.WithCode("item_deleted"), runlog.WithLcc(lcc.ID), runlog.WithItem(id))
	}
	return nil
}

func (p *fromScienceBase) syncItem(ctx context.Context, lcc model.Lcc, t model.ItemType,
	it sciencebase.SearchItem, counts *model.ItemCounts, remaining map[string]struct{}, mu *sync.Mutex,
) error {
	tc := counts.ForType(t)

	// The item exists upstream, so it is never reconcile-deleted this
	// run, ignored or not.
	mu.Lock()
	delete(remaining, it.ID)
	tc.Total++
	mu.Unlock()

	mdURL := it.FileURL(p.deps.Cfg.ScienceBase.MetadataFileName)
	if mdURL == "" {
		mu.Lock()
		tc.Ignored++
		mu.Unlock()
		return p.deps.Log.Warn(ctx, p.step.ProcessorID, "item has no metadata attachment, ignored",
			runlog.WithCode("item_ignored_no_mdjson"), runlog.WithLcc(lcc.ID), runlog.WithItem(it.ID))
	}

	raw, err := p.deps.Catalog.FetchRaw(ctx, mdURL)
	if err != nil {
		if errors.Is(err, sciencebase.ErrNotFound) {
			mu.Lock()
			tc.Ignored++
			mu.Unlock()
			return p.deps.Log.Warn(ctx, p.step.ProcessorID, "metadata attachment returned 404, ignored",
				runlog.WithCode("item_ignored_404"), runlog.WithLcc(lcc.ID), runlog.WithItem(it.ID))
		}
		return eris.Wrapf(err, "fetch metadata for %s", it.ID)
	}

	doc, err := model.ParseRawDoc(raw)
	if err != nil {
		mu.Lock()
		tc.Ignored++
		mu.Unlock()
		return p.deps.Log.Warn(ctx, p.step.ProcessorID, "metadata document failed to parse, ignored",
			runlog.WithCode("item_ignored_parse"), runlog.WithLcc(lcc.ID), runlog.WithItem(it.ID),
			runlog.WithData(map[string]any{"error": err.Error()}))
	}

	hash := digest(raw)
	existing, err := p.deps.Store.GetItem(ctx, it.ID)
	if err != nil {
		return eris.Wrapf(err, "load item %s", it.ID)
	}
	if existing != nil && existing.Hash == hash && !p.step.Force {
		mu.Lock()
		tc.Unchanged++
		mu.Unlock()
		return nil
	}

	now := time.Now().UTC()
	item := model.Item{
		ID:       it.ID,
		LccID:    lcc.ID,
		Type:     t,
		Title:    title(doc, it),
		Hash:     hash,
		Created:  now,
		Modified: now,
		Raw:      raw,
	}
	if existing != nil {
		// Derived state survives a raw refresh until its own processors
		// rebuild it.
		item.Created = existing.Created
		item.Simplified = existing.Simplified
		item.LccnetRef = existing.LccnetRef
	}

	created, err := p.deps.Store.UpsertItem(ctx, item)
	if err != nil {
		return eris.Wrapf(err, "upsert item %s", it.ID)
	}
	mu.Lock()
	if created {
		tc.Created++
	} else {
		tc.Updated++
	}
	mu.Unlock()
	return nil
}

// checkAssociations is a diagnostic pass only: it flags associated
// resource references that are malformed or point at items the store
// does not hold, without changing any data.
func (p *fromScienceBase) checkAssociations(ctx context.Context, lcc model.Lcc) error {
	items, err := p.deps.Store.ListItems(ctx, itemFilter(lcc.ID, ""))
	if err != nil {
		return eris.Wrap(err, "list items for association check")
	}

	for _, item := range items {
		var doc struct {
			Associated []json.RawMessage `json:"associatedItems"`
		}
		if err := json.Unmarshal(item.Raw, &doc); err != nil {
			continue
		}
		for _, rawRef := range doc.Associated {
			var ref struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(rawRef, &ref); err != nil || ref.ID == "" {
				_ = p.deps.Log.Warn(ctx, p.step.ProcessorID, "associated resource reference is malformed",
					runlog.WithCode("assoc_malformed"), runlog.WithLcc(lcc.ID), runlog.WithItem(item.ID))
				continue
			}
			target, err := p.deps.Store.GetItem(ctx, ref.ID)
			if err != nil {
				return eris.Wrapf(err, "load associated item %s", ref.ID)
			}
			if target == nil {
				// Tell a not-yet-mirrored item apart from a reference
				// that dangles upstream as well.
				upstream := true
				if _, err := p.deps.Catalog.GetItem(ctx, ref.ID); err != nil {
					if !errors.Is(err, sciencebase.ErrNotFound) {
						return eris.Wrapf(err, "check associated item %s upstream", ref.ID)
					}
					upstream = false
				}
				_ = p.deps.Log.Warn(ctx, p.step.ProcessorID, "associated resource not in local store",
					runlog.WithCode("assoc_missing"), runlog.WithLcc(lcc.ID), runlog.WithItem(item.ID),
					runlog.WithData(map[string]any{"associated_id": ref.ID, "upstream": upstream}))
			}
		}
	}
	return nil
}

func digest(raw []byte) string {
	sum := sha1.Sum(raw)
	return hex.EncodeToString(sum[:])
}

func title(doc *model.RawDoc, it sciencebase.SearchItem) string {
	if doc != nil && doc.Title != "" {
		return doc.Title
	}
	return it.Title
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "pipeline: pause interrupted")
	case <-t.C:
		return nil
	}
}
