package pipeline

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/lccnetwork/catalog-sync/internal/model"
	"github.com/lccnetwork/catalog-sync/internal/runlog"
)

// Downstream content collection paths by item type.
var itemPaths = map[model.ItemType]string{
	model.ItemTypeProject: "/api/v1/projects",
	model.ItemTypeProduct: "/api/v1/products",
}

// itemsToLccnet pushes one item type into the downstream content
// system: update entries that exist, create the rest, delete entries
// whose source item is gone.
type itemsToLccnet struct {
	deps     Deps
	step     Step
	itemType model.ItemType
}

func newItemsToLccnet(deps Deps, step Step) (Processor, error) {
	if deps.Lccnet == nil {
		return nil, eris.New("pipeline: items_to_lccnet requires an lccnet session")
	}
	itemType := model.ItemType(step.ConfigString("type"))
	if _, ok := itemPaths[itemType]; !ok {
		return nil, eris.Errorf("pipeline: items_to_lccnet has invalid item type %q", itemType)
	}
	return &itemsToLccnet{deps: deps, step: step, itemType: itemType}, nil
}

func (p *itemsToLccnet) Class() string { return "ItemsToLccnet" }

// lccnetEntry is a downstream content row; sbid carries the upstream
// item id the entry was synced from.
type lccnetEntry struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Sbid string `json:"sbid"`
}

// itemPayload is the write-back body for a downstream entry.
type itemPayload struct {
	Title       string   `json:"title"`
	Body        string   `json:"body,omitempty"`
	Sbid        string   `json:"sbid"`
	Lcc         string   `json:"lcc"`
	People      []string `json:"people,omitempty"`
	Cooperators []string `json:"cooperators,omitempty"`
	FiscalYears []int    `json:"fiscal_years,omitempty"`
}

func (p *itemsToLccnet) Run(ctx context.Context) (map[string]any, error) {
	if err := p.deps.Lccnet.Login(ctx); err != nil {
		return nil, err
	}
	path := itemPaths[p.itemType]

	existing, err := p.existingBySbid(ctx, path)
	if err != nil {
		return nil, err
	}
	lccRefs, err := p.lccRefs(ctx)
	if err != nil {
		return nil, err
	}
	itemContacts, err := p.contactsByItem(ctx)
	if err != nil {
		return nil, err
	}

	items, err := p.deps.Store.ListItems(ctx, itemFilter("", p.itemType))
	if err != nil {
		return nil, eris.Wrap(err, "list items")
	}

	created, updated, skipped := 0, 0, 0
	for _, item := range items {
		entry, seen := existing[item.ID]
		delete(existing, item.ID)

		if item.Simplified == nil {
			skipped++
			_ = p.deps.Log.Warn(ctx, p.step.ProcessorID, "item has no simplified view, skipped",
				runlog.WithLcc(item.LccID), runlog.WithItem(item.ID))
			continue
		}
		lccRef, ok := lccRefs[item.LccID]
		if !ok {
			skipped++
			_ = p.deps.Log.Warn(ctx, p.step.ProcessorID, "owning lcc is not linked downstream, skipped",
				runlog.WithLcc(item.LccID), runlog.WithItem(item.ID))
			continue
		}

		payload := p.payload(item, lccRef, itemContacts[item.ID])

		var body json.RawMessage
		if seen {
			body, err = p.deps.Lccnet.Put(ctx, path+"/"+entry.ID, payload)
		} else {
			body, err = p.deps.Lccnet.Post(ctx, path, payload)
		}
		if err != nil {
			return nil, eris.Wrapf(err, "write back item %s", item.ID)
		}
		if seen {
			updated++
		} else {
			created++
		}

		var confirmed lccnetEntry
		if err := json.Unmarshal(body, &confirmed); err != nil {
			return nil, eris.Wrapf(err, "decode write-back response for %s", item.ID)
		}
		ref := &model.LccnetRef{ID: confirmed.ID, URL: confirmed.URL}
		if err := p.deps.Store.SetItemLccnetRef(ctx, item.ID, ref); err != nil {
			return nil, eris.Wrapf(err, "store ref for %s", item.ID)
		}
	}

	// Entries whose source item no longer exists locally.
	deleted := 0
	for sbid, entry := range existing {
		if err := p.deps.Lccnet.Delete(ctx, path+"/"+entry.ID); err != nil {
			return nil, eris.Wrapf(err, "delete downstream entry %s", entry.ID)
		}
		deleted++
		_ = p.deps.Log.Info(ctx, p.step.ProcessorID, "downstream entry has no source item, deleted",
			runlog.WithCode("item_deleted"), runlog.WithItem(sbid))
	}

	return map[string]any{
		"type":    string(p.itemType),
		"total":   len(items),
		"created": created,
		"updated": updated,
		"skipped": skipped,
		"deleted": deleted,
	}, nil
}

func (p *itemsToLccnet) payload(item model.Item, lccRef *model.LccnetRef, contacts []model.Contact) itemPayload {
	payload := itemPayload{
		Title:       item.Simplified.Title,
		Body:        item.Simplified.Abstract,
		Sbid:        item.ID,
		Lcc:         lccRef.ID,
		FiscalYears: item.Simplified.FiscalYears,
	}
	for _, contact := range contacts {
		if contact.LccnetRef == nil {
			continue
		}
		if contact.IsOrganization {
			payload.Cooperators = append(payload.Cooperators, contact.LccnetRef.ID)
		} else {
			payload.People = append(payload.People, contact.LccnetRef.ID)
		}
	}
	return payload
}

func (p *itemsToLccnet) existingBySbid(ctx context.Context, path string) (map[string]lccnetEntry, error) {
	rows, err := p.deps.Lccnet.GetList(ctx, path)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]lccnetEntry, len(rows))
	for _, row := range rows {
		var entry lccnetEntry
		if err := json.Unmarshal(row, &entry); err != nil {
			return nil, eris.Wrap(err, "decode downstream entry")
		}
		if entry.Sbid == "" {
			continue
		}
		existing[entry.Sbid] = entry
	}
	return existing, nil
}

func (p *itemsToLccnet) lccRefs(ctx context.Context) (map[string]*model.LccnetRef, error) {
	lccs, err := p.deps.Store.ListLccs(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "list lccs")
	}
	refs := make(map[string]*model.LccnetRef, len(lccs))
	for _, lcc := range lccs {
		if lcc.LccnetRef != nil {
			refs[lcc.ID] = lcc.LccnetRef
		}
	}
	return refs, nil
}

func (p *itemsToLccnet) contactsByItem(ctx context.Context) (map[string][]model.Contact, error) {
	contacts, err := p.deps.Store.ListContacts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "list contacts")
	}
	byItem := make(map[string][]model.Contact)
	for _, contact := range contacts {
		for _, itemID := range contact.ItemIDs {
			byItem[itemID] = append(byItem[itemID], contact)
		}
	}
	return byItem, nil
}
