package pipeline

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/lccnetwork/catalog-sync/internal/model"
	"github.com/lccnetwork/catalog-sync/internal/names"
	"github.com/lccnetwork/catalog-sync/internal/runlog"
	"github.com/lccnetwork/catalog-sync/internal/store"
)

// contacts folds every raw contact mention across all items into the
// consolidated contact collection, keyed by normalized name and the
// organization flag.
type contacts struct {
	deps Deps
	step Step
}

func newContacts(deps Deps, step Step) (Processor, error) {
	return &contacts{deps: deps, step: step}, nil
}

func (p *contacts) Class() string { return "Contacts" }

func (p *contacts) Run(ctx context.Context) (map[string]any, error) {
	if p.step.Force {
		if err := p.deps.Store.ClearContacts(ctx); err != nil {
			return nil, eris.Wrap(err, "clear contacts")
		}
		_ = p.deps.Log.Info(ctx, p.step.ProcessorID, "contact collection cleared for rebuild")
	}

	items, err := p.deps.Store.ListItems(ctx, store.ItemFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "list items")
	}

	mentions := 0
	for _, item := range items {
		doc, err := model.ParseRawDoc(item.Raw)
		if err != nil {
			_ = p.deps.Log.Warn(ctx, p.step.ProcessorID, "stored metadata failed to parse, skipped",
				runlog.WithCode("item_ignored_parse"), runlog.WithLcc(item.LccID), runlog.WithItem(item.ID))
			continue
		}
		for _, mention := range doc.Contacts {
			if mention.Name == "" {
				continue
			}
			if err := p.fold(ctx, item, mention); err != nil {
				return nil, err
			}
			mentions++
		}
	}

	all, err := p.deps.Store.ListContacts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "count contacts")
	}

	return map[string]any{
		"mentions": mentions,
		"contacts": len(all),
	}, nil
}

// fold merges one mention into its consolidated contact, creating the
// contact on first sight. The raw spelling always joins the alias set.
func (p *contacts) fold(ctx context.Context, item model.Item, mention model.Mention) error {
	name := names.Normalize(mention.Name)

	contact, err := p.deps.Store.FindContact(ctx, name, mention.IsOrganization)
	if err != nil {
		return eris.Wrapf(err, "find contact %q", name)
	}
	if contact == nil {
		contact = &model.Contact{
			ID:             uuid.New().String(),
			Name:           name,
			IsOrganization: mention.IsOrganization,
		}
	}

	contact.AddAlias(mention.Name)
	contact.AddEmail(mention.Email)
	contact.AddLcc(item.LccID)
	contact.AddItem(item.ID)
	if contact.Position == "" && mention.Position != "" {
		contact.Position = mention.Position
	}

	if err := p.deps.Store.UpsertContact(ctx, *contact); err != nil {
		return eris.Wrapf(err, "upsert contact %q", name)
	}
	return nil
}
