package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/lccnetwork/catalog-sync/internal/model"
	"github.com/lccnetwork/catalog-sync/internal/names"
)

// Downstream collection paths.
const (
	peoplePath        = "/api/v1/people"
	organizationsPath = "/api/v1/organizations"
)

// contactAlignment links consolidated contacts to their counterparts in
// the downstream system: people are matched by email, organizations by
// normalized name or alias.
type contactAlignment struct {
	deps Deps
	step Step
}

func newContactAlignment(deps Deps, step Step) (Processor, error) {
	if deps.Lccnet == nil {
		return nil, eris.New("pipeline: contact alignment requires an lccnet session")
	}
	return &contactAlignment{deps: deps, step: step}, nil
}

func (p *contactAlignment) Class() string { return "LccnetContactAlignment" }

type lccnetPerson struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	URL   string `json:"url"`
}

type lccnetOrg struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Aliases []string `json:"aliases"`
	URL     string   `json:"url"`
}

func (p *contactAlignment) Run(ctx context.Context) (map[string]any, error) {
	if err := p.deps.Lccnet.Login(ctx); err != nil {
		return nil, err
	}

	byEmail, err := p.peopleByEmail(ctx)
	if err != nil {
		return nil, err
	}
	byAlias, err := p.orgsByAlias(ctx)
	if err != nil {
		return nil, err
	}

	contacts, err := p.deps.Store.ListContacts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "list contacts")
	}

	people, orgs, unmatched := 0, 0, 0
	for _, contact := range contacts {
		ref := p.match(contact, byEmail, byAlias)
		if ref == nil {
			unmatched++
			continue
		}
		contact.LccnetRef = ref
		if err := p.deps.Store.UpsertContact(ctx, contact); err != nil {
			return nil, eris.Wrapf(err, "attach ref to contact %q", contact.Name)
		}
		if contact.IsOrganization {
			orgs++
		} else {
			people++
		}
	}

	return map[string]any{
		"people_matched": people,
		"orgs_matched":   orgs,
		"unmatched":      unmatched,
	}, nil
}

func (p *contactAlignment) match(contact model.Contact,
	byEmail map[string]*model.LccnetRef, byAlias map[string]*model.LccnetRef,
) *model.LccnetRef {
	if contact.IsOrganization {
		for _, candidate := range append([]string{contact.Name}, contact.Aliases...) {
			if ref, ok := byAlias[strings.ToLower(names.Normalize(candidate))]; ok {
				return ref
			}
		}
		return nil
	}
	for _, email := range contact.Emails {
		if ref, ok := byEmail[email]; ok {
			return ref
		}
	}
	return nil
}

func (p *contactAlignment) peopleByEmail(ctx context.Context) (map[string]*model.LccnetRef, error) {
	rows, err := p.deps.Lccnet.GetList(ctx, peoplePath)
	if err != nil {
		return nil, err
	}
	byEmail := make(map[string]*model.LccnetRef, len(rows))
	for _, row := range rows {
		var person lccnetPerson
		if err := json.Unmarshal(row, &person); err != nil {
			return nil, eris.Wrap(err, "decode downstream person")
		}
		if person.Email == "" {
			continue
		}
		byEmail[strings.ToLower(person.Email)] = &model.LccnetRef{ID: person.ID, URL: person.URL}
	}
	return byEmail, nil
}

func (p *contactAlignment) orgsByAlias(ctx context.Context) (map[string]*model.LccnetRef, error) {
	rows, err := p.deps.Lccnet.GetList(ctx, organizationsPath)
	if err != nil {
		return nil, err
	}
	byAlias := make(map[string]*model.LccnetRef, len(rows))
	for _, row := range rows {
		var org lccnetOrg
		if err := json.Unmarshal(row, &org); err != nil {
			return nil, eris.Wrap(err, "decode downstream organization")
		}
		ref := &model.LccnetRef{ID: org.ID, URL: org.URL}
		for _, candidate := range append([]string{org.Title}, org.Aliases...) {
			if candidate == "" {
				continue
			}
			byAlias[strings.ToLower(names.Normalize(candidate))] = ref
		}
	}
	return byAlias, nil
}
