package model

import "strings"

// Contact is a consolidated person or organization identity. The
// uniqueness key is (Name, IsOrganization) where Name is already
// normalized; every raw mention folds into exactly one Contact via
// alias-set membership. Contacts are never deleted by the pipeline.
type Contact struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	IsOrganization bool       `json:"is_organization"`
	Position       string     `json:"position,omitempty"`
	Aliases        []string   `json:"aliases"`
	Emails         []string   `json:"emails,omitempty"`
	LccIDs         []string   `json:"lcc_ids,omitempty"`
	ItemIDs        []string   `json:"item_ids,omitempty"`
	LccnetRef      *LccnetRef `json:"lccnet_ref,omitempty"`
}

// AddAlias unions an alias into the contact, case-insensitively.
func (c *Contact) AddAlias(alias string) {
	c.Aliases = unionFold(c.Aliases, alias)
}

// AddEmail unions an email into the contact, case-insensitively. Emails
// are stored lower-cased.
func (c *Contact) AddEmail(email string) {
	if email == "" {
		return
	}
	c.Emails = unionFold(c.Emails, strings.ToLower(email))
}

// AddLcc records the owning tenant back-reference.
func (c *Contact) AddLcc(lccID string) {
	c.LccIDs = unionFold(c.LccIDs, lccID)
}

// AddItem records the mentioning item back-reference.
func (c *Contact) AddItem(itemID string) {
	c.ItemIDs = unionFold(c.ItemIDs, itemID)
}

func unionFold(set []string, v string) []string {
	if v == "" {
		return set
	}
	for _, existing := range set {
		if strings.EqualFold(existing, v) {
			return set
		}
	}
	return append(set, v)
}
