// Package model defines the domain types shared across the sync pipeline:
// tenants, catalog items, contacts, run records, and log entries.
package model

import (
	"encoding/json"
	"time"
)

// ItemType distinguishes the two catalog record kinds.
type ItemType string

const (
	ItemTypeProject ItemType = "project"
	ItemTypeProduct ItemType = "product"
)

// ItemTypes lists all item types in pipeline processing order.
var ItemTypes = []ItemType{ItemTypeProject, ItemTypeProduct}

// LccnetRef points at an entity in the downstream lccnetwork system.
type LccnetRef struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// Lcc is a tenant/organization owning a set of catalog items.
type Lcc struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	LastSync  *time.Time `json:"last_sync,omitempty"`
	LccnetRef *LccnetRef `json:"lccnet_ref,omitempty"`
}

// Item is a project or product record mirrored from the upstream source.
// ID equals the upstream identifier. Hash is the hex SHA-1 of Raw; the
// ingest processor rewrites an item only when the digest changes.
type Item struct {
	ID         string          `json:"id"`
	LccID      string          `json:"lcc_id"`
	Type       ItemType        `json:"type"`
	Title      string          `json:"title"`
	Hash       string          `json:"hash"`
	Created    time.Time       `json:"created"`
	Modified   time.Time       `json:"modified"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	Simplified *Simplified     `json:"simplified,omitempty"`
	LccnetRef  *LccnetRef      `json:"lccnet_ref,omitempty"`
}

// Simplified is the derived, query-friendly projection of an item's raw
// metadata document. Keyword map keys are slugified keyword-type labels.
type Simplified struct {
	Title       string              `json:"title"`
	LccTitle    string              `json:"lcc_title"`
	Abstract    string              `json:"abstract,omitempty"`
	Keywords    map[string][]string `json:"keywords,omitempty"`
	FiscalYears []int               `json:"fiscal_years,omitempty"`
}

// RawDoc is the subset of the upstream metadata document the pipeline
// reads. The full document is preserved verbatim in Item.Raw.
type RawDoc struct {
	Title       string    `json:"title"`
	Abstract    string    `json:"abstract"`
	Keywords    []Keyword `json:"keywords"`
	Contacts    []Mention `json:"contacts"`
	TimePeriods []Period  `json:"timePeriods"`
}

// Keyword is a single typed keyword from the raw document.
type Keyword struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// Mention is one raw contact reference on an item, before consolidation.
type Mention struct {
	Name           string `json:"name"`
	IsOrganization bool   `json:"isOrganization"`
	Email          string `json:"email,omitempty"`
	Position       string `json:"position,omitempty"`
}

// Period is a date range from the raw document, used for fiscal-year
// derivation. Either bound may be absent.
type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// ParseRawDoc decodes the pipeline-visible fields of a raw metadata
// document.
func ParseRawDoc(raw json.RawMessage) (*RawDoc, error) {
	var doc RawDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}
