// Package store persists the catalog: tenants, items, contacts, run
// records, and the bounded pipeline log. Two drivers implement the same
// interface, SQLite for single-node deployments and Postgres for shared
// ones.
package store

import (
	"context"
	"time"

	"github.com/lccnetwork/catalog-sync/internal/model"
)

// ItemFilter specifies criteria for listing items.
type ItemFilter struct {
	LccID             string
	Type              model.ItemType
	ModifiedSince     *time.Time
	MissingSimplified bool
}

// Store defines the persistence interface for the sync pipeline.
type Store interface {
	// Lccs. GetLcc returns (nil, nil) when absent.
	ListLccs(ctx context.Context) ([]model.Lcc, error)
	GetLcc(ctx context.Context, id string) (*model.Lcc, error)
	PutLcc(ctx context.Context, lcc model.Lcc) error
	TouchLccSync(ctx context.Context, id string, t time.Time) error
	DeleteLcc(ctx context.Context, id string) error

	// Items. GetItem returns (nil, nil) when absent. UpsertItem reports
	// whether the item was created (as opposed to updated).
	GetItem(ctx context.Context, id string) (*model.Item, error)
	UpsertItem(ctx context.Context, item model.Item) (bool, error)
	DeleteItem(ctx context.Context, id string) error
	ListItemIDs(ctx context.Context, lccID string, t model.ItemType) ([]string, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]model.Item, error)
	SetSimplified(ctx context.Context, id string, s *model.Simplified) error
	SetItemLccnetRef(ctx context.Context, id string, ref *model.LccnetRef) error

	// Contacts, keyed by (normalized name, organization flag).
	// FindContact returns (nil, nil) when absent.
	FindContact(ctx context.Context, name string, isOrganization bool) (*model.Contact, error)
	UpsertContact(ctx context.Context, c model.Contact) error
	ListContacts(ctx context.Context) ([]model.Contact, error)
	ClearContacts(ctx context.Context) error

	// Run records, one row per processor id. GetEntry returns (nil, nil)
	// when the processor has never run.
	GetEntry(ctx context.Context, processorID string) (*model.ProcessorEntry, error)
	UpsertEntry(ctx context.Context, e model.ProcessorEntry) error
	ListEntries(ctx context.Context, excludeClass string) ([]model.ProcessorEntry, error)

	// Bounded append-only log.
	AppendLog(ctx context.Context, e model.LogEntry) error
	ListLogs(ctx context.Context, since time.Time, limit int) ([]model.LogEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
