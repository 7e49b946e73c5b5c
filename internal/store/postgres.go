package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/lccnetwork/catalog-sync/internal/db"
	"github.com/lccnetwork/catalog-sync/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool       db.Pool
	maxLogRows int
	closeFn    func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, maxLogRows int) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, maxLogRows: maxLogRows, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS lccs (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	last_sync  TIMESTAMPTZ,
	lccnet_ref JSONB
);

CREATE TABLE IF NOT EXISTS items (
	id         TEXT PRIMARY KEY,
	lcc_id     TEXT NOT NULL REFERENCES lccs(id) ON DELETE CASCADE,
	type       TEXT NOT NULL,
	title      TEXT NOT NULL,
	hash       TEXT NOT NULL,
	created    TIMESTAMPTZ NOT NULL,
	modified   TIMESTAMPTZ NOT NULL,
	raw        JSONB NOT NULL,
	simplified JSONB,
	lccnet_ref JSONB
);

CREATE TABLE IF NOT EXISTS contacts (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	is_organization BOOLEAN NOT NULL,
	doc             JSONB NOT NULL,
	UNIQUE (name, is_organization)
);

CREATE TABLE IF NOT EXISTS processor_entries (
	processor_id    TEXT PRIMARY KEY,
	processor_class TEXT NOT NULL,
	last_start      TIMESTAMPTZ NOT NULL,
	last_complete   TIMESTAMPTZ,
	results         JSONB,
	error           JSONB
);

CREATE TABLE IF NOT EXISTS processor_logs (
	id           TEXT PRIMARY KEY,
	time         TIMESTAMPTZ NOT NULL,
	level        TEXT NOT NULL,
	processor_id TEXT NOT NULL,
	message      TEXT NOT NULL,
	code         TEXT,
	lcc_id       TEXT,
	item_id      TEXT,
	data         JSONB
);

CREATE INDEX IF NOT EXISTS idx_items_lcc_type ON items(lcc_id, type);
CREATE INDEX IF NOT EXISTS idx_items_modified ON items(modified);
CREATE INDEX IF NOT EXISTS idx_logs_time ON processor_logs(time);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Lccs

func (s *PostgresStore) ListLccs(ctx context.Context) ([]model.Lcc, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, last_sync, lccnet_ref FROM lccs ORDER BY title`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list lccs")
	}
	defer rows.Close()

	var lccs []model.Lcc
	for rows.Next() {
		l, err := scanLccPg(rows)
		if err != nil {
			return nil, err
		}
		lccs = append(lccs, *l)
	}
	return lccs, eris.Wrap(rows.Err(), "postgres: list lccs iterate")
}

func (s *PostgresStore) GetLcc(ctx context.Context, id string) (*model.Lcc, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, title, last_sync, lccnet_ref FROM lccs WHERE id = $1`, id,
	)
	l, err := scanLccPg(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

func (s *PostgresStore) PutLcc(ctx context.Context, lcc model.Lcc) error {
	refJSON, err := marshalOpt(lcc.LccnetRef)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal lccnet ref")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO lccs (id, title, last_sync, lccnet_ref) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET title = excluded.title,
		   last_sync = excluded.last_sync, lccnet_ref = excluded.lccnet_ref`,
		lcc.ID, lcc.Title, nullTime(lcc.LastSync), refJSON,
	)
	return eris.Wrapf(err, "postgres: put lcc %s", lcc.ID)
}

func (s *PostgresStore) TouchLccSync(ctx context.Context, id string, t time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE lccs SET last_sync = $1 WHERE id = $2`, t.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: touch lcc %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("lcc not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) DeleteLcc(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM lccs WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete lcc %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("lcc not found: %s", id)
	}
	return nil
}

// Items

func (s *PostgresStore) GetItem(ctx context.Context, id string) (*model.Item, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, lcc_id, type, title, hash, created, modified, raw, simplified, lccnet_ref
		 FROM items WHERE id = $1`, id,
	)
	it, err := scanItemPg(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return it, err
}

func (s *PostgresStore) UpsertItem(ctx context.Context, item model.Item) (bool, error) {
	simplifiedJSON, err := marshalOpt(item.Simplified)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal simplified")
	}
	refJSON, err := marshalOpt(item.LccnetRef)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal lccnet ref")
	}

	// xmax = 0 distinguishes an insert from a conflict-update.
	var created bool
	err = s.pool.QueryRow(ctx,
		`INSERT INTO items (id, lcc_id, type, title, hash, created, modified, raw, simplified, lccnet_ref)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   lcc_id = excluded.lcc_id, type = excluded.type, title = excluded.title,
		   hash = excluded.hash, modified = excluded.modified, raw = excluded.raw,
		   simplified = excluded.simplified, lccnet_ref = excluded.lccnet_ref
		 RETURNING (xmax = 0)`,
		item.ID, item.LccID, string(item.Type), item.Title, item.Hash,
		item.Created.UTC(), item.Modified.UTC(), string(item.Raw), simplifiedJSON, refJSON,
	).Scan(&created)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: upsert item %s", item.ID)
	}
	return created, nil
}

func (s *PostgresStore) DeleteItem(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM items WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete item %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("item not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) ListItemIDs(ctx context.Context, lccID string, t model.ItemType) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM items WHERE lcc_id = $1 AND type = $2 ORDER BY id`,
		lccID, string(t),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list item ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan item id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: list item ids iterate")
}

func (s *PostgresStore) ListItems(ctx context.Context, filter ItemFilter) ([]model.Item, error) {
	query := `SELECT id, lcc_id, type, title, hash, created, modified, raw, simplified, lccnet_ref
	          FROM items WHERE 1=1`
	var args []any

	if filter.LccID != "" {
		args = append(args, filter.LccID)
		query += ` AND lcc_id = $` + itoa(len(args))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += ` AND type = $` + itoa(len(args))
	}
	if filter.ModifiedSince != nil {
		args = append(args, filter.ModifiedSince.UTC())
		query += ` AND modified > $` + itoa(len(args))
	}
	if filter.MissingSimplified {
		query += ` AND simplified IS NULL`
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list items")
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		it, err := scanItemPg(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list items iterate")
}

func (s *PostgresStore) SetSimplified(ctx context.Context, id string, simplified *model.Simplified) error {
	simplifiedJSON, err := marshalOpt(simplified)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal simplified")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE items SET simplified = $1 WHERE id = $2`, simplifiedJSON, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set simplified %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("item not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) SetItemLccnetRef(ctx context.Context, id string, ref *model.LccnetRef) error {
	refJSON, err := marshalOpt(ref)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal lccnet ref")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE items SET lccnet_ref = $1 WHERE id = $2`, refJSON, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set item lccnet ref %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("item not found: %s", id)
	}
	return nil
}

// Contacts

func (s *PostgresStore) FindContact(ctx context.Context, name string, isOrganization bool) (*model.Contact, error) {
	var doc string
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM contacts WHERE name = $1 AND is_organization = $2`,
		name, isOrganization,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find contact")
	}
	var c model.Contact
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal contact")
	}
	return &c, nil
}

func (s *PostgresStore) UpsertContact(ctx context.Context, c model.Contact) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal contact")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO contacts (id, name, is_organization, doc) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name, is_organization) DO UPDATE SET doc = excluded.doc`,
		c.ID, c.Name, c.IsOrganization, string(doc),
	)
	return eris.Wrapf(err, "postgres: upsert contact %s", c.Name)
}

func (s *PostgresStore) ListContacts(ctx context.Context) ([]model.Contact, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM contacts ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list contacts")
	}
	defer rows.Close()

	var contacts []model.Contact
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "postgres: scan contact")
		}
		var c model.Contact
		if err := json.Unmarshal([]byte(doc), &c); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal contact")
		}
		contacts = append(contacts, c)
	}
	return contacts, eris.Wrap(rows.Err(), "postgres: list contacts iterate")
}

func (s *PostgresStore) ClearContacts(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM contacts`)
	return eris.Wrap(err, "postgres: clear contacts")
}

// Run records

func (s *PostgresStore) GetEntry(ctx context.Context, processorID string) (*model.ProcessorEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT processor_id, processor_class, last_start, last_complete, results, error
		 FROM processor_entries WHERE processor_id = $1`, processorID,
	)
	e, err := scanEntryPg(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *PostgresStore) UpsertEntry(ctx context.Context, e model.ProcessorEntry) error {
	resultsJSON, err := marshalOpt(e.Results)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal results")
	}
	errorJSON, err := marshalOpt(e.Error)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal error")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO processor_entries (processor_id, processor_class, last_start, last_complete, results, error)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (processor_id) DO UPDATE SET
		   processor_class = excluded.processor_class, last_start = excluded.last_start,
		   last_complete = excluded.last_complete, results = excluded.results, error = excluded.error`,
		e.ProcessorID, e.ProcessorClass, e.LastStart.UTC(), nullTime(e.LastComplete),
		resultsJSON, errorJSON,
	)
	return eris.Wrapf(err, "postgres: upsert entry %s", e.ProcessorID)
}

func (s *PostgresStore) ListEntries(ctx context.Context, excludeClass string) ([]model.ProcessorEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT processor_id, processor_class, last_start, last_complete, results, error
		 FROM processor_entries WHERE processor_class != $1 ORDER BY last_complete ASC`,
		excludeClass,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entries")
	}
	defer rows.Close()

	var entries []model.ProcessorEntry
	for rows.Next() {
		e, err := scanEntryPg(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list entries iterate")
}

// Log

func (s *PostgresStore) AppendLog(ctx context.Context, e model.LogEntry) error {
	dataJSON, err := marshalOpt(e.Data)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal log data")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO processor_logs (id, time, level, processor_id, message, code, lcc_id, item_id, data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.Time.UTC(), string(e.Level), e.ProcessorID, e.Message,
		e.Code, e.LccID, e.ItemID, dataJSON,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: append log")
	}

	if s.maxLogRows > 0 {
		_, err = s.pool.Exec(ctx,
			`DELETE FROM processor_logs WHERE id IN (
			   SELECT id FROM processor_logs ORDER BY time DESC OFFSET $1
			 )`, s.maxLogRows,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: trim log")
		}
	}
	return nil
}

func (s *PostgresStore) ListLogs(ctx context.Context, since time.Time, limit int) ([]model.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, time, level, processor_id, message, code, lcc_id, item_id, data
		 FROM processor_logs WHERE time > $1 ORDER BY time ASC LIMIT $2`,
		since.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list logs")
	}
	defer rows.Close()

	var entries []model.LogEntry
	for rows.Next() {
		var e model.LogEntry
		var code, lccID, itemID, dataJSON *string
		if err := rows.Scan(&e.ID, &e.Time, (*string)(&e.Level), &e.ProcessorID,
			&e.Message, &code, &lccID, &itemID, &dataJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan log")
		}
		e.Code = deref(code)
		e.LccID = deref(lccID)
		e.ItemID = deref(itemID)
		if dataJSON != nil && *dataJSON != "" {
			if err := json.Unmarshal([]byte(*dataJSON), &e.Data); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal log data")
			}
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list logs iterate")
}

// helpers

func itoa(n int) string {
	return strconv.Itoa(n)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func scanLccPg(row scannable) (*model.Lcc, error) {
	var l model.Lcc
	var lastSync *time.Time
	var refJSON *string

	err := row.Scan(&l.ID, &l.Title, &lastSync, &refJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan lcc")
	}
	l.LastSync = lastSync
	if refJSON != nil {
		l.LccnetRef = &model.LccnetRef{}
		if err := json.Unmarshal([]byte(*refJSON), l.LccnetRef); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal lccnet ref")
		}
	}
	return &l, nil
}

func scanItemPg(row scannable) (*model.Item, error) {
	var it model.Item
	var raw string
	var simplifiedJSON, refJSON *string

	err := row.Scan(&it.ID, &it.LccID, (*string)(&it.Type), &it.Title, &it.Hash,
		&it.Created, &it.Modified, &raw, &simplifiedJSON, &refJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan item")
	}
	it.Raw = []byte(raw)
	if simplifiedJSON != nil {
		it.Simplified = &model.Simplified{}
		if err := json.Unmarshal([]byte(*simplifiedJSON), it.Simplified); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal simplified")
		}
	}
	if refJSON != nil {
		it.LccnetRef = &model.LccnetRef{}
		if err := json.Unmarshal([]byte(*refJSON), it.LccnetRef); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal lccnet ref")
		}
	}
	return &it, nil
}

func scanEntryPg(row scannable) (*model.ProcessorEntry, error) {
	var e model.ProcessorEntry
	var lastComplete *time.Time
	var resultsJSON, errorJSON *string

	err := row.Scan(&e.ProcessorID, &e.ProcessorClass, &e.LastStart, &lastComplete,
		&resultsJSON, &errorJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan entry")
	}
	e.LastComplete = lastComplete
	if resultsJSON != nil && *resultsJSON != "" {
		if err := json.Unmarshal([]byte(*resultsJSON), &e.Results); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal results")
		}
	}
	if errorJSON != nil && *errorJSON != "" {
		e.Error = &model.ProcessorError{}
		if err := json.Unmarshal([]byte(*errorJSON), e.Error); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal error")
		}
	}
	return &e, nil
}
