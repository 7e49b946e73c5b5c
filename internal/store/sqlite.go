package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/lccnetwork/catalog-sync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db         *sql.DB
	maxLogRows int
}

// NewSQLite opens a SQLite database at the given path and configures WAL
// mode. maxLogRows bounds the pipeline log table; <= 0 means unbounded.
func NewSQLite(dsn string, maxLogRows int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, maxLogRows: maxLogRows}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS lccs (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	last_sync  DATETIME,
	lccnet_ref TEXT
);

CREATE TABLE IF NOT EXISTS items (
	id         TEXT PRIMARY KEY,
	lcc_id     TEXT NOT NULL REFERENCES lccs(id) ON DELETE CASCADE,
	type       TEXT NOT NULL,
	title      TEXT NOT NULL,
	hash       TEXT NOT NULL,
	created    DATETIME NOT NULL,
	modified   DATETIME NOT NULL,
	raw        TEXT NOT NULL,
	simplified TEXT,
	lccnet_ref TEXT
);

CREATE TABLE IF NOT EXISTS contacts (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	is_organization INTEGER NOT NULL,
	doc             TEXT NOT NULL,
	UNIQUE (name, is_organization)
);

CREATE TABLE IF NOT EXISTS processor_entries (
	processor_id    TEXT PRIMARY KEY,
	processor_class TEXT NOT NULL,
	last_start      DATETIME NOT NULL,
	last_complete   DATETIME,
	results         TEXT,
	error           TEXT
);

CREATE TABLE IF NOT EXISTS processor_logs (
	id           TEXT PRIMARY KEY,
	time         DATETIME NOT NULL,
	level        TEXT NOT NULL,
	processor_id TEXT NOT NULL,
	message      TEXT NOT NULL,
	code         TEXT,
	lcc_id       TEXT,
	item_id      TEXT,
	data         TEXT
);

CREATE INDEX IF NOT EXISTS idx_items_lcc_type ON items(lcc_id, type);
CREATE INDEX IF NOT EXISTS idx_items_modified ON items(modified);
CREATE INDEX IF NOT EXISTS idx_logs_time ON processor_logs(time);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Lccs

func (s *SQLiteStore) ListLccs(ctx context.Context) ([]model.Lcc, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, last_sync, lccnet_ref FROM lccs ORDER BY title`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list lccs")
	}
	defer rows.Close()

	var lccs []model.Lcc
	for rows.Next() {
		l, err := scanLcc(rows)
		if err != nil {
			return nil, err
		}
		lccs = append(lccs, *l)
	}
	return lccs, eris.Wrap(rows.Err(), "sqlite: list lccs iterate")
}

func (s *SQLiteStore) GetLcc(ctx context.Context, id string) (*model.Lcc, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, last_sync, lccnet_ref FROM lccs WHERE id = ?`, id,
	)
	l, err := scanLcc(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

func (s *SQLiteStore) PutLcc(ctx context.Context, lcc model.Lcc) error {
	refJSON, err := marshalOpt(lcc.LccnetRef)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal lccnet ref")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO lccs (id, title, last_sync, lccnet_ref) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET title = excluded.title,
		   last_sync = excluded.last_sync, lccnet_ref = excluded.lccnet_ref`,
		lcc.ID, lcc.Title, nullTime(lcc.LastSync), refJSON,
	)
	return eris.Wrapf(err, "sqlite: put lcc %s", lcc.ID)
}

func (s *SQLiteStore) TouchLccSync(ctx context.Context, id string, t time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lccs SET last_sync = ? WHERE id = ?`, t.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: touch lcc %s", id)
	}
	return checkRowsAffected(res, "lcc", id)
}

func (s *SQLiteStore) DeleteLcc(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM lccs WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete lcc %s", id)
	}
	return checkRowsAffected(res, "lcc", id)
}

// Items

func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*model.Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, lcc_id, type, title, hash, created, modified, raw, simplified, lccnet_ref
		 FROM items WHERE id = ?`, id,
	)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return it, err
}

func (s *SQLiteStore) UpsertItem(ctx context.Context, item model.Item) (bool, error) {
	simplifiedJSON, err := marshalOpt(item.Simplified)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal simplified")
	}
	refJSON, err := marshalOpt(item.LccnetRef)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal lccnet ref")
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM items WHERE id = ?`, item.ID).Scan(&exists)
	created := err == sql.ErrNoRows
	if err != nil && err != sql.ErrNoRows {
		return false, eris.Wrapf(err, "sqlite: check item %s", item.ID)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO items (id, lcc_id, type, title, hash, created, modified, raw, simplified, lccnet_ref)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   lcc_id = excluded.lcc_id, type = excluded.type, title = excluded.title,
		   hash = excluded.hash, modified = excluded.modified, raw = excluded.raw,
		   simplified = excluded.simplified, lccnet_ref = excluded.lccnet_ref`,
		item.ID, item.LccID, string(item.Type), item.Title, item.Hash,
		item.Created.UTC(), item.Modified.UTC(), string(item.Raw), simplifiedJSON, refJSON,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: upsert item %s", item.ID)
	}
	return created, nil
}

func (s *SQLiteStore) DeleteItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete item %s", id)
	}
	return checkRowsAffected(res, "item", id)
}

func (s *SQLiteStore) ListItemIDs(ctx context.Context, lccID string, t model.ItemType) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM items WHERE lcc_id = ? AND type = ? ORDER BY id`,
		lccID, string(t),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list item ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan item id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: list item ids iterate")
}

func (s *SQLiteStore) ListItems(ctx context.Context, filter ItemFilter) ([]model.Item, error) {
	query := `SELECT id, lcc_id, type, title, hash, created, modified, raw, simplified, lccnet_ref
	          FROM items WHERE 1=1`
	var args []any

	if filter.LccID != "" {
		query += ` AND lcc_id = ?`
		args = append(args, filter.LccID)
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.ModifiedSince != nil {
		query += ` AND modified > ?`
		args = append(args, filter.ModifiedSince.UTC())
	}
	if filter.MissingSimplified {
		query += ` AND simplified IS NULL`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list items")
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list items iterate")
}

func (s *SQLiteStore) SetSimplified(ctx context.Context, id string, simplified *model.Simplified) error {
	simplifiedJSON, err := marshalOpt(simplified)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal simplified")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET simplified = ? WHERE id = ?`, simplifiedJSON, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set simplified %s", id)
	}
	return checkRowsAffected(res, "item", id)
}

func (s *SQLiteStore) SetItemLccnetRef(ctx context.Context, id string, ref *model.LccnetRef) error {
	refJSON, err := marshalOpt(ref)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal lccnet ref")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET lccnet_ref = ? WHERE id = ?`, refJSON, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set item lccnet ref %s", id)
	}
	return checkRowsAffected(res, "item", id)
}

// Contacts

func (s *SQLiteStore) FindContact(ctx context.Context, name string, isOrganization bool) (*model.Contact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM contacts WHERE name = ? AND is_organization = ?`,
		name, boolInt(isOrganization),
	)
	var doc string
	err := row.Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find contact")
	}
	var c model.Contact
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal contact")
	}
	return &c, nil
}

func (s *SQLiteStore) UpsertContact(ctx context.Context, c model.Contact) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal contact")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contacts (id, name, is_organization, doc) VALUES (?, ?, ?, ?)
		 ON CONFLICT (name, is_organization) DO UPDATE SET doc = excluded.doc`,
		c.ID, c.Name, boolInt(c.IsOrganization), string(doc),
	)
	return eris.Wrapf(err, "sqlite: upsert contact %s", c.Name)
}

func (s *SQLiteStore) ListContacts(ctx context.Context) ([]model.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM contacts ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list contacts")
	}
	defer rows.Close()

	var contacts []model.Contact
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan contact")
		}
		var c model.Contact
		if err := json.Unmarshal([]byte(doc), &c); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal contact")
		}
		contacts = append(contacts, c)
	}
	return contacts, eris.Wrap(rows.Err(), "sqlite: list contacts iterate")
}

func (s *SQLiteStore) ClearContacts(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM contacts`)
	return eris.Wrap(err, "sqlite: clear contacts")
}

// Run records

func (s *SQLiteStore) GetEntry(ctx context.Context, processorID string) (*model.ProcessorEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT processor_id, processor_class, last_start, last_complete, results, error
		 FROM processor_entries WHERE processor_id = ?`, processorID,
	)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (s *SQLiteStore) UpsertEntry(ctx context.Context, e model.ProcessorEntry) error {
	resultsJSON, err := marshalOpt(e.Results)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal results")
	}
	errorJSON, err := marshalOpt(e.Error)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal error")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO processor_entries (processor_id, processor_class, last_start, last_complete, results, error)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (processor_id) DO UPDATE SET
		   processor_class = excluded.processor_class, last_start = excluded.last_start,
		   last_complete = excluded.last_complete, results = excluded.results, error = excluded.error`,
		e.ProcessorID, e.ProcessorClass, e.LastStart.UTC(), nullTime(e.LastComplete),
		resultsJSON, errorJSON,
	)
	return eris.Wrapf(err, "sqlite: upsert entry %s", e.ProcessorID)
}

func (s *SQLiteStore) ListEntries(ctx context.Context, excludeClass string) ([]model.ProcessorEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT processor_id, processor_class, last_start, last_complete, results, error
		 FROM processor_entries WHERE processor_class != ? ORDER BY last_complete ASC`,
		excludeClass,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entries")
	}
	defer rows.Close()

	var entries []model.ProcessorEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list entries iterate")
}

// Log

func (s *SQLiteStore) AppendLog(ctx context.Context, e model.LogEntry) error {
	dataJSON, err := marshalOpt(e.Data)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal log data")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO processor_logs (id, time, level, processor_id, message, code, lcc_id, item_id, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Time.UTC(), string(e.Level), e.ProcessorID, e.Message,
		e.Code, e.LccID, e.ItemID, dataJSON,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: append log")
	}

	if s.maxLogRows > 0 {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM processor_logs WHERE id IN (
			   SELECT id FROM processor_logs ORDER BY time DESC LIMIT -1 OFFSET ?
			 )`, s.maxLogRows,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: trim log")
		}
	}
	return nil
}

func (s *SQLiteStore) ListLogs(ctx context.Context, since time.Time, limit int) ([]model.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, time, level, processor_id, message, code, lcc_id, item_id, data
		 FROM processor_logs WHERE time > ? ORDER BY time ASC LIMIT ?`,
		since.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list logs")
	}
	defer rows.Close()

	var entries []model.LogEntry
	for rows.Next() {
		var e model.LogEntry
		var code, lccID, itemID, dataJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.Time, (*string)(&e.Level), &e.ProcessorID,
			&e.Message, &code, &lccID, &itemID, &dataJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan log")
		}
		e.Code = code.String
		e.LccID = lccID.String
		e.ItemID = itemID.String
		if dataJSON.Valid && dataJSON.String != "" {
			if err := json.Unmarshal([]byte(dataJSON.String), &e.Data); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal log data")
			}
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list logs iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

// marshalOpt marshals a nullable value, returning a NULL-able column value.
func marshalOpt(v any) (any, error) {
	switch val := v.(type) {
	case *model.LccnetRef:
		if val == nil {
			return nil, nil
		}
	case *model.Simplified:
		if val == nil {
			return nil, nil
		}
	case *model.ProcessorError:
		if val == nil {
			return nil, nil
		}
	case map[string]any:
		if val == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanLcc(row scannable) (*model.Lcc, error) {
	var l model.Lcc
	var lastSync sql.NullTime
	var refJSON sql.NullString

	err := row.Scan(&l.ID, &l.Title, &lastSync, &refJSON)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan lcc")
	}
	if lastSync.Valid {
		t := lastSync.Time
		l.LastSync = &t
	}
	if refJSON.Valid {
		l.LccnetRef = &model.LccnetRef{}
		if err := json.Unmarshal([]byte(refJSON.String), l.LccnetRef); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal lccnet ref")
		}
	}
	return &l, nil
}

func scanItem(row scannable) (*model.Item, error) {
	var it model.Item
	var raw string
	var simplifiedJSON, refJSON sql.NullString

	err := row.Scan(&it.ID, &it.LccID, (*string)(&it.Type), &it.Title, &it.Hash,
		&it.Created, &it.Modified, &raw, &simplifiedJSON, &refJSON)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan item")
	}
	it.Raw = []byte(raw)
	if simplifiedJSON.Valid {
		it.Simplified = &model.Simplified{}
		if err := json.Unmarshal([]byte(simplifiedJSON.String), it.Simplified); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal simplified")
		}
	}
	if refJSON.Valid {
		it.LccnetRef = &model.LccnetRef{}
		if err := json.Unmarshal([]byte(refJSON.String), it.LccnetRef); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal lccnet ref")
		}
	}
	return &it, nil
}

func scanEntry(row scannable) (*model.ProcessorEntry, error) {
	var e model.ProcessorEntry
	var lastComplete sql.NullTime
	var resultsJSON, errorJSON sql.NullString

	err := row.Scan(&e.ProcessorID, &e.ProcessorClass, &e.LastStart, &lastComplete,
		&resultsJSON, &errorJSON)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan entry")
	}
	if lastComplete.Valid {
		t := lastComplete.Time
		e.LastComplete = &t
	}
	if resultsJSON.Valid && resultsJSON.String != "" {
		if err := json.Unmarshal([]byte(resultsJSON.String), &e.Results); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal results")
		}
	}
	if errorJSON.Valid && errorJSON.String != "" {
		e.Error = &model.ProcessorError{}
		if err := json.Unmarshal([]byte(errorJSON.String), e.Error); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal error")
		}
	}
	return &e, nil
}
