package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lccnetwork/catalog-sync/internal/model"
	"github.com/lccnetwork/catalog-sync/internal/store"
)

// fakeCatalog serves a single-Lcc upstream: project items with their
// metadata attachments.
type fakeCatalog struct {
	srv *httptest.Server
	// items maps item id to its metadata document JSON; a nil value
	// serves a 404 for the attachment.
	items map[string]string
	// noFile lists item ids returned without any attachment.
	noFile []string
	// unmirrored lists ids that resolve upstream but never appear in
	// the tenant search results.
	unmirrored []string
}

func newFakeCatalog(t *testing.T) *fakeCatalog {
	t.Helper()
	f := &fakeCatalog{items: make(map[string]string)}
	mux := http.NewServeMux()
	mux.HandleFunc("/items", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query()["filter"][0] != "tags=Project" {
			fmt.Fprint(w, `{"total":0,"items":[]}`)
			return
		}
		var rows []map[string]any
		for id := range f.items {
			rows = append(rows, map[string]any{
				"id":    id,
				"title": "Item " + id,
				"files": []map[string]any{{
					"name": "md_metadata.json",
					"url":  f.srv.URL + "/md/" + id,
				}},
			})
		}
		for _, id := range f.noFile {
			rows = append(rows, map[string]any{"id": id, "title": "Item " + id})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"total": len(rows), "items": rows})
	})
	mux.HandleFunc("/item/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/item/"):]
		known := false
		if _, ok := f.items[id]; ok {
			known = true
		}
		for _, u := range f.unmirrored {
			if u == id {
				known = true
			}
		}
		if !known {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": id, "title": "Item " + id})
	})
	mux.HandleFunc("/md/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/md/"):]
		doc, ok := f.items[id]
		if !ok || doc == "" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, doc)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func runIngest(t *testing.T, st store.Store, catalog *fakeCatalog) map[string]any {
	t.Helper()
	return runIngestStep(t, st, catalog, Step{ProcessorID: "fromsciencebase", Kind: KindFromScienceBase})
}

func runIngestStep(t *testing.T, st store.Store, catalog *fakeCatalog, step Step) map[string]any {
	t.Helper()
	deps := newTestDeps(t, st)
	withCatalog(t, &deps, catalog.srv.URL)

	proc, err := newFromScienceBase(deps, step)
	require.NoError(t, err)
	results, err := proc.Run(context.Background())
	require.NoError(t, err)
	return results
}

func ingestCounts(t *testing.T, results map[string]any) model.ItemCounts {
	t.Helper()
	lccs, ok := results["lccs"].([]*model.ItemCounts)
	require.True(t, ok)
	require.Len(t, lccs, 1)
	return *lccs[0]
}

func TestIngestCreatesItems(t *testing.T) {
	st := newTestStore(t)
	seedLcc(t, st, "alcc", "Appalachian LCC", nil)

	catalog := newFakeCatalog(t)
	catalog.items["A"] = `{"title":"Project A","abstract":"about A"}`
	catalog.items["B"] = `{"title":"Project B"}`

	counts := ingestCounts(t, runIngest(t, st, catalog))
	assert.Equal(t, 2, counts.Projects.Total)
	assert.Equal(t, 2, counts.Projects.Created)
	assert.Equal(t, 0, counts.Projects.Updated)
	assert.GreaterOrEqual(t, counts.Pages, 1)

	item, err := st.GetItem(context.Background(), "A")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "Project A", item.Title)
	assert.Equal(t, model.ItemTypeProject, item.Type)
	assert.NotEmpty(t, item.Hash)

	lcc, err := st.GetLcc(context.Background(), "alcc")
	require.NoError(t, err)
	assert.NotNil(t, lcc.LastSync)
}

func TestIngestUnchangedDigestWritesNothing(t *testing.T) {
	st := newTestStore(t)
	seedLcc(t, st, "alcc", "Appalachian LCC", nil)

	catalog := newFakeCatalog(t)
	catalog.items["A"] = `{"title":"Project A"}`

	first := ingestCounts(t, runIngest(t, st, catalog))
	assert.Equal(t, 1, first.Projects.Created)

	second := ingestCounts(t, runIngest(t, st, catalog))
	assert.Equal(t, 0, second.Projects.Created)
	assert.Equal(t, 0, second.Projects.Updated)
	assert.Equal(t, 1, second.Projects.Unchanged)
}

func TestIngestForceRewritesUnchangedItems(t *testing.T) {
	st := newTestStore(t)
	seedLcc(t, st, "alcc", "Appalachian LCC", nil)

	catalog := newFakeCatalog(t)
	catalog.items["A"] = `{"title":"Project A"}`
	runIngest(t, st, catalog)

	require.NoError(t, st.SetSimplified(context.Background(), "A",
		&model.Simplified{Title: "Project A"}))

	counts := ingestCounts(t, runIngestStep(t, st, catalog,
		Step{ProcessorID: "fromsciencebase", Kind: KindFromScienceBase, Force: true}))
	assert.Equal(t, 1, counts.Projects.Updated)
	assert.Equal(t, 0, counts.Projects.Unchanged)

	// A forced rewrite still carries the derived state forward.
	item, err := st.GetItem(context.Background(), "A")
	require.NoError(t, err)
	require.NotNil(t, item.Simplified)
}

func TestIngestChangedDigestUpdates(t *testing.T) {
	st := newTestStore(t)
	seedLcc(t, st, "alcc", "Appalachian LCC", nil)

	catalog := newFakeCatalog(t)
	catalog.items["A"] = `{"title":"Project A"}`
	runIngest(t, st, catalog)

	// Derived state must survive the refresh.
	require.NoError(t, st.SetSimplified(context.Background(), "A",
		&model.Simplified{Title: "Project A"}))

	catalog.items["A"] = `{"title":"Project A, revised"}`
	counts := ingestCounts(t, runIngest(t, st, catalog))
	assert.Equal(t, 1, counts.Projects.Updated)

	item, err := st.GetItem(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, "Project A, revised", item.Title)
	require.NotNil(t, item.Simplified)
}

func TestIngestDeletesVanishedItems(t *testing.T) {
	st := newTestStore(t)
	seedLcc(t, st, "alcc", "Appalachian LCC", nil)

	catalog := newFakeCatalog(t)
	catalog.items["A"] = `{"title":"Project A"}`
	catalog.items["B"] = `{"title":"Project B"}`
	catalog.items["C"] = `{"title":"Project C"}`
	runIngest(t, st, catalog)

	delete(catalog.items, "C")
	counts := ingestCounts(t, runIngest(t, st, catalog))
	assert.Equal(t, 1, counts.Projects.Deleted)

	gone, err := st.GetItem(context.Background(), "C")
	require.NoError(t, err)
	assert.Nil(t, gone)

	logs, err := st.ListLogs(context.Background(), time.Time{}, 100)
	require.NoError(t, err)
	assert.True(t, hasLogCode(logs, "item_deleted"))
}

func TestIngestIgnoresBrokenItems(t *testing.T) {
	st := newTestStore(t)
	seedLcc(t, st, "alcc", "Appalachian LCC", nil)

	catalog := newFakeCatalog(t)
	catalog.items["good"] = `{"title":"Good"}`
	catalog.items["gone"] = ""              // attachment 404s
	catalog.items["mangled"] = `{"title":` // attachment unparsable
	catalog.noFile = []string{"bare"}      // no attachment listed

	counts := ingestCounts(t, runIngest(t, st, catalog))
	assert.Equal(t, 4, counts.Projects.Total)
	assert.Equal(t, 3, counts.Projects.Ignored)
	assert.Equal(t, 1, counts.Projects.Created)

	logs, err := st.ListLogs(context.Background(), time.Time{}, 100)
	require.NoError(t, err)
	assert.True(t, hasLogCode(logs, "item_ignored_no_mdjson"))
	assert.True(t, hasLogCode(logs, "item_ignored_404"))
	assert.True(t, hasLogCode(logs, "item_ignored_parse"))
}

func TestIngestFlagsBrokenAssociations(t *testing.T) {
	st := newTestStore(t)
	seedLcc(t, st, "alcc", "Appalachian LCC", nil)

	catalog := newFakeCatalog(t)
	catalog.items["A"] = `{"title":"A","associatedItems":[{"id":"B"},{"id":"elsewhere"},{"id":"nowhere"},{"title":"no id"}]}`
	catalog.items["B"] = `{"title":"B"}`
	catalog.unmirrored = []string{"elsewhere"}
	runIngest(t, st, catalog)

	logs, err := st.ListLogs(context.Background(), time.Time{}, 100)
	require.NoError(t, err)
	assert.True(t, hasLogCode(logs, "assoc_missing"))
	assert.True(t, hasLogCode(logs, "assoc_malformed"))

	// Missing refs record whether the target still resolves upstream.
	upstream := map[string]bool{}
	for _, entry := range logs {
		if entry.Code == "assoc_missing" {
			id, _ := entry.Data["associated_id"].(string)
			up, _ := entry.Data["upstream"].(bool)
			upstream[id] = up
		}
	}
	assert.Equal(t, map[string]bool{"elsewhere": true, "nowhere": false}, upstream)
}

func TestIngestRequiresLccs(t *testing.T) {
	st := newTestStore(t)
	catalog := newFakeCatalog(t)
	deps := newTestDeps(t, st)
	withCatalog(t, &deps, catalog.srv.URL)

	proc, err := newFromScienceBase(deps, Step{ProcessorID: "fromsciencebase", Kind: KindFromScienceBase})
	require.NoError(t, err)
	_, err = proc.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no lccs configured")
}

func hasLogCode(logs []model.LogEntry, code string) bool {
	for _, entry := range logs {
		if entry.Code == code {
			return true
		}
	}
	return false
}
