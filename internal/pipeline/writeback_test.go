package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lccnetwork/catalog-sync/internal/model"
	"github.com/lccnetwork/catalog-sync/internal/store"
	"github.com/lccnetwork/catalog-sync/pkg/lccnet"
)

func newWritebackProc(t *testing.T, st store.Store, fake *fakeLccnet, itemType model.ItemType) Processor {
	t.Helper()
	deps := newTestDeps(t, st)
	withLccnet(t, &deps, fake.srv.URL)
	proc, err := newItemsToLccnet(deps, Step{
		ProcessorID: "items_to_lccnet_" + string(itemType) + "s",
		Kind:        KindItemsToLccnet,
		Config:      map[string]any{"type": string(itemType)},
	})
	require.NoError(t, err)
	return proc
}

func seedLinkedProject(t *testing.T, st store.Store, id string) {
	t.Helper()
	seedItem(t, st, model.Item{
		ID: id, LccID: "alcc", Type: model.ItemTypeProject, Title: id,
		Raw:        rawDoc(t, map[string]any{"title": id}),
		Simplified: &model.Simplified{Title: "Project " + id, Abstract: "about " + id},
	})
}

func TestWritebackCreatesUpdatesAndDeletes(t *testing.T) {
	st := newTestStore(t)
	seedLcc(t, st, "alcc", "Appalachian LCC", &model.LccnetRef{ID: "lcc-9"})
	seedLinkedProject(t, st, "A")
	seedLinkedProject(t, st, "B")

	fake := newFakeLccnet(t)
	// A already exists downstream; Z has no source item anymore.
	fake.setCollection(itemPaths[model.ItemTypeProject],
		map[string]any{"id": "dn-A", "sbid": "A", "url": fake.srv.URL + "/api/v1/projects/dn-A"},
		map[string]any{"id": "dn-Z", "sbid": "Z", "url": fake.srv.URL + "/api/v1/projects/dn-Z"},
	)

	proc := newWritebackProc(t, st, fake, model.ItemTypeProject)
	results, err := proc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, results["updated"])
	assert.Equal(t, 1, results["created"])
	assert.Equal(t, 1, results["deleted"])
	assert.Equal(t, 0, results["skipped"])

	assert.Equal(t, []string{"/api/v1/projects/dn-A"}, fake.put)
	assert.Equal(t, []string{"/api/v1/projects"}, fake.posted)
	assert.Equal(t, []string{"/api/v1/projects/dn-Z"}, fake.deleted)

	// Confirmed refs land back on the items.
	a, err := st.GetItem(context.Background(), "A")
	require.NoError(t, err)
	require.NotNil(t, a.LccnetRef)
	assert.Equal(t, "dn-A", a.LccnetRef.ID)

	b, err := st.GetItem(context.Background(), "B")
	require.NoError(t, err)
	require.NotNil(t, b.LccnetRef)
	assert.NotEmpty(t, b.LccnetRef.ID)
}

func TestWritebackSkipsUnreadyItems(t *testing.T) {
	st := newTestStore(t)
	seedLcc(t, st, "alcc", "Appalachian LCC", &model.LccnetRef{ID: "lcc-9"})
	seedLcc(t, st, "unlinked", "Unlinked LCC", nil)

	// No simplified view yet.
	seedItem(t, st, model.Item{
		ID: "A", LccID: "alcc", Type: model.ItemTypeProject, Title: "A",
		Raw: rawDoc(t, map[string]any{"title": "A"}),
	})
	// Tenant has no downstream ref.
	seedItem(t, st, model.Item{
		ID: "B", LccID: "unlinked", Type: model.ItemTypeProject, Title: "B",
		Raw:        rawDoc(t, map[string]any{"title": "B"}),
		Simplified: &model.Simplified{Title: "B"},
	})

	fake := newFakeLccnet(t)
	proc := newWritebackProc(t, st, fake, model.ItemTypeProject)
	results, err := proc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, results["skipped"])
	assert.Empty(t, fake.posted)
}

func TestWritebackSplitsContactsByOrgFlag(t *testing.T) {
	st := newTestStore(t)
	seedLcc(t, st, "alcc", "Appalachian LCC", &model.LccnetRef{ID: "lcc-9"})
	seedLinkedProject(t, st, "A")

	require.NoError(t, st.UpsertContact(context.Background(), model.Contact{
		ID: "c1", Name: "Jordan Rivers", ItemIDs: []string{"A"},
		LccnetRef: &model.LccnetRef{ID: "p-1"},
	}))
	require.NoError(t, st.UpsertContact(context.Background(), model.Contact{
		ID: "c2", Name: "NOAA", IsOrganization: true, ItemIDs: []string{"A"},
		LccnetRef: &model.LccnetRef{ID: "o-2"},
	}))
	// Unaligned contacts never make it into a payload.
	require.NoError(t, st.UpsertContact(context.Background(), model.Contact{
		ID: "c3", Name: "Nobody Known", ItemIDs: []string{"A"},
	}))

	deps := newTestDeps(t, st)
	fake := newFakeLccnet(t)
	withLccnet(t, &deps, fake.srv.URL)
	proc := &itemsToLccnet{deps: deps, step: Step{ProcessorID: "x"}, itemType: model.ItemTypeProject}

	contacts, err := proc.contactsByItem(context.Background())
	require.NoError(t, err)

	item, err := st.GetItem(context.Background(), "A")
	require.NoError(t, err)
	payload := proc.payload(*item, &model.LccnetRef{ID: "lcc-9"}, contacts["A"])

	assert.Equal(t, []string{"p-1"}, payload.People)
	assert.Equal(t, []string{"o-2"}, payload.Cooperators)
	assert.Equal(t, "A", payload.Sbid)
	assert.Equal(t, "lcc-9", payload.Lcc)
}

func TestWritebackRejectsBadType(t *testing.T) {
	st := newTestStore(t)
	deps := newTestDeps(t, st)
	fake := newFakeLccnet(t)
	withLccnet(t, &deps, fake.srv.URL)

	_, err := newItemsToLccnet(deps, Step{Kind: KindItemsToLccnet, Config: map[string]any{"type": "widget"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid item type")
}


func TestWritebackAbortsOnDownstreamError(t *testing.T) {
	st := newTestStore(t)
	seedLcc(t, st, "alcc", "Appalachian LCC", &model.LccnetRef{ID: "lcc-9"})
	seedLinkedProject(t, st, "A")

	// Accepts the login flow but rejects every write.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /user/login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, fakeLoginForm)
	})
	var srv *httptest.Server
	mux.HandleFunc("POST /user/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "SESS99", Value: "ok", Path: "/"})
		w.Header().Set("Location", srv.URL+"/user/1")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("GET /services/session/token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "csrf-test")
	})
	mux.HandleFunc("GET /api/v1/projects", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"list":[],"_links":{}}`)
	})
	mux.HandleFunc("POST /api/v1/projects", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"storage offline"}`)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	deps := newTestDeps(t, st)
	session, err := lccnet.New(lccnet.Config{
		BaseURL: srv.URL, Username: "sync-bot", Password: "hunter2", RPS: 1000,
	})
	require.NoError(t, err)
	deps.Lccnet = session

	proc, err := newItemsToLccnet(deps, Step{
		ProcessorID: "items_to_lccnet_projects",
		Kind:        KindItemsToLccnet,
		Config:      map[string]any{"type": string(model.ItemTypeProject)},
	})
	require.NoError(t, err)

	_, err = proc.Run(context.Background())
	require.Error(t, err)

	var apiErr *lccnet.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
}
