package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lccnetwork/catalog-sync/internal/config"
	"github.com/lccnetwork/catalog-sync/internal/model"
	"github.com/lccnetwork/catalog-sync/internal/runlog"
	"github.com/lccnetwork/catalog-sync/internal/store"
	"github.com/lccnetwork/catalog-sync/pkg/lccnet"
	"github.com/lccnetwork/catalog-sync/pkg/sciencebase"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(":memory:", 1000)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestDeps(t *testing.T, st store.Store) Deps {
	t.Helper()
	return Deps{
		Cfg: &config.Config{
			ScienceBase: config.ScienceBaseConfig{
				MetadataFileName: "md_metadata.json",
			},
		},
		Store: st,
		Log:   runlog.New(st),
	}
}

func withCatalog(t *testing.T, deps *Deps, baseURL string) {
	t.Helper()
	deps.Catalog = sciencebase.New(sciencebase.Config{
		BaseURL:     baseURL,
		PageSize:    10,
		MaxAttempts: 2,
		RetryPause:  time.Millisecond,
	})
	deps.Cfg.ScienceBase.BaseURL = baseURL
}

func withLccnet(t *testing.T, deps *Deps, baseURL string) {
	t.Helper()
	session, err := lccnet.New(lccnet.Config{
		BaseURL:  baseURL,
		Username: "sync-bot",
		Password: "hunter2",
		RPS:      1000,
	})
	require.NoError(t, err)
	deps.Lccnet = session
}

// fakeLccnet is an in-memory stand-in for the downstream content
// system: login flow, paginless collections, and mutation recording.
type fakeLccnet struct {
	srv *httptest.Server

	mu          sync.Mutex
	collections map[string][]map[string]any
	posted      []string
	put         []string
	deleted     []string
	nextID      int
}

func newFakeLccnet(t *testing.T) *fakeLccnet {
	t.Helper()
	f := &fakeLccnet{collections: make(map[string][]map[string]any)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeLccnet) setCollection(path string, rows ...map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[path] = rows
}

const fakeLoginForm = `<html><body><form>
<input type="hidden" name="form_build_id" value="fb-1"/>
<input type="hidden" name="form_token" value="ft-1"/>
</form></body></html>`

func (f *fakeLccnet) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.URL.Path == "/user/login" && r.Method == http.MethodGet:
		fmt.Fprint(w, fakeLoginForm)
	case r.URL.Path == "/user/login" && r.Method == http.MethodPost:
		http.SetCookie(w, &http.Cookie{Name: "SESS99", Value: "ok", Path: "/"})
		w.Header().Set("Location", f.srv.URL+"/user/1")
		w.WriteHeader(http.StatusFound)
	case r.URL.Path == "/services/session/token":
		fmt.Fprint(w, "csrf-test")
	case r.Method == http.MethodGet:
		rows := f.collections[r.URL.Path]
		if rows == nil {
			rows = []map[string]any{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"list": rows, "_links": map[string]any{}})
	case r.Method == http.MethodPost:
		f.nextID++
		id := fmt.Sprintf("dn-%d", f.nextID)
		f.posted = append(f.posted, r.URL.Path)
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":   id,
			"url":  f.srv.URL + r.URL.Path + "/" + id,
			"sbid": payload["sbid"],
		})
	case r.Method == http.MethodPut:
		f.put = append(f.put, r.URL.Path)
		id := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":   id,
			"url":  f.srv.URL + r.URL.Path,
			"sbid": payload["sbid"],
		})
	case r.Method == http.MethodDelete:
		f.deleted = append(f.deleted, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func rawDoc(t *testing.T, doc map[string]any) json.RawMessage {
	t.Helper()
	buf, err := json.Marshal(doc)
	require.NoError(t, err)
	return buf
}

func seedLcc(t *testing.T, st store.Store, id, title string, ref *model.LccnetRef) {
	t.Helper()
	require.NoError(t, st.PutLcc(context.Background(), model.Lcc{ID: id, Title: title, LccnetRef: ref}))
}

func seedItem(t *testing.T, st store.Store, item model.Item) {
	t.Helper()
	if item.Hash == "" {
		item.Hash = digest(item.Raw)
	}
	if item.Created.IsZero() {
		item.Created = time.Now().UTC().Add(-time.Hour)
	}
	if item.Modified.IsZero() {
		item.Modified = time.Now().UTC()
	}
	_, err := st.UpsertItem(context.Background(), item)
	require.NoError(t, err)
}
