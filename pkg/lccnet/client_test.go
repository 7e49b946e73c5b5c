package lccnet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loginForm = `<html><body>
<form action="/user/login" method="post">
<input type="text" name="name"/>
<input type="password" name="pass"/>
<input type="hidden" name="form_build_id" value="form-abc123"/>
<input type="hidden" name="form_token" value="tok-form"/>
</form>
</body></html>`

// newFakeLccnet serves a minimal login flow plus an authenticated API.
func newFakeLccnet(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("GET /user/login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, loginForm)
	})
	mux.HandleFunc("POST /user/login", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("name") != "sync-bot" ||
			r.PostForm.Get("pass") != "hunter2" ||
			r.PostForm.Get("form_build_id") != "form-abc123" ||
			r.PostForm.Get("form_token") != "tok-form" {
			// Failed logins re-render the form.
			fmt.Fprint(w, loginForm)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "SESS1234", Value: "session-ok", Path: "/"})
		w.Header().Set("Location", srv.URL+"/user/42")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("GET /services/session/token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "csrf-xyz\n")
	})
	mux.HandleFunc("GET /api/people", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `{"list":[{"id":"p3"}],"_links":{}}`)
			return
		}
		fmt.Fprintf(w, `{"list":[{"id":"p1"},{"id":"p2"}],`+
			`"_links":{"next":{"href":"%s/api/people?page=2"}}}`, srv.URL)
	})
	mux.HandleFunc("POST /api/projects", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-CSRF-Token") != "csrf-xyz" {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"error":"missing token"}`)
			return
		}
		if _, err := r.Cookie("SESS1234"); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"proj-9"}`)
	})
	mux.HandleFunc("DELETE /api/projects/proj-9", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-CSRF-Token") != "csrf-xyz" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestSession(t *testing.T, srv *httptest.Server, user, pass string) *Session {
	t.Helper()
	s, err := New(Config{BaseURL: srv.URL, Username: user, Password: pass, RPS: 1000})
	require.NoError(t, err)
	return s
}

func TestLoginSucceeds(t *testing.T) {
	srv := newFakeLccnet(t)
	s := newTestSession(t, srv, "sync-bot", "hunter2")

	require.NoError(t, s.Login(context.Background()))
	assert.Equal(t, "csrf-xyz", s.csrf)
}

func TestLoginRejectedCredentials(t *testing.T) {
	srv := newFakeLccnet(t)
	s := newTestSession(t, srv, "sync-bot", "wrong")

	err := s.Login(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login not accepted")
}

func TestLoginFormWithoutBuildID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><form></form></body></html>`)
	}))
	defer srv.Close()
	s := newTestSession(t, srv, "sync-bot", "hunter2")

	err := s.Login(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "form_build_id")
}

func TestLoginRedirectWithoutSessionCookie(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /user/login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, loginForm)
	})
	mux.HandleFunc("POST /user/login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/user/42")
		w.WriteHeader(http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	s := newTestSession(t, srv, "sync-bot", "hunter2")

	err := s.Login(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no session cookie")
}

func TestGetListFollowsNext(t *testing.T) {
	srv := newFakeLccnet(t)
	s := newTestSession(t, srv, "sync-bot", "hunter2")

	rows, err := s.GetList(context.Background(), "/api/people")
	require.NoError(t, err)
	require.Len(t, rows, 3)

	var last struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rows[2], &last))
	assert.Equal(t, "p3", last.ID)
}

func TestPostCarriesSessionAndToken(t *testing.T) {
	srv := newFakeLccnet(t)
	s := newTestSession(t, srv, "sync-bot", "hunter2")
	require.NoError(t, s.Login(context.Background()))

	body, err := s.Post(context.Background(), "/api/projects", map[string]string{"title": "Sagebrush"})
	require.NoError(t, err)

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "proj-9", created.ID)

	require.NoError(t, s.Delete(context.Background(), "/api/projects/proj-9"))
}

func TestWriteWithoutLoginIsAPIError(t *testing.T) {
	srv := newFakeLccnet(t)
	s := newTestSession(t, srv, "sync-bot", "hunter2")

	_, err := s.Post(context.Background(), "/api/projects", map[string]string{"title": "x"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "missing token")
}
