// Package lccnet is an authenticated client for the lccnetwork content
// API. Writes go through a browser-style session: the HTML login form is
// fetched and parsed for its hidden token pair, credentials are POSTed,
// and subsequent mutations carry the session cookie plus an X-CSRF-Token
// header.
package lccnet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Config configures the lccnet session.
type Config struct {
	BaseURL  string  `mapstructure:"base_url"`
	Username string  `mapstructure:"username"`
	Password string  `mapstructure:"password"`
	RPS      float64 `mapstructure:"rps"`
}

// APIError is returned when lccnet responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lccnet: HTTP %d: %s", e.StatusCode, e.Body)
}

// Session is a logged-in lccnet client. Create with New, then Login
// before any mutation.
type Session struct {
	baseURL string
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	csrf    string
}

// New creates a session client. The client does not follow redirects:
// the login flow inspects the redirect status itself.
func New(cfg Config) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, eris.Wrap(err, "lccnet: cookie jar")
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	return &Session{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		cfg:     cfg,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Jar:     jar,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), 1),
	}, nil
}

// Login fetches the login form, extracts its hidden token pair, and
// POSTs the credentials. A login that does not redirect, or that leaves
// no session cookie behind, is an explicit error.
func (s *Session) Login(ctx context.Context) error {
	formBuildID, formToken, err := s.fetchLoginForm(ctx)
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("name", s.cfg.Username)
	form.Set("pass", s.cfg.Password)
	form.Set("form_id", "user_login")
	form.Set("form_build_id", formBuildID)
	if formToken != "" {
		form.Set("form_token", formToken)
	}
	form.Set("op", "Log in")

	if err := s.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "lccnet: rate limiter wait")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/user/login", strings.NewReader(form.Encode()))
	if err != nil {
		return eris.Wrap(err, "lccnet: create login request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "lccnet: post login")
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	// A successful login redirects to the user page. Anything else
	// means the form was re-rendered with an error.
	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return eris.Errorf("lccnet: login not accepted (status %d), check credentials", resp.StatusCode)
	}
	if !s.hasSessionCookie() {
		return eris.New("lccnet: login left no session cookie")
	}

	return s.fetchCSRFToken(ctx)
}

func (s *Session) fetchLoginForm(ctx context.Context) (buildID, token string, err error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", "", eris.Wrap(err, "lccnet: rate limiter wait")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/user/login", nil)
	if err != nil {
		return "", "", eris.Wrap(err, "lccnet: create login form request")
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return "", "", eris.Wrap(err, "lccnet: get login form")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", "", eris.Errorf("lccnet: login form returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", "", eris.Wrap(err, "lccnet: parse login form")
	}
	buildID, ok := doc.Find(`input[name="form_build_id"]`).Attr("value")
	if !ok {
		return "", "", eris.New("lccnet: login form has no form_build_id")
	}
	token = doc.Find(`input[name="form_token"]`).AttrOr("value", "")
	return buildID, token, nil
}

func (s *Session) hasSessionCookie() bool {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return false
	}
	for _, c := range s.http.Jar.Cookies(u) {
		if strings.HasPrefix(c.Name, "SESS") || strings.HasPrefix(c.Name, "SSESS") {
			return true
		}
	}
	return false
}

func (s *Session) fetchCSRFToken(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "lccnet: rate limiter wait")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/services/session/token", nil)
	if err != nil {
		return eris.Wrap(err, "lccnet: create token request")
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "lccnet: get session token")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "lccnet: read session token")
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	s.csrf = strings.TrimSpace(string(body))
	if s.csrf == "" {
		return eris.New("lccnet: empty session token")
	}
	return nil
}

// listPage is the collection envelope lccnet wraps every listing in.
type listPage struct {
	List  []json.RawMessage `json:"list"`
	Links struct {
		Next *struct {
			Href string `json:"href"`
		} `json:"next"`
	} `json:"_links"`
}

// GetList crawls a paginated collection, following _links.next until it
// runs out, and returns the concatenated rows.
func (s *Session) GetList(ctx context.Context, path string) ([]json.RawMessage, error) {
	var rows []json.RawMessage
	next := s.resolve(path)
	for next != "" {
		var page listPage
		if err := s.getJSON(ctx, next, &page); err != nil {
			return nil, eris.Wrapf(err, "lccnet: list %s", path)
		}
		rows = append(rows, page.List...)
		if page.Links.Next != nil && page.Links.Next.Href != "" && len(page.List) > 0 {
			next = s.resolve(page.Links.Next.Href)
		} else {
			next = ""
		}
	}
	return rows, nil
}

// Get fetches a single resource.
func (s *Session) Get(ctx context.Context, path string, out any) error {
	return s.getJSON(ctx, s.resolve(path), out)
}

// Post creates a resource and returns the response body.
func (s *Session) Post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return s.write(ctx, http.MethodPost, path, body)
}

// Put replaces a resource and returns the response body.
func (s *Session) Put(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return s.write(ctx, http.MethodPut, path, body)
}

// Delete removes a resource.
func (s *Session) Delete(ctx context.Context, path string) error {
	_, err := s.write(ctx, http.MethodDelete, path, nil)
	return err
}

func (s *Session) getJSON(ctx context.Context, fullURL string, out any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "lccnet: rate limiter wait")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return eris.Wrap(err, "lccnet: create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "lccnet: execute request")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "lccnet: read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "lccnet: decode response")
	}
	return nil
}

func (s *Session) write(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, eris.Wrap(err, "lccnet: marshal request")
		}
		reader = bytes.NewReader(buf)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "lccnet: rate limiter wait")
	}
	req, err := http.NewRequestWithContext(ctx, method, s.resolve(path), reader)
	if err != nil {
		return nil, eris.Wrap(err, "lccnet: create request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.csrf != "" {
		req.Header.Set("X-CSRF-Token", s.csrf)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "lccnet: %s %s", method, path)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "lccnet: read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

func (s *Session) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return s.baseURL + "/" + strings.TrimLeft(path, "/")
}
