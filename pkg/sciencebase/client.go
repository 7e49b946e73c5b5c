// Package sciencebase is a read-only client for the ScienceBase catalog
// API. It paginates item searches via the server-supplied nextlink and
// throttles itself the way the catalog expects: a fixed pause before
// each retry and a proactive cool-down after every N requests.
package sciencebase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Default base URL for the ScienceBase catalog API.
const defaultBaseURL = "https://www.sciencebase.gov/catalog"

// ErrNotFound is returned when the catalog responds 404 for a resource.
var ErrNotFound = eris.New("sciencebase: not found")

// PauseState describes what the client is currently waiting on.
type PauseState int

const (
	// Idle means no pause is in progress.
	Idle PauseState = iota
	// RetryPausing means the client is waiting out a failed request
	// before retrying it.
	RetryPausing
	// RateLimitPausing means the client is cooling down proactively
	// after a burst of requests.
	RateLimitPausing
)

func (s PauseState) String() string {
	switch s {
	case RetryPausing:
		return "retryPausing"
	case RateLimitPausing:
		return "rateLimitPausing"
	default:
		return "idle"
	}
}

// Config configures the catalog client.
type Config struct {
	BaseURL string `mapstructure:"base_url"`
	// PageSize is the max items requested per search page.
	PageSize int `mapstructure:"page_size"`
	// MaxAttempts bounds the total attempts per request, including the first.
	MaxAttempts int `mapstructure:"max_attempts"`
	// RetryPause is the fixed wait before each retry.
	RetryPause time.Duration `mapstructure:"retry_pause"`
	// RateLimitEvery triggers a proactive cool-down after this many
	// requests. Zero disables the cool-down.
	RateLimitEvery int `mapstructure:"rate_limit_every"`
	// RateLimitPause is the cool-down duration.
	RateLimitPause time.Duration `mapstructure:"rate_limit_pause"`
}

// Stats counts client activity since creation.
type Stats struct {
	Requests        int
	RetryPauses     int
	RateLimitPauses int
}

// Client talks to the ScienceBase catalog API.
type Client struct {
	cfg       Config
	http      *http.Client
	transport *http.Transport

	mu       sync.Mutex
	state    PauseState
	requests int
	stats    Stats
}

// New creates a catalog client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		cfg:       cfg,
		transport: transport,
		http: &http.Client{
			Timeout:   60 * time.Second,
			Transport: transport,
		},
	}
}

// State reports the current pause state.
func (c *Client) State() PauseState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the request counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// ResetConnections drops idle keep-alive connections. Call it between
// tenants so a long sync does not pin stale connections to the catalog.
func (c *Client) ResetConnections() {
	c.transport.CloseIdleConnections()
}

// SearchItem is one item row in a search page.
type SearchItem struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Files []File `json:"files"`
	Link  struct {
		URL string `json:"url"`
	} `json:"link"`
}

// File is an attachment listed on a catalog item.
type File struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
}

// FileURL returns the download URL of the named file, or "" when the
// item carries no such file.
func (i SearchItem) FileURL(name string) string {
	for _, f := range i.Files {
		if f.Name == name {
			return f.URL
		}
	}
	return ""
}

// SearchPage is one page of search results.
type SearchPage struct {
	Total    int          `json:"total"`
	Items    []SearchItem `json:"items"`
	NextLink *struct {
		URL string `json:"url"`
	} `json:"nextlink"`
}

// Search starts a paginated item search for items under the given
// parent carrying all the given tags. Pages are fetched lazily, one at
// a time.
func (c *Client) Search(parentID string, tags ...string) *Cursor {
	q := url.Values{}
	q.Set("format", "json")
	q.Set("max", strconv.Itoa(c.cfg.PageSize))
	q.Set("fields", "title,files")
	q.Set("parentId", parentID)
	for _, tag := range tags {
		if tag != "" {
			q.Add("filter", "tags="+tag)
		}
	}
	return &Cursor{
		client: c,
		next:   c.cfg.BaseURL + "/items?" + q.Encode(),
	}
}

// Cursor walks search pages. Next returns nil once the last page has
// been consumed.
type Cursor struct {
	client *Client
	next   string
}

// Next fetches the next page, or nil when pagination is exhausted.
func (cur *Cursor) Next(ctx context.Context) (*SearchPage, error) {
	if cur.next == "" {
		return nil, nil
	}
	var page SearchPage
	if err := cur.client.FetchJSON(ctx, cur.next, &page); err != nil {
		return nil, eris.Wrap(err, "sciencebase: search page")
	}
	if page.NextLink != nil && page.NextLink.URL != "" && len(page.Items) > 0 {
		cur.next = page.NextLink.URL
	} else {
		cur.next = ""
	}
	return &page, nil
}

// GetItem fetches a single catalog item by id.
func (c *Client) GetItem(ctx context.Context, id string) (*SearchItem, error) {
	var item SearchItem
	u := fmt.Sprintf("%s/item/%s?format=json&fields=title,files", c.cfg.BaseURL, url.PathEscape(id))
	if err := c.FetchJSON(ctx, u, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// FetchJSON GETs the URL and decodes the JSON body into out. A 404
// yields ErrNotFound; retryable failures (429, 5xx, network errors) are
// retried up to MaxAttempts with a fixed pause between attempts.
func (c *Client) FetchJSON(ctx context.Context, rawURL string, out any) error {
	body, err := c.fetch(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrapf(err, "sciencebase: decode %s", rawURL)
	}
	return nil
}

// FetchRaw GETs the URL and returns the raw body bytes. Same retry and
// not-found semantics as FetchJSON.
func (c *Client) FetchRaw(ctx context.Context, rawURL string) ([]byte, error) {
	return c.fetch(ctx, rawURL)
}

func (c *Client) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.pause(ctx, RetryPausing, c.cfg.RetryPause); err != nil {
				return nil, err
			}
		}
		if err := c.coolDown(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "sciencebase: create request")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrap(ctx.Err(), "sciencebase: fetch")
			}
			lastErr = err
			zap.L().Warn("catalog request failed, will retry",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, eris.Wrapf(ErrNotFound, "GET %s", rawURL)
		case resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusServiceUnavailable ||
			resp.StatusCode >= 500:
			lastErr = eris.Errorf("http %d from %s", resp.StatusCode, rawURL)
			zap.L().Warn("catalog throttled or unavailable, will retry",
				zap.String("url", rawURL),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			continue
		case resp.StatusCode != http.StatusOK:
			return nil, eris.Errorf("sciencebase: unexpected status %d from %s", resp.StatusCode, rawURL)
		}
		if readErr != nil {
			lastErr = readErr
			continue
		}
		return body, nil
	}
	return nil, eris.Wrapf(lastErr, "sciencebase: %d attempts exhausted for %s", c.cfg.MaxAttempts, rawURL)
}

// coolDown counts the request about to go out and, every RateLimitEvery
// requests, pauses for RateLimitPause before letting it proceed.
func (c *Client) coolDown(ctx context.Context) error {
	c.mu.Lock()
	c.requests++
	c.stats.Requests++
	due := c.cfg.RateLimitEvery > 0 && c.requests%c.cfg.RateLimitEvery == 0
	c.mu.Unlock()
	if !due {
		return nil
	}
	zap.L().Info("catalog cool-down",
		zap.Int("after_requests", c.cfg.RateLimitEvery),
		zap.Duration("pause", c.cfg.RateLimitPause),
	)
	return c.pause(ctx, RateLimitPausing, c.cfg.RateLimitPause)
}

func (c *Client) pause(ctx context.Context, state PauseState, d time.Duration) error {
	c.mu.Lock()
	c.state = state
	switch state {
	case RetryPausing:
		c.stats.RetryPauses++
	case RateLimitPausing:
		c.stats.RateLimitPauses++
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.state = Idle
		c.mu.Unlock()
	}()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "sciencebase: pause interrupted")
	case <-t.C:
		return nil
	}
}
