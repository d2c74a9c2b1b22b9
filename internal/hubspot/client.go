// Package hubspot is a small client for the HubSpot CRM endpoints the feed
// pipeline reads: object search, batch read, association batch read and
// owners.
package hubspot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/johnwards/leadfeed/internal/store"
)

// DefaultBaseURL is the public HubSpot API host.
const DefaultBaseURL = "https://api.hubapi.com"

// Freshness defaults. Batch reads change less often than search pages, so
// they are kept longer.
const (
	DefaultSearchTTL      = 60 * time.Second
	DefaultBatchTTL       = 10 * time.Minute
	DefaultOwnerTTL       = time.Hour
	DefaultRequestTimeout = 30 * time.Second
)

// CacheHeader is set to "HIT" on responses served from the response cache.
const CacheHeader = "X-Leadfeed-Cache"

// ErrMissingAPIKey is returned by NewClient when no API key is configured.
var ErrMissingAPIKey = errors.New("hubspot api key is not configured")

// Options configures a Client.
type Options struct {
	BaseURL string
	APIKey  string

	// HTTPClient defaults to a client without its own timeout; deadlines come
	// from RequestTimeout and the caller's context.
	HTTPClient *http.Client

	// Cache stores responses for their freshness window. Nil disables caching.
	Cache store.CacheStore

	RequestTimeout time.Duration
	SearchTTL      time.Duration
	BatchTTL       time.Duration

	Logger *slog.Logger
}

// Client issues authenticated requests against the CRM API.
type Client struct {
	baseURL *url.URL
	apiKey  string
	http    *http.Client
	cache   store.CacheStore
	timeout time.Duration

	searchTTL time.Duration
	batchTTL  time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// NewClient validates opts and returns a Client. A missing API key is a
// configuration error reported before any network I/O.
func NewClient(opts Options) (*Client, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("parse base url: %q is not absolute", raw)
	}

	c := &Client{
		baseURL:   base,
		apiKey:    apiKey,
		http:      opts.HTTPClient,
		cache:     opts.Cache,
		timeout:   opts.RequestTimeout,
		searchTTL: opts.SearchTTL,
		batchTTL:  opts.BatchTTL,
		logger:    opts.Logger,
		now:       time.Now,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = DefaultRequestTimeout
	}
	if c.searchTTL <= 0 {
		c.searchTTL = DefaultSearchTTL
	}
	if c.batchTTL <= 0 {
		c.batchTTL = DefaultBatchTTL
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// RequestInit overrides parts of a request made through Fetch.
type RequestInit struct {
	Method string
	Body   []byte
	Header http.Header
}

// Fetch issues a request to path (relative to the base URL, query allowed)
// with the bearer token and JSON content type injected. Caller headers are
// merged in, but the Authorization header always carries the client's token.
//
// A positive freshness lets a successful response be served from, and stored
// in, the response cache for that long. The raw response is returned for the
// caller to inspect; a non-2xx status is not an error here. The caller must
// close the body.
func (c *Client) Fetch(ctx context.Context, path string, init RequestInit, freshness time.Duration) (*http.Response, error) {
	method := init.Method
	if method == "" {
		method = http.MethodGet
	}
	target := c.resolve(path)

	var key string
	if freshness > 0 && c.cache != nil {
		key = store.CacheKey(method, target, init.Body)
		if resp := c.cached(ctx, key); resp != nil {
			return resp, nil
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)

	var body io.Reader
	if init.Body != nil {
		body = bytes.NewReader(init.Body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range init.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if got := req.Header.Get("Authorization"); got != "" && got != "Bearer "+c.apiKey {
		c.logger.Debug("overriding caller authorization header", "path", path)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	if key == "" || resp.StatusCode/100 != 2 {
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}

	b, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	cancel()
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}
	c.remember(ctx, key, method, target, resp.StatusCode, b, freshness)
	resp.Body = io.NopCloser(bytes.NewReader(b))
	return resp, nil
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL.String() + "/" + strings.TrimLeft(path, "/")
}

func (c *Client) cached(ctx context.Context, key string) *http.Response {
	e, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("response cache read failed", "error", err)
		}
		return nil
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set(CacheHeader, "HIT")
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
	}
}

func (c *Client) remember(ctx context.Context, key, method, target string, status int, body []byte, freshness time.Duration) {
	err := c.cache.Put(ctx, &store.CacheEntry{
		Key:       key,
		Method:    method,
		URL:       target,
		Status:    status,
		Body:      body,
		ExpiresAt: c.now().Add(freshness),
	})
	if err != nil {
		c.logger.Warn("response cache write failed", "error", err)
	}
}

// cancelOnClose releases the per-request deadline once the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
