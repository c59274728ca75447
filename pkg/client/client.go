// Copyright 2025 PhotoStream Authors
// SPDX-License-Identifier: Apache-2.0

// Package client is the consumer-side half of the discovery layer. A
// Client owns the cached server selection, decides when to
// (re)discover, and routes every business API call through the
// selected regional base URL. Discovery failures are absorbed by
// fallback substitution; callers only ever see an error when the
// business call itself fails.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/photostream/georoute/pkg/logger"
	"github.com/photostream/georoute/pkg/region"

	"golang.org/x/sync/singleflight"
)

// maxBodyBytes bounds how much of any response body is read.
const maxBodyBytes = 8 << 20

// Config configures a Client. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	// EntryURL is the only address a fresh client needs to know. Any
	// deployed region answers /api/discover.
	EntryURL string

	// FallbackURL substitutes for a failed discovery, so the client is
	// never left without a server. Usually the default region.
	FallbackURL string

	// FallbackRegion names the synthesized fallback selection.
	FallbackRegion string

	// Regions raced by DiscoverByLatency. Empty disables racing.
	Regions []region.Region

	// RediscoverAfter is the staleness threshold of the cached
	// selection. 0 disables automatic re-discovery entirely; stale
	// selections are then replaced only by explicit Discover calls.
	RediscoverAfter time.Duration

	// DiscoverTimeout bounds one discovery request.
	DiscoverTimeout time.Duration

	// ProbeTimeout bounds each /ping probe in a latency race.
	ProbeTimeout time.Duration

	// RequestTimeout is the outer bound on business API calls whose
	// context carries no deadline of its own.
	RequestTimeout time.Duration

	UserAgent string
}

// DefaultConfig returns sensible defaults. EntryURL and FallbackURL
// remain for the caller to fill in.
func DefaultConfig() Config {
	return Config{
		FallbackRegion:  region.DefaultRegion,
		RediscoverAfter: 24 * time.Hour,
		DiscoverTimeout: 10 * time.Second,
		ProbeTimeout:    3 * time.Second,
		RequestTimeout:  30 * time.Second,
		UserAgent:       "georoute-client/1.0",
	}
}

// Option customizes a Client beyond its Config.
type Option func(*Client)

// WithStore persists the selection between processes. Without a store
// the selection lives only as long as the Client.
func WithStore(store SelectionStore) Option {
	return func(c *Client) { c.store = store }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client routes API calls to the discovered region. Safe for
// concurrent use; the selection is swapped atomically, so readers
// never observe a torn update.
type Client struct {
	config Config
	http   *http.Client
	store  SelectionStore

	selection atomic.Pointer[Selection]
	ready     atomic.Bool

	// init collapses concurrent Initialize calls into one flight;
	// refreshing is the single in-flight background refresh guard.
	init       singleflight.Group
	refreshing atomic.Bool

	tokenMu sync.RWMutex
	token   string

	closed atomic.Bool
	wg     sync.WaitGroup
}

// New creates a Client. At least one of EntryURL and FallbackURL must
// be set, otherwise a failed first discovery would leave the client
// with nowhere to go.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.EntryURL == "" && cfg.FallbackURL == "" {
		return nil, errors.New("client: entry URL or fallback URL required")
	}
	if cfg.FallbackRegion == "" {
		cfg.FallbackRegion = region.DefaultRegion
	}
	if cfg.DiscoverTimeout <= 0 {
		cfg.DiscoverTimeout = DefaultConfig().DiscoverTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}

	c := &Client{config: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return c, nil
}

// Selection returns the current selection, or nil before the first
// discovery.
func (c *Client) Selection() *Selection {
	return c.selection.Load()
}

// SetToken sets the bearer credential injected into every call.
func (c *Client) SetToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

// ClearToken removes the bearer credential.
func (c *Client) ClearToken() {
	c.SetToken("")
}

// Initialize makes the client ready: a fresh cached selection is
// adopted without touching the network, a stale one is adopted while a
// background re-discovery runs, and with no cache at all it blocks on
// one discovery. Idempotent; concurrent calls share a single flight.
func (c *Client) Initialize(ctx context.Context) error {
	if c.ready.Load() {
		return nil
	}

	_, err, _ := c.init.Do("initialize", func() (interface{}, error) {
		if c.ready.Load() {
			return nil, nil
		}

		if c.store != nil {
			sel, err := c.store.Load()
			if err != nil {
				logger.Ctx(ctx).Warn().Err(err).Msg("cached selection unreadable, rediscovering")
			}
			if sel != nil {
				c.selection.Store(sel)
				c.ready.Store(true)
				if c.stale(sel) {
					c.refreshInBackground()
				}
				return nil, nil
			}
		}

		if _, err := c.Discover(ctx); err != nil {
			return nil, err
		}
		c.ready.Store(true)
		return nil, nil
	})
	return err
}

// Discover asks the entry server which region this client should use
// and adopts the answer. On any failure the configured fallback (or
// the previous selection) substitutes, so an error comes back only
// when neither exists.
func (c *Client) Discover(ctx context.Context) (*Selection, error) {
	sel, err := c.requestDiscovery(ctx)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("discovery failed, substituting fallback")
		return c.fallback(err)
	}
	c.adopt(sel)
	return sel, nil
}

// DiscoverByLatency races liveness probes against every configured
// region and adopts the fastest responder. Regions that error or
// exceed the probe timeout are never selected ahead of any region that
// answered. All regions failing substitutes the fallback, same as
// Discover.
func (c *Client) DiscoverByLatency(ctx context.Context) (*Selection, error) {
	regions := c.config.Regions
	if len(regions) == 0 {
		return nil, errors.New("client: no regions configured for latency race")
	}

	type outcome struct {
		region region.Region
		rtt    time.Duration
		err    error
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan outcome, len(regions))
	for _, reg := range regions {
		go func() {
			rtt, err := c.probe(raceCtx, reg)
			results <- outcome{region: reg, rtt: rtt, err: err}
		}()
	}

	var best *outcome
	for range regions {
		o := <-results
		if o.err != nil {
			logger.Ctx(ctx).Debug().Err(o.err).Str("region", o.region.Name).Msg("latency probe failed")
			continue
		}
		logger.Ctx(ctx).Debug().Str("region", o.region.Name).Dur("rtt", o.rtt).Msg("latency probe")
		if best == nil || o.rtt < best.rtt {
			best = &o
		}
	}

	if best == nil {
		logger.Ctx(ctx).Warn().Msg("latency race: no region answered, substituting fallback")
		return c.fallback(errors.New("all regions failed the latency race"))
	}

	sel := &Selection{
		Region:   best.region.Name,
		Server:   best.region.BaseURL,
		CachedAt: time.Now().UTC(),
	}
	c.adopt(sel)
	return sel, nil
}

// Get issues a GET against the selected region and decodes the JSON
// response into out (skipped when out is nil).
func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, "", out)
}

// Post marshals body as JSON and issues a POST.
func (c *Client) Post(ctx context.Context, path string, body, out interface{}) error {
	return c.doJSON(ctx, http.MethodPost, path, body, out)
}

// Put marshals body as JSON and issues a PUT.
func (c *Client) Put(ctx context.Context, path string, body, out interface{}) error {
	return c.doJSON(ctx, http.MethodPut, path, body, out)
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodDelete, path, nil, "", out)
}

// Upload sends one file plus optional form fields as
// multipart/form-data. fieldName defaults to "file". The payload is
// passed through untouched; interpreting it is the server's business.
func (c *Client) Upload(ctx context.Context, path, fieldName, fileName string, file io.Reader, fields map[string]string, out interface{}) error {
	if fieldName == "" {
		fieldName = "file"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(fieldName, fileName)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("read upload: %w", err)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("finish multipart body: %w", err)
	}

	return c.do(ctx, http.MethodPost, path, &buf, mw.FormDataContentType(), out)
}

// Close waits for any in-flight background re-discovery and releases
// pooled connections.
func (c *Client) Close() error {
	c.closed.Store(true)
	c.wg.Wait()
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	return c.do(ctx, method, path, reader, "application/json", out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out interface{}) error {
	if err := c.ensureReady(ctx); err != nil {
		return err
	}

	sel := c.selection.Load()
	if sel == nil {
		return errors.New("client: no server selected")
	}

	req, err := http.NewRequestWithContext(ctx, method, joinURL(sel.Server, path), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.setCommonHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp)
	}
	if out == nil {
		_, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return err
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ensureReady initializes on the first call and, on every call,
// triggers a background refresh once the selection goes stale. The
// current call proceeds on the stale selection either way.
func (c *Client) ensureReady(ctx context.Context) error {
	if !c.ready.Load() {
		if err := c.Initialize(ctx); err != nil {
			return err
		}
	}
	if sel := c.selection.Load(); sel != nil && c.stale(sel) {
		c.refreshInBackground()
	}
	return nil
}

// stale reports whether the selection should be replaced. Fallback
// selections count as stale immediately so the next call retries real
// discovery. RediscoverAfter == 0 means manual-only.
func (c *Client) stale(sel *Selection) bool {
	if c.config.RediscoverAfter <= 0 {
		return false
	}
	if sel.Fallback {
		return true
	}
	return time.Since(sel.CachedAt) >= c.config.RediscoverAfter
}

// refreshInBackground starts at most one re-discovery goroutine. A
// failed refresh keeps the prior selection; the next stale call tries
// again.
func (c *Client) refreshInBackground() {
	if c.closed.Load() {
		return
	}
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.refreshing.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), c.config.DiscoverTimeout)
		defer cancel()

		sel, err := c.requestDiscovery(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("background re-discovery failed, keeping prior selection")
			return
		}
		c.adopt(sel)
		logger.Info().Str("region", sel.Region).Str("server", sel.Server).Msg("selection refreshed")
	}()
}

// discoverPayload is the subset of the /api/discover response the
// client consumes.
type discoverPayload struct {
	Server string `json:"server"`
	Region string `json:"region"`
}

func (c *Client) requestDiscovery(ctx context.Context) (*Selection, error) {
	if c.config.EntryURL == "" {
		return nil, errors.New("no entry URL configured")
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.DiscoverTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(c.config.EntryURL, "/api/discover"), nil)
	if err != nil {
		return nil, fmt.Errorf("build discovery request: %w", err)
	}
	c.setCommonHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery status %d", resp.StatusCode)
	}

	var payload discoverPayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode discovery response: %w", err)
	}
	if payload.Server == "" {
		return nil, errors.New("discovery response missing server")
	}

	return &Selection{
		Region:   payload.Region,
		Server:   payload.Server,
		CachedAt: time.Now().UTC(),
	}, nil
}

// pingPayload is the liveness probe body.
type pingPayload struct {
	Pong bool `json:"pong"`
}

func (c *Client) probe(ctx context.Context, reg region.Region) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(reg.BaseURL, "/ping"), nil)
	if err != nil {
		return 0, err
	}
	c.setCommonHeaders(req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	rtt := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %d", resp.StatusCode)
	}
	var payload pingPayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode ping: %w", err)
	}
	if !payload.Pong {
		return 0, errors.New("no pong in response")
	}
	return rtt, nil
}

// adopt swaps in a new selection and persists it. Fallback selections
// are deliberately not persisted: the next session should attempt a
// real discovery from scratch.
func (c *Client) adopt(sel *Selection) {
	c.selection.Store(sel)
	if c.store != nil && !sel.Fallback {
		if err := c.store.Save(sel); err != nil {
			logger.Warn().Err(err).Msg("persisting selection failed")
		}
	}
}

// fallback synthesizes a selection from the configured fallback URL,
// or keeps the previous selection when no fallback exists. Only when
// neither is available does the caller see an error.
func (c *Client) fallback(cause error) (*Selection, error) {
	if c.config.FallbackURL != "" {
		sel := &Selection{
			Region:   c.config.FallbackRegion,
			Server:   c.config.FallbackURL,
			CachedAt: time.Now().UTC(),
			Fallback: true,
		}
		c.selection.Store(sel)
		return sel, nil
	}
	if prev := c.selection.Load(); prev != nil {
		return prev, nil
	}
	return nil, fmt.Errorf("discovery failed with no fallback configured: %w", cause)
}

func (c *Client) setCommonHeaders(req *http.Request) {
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	c.tokenMu.RLock()
	token := c.token
	c.tokenMu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func joinURL(base, path string) string {
	return strings.TrimSuffix(base, "/") + path
}
