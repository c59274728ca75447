// Copyright 2025 PhotoStream Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/photostream/georoute/pkg/region"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newBusinessServer is a fake regional API that records the requests
// it receives.
type businessServer struct {
	*httptest.Server

	mu       chan struct{} // buffered size 1, used as a mutex
	paths    []string
	auth     []string
	respond  func(w http.ResponseWriter, r *http.Request)
	requests atomic.Int32
}

func newBusinessServer(t *testing.T, respond func(w http.ResponseWriter, r *http.Request)) *businessServer {
	t.Helper()
	bs := &businessServer{
		mu:      make(chan struct{}, 1),
		respond: respond,
	}
	bs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bs.requests.Add(1)
		bs.mu <- struct{}{}
		bs.paths = append(bs.paths, r.URL.Path)
		bs.auth = append(bs.auth, r.Header.Get("Authorization"))
		<-bs.mu
		if bs.respond != nil {
			bs.respond(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok": true}`)
	}))
	t.Cleanup(bs.Close)
	return bs
}

func (bs *businessServer) lastPath() string {
	bs.mu <- struct{}{}
	defer func() { <-bs.mu }()
	if len(bs.paths) == 0 {
		return ""
	}
	return bs.paths[len(bs.paths)-1]
}

func (bs *businessServer) lastAuth() string {
	bs.mu <- struct{}{}
	defer func() { <-bs.mu }()
	if len(bs.auth) == 0 {
		return ""
	}
	return bs.auth[len(bs.auth)-1]
}

// newDiscoveryServer answers /api/discover pointing at the given
// server URL and counts discovery calls.
func newDiscoveryServer(t *testing.T, regionName, serverURL string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/discover" {
			http.NotFound(w, r)
			return
		}
		if calls != nil {
			calls.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"server":    serverURL,
			"region":    regionName,
			"client_ip": "203.0.113.7",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, cfg Config, opts ...Option) *Client {
	t.Helper()
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DiscoverTimeout = 2 * time.Second
	cfg.ProbeTimeout = time.Second
	cfg.RequestTimeout = 2 * time.Second
	return cfg
}

func TestNew_RequiresSomeURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestGet_TargetsDiscoveredServer(t *testing.T) {
	business := newBusinessServer(t, nil)
	entry := newDiscoveryServer(t, region.EUCentral, business.URL, nil)

	cfg := testConfig()
	cfg.EntryURL = entry.URL
	c := newTestClient(t, cfg)

	var out map[string]interface{}
	require.NoError(t, c.Get(context.Background(), "/api/photos", &out))

	assert.Equal(t, "/api/photos", business.lastPath())
	sel := c.Selection()
	require.NotNil(t, sel)
	assert.Equal(t, region.EUCentral, sel.Region)
	assert.Equal(t, business.URL, sel.Server)
	assert.False(t, sel.Fallback)
}

func TestDiscover_FallbackOnUnreachableEntry(t *testing.T) {
	business := newBusinessServer(t, nil)

	// An entry URL nothing listens on
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	cfg := testConfig()
	cfg.EntryURL = deadURL
	cfg.FallbackURL = business.URL
	c := newTestClient(t, cfg)

	sel, err := c.Discover(context.Background())
	require.NoError(t, err, "discovery failure must not surface as an error")
	assert.True(t, sel.Fallback)
	assert.Equal(t, region.DefaultRegion, sel.Region)
	assert.Equal(t, business.URL, sel.Server)

	// Business calls proceed against the fallback
	require.NoError(t, c.Get(context.Background(), "/api/photos", nil))
	assert.Equal(t, "/api/photos", business.lastPath())
}

func TestDiscover_NoFallbackNoPriorSelection(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	cfg := testConfig()
	cfg.EntryURL = deadURL
	cfg.RediscoverAfter = 0
	c := newTestClient(t, cfg)

	// NotFoundHandler would answer 404, but the server is closed, so
	// this is a transport error with nothing to fall back to.
	_, err := c.Discover(context.Background())
	assert.Error(t, err)
}

func TestInitialize_Idempotent(t *testing.T) {
	var calls atomic.Int32
	business := newBusinessServer(t, nil)
	entry := newDiscoveryServer(t, region.USEast, business.URL, &calls)

	cfg := testConfig()
	cfg.EntryURL = entry.URL
	c := newTestClient(t, cfg)

	require.NoError(t, c.Initialize(context.Background()))
	require.NoError(t, c.Initialize(context.Background()))
	require.NoError(t, c.Get(context.Background(), "/api/photos", nil))

	assert.Equal(t, int32(1), calls.Load(), "one blocking discovery total")
}

func TestInitialize_FreshCacheSkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	business := newBusinessServer(t, nil)
	entry := newDiscoveryServer(t, region.USEast, "https://unused.example.com", &calls)

	store := NewFileStore(t.TempDir() + "/selection.json")
	require.NoError(t, store.Save(&Selection{
		Region:   region.USWest,
		Server:   business.URL,
		CachedAt: time.Now().UTC(),
	}))

	cfg := testConfig()
	cfg.EntryURL = entry.URL
	c := newTestClient(t, cfg, WithStore(store))

	require.NoError(t, c.Initialize(context.Background()))
	require.NoError(t, c.Get(context.Background(), "/api/photos", nil))

	assert.Equal(t, int32(0), calls.Load(), "fresh cache must not trigger discovery")
	assert.Equal(t, business.URL, c.Selection().Server)
}

func TestInitialize_StaleCacheServesWhileRefreshing(t *testing.T) {
	oldRegion := newBusinessServer(t, nil)
	newRegion := newBusinessServer(t, nil)

	release := make(chan struct{})
	entry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"server": newRegion.URL,
			"region": region.EUCentral,
		})
	}))
	t.Cleanup(entry.Close)

	store := NewFileStore(t.TempDir() + "/selection.json")
	require.NoError(t, store.Save(&Selection{
		Region:   region.USEast,
		Server:   oldRegion.URL,
		CachedAt: time.Now().Add(-25 * time.Hour),
	}))

	cfg := testConfig()
	cfg.EntryURL = entry.URL
	cfg.RediscoverAfter = 24 * time.Hour
	c := newTestClient(t, cfg, WithStore(store))

	// Initialize returns immediately on the stale selection
	require.NoError(t, c.Initialize(context.Background()))
	assert.Equal(t, oldRegion.URL, c.Selection().Server)

	// Calls made while re-discovery is in flight use the stale value
	require.NoError(t, c.Get(context.Background(), "/api/photos", nil))
	assert.Equal(t, "/api/photos", oldRegion.lastPath())

	close(release)
	require.Eventually(t, func() bool {
		return c.Selection().Server == newRegion.URL
	}, 3*time.Second, 10*time.Millisecond, "background refresh commits the new selection")

	// The refreshed selection is persisted
	persisted, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, newRegion.URL, persisted.Server)
}

func TestRediscoverDisabled_StaleCacheStays(t *testing.T) {
	var calls atomic.Int32
	business := newBusinessServer(t, nil)
	entry := newDiscoveryServer(t, region.USEast, "https://unused.example.com", &calls)

	store := NewFileStore(t.TempDir() + "/selection.json")
	require.NoError(t, store.Save(&Selection{
		Region:   region.USEast,
		Server:   business.URL,
		CachedAt: time.Now().Add(-30 * 24 * time.Hour),
	}))

	cfg := testConfig()
	cfg.EntryURL = entry.URL
	cfg.RediscoverAfter = 0
	c := newTestClient(t, cfg, WithStore(store))

	require.NoError(t, c.Get(context.Background(), "/api/photos", nil))
	require.NoError(t, c.Get(context.Background(), "/api/photos", nil))

	assert.Equal(t, int32(0), calls.Load(), "manual-only mode never rediscovers")
}

func pingHandler(regionName string, delay time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"pong":      true,
			"region":    regionName,
			"timestamp": time.Now().Unix(),
		})
	})
}

func TestDiscoverByLatency_PicksFastest(t *testing.T) {
	slow := httptest.NewServer(pingHandler("slow", 80*time.Millisecond))
	fast := httptest.NewServer(pingHandler("fast", 5*time.Millisecond))
	timeouts := httptest.NewServer(pingHandler("timeouts", 2*time.Second))
	t.Cleanup(slow.Close)
	t.Cleanup(fast.Close)
	t.Cleanup(timeouts.Close)

	cfg := testConfig()
	cfg.EntryURL = "https://unused.example.com"
	cfg.ProbeTimeout = 500 * time.Millisecond
	cfg.Regions = []region.Region{
		{Name: "slow", BaseURL: slow.URL},
		{Name: "fast", BaseURL: fast.URL},
		{Name: "timeouts", BaseURL: timeouts.URL},
	}
	c := newTestClient(t, cfg)

	sel, err := c.DiscoverByLatency(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fast", sel.Region)
	assert.Equal(t, fast.URL, sel.Server)
}

func TestDiscoverByLatency_AllFailSubstitutesFallback(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	cfg := testConfig()
	cfg.EntryURL = "https://unused.example.com"
	cfg.FallbackURL = "https://fallback.example.com"
	cfg.ProbeTimeout = 200 * time.Millisecond
	cfg.Regions = []region.Region{
		{Name: "a", BaseURL: deadURL},
	}
	c := newTestClient(t, cfg)

	sel, err := c.DiscoverByLatency(context.Background())
	require.NoError(t, err)
	assert.True(t, sel.Fallback)
	assert.Equal(t, "https://fallback.example.com", sel.Server)
}

func TestDiscoverByLatency_NoRegionsConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.EntryURL = "https://unused.example.com"
	c := newTestClient(t, cfg)

	_, err := c.DiscoverByLatency(context.Background())
	assert.Error(t, err)
}

func TestAPIError_CarriesStatusAndBody(t *testing.T) {
	business := newBusinessServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, `{"detail": "rating must be between 1 and 5"}`)
	})
	entry := newDiscoveryServer(t, region.USEast, business.URL, nil)

	cfg := testConfig()
	cfg.EntryURL = entry.URL
	c := newTestClient(t, cfg)

	err := c.Post(context.Background(), "/api/photos/42/ratings", map[string]int{"stars": 9}, nil)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "rating must be between 1 and 5", apiErr.Message)
	assert.Equal(t, "rating must be between 1 and 5", apiErr.Body["detail"])
}

func TestSetToken_InjectsBearer(t *testing.T) {
	business := newBusinessServer(t, nil)
	entry := newDiscoveryServer(t, region.USEast, business.URL, nil)

	cfg := testConfig()
	cfg.EntryURL = entry.URL
	c := newTestClient(t, cfg)

	c.SetToken("sekrit")
	require.NoError(t, c.Get(context.Background(), "/api/users/me", nil))
	assert.Equal(t, "Bearer sekrit", business.lastAuth())

	c.ClearToken()
	require.NoError(t, c.Get(context.Background(), "/api/photos", nil))
	assert.Empty(t, business.lastAuth())
}

func TestUpload_MultipartPassthrough(t *testing.T) {
	type received struct {
		fileName string
		content  string
		title    string
		auth     string
	}
	got := make(chan received, 1)

	business := newBusinessServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		content, err := io.ReadAll(file)
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		got <- received{
			fileName: header.Filename,
			content:  string(content),
			title:    r.FormValue("title"),
			auth:     r.Header.Get("Authorization"),
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id": "p-1", "thumbnail_url": "https://cdn.example.com/p-1.jpg"}`)
	})
	entry := newDiscoveryServer(t, region.USEast, business.URL, nil)

	cfg := testConfig()
	cfg.EntryURL = entry.URL
	c := newTestClient(t, cfg)
	c.SetToken("sekrit")

	var out struct {
		ID string `json:"id"`
	}
	err := c.Upload(context.Background(), "/api/photos", "", "sunset.jpg",
		strings.NewReader("fake image bytes"),
		map[string]string{"title": "Sunset over the bay"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "p-1", out.ID)

	r := <-got
	assert.Equal(t, "sunset.jpg", r.fileName)
	assert.Equal(t, "fake image bytes", r.content)
	assert.Equal(t, "Sunset over the bay", r.title)
	assert.Equal(t, "Bearer sekrit", r.auth)
	assert.Equal(t, "/api/photos", business.lastPath())
}

func TestDo_HonorsContextCancellation(t *testing.T) {
	business := newBusinessServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	entry := newDiscoveryServer(t, region.USEast, business.URL, nil)

	cfg := testConfig()
	cfg.EntryURL = entry.URL
	c := newTestClient(t, cfg)
	require.NoError(t, c.Initialize(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Get(ctx, "/api/photos", nil)
	require.Error(t, err)

	// The selection survives the cancelled call
	assert.NotNil(t, c.Selection())
}
