// Copyright 2025 PhotoStream Authors
// SPDX-License-Identifier: Apache-2.0

// Package health aggregates liveness of the deployed regions. Probes
// fan out concurrently so one slow region delays the report by at most
// the per-probe timeout, never by the sum of timeouts.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/photostream/georoute/pkg/logger"
	"github.com/photostream/georoute/pkg/region"
	"github.com/photostream/georoute/pkg/utils"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	probeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "georoute_health_probe_duration_seconds",
			Help:    "Duration of regional health probes in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"region"},
	)
	probeStatusTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "georoute_health_probe_status_total",
			Help: "Regional health probe outcomes",
		},
		[]string{"region", "status"},
	)
)

// Status classifies one probed region.
type Status string

const (
	// StatusHealthy: the region answered 2xx and reported itself healthy.
	StatusHealthy Status = "healthy"
	// StatusDegraded: the region answered but with a non-2xx status or
	// an unhealthy body.
	StatusDegraded Status = "degraded"
	// StatusUnreachable: transport error or probe timeout.
	StatusUnreachable Status = "unreachable"
)

// maxProbeBodyBytes bounds how much of a health body is read.
const maxProbeBodyBytes = 64 << 10

// Snapshot is the probe outcome for one region. ResponseTimeMs is nil
// when the region never answered. Database and Cache pass through the
// probed body untouched; this layer does not interpret them.
type Snapshot struct {
	Region         string    `json:"region"`
	URL            string    `json:"url"`
	Status         Status    `json:"status"`
	ResponseTimeMs *int64    `json:"response_time_ms,omitempty"`
	Database       string    `json:"database,omitempty"`
	Cache          string    `json:"cache,omitempty"`
	Error          string    `json:"error,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}

// Report is the aggregate across all registered regions. Snapshots
// keep registry order.
type Report struct {
	Regions        []Snapshot `json:"regions"`
	TotalRegions   int        `json:"total_regions"`
	HealthyRegions int        `json:"healthy_regions"`
	GeneratedAt    time.Time  `json:"generated_at"`
}

// Config configures the aggregator.
type Config struct {
	// ProbeTimeout bounds each individual regional probe.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`

	// ProbePath is appended to each region's base URL.
	ProbePath string `mapstructure:"probe_path"`

	// CacheTTL is how long a generated report is served as-is.
	// 0 disables caching.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// RefreshInterval enables the background refresh loop when > 0;
	// on-demand probing remains available either way.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ProbeTimeout: 10 * time.Second,
		ProbePath:    "/api/health",
		CacheTTL:     15 * time.Second,
	}
}

// probeBody is the subset of a regional health payload this layer
// reads.
type probeBody struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Cache    string `json:"cache"`
}

// Aggregator probes every registered region and caches the combined
// report for a short TTL.
type Aggregator struct {
	registry *region.Registry
	config   Config
	client   *http.Client

	sf singleflight.Group

	mu       sync.RWMutex
	cached   *Report
	cachedAt time.Time
}

// NewAggregator creates an aggregator over the registry.
func NewAggregator(registry *region.Registry, cfg Config) *Aggregator {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if cfg.ProbePath == "" {
		cfg.ProbePath = DefaultConfig().ProbePath
	}
	return &Aggregator{
		registry: registry,
		config:   cfg,
		client: &http.Client{
			Timeout: cfg.ProbeTimeout,
		},
	}
}

// Report returns the current health report, serving the cached one
// while it is fresh. Concurrent cache misses collapse into a single
// probe round. Probe failures are values inside the report, never
// errors.
func (a *Aggregator) Report(ctx context.Context) *Report {
	if rep := a.cachedReport(); rep != nil {
		return rep
	}

	v, _, _ := a.sf.Do("report", func() (interface{}, error) {
		// Re-check: a concurrent caller may have refreshed the cache
		// between our miss and the flight starting.
		if rep := a.cachedReport(); rep != nil {
			return rep, nil
		}

		rep := a.probeAll(ctx)

		// A report generated under a cancelled context is all noise;
		// return it but do not let it occupy the cache.
		if ctx.Err() == nil && a.config.CacheTTL > 0 {
			a.mu.Lock()
			a.cached = rep
			a.cachedAt = time.Now()
			a.mu.Unlock()
		}
		return rep, nil
	})
	return v.(*Report)
}

func (a *Aggregator) cachedReport() *Report {
	if a.config.CacheTTL <= 0 {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cached != nil && time.Since(a.cachedAt) < a.config.CacheTTL {
		return a.cached
	}
	return nil
}

func (a *Aggregator) probeAll(ctx context.Context) *Report {
	regions := a.registry.All()
	snapshots := make([]Snapshot, len(regions))

	g, gctx := errgroup.WithContext(ctx)
	for i, reg := range regions {
		g.Go(func() error {
			snapshots[i] = a.probe(gctx, reg)
			return nil
		})
	}
	g.Wait()

	healthy := 0
	for _, snap := range snapshots {
		if snap.Status == StatusHealthy {
			healthy++
		}
	}

	return &Report{
		Regions:        snapshots,
		TotalRegions:   len(snapshots),
		HealthyRegions: healthy,
		GeneratedAt:    time.Now().UTC(),
	}
}

func (a *Aggregator) probe(ctx context.Context, reg region.Region) Snapshot {
	snap := Snapshot{
		Region:    reg.Name,
		URL:       reg.BaseURL,
		CheckedAt: time.Now().UTC(),
	}

	probeCtx, cancel := context.WithTimeout(ctx, a.config.ProbeTimeout)
	defer cancel()

	target := strings.TrimSuffix(reg.BaseURL, "/") + a.config.ProbePath
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, target, nil)
	if err != nil {
		snap.Status = StatusUnreachable
		snap.Error = err.Error()
		probeStatusTotal.WithLabelValues(reg.Name, string(snap.Status)).Inc()
		return snap
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	rtt := time.Since(start)
	probeDuration.WithLabelValues(reg.Name).Observe(rtt.Seconds())

	if err != nil {
		logger.Ctx(ctx).Debug().Err(err).Str("region", reg.Name).Msg("health probe failed")
		snap.Status = StatusUnreachable
		snap.Error = err.Error()
		probeStatusTotal.WithLabelValues(reg.Name, string(snap.Status)).Inc()
		return snap
	}
	defer resp.Body.Close()

	ms := rtt.Milliseconds()
	snap.ResponseTimeMs = &ms

	var body probeBody
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxProbeBodyBytes)).Decode(&body)
	snap.Database = body.Database
	snap.Cache = body.Cache

	switch {
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snap.Status = StatusDegraded
		snap.Error = fmt.Sprintf("status %d", resp.StatusCode)
	case decodeErr != nil:
		snap.Status = StatusDegraded
		snap.Error = "unparseable health body"
	case body.Status != string(StatusHealthy):
		snap.Status = StatusDegraded
		if body.Status != "" {
			snap.Error = fmt.Sprintf("reported %q", body.Status)
		}
	default:
		snap.Status = StatusHealthy
	}

	probeStatusTotal.WithLabelValues(reg.Name, string(snap.Status)).Inc()
	return snap
}

// Run refreshes the report cache at a jittered interval until ctx is
// cancelled. Only useful when Config.RefreshInterval > 0; the server
// command starts it so interactive /api/regions calls hit a warm
// cache.
func (a *Aggregator) Run(ctx context.Context) {
	if a.config.RefreshInterval <= 0 {
		return
	}

	ticks, stop := utils.JitteredTicker(a.config.RefreshInterval, 0.1)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			rep := a.probeAll(ctx)
			if ctx.Err() != nil {
				return
			}
			a.mu.Lock()
			a.cached = rep
			a.cachedAt = time.Now()
			a.mu.Unlock()
			logger.Ctx(ctx).Debug().
				Int("healthy", rep.HealthyRegions).
				Int("total", rep.TotalRegions).
				Msg("refreshed region health report")
		}
	}
}
