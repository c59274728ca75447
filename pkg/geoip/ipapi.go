// Copyright 2025 PhotoStream Authors
// SPDX-License-Identifier: Apache-2.0

package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/photostream/georoute/pkg/logger"

	"golang.org/x/time/rate"
)

// Config configures the HTTP resolver.
type Config struct {
	// Endpoint is the base URL of the geolocation provider.
	Endpoint string `mapstructure:"endpoint"`

	// Timeout bounds a single lookup, transport and decode included.
	Timeout time.Duration `mapstructure:"timeout"`

	// RatePerMinute caps outbound lookups. The free provider tier
	// allows ~1000 requests/day; over-limit lookups degrade to
	// unresolved instead of queueing.
	RatePerMinute int `mapstructure:"rate_per_minute"`
	RateBurst     int `mapstructure:"rate_burst"`

	UserAgent string `mapstructure:"user_agent"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Endpoint:      "https://ipapi.co",
		Timeout:       5 * time.Second,
		RatePerMinute: 30,
		RateBurst:     15,
		UserAgent:     "georoute/1.0",
	}
}

// HTTPResolver resolves IPs against an ipapi.co-compatible endpoint
// (GET <endpoint>/<ip>/json/).
type HTTPResolver struct {
	config  Config
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPResolver creates a resolver with its own bounded HTTP client.
func NewHTTPResolver(cfg Config) *HTTPResolver {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultConfig().Endpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	var limiter *rate.Limiter
	if cfg.RatePerMinute > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), burst)
	}

	return &HTTPResolver{
		config: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: limiter,
	}
}

// apiResponse mirrors the provider payload. The provider signals bogon
// and quota failures in-band with error=true.
type apiResponse struct {
	Error         bool     `json:"error"`
	Reason        string   `json:"reason"`
	ContinentCode string   `json:"continent_code"`
	CountryCode   string   `json:"country_code"`
	City          string   `json:"city"`
	Region        string   `json:"region"`
	Longitude     *float64 `json:"longitude"`
}

// Resolve looks up a single IP. Private and malformed addresses
// short-circuit before any network call. All failures degrade to
// ErrUnresolvable; the caller decides what "unresolved" means.
func (r *HTTPResolver) Resolve(ctx context.Context, ip string) (*Location, error) {
	if SkipLookup(ip) {
		return nil, ErrPrivateAddress
	}

	if r.limiter != nil && !r.limiter.Allow() {
		logger.Ctx(ctx).Debug().Str("ip", ip).Msg("geoip lookup rate limited")
		return nil, fmt.Errorf("%w: rate limited", ErrUnresolvable)
	}

	lookupURL := fmt.Sprintf("%s/%s/json/", strings.TrimSuffix(r.config.Endpoint, "/"), url.PathEscape(ip))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnresolvable, err)
	}
	if r.config.UserAgent != "" {
		req.Header.Set("User-Agent", r.config.UserAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		logger.Ctx(ctx).Debug().Err(err).Str("ip", ip).Msg("geoip lookup failed")
		return nil, fmt.Errorf("%w: %v", ErrUnresolvable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Ctx(ctx).Debug().Int("status", resp.StatusCode).Str("ip", ip).Msg("geoip lookup rejected")
		return nil, fmt.Errorf("%w: provider status %d", ErrUnresolvable, resp.StatusCode)
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUnresolvable, err)
	}
	if body.Error {
		return nil, fmt.Errorf("%w: provider error: %s", ErrUnresolvable, body.Reason)
	}

	return &Location{
		IP:            ip,
		ContinentCode: body.ContinentCode,
		CountryCode:   body.CountryCode,
		City:          body.City,
		RegionName:    body.Region,
		Longitude:     body.Longitude,
		ResolvedAt:    time.Now().UTC(),
	}, nil
}
