// Copyright 2025 PhotoStream Authors
// SPDX-License-Identifier: Apache-2.0

package geoip

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPResolver_Resolve(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "/8.8.8.8/json/", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"ip": "8.8.8.8",
			"continent_code": "NA",
			"country_code": "US",
			"city": "Mountain View",
			"region": "California",
			"longitude": -122.0838
		}`)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL
	cfg.RatePerMinute = 0 // no limiter in tests
	resolver := NewHTTPResolver(cfg)

	loc, err := resolver.Resolve(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	require.NotNil(t, loc)

	assert.Equal(t, "8.8.8.8", loc.IP)
	assert.Equal(t, "NA", loc.ContinentCode)
	assert.Equal(t, "US", loc.CountryCode)
	assert.Equal(t, "Mountain View", loc.City)
	assert.Equal(t, "California", loc.RegionName)
	require.NotNil(t, loc.Longitude)
	assert.InDelta(t, -122.0838, *loc.Longitude, 0.0001)
	assert.False(t, loc.ResolvedAt.IsZero())
	assert.Equal(t, int32(1), requests.Load())
}

func TestHTTPResolver_MissingLongitude(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"continent_code": "EU", "country_code": "DE"}`)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL
	cfg.RatePerMinute = 0
	resolver := NewHTTPResolver(cfg)

	loc, err := resolver.Resolve(context.Background(), "185.10.10.10")
	require.NoError(t, err)
	// Unknown longitude stays distinguishable from longitude zero
	assert.Nil(t, loc.Longitude)
}

func TestHTTPResolver_DegradesToUnresolvable(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "provider error body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"error": true, "reason": "Reserved IP Address"}`)
			},
		},
		{
			name: "non-200 status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"continent_code": `)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			cfg := DefaultConfig()
			cfg.Endpoint = srv.URL
			cfg.RatePerMinute = 0
			resolver := NewHTTPResolver(cfg)

			loc, err := resolver.Resolve(context.Background(), "8.8.8.8")
			assert.Nil(t, loc)
			assert.ErrorIs(t, err, ErrUnresolvable)
		})
	}
}

func TestHTTPResolver_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // resolver dials a dead server

	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL
	cfg.RatePerMinute = 0
	resolver := NewHTTPResolver(cfg)

	_, err := resolver.Resolve(context.Background(), "8.8.8.8")
	assert.ErrorIs(t, err, ErrUnresolvable)
}

func TestHTTPResolver_Timeout(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-done:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(done)

	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL
	cfg.Timeout = 50 * time.Millisecond
	cfg.RatePerMinute = 0
	resolver := NewHTTPResolver(cfg)

	start := time.Now()
	_, err := resolver.Resolve(context.Background(), "8.8.8.8")
	assert.ErrorIs(t, err, ErrUnresolvable)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestHTTPResolver_PrivateAddressesSkipNetwork(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL
	cfg.RatePerMinute = 0
	resolver := NewHTTPResolver(cfg)

	for _, ip := range []string{
		"127.0.0.1",
		"::1",
		"10.0.0.5",
		"192.168.1.20",
		"172.16.44.2",
		"169.254.0.1",
		"0.0.0.0",
		"not-an-ip",
		"",
	} {
		t.Run(ip, func(t *testing.T) {
			loc, err := resolver.Resolve(context.Background(), ip)
			assert.Nil(t, loc)
			assert.ErrorIs(t, err, ErrPrivateAddress)
			assert.ErrorIs(t, err, ErrUnresolvable)
		})
	}

	assert.Equal(t, int32(0), requests.Load(), "private addresses must not reach the provider")
}

func TestHTTPResolver_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"continent_code": "NA"}`)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL
	cfg.RatePerMinute = 1
	cfg.RateBurst = 1
	resolver := NewHTTPResolver(cfg)

	_, err := resolver.Resolve(context.Background(), "8.8.8.8")
	require.NoError(t, err)

	// Burst exhausted: the next lookup degrades instead of queueing
	_, err = resolver.Resolve(context.Background(), "8.8.4.4")
	assert.ErrorIs(t, err, ErrUnresolvable)
	assert.NotErrorIs(t, err, ErrPrivateAddress)
}

func TestSkipLookup(t *testing.T) {
	tests := []struct {
		ip   string
		skip bool
	}{
		{"8.8.8.8", false},
		{"2001:4860:4860::8888", false},
		{"203.0.113.7", false},
		{"127.0.0.1", true},
		{"::1", true},
		{"10.1.2.3", true},
		{"192.168.0.1", true},
		{"172.31.255.255", true},
		{"172.32.0.1", false}, // just outside 172.16/12
		{"169.254.10.10", true},
		{"fe80::1", true},
		{"0.0.0.0", true},
		{"::", true},
		{"garbage", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.skip, SkipLookup(tt.ip))
		})
	}
}
