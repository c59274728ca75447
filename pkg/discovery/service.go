// Copyright 2025 PhotoStream Authors
// SPDX-License-Identifier: Apache-2.0

// Package discovery composes geolocation, the selection policy and the
// region registry into the public discovery surface. Discovery never
// fails: every degraded path resolves to a registered region and tags
// the result with a reason.
package discovery

import (
	"context"
	"errors"
	"time"

	"github.com/photostream/georoute/pkg/geoip"
	"github.com/photostream/georoute/pkg/logger"
	"github.com/photostream/georoute/pkg/region"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reasons tagged onto degraded discovery results. An empty reason
// means a clean geolocated selection.
const (
	ReasonPrivateAddress   = "private_address"
	ReasonGeoIPUnavailable = "geoip_unavailable"
	ReasonRegistryFallback = "registry_fallback"
)

var (
	discoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "georoute_discovery_requests_total",
			Help: "Discovery requests by selected region and outcome",
		},
		[]string{"region", "outcome"},
	)
)

// Result is one answered discovery. Location is nil whenever the
// caller could not be geolocated.
type Result struct {
	Server    string
	Region    string
	ClientIP  string
	Location  *geoip.Location
	Reason    string
	Timestamp time.Time
}

// Service answers discovery requests.
type Service struct {
	resolver geoip.Resolver
	registry *region.Registry
}

// NewService creates a discovery service. The registry must already be
// validated.
func NewService(resolver geoip.Resolver, registry *region.Registry) *Service {
	return &Service{
		resolver: resolver,
		registry: registry,
	}
}

// Discover resolves the caller's location and picks the best region.
// Geolocation outages, private callers and unknown locations all land
// on the default region; a selected-but-unregistered region substitutes
// a registered one. The returned result always carries a usable server
// URL.
func (s *Service) Discover(ctx context.Context, clientIP string) *Result {
	var reason string

	loc, err := s.resolver.Resolve(ctx, clientIP)
	if err != nil {
		loc = nil
		switch {
		case errors.Is(err, geoip.ErrPrivateAddress):
			reason = ReasonPrivateAddress
		case errors.Is(err, geoip.ErrUnresolvable):
			reason = ReasonGeoIPUnavailable
		default:
			logger.Ctx(ctx).Warn().Err(err).Str("client_ip", clientIP).Msg("unexpected geoip failure")
			reason = ReasonGeoIPUnavailable
		}
	}

	selected := region.Select(loc)
	reg, substituted := s.registry.Resolve(selected)
	if substituted {
		logger.Ctx(ctx).Error().
			Str("selected", selected).
			Str("substituted", reg.Name).
			Msg("selected region is not registered")
		reason = ReasonRegistryFallback
	}

	outcome := reason
	if outcome == "" {
		outcome = "ok"
	}
	discoveriesTotal.WithLabelValues(reg.Name, outcome).Inc()

	logger.Ctx(ctx).Info().
		Str("client_ip", clientIP).
		Str("region", reg.Name).
		Str("outcome", outcome).
		Msg("discovery request")

	return &Result{
		Server:    reg.BaseURL,
		Region:    reg.Name,
		ClientIP:  clientIP,
		Location:  loc,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}
