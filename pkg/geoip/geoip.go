// Copyright 2025 PhotoStream Authors
// SPDX-License-Identifier: Apache-2.0

// Package geoip resolves caller IP addresses to coarse geographic
// locations. Resolution is best-effort: every failure mode collapses
// into ErrUnresolvable so callers can fall back to a default region
// without inspecting provider internals.
package geoip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrUnresolvable marks an IP that could not be resolved to a
	// location. Lookup failures, malformed input, provider errors and
	// rate-limit rejections all collapse into this sentinel.
	ErrUnresolvable = errors.New("geoip: address unresolvable")

	// ErrPrivateAddress marks loopback/private/link-local callers that
	// are skipped before any network lookup. Wraps ErrUnresolvable.
	ErrPrivateAddress = fmt.Errorf("%w: private address", ErrUnresolvable)
)

// Location is a resolved geographic position for an IP address.
// Longitude is a pointer because "unknown" must stay distinct from 0
// (the Greenwich meridian is a real longitude).
type Location struct {
	IP            string    `json:"ip"`
	ContinentCode string    `json:"continent_code"`
	CountryCode   string    `json:"country_code"`
	City          string    `json:"city"`
	RegionName    string    `json:"region"`
	Longitude     *float64  `json:"longitude,omitempty"`
	ResolvedAt    time.Time `json:"resolved_at"`
}

// Resolver resolves an IP address string to a Location.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (*Location, error)
}

// SkipLookup reports whether an address must never be sent to the
// geolocation provider. Covers loopback, RFC1918, link-local and
// unspecified addresses; malformed input is skipped too.
func SkipLookup(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return true
	}
	return parsed.IsLoopback() ||
		parsed.IsPrivate() ||
		parsed.IsUnspecified() ||
		parsed.IsLinkLocalUnicast() ||
		parsed.IsLinkLocalMulticast()
}
