// Copyright 2025 PhotoStream Authors
// SPDX-License-Identifier: Apache-2.0

// Package region holds the deployed-region model, the registry built
// from configuration, and the deterministic location-to-region
// selection policy.
package region

import (
	"errors"
	"fmt"
	"net/url"
)

// Region names used by the selection policy. The registry may carry
// more regions than these, but the policy only ever emits these three.
const (
	USWest    = "us-west"
	USEast    = "us-east"
	EUCentral = "eu-central"

	// DefaultRegion receives every caller the policy cannot place.
	DefaultRegion = USEast
)

var (
	ErrRegistryEmpty  = errors.New("region: registry is empty")
	ErrRegionNotFound = errors.New("region: not found")
)

// Region describes one deployed regional API server.
type Region struct {
	Name      string  `mapstructure:"name" json:"name"`
	BaseURL   string  `mapstructure:"url" json:"url"`
	Continent string  `mapstructure:"continent" json:"continent,omitempty"`
	Longitude float64 `mapstructure:"longitude" json:"longitude,omitempty"`
}

// DefaultRegions returns the compiled-in deployment map. Every entry
// can be overridden through the regions config key.
func DefaultRegions() []Region {
	return []Region{
		{Name: USWest, BaseURL: "https://photostream-api-us-west.onrender.com", Continent: "NA", Longitude: -122.7},
		{Name: USEast, BaseURL: "https://photostream-api-us-east.onrender.com", Continent: "NA", Longitude: -77.5},
		{Name: EUCentral, BaseURL: "https://photostream-api-eu.onrender.com", Continent: "EU", Longitude: 8.68},
	}
}

// Registry is the immutable set of deployed regions. Built once at
// startup, safe for concurrent reads without locking.
type Registry struct {
	regions []Region
	byName  map[string]Region
}

// NewRegistry builds a registry preserving the order of regions.
// Duplicate names keep the last occurrence, matching config override
// semantics.
func NewRegistry(regions []Region) *Registry {
	r := &Registry{
		byName: make(map[string]Region, len(regions)),
	}
	for _, reg := range regions {
		if _, seen := r.byName[reg.Name]; !seen {
			r.regions = append(r.regions, reg)
		} else {
			for i := range r.regions {
				if r.regions[i].Name == reg.Name {
					r.regions[i] = reg
					break
				}
			}
		}
		r.byName[reg.Name] = reg
	}
	return r
}

// Validate fails when the registry cannot serve discovery: no regions,
// an unusable URL, or a missing default region.
func (r *Registry) Validate() error {
	if len(r.regions) == 0 {
		return ErrRegistryEmpty
	}
	for _, reg := range r.regions {
		if reg.Name == "" {
			return fmt.Errorf("region with url %q has no name", reg.BaseURL)
		}
		u, err := url.Parse(reg.BaseURL)
		if err != nil {
			return fmt.Errorf("region %s: invalid url %q: %w", reg.Name, reg.BaseURL, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("region %s: url %q must be absolute", reg.Name, reg.BaseURL)
		}
	}
	if _, ok := r.byName[DefaultRegion]; !ok {
		return fmt.Errorf("default region %s is not registered", DefaultRegion)
	}
	return nil
}

// Lookup returns the named region.
func (r *Registry) Lookup(name string) (Region, error) {
	reg, ok := r.byName[name]
	if !ok {
		return Region{}, fmt.Errorf("%w: %s", ErrRegionNotFound, name)
	}
	return reg, nil
}

// Resolve returns the named region, substituting the default region
// (or the first registered region when even the default is gone) for
// unknown names. The second return reports whether a substitution
// happened. Panics only on an empty registry, which Validate rules
// out at startup.
func (r *Registry) Resolve(name string) (Region, bool) {
	if reg, ok := r.byName[name]; ok {
		return reg, false
	}
	if reg, ok := r.byName[DefaultRegion]; ok {
		return reg, true
	}
	return r.regions[0], true
}

// All returns the regions in registration order.
func (r *Registry) All() []Region {
	out := make([]Region, len(r.regions))
	copy(out, r.regions)
	return out
}

// Names returns the region names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.regions))
	for i, reg := range r.regions {
		names[i] = reg.Name
	}
	return names
}

// Len returns the number of registered regions.
func (r *Registry) Len() int {
	return len(r.regions)
}
