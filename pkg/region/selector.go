// Copyright 2025 PhotoStream Authors
// SPDX-License-Identifier: Apache-2.0

package region

import (
	"github.com/photostream/georoute/pkg/geoip"
)

// westernLongitude splits North America between the coasts. Callers at
// exactly this meridian route east (half-open interval).
const westernLongitude = -105

// Select maps a resolved location to a region name. A nil location
// means the caller could not be resolved and routes to DefaultRegion.
// Pure function: no I/O, no registry awareness; the caller is
// responsible for substituting a registered region if the selected one
// is not deployed.
func Select(loc *geoip.Location) string {
	if loc == nil {
		return DefaultRegion
	}

	switch loc.ContinentCode {
	case "EU":
		return EUCentral
	case "AF":
		// No African deployment; Europe is the closest.
		return EUCentral
	case "NA":
		// Unknown longitude routes east, same as the default branch.
		if loc.Longitude != nil && *loc.Longitude < westernLongitude {
			return USWest
		}
		return USEast
	case "SA":
		return USEast
	case "AS", "OC":
		// Served across the Pacific.
		return USWest
	default:
		return DefaultRegion
	}
}
