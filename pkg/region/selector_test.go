// Copyright 2025 PhotoStream Authors
// SPDX-License-Identifier: Apache-2.0

package region

import (
	"testing"

	"github.com/photostream/georoute/pkg/geoip"

	"github.com/stretchr/testify/assert"
)

func float(v float64) *float64 {
	return &v
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name string
		loc  *geoip.Location
		want string
	}{
		{
			name: "unresolved routes to default",
			loc:  nil,
			want: USEast,
		},
		{
			name: "europe",
			loc:  &geoip.Location{ContinentCode: "EU", CountryCode: "DE", Longitude: float(8.68)},
			want: EUCentral,
		},
		{
			name: "africa routes to europe",
			loc:  &geoip.Location{ContinentCode: "AF", CountryCode: "NG", Longitude: float(3.4)},
			want: EUCentral,
		},
		{
			name: "north america west of the divide",
			loc:  &geoip.Location{ContinentCode: "NA", CountryCode: "US", Longitude: float(-122.42)},
			want: USWest,
		},
		{
			name: "north america east of the divide",
			loc:  &geoip.Location{ContinentCode: "NA", CountryCode: "US", Longitude: float(-73.94)},
			want: USEast,
		},
		{
			name: "exactly on the divide routes east",
			loc:  &geoip.Location{ContinentCode: "NA", CountryCode: "US", Longitude: float(-105)},
			want: USEast,
		},
		{
			name: "just west of the divide",
			loc:  &geoip.Location{ContinentCode: "NA", CountryCode: "US", Longitude: float(-105.0001)},
			want: USWest,
		},
		{
			name: "north america with unknown longitude routes east",
			loc:  &geoip.Location{ContinentCode: "NA", CountryCode: "CA"},
			want: USEast,
		},
		{
			name: "canada west",
			loc:  &geoip.Location{ContinentCode: "NA", CountryCode: "CA", Longitude: float(-123.1)},
			want: USWest,
		},
		{
			name: "mexico east",
			loc:  &geoip.Location{ContinentCode: "NA", CountryCode: "MX", Longitude: float(-99.13)},
			want: USEast,
		},
		{
			name: "south america",
			loc:  &geoip.Location{ContinentCode: "SA", CountryCode: "BR", Longitude: float(-46.63)},
			want: USEast,
		},
		{
			name: "asia",
			loc:  &geoip.Location{ContinentCode: "AS", CountryCode: "JP", Longitude: float(139.69)},
			want: USWest,
		},
		{
			name: "oceania",
			loc:  &geoip.Location{ContinentCode: "OC", CountryCode: "AU", Longitude: float(151.2)},
			want: USWest,
		},
		{
			name: "antarctica routes to default",
			loc:  &geoip.Location{ContinentCode: "AN", Longitude: float(0)},
			want: USEast,
		},
		{
			name: "empty continent routes to default",
			loc:  &geoip.Location{CountryCode: "US", Longitude: float(-122)},
			want: USEast,
		},
		{
			name: "unknown continent code routes to default",
			loc:  &geoip.Location{ContinentCode: "XX"},
			want: USEast,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Select(tt.loc))
		})
	}
}

func TestSelect_Deterministic(t *testing.T) {
	loc := &geoip.Location{ContinentCode: "NA", Longitude: float(-104.99)}
	first := Select(loc)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Select(loc))
	}
}
