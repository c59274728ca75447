// Copyright 2025 PhotoStream Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/photostream/georoute/pkg/client"
	"github.com/photostream/georoute/pkg/logger"
	"github.com/photostream/georoute/pkg/region"
	"github.com/photostream/georoute/pkg/utils"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Discover which regional server this machine should use",
	Long: `Ask a deployment which regional server this machine should talk to.

By default the authoritative geolocation-based answer of the entry
server is used. With --latency the known regions are raced instead and
the fastest responder wins. The result is cached locally and reused by
subsequent invocations until it goes stale.`,
	Run: runDiscover,
}

func init() {
	rootCmd.AddCommand(discoverCmd)

	f := discoverCmd.Flags()
	f.String("entry", "", "Entry server base URL (default: the default region)")
	f.String("fallback", "", "Fallback base URL adopted when discovery fails")
	f.Bool("latency", false, "Race liveness probes instead of asking the entry server")
	f.Bool("fresh", false, "Ignore the locally cached selection")
	f.Duration("timeout", 15*time.Second, "Overall discovery timeout")
	viper.BindPFlags(f)
}

func runDiscover(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration("server", false)
	f := NewFlagLoader(cmd)

	regions := loadRegions()
	registry := region.NewRegistry(regions)
	if err := registry.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid region configuration")
	}

	cfg := client.DefaultConfig()
	cfg.EntryURL = f.String("entry")
	cfg.FallbackURL = f.String("fallback")
	cfg.Regions = regions
	if cfg.EntryURL == "" {
		def, _ := registry.Lookup(region.DefaultRegion)
		cfg.EntryURL = def.BaseURL
	}

	cachePath, err := client.DefaultCachePath()
	if err != nil {
		logger.Fatal().Err(err).Msg("cannot resolve selection cache path")
	}
	store := client.NewFileStore(cachePath)
	if f.Bool("fresh") {
		if err := store.Clear(); err != nil {
			logger.Warn().Err(err).Msg("clearing cached selection failed")
		}
	}

	c, err := client.New(cfg, client.WithStore(store))
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid client configuration")
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), f.Duration("timeout"))
	defer cancel()

	var sel *client.Selection
	if f.Bool("latency") {
		sel, err = c.DiscoverByLatency(ctx)
	} else {
		sel, err = c.Discover(ctx)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("discovery failed")
	}

	source := "discovery"
	if f.Bool("latency") {
		source = "latency race"
	}
	if sel.Fallback {
		source = "fallback (discovery failed)"
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "REGION\t%s\n", sel.Region)
	fmt.Fprintf(w, "SERVER\t%s\n", sel.Server)
	fmt.Fprintf(w, "SELECTED\t%s (%s)\n", humanize.Time(sel.CachedAt), source)
	w.Flush()
}
