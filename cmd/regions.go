// Copyright 2025 PhotoStream Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/photostream/georoute/pkg/health"
	"github.com/photostream/georoute/pkg/logger"
	"github.com/photostream/georoute/pkg/region"
	"github.com/photostream/georoute/pkg/utils"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var regionsCmd = &cobra.Command{
	Use:   "regions",
	Short: "Show health of all deployed regions",
	Long:  `Fetch the aggregated regions report from a deployment and print it as a table.`,
	Run:   runRegions,
}

func init() {
	rootCmd.AddCommand(regionsCmd)

	f := regionsCmd.Flags()
	f.String("entry", "", "Entry server base URL (default: the default region)")
	f.Duration("timeout", 30*time.Second, "Request timeout")
	viper.BindPFlags(f)
}

func runRegions(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration("server", false)
	f := NewFlagLoader(cmd)

	entry := f.String("entry")
	if entry == "" {
		registry := region.NewRegistry(loadRegions())
		if err := registry.Validate(); err != nil {
			logger.Fatal().Err(err).Msg("invalid region configuration")
		}
		def, _ := registry.Lookup(region.DefaultRegion)
		entry = def.BaseURL
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), f.Duration("timeout"))
	defer cancel()

	report, err := fetchRegionsReport(ctx, entry)
	if err != nil {
		logger.Fatal().Err(err).Str("entry", entry).Msg("failed to fetch regions report")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REGION\tURL\tSTATUS\tLATENCY\tCHECKED")
	fmt.Fprintln(w, "------\t---\t------\t-------\t-------")
	for _, snap := range report.Regions {
		latency := "-"
		if snap.ResponseTimeMs != nil {
			latency = fmt.Sprintf("%d ms", *snap.ResponseTimeMs)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			snap.Region, snap.URL, snap.Status, latency, humanize.Time(snap.CheckedAt))
	}
	w.Flush()

	fmt.Printf("\n%d/%d regions healthy\n", report.HealthyRegions, report.TotalRegions)
}

func fetchRegionsReport(ctx context.Context, entry string) (*health.Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(entry, "/")+"/api/regions", nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var report health.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, err
	}
	return &report, nil
}
