// Copyright 2025 PhotoStream Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"

	"github.com/photostream/georoute/pkg/utils"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "georoute",
	Short: "Georoute - geographic discovery and routing for PhotoStream",
	Long: `Georoute decides which regional PhotoStream server a client should
talk to. It serves the discovery, regions-health and liveness endpoints
each regional deployment exposes, and ships operator tooling to exercise
them from the command line.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&utils.ConfigurationFileDirectory, "config_dir", ".", "Directory for configuration files")
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
