// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the demo broker command-line
// application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/demobroker/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "dmb",
	DisableAutoGenTag: true,
	Short:             "dmb is the single-slot demo session broker",
	Long: `dmb brokers access to a shared, single-concurrency product demo.
Visitors connect over a websocket, queue for the one demo slot, and receive
a time-boxed sandboxed terminal session when promoted. Operators mint and
manage the invite links that gate access.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the demo broker CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	rootCmd.PersistentFlags().String("config", "", "Path to a config file (optional; env vars with DMB_ prefix work too)")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Fatalf("failed to bind debug flag: %v", err)
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newInviteCommand())

	return rootCmd
}
