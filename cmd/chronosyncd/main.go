// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command chronosyncd wires components A-F into a single running sync
// daemon for one shared folder (SPEC_FULL.md §0.5, §2). Grounded on
// tonimelisma-onedrive-go's root.go: a flat package main, one
// newXCmd() constructor per subcommand, config resolved once in
// PersistentPreRunE.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var flagConfigPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "chronosyncd:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chronosyncd",
		Short:         "ChronoSync peer-to-peer folder synchronization daemon",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to chronosync.toml (defaults to <shared-folder>/.chronoshare/chronosync.toml lookup via --shared-folder)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newDumpCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the chronosyncd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "chronosyncd dev")
			return nil
		},
	}
}
