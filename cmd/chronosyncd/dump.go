// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cawka/ChronoShare/actionlog"
	"github.com/cawka/ChronoShare/config"
	"github.com/cawka/ChronoShare/name"
	"github.com/cawka/ChronoShare/synclog"
)

// newDumpCmd implements the introspection surface SPEC_FULL.md §4.1
// describes: a read-only snapshot of the action log and file-state table,
// the way a GUI or support tool would inspect a running device's database
// without racing its writes.
func newDumpCmd() *cobra.Command {
	var sharedFolder string
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the action log and file-state table for a shared folder",
	}
	cmd.PersistentFlags().StringVar(&sharedFolder, "shared-folder", "", "absolute path to the synced folder")

	cmd.AddCommand(&cobra.Command{
		Use:   "actions",
		Short: "Print every action in the log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadOnlyActionlog(sharedFolder, func(al *actionlog.Log) error {
				actions, err := al.DumpActions()
				if err != nil {
					return err
				}
				for _, a := range actions {
					fmt.Fprintf(cmd.OutOrStdout(), "%s#%d %s %s v%d\n", a.DeviceName, a.SeqNo, a.Item.Type.String(), a.Item.Filename, a.Item.Version)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "files",
		Short: "Print the materialized file-state table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadOnlyActionlog(sharedFolder, func(al *actionlog.Log) error {
				entries, err := al.DumpFileState()
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Fprintf(cmd.OutOrStdout(), "%s owner=%s#%d v%d complete=%t\n", e.Filename, e.OwningDevice, e.OwningSeq, e.Version, e.IsComplete)
				}
				return nil
			})
		},
	})

	return cmd
}

// withReadOnlyActionlog opens the databases under <shared-folder>/.chronoshare
// long enough to run fn, then closes them. Opening read-only isn't available
// from the embedded store abstraction; while a live chronosyncd holds the
// same databases, bbolt's exclusive file lock makes the open wait, with no
// timeout, until that process releases them.
func withReadOnlyActionlog(sharedFolder string, fn func(al *actionlog.Log) error) error {
	cfg, err := loadRunConfig(sharedFolder)
	if err != nil {
		return err
	}
	metaDir := filepath.Join(cfg.SharedFolder, config.MetaDir)
	self := name.Parse(cfg.DeviceName)

	log := zerolog.Nop()
	sl, err := synclog.Open(filepath.Join(metaDir, "sync.db"), log)
	if err != nil {
		return err
	}
	defer sl.Close()

	al, err := actionlog.Open(filepath.Join(metaDir, "actions.db"), self, cfg.App, sl, nil, log)
	if err != nil {
		return err
	}
	defer al.Close()

	return fn(al)
}
