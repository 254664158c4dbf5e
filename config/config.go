// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the TOML configuration file describing one shared
// folder's device identity, storage location, and tunable protocol
// parameters (SPEC_FULL.md §0.3). Grounded on
// tonimelisma-onedrive-go/internal/config's Load/LoadOrDefault shape: decode
// defaults, then overlay a file if present.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cawka/ChronoShare/fetch"
	"github.com/cawka/ChronoShare/objectstore"
	"github.com/cawka/ChronoShare/synccore"
)

// Config is the top-level configuration for one chronosyncd instance.
type Config struct {
	// SharedFolder is the absolute path to the watched/synced directory.
	SharedFolder string `toml:"shared_folder"`
	// DeviceName is this device's wire-encoded name, slash-separated
	// (spec §3 "Device name").
	DeviceName string `toml:"device_name"`
	// App namespaces this instance's wire names (spec §3 action name
	// "<device_name>/<app>/action/...").
	App string `toml:"app"`
	// SyncPrefix is the broadcast prefix sync/recovery interests are
	// expressed under (spec §4.F, §6).
	SyncPrefix string `toml:"sync_prefix"`
	// BroadcastHint is the forwarding hint fetch tasks rotate to on stall
	// (spec §4.D hint rotation stage 3).
	BroadcastHint string `toml:"broadcast_hint"`

	Fetch FetchConfig `toml:"fetch"`
	Sync  SyncConfig  `toml:"sync"`
}

// FetchConfig configures Component D.
type FetchConfig struct {
	Parallelism int    `toml:"parallelism"`
	SegmentSize int    `toml:"segment_size"`
	TaskDBPath  string `toml:"task_db_path"`
}

// SyncConfig configures Component F.
type SyncConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
}

// DefaultConfig returns a Config with every tunable at its spec-mandated
// default (parallelism 3, interval 4s, segment 1024 bytes: spec §4.D/§4.F).
func DefaultConfig() *Config {
	return &Config{
		App:           "chronosync",
		SyncPrefix:    "/chronosync/broadcast",
		BroadcastHint: "/chronosync/broadcast",
		Fetch: FetchConfig{
			Parallelism: fetch.DefaultParallelFetches,
			SegmentSize: objectstore.DefaultSegmentSize,
		},
		Sync: SyncConfig{
			IntervalSeconds: int(synccore.DefaultSyncInterestInterval / time.Second),
		},
	}
}

// Load reads and decodes a TOML config file, overlaying it on DefaultConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("chronosync: loading config %s: %w", path, err)
	}
	return cfg, Validate(cfg)
}

// LoadOrDefault reads path if it exists, otherwise returns DefaultConfig
// unmodified (tonimelisma-onedrive-go's zero-config first-run pattern).
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// Validate rejects configurations missing the fields the rest of the system
// cannot safely default (shared folder and device identity).
func Validate(cfg *Config) error {
	if cfg.SharedFolder == "" {
		return fmt.Errorf("chronosync: shared_folder is required")
	}
	if cfg.DeviceName == "" {
		return fmt.Errorf("chronosync: device_name is required")
	}
	if cfg.Fetch.Parallelism <= 0 {
		cfg.Fetch.Parallelism = fetch.DefaultParallelFetches
	}
	if cfg.Fetch.SegmentSize <= 0 {
		cfg.Fetch.SegmentSize = objectstore.DefaultSegmentSize
	}
	if cfg.Sync.IntervalSeconds <= 0 || time.Duration(cfg.Sync.IntervalSeconds)*time.Second > synccore.MaxSyncInterestInterval {
		cfg.Sync.IntervalSeconds = int(synccore.DefaultSyncInterestInterval / time.Second)
	}
	return nil
}

// SyncInterestInterval returns the configured interval as a time.Duration.
func (c *Config) SyncInterestInterval() time.Duration {
	return time.Duration(c.Sync.IntervalSeconds) * time.Second
}

// MetaDir is the fixed subdirectory name chronosyncd's databases live under
// (spec §6 "<shared_folder>/.chronoshare/").
const MetaDir = ".chronoshare"
