// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.Fetch.Parallelism)
	assert.Equal(t, 1024, cfg.Fetch.SegmentSize)
	assert.Equal(t, 4, cfg.Sync.IntervalSeconds)
	assert.Equal(t, "chronosync", cfg.App)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chronosync.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
shared_folder = "/tmp/shared"
device_name = "/devices/alice"

[fetch]
parallelism = 5

[sync]
interval_seconds = 2
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/shared", cfg.SharedFolder)
	assert.Equal(t, "/devices/alice", cfg.DeviceName)
	assert.Equal(t, 5, cfg.Fetch.Parallelism)
	assert.Equal(t, 2, cfg.Sync.IntervalSeconds)
	// Unset fields still get spec defaults.
	assert.Equal(t, 1024, cfg.Fetch.SegmentSize)
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name string
		cfg  *Config
	}{
		{"missing shared folder", &Config{DeviceName: "/devices/alice"}},
		{"missing device name", &Config{SharedFolder: "/tmp/shared"}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, Validate(tt.cfg))
		})
	}
}

func TestValidateClampsOutOfRangeInterval(t *testing.T) {
	cfg := &Config{SharedFolder: "/tmp/shared", DeviceName: "/devices/alice"}
	cfg.Sync.IntervalSeconds = 3600
	require.NoError(t, Validate(cfg))
	assert.Equal(t, 4, cfg.Sync.IntervalSeconds)
}
