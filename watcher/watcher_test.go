// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu       sync.Mutex
	added    []string
	removed  []string
}

func (h *recordingHandler) OnLocalFileAddedOrChanged(relPath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.added = append(h.added, relPath)
	return nil
}

func (h *recordingHandler) OnLocalFileRemoved(relPath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed = append(h.removed, relPath)
	return nil
}

func (h *recordingHandler) snapshot() (added, removed []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.added...), append([]string(nil), h.removed...)
}

func waitForWatcher(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWatcherReportsNewFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".chronoshare"), 0755))

	h := &recordingHandler{}
	w, err := New(dir, ".chronoshare", h, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hi"), 0644))

	waitForWatcher(t, func() bool {
		added, _ := h.snapshot()
		return len(added) >= 1
	})
	added, _ := h.snapshot()
	assert.Contains(t, added, "a.txt")
}

func TestWatcherIgnoresMetaDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".chronoshare"), 0755))

	h := &recordingHandler{}
	w, err := New(dir, ".chronoshare", h, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".chronoshare", "sync-log.db"), []byte("x"), 0644))
	time.Sleep(300 * time.Millisecond)

	added, _ := h.snapshot()
	assert.Empty(t, added)
}

func TestWatcherReportsRemoval(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".chronoshare"), 0755))
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0644))

	h := &recordingHandler{}
	w, err := New(dir, ".chronoshare", h, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	require.NoError(t, os.Remove(path))

	waitForWatcher(t, func() bool {
		_, removed := h.snapshot()
		return len(removed) >= 1
	})
	_, removed := h.snapshot()
	assert.Contains(t, removed, "a.txt")
}
