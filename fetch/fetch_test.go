// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fetch

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cawka/ChronoShare/name"
)

// fakeRequester answers every Express call immediately with canned data,
// unless the segment is in the drop set (simulating a timeout that the
// caller must eventually retry or let time out).
type fakeRequester struct {
	mu   sync.Mutex
	drop map[string]bool
}

func (f *fakeRequester) Express(hint name.Name, interest name.Name, onData func([]byte), onTimeout func()) func() {
	f.mu.Lock()
	drop := f.drop[interest.String()]
	f.mu.Unlock()
	if drop {
		go onTimeout()
	} else {
		go onData([]byte("seg:" + interest.String()))
	}
	return func() {}
}

func testLog() zerolog.Logger {
	return zerolog.Nop()
}

func TestEnqueueCompletesAndInvokesCallbacks(t *testing.T) {
	req := &fakeRequester{drop: map[string]bool{}}
	mapping := func(device name.Name) name.Name { return name.Parse("/locator") }
	m, err := New(req, mapping, name.Parse("/broadcast"), 2, "", testLog())
	require.NoError(t, err)
	defer m.Close()

	var mu sync.Mutex
	var gotSegments []uint64
	finished := make(chan struct{})

	device := name.Parse("/device1")
	base := name.Parse("/device1/app/action/docs")
	m.Enqueue(device, base,
		func(d name.Name, b name.Name, seq uint64, data []byte) {
			mu.Lock()
			gotSegments = append(gotSegments, seq)
			mu.Unlock()
		},
		func(d name.Name, b name.Name) { close(finished) },
		1, 5, PriorityNormal,
	)

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("fetch task did not complete in time")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, gotSegments, 5)
}

func TestEnqueueRejectsEmptyRange(t *testing.T) {
	req := &fakeRequester{drop: map[string]bool{}}
	mapping := func(device name.Name) name.Name { return nil }
	m, err := New(req, mapping, nil, 1, "", testLog())
	require.NoError(t, err)
	defer m.Close()

	m.Enqueue(name.Parse("/d"), name.Parse("/d/app/action/x"), nil, nil, 5, 3, PriorityNormal)
	assert.Empty(t, m.Snapshots())
}

func TestDurablePersistenceReEnqueuesOnRestart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "fetch-tasks.db")

	req := &fakeRequester{drop: map[string]bool{"/device1/app/action/docs/1": true, "/device1/app/action/docs/2": true, "/device1/app/action/docs/3": true, "/device1/app/action/docs/4": true, "/device1/app/action/docs/5": true}}
	mapping := func(device name.Name) name.Name { return name.Parse("/locator") }
	m, err := New(req, mapping, name.Parse("/broadcast"), 2, dbPath, testLog())
	require.NoError(t, err)

	device := name.Parse("/device1")
	base := name.Parse("/device1/app/action/docs")
	m.Enqueue(device, base, func(name.Name, name.Name, uint64, []byte) {}, func(name.Name, name.Name) {}, 1, 5, PriorityNormal)

	// Allow the scheduler to promote the task before closing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, m.Close())

	req2 := &fakeRequester{drop: map[string]bool{}}
	m2, err := New(req2, mapping, name.Parse("/broadcast"), 2, dbPath, testLog())
	require.NoError(t, err)
	defer m2.Close()

	snaps := m2.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, uint64(1), snaps[0].MinSeq)
	assert.Equal(t, uint64(5), snaps[0].MaxSeq)
}
