// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package actionlog

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cawka/ChronoShare/name"
	"github.com/cawka/ChronoShare/signing"
	"github.com/cawka/ChronoShare/synclog"
)

func testLog() zerolog.Logger { return zerolog.Nop() }

func openTestLogs(t *testing.T, self name.Name) (*synclog.Log, *Log) {
	t.Helper()
	dir := t.TempDir()
	sl, err := synclog.Open(filepath.Join(dir, "sync.db"), testLog())
	require.NoError(t, err)
	t.Cleanup(func() { sl.Close() })

	signer, err := signing.GenerateClearSigner()
	require.NoError(t, err)

	al, err := Open(filepath.Join(dir, "actions.db"), self, "chronosync", sl, signer, testLog())
	require.NoError(t, err)
	t.Cleanup(func() { al.Close() })
	return sl, al
}

func TestAddLocalUpdateAppliesAndFiresOnAdded(t *testing.T) {
	_, al := openTestLogs(t, name.Parse("/devices/alice"))

	var got []string
	al.OnAdded(func(filename string, device name.Name, seq uint64, hash [32]byte, mtime int64, mode uint32, segmentCount uint64) {
		got = append(got, filename)
	})

	var hash [32]byte
	hash[0] = 1
	action, err := al.AddLocalUpdate("notes.txt", hash, 1000, 0644, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), action.SeqNo)
	assert.Equal(t, []string{"notes.txt"}, got)

	entries, err := al.DumpFileState()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "notes.txt", entries[0].Filename)
	assert.False(t, entries[0].IsComplete, "a freshly applied update is not complete until MarkComplete runs")
}

func TestAddLocalDeleteTombstonesAndFiresOnRemoved(t *testing.T) {
	_, al := openTestLogs(t, name.Parse("/devices/alice"))

	var removed []string
	al.OnRemoved(func(filename string) { removed = append(removed, filename) })

	var hash [32]byte
	_, err := al.AddLocalUpdate("notes.txt", hash, 1000, 0644, 1)
	require.NoError(t, err)

	_, err = al.AddLocalDelete("notes.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"notes.txt"}, removed)

	entries, err := al.DumpFileState()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, TypeTombstone, entries[0].Type)
}

// TestMarkCompleteFlipsLiveEntry guards the §8 Scenario 1 regression: a
// live UPDATE entry's IsComplete must go from false to true once the
// referenced file is actually assembled, and MarkComplete is the only path
// that flips it.
func TestMarkCompleteFlipsLiveEntry(t *testing.T) {
	_, al := openTestLogs(t, name.Parse("/devices/alice"))

	var hash [32]byte
	hash[0] = 7
	action, err := al.AddLocalUpdate("notes.txt", hash, 1000, 0644, 4)
	require.NoError(t, err)

	entries, err := al.DumpFileState()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.False(t, entries[0].IsComplete)

	require.NoError(t, al.MarkComplete("notes.txt", action.DeviceName, action.SeqNo))

	entries, err = al.DumpFileState()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].IsComplete)
}

// TestMarkCompleteIsNoOpOnceSuperseded guards against a stale completion
// (from a fetch of an already-beaten update) resurrecting a losing entry.
func TestMarkCompleteIsNoOpOnceSuperseded(t *testing.T) {
	_, al := openTestLogs(t, name.Parse("/devices/alice"))

	var hash [32]byte
	first, err := al.AddLocalUpdate("notes.txt", hash, 1000, 0644, 1)
	require.NoError(t, err)

	second, err := al.AddLocalUpdate("notes.txt", hash, 2000, 0644, 1)
	require.NoError(t, err)
	require.NotEqual(t, first.SeqNo, second.SeqNo)

	// A stale MarkComplete for the superseded first update must not mark
	// the now-live second entry (owned by a different seq) complete.
	require.NoError(t, al.MarkComplete("notes.txt", first.DeviceName, first.SeqNo))

	entries, err := al.DumpFileState()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, second.SeqNo, entries[0].OwningSeq)
	assert.False(t, entries[0].IsComplete)
}

// TestWinnerIsCandidateLastWriterWins exercises the (version, timestamp,
// device_name) tiebreak directly (spec §4.C, §8 invariant 9).
func TestWinnerIsCandidateLastWriterWins(t *testing.T) {
	low := FileStateEntry{Version: 1, Timestamp: 100, OwningDevice: name.Parse("/devices/alice")}
	high := FileStateEntry{Version: 2, Timestamp: 50, OwningDevice: name.Parse("/devices/alice")}
	assert.True(t, winnerIsCandidate(high, low), "higher version wins regardless of timestamp")
	assert.False(t, winnerIsCandidate(low, high))

	sameVersionNewer := FileStateEntry{Version: 1, Timestamp: 200, OwningDevice: name.Parse("/devices/alice")}
	sameVersionOlder := FileStateEntry{Version: 1, Timestamp: 100, OwningDevice: name.Parse("/devices/alice")}
	assert.True(t, winnerIsCandidate(sameVersionNewer, sameVersionOlder))

	tieA := FileStateEntry{Version: 1, Timestamp: 100, OwningDevice: name.Parse("/devices/bob")}
	tieB := FileStateEntry{Version: 1, Timestamp: 100, OwningDevice: name.Parse("/devices/alice")}
	assert.True(t, winnerIsCandidate(tieA, tieB), "lexicographically larger device name wins a full tie")
}

// TestAddRemoteAppliesInCausalOrderOnly verifies the gap-buffering invariant
// (spec §5): seq 2 arriving before seq 1 must not apply until seq 1 does.
func TestAddRemoteAppliesInCausalOrderOnly(t *testing.T) {
	remote := name.Parse("/devices/bob")
	_, al := openTestLogs(t, name.Parse("/devices/alice"))

	var applied []uint64
	al.OnAdded(func(filename string, device name.Name, seq uint64, hash [32]byte, mtime int64, mode uint32, segmentCount uint64) {
		applied = append(applied, seq)
	})

	item2 := &ActionItem{
		DeviceName: remote, SeqNo: 2, Type: ActionUpdate, Filename: "a.txt",
		Version: 1, Timestamp: 100,
	}
	_, err := al.AddRemote(remote, 2, item2.Encode(), signing.Signature{})
	require.NoError(t, err)
	assert.Empty(t, applied, "seq 2 must not apply while seq 1 is missing")

	item1 := &ActionItem{
		DeviceName: remote, SeqNo: 1, Type: ActionUpdate, Filename: "a.txt",
		Version: 1, Timestamp: 50,
	}
	_, err = al.AddRemote(remote, 1, item1.Encode(), signing.Signature{})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, applied, "arrival of seq 1 must apply both 1 and 2 in order")
}

// TestAddRemoteIsIdempotent confirms re-delivering the same (device, seq)
// is a no-op that still returns the original action (spec §4.C).
func TestAddRemoteIsIdempotent(t *testing.T) {
	remote := name.Parse("/devices/bob")
	_, al := openTestLogs(t, name.Parse("/devices/alice"))

	var applyCount int
	al.OnAdded(func(string, name.Name, uint64, [32]byte, int64, uint32, uint64) { applyCount++ })

	item := &ActionItem{DeviceName: remote, SeqNo: 1, Type: ActionUpdate, Filename: "a.txt", Version: 1, Timestamp: 50}
	content := item.Encode()

	first, err := al.AddRemote(remote, 1, content, signing.Signature{})
	require.NoError(t, err)
	second, err := al.AddRemote(remote, 1, content, signing.Signature{})
	require.NoError(t, err)

	assert.Equal(t, first.SeqNo, second.SeqNo)
	assert.Equal(t, 1, applyCount)
}
