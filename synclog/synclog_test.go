// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package synclog

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cawka/ChronoShare/name"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "sync.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestNextLocalSeqIncrementsMonotonically(t *testing.T) {
	l := openTestLog(t)
	a, err := l.NextLocalSeq()
	require.NoError(t, err)
	b, err := l.NextLocalSeq()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), a)
	assert.Equal(t, uint64(2), b)
}

func TestUpdateDeviceSeqNeverRegresses(t *testing.T) {
	l := openTestLog(t)
	device := name.Parse("/devices/alice")

	require.NoError(t, l.UpdateDeviceSeq(device, 5))
	require.NoError(t, l.UpdateDeviceSeq(device, 2))

	nodes, err := l.Nodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, uint64(5), nodes[0].SeqNo, "a lower seq must never move the stored watermark backward")
}

func TestUpdateLocatorAndLookup(t *testing.T) {
	l := openTestLog(t)
	device := name.Parse("/devices/alice")
	locator := name.Parse("/hints/wifi-lan")

	_, ok, err := l.LookupLocator(device)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.UpdateLocator(device, locator))
	got, ok, err := l.LookupLocator(device)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, locator, got)
}

func TestRememberStateWithNoNodesIsOriginDigest(t *testing.T) {
	l := openTestLog(t)
	digest, err := l.RememberState()
	require.NoError(t, err)
	assert.Equal(t, OriginDigestHex, digest)
}

// TestRememberStateDigestIsOrderIndependent guards the root-digest
// invariant (spec §4.B): the digest over a device set must not depend on
// the order updates happened to arrive in.
func TestRememberStateDigestIsOrderIndependent(t *testing.T) {
	alice := name.Parse("/devices/alice")
	bob := name.Parse("/devices/bob")

	l1 := openTestLog(t)
	require.NoError(t, l1.UpdateDeviceSeq(alice, 3))
	require.NoError(t, l1.UpdateDeviceSeq(bob, 7))
	digest1, err := l1.RememberState()
	require.NoError(t, err)

	l2 := openTestLog(t)
	require.NoError(t, l2.UpdateDeviceSeq(bob, 7))
	require.NoError(t, l2.UpdateDeviceSeq(alice, 3))
	digest2, err := l2.RememberState()
	require.NoError(t, err)

	assert.Equal(t, digest1, digest2)
}

func TestRememberStateDigestChangesWithSeq(t *testing.T) {
	l := openTestLog(t)
	device := name.Parse("/devices/alice")

	require.NoError(t, l.UpdateDeviceSeq(device, 1))
	digest1, err := l.RememberState()
	require.NoError(t, err)

	require.NoError(t, l.UpdateDeviceSeq(device, 2))
	digest2, err := l.RememberState()
	require.NoError(t, err)

	assert.NotEqual(t, digest1, digest2)
}

// TestFindStateDifferencesReportsChangedDevicesOnly exercises
// find_state_differences (spec §4.B): only devices whose seq actually moved
// between the two remembered states should appear.
func TestFindStateDifferencesReportsChangedDevicesOnly(t *testing.T) {
	l := openTestLog(t)
	alice := name.Parse("/devices/alice")
	bob := name.Parse("/devices/bob")

	require.NoError(t, l.UpdateDeviceSeq(alice, 1))
	require.NoError(t, l.UpdateDeviceSeq(bob, 1))
	oldDigest, err := l.RememberState()
	require.NoError(t, err)

	require.NoError(t, l.UpdateDeviceSeq(alice, 2))
	newDigest, err := l.RememberState()
	require.NoError(t, err)

	diffs, err := l.FindStateDifferences(oldDigest, newDigest, true)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, alice, diffs[0].Device)
	assert.Equal(t, uint64(2), diffs[0].NewSeq)
	assert.True(t, diffs[0].HasOld)
	assert.Equal(t, uint64(1), diffs[0].OldSeq)
}

func TestFindStateDifferencesAgainstOriginIncludesEveryDevice(t *testing.T) {
	l := openTestLog(t)
	alice := name.Parse("/devices/alice")
	require.NoError(t, l.UpdateDeviceSeq(alice, 4))
	digest, err := l.RememberState()
	require.NoError(t, err)

	diffs, err := l.FindStateDifferences(OriginDigestHex, digest, true)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, alice, diffs[0].Device)
	assert.False(t, diffs[0].HasOld, "origin has no old seq for any device")
}

func TestLookupSyncLogKnownAndUnknown(t *testing.T) {
	l := openTestLog(t)
	_, known, err := l.LookupSyncLog("deadbeef")
	require.NoError(t, err)
	assert.False(t, known)

	require.NoError(t, l.UpdateDeviceSeq(name.Parse("/devices/alice"), 1))
	digest, err := l.RememberState()
	require.NoError(t, err)

	_, known, err = l.LookupSyncLog(digest)
	require.NoError(t, err)
	assert.True(t, known)
}
