// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package objectstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put("abcd", "device1", 0, []byte("hello")))

	got, err := s.Get("abcd", "device1", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestGetMissingSegmentReturnsNilNotError(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Get("abcd", "device1", 0)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put("abcd", "device1", 0, []byte("hello")))
	require.NoError(t, s.Put("abcd", "device1", 0, []byte("hello")))

	got, err := s.Get("abcd", "device1", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestIsCompleteRequiresEverySegment(t *testing.T) {
	s := openTestStore(t)
	complete, err := s.IsComplete("abcd", "device1", 2)
	require.NoError(t, err)
	assert.False(t, complete)

	require.NoError(t, s.Put("abcd", "device1", 0, []byte("a")))
	complete, err = s.IsComplete("abcd", "device1", 2)
	require.NoError(t, err)
	assert.False(t, complete)

	require.NoError(t, s.Put("abcd", "device1", 1, []byte("b")))
	complete, err = s.IsComplete("abcd", "device1", 2)
	require.NoError(t, err)
	assert.True(t, complete)
}

// TestAssembleConcatenatesSegmentsInOrder exercises spec §4.A / §8
// invariant 6: assembling a complete object writes the segments back in
// order to destPath.
func TestAssembleConcatenatesSegmentsInOrder(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put("abcd", "device1", 0, []byte("foo-")))
	require.NoError(t, s.Put("abcd", "device1", 1, []byte("bar-")))
	require.NoError(t, s.Put("abcd", "device1", 2, []byte("baz")))

	dest := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, s.Assemble("abcd", "device1", 3, dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "foo-bar-baz", string(got))
}

func TestAssembleFailsOnIncompleteObject(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put("abcd", "device1", 0, []byte("foo")))

	dest := filepath.Join(t.TempDir(), "out.txt")
	err := s.Assemble("abcd", "device1", 2, dest)
	assert.Error(t, err)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "a failed assemble must not leave a partial destination file")
}

func TestSegmentsAreScopedByOrigin(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put("abcd", "device1", 0, []byte("from-one")))
	require.NoError(t, s.Put("abcd", "device2", 0, []byte("from-two")))

	one, err := s.Get("abcd", "device1", 0)
	require.NoError(t, err)
	two, err := s.Get("abcd", "device2", 0)
	require.NoError(t, err)

	assert.Equal(t, "from-one", string(one))
	assert.Equal(t, "from-two", string(two))
}

func TestHashHexRendersLowercaseHex(t *testing.T) {
	var hash [32]byte
	hash[0] = 0xab
	hash[1] = 0xcd
	got := HashHex(hash)
	assert.Equal(t, "abcd", got[:4])
	assert.Len(t, got, 64)
}
