// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package materializer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cawka/ChronoShare/name"
)

type fakeAssembler struct {
	complete   bool
	assembleFn func(hashHex, origin string, segmentCount uint64, destPath string) error
}

func (f *fakeAssembler) IsComplete(hashHex string, origin string, segmentCount uint64) (bool, error) {
	return f.complete, nil
}

func (f *fakeAssembler) Assemble(hashHex string, origin string, segmentCount uint64, destPath string) error {
	return f.assembleFn(hashHex, origin, segmentCount, destPath)
}

type fakeCompleter struct {
	filename string
	device   name.Name
	seq      uint64
	called   bool
}

func (f *fakeCompleter) MarkComplete(filename string, device name.Name, seq uint64) error {
	f.filename, f.device, f.seq, f.called = filename, device, seq, true
	return nil
}

func TestOnFileAddedOrChangedWritesAssembledFile(t *testing.T) {
	dir := t.TempDir()
	asm := &fakeAssembler{
		complete: true,
		assembleFn: func(hashHex, origin string, segmentCount uint64, destPath string) error {
			// Like objectstore.Assemble, create the destination's parent dirs.
			if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
				return err
			}
			return os.WriteFile(destPath, []byte("hello world"), 0644)
		},
	}
	comp := &fakeCompleter{}
	m := New(dir, asm, comp, zerolog.Nop())

	var hash [32]byte
	m.OnFileAddedOrChanged("docs/a.txt", name.Parse("/device1"), 1, hash, 0, 0644, 1)

	got, err := os.ReadFile(filepath.Join(dir, "docs/a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
	assert.True(t, comp.called)
	assert.Equal(t, "docs/a.txt", comp.filename)
	assert.Equal(t, uint64(1), comp.seq)
}

func TestOnFileAddedOrChangedSkipsIncompleteObject(t *testing.T) {
	dir := t.TempDir()
	asm := &fakeAssembler{complete: false, assembleFn: func(string, string, uint64, string) error {
		t.Fatal("Assemble should not be called for an incomplete object")
		return nil
	}}
	m := New(dir, asm, &fakeCompleter{}, zerolog.Nop())

	var hash [32]byte
	m.OnFileAddedOrChanged("docs/a.txt", name.Parse("/device1"), 1, hash, 0, 0644, 3)

	_, err := os.Stat(filepath.Join(dir, "docs/a.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestOnFileRemovedUnlinksExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docs/a.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	m := New(dir, &fakeAssembler{}, &fakeCompleter{}, zerolog.Nop())
	m.OnFileRemoved("docs/a.txt")

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestOnFileRemovedMissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, &fakeAssembler{}, &fakeCompleter{}, zerolog.Nop())
	m.OnFileRemoved("never/existed.txt") // must not panic
}
