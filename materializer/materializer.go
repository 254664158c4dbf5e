// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package materializer applies action-log callbacks to the real filesystem:
// writing assembled files on add/modify and unlinking on delete. Grounded on
// original_source/src/dispatcher.h's Did_ActionLog_ActionApply_Delete and
// AssembleFile_Execute, the piece that actually converges filesystem state
// once the action log and object store agree a file is complete.
package materializer

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/cawka/ChronoShare/chronoerr"
	"github.com/cawka/ChronoShare/name"
	"github.com/cawka/ChronoShare/objectstore"
)

// Assembler is the narrow objectstore dependency: assemble a complete object
// into destPath.
type Assembler interface {
	IsComplete(hashHex string, origin string, segmentCount uint64) (bool, error)
	Assemble(hashHex string, origin string, segmentCount uint64, destPath string) error
}

// Completer is the narrow actionlog dependency: flip a live entry's
// IsComplete flag once its file has actually been assembled onto disk
// (spec §8 Scenario 1's `is_complete: true` final state).
type Completer interface {
	MarkComplete(filename string, device name.Name, seq uint64) error
}

// Materializer writes assembled files into rootDir and removes deleted ones,
// mirroring the action log's last-writer-wins view of the shared folder.
type Materializer struct {
	rootDir   string
	objects   Assembler
	completer Completer
	log       zerolog.Logger
}

// New creates a Materializer rooted at rootDir, the shared folder's real
// filesystem path.
func New(rootDir string, objects Assembler, completer Completer, log zerolog.Logger) *Materializer {
	return &Materializer{
		rootDir:   rootDir,
		objects:   objects,
		completer: completer,
		log:       log.With().Str("component", "materializer").Logger(),
	}
}

// OnFileAddedOrChanged is the actionlog.AddedCallback: it assembles the
// object named by hash from origin's segments and writes it to
// <rootDir>/<filename>, setting mode. A file not yet fully fetched is
// skipped silently — the fetch manager will re-trigger materialization once
// the last segment arrives (spec §4.A "assemble once complete").
func (m *Materializer) OnFileAddedOrChanged(filename string, origin name.Name, seq uint64, hash [32]byte, mtime int64, mode uint32, segmentCount uint64) {
	hashHex := objectstore.HashHex(hash)
	originStr := origin.String()
	complete, err := m.objects.IsComplete(hashHex, originStr, segmentCount)
	if err != nil {
		m.log.Warn().Err(err).Str("filename", filename).Msg("materialize: is_complete check failed")
		return
	}
	if !complete {
		m.log.Debug().Str("filename", filename).Str("hash", hashHex).Msg("materialize: object not yet complete, deferring")
		return
	}
	destPath := filepath.Join(m.rootDir, filepath.FromSlash(filename))
	if err := m.objects.Assemble(hashHex, originStr, segmentCount, destPath); err != nil {
		m.log.Warn().Err(err).Str("filename", filename).Msg("materialize: assemble failed")
		return
	}
	if err := os.Chmod(destPath, os.FileMode(mode)); err != nil {
		m.log.Warn().Err(err).Str("filename", filename).Msg("materialize: chmod failed")
	}
	if err := m.completer.MarkComplete(filename, origin, seq); err != nil {
		m.log.Warn().Err(err).Str("filename", filename).Msg("materialize: mark complete failed")
	}
	m.log.Info().Str("filename", filename).Str("hash", hashHex).Msg("materialized file")
}

// OnFileRemoved is the actionlog.RemovedCallback: it unlinks the file from
// rootDir. A missing file is not an error — the delete may already be
// reflected locally, or the file may never have been materialized here.
func (m *Materializer) OnFileRemoved(filename string) {
	destPath := filepath.Join(m.rootDir, filepath.FromSlash(filename))
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		m.log.Warn().Err(err).Str("filename", filename).Msg("materialize: remove failed")
		return
	}
	m.log.Info().Str("filename", filename).Msg("removed file")
}

// Restore re-materializes filename from the action log's last known-complete
// version, used when the file is missing from the filesystem but FileState
// still references it (original_source's Restore_LocalFile). No CLI
// command in this repository calls it.
func (m *Materializer) Restore(filename string, origin name.Name, hash [32]byte, mode uint32, segmentCount uint64) error {
	hashHex := objectstore.HashHex(hash)
	destPath := filepath.Join(m.rootDir, filepath.FromSlash(filename))
	if err := m.objects.Assemble(hashHex, origin.String(), segmentCount, destPath); err != nil {
		return chronoerr.Storage(err, "materializer: restore")
	}
	return os.Chmod(destPath, os.FileMode(mode))
}
