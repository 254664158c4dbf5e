// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"crypto/sha256"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/cawka/ChronoShare/actionlog"
	"github.com/cawka/ChronoShare/name"
	"github.com/cawka/ChronoShare/objectstore"
	"github.com/cawka/ChronoShare/synccore"
)

// localChangeHandler implements watcher.ChangeHandler: it segments a
// changed file into the object store, records the update in the action log,
// and republishes the device's new root digest (spec §4.C/§4.F, driven from
// the local side per original_source/src/dispatcher.h's
// Did_LocalFile_AddOrModify/Did_LocalFile_Delete).
type localChangeHandler struct {
	root        string
	segmentSize int
	self        name.Name

	objects *objectstore.Store
	actions *actionlog.Log
	sync    *synccore.Core

	log zerolog.Logger
}

func (h *localChangeHandler) OnLocalFileAddedOrChanged(relPath string) error {
	data, err := os.ReadFile(filepath.Join(h.root, relPath))
	if err != nil {
		return err
	}
	info, err := os.Stat(filepath.Join(h.root, relPath))
	if err != nil {
		return err
	}

	hash := sha256.Sum256(data)
	hashHex := objectstore.HashHex(hash)
	segmentCount := segmentsFor(len(data), h.segmentSize)
	for i := uint64(0); i < segmentCount; i++ {
		start := int(i) * h.segmentSize
		end := start + h.segmentSize
		if end > len(data) {
			end = len(data)
		}
		if err := h.objects.Put(hashHex, h.self.String(), i, data[start:end]); err != nil {
			return err
		}
	}

	action, err := h.actions.AddLocalUpdate(relPath, hash, info.ModTime().Unix(), uint32(info.Mode()), segmentCount)
	if err != nil {
		return err
	}
	h.log.Info().Str("file", relPath).Uint64("seq", action.SeqNo).Msg("local file added or changed")
	return h.sync.UpdateLocalState(action.SeqNo)
}

func (h *localChangeHandler) OnLocalFileRemoved(relPath string) error {
	action, err := h.actions.AddLocalDelete(relPath)
	if err != nil {
		return err
	}
	h.log.Info().Str("file", relPath).Uint64("seq", action.SeqNo).Msg("local file removed")
	return h.sync.UpdateLocalState(action.SeqNo)
}

func segmentsFor(size, segmentSize int) uint64 {
	if size == 0 {
		return 1
	}
	n := size / segmentSize
	if size%segmentSize != 0 {
		n++
	}
	return uint64(n)
}
