// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package objectstore implements Component A: content-addressed persistence
// of files split into fixed-size segments. One small bbolt database exists
// per content hash, grounded on the teacher's object-db.cc design notes
// (see original_source/src/object-db.hpp) and reimplemented on
// go.etcd.io/bbolt rather than the teacher's own cgo sqlite/leveldb handle,
// per the store package's grounding.
package objectstore

import (
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cawka/ChronoShare/chronoerr"
	"github.com/cawka/ChronoShare/store"
)

// Default segment size in bytes (spec §4.A: "nominally 1024 bytes, producer
// chosen").
const DefaultSegmentSize = 1024

var segmentsBucket = []byte("segments")

// handleTTL is how long an open per-hash database may sit idle before the
// sweep closes it (spec §4.A).
const handleTTL = 60 * time.Second

// sweepInterval is how often the eviction sweep runs (spec §4.A).
const sweepInterval = 60 * time.Second

// handle is a single open per-hash database plus its last-access time.
type handle struct {
	st       store.Store
	lastUsed time.Time
}

// Store is the object store: content hash -> segmented bytes, backed by one
// bbolt file per hash under <root>/objects/<hash[0:2]>/<hash[2:]>.
type Store struct {
	root string
	log  zerolog.Logger

	mu      sync.Mutex
	handles map[string]*handle

	closed chan struct{}
	wg     sync.WaitGroup
}

// New creates a Store rooted at root (typically
// <shared_folder>/.chronoshare/objects's parent), starting the periodic
// handle-eviction sweep.
func New(root string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "objects"), 0755); err != nil {
		return nil, chronoerr.Storage(err, "objectstore: mkdir root")
	}
	s := &Store{
		root:    root,
		log:     log.With().Str("component", "objectstore").Logger(),
		handles: make(map[string]*handle),
		closed:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.sweepLoop()
	return s, nil
}

// Close stops the eviction sweep and closes every open handle.
func (s *Store) Close() error {
	close(s.closed)
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for hash, h := range s.handles {
		if err := h.st.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.handles, hash)
	}
	return first
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-t.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for hash, h := range s.handles {
		if now.Sub(h.lastUsed) >= handleTTL {
			if err := h.st.Close(); err != nil {
				s.log.Warn().Err(err).Str("hash", hash).Msg("evict: close failed")
			}
			delete(s.handles, hash)
			s.log.Debug().Str("hash", hash).Msg("evicted idle handle")
		}
	}
}

// pathFor returns <root>/objects/<hh>/<rest> for hashHex, per spec §3.
func (s *Store) pathFor(hashHex string) string {
	if len(hashHex) < 2 {
		hashHex = hashHex + "00"
	}
	dir := filepath.Join(s.root, "objects", hashHex[:2])
	return filepath.Join(dir, hashHex[2:])
}

// acquire returns the (possibly freshly opened) handle for hashHex, bumping
// its last-used time. The caller must hold no lock; acquire manages s.mu
// itself.
func (s *Store) acquire(hashHex string) (store.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[hashHex]; ok {
		h.lastUsed = time.Now()
		return h.st, nil
	}
	dir := filepath.Dir(s.pathFor(hashHex))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, chronoerr.Storage(err, "objectstore: mkdir hash dir")
	}
	st, err := store.Open(s.pathFor(hashHex))
	if err != nil {
		return nil, chronoerr.Storage(err, "objectstore: open handle")
	}
	s.handles[hashHex] = &handle{st: st, lastUsed: time.Now()}
	return st, nil
}

func segmentKey(origin string, index uint64) []byte {
	key := make([]byte, len(origin)+1+8)
	copy(key, origin)
	key[len(origin)] = 0xfe
	binary.BigEndian.PutUint64(key[len(origin)+1:], index)
	return key
}

// Put stores segment bytes for (hash, origin, index). Idempotent: writing
// the same triple twice yields the same state (spec §4.A).
func (s *Store) Put(hashHex string, origin string, index uint64, data []byte) error {
	st, err := s.acquire(hashHex)
	if err != nil {
		return err
	}
	if err := st.Put(segmentsBucket, segmentKey(origin, index), data); err != nil {
		return chronoerr.Storage(err, "objectstore: put segment")
	}
	return nil
}

// Get returns segment bytes for (hash, origin, index), or nil if absent.
func (s *Store) Get(hashHex string, origin string, index uint64) ([]byte, error) {
	st, err := s.acquire(hashHex)
	if err != nil {
		return nil, err
	}
	v, err := st.Get(segmentsBucket, segmentKey(origin, index))
	if err == store.ErrUnknownKey {
		return nil, nil
	}
	if err != nil {
		return nil, chronoerr.Storage(err, "objectstore: get segment")
	}
	return v, nil
}

// IsComplete reports whether all segments [0, segmentCount) are present and
// non-empty for (hash, origin).
func (s *Store) IsComplete(hashHex string, origin string, segmentCount uint64) (bool, error) {
	for i := uint64(0); i < segmentCount; i++ {
		v, err := s.Get(hashHex, origin, i)
		if err != nil {
			return false, err
		}
		if v == nil {
			return false, nil
		}
	}
	return true, nil
}

// Assemble streams segments [0, segmentCount) in order to destPath. Fails if
// incomplete (spec §4.A, §8 invariant 6).
func (s *Store) Assemble(hashHex string, origin string, segmentCount uint64, destPath string) error {
	complete, err := s.IsComplete(hashHex, origin, segmentCount)
	if err != nil {
		return err
	}
	if !complete {
		return chronoerr.New(chronoerr.KindIntegrity, io.ErrUnexpectedEOF, "objectstore: assemble: incomplete object "+hashHex)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return chronoerr.Storage(err, "objectstore: mkdir dest")
	}
	// A uuid-suffixed name, not a fixed one, so two concurrent Assemble
	// calls racing to materialize the same destPath (e.g. a conflict
	// re-resolution racing the original apply) never clobber each other's
	// in-progress temp file.
	tmp := destPath + ".chronosync-tmp-" + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return chronoerr.Storage(err, "objectstore: create dest")
	}
	for i := uint64(0); i < segmentCount; i++ {
		data, err := s.Get(hashHex, origin, i)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(tmp)
			return chronoerr.Storage(err, "objectstore: write segment")
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return chronoerr.Storage(err, "objectstore: close dest")
	}
	if err := os.Rename(tmp, destPath); err != nil {
		return chronoerr.Storage(err, "objectstore: rename dest")
	}
	return nil
}

// HashHex renders a raw 32-byte hash as the lowercase hex string used in
// on-disk paths and wire names.
func HashHex(hash [32]byte) string {
	return hex.EncodeToString(hash[:])
}
