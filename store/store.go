// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package store defines the embedded key/value storage abstraction shared by
// the sync log, action log and fetch-task databases, mirroring the teacher's
// store.Store/StoreReadWriter/Transaction split (services/syncbase/store)
// but backed by go.etcd.io/bbolt instead of cgo LevelDB, since the pack
// carries bbolt as its pure-Go embedded-KV dependency (AKJUS-bsc-erigon).
package store

import "errors"

// ErrUnknownKey is returned by Get when the key is absent.
var ErrUnknownKey = errors.New("store: unknown key")

// StoreReader is the read-only half of the store interface.
type StoreReader interface {
	// Get returns the value for key, or ErrUnknownKey if absent.
	Get(bucket, key []byte) ([]byte, error)
	// Scan returns a Stream over all keys in [start, limit) within bucket. A
	// nil limit means "no upper bound".
	Scan(bucket, start, limit []byte) (Stream, error)
}

// StoreWriter is the write half of the store interface.
type StoreWriter interface {
	Put(bucket, key, value []byte) error
	Delete(bucket, key []byte) error
}

// StoreReadWriter is a read/write handle, implemented by both a Store itself
// (for single-op convenience methods) and by a Transaction.
type StoreReadWriter interface {
	StoreReader
	StoreWriter
}

// Stream iterates over key/value pairs in key order.
type Stream interface {
	Advance() bool
	Key() []byte
	Value() []byte
	Err() error
	Cancel()
}

// Transaction is a read/write handle bound to a single underlying bbolt
// transaction; it must be committed or aborted exactly once.
type Transaction interface {
	StoreReadWriter
	Commit() error
	Abort() error
}

// Store is a handle to one embedded database file.
type Store interface {
	StoreReadWriter
	NewTransaction() Transaction
	Close() error
}

// RunInTransaction runs fn within a fresh transaction on st, committing on
// success and aborting on error. Mirrors the teacher's
// store.RunInTransaction (services/syncbase/store/util.go).
func RunInTransaction(st Store, fn func(tx StoreReadWriter) error) error {
	tx := st.NewTransaction()
	if err := fn(tx); err != nil {
		tx.Abort()
		return err
	}
	if err := tx.Commit(); err != nil {
		tx.Abort()
		return err
	}
	return nil
}

// CopyBytes copies src into dst, reusing dst's backing array when it has
// enough capacity. Mirrors the teacher's store.CopyBytes.
func CopyBytes(dst, src []byte) []byte {
	if cap(dst) < len(src) {
		newlen := cap(dst)*2 + 2
		if newlen < len(src) {
			newlen = len(src)
		}
		dst = make([]byte, newlen)
	}
	dst = dst[:len(src)]
	copy(dst, src)
	return dst
}
