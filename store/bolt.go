// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package store

import (
	"bytes"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// boltStore wraps a *bolt.DB, serializing writers the way the teacher's
// cgo leveldb wrapper serializes writers with its own mutex (the teacher's
// store/leveldb/db.go holds a sync.Mutex "to prevent concurrent
// transactions"); bbolt already serializes its own writers internally, so
// this mutex only protects the open/close lifecycle.
type boltStore struct {
	db *bolt.DB
	mu sync.RWMutex
}

var _ Store = (*boltStore)(nil)

// Open opens (creating if needed) the bbolt database at path.
func Open(path string) (Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *boltStore) Get(bucket, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return ErrUnknownKey
		}
		v := b.Get(key)
		if v == nil {
			return ErrUnknownKey
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *boltStore) Scan(bucket, start, limit []byte) (Stream, error) {
	return newBoltStream(s.db, bucket, start, limit), nil
}

func (s *boltStore) Put(bucket, key, value []byte) error {
	return RunInTransaction(s, func(tx StoreReadWriter) error {
		return tx.Put(bucket, key, value)
	})
}

func (s *boltStore) Delete(bucket, key []byte) error {
	return RunInTransaction(s, func(tx StoreReadWriter) error {
		return tx.Delete(bucket, key)
	})
}

func (s *boltStore) NewTransaction() Transaction {
	tx, err := s.db.Begin(true)
	return &boltTx{tx: tx, openErr: err}
}

// boltTx adapts a *bolt.Tx to the Transaction interface, creating buckets
// lazily on first write (bbolt requires buckets to exist before Put).
type boltTx struct {
	tx      *bolt.Tx
	openErr error
}

func (t *boltTx) Get(bucket, key []byte) ([]byte, error) {
	if t.openErr != nil {
		return nil, t.openErr
	}
	b := t.tx.Bucket(bucket)
	if b == nil {
		return nil, ErrUnknownKey
	}
	v := b.Get(key)
	if v == nil {
		return nil, ErrUnknownKey
	}
	return append([]byte(nil), v...), nil
}

func (t *boltTx) Scan(bucket, start, limit []byte) (Stream, error) {
	if t.openErr != nil {
		return nil, t.openErr
	}
	b := t.tx.Bucket(bucket)
	if b == nil {
		return &sliceStream{}, nil
	}
	return newBucketStream(b, start, limit), nil
}

func (t *boltTx) Put(bucket, key, value []byte) error {
	if t.openErr != nil {
		return t.openErr
	}
	b, err := t.tx.CreateBucketIfNotExists(bucket)
	if err != nil {
		return err
	}
	return b.Put(key, value)
}

func (t *boltTx) Delete(bucket, key []byte) error {
	if t.openErr != nil {
		return t.openErr
	}
	b := t.tx.Bucket(bucket)
	if b == nil {
		return nil
	}
	return b.Delete(key)
}

func (t *boltTx) Commit() error {
	if t.openErr != nil {
		return t.openErr
	}
	return t.tx.Commit()
}

func (t *boltTx) Abort() error {
	if t.openErr != nil {
		return nil
	}
	return t.tx.Rollback()
}

// boltStream runs its own short-lived read transaction across the scan.
type boltStream struct {
	db     *bolt.DB
	bucket []byte
	start  []byte
	limit  []byte

	tx      *bolt.Tx
	cursor  *bolt.Cursor
	key, val []byte
	err     error
	started bool
	done    bool
}

func newBoltStream(db *bolt.DB, bucket, start, limit []byte) *boltStream {
	return &boltStream{db: db, bucket: bucket, start: start, limit: limit}
}

func (s *boltStream) Advance() bool {
	if s.done {
		return false
	}
	if !s.started {
		s.started = true
		tx, err := s.db.Begin(false)
		if err != nil {
			s.err = err
			s.done = true
			return false
		}
		s.tx = tx
		b := tx.Bucket(s.bucket)
		if b == nil {
			s.done = true
			tx.Rollback()
			return false
		}
		s.cursor = b.Cursor()
		var k, v []byte
		if len(s.start) == 0 {
			k, v = s.cursor.First()
		} else {
			k, v = s.cursor.Seek(s.start)
		}
		return s.accept(k, v)
	}
	k, v := s.cursor.Next()
	return s.accept(k, v)
}

func (s *boltStream) accept(k, v []byte) bool {
	if k == nil || (len(s.limit) > 0 && bytes.Compare(k, s.limit) >= 0) {
		s.done = true
		if s.tx != nil {
			s.tx.Rollback()
		}
		return false
	}
	s.key = CopyBytes(s.key, k)
	s.val = CopyBytes(s.val, v)
	return true
}

func (s *boltStream) Key() []byte   { return s.key }
func (s *boltStream) Value() []byte { return s.val }
func (s *boltStream) Err() error    { return s.err }
func (s *boltStream) Cancel() {
	if s.tx != nil && !s.done {
		s.tx.Rollback()
	}
	s.done = true
}

// bucketStream iterates a bucket already bound to a caller-owned transaction
// (used inside an active write Transaction, where a second read transaction
// would deadlock against bbolt's single-writer lock).
type bucketStream struct {
	cursor   *bolt.Cursor
	limit    []byte
	key, val []byte
	pending  bool // true once an element has been primed by Seek/First but not yet consumed by Advance
	done     bool
}

func newBucketStream(b *bolt.Bucket, start, limit []byte) *bucketStream {
	s := &bucketStream{cursor: b.Cursor(), limit: limit}
	var k, v []byte
	if len(start) == 0 {
		k, v = s.cursor.First()
	} else {
		k, v = s.cursor.Seek(start)
	}
	s.prime(k, v)
	return s
}

func (s *bucketStream) prime(k, v []byte) {
	if k == nil || (len(s.limit) > 0 && bytes.Compare(k, s.limit) >= 0) {
		s.done = true
		return
	}
	s.key = CopyBytes(s.key, k)
	s.val = CopyBytes(s.val, v)
	s.pending = true
}

func (s *bucketStream) Advance() bool {
	if s.done {
		return false
	}
	if s.pending {
		s.pending = false
		return true
	}
	k, v := s.cursor.Next()
	s.prime(k, v)
	return !s.done
}

func (s *bucketStream) Key() []byte   { return s.key }
func (s *bucketStream) Value() []byte { return s.val }
func (s *bucketStream) Err() error    { return nil }
func (s *bucketStream) Cancel()       { s.done = true }

type sliceStream struct{}

func (sliceStream) Advance() bool  { return false }
func (sliceStream) Key() []byte    { return nil }
func (sliceStream) Value() []byte  { return nil }
func (sliceStream) Err() error     { return nil }
func (sliceStream) Cancel()        {}
