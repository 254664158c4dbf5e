// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fetch

import (
	"encoding/binary"

	"github.com/cawka/ChronoShare/chronoerr"
	"github.com/cawka/ChronoShare/name"
	"github.com/cawka/ChronoShare/store"
)

var tasksBucket = []byte("tasks")

// persistedTask is the durable record for a fetch task (spec §4.D
// "persisted to a fetch-task database... re-enqueued" on restart).
type persistedTask struct {
	device   name.Name
	baseName name.Name
	minSeq   uint64
	maxSeq   uint64
	priority int
}

// taskDB is the durable fetch-task store, one bbolt database per shared
// folder's fetch manager, grounded on the same store.Store abstraction used
// by synclog and actionlog.
type taskDB struct {
	st store.Store
}

func openTaskDB(path string) (*taskDB, error) {
	st, err := store.Open(path)
	if err != nil {
		return nil, chronoerr.Storage(err, "fetch: open task db")
	}
	return &taskDB{st: st}, nil
}

func (d *taskDB) close() error { return d.st.Close() }

func taskKey(device, baseName name.Name) []byte {
	buf := []byte(device.String())
	buf = append(buf, 0xfe)
	return append(buf, []byte(baseName.String())...)
}

func (d *taskDB) put(device, baseName name.Name, minSeq, maxSeq uint64, priority int) error {
	var buf []byte
	buf = appendTaskLP(buf, []byte(device.String()))
	buf = appendTaskLP(buf, []byte(baseName.String()))
	buf = appendTaskU64(buf, minSeq)
	buf = appendTaskU64(buf, maxSeq)
	buf = appendTaskU64(buf, uint64(priority))
	return d.st.Put(tasksBucket, taskKey(device, baseName), buf)
}

func (d *taskDB) delete(device, baseName name.Name) error {
	return d.st.Delete(tasksBucket, taskKey(device, baseName))
}

func (d *taskDB) loadAll() ([]persistedTask, error) {
	stream, err := d.st.Scan(tasksBucket, nil, nil)
	if err != nil {
		return nil, chronoerr.Storage(err, "fetch: scan task db")
	}
	defer stream.Cancel()
	var out []persistedTask
	for stream.Advance() {
		pt, ok := decodePersistedTask(stream.Value())
		if !ok {
			continue
		}
		out = append(out, pt)
	}
	return out, stream.Err()
}

func decodePersistedTask(b []byte) (persistedTask, bool) {
	device, rest, ok := readTaskLP(b)
	if !ok {
		return persistedTask{}, false
	}
	base, rest, ok := readTaskLP(rest)
	if !ok {
		return persistedTask{}, false
	}
	minSeq, rest, ok := readTaskU64(rest)
	if !ok {
		return persistedTask{}, false
	}
	maxSeq, rest, ok := readTaskU64(rest)
	if !ok {
		return persistedTask{}, false
	}
	priority, _, ok := readTaskU64(rest)
	if !ok {
		return persistedTask{}, false
	}
	return persistedTask{
		device:   name.Parse(string(device)),
		baseName: name.Parse(string(base)),
		minSeq:   minSeq,
		maxSeq:   maxSeq,
		priority: int(priority),
	}, true
}

func appendTaskLP(buf, v []byte) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(v)))
	buf = append(buf, tmp[:]...)
	return append(buf, v...)
}

func readTaskLP(b []byte) (v, rest []byte, ok bool) {
	if len(b) < 4 {
		return nil, nil, false
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil, false
	}
	return b[:n], b[n:], true
}

func appendTaskU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func readTaskU64(b []byte) (uint64, []byte, bool) {
	if len(b) < 8 {
		return 0, nil, false
	}
	return binary.BigEndian.Uint64(b[:8]), b[8:], true
}
