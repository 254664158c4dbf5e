// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package synclog implements Component B: per-device sequence numbers,
// locators, and the root-digest history the set-reconciliation protocol
// compares. Grounded on the teacher's vsync/sync_state.go generation-vector
// bookkeeping (dbSyncStateInMem, reserveGenAndPosInDbLog) — chronosync's
// "root digest" plays the role the teacher's per-Database generation vector
// plays, summarized into a single comparable hash instead of a vector, per
// spec §3.
package synclog

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cawka/ChronoShare/chronoerr"
	"github.com/cawka/ChronoShare/name"
	"github.com/cawka/ChronoShare/store"
)

// OriginDigestHex is the sentinel digest value when no sync nodes exist
// (spec §4.B: "the digest is... the sentinel value 'origin' when no nodes
// exist").
const OriginDigestHex = "origin"

var (
	nodesBucket   = []byte("nodes")
	historyBucket = []byte("history")
	metaBucket    = []byte("meta")

	localSeqKey = []byte("local_seq")
	stateIDKey  = []byte("state_id")
)

// Node is a sync node: a peer device known to the local sync log, including
// self (spec §3).
type Node struct {
	DeviceName name.Name
	SeqNo      uint64
	Locator    name.Name
	LastUpdate int64 // unix seconds
}

// Diff describes one device's sequence-number change between two historical
// states (spec §4.B find_state_differences).
type Diff struct {
	Device name.Name
	NewSeq uint64
	OldSeq uint64 // only meaningful when IncludeOld was requested
	HasOld bool
}

// Log is the sync log: authoritative per-device state and digest history.
type Log struct {
	st  store.Store
	log zerolog.Logger

	// writeMu serializes RememberState and UpdateDeviceSeq/UpdateLocator, per
	// spec §4.B's single write-mutex requirement. Reads may proceed
	// concurrently with each other and are not blocked by writeMu.
	writeMu sync.Mutex
}

// Open opens (or creates) the sync log at path.
func Open(path string, log zerolog.Logger) (*Log, error) {
	st, err := store.Open(path)
	if err != nil {
		return nil, chronoerr.Storage(err, "synclog: open")
	}
	return &Log{st: st, log: log.With().Str("component", "synclog").Logger()}, nil
}

func (l *Log) Close() error { return l.st.Close() }

// NextLocalSeq increments and returns the local sequence counter.
func (l *Log) NextLocalSeq() (uint64, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	var next uint64
	err := store.RunInTransaction(l.st, func(tx store.StoreReadWriter) error {
		cur := uint64(0)
		if v, err := tx.Get(metaBucket, localSeqKey); err == nil {
			cur = binary.BigEndian.Uint64(v)
		} else if err != store.ErrUnknownKey {
			return err
		}
		next = cur + 1
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		return tx.Put(metaBucket, localSeqKey, buf)
	})
	if err != nil {
		return 0, chronoerr.Storage(err, "synclog: next local seq")
	}
	return next, nil
}

// UpdateDeviceSeq records that device is at least at seq; monotonic, never
// regresses (spec §4.B).
func (l *Log) UpdateDeviceSeq(device name.Name, seq uint64) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.updateNodeLocked(device, func(n *Node) {
		if seq > n.SeqNo {
			n.SeqNo = seq
		}
	})
}

// UpdateLocator records the most recently seen locator for device.
func (l *Log) UpdateLocator(device name.Name, locator name.Name) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.updateNodeLocked(device, func(n *Node) {
		n.Locator = locator
	})
}

func (l *Log) updateNodeLocked(device name.Name, mutate func(*Node)) error {
	return store.RunInTransaction(l.st, func(tx store.StoreReadWriter) error {
		key := nodeKey(device)
		n := &Node{DeviceName: device}
		if v, err := tx.Get(nodesBucket, key); err == nil {
			decodeNode(v, n)
		} else if err != store.ErrUnknownKey {
			return err
		}
		mutate(n)
		return tx.Put(nodesBucket, key, encodeNode(n))
	})
}

// LookupLocator returns the most recently seen locator for device, if any.
func (l *Log) LookupLocator(device name.Name) (name.Name, bool, error) {
	v, err := l.st.Get(nodesBucket, nodeKey(device))
	if err == store.ErrUnknownKey {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, chronoerr.Storage(err, "synclog: lookup locator")
	}
	n := &Node{}
	decodeNode(v, n)
	return n.Locator, true, nil
}

// Nodes returns every known sync node (including self), unordered.
func (l *Log) Nodes() ([]Node, error) {
	stream, err := l.st.Scan(nodesBucket, nil, nil)
	if err != nil {
		return nil, chronoerr.Storage(err, "synclog: scan nodes")
	}
	defer stream.Cancel()
	var out []Node
	for stream.Advance() {
		n := Node{}
		decodeNode(stream.Value(), &n)
		out = append(out, n)
	}
	if err := stream.Err(); err != nil {
		return nil, chronoerr.Storage(err, "synclog: scan nodes")
	}
	return out, nil
}

// RememberState computes the current root digest over all sync nodes,
// inserts a sync-log history entry, and returns the digest hex string. Must
// be atomic: concurrent local changes see a consistent snapshot (spec
// §4.B).
func (l *Log) RememberState() (string, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	nodes, err := l.Nodes()
	if err != nil {
		return "", err
	}
	digestHex, seqByDevice := computeDigest(nodes)

	err = store.RunInTransaction(l.st, func(tx store.StoreReadWriter) error {
		var stateID uint64
		if v, err := tx.Get(metaBucket, stateIDKey); err == nil {
			stateID = binary.BigEndian.Uint64(v)
		} else if err != store.ErrUnknownKey {
			return err
		}
		stateID++
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, stateID)
		if err := tx.Put(metaBucket, stateIDKey, buf); err != nil {
			return err
		}
		entry := encodeHistoryEntry(stateID, seqByDevice)
		return tx.Put(historyBucket, []byte(digestHex), entry)
	})
	if err != nil {
		return "", chronoerr.Storage(err, "synclog: remember state")
	}
	return digestHex, nil
}

// LookupSyncLog tests whether digestHex has ever been observed, returning
// its state id if so. The origin digest (the empty state every log starts
// from) is always known, with state id 0.
func (l *Log) LookupSyncLog(digestHex string) (stateID uint64, known bool, err error) {
	if digestHex == OriginDigestHex {
		return 0, true, nil
	}
	v, err := l.st.Get(historyBucket, []byte(digestHex))
	if err == store.ErrUnknownKey {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, chronoerr.Storage(err, "synclog: lookup sync log")
	}
	id, _, _ := decodeHistoryEntry(v)
	return id, true, nil
}

// FindStateDifferences computes the set of devices whose sequence numbers
// differ between two historical states (spec §4.B). If either digest is
// unknown, the comparison treats that state as empty.
func (l *Log) FindStateDifferences(oldDigestHex, newDigestHex string, includeOldSeq bool) ([]Diff, error) {
	oldSeqs, err := l.seqMapFor(oldDigestHex)
	if err != nil {
		return nil, err
	}
	newSeqs, err := l.seqMapFor(newDigestHex)
	if err != nil {
		return nil, err
	}
	var diffs []Diff
	for dev, newSeq := range newSeqs {
		oldSeq, had := oldSeqs[dev]
		if had && oldSeq == newSeq {
			continue
		}
		d := Diff{Device: name.Parse(dev), NewSeq: newSeq}
		if includeOldSeq && had {
			d.OldSeq = oldSeq
			d.HasOld = true
		}
		diffs = append(diffs, d)
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Device.String() < diffs[j].Device.String() })
	return diffs, nil
}

func (l *Log) seqMapFor(digestHex string) (map[string]uint64, error) {
	if digestHex == "" || digestHex == OriginDigestHex {
		return map[string]uint64{}, nil
	}
	v, err := l.st.Get(historyBucket, []byte(digestHex))
	if err == store.ErrUnknownKey {
		return map[string]uint64{}, nil
	}
	if err != nil {
		return nil, chronoerr.Storage(err, "synclog: seq map for")
	}
	_, seqs, _ := decodeHistoryEntry(v)
	return seqs, nil
}

// computeDigest implements spec §3's root-digest algorithm: sort nodes by
// device_name lexicographic on wire-encoded bytes, hash the concatenation of
// each node's wire-encoded name and 8-byte little-endian seq_no.
func computeDigest(nodes []Node) (digestHex string, seqByDevice map[string]uint64) {
	seqByDevice = make(map[string]uint64, len(nodes))
	if len(nodes) == 0 {
		return OriginDigestHex, seqByDevice
	}
	sorted := make([]Node, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].DeviceName.Encode(), sorted[j].DeviceName.Encode()) < 0
	})
	h := sha256.New()
	for _, n := range sorted {
		h.Write(n.DeviceName.Encode())
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], n.SeqNo)
		h.Write(buf[:])
		seqByDevice[n.DeviceName.String()] = n.SeqNo
	}
	return hex.EncodeToString(h.Sum(nil)), seqByDevice
}

func nodeKey(device name.Name) []byte { return []byte(device.String()) }

func encodeNode(n *Node) []byte {
	dev := n.DeviceName.Encode()
	loc := n.Locator.Encode()
	buf := make([]byte, 0, 8+8+4+len(dev)+4+len(loc))
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], n.SeqNo)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], uint64(n.LastUpdate))
	buf = append(buf, tmp[:]...)
	buf = appendLenPrefixed(buf, dev)
	buf = appendLenPrefixed(buf, loc)
	return buf
}

func decodeNode(b []byte, n *Node) {
	if len(b) < 16 {
		return
	}
	n.SeqNo = binary.BigEndian.Uint64(b[0:8])
	n.LastUpdate = int64(binary.BigEndian.Uint64(b[8:16]))
	rest := b[16:]
	dev, rest := readLenPrefixed(rest)
	loc, _ := readLenPrefixed(rest)
	n.DeviceName = name.Parse(string(dev))
	n.Locator = name.Parse(string(loc))
}

func encodeHistoryEntry(stateID uint64, seqs map[string]uint64) []byte {
	var buf []byte
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], stateID)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:4], uint32(len(seqs)))
	buf = append(buf, tmp[:4]...)
	// deterministic order for reproducible encoding
	keys := make([]string, 0, len(seqs))
	for k := range seqs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf = appendLenPrefixed(buf, []byte(k))
		binary.BigEndian.PutUint64(tmp[:], seqs[k])
		buf = append(buf, tmp[:]...)
	}
	return buf
}

func decodeHistoryEntry(b []byte) (stateID uint64, seqs map[string]uint64, ok bool) {
	if len(b) < 12 {
		return 0, nil, false
	}
	stateID = binary.BigEndian.Uint64(b[0:8])
	count := binary.BigEndian.Uint32(b[8:12])
	rest := b[12:]
	seqs = make(map[string]uint64, count)
	for i := uint32(0); i < count; i++ {
		var dev []byte
		dev, rest = readLenPrefixed(rest)
		if len(rest) < 8 {
			break
		}
		seqs[string(dev)] = binary.BigEndian.Uint64(rest[:8])
		rest = rest[8:]
	}
	return stateID, seqs, true
}

func appendLenPrefixed(buf, v []byte) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(v)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, v...)
	return buf
}

func readLenPrefixed(b []byte) (v []byte, rest []byte) {
	if len(b) < 4 {
		return nil, nil
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil
	}
	return b[:n], b[n:]
}
