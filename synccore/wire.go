// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package synccore

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"

	"github.com/cawka/ChronoShare/chronoerr"
	"github.com/cawka/ChronoShare/name"
)

// StateEntryType mirrors spec §6 sync_state.type.
type StateEntryType byte

const (
	StateUpdate StateEntryType = iota
	StateDelete
)

// StateEntry is one entry of a sync-state message (spec §6 sync_state).
type StateEntry struct {
	Device     name.Name
	Type       StateEntryType
	Seq        uint64
	HasOldSeq  bool
	OldSeq     uint64
	HasLocator bool
	Locator    name.Name
}

// StateMessage is the full sync_state_msg, gzip-compressed on the wire
// (spec §6 "The full sync_state_msg is gzip-compressed before being placed
// in the data packet").
type StateMessage struct {
	Entries []StateEntry
}

// Encode serializes and gzip-compresses the message.
func (m *StateMessage) Encode() ([]byte, error) {
	var raw []byte
	raw = appendWU32(raw, uint32(len(m.Entries)))
	for _, e := range m.Entries {
		raw = appendWLP(raw, []byte(e.Device.String()))
		raw = append(raw, byte(e.Type))
		raw = appendWU64(raw, e.Seq)
		var flags byte
		if e.HasOldSeq {
			flags |= 1
		}
		if e.HasLocator {
			flags |= 2
		}
		raw = append(raw, flags)
		if e.HasOldSeq {
			raw = appendWU64(raw, e.OldSeq)
		}
		if e.HasLocator {
			raw = appendWLP(raw, []byte(e.Locator.String()))
		}
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return nil, chronoerr.Storage(err, "synccore: gzip write")
	}
	if err := gw.Close(); err != nil {
		return nil, chronoerr.Storage(err, "synccore: gzip close")
	}
	return buf.Bytes(), nil
}

// DecodeStateMessage gzip-decompresses and parses a sync-state message.
func DecodeStateMessage(compressed []byte) (*StateMessage, error) {
	gr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, chronoerr.Decode(err, "synccore: gzip open")
	}
	defer gr.Close()
	raw, err := io.ReadAll(gr)
	if err != nil {
		return nil, chronoerr.Decode(err, "synccore: gzip read")
	}

	count, raw, err := readWU32(raw)
	if err != nil {
		return nil, err
	}
	msg := &StateMessage{Entries: make([]StateEntry, 0, count)}
	for i := uint32(0); i < count; i++ {
		var e StateEntry
		var dev []byte
		dev, raw, err = readWLP(raw)
		if err != nil {
			return nil, err
		}
		e.Device = name.Parse(string(dev))
		if len(raw) < 1 {
			return nil, chronoerr.Decode(errShortState, "synccore: decode: type")
		}
		e.Type = StateEntryType(raw[0])
		raw = raw[1:]
		e.Seq, raw, err = readWU64(raw)
		if err != nil {
			return nil, err
		}
		if len(raw) < 1 {
			return nil, chronoerr.Decode(errShortState, "synccore: decode: flags")
		}
		flags := raw[0]
		raw = raw[1:]
		if flags&1 != 0 {
			e.HasOldSeq = true
			e.OldSeq, raw, err = readWU64(raw)
			if err != nil {
				return nil, err
			}
		}
		if flags&2 != 0 {
			e.HasLocator = true
			var loc []byte
			loc, raw, err = readWLP(raw)
			if err != nil {
				return nil, err
			}
			e.Locator = name.Parse(string(loc))
		}
		msg.Entries = append(msg.Entries, e)
	}
	return msg, nil
}

var errShortState = chronoerr.Decode(io.ErrUnexpectedEOF, "synccore: truncated state message")

func appendWLP(buf, v []byte) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(v)))
	buf = append(buf, tmp[:]...)
	return append(buf, v...)
}

func readWLP(b []byte) (v, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, chronoerr.Decode(errShortState, "synccore: decode: length prefix")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil, chronoerr.Decode(errShortState, "synccore: decode: truncated field")
	}
	return b[:n], b[n:], nil
}

func appendWU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func readWU32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, chronoerr.Decode(errShortState, "synccore: decode: u32")
	}
	return binary.BigEndian.Uint32(b[:4]), b[4:], nil
}

func appendWU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func readWU64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, chronoerr.Decode(errShortState, "synccore: decode: u64")
	}
	return binary.BigEndian.Uint64(b[:8]), b[8:], nil
}
