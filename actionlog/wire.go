// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package actionlog

import (
	"encoding/binary"

	"github.com/cawka/ChronoShare/chronoerr"
	"github.com/cawka/ChronoShare/name"
)

// ActionType is the spec §3 action_type enum.
type ActionType byte

const (
	ActionUpdate ActionType = iota
	ActionDelete
)

func (t ActionType) String() string {
	switch t {
	case ActionUpdate:
		return "UPDATE"
	case ActionDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// ActionItem is the spec §6 action_item wire payload: the exact structure a
// producer signs and that must be re-servable byte-for-byte (spec §4.C
// LookupActionData).
//
// The encoding is a small fixed-order binary TLV, mirroring the teacher's
// own VOM codec in spirit (a hand-written, non-reflective binary encoder
// rather than a generic marshaler) since the retrieval pack does not carry
// v.io/v23/vom and hand-authoring matching protoc output without a protoc
// toolchain is not attemptable here; see DESIGN.md.
type ActionItem struct {
	DeviceName name.Name
	SeqNo      uint64
	Type       ActionType
	Filename   string
	Version    uint64
	Timestamp  int64

	ParentDeviceName name.Name // nil if absent
	ParentSeqNo      uint64
	HasParent        bool

	FileHash     [32]byte
	HasFileHash  bool
	FileSize     uint64
	HasFileSize  bool
	Mtime        int64
	HasMtime     bool
	Mode         uint32
	HasMode      bool
	SegmentCount uint64
	HasSegments  bool
}

const (
	flagParent = 1 << iota
	flagFileHash
	flagFileSize
	flagMtime
	flagMode
	flagSegments
)

// Encode serializes the action item into the exact bytes that get signed
// and later re-served verbatim.
func (a *ActionItem) Encode() []byte {
	var buf []byte
	buf = append(buf, byte(a.Type))
	buf = appendLP(buf, a.DeviceName.Encode())
	buf = appendU64(buf, a.SeqNo)
	buf = appendLP(buf, []byte(a.Filename))
	buf = appendU64(buf, a.Version)
	buf = appendI64(buf, a.Timestamp)

	var flags byte
	if a.HasParent {
		flags |= flagParent
	}
	if a.HasFileHash {
		flags |= flagFileHash
	}
	if a.HasFileSize {
		flags |= flagFileSize
	}
	if a.HasMtime {
		flags |= flagMtime
	}
	if a.HasMode {
		flags |= flagMode
	}
	if a.HasSegments {
		flags |= flagSegments
	}
	buf = append(buf, flags)

	if a.HasParent {
		buf = appendLP(buf, a.ParentDeviceName.Encode())
		buf = appendU64(buf, a.ParentSeqNo)
	}
	if a.HasFileHash {
		buf = append(buf, a.FileHash[:]...)
	}
	if a.HasFileSize {
		buf = appendU64(buf, a.FileSize)
	}
	if a.HasMtime {
		buf = appendI64(buf, a.Mtime)
	}
	if a.HasMode {
		buf = appendU32(buf, a.Mode)
	}
	if a.HasSegments {
		buf = appendU64(buf, a.SegmentCount)
	}
	return buf
}

// DecodeActionItem parses an action item from its wire bytes, as received
// either locally (for re-parsing) or over the network (spec §4.C AddRemote).
func DecodeActionItem(b []byte) (*ActionItem, error) {
	a := &ActionItem{}
	if len(b) < 1 {
		return nil, chronoerr.Decode(errShort, "actionlog: decode: empty")
	}
	a.Type = ActionType(b[0])
	b = b[1:]

	var dev []byte
	dev, b, err := readLP(b)
	if err != nil {
		return nil, err
	}
	a.DeviceName = name.Parse(string(dev))

	a.SeqNo, b, err = readU64(b)
	if err != nil {
		return nil, err
	}

	var fn []byte
	fn, b, err = readLP(b)
	if err != nil {
		return nil, err
	}
	a.Filename = string(fn)

	a.Version, b, err = readU64(b)
	if err != nil {
		return nil, err
	}
	a.Timestamp, b, err = readI64(b)
	if err != nil {
		return nil, err
	}

	if len(b) < 1 {
		return nil, chronoerr.Decode(errShort, "actionlog: decode: flags")
	}
	flags := b[0]
	b = b[1:]

	if flags&flagParent != 0 {
		a.HasParent = true
		var pdev []byte
		pdev, b, err = readLP(b)
		if err != nil {
			return nil, err
		}
		a.ParentDeviceName = name.Parse(string(pdev))
		a.ParentSeqNo, b, err = readU64(b)
		if err != nil {
			return nil, err
		}
	}
	if flags&flagFileHash != 0 {
		a.HasFileHash = true
		if len(b) < 32 {
			return nil, chronoerr.Decode(errShort, "actionlog: decode: hash")
		}
		copy(a.FileHash[:], b[:32])
		b = b[32:]
	}
	if flags&flagFileSize != 0 {
		a.HasFileSize = true
		a.FileSize, b, err = readU64(b)
		if err != nil {
			return nil, err
		}
	}
	if flags&flagMtime != 0 {
		a.HasMtime = true
		a.Mtime, b, err = readI64(b)
		if err != nil {
			return nil, err
		}
	}
	if flags&flagMode != 0 {
		a.HasMode = true
		a.Mode, b, err = readU32(b)
		if err != nil {
			return nil, err
		}
	}
	if flags&flagSegments != 0 {
		a.HasSegments = true
		a.SegmentCount, b, err = readU64(b)
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

var errShort = chronoerr.NotFound("actionlog: truncated wire bytes")

func appendLP(buf, v []byte) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(v)))
	buf = append(buf, tmp[:]...)
	return append(buf, v...)
}

func readLP(b []byte) (v []byte, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, chronoerr.Decode(errShort, "actionlog: decode: length prefix")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil, chronoerr.Decode(errShort, "actionlog: decode: truncated field")
	}
	return b[:n], b[n:], nil
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func readU64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, chronoerr.Decode(errShort, "actionlog: decode: u64")
	}
	return binary.BigEndian.Uint64(b[:8]), b[8:], nil
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func readU32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, chronoerr.Decode(errShort, "actionlog: decode: u32")
	}
	return binary.BigEndian.Uint32(b[:4]), b[4:], nil
}

func appendI64(buf []byte, v int64) []byte {
	return appendU64(buf, uint64(v))
}

func readI64(b []byte) (int64, []byte, error) {
	v, rest, err := readU64(b)
	return int64(v), rest, err
}
