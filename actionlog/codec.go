// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package actionlog

import (
	"encoding/binary"
	"math/big"
	"strconv"

	"github.com/cawka/ChronoShare/name"
	"github.com/cawka/ChronoShare/signing"
)

func bigIntBytes(v *big.Int) []byte {
	if v == nil {
		return nil
	}
	return v.Bytes()
}

func bigIntSignature(r, s []byte) signing.Signature {
	sig := signing.Signature{}
	if len(r) > 0 {
		sig.R = new(big.Int).SetBytes(r)
	}
	if len(s) > 0 {
		sig.S = new(big.Int).SetBytes(s)
	}
	return sig
}

// actionKey is the storage key for an action record: device\xfeseq, mirroring
// the teacher's common.JoinKeyParts \xfe-separated key convention
// (services/syncbase/common/key_util_test.go).
func actionKey(device name.Name, seq uint64) []byte {
	buf := []byte(device.String())
	buf = append(buf, 0xfe)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], seq)
	return append(buf, tmp[:]...)
}

// byFolderKey orders entries by folder, then timestamp ascending, then
// device/seq to break ties deterministically.
func byFolderKey(folder string, timestamp int64, device name.Name, seq uint64) []byte {
	buf := []byte(folder)
	buf = append(buf, 0xfe)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(timestamp))
	buf = append(buf, tmp[:]...)
	buf = append(buf, 0xfe)
	buf = append(buf, []byte(device.String())...)
	buf = append(buf, 0xfe)
	binary.BigEndian.PutUint64(tmp[:], seq)
	return append(buf, tmp[:]...)
}

func archiveKey(filename string, device name.Name, seq uint64) []byte {
	buf := []byte(filename)
	buf = append(buf, 0xfe)
	buf = append(buf, []byte(device.String())...)
	buf = append(buf, 0xfe)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], seq)
	return append(buf, tmp[:]...)
}

func encodeAction(a *Action) []byte {
	var buf []byte
	buf = appendLP(buf, a.Content)
	buf = appendLP(buf, bigIntBytes(a.Signature.R))
	buf = appendLP(buf, bigIntBytes(a.Signature.S))
	return buf
}

func decodeAction(b []byte) (*Action, error) {
	content, rest, err := readLP(b)
	if err != nil {
		return nil, err
	}
	rBytes, rest, err := readLP(rest)
	if err != nil {
		return nil, err
	}
	sBytes, _, err := readLP(rest)
	if err != nil {
		return nil, err
	}
	item, err := DecodeActionItem(content)
	if err != nil {
		return nil, err
	}
	return &Action{
		DeviceName: item.DeviceName,
		SeqNo:      item.SeqNo,
		Item:       item,
		Content:    content,
		Signature:  bigIntSignature(rBytes, sBytes),
	}, nil
}

func encodeFileState(e *FileStateEntry) []byte {
	var buf []byte
	buf = appendLP(buf, []byte(e.Filename))
	buf = appendLP(buf, e.OwningDevice.Encode())
	buf = appendU64(buf, e.OwningSeq)
	buf = appendU64(buf, e.Version)
	buf = appendI64(buf, e.Timestamp)
	buf = append(buf, boolByte(e.HasFileHash))
	buf = append(buf, e.FileHash[:]...)
	buf = appendI64(buf, e.Mtime)
	buf = appendU32(buf, e.Mode)
	buf = appendU64(buf, e.SegmentCount)
	buf = append(buf, boolByte(e.IsComplete))
	buf = append(buf, byte(e.Type))
	return buf
}

func decodeFileState(b []byte, e *FileStateEntry) {
	fn, b, err := readLP(b)
	if err != nil {
		return
	}
	e.Filename = string(fn)
	dev, b, err := readLP(b)
	if err != nil {
		return
	}
	e.OwningDevice = name.Parse(string(dev))
	e.OwningSeq, b, err = readU64(b)
	if err != nil {
		return
	}
	e.Version, b, err = readU64(b)
	if err != nil {
		return
	}
	e.Timestamp, b, err = readI64(b)
	if err != nil {
		return
	}
	if len(b) < 1+32 {
		return
	}
	e.HasFileHash = b[0] != 0
	copy(e.FileHash[:], b[1:33])
	b = b[33:]
	e.Mtime, b, err = readI64(b)
	if err != nil {
		return
	}
	e.Mode, b, err = readU32(b)
	if err != nil {
		return
	}
	e.SegmentCount, b, err = readU64(b)
	if err != nil {
		return
	}
	if len(b) < 2 {
		return
	}
	e.IsComplete = b[0] != 0
	e.Type = EntryType(b[1])
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func encodeU64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeU64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
