// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package actionlog implements Component C: the append-only causal log of
// file operations per device, and the file-state materialization derived
// from it. Grounded on the teacher's vsync log-record replay design
// (vsync/sync_state.go's "new log records... replayed to keep the per-object
// dags consistent") generalized from the teacher's per-object DAG/conflict
// machinery to the spec's simpler last-writer-wins rule (spec §4.C), and on
// original_source/src/action-log.h for the query surface this package
// exposes (LookupAction, LookupActionsInFolder, etc).
package actionlog

import (
	"bytes"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cawka/ChronoShare/chronoerr"
	"github.com/cawka/ChronoShare/name"
	"github.com/cawka/ChronoShare/signing"
	"github.com/cawka/ChronoShare/store"
	"github.com/cawka/ChronoShare/synclog"
)

var (
	actionsBucket   = []byte("actions")
	byFolderBucket  = []byte("by_folder") // key: folder\xfetimestampBE\xfedevice\xfeseq -> pointer
	fileStateBucket = []byte("filestate") // key: filename -> encoded FileStateEntry (live)
	archiveBucket   = []byte("archive")   // key: filename\xfedevice\xfeseq -> encoded FileStateEntry
)

// Action is a persisted action record (spec §3).
type Action struct {
	DeviceName name.Name
	SeqNo      uint64
	Item       *ActionItem
	Content    []byte // the exact signed wire bytes
	Signature  signing.Signature
}

// EntryType distinguishes the live file-state entry from archived losers of
// a conflict (spec §3 invariant: "at most one live entry... plus an archive
// chain").
type EntryType byte

const (
	TypeLive EntryType = iota
	TypeArchived
	TypeTombstone
)

// FileStateEntry is the materialized view of one filename (spec §3).
type FileStateEntry struct {
	Filename     string
	OwningDevice name.Name
	OwningSeq    uint64
	Version      uint64
	Timestamp    int64
	FileHash     [32]byte
	HasFileHash  bool
	Mtime        int64
	Mode         uint32
	SegmentCount uint64
	IsComplete   bool
	Type         EntryType
}

// AddedCallback is invoked after an UPDATE action is persisted and applied
// (spec §4.C on_file_added_or_changed).
type AddedCallback func(filename string, device name.Name, seq uint64, hash [32]byte, mtime int64, mode uint32, segmentCount uint64)

// RemovedCallback is invoked after a DELETE action wins the live entry (spec
// §4.C on_file_removed).
type RemovedCallback func(filename string)

// Notification is the fan-out notification emitted on every persisted
// action, supplemental to the two typed callbacks above (SPEC_FULL.md §4.3,
// grounded on original_source/daemon/notify-i.cc's GUI change-notification
// interface).
type Notification struct {
	Action   *Action
	Conflict bool
}

// Signer is the narrow signing interface the action log depends on (spec
// §1: "Cryptographic signing... delegated to a signer the core calls").
type Signer interface {
	Sign(hash []byte) (signing.Signature, error)
}

// Log is the action log for one shared folder.
type Log struct {
	st   store.Store
	sync *synclog.Log
	self name.Name
	app  string
	log  zerolog.Logger

	signer Signer

	mu sync.Mutex // serializes local appends and remote applies

	onAdded   []AddedCallback
	onRemoved []RemovedCallback

	subMu sync.Mutex
	subs  []chan Notification
}

// Open opens (or creates) the action log at path for device self, writing
// into synclog sl to bump the local sequence counter on every local append.
// The matching synccore UpdateLocalState call is made by the caller of the
// local append, not by the action log.
func Open(path string, self name.Name, app string, sl *synclog.Log, signer Signer, log zerolog.Logger) (*Log, error) {
	st, err := store.Open(path)
	if err != nil {
		return nil, chronoerr.Storage(err, "actionlog: open")
	}
	return &Log{
		st:     st,
		sync:   sl,
		self:   self,
		app:    app,
		signer: signer,
		log:    log.With().Str("component", "actionlog").Logger(),
	}, nil
}

func (l *Log) Close() error { return l.st.Close() }

// OnAdded registers a callback invoked for every UPDATE that is applied
// (winning or not — callers filter on FileStateEntry as needed via the
// returned action).
func (l *Log) OnAdded(cb AddedCallback) { l.onAdded = append(l.onAdded, cb) }

// OnRemoved registers a callback invoked when a filename's live entry is
// tombstoned.
func (l *Log) OnRemoved(cb RemovedCallback) { l.onRemoved = append(l.onRemoved, cb) }

// Subscribe returns a channel of all persisted-action notifications and a
// cancel function (SPEC_FULL.md §4.3).
func (l *Log) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, 32)
	l.subMu.Lock()
	l.subs = append(l.subs, ch)
	l.subMu.Unlock()
	cancel := func() {
		l.subMu.Lock()
		defer l.subMu.Unlock()
		for i, c := range l.subs {
			if c == ch {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (l *Log) notify(n Notification) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- n:
		default:
			// Slow subscriber; drop rather than block the applying goroutine.
		}
	}
}

// AddLocalUpdate assigns the next local sequence number, records the parent
// pointer, bumps the version, signs, persists and applies the action (spec
// §4.C).
func (l *Log) AddLocalUpdate(filename string, hash [32]byte, mtime int64, mode uint32, segmentCount uint64) (*Action, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	parent, hasParent, version, err := l.parentAndNextVersionLocked(filename)
	if err != nil {
		return nil, err
	}

	seq, err := l.sync.NextLocalSeq()
	if err != nil {
		return nil, err
	}

	item := &ActionItem{
		DeviceName:   l.self,
		SeqNo:        seq,
		Type:         ActionUpdate,
		Filename:     filename,
		Version:      version,
		Timestamp:    nowUnix(),
		FileHash:     hash,
		HasFileHash:  true,
		Mtime:        mtime,
		HasMtime:     true,
		Mode:         mode,
		HasMode:      true,
		SegmentCount: segmentCount,
		HasSegments:  true,
	}
	if hasParent {
		item.HasParent = true
		item.ParentDeviceName = parent.DeviceName
		item.ParentSeqNo = parent.SeqNo
	}

	action, err := l.signAndPersistLocked(item)
	if err != nil {
		return nil, err
	}
	if err := l.applyLocked(action); err != nil {
		return nil, err
	}
	if err := l.advanceWatermarkLocked(l.self, seq); err != nil {
		return nil, err
	}
	if err := l.sync.UpdateDeviceSeq(l.self, seq); err != nil {
		return nil, err
	}
	l.notify(Notification{Action: action})
	l.fireCallbacksLocked(action)
	return action, nil
}

// AddLocalDelete assigns a seq, records the parent pointer, marks the
// file-state tombstone, and notifies (spec §4.C).
func (l *Log) AddLocalDelete(filename string) (*Action, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	parent, hasParent, version, err := l.parentAndNextVersionLocked(filename)
	if err != nil {
		return nil, err
	}
	seq, err := l.sync.NextLocalSeq()
	if err != nil {
		return nil, err
	}
	item := &ActionItem{
		DeviceName: l.self,
		SeqNo:      seq,
		Type:       ActionDelete,
		Filename:   filename,
		Version:    version,
		Timestamp:  nowUnix(),
	}
	if hasParent {
		item.HasParent = true
		item.ParentDeviceName = parent.DeviceName
		item.ParentSeqNo = parent.SeqNo
	}
	action, err := l.signAndPersistLocked(item)
	if err != nil {
		return nil, err
	}
	if err := l.applyLocked(action); err != nil {
		return nil, err
	}
	if err := l.advanceWatermarkLocked(l.self, seq); err != nil {
		return nil, err
	}
	if err := l.sync.UpdateDeviceSeq(l.self, seq); err != nil {
		return nil, err
	}
	l.notify(Notification{Action: action})
	l.fireCallbacksLocked(action)
	return action, nil
}

// fireCallbacksLocked notifies OnAdded/OnRemoved subscribers that action has
// just been applied to file-state, whether it arrived locally (AddLocalUpdate/
// AddLocalDelete) or was just brought into causal order by a remote action
// (applyContiguousLocked). Materializer relies on this firing for both paths
// -- a remote update must re-run materialization exactly like a local one.
func (l *Log) fireCallbacksLocked(action *Action) {
	item := action.Item
	switch item.Type {
	case ActionUpdate:
		for _, cb := range l.onAdded {
			cb(item.Filename, action.DeviceName, action.SeqNo, item.FileHash, item.Mtime, item.Mode, item.SegmentCount)
		}
	case ActionDelete:
		v, err := l.st.Get(fileStateBucket, []byte(item.Filename))
		if err != nil {
			return
		}
		var cur FileStateEntry
		decodeFileState(v, &cur)
		if cur.Type != TypeTombstone || !cur.OwningDevice.Equal(action.DeviceName) || cur.OwningSeq != action.SeqNo {
			return // this DELETE lost the conflict; the live entry is someone else's
		}
		for _, cb := range l.onRemoved {
			cb(item.Filename)
		}
	}
}

// AddRemote parses, verifies non-duplication, persists and applies a remote
// action (spec §4.C). Idempotent: re-applying the same (device, seq) is a
// no-op that still returns the parsed action. Gaps in a device's sequence
// are buffered and only applied once contiguous (spec §5 ordering
// guarantee).
func (l *Log) AddRemote(device name.Name, seq uint64, content []byte, sig signing.Signature) (*Action, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, err := l.lookupActionLocked(device, seq); err == nil {
		return existing, nil
	} else if !chronoerr.Is(err, chronoerr.KindNotFound) {
		return nil, err
	}

	item, err := DecodeActionItem(content)
	if err != nil {
		l.log.Warn().Err(err).Str("device", device.String()).Uint64("seq", seq).Msg("dropping malformed remote action")
		return nil, err
	}
	action := &Action{DeviceName: device, SeqNo: seq, Item: item, Content: content, Signature: sig}

	if err := l.persistLocked(action); err != nil {
		return nil, err
	}

	// Apply in causal order: buffer if a predecessor is missing.
	if err := l.applyContiguousLocked(device); err != nil {
		return nil, err
	}
	return action, nil
}

// applyContiguousLocked applies every persisted-but-unapplied action for
// device starting from the next expected sequence (spec §5: "per-device
// actions are applied in strictly increasing seq order... a gap... is
// buffered and applied only after its predecessors"). The persisted record
// written by persistLocked doubles as the gap buffer; applyContiguousLocked
// walks the watermark forward over whatever is already on disk.
func (l *Log) applyContiguousLocked(device name.Name) error {
	for {
		next, err := l.watermarkNextLocked(device)
		if err != nil {
			return err
		}
		action, ok, err := l.lookupActionOrNilLocked(device, next)
		if err != nil {
			return err
		}
		if !ok {
			return nil // gap: wait for the predecessor to arrive
		}
		if err := l.applyLocked(action); err != nil {
			return err
		}
		if err := l.advanceWatermarkLocked(device, next); err != nil {
			return err
		}
		l.fireCallbacksLocked(action)
		l.notify(Notification{Action: action})
	}
}

var watermarkBucket = []byte("watermark")

// watermarkNextLocked returns the next sequence number actionlog expects to
// apply for device (highest applied + 1).
func (l *Log) watermarkNextLocked(device name.Name) (uint64, error) {
	v, err := l.st.Get(watermarkBucket, []byte(device.String()))
	if err == store.ErrUnknownKey {
		return 1, nil
	}
	if err != nil {
		return 0, chronoerr.Storage(err, "actionlog: watermark")
	}
	return decodeU64(v) + 1, nil
}

func (l *Log) advanceWatermarkLocked(device name.Name, seq uint64) error {
	return l.st.Put(watermarkBucket, []byte(device.String()), encodeU64(seq))
}

func (l *Log) persistLocked(a *Action) error {
	return store.RunInTransaction(l.st, func(tx store.StoreReadWriter) error {
		key := actionKey(a.DeviceName, a.SeqNo)
		if err := tx.Put(actionsBucket, key, encodeAction(a)); err != nil {
			return err
		}
		folderKey := byFolderKey(folderOf(a.Item.Filename), a.Item.Timestamp, a.DeviceName, a.SeqNo)
		return tx.Put(byFolderBucket, folderKey, key)
	})
}

func (l *Log) signAndPersistLocked(item *ActionItem) (*Action, error) {
	content := item.Encode()
	var sig signing.Signature
	if l.signer != nil {
		s, err := signing.SignBytes(l.signer, content)
		if err != nil {
			return nil, chronoerr.Storage(err, "actionlog: sign")
		}
		sig = s
	}
	action := &Action{DeviceName: item.DeviceName, SeqNo: item.SeqNo, Item: item, Content: content, Signature: sig}
	if err := l.persistLocked(action); err != nil {
		return nil, err
	}
	return action, nil
}

// applyLocked applies action to file-state under the last-writer-wins
// conflict rule (spec §4.C).
func (l *Log) applyLocked(action *Action) error {
	return store.RunInTransaction(l.st, func(tx store.StoreReadWriter) error {
		item := action.Item
		var current FileStateEntry
		hadCurrent := false
		if v, err := tx.Get(fileStateBucket, []byte(item.Filename)); err == nil {
			decodeFileState(v, &current)
			hadCurrent = true
		} else if err != store.ErrUnknownKey {
			return err
		}

		candidate := FileStateEntry{
			Filename:     item.Filename,
			OwningDevice: action.DeviceName,
			OwningSeq:    action.SeqNo,
			Version:      item.Version,
			Timestamp:    item.Timestamp,
			FileHash:     item.FileHash,
			HasFileHash:  item.HasFileHash,
			Mtime:        item.Mtime,
			Mode:         item.Mode,
			SegmentCount: item.SegmentCount,
			IsComplete:   item.Type == ActionDelete, // deletes need no content
		}
		if item.Type == ActionDelete {
			candidate.Type = TypeTombstone
		} else {
			candidate.Type = TypeLive
		}

		wins := !hadCurrent || winnerIsCandidate(candidate, current)
		if !wins {
			// Losing action: archive it, do not move the live entry.
			archived := candidate
			archived.Type = TypeArchived
			return tx.Put(archiveBucket, archiveKey(item.Filename, action.DeviceName, action.SeqNo), encodeFileState(&archived))
		}
		return tx.Put(fileStateBucket, []byte(item.Filename), encodeFileState(&candidate))
	})
}

// MarkComplete flips a live entry's IsComplete flag once its referenced
// file's segments have all been fetched and assembled (spec §8 Scenario 1's
// `is_complete: true` final state). It is a no-op if the live entry has
// since moved on to a different (device, seq) — a later action already won
// the conflict by the time the fetch finished.
func (l *Log) MarkComplete(filename string, device name.Name, seq uint64) error {
	return store.RunInTransaction(l.st, func(tx store.StoreReadWriter) error {
		v, err := tx.Get(fileStateBucket, []byte(filename))
		if err == store.ErrUnknownKey {
			return nil
		}
		if err != nil {
			return err
		}
		var current FileStateEntry
		decodeFileState(v, &current)
		if current.IsComplete || !current.OwningDevice.Equal(device) || current.OwningSeq != seq {
			return nil
		}
		current.IsComplete = true
		return tx.Put(fileStateBucket, []byte(filename), encodeFileState(&current))
	})
}

// winnerIsCandidate implements the (version, timestamp, device_name)
// lexicographic tiebreak (spec §4.C, §8 invariant 9, SPEC_FULL.md §5 "Version
// numbering on conflict" — a documented convention, not a protocol
// guarantee).
func winnerIsCandidate(candidate, current FileStateEntry) bool {
	if candidate.Version != current.Version {
		return candidate.Version > current.Version
	}
	if candidate.Timestamp != current.Timestamp {
		return candidate.Timestamp > current.Timestamp
	}
	return bytes.Compare(candidate.OwningDevice.Encode(), current.OwningDevice.Encode()) > 0
}

// parentAndNextVersionLocked consults the current live file-state entry for
// filename to compute the parent pointer and next version (spec §4.C).
func (l *Log) parentAndNextVersionLocked(filename string) (parent struct {
	DeviceName name.Name
	SeqNo      uint64
}, hasParent bool, version uint64, err error) {
	v, getErr := l.st.Get(fileStateBucket, []byte(filename))
	if getErr == store.ErrUnknownKey {
		return parent, false, 1, nil
	}
	if getErr != nil {
		return parent, false, 0, chronoerr.Storage(getErr, "actionlog: parent lookup")
	}
	var cur FileStateEntry
	decodeFileState(v, &cur)
	parent.DeviceName = cur.OwningDevice
	parent.SeqNo = cur.OwningSeq
	return parent, true, cur.Version + 1, nil
}

// LookupAction returns the action for (device, seq), if present.
func (l *Log) LookupAction(device name.Name, seq uint64) (*Action, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lookupActionLocked(device, seq)
}

func (l *Log) lookupActionLocked(device name.Name, seq uint64) (*Action, error) {
	v, err := l.st.Get(actionsBucket, actionKey(device, seq))
	if err == store.ErrUnknownKey {
		return nil, chronoerr.NotFound("actionlog: no such action")
	}
	if err != nil {
		return nil, chronoerr.Storage(err, "actionlog: lookup action")
	}
	return decodeAction(v)
}

func (l *Log) lookupActionOrNilLocked(device name.Name, seq uint64) (*Action, bool, error) {
	a, err := l.lookupActionLocked(device, seq)
	if chronoerr.Is(err, chronoerr.KindNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

// LookupActionByName parses an action wire name (spec §3 "action name") and
// looks up the referenced record.
func (l *Log) LookupActionByName(n name.Name) (*Action, error) {
	// <device>/<app>/action/<folder>/<seq>
	idx := -1
	for i, c := range n {
		if c == "action" {
			idx = i
			break
		}
	}
	if idx < 1 || idx+2 >= len(n) {
		return nil, chronoerr.Decode(errShort, "actionlog: malformed action name")
	}
	device := n[:idx-1]
	seqStr := n[len(n)-1]
	seq, err := parseUint(seqStr)
	if err != nil {
		return nil, chronoerr.Decode(err, "actionlog: malformed seq in action name")
	}
	return l.LookupAction(device, seq)
}

// LookupActionData returns the exact signed wire bytes for (device, seq), so
// a signature verifier on a peer validates against the originator's bytes
// (spec §4.C).
func (l *Log) LookupActionData(device name.Name, seq uint64) ([]byte, signing.Signature, error) {
	a, err := l.LookupAction(device, seq)
	if err != nil {
		return nil, signing.Signature{}, err
	}
	return a.Content, a.Signature, nil
}

// LookupActionsInFolder returns actions under folder ordered by timestamp
// descending, paginated (spec §4.C).
func (l *Log) LookupActionsInFolder(folder string, offset, limit int) ([]*Action, bool, error) {
	prefix := []byte(folder + "\xfe")
	stream, err := l.st.Scan(byFolderBucket, prefix, nil)
	if err != nil {
		return nil, false, chronoerr.Storage(err, "actionlog: scan folder")
	}
	defer stream.Cancel()
	var pointers [][]byte
	for stream.Advance() {
		key := stream.Key()
		if !bytes.HasPrefix(key, prefix) {
			break
		}
		pointers = append(pointers, append([]byte(nil), stream.Value()...))
	}
	if err := stream.Err(); err != nil {
		return nil, false, chronoerr.Storage(err, "actionlog: scan folder")
	}
	// byFolderKey embeds timestamp ascending; reverse for descending order.
	reversePointers(pointers)

	hasMore := false
	if offset < len(pointers) {
		pointers = pointers[offset:]
	} else {
		pointers = nil
	}
	if limit > 0 && len(pointers) > limit {
		pointers = pointers[:limit]
		hasMore = true
	}

	actions := make([]*Action, 0, len(pointers))
	for _, key := range pointers {
		v, err := l.st.Get(actionsBucket, key)
		if err != nil {
			continue
		}
		a, err := decodeAction(v)
		if err != nil {
			continue
		}
		actions = append(actions, a)
	}
	return actions, hasMore, nil
}

// LookupRecentFileActions returns up to limit of the most recent actions
// across all folders, for status UIs (spec §4.C).
func (l *Log) LookupRecentFileActions(limit int) ([]*Action, error) {
	stream, err := l.st.Scan(actionsBucket, nil, nil)
	if err != nil {
		return nil, chronoerr.Storage(err, "actionlog: scan recent")
	}
	defer stream.Cancel()
	var all []*Action
	for stream.Advance() {
		a, err := decodeAction(append([]byte(nil), stream.Value()...))
		if err != nil {
			continue
		}
		all = append(all, a)
	}
	if err := stream.Err(); err != nil {
		return nil, chronoerr.Storage(err, "actionlog: scan recent")
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Item.Timestamp > all[j].Item.Timestamp })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// DumpActions and DumpFileState support the dump-db introspection tool
// (SPEC_FULL.md §4.1, grounded on original_source/cmd/dump-db.cpp).
func (l *Log) DumpActions() ([]*Action, error) {
	return l.LookupRecentFileActions(0)
}

func (l *Log) DumpFileState() ([]FileStateEntry, error) {
	stream, err := l.st.Scan(fileStateBucket, nil, nil)
	if err != nil {
		return nil, chronoerr.Storage(err, "actionlog: dump filestate")
	}
	defer stream.Cancel()
	var out []FileStateEntry
	for stream.Advance() {
		var e FileStateEntry
		decodeFileState(stream.Value(), &e)
		out = append(out, e)
	}
	return out, stream.Err()
}

func reversePointers(p [][]byte) {
	for i, j := 0, len(p)-1; i < j; i, j = i+1, j-1 {
		p[i], p[j] = p[j], p[i]
	}
}

func folderOf(filename string) string {
	for i := len(filename) - 1; i >= 0; i-- {
		if filename[i] == '/' {
			return filename[:i]
		}
	}
	return ""
}

func nowUnix() int64 { return timeNow().Unix() }
