// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fetch implements Component D: the fetch manager. It pulls a
// contiguous sequence range under a name prefix from a peer, pipelining
// requests within a sliding window, rotating forwarding hints on stall, and
// persisting in-flight tasks so they resume after restart.
//
// Grounded on original_source/src/fetch-manager.{h,cpp} and fetcher.h for the
// task lifecycle and forwarding-hint rotation, and on the teacher's
// services/syncbase/vsync goroutine-lifecycle idiom (a "pending WaitGroup" +
// "closed channel" pair coordinating spawned goroutines) for the concurrency
// structure.
package fetch

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cawka/ChronoShare/name"
)

// Default parallelism: number of tasks allowed to be ACTIVE at once (spec
// §4.D "default parallelism N=3, configurable").
const DefaultParallelFetches = 3

// Priority levels (original_source/src/fetch-manager.h PRIORITY_NORMAL/HIGH).
const (
	PriorityNormal = iota
	PriorityHigh
)

const (
	defaultWindowMin        = 1
	defaultWindowMax        = 16
	maxNoActivityPeriod     = 30 * time.Second
	timedWaitDuration       = 10 * time.Second
	initialRetryPause       = 1 * time.Second
	maxRetryPause           = 300 * time.Second
	maxSegmentRetries       = 5
	scheduleFetchesInterval = 200 * time.Millisecond
)

// Status is a task's lifecycle state (spec §4.D task lifecycle diagram).
type Status int

const (
	StatusQueued Status = iota
	StatusActive
	StatusStalled
	StatusComplete
	StatusTimedWait
	StatusRemoved
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "QUEUED"
	case StatusActive:
		return "ACTIVE"
	case StatusStalled:
		return "STALLED"
	case StatusComplete:
		return "COMPLETE"
	case StatusTimedWait:
		return "TIMED_WAIT"
	case StatusRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// hintStage is the forwarding-hint rotation stage (spec §4.D): locator,
// empty (direct), broadcast, back to locator.
type hintStage int

const (
	hintLocator hintStage = iota
	hintEmpty
	hintBroadcast
)

// SegmentCallback is invoked once per segment received, in arbitrary order
// (spec §4.D "the manager does not reorder").
type SegmentCallback func(device name.Name, baseName name.Name, seq uint64, data []byte)

// FinishCallback is invoked exactly once when a task completes.
type FinishCallback func(device name.Name, baseName name.Name)

// Mapping resolves a device name to its current locator (forwarding hint),
// the caller-supplied lookup the spec's §4.D rotation starts from.
type Mapping func(device name.Name) name.Name

// Requester is the narrow transport dependency: express an interest for name
// under hint, invoking exactly one of onData/onTimeout (spec's network
// transport non-goal — core only needs this shape). A request may be
// canceled via the returned cancel function before either fires.
type Requester interface {
	Express(hint name.Name, interest name.Name, onData func(data []byte), onTimeout func()) (cancel func())
}

// task is one in-flight fetch of a contiguous sequence range.
type task struct {
	device   name.Name
	baseName name.Name
	minSeq   uint64
	maxSeq   uint64
	priority int

	segmentCB SegmentCallback
	finishCB  FinishCallback

	status Status

	highWater   uint64 // highest contiguous seq delivered, exclusive upper bound = highWater+1
	outOfOrder  map[uint64]bool
	outstanding map[uint64]func() // seq -> cancel func for its in-flight request
	window      uint32

	retries map[uint64]int

	hintStage    hintStage
	retryPause   time.Duration
	nextRetry    time.Time
	lastActivity time.Time

	timedWaitUntil time.Time
}

// done compares highWater+1 so that a range starting at 0 (highWater wrapped
// to the largest uint64) is not mistaken for a finished one.
func (t *task) done() bool { return t.highWater+1 > t.maxSeq }

// Manager is the fetch manager (spec §4.D).
type Manager struct {
	requester Requester
	mapping   Mapping
	broadcast name.Name
	maxActive uint32

	defaultSegmentCB SegmentCallback
	defaultFinishCB  FinishCallback

	tdb *taskDB // nil if no durable persistence configured

	log zerolog.Logger

	mu      sync.Mutex
	queue   []*task
	active  map[*task]bool
	rng     *rand.Rand

	pending sync.WaitGroup
	closed  chan struct{}
}

// New creates a fetch manager. taskDBPath, if non-empty, enables durable
// persistence of in-flight tasks (spec §4.D durability); on open, any
// previously persisted tasks are re-enqueued.
func New(requester Requester, mapping Mapping, broadcastHint name.Name, maxActive uint32, taskDBPath string, log zerolog.Logger) (*Manager, error) {
	if maxActive == 0 {
		maxActive = DefaultParallelFetches
	}
	m := &Manager{
		requester: requester,
		mapping:   mapping,
		broadcast: broadcastHint,
		maxActive: maxActive,
		active:    make(map[*task]bool),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		closed:    make(chan struct{}),
		log:       log.With().Str("component", "fetch").Logger(),
	}
	if taskDBPath != "" {
		tdb, err := openTaskDB(taskDBPath)
		if err != nil {
			return nil, err
		}
		m.tdb = tdb
		if err := m.reloadPersisted(); err != nil {
			return nil, err
		}
	}
	m.pending.Add(1)
	go m.scheduleLoop()
	return m, nil
}

// SetDefaultCallbacks installs the callbacks used by the Enqueue overload
// that omits them. Tasks already queued or active without callbacks of their
// own (those New re-enqueued from the task database) are given them too.
func (m *Manager) SetDefaultCallbacks(segmentCB SegmentCallback, finishCB FinishCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultSegmentCB = segmentCB
	m.defaultFinishCB = finishCB
	tasks := append([]*task(nil), m.queue...)
	for t := range m.active {
		tasks = append(tasks, t)
	}
	for _, t := range tasks {
		if t.segmentCB == nil {
			t.segmentCB = segmentCB
		}
		if t.finishCB == nil {
			t.finishCB = finishCB
		}
	}
}

func (m *Manager) reloadPersisted() error {
	tasks, err := m.tdb.loadAll()
	if err != nil {
		return err
	}
	for _, pt := range tasks {
		m.log.Info().Str("device", pt.device.String()).Str("base", pt.baseName.String()).
			Uint64("min", pt.minSeq).Uint64("max", pt.maxSeq).Msg("re-enqueuing persisted fetch task")
		m.enqueueTask(newTask(pt.device, pt.baseName, pt.minSeq, pt.maxSeq, pt.priority, m.defaultSegmentCB, m.defaultFinishCB))
	}
	return nil
}

func newTask(device, baseName name.Name, minSeq, maxSeq uint64, priority int, segmentCB SegmentCallback, finishCB FinishCallback) *task {
	return &task{
		device:      device,
		baseName:    baseName,
		minSeq:      minSeq,
		maxSeq:      maxSeq,
		priority:    priority,
		segmentCB:   segmentCB,
		finishCB:    finishCB,
		status:      StatusQueued,
		highWater:   minSeq - 1,
		outOfOrder:  make(map[uint64]bool),
		outstanding: make(map[uint64]func()),
		retries:     make(map[uint64]int),
		window:      defaultWindowMin,
		retryPause:  initialRetryPause,
	}
}

// Enqueue schedules a fetch of [minSeqNo, maxSeqNo] under baseName from
// device, using the given callbacks (spec §4.D).
func (m *Manager) Enqueue(device, baseName name.Name, segmentCB SegmentCallback, finishCB FinishCallback, minSeqNo, maxSeqNo uint64, priority int) {
	if maxSeqNo < minSeqNo {
		return
	}
	t := newTask(device, baseName, minSeqNo, maxSeqNo, priority, segmentCB, finishCB)
	if m.tdb != nil {
		if err := m.tdb.put(device, baseName, minSeqNo, maxSeqNo, priority); err != nil {
			m.log.Warn().Err(err).Msg("persist fetch task failed")
		}
	}
	m.enqueueTask(t)
}

// EnqueueDefault enqueues using the manager's default callbacks.
func (m *Manager) EnqueueDefault(device, baseName name.Name, minSeqNo, maxSeqNo uint64, priority int) {
	m.Enqueue(device, baseName, m.defaultSegmentCB, m.defaultFinishCB, minSeqNo, maxSeqNo, priority)
}

func (m *Manager) enqueueTask(t *task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Higher priority tasks are scheduled first (stable within priority).
	idx := len(m.queue)
	for i, q := range m.queue {
		if q.priority < t.priority {
			idx = i
			break
		}
	}
	m.queue = append(m.queue, nil)
	copy(m.queue[idx+1:], m.queue[idx:])
	m.queue[idx] = t
}

// Close cancels all tasks, drains outstanding requests and stops the
// scheduler. Durable tasks remain persisted for the next run (spec §4.D
// cancellation semantics).
func (m *Manager) Close() error {
	close(m.closed)
	m.pending.Wait()
	m.mu.Lock()
	for t := range m.active {
		m.cancelOutstandingLocked(t)
	}
	m.mu.Unlock()
	if m.tdb != nil {
		return m.tdb.close()
	}
	return nil
}

func (m *Manager) cancelOutstandingLocked(t *task) {
	for seq, cancel := range t.outstanding {
		cancel()
		delete(t.outstanding, seq)
	}
}

func (m *Manager) scheduleLoop() {
	defer m.pending.Done()
	ticker := time.NewTicker(scheduleFetchesInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.closed:
			return
		case <-ticker.C:
			m.scheduleFetches()
		}
	}
}

// scheduleFetches promotes queued tasks into the active set up to
// maxActive, fills pipelines for active tasks, requeues stalled tasks whose
// pause has elapsed, and retires timed-out COMPLETE tasks (spec §4.D
// ScheduleFetches).
func (m *Manager) scheduleFetches() {
	m.mu.Lock()
	now := time.Now()

	// Promote from queue.
	for uint32(len(m.active)) < m.maxActive && len(m.queue) > 0 {
		t := m.queue[0]
		m.queue = m.queue[1:]
		t.status = StatusActive
		t.lastActivity = now
		t.nextRetry = now
		m.active[t] = true
	}

	var toFinish []*task
	var toRemove []*task
	for t := range m.active {
		switch t.status {
		case StatusActive:
			if t.done() {
				// COMPLETE is momentary: fire the finish callback once, then
				// sit in TIMED_WAIT absorbing duplicate late data.
				t.status = StatusTimedWait
				t.timedWaitUntil = now.Add(timedWaitDuration)
				m.cancelOutstandingLocked(t)
				toFinish = append(toFinish, t)
				continue
			}
			if now.Sub(t.lastActivity) >= maxNoActivityPeriod {
				m.stallLocked(t, now)
				continue
			}
			m.fillPipelineLocked(t, now)
		case StatusStalled:
			if now.After(t.nextRetry) {
				delete(m.active, t)
				t.status = StatusQueued
				idx := len(m.queue)
				for i, q := range m.queue {
					if q.priority < t.priority {
						idx = i
						break
					}
				}
				m.queue = append(m.queue, nil)
				copy(m.queue[idx+1:], m.queue[idx:])
				m.queue[idx] = t
			}
		case StatusTimedWait:
			if now.After(t.timedWaitUntil) {
				t.status = StatusRemoved
				toRemove = append(toRemove, t)
			}
		}
	}
	for _, t := range toRemove {
		delete(m.active, t)
		if m.tdb != nil {
			if err := m.tdb.delete(t.device, t.baseName); err != nil {
				m.log.Warn().Err(err).Msg("delete persisted fetch task failed")
			}
		}
	}
	m.mu.Unlock()

	for _, t := range toFinish {
		if t.finishCB != nil {
			t.finishCB(t.device, t.baseName)
		}
	}
}

// stallLocked advances the forwarding-hint rotation and schedules the next
// retry with exponential backoff capped at 300s (spec §4.D).
func (m *Manager) stallLocked(t *task, now time.Time) {
	m.cancelOutstandingLocked(t)
	t.outOfOrder = make(map[uint64]bool)
	t.status = StatusStalled

	switch t.hintStage {
	case hintLocator:
		t.hintStage = hintEmpty
	case hintEmpty:
		t.hintStage = hintBroadcast
	case hintBroadcast:
		t.hintStage = hintLocator
		t.retryPause *= 2
		if t.retryPause > maxRetryPause {
			t.retryPause = maxRetryPause
		}
	}
	jitter := time.Duration(m.rng.Int63n(int64(t.retryPause) / 4 + 1))
	t.nextRetry = now.Add(t.retryPause + jitter)
	m.log.Debug().Str("device", t.device.String()).Str("base", t.baseName.String()).
		Int("hintStage", int(t.hintStage)).Dur("pause", t.retryPause).Msg("fetch task stalled")
}

func (t *task) currentHint(m *Manager) name.Name {
	switch t.hintStage {
	case hintEmpty:
		return nil
	case hintBroadcast:
		return m.broadcast
	default:
		return m.mapping(t.device)
	}
}

// fillPipelineLocked sends requests for every sequence in the sliding
// window not already outstanding (spec §4.D per-task pipeline).
func (m *Manager) fillPipelineLocked(t *task, now time.Time) {
	hint := t.currentHint(m)
	for seq := t.highWater + 1; seq <= t.maxSeq && uint32(len(t.outstanding)) < t.window; seq++ {
		if t.outOfOrder[seq] {
			continue
		}
		if _, inflight := t.outstanding[seq]; inflight {
			continue
		}
		m.sendRequestLocked(t, seq, hint)
	}
}

func (m *Manager) sendRequestLocked(t *task, seq uint64, hint name.Name) {
	interest := t.baseName.Append(seqComponent(seq))
	seqCopy := seq
	cancel := m.requester.Express(hint, interest,
		func(data []byte) { m.onData(t, seqCopy, data) },
		func() { m.onTimeout(t, seqCopy) },
	)
	t.outstanding[seq] = cancel
}

func (m *Manager) onData(t *task, seq uint64, data []byte) {
	m.mu.Lock()
	if t.status != StatusActive && t.status != StatusStalled {
		m.mu.Unlock()
		return
	}
	delete(t.outstanding, seq)
	delete(t.retries, seq)
	t.lastActivity = time.Now()
	if t.status == StatusStalled {
		t.status = StatusActive
		t.hintStage = hintLocator
		t.retryPause = initialRetryPause
	}

	if seq == t.highWater+1 {
		t.highWater = seq
		for t.outOfOrder[t.highWater+1] {
			delete(t.outOfOrder, t.highWater+1)
			t.highWater++
		}
	} else if seq > t.highWater+1 {
		t.outOfOrder[seq] = true
	}
	if t.window < defaultWindowMax {
		t.window++
	}
	segmentCB := t.segmentCB
	device, base := t.device, t.baseName
	m.mu.Unlock()

	if segmentCB != nil {
		segmentCB(device, base, seq, data)
	}
}

func (m *Manager) onTimeout(t *task, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.status != StatusActive {
		return
	}
	delete(t.outstanding, seq)
	t.retries[seq]++
	if t.retries[seq] > maxSegmentRetries {
		m.stallLocked(t, time.Now())
		return
	}
	if t.window > defaultWindowMin {
		t.window--
	}
	m.sendRequestLocked(t, seq, t.currentHint(m))
}

// Snapshot describes a task's externally visible state, for status UIs and
// tests.
type Snapshot struct {
	Device    name.Name
	BaseName  name.Name
	MinSeq    uint64
	MaxSeq    uint64
	HighWater uint64
	Status    Status
}

// Snapshots returns the current state of every active and queued task.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.active)+len(m.queue))
	for t := range m.active {
		out = append(out, Snapshot{t.device, t.baseName, t.minSeq, t.maxSeq, t.highWater, t.status})
	}
	for _, t := range m.queue {
		out = append(out, Snapshot{t.device, t.baseName, t.minSeq, t.maxSeq, t.highWater, t.status})
	}
	return out
}

func seqComponent(seq uint64) string {
	if seq == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for seq > 0 {
		i--
		buf[i] = byte('0' + seq%10)
		seq /= 10
	}
	return string(buf[i:])
}
