// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package synccore implements Component F: the set-reconciliation protocol
// that keeps sync logs convergent across peers. Grounded on spec §4.F and on
// the teacher's periodic-task coalescing idiom (services/syncbase/vsync's
// "contactPeers" background loop driven by a single resettable timer rather
// than a pile of independent scheduled wakeups).
package synccore

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cawka/ChronoShare/chronoerr"
	"github.com/cawka/ChronoShare/name"
	"github.com/cawka/ChronoShare/signing"
	"github.com/cawka/ChronoShare/synclog"
)

// DefaultSyncInterestInterval is the periodic sync interest period (spec
// §4.F "every sync_interest_interval seconds (default 4")).
const DefaultSyncInterestInterval = 4 * time.Second

// MaxSyncInterestInterval clamps the configurable interval (spec §4.F
// "clamped to (0,30]").
const MaxSyncInterestInterval = 30 * time.Second

const (
	recoveryWait        = 50 * time.Millisecond
	recoveryRandPercent = 0.5
)

// StateMsgCallback is invoked for each UPDATE entry learned from a peer's
// sync-state reply, so the owning layer can enqueue fetches of the missing
// actions (spec §4.F "invoke the core's upward state_msg_callback").
type StateMsgCallback func(device name.Name, newSeq uint64, oldSeq uint64, hasOldSeq bool, locator name.Name)

// Requester expresses a sync or recovery interest under name, invoking
// exactly one of onData/onTimeout (spec's network-transport non-goal).
type Requester interface {
	Express(interest name.Name, onData func(data []byte), onTimeout func()) (cancel func())
}

// Publisher publishes a signed data packet named dataName, answering an
// incoming sync or recovery interest.
type Publisher interface {
	Publish(dataName name.Name, payload []byte, sig signing.Signature) error
}

// Signer signs outbound sync-state data packets.
type Signer interface {
	Sign(hash []byte) (signing.Signature, error)
}

// Core is the sync core for one shared folder (spec §4.F).
type Core struct {
	sl         *synclog.Log
	self       name.Name
	syncPrefix name.Name
	interval   time.Duration

	requester Requester
	publisher Publisher
	signer    Signer
	onState   StateMsgCallback

	log zerolog.Logger
	rng *rand.Rand

	mu            sync.Mutex
	pendingRecov  map[string]func() // digestHex -> cancel, scheduled recovery waits
	periodicTimer *time.Timer

	closed chan struct{}
	wg     sync.WaitGroup
}

// New creates a sync core. interval is the periodic sync-interest period;
// zero selects DefaultSyncInterestInterval, and any value above
// MaxSyncInterestInterval is clamped (spec §4.F).
func New(sl *synclog.Log, self name.Name, syncPrefix name.Name, interval time.Duration, requester Requester, publisher Publisher, signer Signer, onState StateMsgCallback, log zerolog.Logger) *Core {
	if interval <= 0 {
		interval = DefaultSyncInterestInterval
	}
	if interval > MaxSyncInterestInterval {
		interval = MaxSyncInterestInterval
	}
	c := &Core{
		sl:           sl,
		self:         self,
		syncPrefix:   syncPrefix,
		interval:     interval,
		requester:    requester,
		publisher:    publisher,
		signer:       signer,
		onState:      onState,
		log:          log.With().Str("component", "synccore").Logger(),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		pendingRecov: make(map[string]func()),
		closed:       make(chan struct{}),
	}
	c.wg.Add(1)
	go c.periodicLoop()
	return c
}

// Close stops the periodic scheduler and cancels any pending recovery waits.
func (c *Core) Close() {
	close(c.closed)
	c.wg.Wait()
	c.mu.Lock()
	for digest, cancel := range c.pendingRecov {
		cancel()
		delete(c.pendingRecov, digest)
	}
	c.mu.Unlock()
}

func (c *Core) periodicLoop() {
	defer c.wg.Done()
	timer := time.NewTimer(c.interval)
	defer timer.Stop()
	c.mu.Lock()
	c.periodicTimer = timer
	c.mu.Unlock()
	for {
		select {
		case <-c.closed:
			return
		case <-timer.C:
			c.sendSyncInterest()
			timer.Reset(c.interval)
		}
	}
}

// reschedulePeriodic coalesces the periodic sync interest into "now+interval"
// instead of piling up a new timer (spec §4.F, §5 "rescheduling them to
// now+delta coalesces multiple near-simultaneous wake-ups into one").
func (c *Core) reschedulePeriodic() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.periodicTimer == nil {
		return
	}
	if !c.periodicTimer.Stop() {
		select {
		case <-c.periodicTimer.C:
		default:
		}
	}
	c.periodicTimer.Reset(c.interval)
}

func (c *Core) sendSyncInterest() {
	digest, err := c.currentDigestPeek()
	if err != nil {
		c.log.Warn().Err(err).Msg("sync interest: remember state failed")
		return
	}
	interest := name.SyncInterestName(c.syncPrefix, digest)
	c.requester.Express(interest,
		func(data []byte) { c.onSyncData(data) },
		func() {}, // a sync interest simply expires with no reply; nothing to do.
	)
}

// UpdateLocalState is called after a local append to the action log (spec
// §4.F update_local_state); chronosyncd's local change handler makes the call. It bumps the local device's observed sequence,
// computes the new root digest, publishes the diff named by the *previous*
// digest, and reschedules the periodic sync interest.
func (c *Core) UpdateLocalState(seq uint64) error {
	oldDigest, err := c.currentDigestPeek()
	if err != nil {
		return err
	}
	if err := c.sl.UpdateDeviceSeq(c.self, seq); err != nil {
		return err
	}
	newDigest, err := c.sl.RememberState()
	if err != nil {
		return err
	}
	if err := c.publishDiff(oldDigest, newDigest, name.SyncInterestName(c.syncPrefix, oldDigest)); err != nil {
		c.log.Warn().Err(err).Msg("update_local_state: publish diff failed")
	}
	c.reschedulePeriodic()
	return nil
}

// OnSyncInterest handles an incoming sync interest for digest (spec §4.F).
func (c *Core) OnSyncInterest(digest string) {
	current, err := c.currentDigestPeek()
	if err != nil {
		c.log.Warn().Err(err).Msg("sync interest: peek current digest failed")
		return
	}
	if digest == current {
		return // in sync, nothing to do
	}
	if _, known, err := c.sl.LookupSyncLog(digest); err == nil && known {
		if err := c.publishDiff(digest, current, name.SyncInterestName(c.syncPrefix, digest)); err != nil {
			c.log.Warn().Err(err).Msg("sync interest: publish diff failed")
		}
		return
	}
	c.scheduleRecovery(digest)
}

func (c *Core) currentDigestPeek() (string, error) {
	nodes, err := c.sl.Nodes()
	if err != nil {
		return "", err
	}
	if len(nodes) == 0 {
		return synclog.OriginDigestHex, nil
	}
	return c.sl.RememberState()
}

// scheduleRecovery schedules a recovery interest for an unknown digest after
// a randomized wait in [WAIT, WAIT*(1+RANDOM_PERCENT)] (spec §4.F), so a
// single peer's reply (observed via another route) can cancel it before it
// fires — avoids recovery storms.
func (c *Core) scheduleRecovery(digest string) {
	c.mu.Lock()
	if _, already := c.pendingRecov[digest]; already {
		c.mu.Unlock()
		return
	}
	jitter := time.Duration(float64(recoveryWait) * recoveryRandPercent * c.rng.Float64())
	wait := recoveryWait + jitter
	timer := time.AfterFunc(wait, func() {
		c.mu.Lock()
		delete(c.pendingRecov, digest)
		c.mu.Unlock()
		c.sendRecoveryInterest(digest)
	})
	c.pendingRecov[digest] = func() { timer.Stop() }
	c.mu.Unlock()
}

// CancelRecovery cancels a scheduled recovery wait for digest, e.g. because
// it was learned via another peer's reply in the interim (spec §4.F).
func (c *Core) CancelRecovery(digest string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.pendingRecov[digest]; ok {
		cancel()
		delete(c.pendingRecov, digest)
	}
}

func (c *Core) sendRecoveryInterest(digest string) {
	interest := name.RecoveryInterestName(c.syncPrefix, digest)
	c.requester.Express(interest,
		func(data []byte) { c.onSyncData(data) },
		func() {},
	)
}

// OnRecoveryInterest handles an incoming recovery interest for digest (spec
// §4.F): if we know it, publish the diff from the origin state to current.
func (c *Core) OnRecoveryInterest(digest string) {
	if _, known, err := c.sl.LookupSyncLog(digest); err != nil || !known {
		return
	}
	current, err := c.currentDigestPeek()
	if err != nil {
		c.log.Warn().Err(err).Msg("recovery interest: current digest failed")
		return
	}
	if err := c.publishDiff(synclog.OriginDigestHex, current, name.RecoveryInterestName(c.syncPrefix, digest)); err != nil {
		c.log.Warn().Err(err).Msg("recovery interest: publish diff failed")
	}
}

// publishDiff computes the state differences from oldDigest to newDigest,
// signs and publishes them under dataName.
func (c *Core) publishDiff(oldDigest, newDigest string, dataName name.Name) error {
	diffs, err := c.sl.FindStateDifferences(oldDigest, newDigest, true)
	if err != nil {
		return err
	}
	msg := &StateMessage{Entries: make([]StateEntry, 0, len(diffs))}
	for _, d := range diffs {
		locator, _, _ := c.sl.LookupLocator(d.Device)
		entry := StateEntry{Device: d.Device, Type: StateUpdate, Seq: d.NewSeq}
		if d.HasOld {
			entry.HasOldSeq = true
			entry.OldSeq = d.OldSeq
		}
		if locator != nil {
			entry.HasLocator = true
			entry.Locator = locator
		}
		msg.Entries = append(msg.Entries, entry)
	}
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	var sig signing.Signature
	if c.signer != nil {
		sig, err = signing.SignBytes(c.signer, payload)
		if err != nil {
			return chronoerr.Storage(err, "synccore: sign state message")
		}
	}
	return c.publisher.Publish(dataName, payload, sig)
}

// onSyncData handles incoming sync data received either as a reply to our
// own interest or delivered asynchronously (spec §4.F "Incoming sync data").
func (c *Core) onSyncData(payload []byte) {
	msg, err := DecodeStateMessage(payload)
	if err != nil {
		c.log.Debug().Err(err).Msg("dropping malformed sync-state message")
		return
	}
	for _, e := range msg.Entries {
		switch e.Type {
		case StateUpdate:
			if err := c.sl.UpdateDeviceSeq(e.Device, e.Seq); err != nil {
				c.log.Warn().Err(err).Msg("update device seq failed")
				continue
			}
			if e.HasLocator {
				if err := c.sl.UpdateLocator(e.Device, e.Locator); err != nil {
					c.log.Warn().Err(err).Msg("update locator failed")
				}
			}
			if _, err := c.sl.RememberState(); err != nil {
				c.log.Warn().Err(err).Msg("remember state failed")
			}
			if c.onState != nil {
				c.onState(e.Device, e.Seq, e.OldSeq, e.HasOldSeq, e.Locator)
			}
		case StateDelete:
			// Peer deregistration is a deferred design question (spec §3, §4.F):
			// logged but otherwise a no-op.
			c.log.Debug().Str("device", e.Device.String()).Msg("ignoring DELETE sync-state entry")
		}
	}
	// A digest whose recovery is still waiting may now be known from this reply.
	c.mu.Lock()
	for digest, cancel := range c.pendingRecov {
		if _, known, err := c.sl.LookupSyncLog(digest); err == nil && known {
			cancel()
			delete(c.pendingRecov, digest)
		}
	}
	c.mu.Unlock()
	c.reschedulePeriodic()
}
