// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transport defines the network-transport collaborator spec.md §1
// treats as a non-goal external dependency ("name-based publish/subscribe
// primitives... register prefix -> incoming interest callback, express
// interest -> data or timeout, publish data") and provides an in-memory
// implementation of it. Production deployments replace Bus with a real
// content-centric-networking face; `chronosyncd run` uses Bus as its only
// face, and this package's own tests exercise it, the same role
// SPEC_FULL.md's module map describes.
package transport

import (
	"sync"
	"time"

	"github.com/cawka/ChronoShare/name"
	"github.com/cawka/ChronoShare/signing"
)

// DefaultTimeout is used when a caller doesn't provide an explicit interest
// lifetime (spec §5 "every outstanding network request carries an interest
// lifetime").
const DefaultTimeout = 2 * time.Second

// Handler answers an incoming interest registered under a prefix. Handlers
// must not block (spec §5 "each callback must not block"); Bus invokes them
// on their own goroutine so a slow handler cannot stall other traffic.
type Handler func(forwardingHint name.Name, fullName name.Name)

type registration struct {
	id      uint64
	prefix  name.Name
	handler Handler
}

type waiter struct {
	onData    func(data []byte)
	onTimeout func()
	timer     *time.Timer
	fired     bool
}

// Bus is a single-process, name-based publish/subscribe broker standing in
// for the real transport (spec §1). Every registered Face shares the same
// namespace, so an Express call from one device is answered by whichever
// other device (or the same one) has registered a matching prefix -- the
// same topology a real content-centric network provides via routing.
type Bus struct {
	timeout time.Duration

	mu      sync.Mutex
	nextReg uint64
	regs    []registration
	pending map[string][]*waiter
	closed  bool
}

// NewBus creates an empty Bus. timeout is the default interest lifetime used
// when Express's caller doesn't want to manage timers itself; zero selects
// DefaultTimeout.
func NewBus(timeout time.Duration) *Bus {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bus{
		timeout: timeout,
		pending: make(map[string][]*waiter),
	}
}

// RegisterPrefix registers handler to answer every interest whose name has
// prefix as a leading subsequence (spec §6 registered prefix pattern). The
// returned func unregisters it.
func (b *Bus) RegisterPrefix(prefix name.Name, handler Handler) func() {
	b.mu.Lock()
	b.nextReg++
	id := b.nextReg
	b.regs = append(b.regs, registration{id: id, prefix: prefix, handler: handler})
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		out := b.regs[:0]
		for _, r := range b.regs {
			if r.id == id {
				continue
			}
			out = append(out, r)
		}
		b.regs = out
	}
}

// Express sends an interest for name under forwardingHint (nil means no
// hint: spec's "the empty hint means 'no hint'"), invoking exactly one of
// onData or onTimeout (spec §4.D/§4.F Requester contract). The returned
// cancel func stops delivery to an already-fired or still-pending request.
func (b *Bus) Express(forwardingHint name.Name, interest name.Name, onData func(data []byte), onTimeout func()) (cancel func()) {
	key := interest.String()
	w := &waiter{onData: onData, onTimeout: onTimeout}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		if onTimeout != nil {
			go onTimeout()
		}
		return func() {}
	}
	b.pending[key] = append(b.pending[key], w)
	b.mu.Unlock()

	w.timer = time.AfterFunc(b.timeout, func() { b.fireTimeout(key, w) })

	go b.dispatch(forwardingHint, interest)

	return func() { b.cancel(key, w) }
}

func (b *Bus) dispatch(forwardingHint name.Name, interest name.Name) {
	b.mu.Lock()
	var matched []Handler
	for _, r := range b.regs {
		if interest.HasPrefix(r.prefix) {
			matched = append(matched, r.handler)
		}
	}
	b.mu.Unlock()
	for _, h := range matched {
		h(forwardingHint, interest)
	}
}

// Publish answers any interests currently pending for dataName (spec §6
// "Data name echoes the interest"). sig is accepted but not delivered to
// onData -- no consumer in this system verifies inbound signatures (spec's
// Open Question on signature verification), so Bus doesn't carry it further
// than acknowledging the publisher signed the packet.
func (b *Bus) Publish(dataName name.Name, payload []byte, sig signing.Signature) error {
	key := dataName.String()
	b.mu.Lock()
	waiters := b.pending[key]
	delete(b.pending, key)
	b.mu.Unlock()

	for _, w := range waiters {
		if w.timer.Stop() {
			w.fired = true
			if w.onData != nil {
				w.onData(payload)
			}
		}
		// If Stop returns false the timer already fired (or is firing) and
		// fireTimeout owns delivering onTimeout; don't double-deliver.
	}
	return nil
}

func (b *Bus) fireTimeout(key string, target *waiter) {
	b.mu.Lock()
	list := b.pending[key]
	idx := -1
	for i, w := range list {
		if w == target {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return // already delivered by Publish
	}
	list = append(list[:idx], list[idx+1:]...)
	if len(list) == 0 {
		delete(b.pending, key)
	} else {
		b.pending[key] = list
	}
	target.fired = true
	b.mu.Unlock()
	if target.onTimeout != nil {
		target.onTimeout()
	}
}

func (b *Bus) cancel(key string, target *waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if target.timer != nil {
		target.timer.Stop()
	}
	list := b.pending[key]
	for i, w := range list {
		if w == target {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.pending, key)
	} else {
		b.pending[key] = list
	}
}

// Close fails every still-pending interest with its timeout callback. A
// closed Bus rejects further Express calls the same way.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	pending := b.pending
	b.pending = make(map[string][]*waiter)
	b.mu.Unlock()
	for _, list := range pending {
		for _, w := range list {
			if w.timer.Stop() && w.onTimeout != nil {
				w.onTimeout()
			}
		}
	}
}

// NoHintRequester adapts Bus to synccore.Requester, which expresses interests
// without a forwarding hint (the sync/recovery interests are always sent
// under the broadcast sync_prefix, never via a per-device locator).
type NoHintRequester struct{ Bus *Bus }

func (r NoHintRequester) Express(interest name.Name, onData func(data []byte), onTimeout func()) (cancel func()) {
	return r.Bus.Express(nil, interest, onData, onTimeout)
}

// HintedPublisher adapts Bus to contentserver.Publisher, which carries a
// forwarding hint alongside the data name (the hint addresses routing back
// to the original requester; Bus resolves all names process-wide and so
// does not need it for delivery, but keeps the parameter to match the
// interface a real face would need).
type HintedPublisher struct{ Bus *Bus }

func (p HintedPublisher) Publish(forwardingHint name.Name, dataName name.Name, payload []byte, sig signing.Signature) error {
	return p.Bus.Publish(dataName, payload, sig)
}
