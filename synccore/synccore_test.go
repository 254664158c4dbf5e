// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package synccore

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cawka/ChronoShare/name"
	"github.com/cawka/ChronoShare/signing"
	"github.com/cawka/ChronoShare/synclog"
)

type fakeRequester struct {
	mu       sync.Mutex
	replies  map[string][]byte // interest name -> reply payload, keyed by String()
	received []name.Name
}

func (r *fakeRequester) Express(interest name.Name, onData func([]byte), onTimeout func()) func() {
	r.mu.Lock()
	r.received = append(r.received, interest)
	reply, ok := r.replies[interest.String()]
	r.mu.Unlock()
	if ok {
		go onData(reply)
	} else {
		go onTimeout()
	}
	return func() {}
}

func (r *fakeRequester) expressedNames() []name.Name {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]name.Name, len(r.received))
	copy(out, r.received)
	return out
}

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedState
}

type publishedState struct {
	name    name.Name
	payload []byte
}

func (p *fakePublisher) Publish(dataName name.Name, payload []byte, sig signing.Signature) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, publishedState{dataName, payload})
	return nil
}

func (p *fakePublisher) snapshot() []publishedState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]publishedState, len(p.published))
	copy(out, p.published)
	return out
}

func newTestCore(t *testing.T, req *fakeRequester, pub *fakePublisher, onState StateMsgCallback) (*Core, *synclog.Log) {
	t.Helper()
	dir := t.TempDir()
	sl, err := synclog.Open(filepath.Join(dir, "sync.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { sl.Close() })

	signer, err := signing.GenerateClearSigner()
	require.NoError(t, err)

	self := name.Parse("/device1")
	syncPrefix := name.Parse("/chronoshare/docs/sync")
	c := New(sl, self, syncPrefix, time.Hour, req, pub, signer, onState, zerolog.Nop())
	t.Cleanup(c.Close)
	return c, sl
}

func waitForCond(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestUpdateLocalStatePublishesDiffFromOldDigest(t *testing.T) {
	pub := &fakePublisher{}
	c, _ := newTestCore(t, &fakeRequester{}, pub, nil)

	require.NoError(t, c.UpdateLocalState(1))

	packets := pub.snapshot()
	require.Len(t, packets, 1)
	assert.Equal(t, synclog.OriginDigestHex, packets[0].name[len(packets[0].name)-1])

	msg, err := DecodeStateMessage(packets[0].payload)
	require.NoError(t, err)
	require.Len(t, msg.Entries, 1)
	assert.Equal(t, uint64(1), msg.Entries[0].Seq)
	assert.False(t, msg.Entries[0].HasOldSeq)
}

func TestOnSyncInterestIgnoresMatchingDigest(t *testing.T) {
	pub := &fakePublisher{}
	c, sl := newTestCore(t, &fakeRequester{}, pub, nil)

	require.NoError(t, c.UpdateLocalState(1))
	current, err := sl.RememberState()
	require.NoError(t, err)

	c.OnSyncInterest(current)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, pub.snapshot(), 1) // only the UpdateLocalState publish, no extra reply
}

func TestOnSyncInterestKnownDigestPublishesDiff(t *testing.T) {
	pub := &fakePublisher{}
	c, _ := newTestCore(t, &fakeRequester{}, pub, nil)

	require.NoError(t, c.UpdateLocalState(1))
	pub.mu.Lock()
	pub.published = nil
	pub.mu.Unlock()

	c.OnSyncInterest(synclog.OriginDigestHex)

	waitForCond(t, func() bool { return len(pub.snapshot()) == 1 })
}

func TestOnSyncInterestUnknownDigestSchedulesRecovery(t *testing.T) {
	req := &fakeRequester{replies: map[string][]byte{}}
	c, _ := newTestCore(t, req, &fakePublisher{}, nil)

	c.OnSyncInterest("deadbeefdeadbeefdeadbeefdeadbeef")

	waitForCond(t, func() bool { return len(req.expressedNames()) == 1 })
	got := req.expressedNames()[0]
	assert.Contains(t, got, "RECOVER")
}

func TestCancelRecoveryPreventsExpression(t *testing.T) {
	req := &fakeRequester{replies: map[string][]byte{}}
	c, _ := newTestCore(t, req, &fakePublisher{}, nil)

	c.OnSyncInterest("cafefeedcafefeedcafefeedcafefeed")
	c.CancelRecovery("cafefeedcafefeedcafefeedcafefeed")

	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, req.expressedNames())
}

func TestOnSyncDataInvokesStateCallbackForUpdates(t *testing.T) {
	var mu sync.Mutex
	var seen []name.Name
	onState := func(device name.Name, newSeq, oldSeq uint64, hasOld bool, locator name.Name) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, device)
	}
	c, _ := newTestCore(t, &fakeRequester{}, &fakePublisher{}, onState)

	msg := &StateMessage{Entries: []StateEntry{
		{Device: name.Parse("/device2"), Type: StateUpdate, Seq: 5},
	}}
	payload, err := msg.Encode()
	require.NoError(t, err)

	c.onSyncData(payload)

	waitForCond(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})
}

func TestOnRecoveryInterestUnknownDigestIsIgnored(t *testing.T) {
	pub := &fakePublisher{}
	c, _ := newTestCore(t, &fakeRequester{}, pub, nil)

	c.OnRecoveryInterest("0000000000000000000000000000000000000000000000000000000000000000")
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, pub.snapshot())
}
