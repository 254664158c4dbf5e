// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package contentserver

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cawka/ChronoShare/actionlog"
	"github.com/cawka/ChronoShare/name"
	"github.com/cawka/ChronoShare/objectstore"
	"github.com/cawka/ChronoShare/signing"
	"github.com/cawka/ChronoShare/synclog"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedPacket
}

type publishedPacket struct {
	hint, name name.Name
	payload    []byte
}

func (p *fakePublisher) Publish(hint, n name.Name, payload []byte, sig signing.Signature) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, publishedPacket{hint, n, payload})
	return nil
}

func (p *fakePublisher) snapshot() []publishedPacket {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]publishedPacket, len(p.published))
	copy(out, p.published)
	return out
}

func newTestServer(t *testing.T) (*Server, *actionlog.Log, *objectstore.Store, *fakePublisher) {
	t.Helper()
	dir := t.TempDir()
	self := name.Parse("/device1")

	sl, err := synclog.Open(filepath.Join(dir, "sync.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { sl.Close() })

	signer, err := signing.GenerateClearSigner()
	require.NoError(t, err)

	al, err := actionlog.Open(filepath.Join(dir, "action.db"), self, "chronoshare", sl, signer, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { al.Close() })

	objs, err := objectstore.New(dir, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { objs.Close() })

	pub := &fakePublisher{}
	srv := New(al, objs, signer, "chronoshare", pub, 2, zerolog.Nop())
	t.Cleanup(srv.Close)
	return srv, al, objs, pub
}

func waitFor(t *testing.T, cond func() bool) {
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

func TestServeActionRepublishesSignedBytes(t *testing.T) {
	srv, al, _, pub := newTestServer(t)

	var hash [32]byte
	copy(hash[:], []byte("deterministictestfilehash-123456"))
	action, err := al.AddLocalUpdate("docs/a.txt", hash, 1000, 0644, 3)
	require.NoError(t, err)

	reqName := name.Parse("/device1/chronoshare/action/docs/1")
	srv.OnInterest(name.Parse("/locator"), reqName)

	waitFor(t, func() bool { return len(pub.snapshot()) == 1 })
	packets := pub.snapshot()
	assert.Equal(t, action.Content, packets[0].payload)

	served, missed := srv.Stats()
	assert.Equal(t, uint64(1), served)
	assert.Equal(t, uint64(0), missed)
}

func TestServeFileFromObjectStore(t *testing.T) {
	srv, _, objs, pub := newTestServer(t)

	require.NoError(t, objs.Put("abcd1234", "/device1", 0, []byte("segment-bytes")))

	reqName := name.Parse("/device1/chronoshare/file/abcd1234/0")
	srv.OnInterest(nil, reqName)

	waitFor(t, func() bool { return len(pub.snapshot()) == 1 })
	packets := pub.snapshot()
	assert.Equal(t, []byte("segment-bytes"), packets[0].payload)
}

func TestServeMissingSegmentIsSilentlyDropped(t *testing.T) {
	srv, _, _, pub := newTestServer(t)

	reqName := name.Parse("/device1/chronoshare/file/deadbeef/0")
	srv.OnInterest(nil, reqName)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, pub.snapshot())
	_, missed := srv.Stats()
	assert.Equal(t, uint64(1), missed)
}
