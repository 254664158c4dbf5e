// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package contentserver implements Component E: answering incoming
// requests for actions and file segments from the local action log and
// object store. Grounded on original_source/src/content-server.{h,cc}'s
// filterAndServe/serve_Action/serve_File split, and on the teacher's worker
// pool idiom (a fixed set of goroutines draining a request channel, as in
// tonimelisma-onedrive-go/internal/sync/worker.go's WorkerPool) for
// dispatch.
package contentserver

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cawka/ChronoShare/actionlog"
	"github.com/cawka/ChronoShare/chronoerr"
	"github.com/cawka/ChronoShare/name"
	"github.com/cawka/ChronoShare/objectstore"
	"github.com/cawka/ChronoShare/signing"
	"github.com/cawka/ChronoShare/synclog"
)

// DefaultWorkers is the number of goroutines draining the request queue.
const DefaultWorkers = 4

const requestQueueDepth = 256

// Publisher is the narrow transport dependency: publish signed data for
// name (spec's network-transport non-goal — content server only needs to
// push one packet per served request).
type Publisher interface {
	Publish(forwardingHint name.Name, dataName name.Name, payload []byte, sig signing.Signature) error
}

// Signer signs outbound data packets.
type Signer interface {
	Sign(hash []byte) (signing.Signature, error)
}

type request struct {
	forwardingHint name.Name
	requestName    name.Name
}

// Server is the content server for one shared folder (spec §4.E).
type Server struct {
	actions *actionlog.Log
	objects *objectstore.Store
	signer  Signer
	app     string

	publisher Publisher
	log       zerolog.Logger

	requests chan request
	wg       sync.WaitGroup
	closed   chan struct{}

	mu      sync.Mutex
	served  uint64
	missed  uint64
}

// New creates a content server and starts its worker pool.
func New(actions *actionlog.Log, objects *objectstore.Store, signer Signer, app string, publisher Publisher, workers int, log zerolog.Logger) *Server {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	s := &Server{
		actions:   actions,
		objects:   objects,
		signer:    signer,
		app:       app,
		publisher: publisher,
		log:       log.With().Str("component", "contentserver").Logger(),
		requests:  make(chan request, requestQueueDepth),
		closed:    make(chan struct{}),
	}
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	return s
}

// Close stops accepting new requests and waits for in-flight ones to drain.
func (s *Server) Close() {
	close(s.closed)
	s.wg.Wait()
}

// OnInterest is the handler registered with the transport for the prefix
// pattern `<forwarding-hint>/<device>/<app>/{action|file}/...` (spec §4.E).
// It enqueues the request for worker-pool dispatch and returns immediately;
// a missing interest is silently dropped (the fetch manager retries).
func (s *Server) OnInterest(forwardingHint name.Name, requestName name.Name) {
	select {
	case s.requests <- request{forwardingHint, requestName}:
	case <-s.closed:
	default:
		s.log.Warn().Str("name", requestName.String()).Msg("content server request queue full, dropping")
	}
}

func (s *Server) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closed:
			return
		case req := <-s.requests:
			s.serve(req)
		}
	}
}

func (s *Server) serve(req request) {
	kind, ok := classify(req.requestName)
	if !ok {
		s.log.Debug().Str("name", req.requestName.String()).Msg("unrecognized request name")
		return
	}
	var err error
	switch kind {
	case kindAction:
		err = s.serveAction(req)
	case kindFile:
		err = s.serveFile(req)
	}
	s.mu.Lock()
	if err != nil {
		s.missed++
	} else {
		s.served++
	}
	s.mu.Unlock()
	// SPEC_FULL.md §4.2: request logging, grounded on
	// original_source/server/request_handler.cpp's per-request trace lines.
	if err != nil {
		s.log.Debug().Str("name", req.requestName.String()).Err(err).Msg("request not served")
	} else {
		s.log.Debug().Str("name", req.requestName.String()).Msg("served request")
	}
}

type requestKind int

const (
	kindAction requestKind = iota
	kindFile
)

// classify locates the "action" or "file" marker component within name and
// reports the kind, mirroring content-server.cc's filterAndServeImpl switch
// on the topology-independent name's second component.
func classify(n name.Name) (requestKind, bool) {
	for _, c := range n {
		if c == "action" {
			return kindAction, true
		}
		if c == "file" {
			return kindFile, true
		}
	}
	return 0, false
}

// serveAction answers `<device>/<app>/action/<folder>/<seq>` by looking up
// the exact signed bytes and republishing them verbatim (spec §4.E: "look
// up action_data(device, seq), sign (or re-use cached signed bytes)").
func (s *Server) serveAction(req request) error {
	idx := indexOf(req.requestName, "action")
	if idx < 1 || idx+2 >= len(req.requestName) || req.requestName[idx-1] != s.app {
		return errMalformed
	}
	device := req.requestName[:idx-1]
	seq, err := parseSeq(req.requestName[len(req.requestName)-1])
	if err != nil {
		return chronoerr.Decode(err, "contentserver: malformed seq")
	}
	data, sig, err := s.actions.LookupActionData(device, seq)
	if err != nil {
		return err
	}
	return s.publisher.Publish(req.forwardingHint, req.requestName, data, sig)
}

// serveFile answers `<device>/<app>/file/<hash>/<segment>` from the object
// store's open-handle cache (spec §4.E / §4.A).
func (s *Server) serveFile(req request) error {
	idx := indexOf(req.requestName, "file")
	if idx < 1 || idx+2 >= len(req.requestName) || req.requestName[idx-1] != s.app {
		return errMalformed
	}
	device := req.requestName[:idx-1]
	hashHex := req.requestName[idx+1]
	segment, err := parseSeq(req.requestName[len(req.requestName)-1])
	if err != nil {
		return chronoerr.Decode(err, "contentserver: malformed segment index")
	}
	data, err := s.objects.Get(hashHex, device.String(), segment)
	if err != nil {
		return err
	}
	if data == nil {
		return chronoerr.NotFound("contentserver: no such segment")
	}
	var sig signing.Signature
	if s.signer != nil {
		sig, err = signing.SignBytes(s.signer, data)
		if err != nil {
			return chronoerr.Storage(err, "contentserver: sign file segment")
		}
	}
	return s.publisher.Publish(req.forwardingHint, req.requestName, data, sig)
}

// PeerLister supplies the known peer set for the state snapshot (§4.4);
// satisfied directly by *synclog.Log.
type PeerLister interface {
	Nodes() ([]synclog.Node, error)
}

// recentActionsLimit bounds how many of the most recent actions the state
// snapshot includes, mirroring state-server.cc's capped recent-actions view.
const recentActionsLimit = 50

// StateSnapshot is the JSON body a state-handler request returns
// (SPEC_FULL.md §4.4): the peer list and a bounded window of recent actions,
// the information original_source/src/state-server.cc exposes for a
// dashboard or support tool to poll.
type StateSnapshot struct {
	Peers   []PeerState     `json:"peers"`
	Actions []ActionSummary `json:"recent_actions"`
	Served  uint64          `json:"served"`
	Missed  uint64          `json:"missed"`
}

// PeerState summarizes one sync node's known state.
type PeerState struct {
	Device  string `json:"device"`
	Seq     uint64 `json:"seq"`
	Locator string `json:"locator,omitempty"`
}

// ActionSummary summarizes one action-log entry.
type ActionSummary struct {
	Device   string `json:"device"`
	Seq      uint64 `json:"seq"`
	Type     string `json:"type"`
	Filename string `json:"filename"`
}

// RegisterStateHandler builds an interest handler answering a second,
// separately registered prefix (`<hint>/<device>/<app>/state`) with a JSON
// StateSnapshot, distinct from the data-serving OnInterest handler (§4.4).
// It publishes unsigned: the snapshot is a debug/dashboard artifact, not
// action or file content a peer would verify.
func (s *Server) RegisterStateHandler(peers PeerLister) func(forwardingHint name.Name, requestName name.Name) {
	return func(forwardingHint, requestName name.Name) {
		snap, err := s.buildStateSnapshot(peers)
		if err != nil {
			s.log.Warn().Err(err).Msg("building state snapshot failed")
			return
		}
		if err := s.publisher.Publish(forwardingHint, requestName, snap, signing.Signature{}); err != nil {
			s.log.Warn().Err(err).Msg("publishing state snapshot failed")
		}
	}
}

func (s *Server) buildStateSnapshot(peers PeerLister) ([]byte, error) {
	nodes, err := peers.Nodes()
	if err != nil {
		return nil, err
	}
	snap := StateSnapshot{Peers: make([]PeerState, 0, len(nodes))}
	for _, n := range nodes {
		snap.Peers = append(snap.Peers, PeerState{
			Device:  n.DeviceName.String(),
			Seq:     n.SeqNo,
			Locator: n.Locator.String(),
		})
	}

	actions, err := s.actions.DumpActions()
	if err != nil {
		return nil, err
	}
	if len(actions) > recentActionsLimit {
		actions = actions[:recentActionsLimit] // DumpActions is newest first
	}
	snap.Actions = make([]ActionSummary, 0, len(actions))
	for _, a := range actions {
		snap.Actions = append(snap.Actions, ActionSummary{
			Device:   a.DeviceName.String(),
			Seq:      a.SeqNo,
			Type:     a.Item.Type.String(),
			Filename: a.Item.Filename,
		})
	}
	snap.Served, snap.Missed = s.Stats()
	return json.Marshal(snap)
}

// Stats reports cumulative served/missed request counts.
func (s *Server) Stats() (served, missed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served, s.missed
}

func indexOf(n name.Name, component string) int {
	for i, c := range n {
		if c == component {
			return i
		}
	}
	return -1
}

func parseSeq(s string) (uint64, error) {
	var v uint64
	if s == "" {
		return 0, errMalformed
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errMalformed
		}
		v = v*10 + uint64(r-'0')
	}
	return v, nil
}

var errMalformed = chronoerr.Decode(errors.New("contentserver: malformed request name"), "")
