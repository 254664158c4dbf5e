// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cawka/ChronoShare/actionlog"
	"github.com/cawka/ChronoShare/config"
	"github.com/cawka/ChronoShare/contentserver"
	"github.com/cawka/ChronoShare/fetch"
	"github.com/cawka/ChronoShare/materializer"
	"github.com/cawka/ChronoShare/name"
	"github.com/cawka/ChronoShare/objectstore"
	"github.com/cawka/ChronoShare/signing"
	"github.com/cawka/ChronoShare/synccore"
	"github.com/cawka/ChronoShare/synclog"
	"github.com/cawka/ChronoShare/transport"
	"github.com/cawka/ChronoShare/watcher"
)

func newRunCmd() *cobra.Command {
	var sharedFolder string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon for a shared folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), sharedFolder)
		},
	}
	cmd.Flags().StringVar(&sharedFolder, "shared-folder", "", "absolute path to the folder to sync (overrides the config file's shared_folder)")
	return cmd
}

func loadRunConfig(sharedFolderFlag string) (*config.Config, error) {
	path := flagConfigPath
	if path == "" && sharedFolderFlag != "" {
		path = filepath.Join(sharedFolderFlag, config.MetaDir, "chronosync.toml")
	}

	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadOrDefault(path)
	} else {
		cfg = config.DefaultConfig()
	}
	if err != nil {
		return nil, err
	}
	if sharedFolderFlag != "" {
		cfg.SharedFolder = sharedFolderFlag
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// daemon bundles the live components for Close/shutdown ordering.
type daemon struct {
	sl       *synclog.Log
	al       *actionlog.Log
	objects  *objectstore.Store
	watcher  *watcher.Watcher
	fetchMgr *fetch.Manager
	content  *contentserver.Server
	core     *synccore.Core
	bus      *transport.Bus

	unregister func()
}

func (d *daemon) Close() {
	d.unregister()
	d.watcher.Close()
	d.core.Close()
	d.content.Close()
	d.fetchMgr.Close()
	d.objects.Close()
	d.al.Close()
	d.sl.Close()
	d.bus.Close()
}

func runDaemon(ctx context.Context, sharedFolderFlag string) error {
	cfg, err := loadRunConfig(sharedFolderFlag)
	if err != nil {
		return err
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("device", cfg.DeviceName).Logger()

	metaDir := filepath.Join(cfg.SharedFolder, config.MetaDir)
	if err := os.MkdirAll(metaDir, 0o700); err != nil {
		return fmt.Errorf("chronosync: creating %s: %w", metaDir, err)
	}

	self := name.Parse(cfg.DeviceName)
	signer, err := loadOrCreateSigner(metaDir)
	if err != nil {
		return err
	}

	d, err := buildDaemon(cfg, metaDir, self, signer, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	logger.Info().Str("shared_folder", cfg.SharedFolder).Msg("chronosyncd started")

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	logger.Info().Msg("chronosyncd shutting down")
	return nil
}

func buildDaemon(cfg *config.Config, metaDir string, self name.Name, signer *signing.ClearSigner, logger zerolog.Logger) (*daemon, error) {
	sl, err := synclog.Open(filepath.Join(metaDir, "sync.db"), logger.With().Str("component", "synclog").Logger())
	if err != nil {
		return nil, err
	}

	al, err := actionlog.Open(filepath.Join(metaDir, "actions.db"), self, cfg.App, sl, signer, logger.With().Str("component", "actionlog").Logger())
	if err != nil {
		sl.Close()
		return nil, err
	}

	objects, err := objectstore.New(metaDir, logger.With().Str("component", "objectstore").Logger())
	if err != nil {
		al.Close()
		sl.Close()
		return nil, err
	}

	bus := transport.NewBus(2 * time.Second)

	mat := materializer.New(cfg.SharedFolder, objects, al, logger.With().Str("component", "materializer").Logger())
	al.OnAdded(mat.OnFileAddedOrChanged)
	al.OnRemoved(mat.OnFileRemoved)

	mapping := func(device name.Name) name.Name {
		loc, ok, lerr := sl.LookupLocator(device)
		if lerr != nil || !ok {
			return nil
		}
		return loc
	}

	folder := filepath.Base(cfg.SharedFolder)

	fetchMgr, err := fetch.New(bus, mapping, name.Parse(cfg.BroadcastHint), uint32(cfg.Fetch.Parallelism), filepath.Join(metaDir, "fetch.db"), logger.With().Str("component", "fetch").Logger())
	if err != nil {
		objects.Close()
		al.Close()
		sl.Close()
		return nil, err
	}

	// onFetchSegment is the single dispatcher used both for fetches enqueued
	// below and for tasks the fetch manager re-enqueues from its durable
	// store on restart (fetch.Manager.SetDefaultCallbacks applies to those
	// resumed tasks, which carry no closure of their own). It tells an
	// action segment from a file segment by the wire name's marker
	// component, the same test contentserver.classify uses server-side.
	onFetchSegment := func(device name.Name, baseName name.Name, seq uint64, data []byte) {
		if markerIndex(baseName, "file") >= 0 {
			hashHex := baseName[len(baseName)-1]
			if err := objects.Put(hashHex, device.String(), seq, data); err != nil {
				logger.Warn().Err(err).Str("hash", hashHex).Uint64("seq", seq).Msg("storing fetched file segment failed")
			}
			return
		}
		action, aerr := al.AddRemote(device, seq, data, signing.Signature{})
		if aerr != nil {
			logger.Warn().Err(aerr).Str("device", device.String()).Uint64("seq", seq).Msg("dropping unreadable remote action")
			return
		}
		enqueueFileFetchIfNeeded(fetchMgr, objects, cfg.App, action, onFetchSegment, mat)
	}
	onFetchFinish := func(device name.Name, baseName name.Name) {}
	fetchMgr.SetDefaultCallbacks(onFetchSegment, onFetchFinish)

	onState := func(device name.Name, newSeq uint64, oldSeq uint64, hasOldSeq bool, locator name.Name) {
		if len(locator) > 0 {
			_ = sl.UpdateLocator(device, locator)
		}
		min := uint64(1)
		if hasOldSeq {
			min = oldSeq + 1
		}
		if min > newSeq {
			return
		}
		base := device.Append(cfg.App, "action", folder)
		fetchMgr.Enqueue(device, base, onFetchSegment, onFetchFinish, min, newSeq, fetch.PriorityHigh)
	}

	core := synccore.New(sl, self, name.Parse(cfg.SyncPrefix), cfg.SyncInterestInterval(), transport.NoHintRequester{Bus: bus}, bus, signer, onState, logger.With().Str("component", "synccore").Logger())

	content := contentserver.New(al, objects, signer, cfg.App, transport.HintedPublisher{Bus: bus}, contentserver.DefaultWorkers, logger.With().Str("component", "contentserver").Logger())
	unregisterData := bus.RegisterPrefix(self, content.OnInterest)
	unregisterState := bus.RegisterPrefix(self.Append(cfg.App, "state"), content.RegisterStateHandler(sl))
	unregister := func() {
		unregisterData()
		unregisterState()
	}

	handler := &localChangeHandler{
		root:        cfg.SharedFolder,
		segmentSize: cfg.Fetch.SegmentSize,
		self:        self,
		objects:     objects,
		actions:     al,
		sync:        core,
		log:         logger.With().Str("component", "watcher").Logger(),
	}
	w, err := watcher.New(cfg.SharedFolder, config.MetaDir, handler, logger.With().Str("component", "watcher").Logger())
	if err != nil {
		unregister()
		core.Close()
		content.Close()
		fetchMgr.Close()
		objects.Close()
		al.Close()
		sl.Close()
		bus.Close()
		return nil, err
	}

	return &daemon{
		sl:         sl,
		al:         al,
		objects:    objects,
		watcher:    w,
		fetchMgr:   fetchMgr,
		content:    content,
		core:       core,
		bus:        bus,
		unregister: unregister,
	}, nil
}

// markerIndex locates a wire-name marker component ("action" or "file"),
// mirroring contentserver.classify's scan so fetch-side dispatch and
// serve-side dispatch agree on name shape.
func markerIndex(n name.Name, marker string) int {
	for i, c := range n {
		if c == marker {
			return i
		}
	}
	return -1
}

// enqueueFileFetchIfNeeded schedules retrieval of the file content an
// applied remote update action references, unless the object store already
// holds every segment (spec §4.C "on applying an UPDATE action whose file
// is incomplete, request its segments").
func enqueueFileFetchIfNeeded(fetchMgr *fetch.Manager, objects *objectstore.Store, app string, action *actionlog.Action, segmentCB fetch.SegmentCallback, mat *materializer.Materializer) {
	item := action.Item
	if item.Type != actionlog.ActionUpdate || !item.HasFileHash || item.SegmentCount == 0 {
		return
	}
	hashHex := objectstore.HashHex(item.FileHash)
	if complete, err := objects.IsComplete(hashHex, action.DeviceName.String(), item.SegmentCount); err == nil && complete {
		mat.OnFileAddedOrChanged(item.Filename, action.DeviceName, item.SeqNo, item.FileHash, item.Mtime, item.Mode, item.SegmentCount)
		return
	}
	fileBase := action.DeviceName.Append(app, "file", hashHex)
	finishCB := func(name.Name, name.Name) {
		mat.OnFileAddedOrChanged(item.Filename, action.DeviceName, item.SeqNo, item.FileHash, item.Mtime, item.Mode, item.SegmentCount)
	}
	fetchMgr.Enqueue(action.DeviceName, fileBase, segmentCB, finishCB, 0, item.SegmentCount-1, fetch.PriorityNormal)
}
