// Copyright 2023 Keelstream, Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package keeper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/keelstream/keeper/checkpoint"
	"github.com/keelstream/keeper/kit"
)

// liveStoreDirName is the directory under a partition's local directory that
// holds the open store. Checkpoint attempt directories are 20-digit
// timestamps, so the local sweeper can never match this name.
const liveStoreDirName = "store"

// partitionStore is the per-partition unit managed by storeManager: the open
// store, the last published manifest and the warm-up outcome. Fields other
// than manifest are written once by the warm-up goroutine; ready is closed
// when they are settled.
type partitionStore[T checkpoint.Store] struct {
	tp TopicPartition
	// partition scoped; halting it cancels any import or upload in flight
	rs     kit.RunStatus
	ready  chan struct{}
	store  T
	opened bool
	// last applied consumer offset recovered from the imported manifest, or
	// -1 when starting empty (the broker decides the seek position)
	startOffset int64
	err         error

	// serializes checkpoint attempts and guards manifest
	checkpointMu sync.Mutex
	manifest     *checkpoint.Manifest
}

// storeManager owns the stores for every assigned partition: recovery on
// assignment, periodic checkpoints while owned and teardown on revocation.
type storeManager[T checkpoint.Store] struct {
	mu         sync.Mutex
	partitions map[TopicPartition]*partitionStore[T]

	factory            checkpoint.Factory[T]
	importer           *checkpoint.Importer
	uploader           *checkpoint.Uploader
	config             CheckpointConfig
	groupId            string
	importErrorHandler ImportErrorHandler
	emit               func(Metric)
	// invoked whenever a partition's local store dir is known to match a
	// published checkpoint. nil when nobody cares
	onWarm func(TopicPartition)
}

func newStoreManager[T checkpoint.Store](config ConsumerConfig, factory checkpoint.Factory[T], emit func(Metric)) *storeManager[T] {
	cp := config.Checkpoint
	return &storeManager[T]{
		partitions:         make(map[TopicPartition]*partitionStore[T]),
		factory:            factory,
		importer:           checkpoint.NewImporter(cp.ObjectStore, cp.importConfig()),
		uploader:           checkpoint.NewUploader(cp.ObjectStore, cp.uploaderConfig()),
		config:             cp,
		groupId:            config.GroupId,
		importErrorHandler: config.importErrorHandler(),
		emit:               emit,
	}
}

// beginWarming starts recovery for tp in the background and returns its
// partitionStore. A second call for a partition already warming or warm
// returns the existing entry.
func (sm *storeManager[T]) beginWarming(parent kit.RunStatus, tp TopicPartition) *partitionStore[T] {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if ps, ok := sm.partitions[tp]; ok {
		return ps
	}
	ps := &partitionStore[T]{
		tp:          tp,
		rs:          parent.Fork(),
		ready:       make(chan struct{}),
		startOffset: -1,
	}
	sm.partitions[tp] = ps
	go sm.warmUp(ps)
	return ps
}

func (sm *storeManager[T]) warmUp(ps *partitionStore[T]) {
	defer close(ps.ready)
	start := time.Now()
	liveDir := sm.liveStoreDir(ps.tp)
	attemptDir, manifest, err := sm.importer.Import(ps.rs, ps.tp.Topic, ps.tp.Partition, sm.config.localBaseDir())
	switch {
	case err == nil:
		if ps.err = relocateStoreDir(attemptDir, liveDir); ps.err != nil {
			return
		}
		ps.manifest = &manifest
		ps.startOffset = manifest.ConsumerOffset
	case errors.Is(err, checkpoint.ErrNoCheckpoint):
		log.Infof("no checkpoint found for %+v, starting empty", ps.tp)
		if ps.err = freshStoreDir(liveDir); ps.err != nil {
			return
		}
	case !ps.rs.Running():
		// revoked mid import
		ps.err = err
		return
	default:
		switch sm.importErrorHandler(ps.tp, err) {
		case CompleteAndContinue:
			if ps.err = freshStoreDir(liveDir); ps.err != nil {
				return
			}
		case FatallyExit:
			log.Errorf("checkpoint import failed for %+v, error: %v", ps.tp, err)
			panic(err)
		default:
			ps.err = err
			return
		}
	}
	store, err := sm.factory(ps.tp.Topic, ps.tp.Partition, liveDir)
	if err != nil {
		// an unopenable store is not survivable. crash fast and let the
		// orchestrator restart the process
		log.Errorf("could not open store for %+v in %s, error: %v", ps.tp, liveDir, err)
		panic(err)
	}
	ps.store = store
	ps.opened = true
	fileCount := 0
	if ps.manifest != nil {
		fileCount = len(ps.manifest.Files)
		if sm.onWarm != nil {
			sm.onWarm(ps.tp)
		}
	}
	sm.emit(Metric{
		Operation:      ImportOperation,
		Topic:          ps.tp.Topic,
		Partition:      ps.tp.Partition,
		GroupId:        sm.groupId,
		StartTime:      start,
		EndTime:        time.Now(),
		Count:          fileCount,
		PartitionCount: 1,
	})
}

func (sm *storeManager[T]) liveStoreDir(tp TopicPartition) string {
	return filepath.Join(checkpoint.LocalPartitionDir(sm.config.localBaseDir(), tp.Topic, tp.Partition), liveStoreDirName)
}

func relocateStoreDir(attemptDir, liveDir string) error {
	if err := os.RemoveAll(liveDir); err != nil {
		return fmt.Errorf("clearing live store dir %s: %w", liveDir, err)
	}
	if err := os.Rename(attemptDir, liveDir); err != nil {
		return fmt.Errorf("relocating imported checkpoint: %w", err)
	}
	return nil
}

func freshStoreDir(liveDir string) error {
	if err := os.RemoveAll(liveDir); err != nil {
		return fmt.Errorf("clearing live store dir %s: %w", liveDir, err)
	}
	if err := os.MkdirAll(liveDir, 0755); err != nil {
		return fmt.Errorf("creating store dir %s: %w", liveDir, err)
	}
	return nil
}

func (sm *storeManager[T]) get(tp TopicPartition) *partitionStore[T] {
	sm.mu.Lock()
	ps := sm.partitions[tp]
	sm.mu.Unlock()
	return ps
}

// await blocks until tp's warm-up settles or ctx is done. A non-nil error
// means the partition cannot serve: recovery failed or it was never assigned.
func (sm *storeManager[T]) await(ctx context.Context, tp TopicPartition) (*partitionStore[T], error) {
	ps := sm.get(tp)
	if ps == nil {
		return nil, fmt.Errorf("partition %+v is not assigned", tp)
	}
	select {
	case <-ps.ready:
		return ps, ps.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// warm returns tp's partitionStore only if its store is open and usable.
func (sm *storeManager[T]) warm(tp TopicPartition) (*partitionStore[T], bool) {
	ps := sm.get(tp)
	if ps == nil {
		return nil, false
	}
	select {
	case <-ps.ready:
		return ps, ps.opened
	default:
		return nil, false
	}
}

func (sm *storeManager[T]) warmPartitions() []*partitionStore[T] {
	sm.mu.Lock()
	all := kit.MapValuesToSlice(sm.partitions)
	sm.mu.Unlock()
	warm := make([]*partitionStore[T], 0, len(all))
	for _, ps := range all {
		select {
		case <-ps.ready:
			if ps.opened {
				warm = append(warm, ps)
			}
		default:
		}
	}
	return warm
}

// release tears down tp: cancels any import or upload in flight, waits for the
// warm-up goroutine to settle and closes the store.
func (sm *storeManager[T]) release(tp TopicPartition) {
	sm.mu.Lock()
	ps := sm.partitions[tp]
	delete(sm.partitions, tp)
	sm.mu.Unlock()
	if ps == nil {
		return
	}
	ps.rs.Halt()
	<-ps.ready
	if ps.opened {
		if err := ps.store.Close(); err != nil {
			log.Errorf("error closing store for %+v: %v", ps.tp, err)
		}
		ps.opened = false
	}
}

func (sm *storeManager[T]) releaseAll() {
	sm.mu.Lock()
	tps := kit.MapKeysToSlice(sm.partitions)
	sm.mu.Unlock()
	for _, tp := range tps {
		sm.release(tp)
	}
}

// checkpointPartition snapshots ps into a fresh attempt directory, plans the
// delta against the last published manifest and uploads it. With wait false
// the call is skipped when a previous attempt is still uploading (the
// interval loop must not queue up); with wait true it runs after the in-flight
// attempt finishes (the final checkpoint on shutdown). Returns the bytes
// uploaded.
func (sm *storeManager[T]) checkpointPartition(ps *partitionStore[T], consumerOffset int64, wait bool) (int64, error) {
	if wait {
		ps.checkpointMu.Lock()
	} else if !ps.checkpointMu.TryLock() {
		log.Debugf("checkpoint for %+v still uploading, skipping interval", ps.tp)
		return 0, nil
	}
	defer ps.checkpointMu.Unlock()
	if !ps.rs.Running() {
		return 0, ps.rs.Err()
	}
	if ps.manifest != nil {
		// the recorded offset never regresses across attempts
		consumerOffset = kit.Max(consumerOffset, ps.manifest.ConsumerOffset)
	}
	target := checkpoint.NewTarget(ps.tp.Topic, ps.tp.Partition, sm.config.localBaseDir())
	result, err := ps.store.Checkpoint(target.LocalAttemptDir())
	if err != nil {
		return 0, fmt.Errorf("snapshotting store for %+v: %w", ps.tp, err)
	}
	manifest, uploads, err := checkpoint.Plan(target, result, consumerOffset, ps.manifest)
	if err != nil {
		return 0, err
	}
	uploadedBytes, err := sm.uploader.Upload(ps.rs, target, manifest, uploads)
	if err != nil {
		return 0, err
	}
	ps.manifest = &manifest
	if sm.onWarm != nil {
		sm.onWarm(ps.tp)
	}
	return uploadedBytes, nil
}
