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
	"sync"
	"sync/atomic"
	"time"

	"github.com/keelstream/keeper/kit"
)

type partitionState uint32

const (
	partitionActive partitionState = iota
	partitionFenced
	partitionRevoked
)

// drainTick bounds how stale the in-flight count observed by WaitDrained can be.
const drainTick = 50 * time.Millisecond

// partitionLane is the per-partition slice of tracker state. Completions for
// one partition contend only on this lane, never on a tracker-wide lock.
type partitionLane struct {
	mu          sync.Mutex
	clock       *partitionClock
	tp          TopicPartition
	inFlight    int64  // atomic
	memoryBytes int64  // atomic
	state       uint32 // atomic partitionState
	// next offset the broker is expected to deliver. Written only from the
	// poll path, guarded by mu; offsets the broker jumps over were skipped
	// (transaction markers, compacted records) and fold into the clock
	nextOffset int64
	// safe offset advanced since the last harvest. guarded by mu
	dirty bool
}

func (lane *partitionLane) loadState() partitionState {
	return partitionState(atomic.LoadUint32(&lane.state))
}

func (lane *partitionLane) storeState(state partitionState) {
	atomic.StoreUint32(&lane.state, uint32(state))
}

// MessageHandle tracks one in-flight message. The only legal use is to call
// Complete exactly once; duplicate completions are counted and dropped.
// A handle that is never completed pins the backpressure counters and will
// eventually trip the drain deadline on revocation, so it surfaces as a
// visible defect rather than a silent commit stall being the only clue.
type MessageHandle struct {
	tracker     *Tracker
	lane        *partitionLane
	tp          TopicPartition
	offset      int64
	id          uint64
	memoryBytes int
	done        uint32 // atomic; exactly-once latch
}

func (h *MessageHandle) TopicPartition() TopicPartition {
	return h.tp
}

func (h *MessageHandle) Offset() int64 {
	return h.offset
}

// MessageId is unique per tracked message within one Tracker.
func (h *MessageHandle) MessageId() uint64 {
	return h.id
}

// Complete reports the processing outcome for this message and releases its
// backpressure accounting. Safe to call from any goroutine.
func (h *MessageHandle) Complete(result CompletionResult) {
	if !atomic.CompareAndSwapUint32(&h.done, 0, 1) {
		atomic.AddInt64(&h.tracker.duplicateCompletions, 1)
		return
	}
	t := h.tracker
	commitable := true
	if result.Failed() {
		atomic.AddInt64(&t.failedCompletions, 1)
		commitable = t.treatFailureAsCommitable
		log.Warnf("message processing failed for %+v, offset: %d, reason: %s", h.tp, h.offset, result.Reason())
	}
	lane := h.lane
	if commitable {
		lane.mu.Lock()
		if _, moved := lane.clock.advance(h.offset); moved {
			lane.dirty = true
		}
		lane.mu.Unlock()
	}
	h.release()
}

// discard releases the accounting for a handle whose message will never be
// dispatched because its partition was revoked first. Not a completion: no
// result is recorded and the partition clock does not move.
func (h *MessageHandle) discard() {
	if !atomic.CompareAndSwapUint32(&h.done, 0, 1) {
		return
	}
	h.release()
}

func (h *MessageHandle) release() {
	lane := h.lane
	atomic.AddInt64(&lane.inFlight, -1)
	atomic.AddInt64(&lane.memoryBytes, -int64(h.memoryBytes))
	atomic.AddInt64(&h.tracker.inFlight, -1)
	atomic.AddInt64(&h.tracker.memoryBytes, -int64(h.memoryBytes))
}

/*
Tracker follows every message from poll to completion and derives, per
partition, the highest offset that is safe to commit. It is the hinge between
the poll loop, the Processor goroutines and the rebalance callbacks:

  - the poll loop calls TrackMessage/IsActive,
  - Processor goroutines call MessageHandle.Complete in any order,
  - the commit loop harvests SafeCommitOffsets,
  - revocation runs Fence -> WaitDrained -> FinalizeRevoke.

All methods are safe for concurrent use.
*/
type Tracker struct {
	mu    sync.RWMutex
	lanes map[TopicPartition]*partitionLane

	inFlight             int64  // atomic
	memoryBytes          int64  // atomic
	messageSeq           uint64 // atomic
	failedCompletions    int64  // atomic
	duplicateCompletions int64  // atomic

	treatFailureAsCommitable bool
}

func NewTracker(treatFailureAsCommitable bool) *Tracker {
	return &Tracker{
		lanes:                    make(map[TopicPartition]*partitionLane),
		treatFailureAsCommitable: treatFailureAsCommitable,
	}
}

func (t *Tracker) lane(tp TopicPartition) *partitionLane {
	t.mu.RLock()
	lane := t.lanes[tp]
	t.mu.RUnlock()
	return lane
}

// MarkActive opens (or re-opens) a lane for tp. The clock is bootstrapped so
// that the first completion at startOffset triggers the contiguous advance;
// pass the seek position, not the last committed offset. A negative
// startOffset means the seek position is not known yet (no checkpoint, broker
// decides); the lane then folds everything below the first delivered offset.
func (t *Tracker) MarkActive(tp TopicPartition, startOffset int64) {
	startOffset = kit.Max(startOffset, 0)
	lane := &partitionLane{
		clock:      newPartitionClock(startOffset),
		tp:         tp,
		nextOffset: startOffset,
	}
	lane.storeState(partitionActive)
	t.mu.Lock()
	t.lanes[tp] = lane
	t.mu.Unlock()
	log.Debugf("tracker lane active for %+v, startOffset: %d", tp, startOffset)
}

// IsActive is the hot-path check made for every polled message. One map read
// under RLock plus one atomic load.
func (t *Tracker) IsActive(tp TopicPartition) bool {
	lane := t.lane(tp)
	return lane != nil && lane.loadState() == partitionActive
}

// TrackMessage registers msg and returns its handle. Returns nil if the
// partition is not active (fenced, revoked or never assigned); the caller must
// discard the message without committing.
func (t *Tracker) TrackMessage(msg IncomingMessage) *MessageHandle {
	tp := msg.TopicPartition()
	lane := t.lane(tp)
	if lane == nil || lane.loadState() != partitionActive {
		return nil
	}
	lane.mu.Lock()
	if off := msg.Offset(); off >= lane.nextOffset {
		if off > lane.nextOffset && lane.clock.skip(lane.nextOffset, off-1) {
			lane.dirty = true
		}
		lane.nextOffset = off + 1
	}
	lane.mu.Unlock()
	size := msg.MemoryBytes()
	h := &MessageHandle{
		tracker:     t,
		lane:        lane,
		tp:          tp,
		offset:      msg.Offset(),
		id:          atomic.AddUint64(&t.messageSeq, 1),
		memoryBytes: size,
	}
	atomic.AddInt64(&lane.inFlight, 1)
	atomic.AddInt64(&lane.memoryBytes, int64(size))
	atomic.AddInt64(&t.inFlight, 1)
	atomic.AddInt64(&t.memoryBytes, int64(size))
	return h
}

// InFlight is the count of handles issued and not yet completed, across all partitions.
func (t *Tracker) InFlight() int64 {
	return atomic.LoadInt64(&t.inFlight)
}

// MemoryBytes is the approximate memory held by in-flight messages, across all partitions.
func (t *Tracker) MemoryBytes() int64 {
	return atomic.LoadInt64(&t.memoryBytes)
}

func (t *Tracker) InFlightFor(tp TopicPartition) int64 {
	if lane := t.lane(tp); lane != nil {
		return atomic.LoadInt64(&lane.inFlight)
	}
	return 0
}

func (t *Tracker) FailedCompletions() int64 {
	return atomic.LoadInt64(&t.failedCompletions)
}

func (t *Tracker) DuplicateCompletions() int64 {
	return atomic.LoadInt64(&t.duplicateCompletions)
}

// SafeOffset returns the current safe-commit offset for tp, or -1 if the
// partition has no lane.
func (t *Tracker) SafeOffset(tp TopicPartition) int64 {
	lane := t.lane(tp)
	if lane == nil {
		return -1
	}
	lane.mu.Lock()
	defer lane.mu.Unlock()
	return lane.clock.safeOffset()
}

// SafeCommitOffsets harvests the safe-commit offset of every partition whose
// offset advanced since the previous harvest. The caller commits offset+1 to
// the broker. Offsets returned here will not be returned again until they move.
func (t *Tracker) SafeCommitOffsets() map[TopicPartition]int64 {
	t.mu.RLock()
	lanes := kit.MapValuesToSlice(t.lanes)
	t.mu.RUnlock()
	offsets := make(map[TopicPartition]int64)
	for _, lane := range lanes {
		lane.mu.Lock()
		if lane.dirty {
			lane.dirty = false
			offsets[lane.tp] = lane.clock.safeOffset()
		}
		lane.mu.Unlock()
	}
	return offsets
}

// Fence stops tps from accepting new messages, without waiting for in-flight
// completions. Returns immediately; after Fence, IsActive reports false and
// TrackMessage returns nil for these partitions.
func (t *Tracker) Fence(tps []TopicPartition) {
	for _, tp := range tps {
		if lane := t.lane(tp); lane != nil {
			lane.storeState(partitionFenced)
		}
	}
}

// WaitDrained blocks until every named partition has zero in-flight messages,
// the deadline elapses, or rs halts, polling at drainTick cadence. It returns
// the safe-commit offsets achieved for the named partitions; on deadline the
// offsets reflect whatever completed in time, and uncompleted messages will be
// re-delivered to the partition's next owner.
func (t *Tracker) WaitDrained(rs kit.RunStatus, tps []TopicPartition, deadline time.Duration) map[TopicPartition]int64 {
	expiry := time.Now().Add(deadline)
	for t.inFlightAny(tps) {
		remaining := time.Until(expiry)
		if remaining <= 0 {
			log.Warnf("drain deadline (%v) exceeded for %v, proceeding with achieved offsets", deadline, tps)
			break
		}
		if !rs.Running() {
			break
		}
		timer := time.NewTimer(kit.Min(remaining, drainTick))
		select {
		case <-rs.Done():
		case <-timer.C:
		}
		timer.Stop()
	}
	return t.achievedOffsets(tps)
}

func (t *Tracker) inFlightAny(tps []TopicPartition) bool {
	for _, tp := range tps {
		if lane := t.lane(tp); lane != nil && atomic.LoadInt64(&lane.inFlight) > 0 {
			return true
		}
	}
	return false
}

// achievedOffsets reads the safe offset for each named partition and marks it
// harvested, since the caller is about to commit it synchronously.
func (t *Tracker) achievedOffsets(tps []TopicPartition) map[TopicPartition]int64 {
	offsets := make(map[TopicPartition]int64, len(tps))
	for _, tp := range tps {
		lane := t.lane(tp)
		if lane == nil {
			continue
		}
		lane.mu.Lock()
		lane.dirty = false
		offsets[tp] = lane.clock.safeOffset()
		lane.mu.Unlock()
	}
	return offsets
}

// FinalizeRevoke drops the lanes for tps. Any straggler handle that completes
// after this point still releases its backpressure accounting, but its offset
// is no longer observable. A subsequent MarkActive starts the partition fresh.
func (t *Tracker) FinalizeRevoke(tps []TopicPartition) {
	t.mu.Lock()
	for _, tp := range tps {
		if lane, ok := t.lanes[tp]; ok {
			lane.storeState(partitionRevoked)
			delete(t.lanes, tp)
		}
	}
	t.mu.Unlock()
}

// ActivePartitions lists partitions currently holding a lane in the active state.
func (t *Tracker) ActivePartitions() []TopicPartition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tps := make([]TopicPartition, 0, len(t.lanes))
	for tp, lane := range t.lanes {
		if lane.loadState() == partitionActive {
			tps = append(tps, tp)
		}
	}
	return tps
}
