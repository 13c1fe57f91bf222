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

import "github.com/google/btree"

// offsetRange is a closed range of offsets the broker skipped over without
// delivering: transaction markers and compacted records occupy offsets that
// never reach the client.
type offsetRange struct {
	from, to int64
}

// partitionClock folds completion events for a single partition, arriving in
// arbitrary order, into the highest contiguously completed offset. The fold is
// deterministic: any permutation of the same completion set yields the same
// final offset.
//
// Not safe for concurrent use; the owning lane serializes access.
type partitionClock struct {
	// highest offset k such that every offset in (start, k] has completed.
	// -1 until the first completion when starting from offset 0.
	lastCommitted int64
	// completed offsets above the contiguous run, waiting for the gap to fill
	pending *btree.BTreeG[int64]
	// undeliverable ranges above the contiguous run, in ascending order.
	// Skips arrive from the poll path in delivery order
	skips []offsetRange
}

func newPartitionClock(startOffset int64) *partitionClock {
	return &partitionClock{
		lastCommitted: startOffset - 1,
		pending:       btree.NewOrderedG[int64](16),
	}
}

// reset re-bootstraps the clock at a new seek position. The first completion at
// `startOffset` will trigger the contiguous advance.
func (pc *partitionClock) reset(startOffset int64) {
	pc.lastCommitted = startOffset - 1
	pc.pending.Clear(false)
	pc.skips = pc.skips[:0]
}

// advance applies one completion. Returns the (possibly unchanged) safe-commit
// offset and whether it moved. Offsets at or below the current safe offset are
// dropped as duplicates, so replaying a completion is a no-op.
func (pc *partitionClock) advance(offset int64) (int64, bool) {
	if offset <= pc.lastCommitted {
		return pc.lastCommitted, false
	}
	if offset != pc.lastCommitted+1 {
		pc.pending.ReplaceOrInsert(offset)
		return pc.lastCommitted, false
	}
	pc.lastCommitted = offset
	pc.collapse()
	return pc.lastCommitted, true
}

// skip marks the closed range [from, to] as undeliverable. The broker moved
// past those offsets without handing them to us, so they count as complete for
// commit purposes. Returns whether the safe-commit offset moved.
func (pc *partitionClock) skip(from, to int64) bool {
	if to < from || to <= pc.lastCommitted {
		return false
	}
	if from <= pc.lastCommitted+1 {
		pc.lastCommitted = to
		pc.collapse()
		return true
	}
	pc.skips = append(pc.skips, offsetRange{from: from, to: to})
	return false
}

// collapse folds pending completions and skipped ranges that have become
// contiguous with the committed run.
func (pc *partitionClock) collapse() {
	for {
		if len(pc.skips) > 0 {
			if front := pc.skips[0]; front.to <= pc.lastCommitted {
				pc.skips = pc.skips[1:]
				continue
			} else if front.from <= pc.lastCommitted+1 {
				pc.lastCommitted = front.to
				pc.skips = pc.skips[1:]
				continue
			}
		}
		next, ok := pc.pending.Min()
		if !ok {
			return
		}
		if next <= pc.lastCommitted {
			pc.pending.DeleteMin()
			continue
		}
		if next != pc.lastCommitted+1 {
			return
		}
		pc.pending.DeleteMin()
		pc.lastCommitted = next
	}
}

// safeOffset is the current safe-commit offset: the broker may be advanced to
// safeOffset+1 without risk of skipping an uncompleted message.
func (pc *partitionClock) safeOffset() int64 {
	return pc.lastCommitted
}

// gapCount reports completions buffered above the contiguous run.
func (pc *partitionClock) gapCount() int {
	return pc.pending.Len()
}
