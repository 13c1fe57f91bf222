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

package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// CheckpointResult summarizes a durable on-disk snapshot of a Store.
type CheckpointResult struct {
	// Sequence is the monotonic checkpoint counter, bumped and persisted as
	// part of taking the snapshot. The snapshot itself carries the new value.
	Sequence uint64
	// ConsumerOffset is the last committed source offset recorded in the
	// store at snapshot time, or -1 if none was ever recorded.
	ConsumerOffset int64
	// ProducerOffset is the last produced downstream offset recorded in the
	// store at snapshot time, or -1 if none was ever recorded.
	ProducerOffset int64
}

// Store is the per-partition durable state surface keeper manages. One Store
// instance serves exactly one topic partition. Implementations do not need to
// be safe for concurrent mutation; keeper serializes access per partition.
type Store interface {
	// Get retrieves the value for key. found is false when the key is absent.
	Get(key []byte) (value []byte, found bool, err error)
	// Put upserts key to value.
	Put(key, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key []byte) error
	// Flush forces buffered writes down to the local disk.
	Flush() error
	// Checkpoint writes a self-contained snapshot of the store into dir,
	// bumping the checkpoint sequence first so the snapshot carries it.
	// dir must not already exist.
	Checkpoint(dir string) (CheckpointResult, error)
	// Close flushes and releases the store.
	Close() error
}

// Factory opens or creates the Store for a topic partition rooted at dir.
// When dir was just populated by an Importer, the returned store resumes from
// the imported snapshot.
type Factory[T Store] func(topic string, partition int32, dir string) (T, error)

// Keys under the reserved prefix are keeper bookkeeping and are invisible to
// application reads only by convention; they travel inside checkpoints so a
// restored store knows its own sequence and offsets.
const reservedPrefix = "\x00keeper:"

var (
	sequenceKey       = []byte(reservedPrefix + "sequence")
	consumerOffsetKey = []byte(reservedPrefix + "consumer_offset")
	producerOffsetKey = []byte(reservedPrefix + "producer_offset")

	errShortValue = errors.New("reserved value is not 8 bytes")
)

func encodeReservedUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeReservedUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errShortValue
	}
	return binary.BigEndian.Uint64(b), nil
}

func readReservedInt64(s Store, key []byte) (int64, error) {
	value, found, err := s.Get(key)
	if err != nil {
		return -1, err
	}
	if !found {
		return -1, nil
	}
	v, err := decodeReservedUint64(value)
	if err != nil {
		return -1, fmt.Errorf("invalid reserved value for %q: %w", string(key), err)
	}
	return int64(v), nil
}

// ReadConsumerOffset returns the last committed source offset recorded in s,
// or -1 when none was ever written.
func ReadConsumerOffset(s Store) (int64, error) {
	return readReservedInt64(s, consumerOffsetKey)
}

// WriteConsumerOffset records the last committed source offset in s. The write
// follows the store's normal durability; it becomes crash-proof at the next
// checkpoint.
func WriteConsumerOffset(s Store, offset int64) error {
	return s.Put(consumerOffsetKey, encodeReservedUint64(uint64(offset)))
}

// ReadProducerOffset returns the last produced downstream offset recorded in
// s, or -1 when none was ever written.
func ReadProducerOffset(s Store) (int64, error) {
	return readReservedInt64(s, producerOffsetKey)
}

// WriteProducerOffset records the last produced downstream offset in s.
func WriteProducerOffset(s Store, offset int64) error {
	return s.Put(producerOffsetKey, encodeReservedUint64(uint64(offset)))
}

// readSequence returns the current checkpoint sequence in s, 0 if unset.
func readSequence(s Store) (uint64, error) {
	value, found, err := s.Get(sequenceKey)
	if err != nil || !found {
		return 0, err
	}
	return decodeReservedUint64(value)
}

// bumpSequence increments and persists the checkpoint sequence, returning the
// new value. Store implementations call this at the top of Checkpoint so the
// snapshot carries the bumped sequence.
func bumpSequence(s Store) (uint64, error) {
	seq, err := readSequence(s)
	if err != nil {
		return 0, err
	}
	seq++
	if err := s.Put(sequenceKey, encodeReservedUint64(seq)); err != nil {
		return 0, err
	}
	return seq, nil
}
