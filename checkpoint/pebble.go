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
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleStore is the default Store implementation, one pebble LSM instance per
// topic partition. Writes are unsynced; durability comes from checkpoints, and
// a crash between checkpoints is repaired by re-importing the last checkpoint
// and replaying the source from its recorded consumer offset.
type PebbleStore struct {
	db        *pebble.DB
	topic     string
	partition int32
	dir       string
}

type pebbleLogWrapper struct{}

func (pebbleLogWrapper) Infof(format string, args ...any) {
	log.Tracef(format, args...)
}

func (pebbleLogWrapper) Fatalf(format string, args ...any) {
	log.Errorf(format, args...)
	panic(fmt.Sprintf(format, args...))
}

// OpenPebbleStore opens or creates the pebble database for a topic partition
// rooted at dir. If dir was just populated by an Importer, the store resumes
// from the imported snapshot. Conforms to Factory[*PebbleStore].
func OpenPebbleStore(topic string, partition int32, dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		Logger: pebbleLogWrapper{},
	})
	if err != nil {
		return nil, fmt.Errorf("opening pebble store for %s/%d at %s: %w", topic, partition, dir, err)
	}
	return &PebbleStore{
		db:        db,
		topic:     topic,
		partition: partition,
		dir:       dir,
	}, nil
}

// Dir returns the directory the store lives in.
func (ps *PebbleStore) Dir() string {
	return ps.dir
}

func (ps *PebbleStore) Get(key []byte) ([]byte, bool, error) {
	value, closer, err := ps.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	// value is only valid until closer is released, so copy out
	out := make([]byte, len(value))
	copy(out, value)
	if err := closer.Close(); err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (ps *PebbleStore) Put(key, value []byte) error {
	return ps.db.Set(key, value, pebble.NoSync)
}

func (ps *PebbleStore) Delete(key []byte) error {
	return ps.db.Delete(key, pebble.NoSync)
}

func (ps *PebbleStore) Flush() error {
	return ps.db.Flush()
}

// Checkpoint bumps the checkpoint sequence, then snapshots the database into
// dir using pebble's native checkpoint with a flushed WAL, so the snapshot is
// self-contained and carries the bumped sequence and both recorded offsets.
func (ps *PebbleStore) Checkpoint(dir string) (CheckpointResult, error) {
	seq, err := bumpSequence(ps)
	if err != nil {
		return CheckpointResult{}, err
	}
	consumerOffset, err := ReadConsumerOffset(ps)
	if err != nil {
		return CheckpointResult{}, err
	}
	producerOffset, err := ReadProducerOffset(ps)
	if err != nil {
		return CheckpointResult{}, err
	}
	if err := ps.db.Checkpoint(dir, pebble.WithFlushedWAL()); err != nil {
		return CheckpointResult{}, fmt.Errorf("pebble checkpoint for %s/%d into %s: %w", ps.topic, ps.partition, dir, err)
	}
	return CheckpointResult{
		Sequence:       seq,
		ConsumerOffset: consumerOffset,
		ProducerOffset: producerOffset,
	}, nil
}

func (ps *PebbleStore) Close() error {
	return ps.db.Close()
}
