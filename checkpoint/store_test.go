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
	"os"
	"path/filepath"
	"testing"
)

// memStore is a map backed Store for exercising the reserved key helpers
// without a disk
type memStore struct {
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: map[string][]byte{}}
}

func (s *memStore) Get(key []byte) ([]byte, bool, error) {
	value, ok := s.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

func (s *memStore) Put(key, value []byte) error {
	s.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (s *memStore) Delete(key []byte) error {
	delete(s.data, string(key))
	return nil
}

func (s *memStore) Flush() error { return nil }

func (s *memStore) Checkpoint(dir string) (CheckpointResult, error) {
	seq, err := bumpSequence(s)
	if err != nil {
		return CheckpointResult{}, err
	}
	consumerOffset, err := ReadConsumerOffset(s)
	if err != nil {
		return CheckpointResult{}, err
	}
	producerOffset, err := ReadProducerOffset(s)
	if err != nil {
		return CheckpointResult{}, err
	}
	return CheckpointResult{Sequence: seq, ConsumerOffset: consumerOffset, ProducerOffset: producerOffset}, nil
}

func (s *memStore) Close() error { return nil }

func TestReservedOffsetsDefaultUnset(t *testing.T) {
	s := newMemStore()
	if off, err := ReadConsumerOffset(s); err != nil || off != -1 {
		t.Errorf("unset consumer offset should read -1, got %d, %v", off, err)
	}
	if off, err := ReadProducerOffset(s); err != nil || off != -1 {
		t.Errorf("unset producer offset should read -1, got %d, %v", off, err)
	}
	if seq, err := readSequence(s); err != nil || seq != 0 {
		t.Errorf("unset sequence should read 0, got %d, %v", seq, err)
	}
}

func TestReservedOffsetRoundTrip(t *testing.T) {
	s := newMemStore()
	for _, offset := range []int64{-1, 0, 1, 1 << 40} {
		if err := WriteConsumerOffset(s, offset); err != nil {
			t.Fatal(err)
		}
		if got, err := ReadConsumerOffset(s); err != nil || got != offset {
			t.Errorf("consumer offset round trip: wrote %d, read %d, %v", offset, got, err)
		}
	}
	if err := WriteProducerOffset(s, 42); err != nil {
		t.Fatal(err)
	}
	if got, _ := ReadProducerOffset(s); got != 42 {
		t.Errorf("producer offset round trip: read %d", got)
	}
}

func TestSequenceBumpsPerCheckpoint(t *testing.T) {
	s := newMemStore()
	for want := uint64(1); want <= 3; want++ {
		result, err := s.Checkpoint("")
		if err != nil {
			t.Fatal(err)
		}
		if result.Sequence != want {
			t.Errorf("expected sequence %d, got %d", want, result.Sequence)
		}
	}
	if seq, _ := readSequence(s); seq != 3 {
		t.Errorf("persisted sequence should be 3, got %d", seq)
	}
}

func TestPebbleStoreRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	store, err := OpenPebbleStore("trades", 0, dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if err := store.Put([]byte("position:acct-1"), []byte("1250")); err != nil {
		t.Fatal(err)
	}
	if err := WriteConsumerOffset(store, 1000); err != nil {
		t.Fatal(err)
	}

	value, found, err := store.Get([]byte("position:acct-1"))
	if err != nil || !found || string(value) != "1250" {
		t.Fatalf("get after put: %q, %v, %v", value, found, err)
	}
	if _, found, err := store.Get([]byte("position:acct-2")); err != nil || found {
		t.Fatalf("absent key should not be found: %v, %v", found, err)
	}
	if err := store.Delete([]byte("position:acct-1")); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := store.Get([]byte("position:acct-1")); found {
		t.Errorf("deleted key still readable")
	}
}

func TestPebbleStoreCheckpointCarriesState(t *testing.T) {
	base := t.TempDir()
	store, err := OpenPebbleStore("trades", 0, filepath.Join(base, "live"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if err := store.Put([]byte("position:acct-1"), []byte("1250")); err != nil {
		t.Fatal(err)
	}
	if err := WriteConsumerOffset(store, 1000); err != nil {
		t.Fatal(err)
	}
	if err := WriteProducerOffset(store, 77); err != nil {
		t.Fatal(err)
	}

	snapshotDir := filepath.Join(base, "snapshot")
	result, err := store.Checkpoint(snapshotDir)
	if err != nil {
		t.Fatal(err)
	}
	if result.Sequence != 1 || result.ConsumerOffset != 1000 || result.ProducerOffset != 77 {
		t.Fatalf("unexpected checkpoint result: %+v", result)
	}

	// a write after the snapshot must not leak into it
	if err := store.Put([]byte("position:acct-1"), []byte("9999")); err != nil {
		t.Fatal(err)
	}

	restored, err := OpenPebbleStore("trades", 0, snapshotDir)
	if err != nil {
		t.Fatal(err)
	}
	defer restored.Close()
	value, found, err := restored.Get([]byte("position:acct-1"))
	if err != nil || !found || string(value) != "1250" {
		t.Fatalf("snapshot state wrong: %q, %v, %v", value, found, err)
	}
	if off, _ := ReadConsumerOffset(restored); off != 1000 {
		t.Errorf("snapshot lost the consumer offset, read %d", off)
	}
	if seq, _ := readSequence(restored); seq != 1 {
		t.Errorf("snapshot should carry the bumped sequence, read %d", seq)
	}

	// pebble requires the snapshot directory to be fresh
	if _, err := store.Checkpoint(snapshotDir); err == nil {
		t.Errorf("expected an error checkpointing into an existing directory")
	}
	if _, err := os.Stat(filepath.Join(snapshotDir, "CURRENT")); err != nil {
		t.Errorf("snapshot missing its CURRENT file: %v", err)
	}
}
