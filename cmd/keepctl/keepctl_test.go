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

package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/keelstream/keeper/assign"
	"github.com/keelstream/keeper/checkpoint"
)

func putRecord(t *testing.T, coordinator *assign.MemoryCoordinator, key string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if _, applied, err := coordinator.PutIfRevision(context.Background(), key, data, 0); err != nil || !applied {
		t.Fatalf("seeding %s: applied=%v err=%v", key, applied, err)
	}
}

func TestShowAssignments(t *testing.T) {
	coordinator := assign.NewMemoryCoordinator()
	tp0 := assign.TopicPartition{Topic: "orders", Partition: 0}
	tp1 := assign.TopicPartition{Topic: "orders", Partition: 1}
	putRecord(t, coordinator, assign.ConsumerKey("c-0"),
		assign.ConsumerInfo{Name: "c-0", RegisteredAt: time.Now().UnixMilli()})
	putRecord(t, coordinator, assign.AssignmentKey(tp0), assign.Assignment{Owner: "c-0"})
	putRecord(t, coordinator, assign.AssignmentKey(tp1), assign.Assignment{Owner: "c-1"})
	putRecord(t, coordinator, assign.HandoffKey(tp1),
		assign.Handoff{Old: "c-1", New: "c-0", Phase: assign.Warming})

	var buf bytes.Buffer
	if err := showAssignments(context.Background(), coordinator, "", &buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"c-0", "orders", "yes", "no", "c-1 -> c-0 (Warming)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := showAssignments(context.Background(), coordinator, "payments", &buf); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "orders") {
		t.Errorf("topic filter leaked other topics:\n%s", buf.String())
	}
}

func TestClearAssignmentsRefusesRegisteredTopic(t *testing.T) {
	coordinator := assign.NewMemoryCoordinator()
	putRecord(t, coordinator, assign.TopicConfigKey("orders"), assign.TopicConfig{Partitions: 4})
	var buf bytes.Buffer
	if err := clearAssignments(context.Background(), coordinator, "orders", &buf); err == nil {
		t.Fatal("expected an error while the topic is registered")
	}
}

func TestClearAssignments(t *testing.T) {
	coordinator := assign.NewMemoryCoordinator()
	tp := assign.TopicPartition{Topic: "orders", Partition: 0}
	putRecord(t, coordinator, assign.AssignmentKey(tp), assign.Assignment{Owner: "c-0"})
	putRecord(t, coordinator, assign.HandoffKey(tp),
		assign.Handoff{Old: "c-0", New: "c-1", Phase: assign.Warming})
	putRecord(t, coordinator, assign.ReadyKey(tp), assign.Signal{Consumer: "c-1"})
	// records of other topics must survive
	other := assign.TopicPartition{Topic: "payments", Partition: 0}
	putRecord(t, coordinator, assign.AssignmentKey(other), assign.Assignment{Owner: "c-0"})

	var buf bytes.Buffer
	if err := clearAssignments(context.Background(), coordinator, "orders", &buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "removed 3 records") {
		t.Errorf("unexpected output: %s", buf.String())
	}
	kvs, err := coordinator.List(context.Background(), assign.AssignmentsPrefix)
	if err != nil {
		t.Fatal(err)
	}
	if len(kvs) != 1 || kvs[0].Key != assign.AssignmentKey(other) {
		t.Errorf("expected only the payments assignment to survive, got %v", kvs)
	}
}

func TestTopicLifecycle(t *testing.T) {
	coordinator := assign.NewMemoryCoordinator()
	ctx := context.Background()
	var buf bytes.Buffer

	if err := registerTopic(ctx, coordinator, "orders", 8, &buf); err != nil {
		t.Fatal(err)
	}
	buf.Reset()
	if err := registerTopic(ctx, coordinator, "orders", 8, &buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "already registered") {
		t.Errorf("unexpected output: %s", buf.String())
	}
	if err := registerTopic(ctx, coordinator, "orders", 16, &buf); err != nil {
		t.Fatal(err)
	}
	if err := registerTopic(ctx, coordinator, "bad/name", 4, &buf); err == nil {
		t.Error("expected an error for a topic name containing '/'")
	}
	if err := registerTopic(ctx, coordinator, "orders", 0, &buf); err == nil {
		t.Error("expected an error for zero partitions")
	}

	buf.Reset()
	if err := listTopics(ctx, coordinator, &buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "orders") || !strings.Contains(buf.String(), "16") {
		t.Errorf("unexpected listing: %s", buf.String())
	}

	if err := deregisterTopic(ctx, coordinator, "orders", &buf); err != nil {
		t.Fatal(err)
	}
	if err := deregisterTopic(ctx, coordinator, "orders", &buf); err == nil {
		t.Error("expected an error deregistering twice")
	}
}

// seedCheckpoint plants a manifest and its files in the object store the way
// an uploader would have left them.
func seedCheckpoint(t *testing.T, store *checkpoint.MemoryObjectStore, topic string, partition int32,
	micros int64, sequence uint64, consumerOffset int64, files map[string][]byte) checkpoint.Manifest {
	t.Helper()
	ctx := context.Background()
	target := checkpoint.Target{Topic: topic, Partition: partition, AttemptTimestamp: micros}
	m := checkpoint.Manifest{
		Id:               fmt.Sprintf("%020d", micros),
		Topic:            topic,
		Partition:        partition,
		AttemptTimestamp: fmt.Sprintf("%020d", micros),
		Sequence:         sequence,
		ConsumerOffset:   consumerOffset,
		ProducerOffset:   -1,
		Files:            []checkpoint.ManifestFile{},
	}
	for name, content := range files {
		key := target.RemoteFilepath(name)
		if err := store.Put(ctx, key, bytes.NewReader(content), int64(len(content))); err != nil {
			t.Fatal(err)
		}
		sum := sha256.Sum256(content)
		m.Files = append(m.Files, checkpoint.ManifestFile{
			RemoteFilepath: key,
			Checksum:       hex.EncodeToString(sum[:]),
		})
	}
	data, err := checkpoint.EncodeManifest(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, target.RemoteMetadataFile(), bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestListCheckpoints(t *testing.T) {
	store := checkpoint.NewMemoryObjectStore()
	seedCheckpoint(t, store, "orders", 3, 1000000, 5, 100, map[string][]byte{"CURRENT": []byte("old")})
	newest := seedCheckpoint(t, store, "orders", 3, 2000000, 9, 200, map[string][]byte{"CURRENT": []byte("new")})

	var buf bytes.Buffer
	if err := listCheckpoints(context.Background(), store, "orders", 3, 10, &buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	newestAt := strings.Index(out, newest.Id)
	oldestAt := strings.Index(out, fmt.Sprintf("%020d", 1000000))
	if newestAt < 0 || oldestAt < 0 {
		t.Fatalf("listing missing manifests:\n%s", out)
	}
	if newestAt > oldestAt {
		t.Errorf("expected newest first:\n%s", out)
	}

	buf.Reset()
	if err := listCheckpoints(context.Background(), store, "orders", 7, 10, &buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "no checkpoints") {
		t.Errorf("unexpected output for empty partition: %s", buf.String())
	}
}

func TestRestoreCheckpoint(t *testing.T) {
	store := checkpoint.NewMemoryObjectStore()
	files := map[string][]byte{
		"CURRENT":         []byte("MANIFEST-000001\n"),
		"MANIFEST-000001": []byte("pebble manifest bytes"),
	}
	m := seedCheckpoint(t, store, "orders", 3, 3000000, 12, 450, files)

	dir := t.TempDir()
	var buf bytes.Buffer
	err := restoreCheckpoint(context.Background(), store, "orders", 3, dir, 3, time.Minute, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "restored checkpoint "+m.Id) {
		t.Errorf("unexpected output: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "consumer offset: 450") {
		t.Errorf("output missing consumer offset: %s", buf.String())
	}

	attemptDir := filepath.Join(checkpoint.LocalPartitionDir(dir, "orders", 3), m.Id)
	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(attemptDir, name))
		if err != nil {
			t.Fatalf("restored file %s: %v", name, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("restored %s does not match, got %q want %q", name, got, want)
		}
	}
}

func TestRestoreCheckpointNoCheckpoints(t *testing.T) {
	store := checkpoint.NewMemoryObjectStore()
	var buf bytes.Buffer
	err := restoreCheckpoint(context.Background(), store, "orders", 3, t.TempDir(), 3, time.Minute, &buf)
	if err == nil {
		t.Fatal("expected an error with an empty object store")
	}
}
