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
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/keelstream/keeper/kit"
)

func planAndUpload(t *testing.T, objectStore ObjectStore, target Target, result CheckpointResult, consumerOffset int64, prev *Manifest) Manifest {
	t.Helper()
	manifest, uploads, err := Plan(target, result, consumerOffset, prev)
	if err != nil {
		t.Fatal(err)
	}
	rs := kit.NewRunStatus(context.Background())
	defer rs.Halt()
	if _, err := NewUploader(objectStore, UploaderConfig{}).Upload(rs, target, manifest, uploads); err != nil {
		t.Fatal(err)
	}
	return manifest
}

func TestUploadWritesManifestLast(t *testing.T) {
	base := t.TempDir()
	target := makeTarget(base, "trades", 0, 1000)
	writeAttemptFiles(t, target.LocalAttemptDir(), gen1Files)
	manifest, uploads, err := Plan(target, CheckpointResult{Sequence: 1}, 50, nil)
	if err != nil {
		t.Fatal(err)
	}

	objectStore := NewMemoryObjectStore()
	boom := errors.New("transient storage failure")
	objectStore.FailPuts(target.RemoteFilepath("000002.log"), boom)

	rs := kit.NewRunStatus(context.Background())
	defer rs.Halt()
	_, err = NewUploader(objectStore, UploaderConfig{}).Upload(rs, target, manifest, uploads)
	if !errors.Is(err, boom) {
		t.Fatalf("expected the injected failure, got %v", err)
	}
	if _, ok := objectStore.Bytes(target.RemoteMetadataFile()); ok {
		t.Errorf("manifest must not exist after a failed file upload")
	}
}

func TestUploadCancelledBeforeManifest(t *testing.T) {
	base := t.TempDir()
	target := makeTarget(base, "trades", 0, 1000)
	writeAttemptFiles(t, target.LocalAttemptDir(), gen1Files)
	manifest, uploads, err := Plan(target, CheckpointResult{Sequence: 1}, 50, nil)
	if err != nil {
		t.Fatal(err)
	}

	objectStore := NewMemoryObjectStore()
	rs := kit.NewRunStatus(context.Background())
	rs.Halt()
	if _, err := NewUploader(objectStore, UploaderConfig{}).Upload(rs, target, manifest, uploads); err == nil {
		t.Fatalf("expected an error after cancellation")
	}
	if _, ok := objectStore.Bytes(target.RemoteMetadataFile()); ok {
		t.Errorf("a cancelled attempt must not publish a manifest")
	}
}

func TestUploadSuccessPublishesManifest(t *testing.T) {
	base := t.TempDir()
	target := makeTarget(base, "trades", 0, 1000)
	writeAttemptFiles(t, target.LocalAttemptDir(), gen1Files)

	objectStore := NewMemoryObjectStore()
	manifest := planAndUpload(t, objectStore, target, CheckpointResult{Sequence: 1, ProducerOffset: -1}, 77, nil)

	data, ok := objectStore.Bytes(target.RemoteMetadataFile())
	if !ok {
		t.Fatalf("manifest missing after a successful upload")
	}
	decoded, err := DecodeManifest(data)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.ConsumerOffset != 77 || decoded.Sequence != 1 || len(decoded.Files) != len(manifest.Files) {
		t.Errorf("stored manifest does not match: %+v", decoded)
	}
	for _, f := range manifest.Files {
		if _, ok := objectStore.Bytes(f.RemoteFilepath); !ok {
			t.Errorf("manifest references an object that was not uploaded: %s", f.RemoteFilepath)
		}
	}
	if _, err := os.Stat(target.LocalMetadataFile()); err != nil {
		t.Errorf("local manifest mirror missing: %v", err)
	}
}

func TestUploadSweepsStaleAttempts(t *testing.T) {
	base := t.TempDir()
	topic, partition := "trades", int32(0)

	// three older attempts lying around from previous runs
	for _, ts := range []int64{100, 200, 300} {
		old := makeTarget(base, topic, partition, ts)
		writeAttemptFiles(t, old.LocalAttemptDir(), map[string]string{"000001.sst": "x"})
		if err := os.MkdirAll(filepath.Dir(old.LocalMetadataFile()), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(old.LocalMetadataFile(), []byte("{}"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	target := makeTarget(base, topic, partition, 400)
	writeAttemptFiles(t, target.LocalAttemptDir(), gen1Files)
	planAndUpload(t, NewMemoryObjectStore(), target, CheckpointResult{Sequence: 1}, 0, nil)

	entries, err := os.ReadDir(target.LocalPartitionDir())
	if err != nil {
		t.Fatal(err)
	}
	var attempts []string
	for _, entry := range entries {
		if entry.IsDir() && isAttemptTimestamp(entry.Name()) {
			attempts = append(attempts, entry.Name())
		}
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 retained attempts, found %v", attempts)
	}
	for _, name := range attempts {
		if name != formatAttemptTimestamp(400) && name != formatAttemptTimestamp(300) {
			t.Errorf("swept the wrong attempt, kept %s", name)
		}
	}
	if _, err := os.Stat(makeTarget(base, topic, partition, 100).LocalAttemptDir()); !os.IsNotExist(err) {
		t.Errorf("oldest attempt should have been swept")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	uploadBase := t.TempDir()
	objectStore := NewMemoryObjectStore()

	target1 := makeTarget(uploadBase, "trades", 0, 1000)
	writeAttemptFiles(t, target1.LocalAttemptDir(), gen1Files)
	manifest1 := planAndUpload(t, objectStore, target1, CheckpointResult{Sequence: 1, ProducerOffset: -1}, 100, nil)

	gen2 := gen2Files()
	gen2["000002.log"] = "wal-bytes-grown"
	target2 := makeTarget(uploadBase, "trades", 0, 2000)
	writeAttemptFiles(t, target2.LocalAttemptDir(), gen2)
	planAndUpload(t, objectStore, target2, CheckpointResult{Sequence: 2, ProducerOffset: 9}, 200, &manifest1)

	// reconstruct on a different machine
	restoreBase := t.TempDir()
	rs := kit.NewRunStatus(context.Background())
	defer rs.Halt()
	dir, manifest, err := NewImporter(objectStore, ImportConfig{}).Import(rs, "trades", 0, restoreBase)
	if err != nil {
		t.Fatal(err)
	}
	if manifest.Sequence != 2 || manifest.ConsumerOffset != 200 || manifest.ProducerOffset != 9 {
		t.Errorf("imported the wrong checkpoint: %+v", manifest)
	}

	// byte identical to the directory that was snapshotted
	for rel, content := range gen2 {
		restored, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("restored dir is missing %s: %v", rel, err)
		}
		if string(restored) != content {
			t.Errorf("restored %s differs from the snapshot", rel)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(gen2) {
		t.Errorf("restored dir has %d entries, snapshot had %d", len(entries), len(gen2))
	}
}
