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
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/keelstream/keeper/kit"
)

// uploads two generations of the same partition and returns both manifests
func seedTwoCheckpoints(t *testing.T, objectStore ObjectStore) (Target, Manifest, Target, Manifest) {
	t.Helper()
	base := t.TempDir()
	target1 := makeTarget(base, "trades", 0, 1000)
	writeAttemptFiles(t, target1.LocalAttemptDir(), gen1Files)
	manifest1 := planAndUpload(t, objectStore, target1, CheckpointResult{Sequence: 1}, 100, nil)

	target2 := makeTarget(base, "trades", 0, 2000)
	writeAttemptFiles(t, target2.LocalAttemptDir(), gen2Files())
	manifest2 := planAndUpload(t, objectStore, target2, CheckpointResult{Sequence: 2}, 200, &manifest1)
	return target1, manifest1, target2, manifest2
}

func TestImportFallsBackToOlderCheckpoint(t *testing.T) {
	objectStore := NewMemoryObjectStore()
	_, manifest1, target2, _ := seedTwoCheckpoints(t, objectStore)

	// the newest checkpoint lost a file, as if an external sweeper collected
	// it prematurely
	objectStore.Drop(target2.RemoteFilepath("000002.sst"))

	restoreBase := t.TempDir()
	rs := kit.NewRunStatus(context.Background())
	defer rs.Halt()
	dir, manifest, err := NewImporter(objectStore, ImportConfig{}).Import(rs, "trades", 0, restoreBase)
	if err != nil {
		t.Fatal(err)
	}
	if manifest.Sequence != manifest1.Sequence {
		t.Fatalf("expected a fallback to sequence %d, got %d", manifest1.Sequence, manifest.Sequence)
	}
	for rel, content := range gen1Files {
		restored, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil || string(restored) != content {
			t.Errorf("fallback restore broken for %s: %v", rel, err)
		}
	}
	// nothing left over from the abandoned newer candidate
	abandoned := filepath.Join(restoreBase, "topic_trades", "part_0", formatAttemptTimestamp(2000))
	if _, err := os.Stat(abandoned); !os.IsNotExist(err) {
		t.Errorf("partial download of the newer candidate was not cleaned up")
	}
}

func TestImportChecksumMismatchFallsBack(t *testing.T) {
	objectStore := NewMemoryObjectStore()
	_, manifest1, target2, _ := seedTwoCheckpoints(t, objectStore)

	// corrupt a checksummed file of the newest checkpoint in place
	ctx := context.Background()
	key := target2.RemoteFilepath("CURRENT")
	if err := objectStore.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
	if err := objectStore.Put(ctx, key, strings.NewReader("CORRUPTED"), 9); err != nil {
		t.Fatal(err)
	}

	rs := kit.NewRunStatus(context.Background())
	defer rs.Halt()
	_, manifest, err := NewImporter(objectStore, ImportConfig{}).Import(rs, "trades", 0, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if manifest.Sequence != manifest1.Sequence {
		t.Errorf("expected the corrupt candidate skipped, imported sequence %d", manifest.Sequence)
	}
}

func TestImportNoCheckpoint(t *testing.T) {
	rs := kit.NewRunStatus(context.Background())
	defer rs.Halt()
	_, _, err := NewImporter(NewMemoryObjectStore(), ImportConfig{}).Import(rs, "trades", 0, t.TempDir())
	if !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}
}

func TestImportAllCandidatesExhausted(t *testing.T) {
	objectStore := NewMemoryObjectStore()
	target1, _, _, _ := seedTwoCheckpoints(t, objectStore)
	// both manifests reference this table file, the newer one through reuse
	boom := errors.New("storage outage")
	objectStore.FailGets(target1.RemoteFilepath("000001.sst"), boom)

	rs := kit.NewRunStatus(context.Background())
	defer rs.Halt()
	_, _, err := NewImporter(objectStore, ImportConfig{}).Import(rs, "trades", 0, t.TempDir())
	if !errors.Is(err, boom) {
		t.Fatalf("expected the storage failure surfaced, got %v", err)
	}
}

func TestImportRespectsAttemptDepth(t *testing.T) {
	objectStore := NewMemoryObjectStore()
	_, _, target2, _ := seedTwoCheckpoints(t, objectStore)
	objectStore.Drop(target2.RemoteFilepath("000002.sst"))

	// depth 1 never reaches the older, intact checkpoint
	rs := kit.NewRunStatus(context.Background())
	defer rs.Halt()
	_, _, err := NewImporter(objectStore, ImportConfig{AttemptDepth: 1}).Import(rs, "trades", 0, t.TempDir())
	if err == nil {
		t.Fatalf("expected failure with the fallback out of reach")
	}
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected the missing object surfaced, got %v", err)
	}
}

type slowObjectStore struct {
	ObjectStore
	delay time.Duration
}

func (s slowObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case <-time.After(s.delay):
	}
	return s.ObjectStore.Get(ctx, key)
}

func TestImportDeadline(t *testing.T) {
	objectStore := NewMemoryObjectStore()
	seedTwoCheckpoints(t, objectStore)

	rs := kit.NewRunStatus(context.Background())
	defer rs.Halt()
	importer := NewImporter(slowObjectStore{ObjectStore: objectStore, delay: 250 * time.Millisecond}, ImportConfig{Timeout: 50 * time.Millisecond})
	_, _, err := importer.Import(rs, "trades", 0, t.TempDir())
	if !errors.Is(err, ErrImportDeadline) {
		t.Fatalf("expected ErrImportDeadline, got %v", err)
	}
}

func TestImportParentCancellation(t *testing.T) {
	objectStore := NewMemoryObjectStore()
	seedTwoCheckpoints(t, objectStore)

	rs := kit.NewRunStatus(context.Background())
	rs.Halt()
	_, _, err := NewImporter(objectStore, ImportConfig{}).Import(rs, "trades", 0, t.TempDir())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the parent cancellation surfaced, got %v", err)
	}
}

func TestListManifestsNewestFirst(t *testing.T) {
	objectStore := NewMemoryObjectStore()
	seedTwoCheckpoints(t, objectStore)

	manifests, err := ListManifests(context.Background(), objectStore, "trades", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(manifests) != 2 || manifests[0].Sequence != 2 || manifests[1].Sequence != 1 {
		t.Fatalf("expected both manifests newest first, got %+v", manifests)
	}
	limited, err := ListManifests(context.Background(), objectStore, "trades", 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].Sequence != 2 {
		t.Errorf("limit should keep only the newest manifest")
	}
}
