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
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"
)

func makeTarget(base, topic string, partition int32, ts int64) Target {
	return Target{Topic: topic, Partition: partition, AttemptTimestamp: ts, LocalBaseDir: base}
}

func writeAttemptFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func uploadNames(uploads []PlannedUpload) map[string]PlannedUpload {
	out := map[string]PlannedUpload{}
	for _, u := range uploads {
		out[path.Base(u.RemoteFilepath)] = u
	}
	return out
}

func manifestEntry(t *testing.T, m Manifest, name string) ManifestFile {
	t.Helper()
	for _, f := range m.Files {
		if path.Base(f.RemoteFilepath) == name {
			return f
		}
	}
	t.Fatalf("manifest has no entry named %s", name)
	return ManifestFile{}
}

func sha256Hex(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

var gen1Files = map[string]string{
	"000001.sst":      "table-one-bytes",
	"CURRENT":         "MANIFEST-000005\n",
	"MANIFEST-000005": "store-manifest-bytes",
	"000002.log":      "wal-bytes",
}

func gen2Files() map[string]string {
	files := map[string]string{}
	for name, content := range gen1Files {
		files[name] = content
	}
	files["000002.sst"] = "table-two-bytes"
	return files
}

func TestPlanFirstCheckpoint(t *testing.T) {
	base := t.TempDir()
	target := makeTarget(base, "trades", 0, 1000)
	writeAttemptFiles(t, target.LocalAttemptDir(), gen1Files)

	manifest, uploads, err := Plan(target, CheckpointResult{Sequence: 1, ProducerOffset: -1}, 128, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(uploads) != len(gen1Files) {
		t.Errorf("expected every file uploaded on the first checkpoint, got %d of %d", len(uploads), len(gen1Files))
	}
	if len(manifest.Files) != len(gen1Files) {
		t.Errorf("expected %d manifest entries, got %d", len(gen1Files), len(manifest.Files))
	}
	if manifest.Id != manifest.AttemptTimestamp || manifest.Id != formatAttemptTimestamp(1000) {
		t.Errorf("unexpected manifest identity: %s / %s", manifest.Id, manifest.AttemptTimestamp)
	}
	if manifest.Sequence != 1 || manifest.ConsumerOffset != 128 || manifest.ProducerOffset != -1 {
		t.Errorf("unexpected manifest offsets: %+v", manifest)
	}
	if entry := manifestEntry(t, manifest, "000001.sst"); entry.Checksum != "" {
		t.Errorf("table file checksum should be elided, got %q", entry.Checksum)
	}
	if entry := manifestEntry(t, manifest, "MANIFEST-000005"); entry.Checksum != sha256Hex("store-manifest-bytes") {
		t.Errorf("wrong control file checksum: %s", entry.Checksum)
	}
	for _, f := range manifest.Files {
		if !strings.HasPrefix(f.RemoteFilepath, target.RemoteAttemptDir()+"/") {
			t.Errorf("first checkpoint entry outside its attempt dir: %s", f.RemoteFilepath)
		}
	}
}

func TestPlanIncrementalReuse(t *testing.T) {
	base := t.TempDir()
	target1 := makeTarget(base, "trades", 0, 1000)
	writeAttemptFiles(t, target1.LocalAttemptDir(), gen1Files)
	manifest1, _, err := Plan(target1, CheckpointResult{Sequence: 1, ProducerOffset: -1}, 100, nil)
	if err != nil {
		t.Fatal(err)
	}

	target2 := makeTarget(base, "trades", 0, 2000)
	writeAttemptFiles(t, target2.LocalAttemptDir(), gen2Files())
	manifest2, uploads, err := Plan(target2, CheckpointResult{Sequence: 2, ProducerOffset: -1}, 200, &manifest1)
	if err != nil {
		t.Fatal(err)
	}

	names := uploadNames(uploads)
	if len(names) != 2 {
		t.Fatalf("expected exactly the new table file and CURRENT to upload, got %v", names)
	}
	if _, ok := names["000002.sst"]; !ok {
		t.Errorf("new table file missing from the upload set")
	}
	if _, ok := names["CURRENT"]; !ok {
		t.Errorf("CURRENT must upload on every checkpoint")
	}
	if len(manifest2.Files) != 5 {
		t.Fatalf("expected a self-sufficient 5 entry manifest, got %d entries", len(manifest2.Files))
	}

	// reused entries carry the original attempt's path and checksum verbatim
	reused := 0
	for _, name := range []string{"000001.sst", "MANIFEST-000005", "000002.log"} {
		got := manifestEntry(t, manifest2, name)
		want := manifestEntry(t, manifest1, name)
		if got != want {
			t.Errorf("reused entry for %s changed: got %+v, want %+v", name, got, want)
		}
		if !strings.HasPrefix(got.RemoteFilepath, target1.RemoteAttemptDir()+"/") {
			t.Errorf("reused entry for %s should sit under the first attempt: %s", name, got.RemoteFilepath)
		}
		reused++
	}
	if reused != 3 {
		t.Errorf("expected 3 reused entries, checked %d", reused)
	}
	for _, name := range []string{"000002.sst", "CURRENT"} {
		got := manifestEntry(t, manifest2, name)
		if !strings.HasPrefix(got.RemoteFilepath, target2.RemoteAttemptDir()+"/") {
			t.Errorf("uploaded entry for %s should sit under the second attempt: %s", name, got.RemoteFilepath)
		}
	}

	// reused checksums still describe the current local bytes
	for _, name := range []string{"MANIFEST-000005", "000002.log"} {
		entry := manifestEntry(t, manifest2, name)
		local := filepath.Join(target2.LocalAttemptDir(), name)
		content, err := os.ReadFile(local)
		if err != nil {
			t.Fatal(err)
		}
		if entry.Checksum != sha256Hex(string(content)) {
			t.Errorf("reused checksum for %s does not match local bytes", name)
		}
	}
}

func TestPlanControlFileChanged(t *testing.T) {
	base := t.TempDir()
	target1 := makeTarget(base, "trades", 0, 1000)
	writeAttemptFiles(t, target1.LocalAttemptDir(), gen1Files)
	manifest1, _, err := Plan(target1, CheckpointResult{Sequence: 1}, 100, nil)
	if err != nil {
		t.Fatal(err)
	}

	files := gen2Files()
	files["MANIFEST-000005"] = "store-manifest-bytes-grown"
	target2 := makeTarget(base, "trades", 0, 2000)
	writeAttemptFiles(t, target2.LocalAttemptDir(), files)
	manifest2, uploads, err := Plan(target2, CheckpointResult{Sequence: 2}, 200, &manifest1)
	if err != nil {
		t.Fatal(err)
	}

	names := uploadNames(uploads)
	planned, ok := names["MANIFEST-000005"]
	if !ok {
		t.Fatalf("a changed control file must re-upload, upload set: %v", names)
	}
	if planned.Checksum != sha256Hex("store-manifest-bytes-grown") {
		t.Errorf("re-uploaded control file kept a stale checksum: %s", planned.Checksum)
	}
	entry := manifestEntry(t, manifest2, "MANIFEST-000005")
	if !strings.HasPrefix(entry.RemoteFilepath, target2.RemoteAttemptDir()+"/") {
		t.Errorf("changed control file should move to the new attempt: %s", entry.RemoteFilepath)
	}
}

func TestPlanNestedFiles(t *testing.T) {
	base := t.TempDir()
	target := makeTarget(base, "trades", 3, 1000)
	files := map[string]string{
		"000001.sst":    "table-one-bytes",
		"CURRENT":       "MANIFEST-000005\n",
		"sub/extra.bin": "auxiliary-bytes",
	}
	writeAttemptFiles(t, target.LocalAttemptDir(), files)

	manifest, uploads, err := Plan(target, CheckpointResult{Sequence: 1}, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(uploads) != 3 {
		t.Fatalf("expected 3 uploads, got %d", len(uploads))
	}
	entry := manifestEntry(t, manifest, "extra.bin")
	want := target.RemoteFilepath("sub/extra.bin")
	if entry.RemoteFilepath != want {
		t.Errorf("nested file remote path: got %s, want %s", entry.RemoteFilepath, want)
	}
}
