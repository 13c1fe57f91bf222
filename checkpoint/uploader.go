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
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/keelstream/keeper/kit"
)

type UploaderConfig struct {
	// Parallelism bounds concurrent file uploads. Default 4.
	Parallelism int
	// RetainLocalAttempts is how many recent local attempt directories and
	// manifest mirrors survive the post-upload sweep. Default 2.
	RetainLocalAttempts int
}

func (c UploaderConfig) parallelism() int {
	if c.Parallelism <= 0 {
		return 4
	}
	return c.Parallelism
}

func (c UploaderConfig) retainLocalAttempts() int {
	if c.RetainLocalAttempts <= 0 {
		return 2
	}
	return c.RetainLocalAttempts
}

// Uploader ships planned checkpoint files to the object store, writing the
// manifest only after every file landed. Until the manifest write succeeds the
// attempt has no externally visible effect; on failure or cancellation any
// already-uploaded files are left as unreferenced garbage for an external
// sweeper.
type Uploader struct {
	objectStore ObjectStore
	config      UploaderConfig
}

func NewUploader(objectStore ObjectStore, config UploaderConfig) *Uploader {
	return &Uploader{objectStore: objectStore, config: config}
}

// Upload performs one checkpoint attempt upload. Files go up in parallel,
// first failure cancels the stragglers, and the manifest goes up last. On
// success the local partition directory is swept down to the configured number
// of recent attempts. Returns the number of file bytes shipped.
func (u *Uploader) Upload(rs kit.RunStatus, target Target, manifest Manifest, uploads []PlannedUpload) (int64, error) {
	uploadRs := rs.Fork()
	defer uploadRs.Halt()

	var uploadedBytes int64
	sem := make(chan struct{}, u.config.parallelism())
	errs := make(chan error, len(uploads))
	var wg sync.WaitGroup
	for _, planned := range uploads {
		if !uploadRs.Running() {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(planned PlannedUpload) {
			defer wg.Done()
			defer func() { <-sem }()
			n, err := u.uploadFile(uploadRs, planned)
			if err != nil {
				errs <- fmt.Errorf("uploading %s: %w", planned.RemoteFilepath, err)
				uploadRs.Halt()
				return
			}
			atomic.AddInt64(&uploadedBytes, n)
		}(planned)
	}
	wg.Wait()

	select {
	case err := <-errs:
		return 0, err
	default:
	}
	if !rs.Running() {
		return 0, fmt.Errorf("checkpoint upload for %s/%d cancelled: %w", target.Topic, target.Partition, rs.Err())
	}

	data, err := EncodeManifest(manifest)
	if err != nil {
		return 0, err
	}
	u.mirrorManifestLocally(target, data)
	if err := u.objectStore.Put(rs.Ctx(), target.RemoteMetadataFile(), bytes.NewReader(data), int64(len(data))); err != nil {
		return 0, fmt.Errorf("uploading manifest %s: %w", target.RemoteMetadataFile(), err)
	}
	u.sweepLocal(target)
	return atomic.LoadInt64(&uploadedBytes), nil
}

func (u *Uploader) uploadFile(rs kit.RunStatus, planned PlannedUpload) (int64, error) {
	f, err := os.Open(planned.LocalPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if err := u.objectStore.Put(rs.Ctx(), planned.RemoteFilepath, f, info.Size()); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// the local mirror is best effort, the remote manifest is the commit record
func (u *Uploader) mirrorManifestLocally(target Target, data []byte) {
	local := target.LocalMetadataFile()
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		log.Warnf("could not create local metadata dir for %s/%d: %v", target.Topic, target.Partition, err)
		return
	}
	if err := os.WriteFile(local, data, 0644); err != nil {
		log.Warnf("could not mirror manifest locally for %s/%d: %v", target.Topic, target.Partition, err)
	}
}

func (u *Uploader) sweepLocal(target Target) {
	retain := u.config.retainLocalAttempts()
	partitionDir := target.LocalPartitionDir()
	sweepDir(partitionDir, retain, func(entry os.DirEntry) bool {
		return entry.IsDir() && isAttemptTimestamp(entry.Name())
	})
	sweepDir(filepath.Join(partitionDir, "metadata"), retain, func(entry os.DirEntry) bool {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "metadata-") || !strings.HasSuffix(name, ".json") {
			return false
		}
		return isAttemptTimestamp(strings.TrimSuffix(strings.TrimPrefix(name, "metadata-"), ".json"))
	})
}

// sweepDir removes all but the retain newest matching entries of dir. Names
// embed zero-padded timestamps so descending lexical order is newest first.
func sweepDir(dir string, retain int, match func(os.DirEntry) bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var names []string
	for _, entry := range entries {
		if match(entry) {
			names = append(names, entry.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, name := range names[kit.Min(retain, len(names)):] {
		stale := filepath.Join(dir, name)
		if err := os.RemoveAll(stale); err != nil {
			log.Warnf("could not sweep stale checkpoint state at %s: %v", stale, err)
		}
	}
}
