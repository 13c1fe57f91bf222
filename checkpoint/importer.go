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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/keelstream/keeper/kit"
)

var (
	// ErrNoCheckpoint is returned by Import when the partition has no manifest
	// in the object store at all. The caller decides whether that means a
	// fresh store or a failure.
	ErrNoCheckpoint = errors.New("no checkpoint found")
	// ErrImportDeadline is returned by Import when the configured deadline
	// elapsed before any candidate could be fully materialized.
	ErrImportDeadline = errors.New("checkpoint import deadline exceeded")
)

type ImportConfig struct {
	// AttemptDepth is how many recent checkpoints are tried, newest first,
	// before the import is declared failed. Default 3.
	AttemptDepth int
	// Parallelism bounds concurrent file downloads within one candidate.
	// Default 4.
	Parallelism int
	// Timeout is the hard deadline across all candidates. It should stay
	// comfortably under the consumer group's max poll interval so a slow
	// import does not get the member evicted. Default 4m.
	Timeout time.Duration
}

func (c ImportConfig) attemptDepth() int {
	if c.AttemptDepth <= 0 {
		return 3
	}
	return c.AttemptDepth
}

func (c ImportConfig) parallelism() int {
	if c.Parallelism <= 0 {
		return 4
	}
	return c.Parallelism
}

func (c ImportConfig) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 4 * time.Minute
	}
	return c.Timeout
}

// Importer reconstructs local store directories from checkpoints in the object
// store. A reconstructed directory is byte-identical to the directory the
// owning consumer snapshotted, so the store opens on it directly.
type Importer struct {
	objectStore ObjectStore
	config      ImportConfig
}

func NewImporter(objectStore ObjectStore, config ImportConfig) *Importer {
	return &Importer{objectStore: objectStore, config: config}
}

// Import materializes the most recent usable checkpoint of a topic partition
// under localBaseDir and returns the populated attempt directory along with
// the manifest it came from. Candidates are tried newest first; a candidate
// that cannot be fetched, fails its checksums, or loses a file mid-download is
// abandoned and the next older one is tried, up to the configured depth.
func (im *Importer) Import(rs kit.RunStatus, topic string, partition int32, localBaseDir string) (string, Manifest, error) {
	importRs := rs.ForkWithTimeout(im.config.timeout())
	defer importRs.Halt()

	keys, err := listManifestKeys(importRs.Ctx(), im.objectStore, topic, partition)
	if err != nil {
		return "", Manifest{}, err
	}
	if len(keys) == 0 {
		return "", Manifest{}, fmt.Errorf("%w for %s/%d", ErrNoCheckpoint, topic, partition)
	}
	if len(keys) > im.config.attemptDepth() {
		keys = keys[:im.config.attemptDepth()]
	}

	var lastErr error
	for _, key := range keys {
		if !importRs.Running() {
			break
		}
		manifest, err := fetchManifest(importRs.Ctx(), im.objectStore, key)
		if err != nil {
			log.Warnf("could not fetch checkpoint manifest %s: %v", key, err)
			lastErr = err
			continue
		}
		dir, err := im.materialize(importRs, manifest, localBaseDir)
		if err != nil {
			log.Warnf("could not materialize checkpoint %s for %s/%d: %v", manifest.Id, topic, partition, err)
			lastErr = err
			continue
		}
		log.Infof("imported checkpoint %s for %s/%d, sequence: %d, consumerOffset: %d",
			manifest.Id, topic, partition, manifest.Sequence, manifest.ConsumerOffset)
		return dir, manifest, nil
	}

	if !rs.Running() {
		return "", Manifest{}, rs.Err()
	}
	if !importRs.Running() {
		return "", Manifest{}, fmt.Errorf("%w for %s/%d after %v", ErrImportDeadline, topic, partition, im.config.timeout())
	}
	return "", Manifest{}, fmt.Errorf("all %d checkpoint candidates failed for %s/%d: %w", len(keys), topic, partition, lastErr)
}

// materialize downloads every file of manifest into a freshly wiped attempt
// directory. The first failed download halts its siblings and the partial
// directory is removed, so a returned directory is always complete.
func (im *Importer) materialize(parent kit.RunStatus, manifest Manifest, localBaseDir string) (string, error) {
	if _, err := manifest.AttemptTimestampMicros(); err != nil {
		return "", err
	}
	dir := filepath.Join(LocalPartitionDir(localBaseDir, manifest.Topic, manifest.Partition), manifest.AttemptTimestamp)
	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	downloadRs := parent.Fork()
	defer downloadRs.Halt()

	sem := make(chan struct{}, im.config.parallelism())
	errs := make(chan error, len(manifest.Files))
	var wg sync.WaitGroup
	for _, file := range manifest.Files {
		if !downloadRs.Running() {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(file ManifestFile) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := im.downloadFile(downloadRs, dir, file); err != nil {
				errs <- fmt.Errorf("downloading %s: %w", file.RemoteFilepath, err)
				downloadRs.Halt()
			}
		}(file)
	}
	wg.Wait()

	select {
	case err := <-errs:
		os.RemoveAll(dir)
		return "", err
	default:
	}
	if !parent.Running() {
		os.RemoveAll(dir)
		return "", parent.Err()
	}
	return dir, nil
}

func (im *Importer) downloadFile(rs kit.RunStatus, dir string, file ManifestFile) error {
	relPath, err := relPathFromRemote(file.RemoteFilepath)
	if err != nil {
		return err
	}
	localPath := filepath.Join(dir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}
	body, _, err := im.objectStore.Get(rs.Ctx(), file.RemoteFilepath)
	if err != nil {
		return err
	}
	defer body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	var w io.Writer = f
	var h hash.Hash
	if file.Checksum != "" {
		h = sha256.New()
		w = io.MultiWriter(f, h)
	}
	if _, err = io.Copy(w, body); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if h != nil {
		if sum := hex.EncodeToString(h.Sum(nil)); sum != file.Checksum {
			return fmt.Errorf("checksum mismatch for %s: manifest has %s, downloaded %s", file.RemoteFilepath, file.Checksum, sum)
		}
	}
	return nil
}

// listManifestKeys returns the manifest object keys of a topic partition,
// newest first.
func listManifestKeys(ctx context.Context, objectStore ObjectStore, topic string, partition int32) ([]string, error) {
	keys, err := objectStore.List(ctx, MetadataPrefix(topic, partition))
	if err != nil {
		return nil, err
	}
	// zero-padded timestamps in the key make descending lexical order newest
	// first
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	return keys, nil
}

func fetchManifest(ctx context.Context, objectStore ObjectStore, key string) (Manifest, error) {
	body, _, err := objectStore.Get(ctx, key)
	if err != nil {
		return Manifest{}, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return Manifest{}, err
	}
	return DecodeManifest(data)
}

// ListManifests fetches up to limit manifests of a topic partition, newest
// first. limit <= 0 fetches all of them.
func ListManifests(ctx context.Context, objectStore ObjectStore, topic string, partition int32, limit int) ([]Manifest, error) {
	keys, err := listManifestKeys(ctx, objectStore, topic, partition)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	manifests := make([]Manifest, 0, len(keys))
	for _, key := range keys {
		m, err := fetchManifest(ctx, objectStore, key)
		if err != nil {
			return nil, fmt.Errorf("fetching manifest %s: %w", key, err)
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}
