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
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Attempt timestamps are unix microseconds zero-padded to a fixed width so
// lexical order on object keys equals chronological order.
const attemptTimestampDigits = 20

func formatAttemptTimestamp(micros int64) string {
	return fmt.Sprintf("%0*d", attemptTimestampDigits, micros)
}

func parseAttemptTimestamp(s string) (int64, error) {
	if len(s) != attemptTimestampDigits {
		return 0, fmt.Errorf("attempt timestamp %q is not %d digits", s, attemptTimestampDigits)
	}
	return strconv.ParseInt(s, 10, 64)
}

func isAttemptTimestamp(s string) bool {
	_, err := parseAttemptTimestamp(s)
	return err == nil
}

// Target names one checkpoint attempt for a topic partition: where the local
// snapshot directory lives and where its files and manifest land in the object
// store. Remote locations are object keys relative to the bucket.
type Target struct {
	Topic            string
	Partition        int32
	AttemptTimestamp int64
	LocalBaseDir     string
}

// NewTarget stamps a fresh checkpoint attempt for a topic partition.
func NewTarget(topic string, partition int32, localBaseDir string) Target {
	return Target{
		Topic:            topic,
		Partition:        partition,
		AttemptTimestamp: time.Now().UTC().UnixMicro(),
		LocalBaseDir:     localBaseDir,
	}
}

// PartitionPrefix returns the object key prefix holding every checkpoint for a
// topic partition.
func PartitionPrefix(topic string, partition int32) string {
	return path.Join("checkpoints", "topic_"+topic, fmt.Sprintf("part_%d", partition))
}

// MetadataPrefix returns the object key prefix holding the manifests for a
// topic partition. Keys under it sort oldest first.
func MetadataPrefix(topic string, partition int32) string {
	return PartitionPrefix(topic, partition) + "/metadata/"
}

func (t Target) timestamp() string {
	return formatAttemptTimestamp(t.AttemptTimestamp)
}

// RemoteAttemptDir returns the object key prefix this attempt's files are
// uploaded under.
func (t Target) RemoteAttemptDir() string {
	return path.Join(PartitionPrefix(t.Topic, t.Partition), t.timestamp())
}

// RemoteFilepath returns the object key for one file of this attempt. relPath
// is the file's path relative to the local attempt directory, slash separated.
func (t Target) RemoteFilepath(relPath string) string {
	return path.Join(t.RemoteAttemptDir(), relPath)
}

// RemoteMetadataFile returns the object key the attempt's manifest is written
// to, after every file upload has succeeded.
func (t Target) RemoteMetadataFile() string {
	return path.Join(PartitionPrefix(t.Topic, t.Partition), "metadata", t.manifestName())
}

func (t Target) manifestName() string {
	return "metadata-" + t.timestamp() + ".json"
}

// LocalPartitionDir returns the local directory holding every attempt for the
// target's topic partition.
func (t Target) LocalPartitionDir() string {
	return LocalPartitionDir(t.LocalBaseDir, t.Topic, t.Partition)
}

// LocalAttemptDir returns the local directory the store snapshots into for
// this attempt. The store's native checkpoint requires it to not yet exist.
func (t Target) LocalAttemptDir() string {
	return filepath.Join(t.LocalPartitionDir(), t.timestamp())
}

// LocalMetadataFile returns the local path the manifest is mirrored to before
// the remote write.
func (t Target) LocalMetadataFile() string {
	return filepath.Join(t.LocalPartitionDir(), "metadata", t.manifestName())
}

// LocalPartitionDir returns the local directory holding store state for a
// topic partition under baseDir.
func LocalPartitionDir(baseDir, topic string, partition int32) string {
	return filepath.Join(baseDir, "topic_"+topic, fmt.Sprintf("part_%d", partition))
}

// relPathFromRemote recovers a file's attempt-relative path from its object
// key by splitting at the attempt timestamp component. Files referenced from a
// reused manifest entry live under older attempt prefixes, so the owning
// attempt is located per key rather than assumed.
func relPathFromRemote(key string) (string, error) {
	parts := strings.Split(key, "/")
	for i := len(parts) - 2; i >= 0; i-- {
		if isAttemptTimestamp(parts[i]) {
			return path.Join(parts[i+1:]...), nil
		}
	}
	return "", fmt.Errorf("object key %q has no attempt timestamp component", key)
}
