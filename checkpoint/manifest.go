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
	"path"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ManifestFile names one file of a checkpoint. RemoteFilepath may point into
// an older attempt's prefix when the file was reused rather than re-uploaded.
// Checksum is the hex SHA-256 of the file content, empty for SST files whose
// immutable names already identify their content.
type ManifestFile struct {
	RemoteFilepath string `json:"remote_filepath"`
	Checksum       string `json:"checksum"`
}

// Manifest is the atomic commit record of one checkpoint attempt. A checkpoint
// exists once its manifest is readable in the object store; files without a
// manifest are invisible garbage.
type Manifest struct {
	Id               string         `json:"id"`
	Topic            string         `json:"topic"`
	Partition        int32          `json:"partition"`
	AttemptTimestamp string         `json:"attempt_timestamp"`
	Sequence         uint64         `json:"sequence"`
	ConsumerOffset   int64          `json:"consumer_offset"`
	ProducerOffset   int64          `json:"producer_offset"`
	Files            []ManifestFile `json:"files"`
}

func newManifest(target Target, result CheckpointResult, consumerOffset int64) Manifest {
	ts := target.timestamp()
	return Manifest{
		Id:               ts,
		Topic:            target.Topic,
		Partition:        target.Partition,
		AttemptTimestamp: ts,
		Sequence:         result.Sequence,
		ConsumerOffset:   consumerOffset,
		ProducerOffset:   result.ProducerOffset,
		Files:            []ManifestFile{},
	}
}

// EncodeManifest renders m as JSON.
func EncodeManifest(m Manifest) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeManifest parses a manifest previously written by EncodeManifest.
func DecodeManifest(data []byte) (Manifest, error) {
	var m Manifest
	err := json.Unmarshal(data, &m)
	return m, err
}

// AttemptTimestampMicros returns the manifest's attempt timestamp as unix
// microseconds.
func (m Manifest) AttemptTimestampMicros() (int64, error) {
	return parseAttemptTimestamp(m.AttemptTimestamp)
}

// fileIndex keys the manifest's files by file name (the last path component),
// which is how the planner matches files across attempts.
func (m Manifest) fileIndex() map[string]ManifestFile {
	index := make(map[string]ManifestFile, len(m.Files))
	for _, f := range m.Files {
		index[path.Base(f.RemoteFilepath)] = f
	}
	return index
}
