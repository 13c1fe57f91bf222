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

package assign

import (
	"fmt"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Coordinator key layout. Topic names never contain '/', so the partition is
// always the final path segment of a per-partition key.
const (
	TopicConfigPrefix = "/cfg/topics/"
	ConsumersPrefix   = "/consumers/"
	AssignmentsPrefix = "/assignments/"
	HandoffsPrefix    = "/handoffs/"
	ReadyPrefix       = "/ready/"
	ReleasedPrefix    = "/released/"
)

// TopicPartition mirrors the keeper root type without importing it; the root
// package depends on assign, not the other way around.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s/%d", tp.Topic, tp.Partition)
}

// Phase of a handoff record.
type Phase string

const (
	// Warming: the new owner is importing the partition's checkpoint while the
	// old owner keeps processing.
	Warming Phase = "Warming"
	// Complete: the new owner is ready; the old owner must release.
	Complete Phase = "Complete"
)

// TopicConfig declares a managed topic under TopicConfigPrefix.
type TopicConfig struct {
	Partitions int32 `json:"partitions"`
}

// ConsumerInfo is the value of a consumer's leased liveness key.
type ConsumerInfo struct {
	Name         string `json:"name"`
	RegisteredAt int64  `json:"registered_at"`
}

// Assignment names the partition's current owner.
type Assignment struct {
	Owner string `json:"owner"`
}

// Handoff is the record of an in-flight ownership transfer.
type Handoff struct {
	Old       string `json:"old"`
	New       string `json:"new"`
	Phase     Phase  `json:"phase"`
	CreatedAt int64  `json:"created_at"` // unix milliseconds
}

// Signal is written by a consumer under its own lease to report a handoff
// phase milestone: under ReadyPrefix by the new owner, under ReleasedPrefix
// by the old owner. The assigner consumes and deletes it.
type Signal struct {
	Consumer string `json:"consumer"`
}

func TopicConfigKey(topic string) string {
	return TopicConfigPrefix + topic
}

func ConsumerKey(name string) string {
	return ConsumersPrefix + name
}

func AssignmentKey(tp TopicPartition) string {
	return partitionKey(AssignmentsPrefix, tp)
}

func HandoffKey(tp TopicPartition) string {
	return partitionKey(HandoffsPrefix, tp)
}

func ReadyKey(tp TopicPartition) string {
	return partitionKey(ReadyPrefix, tp)
}

func ReleasedKey(tp TopicPartition) string {
	return partitionKey(ReleasedPrefix, tp)
}

func partitionKey(prefix string, tp TopicPartition) string {
	return fmt.Sprintf("%s%s/%d", prefix, tp.Topic, tp.Partition)
}

// ParsePartitionKey splits "<prefix><topic>/<partition>" back into its parts.
// ok is false for keys that do not live under prefix or do not end in a
// partition number.
func ParsePartitionKey(prefix, key string) (TopicPartition, bool) {
	if !strings.HasPrefix(key, prefix) {
		return TopicPartition{}, false
	}
	rest := key[len(prefix):]
	i := strings.LastIndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return TopicPartition{}, false
	}
	p, err := strconv.ParseInt(rest[i+1:], 10, 32)
	if err != nil || p < 0 {
		return TopicPartition{}, false
	}
	return TopicPartition{Topic: rest[:i], Partition: int32(p)}, true
}

func encode(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}

func decode[T any](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
