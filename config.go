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

package keeper

import (
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/keelstream/keeper/checkpoint"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Called when a partition changes state on a consumer. Handlers must return
// quickly; they execute on the consumer's event path.
type PartitionEventHandler func(TopicPartition)

const DefaultCheckpointInterval = 30 * time.Second
const DefaultUploadParallelism = 4
const DefaultRetainLocalAttempts = 2
const DefaultImportAttemptDepth = 3
const DefaultImportParallelism = 4
const DefaultImportTimeout = 4 * time.Minute

// CheckpointConfig controls how partition stores are snapshotted into the
// object store and rebuilt from it.
type CheckpointConfig struct {
	// ObjectStore is where checkpoints live. Required. Use
	// [checkpoint.NewS3ObjectStore] in deployed applications or
	// [checkpoint.NewMemoryObjectStore] for local development.
	ObjectStore checkpoint.ObjectStore
	// LocalBaseDir roots the local store directories and checkpoint attempt
	// directories. Defaults to a keeper directory under os.TempDir(). Use a
	// persistent volume in deployed applications so warm state survives a
	// process restart.
	LocalBaseDir string
	// Interval between checkpoint attempts for each partition. Defaults to 30s.
	Interval time.Duration
	// UploadParallelism bounds concurrent file uploads per attempt. Defaults to 4.
	UploadParallelism int
	// RetainLocalAttempts is how many local attempt directories survive the
	// post-upload sweep. Defaults to 2.
	RetainLocalAttempts int
	// ImportAttemptDepth is how many checkpoints are tried, newest first, when
	// rebuilding a partition. Defaults to 3.
	ImportAttemptDepth int
	// ImportParallelism bounds concurrent file downloads per candidate. Defaults to 4.
	ImportParallelism int
	// ImportTimeout is the hard deadline for rebuilding one partition. Keep it
	// below the consumer group's max poll interval. Defaults to 4m.
	ImportTimeout time.Duration
}

func (cfg CheckpointConfig) validate() {
	if cfg.ObjectStore == nil {
		panic("CheckpointConfig.ObjectStore is nil")
	}
}

func (cfg CheckpointConfig) localBaseDir() string {
	if len(cfg.LocalBaseDir) == 0 {
		return filepath.Join(os.TempDir(), "keeper")
	}
	return cfg.LocalBaseDir
}

func (cfg CheckpointConfig) interval() time.Duration {
	if cfg.Interval <= 0 {
		return DefaultCheckpointInterval
	}
	return cfg.Interval
}

func (cfg CheckpointConfig) uploaderConfig() checkpoint.UploaderConfig {
	return checkpoint.UploaderConfig{
		Parallelism:         cfg.UploadParallelism,
		RetainLocalAttempts: cfg.RetainLocalAttempts,
	}
}

func (cfg CheckpointConfig) importConfig() checkpoint.ImportConfig {
	return checkpoint.ImportConfig{
		AttemptDepth: cfg.ImportAttemptDepth,
		Parallelism:  cfg.ImportParallelism,
		Timeout:      cfg.ImportTimeout,
	}
}

const DefaultMaxInFlight = 4096
const DefaultMaxInFlightBytes = 256 * 1024 * 1024
const DefaultCommitInterval = time.Second
const DefaultRebalanceDrainDeadline = 30 * time.Second

type ConsumerConfig struct {
	// The group id for the underlying Kafka consumer group. Required for
	// [NewConsumer]. Optional for [NewCoordinatedConsumer], which has no
	// group member but still commits safe offsets to this group when set,
	// keeping lag tooling honest.
	GroupId string
	// The Kafka Topic to consume. Required.
	Topic string
	// The desired number of partitions for Topic, applied when keeper creates it.
	NumPartitions int
	// The desired replication factor for Topic. Defaults to 1.
	ReplicationFactor int
	// The desired min-insync-replicas for Topic. Defaults to 1.
	MinInSync int
	// The Kafka cluster on which Topic resides. Required.
	Cluster Cluster
	// InstanceId names this process in assignment records and handoffs.
	// Defaults to a generated keeper-<uuid> name.
	InstanceId string

	// MaxInFlight caps the number of messages dispatched but not yet completed
	// across all partitions. Polling pauses while at the cap. Defaults to 4096.
	MaxInFlight int
	// MaxInFlightBytes caps the memory held by in-flight messages, counted via
	// [IncomingMessage.MemoryBytes]. Polling pauses while at the cap. Defaults
	// to 256MiB.
	MaxInFlightBytes int64
	// CommitInterval is how often safe offsets are committed to Kafka and
	// recorded in partition stores. Defaults to 1s.
	CommitInterval time.Duration
	// RebalanceDrainDeadline bounds how long a rebalance waits for in-flight
	// messages of revoked partitions. Messages still open at the deadline are
	// surrendered and will be redelivered by the next owner. Defaults to 30s.
	RebalanceDrainDeadline time.Duration
	// Balancers are the group rebalance strategies, in preference order.
	// Defaults to the warmth ranked balancer backed by cooperative-sticky.
	Balancers []kgo.GroupBalancer

	// HoldCommitOnFailure freezes a partition's committable offset at the last
	// success when a message completes failed, forcing redelivery of the
	// failed message after a restart or handoff. When false (the default) a
	// failed completion still releases its offset and failures are observable
	// through [Tracker.FailedCompletions] and the error handler only.
	HoldCommitOnFailure bool
	// ProcessorErrorHandler decides what happens after a message handler
	// returns an error or panics. Defaults to [DefaultProcessorErrorHandler].
	ProcessorErrorHandler ProcessorErrorHandler
	// ImportErrorHandler decides what happens when a partition store could not
	// be rebuilt from any checkpoint. Defaults to [DefaultImportErrorHandler].
	ImportErrorHandler ImportErrorHandler

	// Checkpoint controls snapshotting of partition stores. Required.
	Checkpoint CheckpointConfig

	// If non-nil, the consumer will emit [Metric] objects of varying types.
	// This is backed by a channel. If the channel is full (presumably because
	// the MetricsHandler is not able to keep up), keeper will drop the metric
	// and log at WARN level to prevent processing slow down.
	MetricsHandler MetricsHandler

	// Called when a partition's store is warm and the partition begins
	// processing on this consumer.
	OnPartitionActivated PartitionEventHandler
	// Called after a revoked partition has drained, committed and released its
	// store.
	OnPartitionRevoked PartitionEventHandler
}

func (cfg ConsumerConfig) validate(requireGroup bool) {
	if len(cfg.Topic) == 0 {
		panic("ConsumerConfig.Topic is empty")
	}
	if cfg.Cluster == nil {
		panic("ConsumerConfig.Cluster is nil")
	}
	if requireGroup && len(cfg.GroupId) == 0 {
		panic("ConsumerConfig.GroupId is empty")
	}
	cfg.Checkpoint.validate()
}

func (cfg ConsumerConfig) maxInFlight() int {
	if cfg.MaxInFlight <= 0 {
		return DefaultMaxInFlight
	}
	return cfg.MaxInFlight
}

func (cfg ConsumerConfig) maxInFlightBytes() int64 {
	if cfg.MaxInFlightBytes <= 0 {
		return DefaultMaxInFlightBytes
	}
	return cfg.MaxInFlightBytes
}

func (cfg ConsumerConfig) commitInterval() time.Duration {
	if cfg.CommitInterval <= 0 {
		return DefaultCommitInterval
	}
	return cfg.CommitInterval
}

func (cfg ConsumerConfig) drainDeadline() time.Duration {
	if cfg.RebalanceDrainDeadline <= 0 {
		return DefaultRebalanceDrainDeadline
	}
	return cfg.RebalanceDrainDeadline
}

func (cfg ConsumerConfig) processorErrorHandler() ProcessorErrorHandler {
	if cfg.ProcessorErrorHandler == nil {
		return DefaultProcessorErrorHandler
	}
	return cfg.ProcessorErrorHandler
}

func (cfg ConsumerConfig) importErrorHandler() ImportErrorHandler {
	if cfg.ImportErrorHandler == nil {
		return DefaultImportErrorHandler
	}
	return cfg.ImportErrorHandler
}

func (cfg ConsumerConfig) instanceId() string {
	if len(cfg.InstanceId) == 0 {
		return "keeper-" + uuid.NewString()
	}
	return cfg.InstanceId
}

func (cfg ConsumerConfig) balancers() []kgo.GroupBalancer {
	if len(cfg.Balancers) > 0 {
		return cfg.Balancers
	}
	return []kgo.GroupBalancer{NewWarmthRankedBalancer(), kgo.CooperativeStickyBalancer()}
}
