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

/*
Keeper is a Kafka consumer framework for stateful applications. It gives each
partition a durable local store, checkpoints that store to object storage (S3
or anything that can pretend to be S3), and rebuilds it from the newest usable
checkpoint wherever the partition lands next. If you have ever watched a
Kafka Streams application replay a compacted changelog topic for twenty
minutes after a deployment, keeper is for you.

# What it is

A [Consumer] polls a topic as a regular member of a consumer group, hands each
message to your [Processor] along with the partition's open store, and commits
offsets for you. The store is a [github.com/keelstream/keeper/checkpoint.Store],
by default a pebble LSM instance per partition. On an interval, and again
when a partition is revoked, keeper snapshots the store, uploads only the
files that changed since the last checkpoint, and publishes a manifest that
records which files make up the snapshot and which source offset it covers.
Recovery is the reverse: download the manifest, fetch the files, open the
store, seek the source to the recorded offset and keep going. No changelog
topics, no compaction tuning, no rebuild-by-replay.

# Offsets without transactions

Keeper is at-least-once by design. Your Processor may complete messages out of
order, from any goroutine, via the [MessageHandle]; keeper tracks the highest
contiguous completed offset per partition and only ever commits that. After a
crash, the replayed window is exactly the gap between the last safe commit and
wherever processing had raced ahead. If your handlers are idempotent (make
them idempotent) this is a far simpler contract than transactional EOS and
does not throttle your tail latency to the producer's commit cadence.

A failed message does not hold up the watermark under the default policy; it
is recorded, surfaced through metrics and the error handler, and the stream
moves on. Set ConsumerConfig.HoldCommitOnFailure if a failure should freeze
the partition's committable offset at the last success instead.

# Stores

The checkpoint.Store contract is deliberately small: point reads and writes
over []byte, a flush, and a self-contained snapshot into a directory.
checkpoint.PebbleStore is the implementation to reach for; writes are unsynced
because durability comes from checkpoints, not the local WAL. The
[github.com/keelstream/keeper/stores] package adds typed tables over a store
if your state is flat key/value shapes. If it is not, encode your structure
into the keys; [LexoInt64Codec] exists for exactly that.

# Interjections

Your state is only useful if you can read it. Rather than prescribe yet
another query transport, keeper lets you run code on a partition's worker
goroutine, between messages, with exclusive access to the live store. One-off
interjections ([Consumer.Interject]) suit request/response lookups behind
whatever HTTP or gRPC surface you already run; scheduled interjections
([Consumer.ScheduleInterjection]) suit periodic rollups and bookkeeping
sweeps. Writes made in an interjection ride the next checkpoint like any
Processor write.

# Coordinated assignment

Group rebalancing moves partitions first and asks questions later; a store
that takes minutes to download should not learn its new home mid-rebalance.
For group mode, keeper ships a group balancer that ranks members by which of
them already hold a warm copy of each partition's checkpoint. For full
control, [CoordinatedConsumer] takes partition ownership out of the group
protocol entirely: an external assigner process (cmd/assignerd) leases
consumer liveness through etcd, plans handoffs, and tells the next owner to
warm a partition's store before the current owner stops serving it. The
assigner side of that protocol lives in [github.com/keelstream/keeper/assign].

# Kafka client library

Keeper is built on [kgo], which has the best throughput and latency profiles
we have measured among Go Kafka clients, and more importantly exposes the
hooks this design needs: cooperative rebalancing with custom balancers, a way
to hold fetching until stores warm (AdjustFetchOffsetsFn), and per-partition
pause and resume for the coordinated mode. Kudos to [kgo].

[kgo]: https://pkg.go.dev/github.com/twmb/franz-go/pkg/kgo
*/
package keeper
