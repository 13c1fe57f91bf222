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

import "context"

// KeyValue is one coordinator record along with the revision observed when it
// was read. Revisions are cluster-wide and strictly increasing; a record's
// revision changes on every write to it.
type KeyValue struct {
	Key      string
	Value    []byte
	Revision int64
}

// Event is a single change under a watched prefix. For deletions Value is nil
// and Revision is the revision at which the key disappeared.
type Event struct {
	KeyValue
	Deleted bool
}

// Lease is a liveness handle. Keys written through it are removed by the
// coordinator when the lease expires or is released, which is what turns a
// consumer crash into a visible membership change.
type Lease interface {
	// Put writes a key bound to this lease.
	Put(ctx context.Context, key string, value []byte) error
	// Done is closed when the lease is lost, whether by Release or by
	// keepalive failure.
	Done() <-chan struct{}
	// Release gives up the lease, deleting every key bound to it.
	Release(ctx context.Context) error
}

// Leadership is held by the winner of Campaign until it resigns or its
// session with the coordinator lapses.
type Leadership interface {
	// Done is closed when leadership is lost.
	Done() <-chan struct{}
	Resign(ctx context.Context) error
}

// Coordinator is the keeper control plane store: leased liveness keys,
// revision-guarded records, prefix watches and leader election.
// EtcdCoordinator is the production implementation; MemoryCoordinator backs
// tests and single-process setups.
type Coordinator interface {
	// Register claims a leased liveness key and keeps it alive until the
	// lease is released or the caller's process dies.
	Register(ctx context.Context, key string, value []byte) (Lease, error)
	// Get reads one key. ok is false when the key does not exist.
	Get(ctx context.Context, key string) (kv KeyValue, ok bool, err error)
	// List reads every key under prefix in ascending key order.
	List(ctx context.Context, prefix string) ([]KeyValue, error)
	// PutIfRevision writes key only if its current revision matches expected.
	// expected 0 means the key must not exist yet. On success ok is true and
	// revision is the key's new revision; on a lost race ok is false.
	PutIfRevision(ctx context.Context, key string, value []byte, expected int64) (revision int64, ok bool, err error)
	// DeleteIfRevision deletes key only if its current revision matches
	// expected; expected 0 deletes unconditionally. ok reports whether a key
	// was actually removed.
	DeleteIfRevision(ctx context.Context, key string, expected int64) (ok bool, err error)
	// Watch streams changes under prefix until ctx is done, after which the
	// channel is closed. Events for a single key arrive in revision order.
	Watch(ctx context.Context, prefix string) <-chan Event
	// Campaign blocks until this candidate holds the named election, or ctx
	// is done.
	Campaign(ctx context.Context, election, candidate string) (Leadership, error)
	Close() error
}
