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
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrLeaseExpired is returned by Lease.Put after the lease has been released
// or expired.
var ErrLeaseExpired = errors.New("lease expired")

// MemoryCoordinator is a process-local Coordinator with the same revision,
// lease and watch semantics as EtcdCoordinator. It backs the package tests
// and single-process deployments that have no etcd to talk to. Leases never
// expire on their own; tests drive expiry through ExpireLease.
type MemoryCoordinator struct {
	mu       sync.Mutex
	revision int64
	entries  map[string]memoryEntry
	watchers map[*memoryWatcher]struct{}
	leases   map[string]*memoryLease
	leaders  map[string]*memoryLeadership
	waiters  map[string][]chan struct{}
}

type memoryEntry struct {
	value    []byte
	revision int64
	lease    *memoryLease // nil when unleased
}

func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{
		entries:  make(map[string]memoryEntry),
		watchers: make(map[*memoryWatcher]struct{}),
		leases:   make(map[string]*memoryLease),
		leaders:  make(map[string]*memoryLeadership),
		waiters:  make(map[string][]chan struct{}),
	}
}

func (mc *MemoryCoordinator) Register(ctx context.Context, key string, value []byte) (Lease, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	// re-registering a key replaces its previous lease, as a new etcd session
	// would
	mc.expireLocked(mc.leases[key])
	ml := &memoryLease{mc: mc, key: key, done: make(chan struct{})}
	mc.leases[key] = ml
	mc.putLocked(key, value, ml)
	return ml, nil
}

// ExpireLease expires the lease registered under key, deleting every record
// bound to it. Tests use this to simulate a consumer crash.
func (mc *MemoryCoordinator) ExpireLease(key string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.expireLocked(mc.leases[key])
}

func (mc *MemoryCoordinator) expireLocked(ml *memoryLease) {
	if ml == nil || ml.expired {
		return
	}
	ml.expired = true
	close(ml.done)
	delete(mc.leases, ml.key)
	var bound []string
	for key, e := range mc.entries {
		if e.lease == ml {
			bound = append(bound, key)
		}
	}
	sort.Strings(bound)
	for _, key := range bound {
		mc.deleteLocked(key)
	}
}

func (mc *MemoryCoordinator) Get(ctx context.Context, key string) (KeyValue, bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	e, ok := mc.entries[key]
	if !ok {
		return KeyValue{}, false, nil
	}
	return KeyValue{Key: key, Value: append([]byte(nil), e.value...), Revision: e.revision}, true, nil
}

func (mc *MemoryCoordinator) List(ctx context.Context, prefix string) ([]KeyValue, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	var out []KeyValue
	for key, e := range mc.entries {
		if strings.HasPrefix(key, prefix) {
			out = append(out, KeyValue{Key: key, Value: append([]byte(nil), e.value...), Revision: e.revision})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (mc *MemoryCoordinator) PutIfRevision(ctx context.Context, key string, value []byte, expected int64) (int64, bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	e, ok := mc.entries[key]
	if expected == 0 && ok {
		return 0, false, nil
	}
	if expected != 0 && (!ok || e.revision != expected) {
		return 0, false, nil
	}
	// an unleased put clears any lease binding, matching an etcd put without
	// a lease option
	mc.putLocked(key, value, nil)
	return mc.revision, true, nil
}

func (mc *MemoryCoordinator) DeleteIfRevision(ctx context.Context, key string, expected int64) (bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	e, ok := mc.entries[key]
	if !ok {
		return false, nil
	}
	if expected != 0 && e.revision != expected {
		return false, nil
	}
	mc.deleteLocked(key)
	return true, nil
}

func (mc *MemoryCoordinator) putLocked(key string, value []byte, lease *memoryLease) {
	mc.revision++
	stored := append([]byte(nil), value...)
	mc.entries[key] = memoryEntry{value: stored, revision: mc.revision, lease: lease}
	mc.notifyLocked(Event{KeyValue: KeyValue{Key: key, Value: stored, Revision: mc.revision}})
}

func (mc *MemoryCoordinator) deleteLocked(key string) {
	if _, ok := mc.entries[key]; !ok {
		return
	}
	delete(mc.entries, key)
	mc.revision++
	mc.notifyLocked(Event{KeyValue: KeyValue{Key: key, Revision: mc.revision}, Deleted: true})
}

func (mc *MemoryCoordinator) notifyLocked(e Event) {
	for w := range mc.watchers {
		if strings.HasPrefix(e.Key, w.prefix) {
			w.queue = append(w.queue, e)
			select {
			case w.notify <- struct{}{}:
			default:
			}
		}
	}
}

func (mc *MemoryCoordinator) Watch(ctx context.Context, prefix string) <-chan Event {
	w := &memoryWatcher{
		prefix: prefix,
		out:    make(chan Event),
		notify: make(chan struct{}, 1),
	}
	mc.mu.Lock()
	mc.watchers[w] = struct{}{}
	mc.mu.Unlock()
	go w.pump(ctx, mc)
	return w.out
}

type memoryWatcher struct {
	prefix string
	out    chan Event
	notify chan struct{}
	queue  []Event // guarded by MemoryCoordinator.mu
}

// pump drains the watcher's queue to its subscriber. Writers only append and
// tap notify, so a slow subscriber backs up its own queue without ever
// blocking the coordinator.
func (w *memoryWatcher) pump(ctx context.Context, mc *MemoryCoordinator) {
	defer func() {
		mc.mu.Lock()
		delete(mc.watchers, w)
		mc.mu.Unlock()
		close(w.out)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.notify:
		}
		for {
			mc.mu.Lock()
			if len(w.queue) == 0 {
				mc.mu.Unlock()
				break
			}
			e := w.queue[0]
			w.queue = w.queue[1:]
			mc.mu.Unlock()
			select {
			case w.out <- e:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (mc *MemoryCoordinator) Campaign(ctx context.Context, election, candidate string) (Leadership, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mc.mu.Lock()
		if mc.leaders[election] == nil {
			lead := &memoryLeadership{mc: mc, election: election, candidate: candidate, done: make(chan struct{})}
			mc.leaders[election] = lead
			mc.mu.Unlock()
			return lead, nil
		}
		wait := make(chan struct{})
		mc.waiters[election] = append(mc.waiters[election], wait)
		mc.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// RevokeLeadership forcibly unseats the current leader of election, as a
// lapsed etcd session would. Tests use this to exercise re-campaigning.
func (mc *MemoryCoordinator) RevokeLeadership(election string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.unseatLocked(mc.leaders[election])
}

func (mc *MemoryCoordinator) unseatLocked(lead *memoryLeadership) {
	if lead == nil || lead.unseated {
		return
	}
	lead.unseated = true
	close(lead.done)
	delete(mc.leaders, lead.election)
	// wake every waiter; the first to reacquire the lock wins and the rest
	// queue again
	for _, wait := range mc.waiters[lead.election] {
		close(wait)
	}
	delete(mc.waiters, lead.election)
}

func (mc *MemoryCoordinator) Close() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	for _, ml := range mc.leases {
		mc.expireLocked(ml)
	}
	for _, lead := range mc.leaders {
		mc.unseatLocked(lead)
	}
	return nil
}

type memoryLease struct {
	mc      *MemoryCoordinator
	key     string
	done    chan struct{}
	expired bool // guarded by mc.mu
}

func (ml *memoryLease) Put(ctx context.Context, key string, value []byte) error {
	ml.mc.mu.Lock()
	defer ml.mc.mu.Unlock()
	if ml.expired {
		return ErrLeaseExpired
	}
	ml.mc.putLocked(key, value, ml)
	return nil
}

func (ml *memoryLease) Done() <-chan struct{} {
	return ml.done
}

func (ml *memoryLease) Release(ctx context.Context) error {
	ml.mc.mu.Lock()
	defer ml.mc.mu.Unlock()
	ml.mc.expireLocked(ml)
	return nil
}

type memoryLeadership struct {
	mc        *MemoryCoordinator
	election  string
	candidate string
	done      chan struct{}
	unseated  bool // guarded by mc.mu
}

func (lead *memoryLeadership) Done() <-chan struct{} {
	return lead.done
}

func (lead *memoryLeadership) Resign(ctx context.Context) error {
	lead.mc.mu.Lock()
	defer lead.mc.mu.Unlock()
	lead.mc.unseatLocked(lead)
	return nil
}
