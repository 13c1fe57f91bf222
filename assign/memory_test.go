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
	"testing"
	"time"
)

func TestMemoryCoordinatorRevisionGuards(t *testing.T) {
	ctx := context.Background()
	mc := NewMemoryCoordinator()
	defer mc.Close()

	rev, ok, err := mc.PutIfRevision(ctx, "/k", []byte("a"), 0)
	if err != nil || !ok {
		t.Fatalf("create failed: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := mc.PutIfRevision(ctx, "/k", []byte("b"), 0); ok {
		t.Errorf("create-only put succeeded over an existing key")
	}
	if _, ok, _ := mc.PutIfRevision(ctx, "/k", []byte("b"), rev+100); ok {
		t.Errorf("put with a stale revision succeeded")
	}
	rev2, ok, err := mc.PutIfRevision(ctx, "/k", []byte("b"), rev)
	if err != nil || !ok {
		t.Fatalf("guarded put failed: ok=%v err=%v", ok, err)
	}
	if rev2 <= rev {
		t.Errorf("revision did not advance, %d then %d", rev, rev2)
	}
	kv, found, err := mc.Get(ctx, "/k")
	if err != nil || !found {
		t.Fatalf("get failed: found=%v err=%v", found, err)
	}
	if string(kv.Value) != "b" || kv.Revision != rev2 {
		t.Errorf("got %s at %d, expected b at %d", kv.Value, kv.Revision, rev2)
	}

	if ok, _ := mc.DeleteIfRevision(ctx, "/k", rev); ok {
		t.Errorf("delete with a stale revision succeeded")
	}
	if ok, err := mc.DeleteIfRevision(ctx, "/k", rev2); err != nil || !ok {
		t.Fatalf("guarded delete failed: ok=%v err=%v", ok, err)
	}
	if ok, _ := mc.DeleteIfRevision(ctx, "/k", 0); ok {
		t.Errorf("deleting a missing key reported a deletion")
	}
	if _, found, _ := mc.Get(ctx, "/k"); found {
		t.Errorf("key still present after delete")
	}
}

func TestMemoryCoordinatorListSortsByKey(t *testing.T) {
	ctx := context.Background()
	mc := NewMemoryCoordinator()
	defer mc.Close()
	for _, key := range []string{"/t/c", "/t/a", "/t/b", "/other/z"} {
		if _, ok, err := mc.PutIfRevision(ctx, key, []byte(key), 0); err != nil || !ok {
			t.Fatalf("seeding %s: ok=%v err=%v", key, ok, err)
		}
	}
	kvs, err := mc.List(ctx, "/t/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(kvs) != 3 {
		t.Fatalf("expected 3 keys, got %d", len(kvs))
	}
	for i, want := range []string{"/t/a", "/t/b", "/t/c"} {
		if kvs[i].Key != want {
			t.Errorf("position %d holds %s, expected %s", i, kvs[i].Key, want)
		}
	}
}

func TestMemoryCoordinatorLeaseCleanup(t *testing.T) {
	ctx := context.Background()
	mc := NewMemoryCoordinator()
	defer mc.Close()

	lease, err := mc.Register(ctx, "/consumers/w1", []byte("w1"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := lease.Put(ctx, "/ready/orders/1", []byte("x")); err != nil {
		t.Fatalf("lease put: %v", err)
	}
	if err := lease.Put(ctx, "/ready/orders/2", []byte("x")); err != nil {
		t.Fatalf("lease put: %v", err)
	}
	// an unleased record must survive the lease
	if _, ok, err := mc.PutIfRevision(ctx, "/assignments/orders/1", []byte("x"), 0); err != nil || !ok {
		t.Fatalf("unleased put: ok=%v err=%v", ok, err)
	}

	mc.ExpireLease("/consumers/w1")
	select {
	case <-lease.Done():
	case <-time.After(time.Second):
		t.Fatalf("lease Done not closed after expiry")
	}
	for _, key := range []string{"/consumers/w1", "/ready/orders/1", "/ready/orders/2"} {
		if _, found, _ := mc.Get(ctx, key); found {
			t.Errorf("%s survived lease expiry", key)
		}
	}
	if _, found, _ := mc.Get(ctx, "/assignments/orders/1"); !found {
		t.Errorf("unleased key deleted by lease expiry")
	}
	if err := lease.Put(ctx, "/ready/orders/3", []byte("x")); !errors.Is(err, ErrLeaseExpired) {
		t.Errorf("put on an expired lease returned %v, expected ErrLeaseExpired", err)
	}
}

func TestMemoryCoordinatorWatchDeliversInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mc := NewMemoryCoordinator()
	defer mc.Close()

	events := mc.Watch(ctx, "/a/")
	if _, ok, err := mc.PutIfRevision(ctx, "/a/1", []byte("one"), 0); err != nil || !ok {
		t.Fatalf("put: ok=%v err=%v", ok, err)
	}
	rev, ok, err := mc.PutIfRevision(ctx, "/a/2", []byte("two"), 0)
	if err != nil || !ok {
		t.Fatalf("put: ok=%v err=%v", ok, err)
	}
	if _, ok, err := mc.PutIfRevision(ctx, "/b/1", []byte("elsewhere"), 0); err != nil || !ok {
		t.Fatalf("put: ok=%v err=%v", ok, err)
	}
	if ok, err := mc.DeleteIfRevision(ctx, "/a/2", rev); err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}

	expect := []struct {
		key     string
		value   string
		deleted bool
	}{
		{"/a/1", "one", false},
		{"/a/2", "two", false},
		{"/a/2", "", true},
	}
	var lastRev int64
	for _, want := range expect {
		select {
		case e := <-events:
			if e.Key != want.key || string(e.Value) != want.value || e.Deleted != want.deleted {
				t.Errorf("got event %+v, expected %+v", e, want)
			}
			if e.Revision <= lastRev {
				t.Errorf("revision went backwards, %d after %d", e.Revision, lastRev)
			}
			lastRev = e.Revision
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event on %s", want.key)
		}
	}
	cancel()
	select {
	case _, open := <-events:
		if open {
			// a queued event may still drain, but the channel has to close
			for open {
				select {
				case _, open = <-events:
				case <-time.After(time.Second):
					t.Fatalf("watch channel never closed after cancel")
				}
			}
		}
	case <-time.After(time.Second):
		t.Fatalf("watch channel never closed after cancel")
	}
}

func TestMemoryCoordinatorCampaignQueues(t *testing.T) {
	ctx := context.Background()
	mc := NewMemoryCoordinator()
	defer mc.Close()

	first, err := mc.Campaign(ctx, "/election/x", "one")
	if err != nil {
		t.Fatalf("first campaign: %v", err)
	}
	type result struct {
		lead Leadership
		err  error
	}
	second := make(chan result, 1)
	go func() {
		lead, err := mc.Campaign(ctx, "/election/x", "two")
		second <- result{lead, err}
	}()
	select {
	case r := <-second:
		t.Fatalf("second candidate elected while the first still leads: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
	if err := first.Resign(ctx); err != nil {
		t.Fatalf("resign: %v", err)
	}
	select {
	case <-first.Done():
	default:
		t.Errorf("Done not closed after resign")
	}
	select {
	case r := <-second:
		if r.err != nil {
			t.Fatalf("second campaign: %v", r.err)
		}
		r.lead.Resign(ctx)
	case <-time.After(time.Second):
		t.Fatalf("second candidate never promoted after resign")
	}

	// a canceled campaign must give up its place in line
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := mc.Campaign(canceled, "/election/y", "z"); err == nil {
		t.Errorf("campaign with a canceled context returned no error")
	}
}
