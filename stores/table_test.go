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

package stores

import (
	"path/filepath"
	"testing"

	"github.com/keelstream/keeper/checkpoint"
)

type contact struct {
	Id    string
	Email string
}

func (c contact) Key() string {
	return c.Id
}

func openTestStore(t *testing.T) *checkpoint.PebbleStore {
	t.Helper()
	store, err := checkpoint.OpenPebbleStore("orders", 0, t.TempDir())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTableRoundTrip(t *testing.T) {
	store := openTestStore(t)
	table := NewJsonTable[contact](store, "contacts")

	if _, ok, err := table.Get("123"); ok || err != nil {
		t.Fatalf("unexpected hit on an empty table: ok=%v, err=%v", ok, err)
	}
	want := contact{Id: "123", Email: "billy@bob.com"}
	if err := table.Put(want.Id, want); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := table.Get("123")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v, err=%v", ok, err)
	}
	if got != want {
		t.Errorf("got %+v, wanted %+v", got, want)
	}
	if err = table.Delete("123"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ = table.Get("123"); ok {
		t.Error("item survived delete")
	}
	if err = table.Delete("123"); err != nil {
		t.Errorf("deleting an absent key: %v", err)
	}
}

func TestTablesDoNotCollide(t *testing.T) {
	store := openTestStore(t)
	contacts := NewJsonTable[contact](store, "contacts")
	counts := NewJsonTable[int](store, "counts")

	if err := contacts.Put("a", contact{Id: "a"}); err != nil {
		t.Fatalf("put contact: %v", err)
	}
	if err := counts.Put("a", 42); err != nil {
		t.Fatalf("put count: %v", err)
	}
	if n, ok, err := counts.Get("a"); err != nil || !ok || n != 42 {
		t.Errorf("count under a shared key id: n=%d, ok=%v, err=%v", n, ok, err)
	}
	if c, ok, err := contacts.Get("a"); err != nil || !ok || c.Id != "a" {
		t.Errorf("contact under a shared key id: c=%+v, ok=%v, err=%v", c, ok, err)
	}
	if err := counts.Delete("a"); err != nil {
		t.Fatalf("delete count: %v", err)
	}
	if _, ok, _ := contacts.Get("a"); !ok {
		t.Error("deleting from one table removed the other's item")
	}
}

func TestTableNameValidation(t *testing.T) {
	store := openTestStore(t)
	for _, name := range []string{"", "a/b", "\x00keeper:"} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("expected a panic for table name %q", name)
				}
			}()
			NewJsonTable[int](store, name)
		}()
	}
}

func TestTableSurvivesCheckpoint(t *testing.T) {
	store := openTestStore(t)
	table := NewJsonTable[contact](store, "contacts")
	want := contact{Id: "123", Email: "billy@bob.com"}
	if err := table.Put(want.Id, want); err != nil {
		t.Fatalf("put: %v", err)
	}

	snapDir := filepath.Join(t.TempDir(), "snap")
	if _, err := store.Checkpoint(snapDir); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	restored, err := checkpoint.OpenPebbleStore("orders", 0, snapDir)
	if err != nil {
		t.Fatalf("opening snapshot: %v", err)
	}
	defer restored.Close()

	got, ok, err := NewJsonTable[contact](restored, "contacts").Get("123")
	if err != nil || !ok {
		t.Fatalf("get from snapshot: ok=%v, err=%v", ok, err)
	}
	if got != want {
		t.Errorf("snapshot returned %+v, wanted %+v", got, want)
	}
}

func TestSimpleStore(t *testing.T) {
	store := openTestStore(t)
	contacts := NewSimpleStore[contact](store, "contacts")

	want := contact{Id: "123", Email: "billy@bob.com"}
	if err := contacts.Put(want); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := contacts.Get("123")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v, err=%v", ok, err)
	}
	if got != want {
		t.Errorf("got %+v, wanted %+v", got, want)
	}
	if err = contacts.Delete(want); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ = contacts.Get("123"); ok {
		t.Error("item survived delete")
	}
}
