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
Package stores provides typed conveniences over a partition's
[checkpoint.Store]. A [Table] gives one logical record type its own key space
inside the partition store, so several tables can share a store without
interfering with each other or with the reserved keys keeper maintains.
Everything written through a Table lives in the partition store and therefore
travels inside checkpoints and survives restore like any other write.

These helpers cover flat key/value shapes. If your state needs ordering,
range scans or secondary indexes, encode that into your keys directly against
the [checkpoint.Store] (see [keeper.LexoInt64Codec] for order-preserving
integer keys) or maintain your own structures on top of it.
*/
package stores

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/keelstream/keeper"
	"github.com/keelstream/keeper/checkpoint"
)

// Table is a typed view over a named region of a partition's store. Tables are
// cheap and stateless; create them per partition in your store factory or on
// the fly inside a Processor. Tables on the same store must use distinct names.
type Table[T any] struct {
	store  checkpoint.Store
	prefix []byte
	codec  keeper.Codec[T]
}

// NewTable creates a typed view over store, with every key living under name.
// Panics if name is empty or contains '/'.
func NewTable[T any](store checkpoint.Store, name string, codec keeper.Codec[T]) Table[T] {
	if len(name) == 0 || strings.ContainsRune(name, '/') || name[0] == 0 {
		panic(fmt.Sprintf("invalid table name %q", name))
	}
	return Table[T]{store: store, prefix: []byte(name + "/"), codec: codec}
}

// NewJsonTable is [NewTable] with a [keeper.JsonCodec] for T.
func NewJsonTable[T any](store checkpoint.Store, name string) Table[T] {
	return NewTable[T](store, name, keeper.JsonCodec[T]{})
}

func (t Table[T]) key(key string) []byte {
	k := make([]byte, 0, len(t.prefix)+len(key))
	k = append(k, t.prefix...)
	return append(k, key...)
}

// Get retrieves the item stored under key. ok is false when the key is absent.
func (t Table[T]) Get(key string) (item T, ok bool, err error) {
	value, found, err := t.store.Get(t.key(key))
	if err != nil || !found {
		return item, false, err
	}
	if item, err = t.codec.Decode(value); err != nil {
		return item, false, fmt.Errorf("decoding %s%s: %w", t.prefix, key, err)
	}
	return item, true, nil
}

// Put upserts item under key.
func (t Table[T]) Put(key string, item T) error {
	var buf bytes.Buffer
	if err := t.codec.Encode(&buf, item); err != nil {
		return fmt.Errorf("encoding %s%s: %w", t.prefix, key, err)
	}
	return t.store.Put(t.key(key), buf.Bytes())
}

// Delete removes key. Deleting an absent key is not an error.
func (t Table[T]) Delete(key string) error {
	return t.store.Delete(t.key(key))
}

// Keyed is implemented by items that carry their own identity.
type Keyed interface {
	Key() string
}

// SimpleStore persists [Keyed] items under their own keys, JSON encoded. The
// simplest useful shape for Processor state:
//
//	contacts := stores.NewSimpleStore[Contact](store, "contacts")
//	contacts.Put(contact)
//	contact, ok, err := contacts.Get(id)
type SimpleStore[T Keyed] struct {
	table Table[T]
}

// NewSimpleStore creates a SimpleStore over store, with every key living under
// name. Panics if name is empty or contains '/'.
func NewSimpleStore[T Keyed](store checkpoint.Store, name string) *SimpleStore[T] {
	return &SimpleStore[T]{table: NewJsonTable[T](store, name)}
}

func (s *SimpleStore[T]) Put(item T) error {
	return s.table.Put(item.Key(), item)
}

func (s *SimpleStore[T]) Get(id string) (T, bool, error) {
	return s.table.Get(id)
}

func (s *SimpleStore[T]) Delete(item T) error {
	return s.table.Delete(item.Key())
}
