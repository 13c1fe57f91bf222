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
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
)

// MemoryObjectStore is an ObjectStore held entirely in process memory. Useful
// for tests and for trying out keeper without an object storage account.
// Failures can be injected per key to exercise fallback paths.
type MemoryObjectStore struct {
	mu          sync.RWMutex
	objects     map[string][]byte
	getFailures map[string]error
	putFailures map[string]error
}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{
		objects:     map[string][]byte{},
		getFailures: map[string]error{},
		putFailures: map[string]error{},
	}
}

// FailGets makes subsequent Gets of key return err instead of the object.
func (m *MemoryObjectStore) FailGets(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getFailures[key] = err
}

// FailPuts makes subsequent Puts of key return err without storing anything.
func (m *MemoryObjectStore) FailPuts(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putFailures[key] = err
}

// Drop removes key outright, simulating external garbage collection.
func (m *MemoryObjectStore) Drop(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
}

// Len returns the number of stored objects.
func (m *MemoryObjectStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Bytes returns a copy of the object at key and whether it exists.
func (m *MemoryObjectStore) Bytes(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}

func (m *MemoryObjectStore) Put(ctx context.Context, key string, body io.Reader, length int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	failure := m.putFailures[key]
	m.mu.RUnlock()
	if failure != nil {
		return failure
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *MemoryObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.getFailures[key]; err != nil {
		return nil, 0, err
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, 0, ErrObjectNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return io.NopCloser(bytes.NewReader(out)), int64(len(out)), nil
}

func (m *MemoryObjectStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryObjectStore) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.objects, key)
	}
	return nil
}
