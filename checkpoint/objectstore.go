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
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned by ObjectStore.Get for keys that do not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the slim surface keeper needs from a durable object storage
// vendor. Keys are slash separated and relative to whatever bucket or root the
// implementation was built with. Implementations must be safe for concurrent
// use.
type ObjectStore interface {
	// Put writes length bytes from body under key, replacing any prior object.
	Put(ctx context.Context, key string, body io.Reader, length int64) error
	// Get opens the object at key for reading and reports its size. Returns
	// ErrObjectNotFound for absent keys. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)
	// List returns every key under prefix in ascending lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes the given keys. Absent keys are not an error.
	Delete(ctx context.Context, keys ...string) error
}
