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

package kit

import (
	"context"
	"time"
)

// RunStatus wraps a cancellable Context for the purpose of signalling a
// sub-process that it should halt. RunStatuses form a tree via Fork:
// halting a parent halts all of its children, halting a child leaves the
// parent running.
type RunStatus struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Creates a RunStatus. If `parent` == nil, context.Background() is used.
func NewRunStatus(parent context.Context) RunStatus {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return RunStatus{ctx, cancel}
}

func (rs RunStatus) Ctx() context.Context {
	return rs.ctx
}

func (rs RunStatus) Err() error {
	return rs.ctx.Err()
}

func (rs RunStatus) Done() <-chan struct{} {
	return rs.ctx.Done()
}

func (rs RunStatus) Running() bool {
	return rs.ctx.Err() == nil
}

func (rs RunStatus) Halt() {
	rs.cancel()
}

// Creates a new child RunStatus, using the current RunStatus.Ctx() as a parent.
// The equivalent of calling:
//
//	NewRunStatus(rs.Ctx())
func (rs RunStatus) Fork() RunStatus {
	return NewRunStatus(rs.Ctx())
}

// ForkWithTimeout creates a child RunStatus which additionally halts itself
// once `d` has elapsed. The returned RunStatus must still be Halted by the
// caller to release its timer promptly.
func (rs RunStatus) ForkWithTimeout(d time.Duration) RunStatus {
	ctx, cancel := context.WithTimeout(rs.ctx, d)
	return RunStatus{ctx, cancel}
}

// ForkWithDeadline is ForkWithTimeout with an absolute wall-clock deadline.
func (rs RunStatus) ForkWithDeadline(t time.Time) RunStatus {
	ctx, cancel := context.WithDeadline(rs.ctx, t)
	return RunStatus{ctx, cancel}
}
