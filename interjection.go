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
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/keelstream/keeper/checkpoint"
)

// Returned by Interject when the named partition is not being served by this
// consumer, or stopped being served while the interjection was waiting.
var ErrPartitionNotActive = errors.New("partition is not active on this consumer")

// Interjector runs on a partition's worker goroutine, between messages, with
// exclusive access to the partition's store. This is the safe way to touch a
// live store from outside the Processor: bookkeeping sweeps, aggregate
// rollups, or serving a read-your-writes query. Writes made here ride the next
// checkpoint like any Processor write. See [Consumer.Interject] and
// [Consumer.ScheduleInterjection].
type Interjector[T checkpoint.Store] func(store T, tp TopicPartition, when time.Time) error

// scheduledInterjection is a recurring Interjector registration, replayed onto
// every partition worker the consumer activates.
type scheduledInterjection[T checkpoint.Store] struct {
	every  time.Duration
	jitter time.Duration
	fn     Interjector[T]
}

// interjection is one unit queued to a partition worker. A one-off carries a
// done channel for its caller; a recurring one re-arms its timer after every
// run until cancelled.
type interjection[T checkpoint.Store] struct {
	fn     Interjector[T]
	every  time.Duration
	jitter time.Duration
	done   chan error

	mu        sync.Mutex
	timer     *time.Timer
	cancelled bool
}

func (ij *interjection[T]) oneOff() bool {
	return ij.done != nil
}

// timerDuration is the interval for the next run, with jitter applied in
// either direction so partitions sharing a schedule spread out over time.
func (ij *interjection[T]) timerDuration() time.Duration {
	if ij.jitter == 0 {
		return ij.every
	}
	jitter := time.Duration(rand.Float64() * float64(ij.jitter))
	if rand.Intn(2) == 0 {
		return ij.every + jitter
	}
	return ij.every - jitter
}

// tick arms the timer for the next run, handing the interjection back to its
// worker when it fires. The send gives up once the worker halts.
func (ij *interjection[T]) tick(w *partitionWorker[T]) {
	if ij.oneOff() {
		return
	}
	delay := ij.timerDuration()
	log.Tracef("scheduling interjection for %+v in %v", w.tp, delay)
	ij.mu.Lock()
	defer ij.mu.Unlock()
	if ij.cancelled {
		return
	}
	ij.timer = time.AfterFunc(delay, func() {
		select {
		case w.interjections <- ij:
		case <-w.rs.Done():
		}
	})
}

func (ij *interjection[T]) cancel() {
	ij.mu.Lock()
	defer ij.mu.Unlock()
	ij.cancelled = true
	if ij.timer != nil {
		ij.timer.Stop()
	}
}

// Interject runs fn on tp's worker goroutine and returns its error once it has
// executed. The call waits behind whatever batch the worker is currently
// dispatching; give ctx a deadline if that wait matters. Returns
// [ErrPartitionNotActive] if this consumer is not serving tp. When the
// partition is torn down concurrently the error reports the teardown, whether
// or not fn managed to run.
func (c *Consumer[T]) Interject(ctx context.Context, tp TopicPartition, fn Interjector[T]) error {
	if tp.Topic != c.config.Topic {
		return ErrPartitionNotActive
	}
	c.workerMux.Lock()
	worker, ok := c.workers[tp.Partition]
	c.workerMux.Unlock()
	if !ok {
		return ErrPartitionNotActive
	}
	return worker.interject(ctx, fn)
}

// ScheduleInterjection arranges for fn to run on every partition this consumer
// serves, now and in the future, roughly every `every` with up to ±jitter
// applied per run. Recurring interjections stop when their partition is
// revoked; a returned error is logged and the schedule keeps going.
func (c *Consumer[T]) ScheduleInterjection(every, jitter time.Duration, fn Interjector[T]) {
	c.workerMux.Lock()
	c.scheduled = append(c.scheduled, scheduledInterjection[T]{every: every, jitter: jitter, fn: fn})
	for _, worker := range c.workers {
		worker.scheduleInterjection(every, jitter, fn)
	}
	c.workerMux.Unlock()
}

// Interject runs fn on tp's worker goroutine and returns its error once it has
// executed. See [Consumer.Interject]; semantics are identical.
func (c *CoordinatedConsumer[T]) Interject(ctx context.Context, tp TopicPartition, fn Interjector[T]) error {
	if tp.Topic != c.config.Topic {
		return ErrPartitionNotActive
	}
	c.workerMux.Lock()
	worker, ok := c.workers[tp.Partition]
	c.workerMux.Unlock()
	if !ok {
		return ErrPartitionNotActive
	}
	return worker.interject(ctx, fn)
}

// ScheduleInterjection arranges for fn to run on every partition this consumer
// serves. See [Consumer.ScheduleInterjection]; semantics are identical.
func (c *CoordinatedConsumer[T]) ScheduleInterjection(every, jitter time.Duration, fn Interjector[T]) {
	c.workerMux.Lock()
	c.scheduled = append(c.scheduled, scheduledInterjection[T]{every: every, jitter: jitter, fn: fn})
	for _, worker := range c.workers {
		worker.scheduleInterjection(every, jitter, fn)
	}
	c.workerMux.Unlock()
}
