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
	"fmt"
	"sync"
	"time"

	"github.com/keelstream/keeper/checkpoint"
	"github.com/keelstream/keeper/kit"
)

const workerBatchBuffer = 16
const workerInterjectionBuffer = 4

// trackedMessage pairs a polled message with its tracker handle for dispatch.
type trackedMessage struct {
	msg    IncomingMessage
	handle *MessageHandle
}

// partitionWorker dispatches one partition's messages to the Processor, one
// at a time in offset order. Batches cross from the poll loop over a buffered
// channel; an add against a full channel blocks the poll loop, which is the
// per-partition half of backpressure. Completion may happen inside the
// Processor or later from any goroutine via the MessageHandle. Interjections
// run on the same goroutine between batches, so they see a quiesced store.
type partitionWorker[T checkpoint.Store] struct {
	tp              TopicPartition
	rs              kit.RunStatus
	store           T
	processor       Processor[T]
	errorHandler    ProcessorErrorHandler
	onFailPartition func(TopicPartition)
	onFailConsumer  func()
	emit            func(Metric)
	groupId         string
	batches         chan []trackedMessage
	interjections   chan *interjection[T]

	periodicMux sync.Mutex
	periodic    []*interjection[T]
}

func newPartitionWorker[T checkpoint.Store](parent kit.RunStatus, tp TopicPartition, store T,
	processor Processor[T], errorHandler ProcessorErrorHandler,
	onFailPartition func(TopicPartition), onFailConsumer func(),
	emit func(Metric), groupId string) *partitionWorker[T] {

	w := &partitionWorker[T]{
		tp:              tp,
		rs:              parent.Fork(),
		store:           store,
		processor:       processor,
		errorHandler:    errorHandler,
		onFailPartition: onFailPartition,
		onFailConsumer:  onFailConsumer,
		emit:            emit,
		groupId:         groupId,
		batches:         make(chan []trackedMessage, workerBatchBuffer),
		interjections:   make(chan *interjection[T], workerInterjectionBuffer),
	}
	go w.work()
	return w
}

// add hands a polled batch to the worker. Returns false if the worker halted
// first, in which case the batch's handles have been discarded.
func (w *partitionWorker[T]) add(batch []trackedMessage) bool {
	select {
	case w.batches <- batch:
		return true
	case <-w.rs.Done():
		discardAll(batch)
		return false
	}
}

func (w *partitionWorker[T]) work() {
	defer w.drainDiscard()
	for {
		select {
		case batch := <-w.batches:
			w.dispatch(batch)
		case ij := <-w.interjections:
			w.runInterjection(ij)
		case <-w.rs.Done():
			return
		}
	}
}

// drainDiscard runs once the worker halts: recurring interjections are
// cancelled, queued batches release their handles (their offsets stay
// uncommitted and will be redelivered to the next owner) and queued one-off
// interjections are refused.
func (w *partitionWorker[T]) drainDiscard() {
	w.periodicMux.Lock()
	for _, ij := range w.periodic {
		ij.cancel()
	}
	w.periodicMux.Unlock()
	for {
		select {
		case batch := <-w.batches:
			discardAll(batch)
		case ij := <-w.interjections:
			if ij.oneOff() {
				ij.done <- ErrPartitionNotActive
			}
		default:
			return
		}
	}
}

func discardAll(batch []trackedMessage) {
	for _, tm := range batch {
		tm.handle.discard()
	}
}

func (w *partitionWorker[T]) dispatch(batch []trackedMessage) {
	start := time.Now()
	processed, bytes := 0, 0
	for i, tm := range batch {
		if !w.rs.Running() {
			discardAll(batch[i:])
			break
		}
		w.invoke(tm)
		processed++
		bytes += tm.msg.MemoryBytes()
	}
	if processed == 0 {
		return
	}
	w.emit(Metric{
		Operation:      ProcessOperation,
		Topic:          w.tp.Topic,
		Partition:      w.tp.Partition,
		GroupId:        w.groupId,
		StartTime:      start,
		EndTime:        time.Now(),
		Count:          processed,
		Bytes:          bytes,
		PartitionCount: 1,
	})
}

func (w *partitionWorker[T]) invoke(tm trackedMessage) {
	defer func() {
		if r := recover(); r != nil {
			w.fail(tm, fmt.Errorf("processor panic: %v", r))
		}
	}()
	if err := w.processor(w.store, tm.msg, tm.handle); err != nil {
		w.fail(tm, err)
	}
}

// fail routes a processor error through the configured handler. In every
// non-fatal outcome the message is completed as failed so the partition can
// still drain.
func (w *partitionWorker[T]) fail(tm trackedMessage, err error) {
	w.emit(Metric{
		Operation:      ProcessFailureOperation,
		Topic:          w.tp.Topic,
		Partition:      w.tp.Partition,
		GroupId:        w.groupId,
		StartTime:      time.Now(),
		EndTime:        time.Now(),
		Count:          1,
		PartitionCount: 1,
	})
	switch w.errorHandler(w.tp, tm.msg.Offset(), err) {
	case CompleteAndContinue:
		tm.handle.Complete(Fail(err.Error()))
	case FailPartition:
		tm.handle.Complete(Fail(err.Error()))
		w.onFailPartition(w.tp)
	case FailConsumer:
		tm.handle.Complete(Fail(err.Error()))
		w.onFailConsumer()
	case FatallyExit:
		log.Errorf("fatal processor error for %+v, offset: %d, error: %v", w.tp, tm.msg.Offset(), err)
		panic(err)
	}
}

// interject queues fn as a one-off and waits for its result. The worker halting
// at any point resolves the wait with ErrPartitionNotActive.
func (w *partitionWorker[T]) interject(ctx context.Context, fn Interjector[T]) error {
	ij := &interjection[T]{fn: fn, done: make(chan error, 1)}
	select {
	case w.interjections <- ij:
	case <-w.rs.Done():
		return ErrPartitionNotActive
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ij.done:
		return err
	case <-w.rs.Done():
		// the worker may have finished the run while halting
		select {
		case err := <-ij.done:
			return err
		default:
		}
		return ErrPartitionNotActive
	case <-ctx.Done():
		return ctx.Err()
	}
}

// scheduleInterjection registers a recurring interjection, first run one
// jittered interval from now.
func (w *partitionWorker[T]) scheduleInterjection(every, jitter time.Duration, fn Interjector[T]) {
	ij := &interjection[T]{fn: fn, every: every, jitter: jitter}
	w.periodicMux.Lock()
	w.periodic = append(w.periodic, ij)
	w.periodicMux.Unlock()
	ij.tick(w)
}

func (w *partitionWorker[T]) runInterjection(ij *interjection[T]) {
	err := w.safeInterject(ij)
	if ij.oneOff() {
		ij.done <- err
		return
	}
	if err != nil {
		log.Errorf("interjection failed for %+v, error: %v", w.tp, err)
	}
	ij.tick(w)
}

func (w *partitionWorker[T]) safeInterject(ij *interjection[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interjection panic: %v", r)
		}
	}()
	return ij.fn(w.store, w.tp, time.Now())
}
