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
	"sync"
	"sync/atomic"
	"time"

	"github.com/keelstream/keeper/checkpoint"
	"github.com/keelstream/keeper/kit"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Processor handles one message against its partition's store. Complete the
// handle inside the call or hand it to another goroutine and complete it
// there; the message stays in flight, and its offset uncommitted, until the
// handle completes. Returning an error routes the message through the
// configured ProcessorErrorHandler.
type Processor[T checkpoint.Store] func(store T, msg IncomingMessage, handle *MessageHandle) error

// Consumer runs the poll, process, commit and checkpoint cycle for one group
// member. Partition stores are rebuilt from the newest usable checkpoint on
// assignment, snapshotted on an interval while owned and checkpointed a final
// time on revocation. A thick wrapper around a kgo.Client.
type Consumer[T checkpoint.Store] struct {
	config    ConsumerConfig
	client    *kgo.Client
	tracker   *Tracker
	stores    *storeManager[T]
	processor Processor[T]
	runStatus kit.RunStatus
	metrics   chan Metric

	// workerMux also guards scheduled, replayed onto workers as they activate
	workerMux sync.Mutex
	workers   map[int32]*partitionWorker[T]
	scheduled []scheduledInterjection[T]

	stopping uint32 // atomic; set once Stop begins, relaxes the revoke path
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewConsumer creates a Consumer in group mode: the Kafka group protocol
// drives partition ownership via cooperative rebalancing. Panics if config is
// invalid. additionalClientOptions are applied after keeper's own and must not
// touch the group lifecycle callbacks.
func NewConsumer[T checkpoint.Store](config ConsumerConfig, factory checkpoint.Factory[T], processor Processor[T], additionalClientOptions ...kgo.Opt) (*Consumer[T], error) {
	config.validate(true)
	c := &Consumer[T]{
		config:    config,
		tracker:   NewTracker(!config.HoldCommitOnFailure),
		processor: processor,
		runStatus: kit.NewRunStatus(context.Background()),
		metrics:   make(chan Metric, 1024),
		workers:   make(map[int32]*partitionWorker[T]),
		stopped:   make(chan struct{}),
	}
	c.stores = newStoreManager(config, factory, c.EmitMetric)
	groupBalancers := config.balancers()
	for _, gb := range groupBalancers {
		if wgb, ok := gb.(WarmthGroupBalancer); ok {
			c.stores.onWarm = wgb.PartitionWarmed
			break
		}
	}
	opts := []kgo.Opt{
		kgo.Balancers(groupBalancers...),
		kgo.ConsumerGroup(config.GroupId),
		kgo.ConsumeTopics(config.Topic),
		kgo.OnPartitionsAssigned(c.partitionsAssigned),
		kgo.OnPartitionsRevoked(c.partitionsRevoked),
		kgo.OnPartitionsLost(c.partitionsLost),
		kgo.SessionTimeout(6 * time.Second),
		kgo.FetchMaxWait(time.Second),
		kgo.AdjustFetchOffsetsFn(c.adjustOffsetsBeforeAssign),
		kgo.DisableAutoCommit()}
	if len(config.InstanceId) > 0 {
		opts = append(opts, kgo.InstanceID(config.InstanceId))
	}
	opts = append(opts, additionalClientOptions...)
	client, err := NewClient(config.Cluster, opts...)
	if err != nil {
		return nil, err
	}
	c.client = client
	return c, nil
}

// Start begins consuming. This call is non-blocking, so if called from
// main(), it should be followed by some other blocking call to prevent the
// application from exiting. See [Consumer.Done].
func (c *Consumer[T]) Start() {
	if c.config.NumPartitions > 0 {
		if _, err := CreateSourceTopic(c.config); err != nil {
			log.Errorf("could not create source topic %s, error: %v", c.config.Topic, err)
		}
	}
	go c.emitMetrics()
	go c.pollLoop()
	go c.commitLoop()
	go c.checkpointLoop()
}

// Client returns the underlying kgo.Client for admin calls or inspection.
func (c *Consumer[T]) Client() *kgo.Client {
	return c.client
}

// Tracker exposes in-flight and commit state, mainly for health reporting.
func (c *Consumer[T]) Tracker() *Tracker {
	return c.tracker
}

// Store returns the open store for tp, for read paths outside the Processor
// (interactive queries). ok is false while the partition is warming, failed
// or not assigned to this consumer.
func (c *Consumer[T]) Store(tp TopicPartition) (store T, ok bool) {
	ps, warm := c.stores.warm(tp)
	if !warm {
		var zero T
		return zero, false
	}
	return ps.store, true
}

// Done is closed once Stop completes.
func (c *Consumer[T]) Done() <-chan struct{} {
	return c.stopped
}

func (c *Consumer[T]) pollLoop() {
	for c.runStatus.Running() {
		c.awaitCapacity()
		if !c.runStatus.Running() {
			return
		}
		ctx, cancel := context.WithTimeout(c.runStatus.Ctx(), 10*time.Second)
		f := c.client.PollFetches(ctx)
		cancel()
		if f.IsClientClosed() {
			log.Infof("client closed for group: %v", c.config.GroupId)
			return
		}
		for _, err := range f.Errors() {
			if err.Err != ctx.Err() {
				log.Errorf("fetch error for %s/%d: %v", err.Topic, err.Partition, err.Err)
			}
		}
		start := time.Now()
		count, bytes := 0, 0
		f.EachPartition(func(p kgo.FetchTopicPartition) {
			n, b := c.receive(p)
			count += n
			bytes += b
		})
		if count > 0 {
			c.EmitMetric(Metric{
				Operation: PollOperation,
				Topic:     c.config.Topic,
				GroupId:   c.config.GroupId,
				StartTime: start,
				EndTime:   time.Now(),
				Count:     count,
				Bytes:     bytes,
			})
		}
	}
}

// awaitCapacity blocks while the tracker is at the in-flight message or byte
// cap. Completions land continuously, so a short tick is enough.
func (c *Consumer[T]) awaitCapacity() {
	maxMessages := int64(c.config.maxInFlight())
	maxBytes := c.config.maxInFlightBytes()
	if c.tracker.InFlight() < maxMessages && c.tracker.MemoryBytes() < maxBytes {
		return
	}
	ticker := time.NewTicker(drainTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.tracker.InFlight() < maxMessages && c.tracker.MemoryBytes() < maxBytes {
				return
			}
		case <-c.runStatus.Done():
			return
		}
	}
}

// receive tracks one partition's polled records and hands them to its worker.
// Records for inactive partitions are dropped here; their offsets are not
// committed and the next owner re-fetches them.
func (c *Consumer[T]) receive(p kgo.FetchTopicPartition) (int, int) {
	if len(p.Records) == 0 {
		return 0, 0
	}
	batch := make([]trackedMessage, 0, len(p.Records))
	bytes := 0
	for _, record := range p.Records {
		msg := newIncomingMessage(record)
		if handle := c.tracker.TrackMessage(msg); handle != nil {
			batch = append(batch, trackedMessage{msg: msg, handle: handle})
			bytes += msg.MemoryBytes()
		}
	}
	if len(batch) == 0 {
		return 0, 0
	}
	c.workerMux.Lock()
	worker, ok := c.workers[p.Partition]
	c.workerMux.Unlock()
	if !ok {
		// the partition was released between fence and lane teardown
		discardAll(batch)
		return 0, 0
	}
	if !worker.add(batch) {
		return 0, 0
	}
	return len(batch), bytes
}

func (c *Consumer[T]) partitionsAssigned(_ context.Context, _ *kgo.Client, assignments map[string][]int32) {
	for topic, partitions := range assignments {
		log.Debugf("assigned topic: %s, partitions: %v", topic, partitions)
		for _, partition := range partitions {
			c.stores.beginWarming(c.runStatus, ntp(partition, topic))
		}
	}
}

// adjustOffsetsBeforeAssign runs after assignment and before the first fetch,
// which makes it the one point where fetching can be held until each
// partition's checkpoint import settles. Heartbeats continue while this
// blocks; ctx is cancelled if the group enters a new rebalance. Partitions
// recovered from a checkpoint seek to the offset after the manifest's, the
// rest keep the broker's committed position.
func (c *Consumer[T]) adjustOffsetsBeforeAssign(ctx context.Context, assignments map[string]map[int32]kgo.Offset) (map[string]map[int32]kgo.Offset, error) {
	for topic, partitionAssignments := range assignments {
		for partition := range partitionAssignments {
			tp := ntp(partition, topic)
			ps, err := c.stores.await(ctx, tp)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				log.Errorf("partition %+v failed to warm, leaving it inactive, error: %v", tp, err)
				continue
			}
			c.activatePartition(tp, ps)
			if ps.startOffset >= 0 {
				partitionAssignments[partition] = kgo.NewOffset().At(ps.startOffset + 1)
			}
		}
	}
	return assignments, nil
}

func (c *Consumer[T]) activatePartition(tp TopicPartition, ps *partitionStore[T]) {
	c.workerMux.Lock()
	if _, ok := c.workers[tp.Partition]; ok {
		c.workerMux.Unlock()
		return
	}
	worker := newPartitionWorker(ps.rs, tp, ps.store,
		c.processor, c.config.processorErrorHandler(),
		c.failPartition, c.failConsumer, c.EmitMetric, c.config.GroupId)
	c.workers[tp.Partition] = worker
	for _, s := range c.scheduled {
		worker.scheduleInterjection(s.every, s.jitter, s.fn)
	}
	c.workerMux.Unlock()
	seek := int64(-1)
	if ps.startOffset >= 0 {
		seek = ps.startOffset + 1
	}
	c.tracker.MarkActive(tp, seek)
	if c.config.OnPartitionActivated != nil {
		c.config.OnPartitionActivated(tp)
	}
	log.Infof("partition %+v active, seek: %d", tp, seek)
}

// partitionsRevoked runs inside the rebalance. The group session is still
// valid here, so achieved offsets are committed and a final checkpoint is
// taken before ownership moves. Cooperative balancers revoke only the moving
// partitions; processing continues for the rest.
func (c *Consumer[T]) partitionsRevoked(ctx context.Context, _ *kgo.Client, assignments map[string][]int32) {
	tps := flattenAssignment(assignments)
	if len(tps) == 0 {
		return
	}
	if atomic.LoadUint32(&c.stopping) == 1 {
		// Stop already fenced, drained and committed everything
		c.teardownPartitions(tps)
		return
	}
	start := time.Now()
	log.Infof("revoking %d partitions", len(tps))
	c.tracker.Fence(tps)
	achieved := c.tracker.WaitDrained(c.runStatus, tps, c.config.drainDeadline())
	c.commitOffsets(ctx, achieved)
	for _, tp := range tps {
		ps, ok := c.stores.warm(tp)
		if !ok {
			continue
		}
		offset, drained := achieved[tp]
		if !drained {
			offset = c.tracker.SafeOffset(tp)
		}
		if _, err := c.stores.checkpointPartition(ps, offset, true); err != nil {
			log.Errorf("final checkpoint failed for %+v, error: %v", tp, err)
		}
	}
	c.tracker.FinalizeRevoke(tps)
	c.teardownPartitions(tps)
	c.EmitMetric(Metric{
		Operation:      DrainOperation,
		Topic:          c.config.Topic,
		GroupId:        c.config.GroupId,
		StartTime:      start,
		EndTime:        time.Now(),
		PartitionCount: len(tps),
	})
	log.Infof("revoked %d partitions in %v", len(tps), time.Since(start))
}

// partitionsLost runs when ownership is already gone: the session expired or
// the member was fenced. No commits and no checkpoints happen here, another
// consumer may already own these partitions.
func (c *Consumer[T]) partitionsLost(_ context.Context, _ *kgo.Client, assignments map[string][]int32) {
	tps := flattenAssignment(assignments)
	if len(tps) == 0 {
		return
	}
	log.Warnf("lost %d partitions without graceful revoke", len(tps))
	c.tracker.Fence(tps)
	c.tracker.FinalizeRevoke(tps)
	c.teardownPartitions(tps)
}

func (c *Consumer[T]) teardownPartitions(tps []TopicPartition) {
	for _, tp := range tps {
		c.workerMux.Lock()
		delete(c.workers, tp.Partition)
		c.workerMux.Unlock()
		c.stores.release(tp)
		if c.config.OnPartitionRevoked != nil {
			c.config.OnPartitionRevoked(tp)
		}
	}
}

func (c *Consumer[T]) commitLoop() {
	ticker := time.NewTicker(c.config.commitInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.commitTick()
		case <-c.runStatus.Done():
			return
		}
	}
}

func (c *Consumer[T]) commitTick() {
	offsets := c.tracker.SafeCommitOffsets()
	if len(offsets) == 0 {
		return
	}
	start := time.Now()
	c.commitOffsets(c.runStatus.Ctx(), offsets)
	c.EmitMetric(Metric{
		Operation:      CommitOperation,
		Topic:          c.config.Topic,
		GroupId:        c.config.GroupId,
		StartTime:      start,
		EndTime:        time.Now(),
		Count:          len(offsets),
		PartitionCount: len(offsets),
	})
}

// commitOffsets commits safe+1 for every entry and mirrors the safe offset
// into the partition's store, so the next checkpoint manifest carries it.
func (c *Consumer[T]) commitOffsets(ctx context.Context, offsets map[TopicPartition]int64) {
	if len(offsets) == 0 {
		return
	}
	commit := make(map[string]map[int32]kgo.EpochOffset)
	for tp, offset := range offsets {
		byPartition := commit[tp.Topic]
		if byPartition == nil {
			byPartition = make(map[int32]kgo.EpochOffset)
			commit[tp.Topic] = byPartition
		}
		byPartition[tp.Partition] = kgo.EpochOffset{Epoch: -1, Offset: offset + 1}
		if ps, ok := c.stores.warm(tp); ok {
			if err := checkpoint.WriteConsumerOffset(ps.store, offset); err != nil {
				log.Errorf("error recording consumer offset for %+v: %v", tp, err)
			}
		}
	}
	c.client.CommitOffsetsSync(ctx, commit,
		func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, _ *kmsg.OffsetCommitResponse, err error) {
			if err != nil && err != ctx.Err() {
				log.Errorf("offset commit failed for group: %s, error: %v", c.config.GroupId, err)
			}
		})
}

func (c *Consumer[T]) checkpointLoop() {
	ticker := time.NewTicker(c.config.Checkpoint.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.checkpointTick()
		case <-c.runStatus.Done():
			return
		}
	}
}

// checkpointTick snapshots and uploads each warm partition in turn. One
// partition at a time keeps upload bandwidth bounded; a partition whose
// previous upload is still running is skipped until the next tick.
func (c *Consumer[T]) checkpointTick() {
	for _, ps := range c.stores.warmPartitions() {
		if !c.runStatus.Running() {
			return
		}
		start := time.Now()
		uploadedBytes, err := c.stores.checkpointPartition(ps, c.tracker.SafeOffset(ps.tp), false)
		if err != nil {
			if ps.rs.Running() {
				log.Errorf("checkpoint failed for %+v, error: %v", ps.tp, err)
			}
			continue
		}
		if uploadedBytes > 0 {
			c.EmitMetric(Metric{
				Operation:      CheckpointOperation,
				Topic:          ps.tp.Topic,
				Partition:      ps.tp.Partition,
				GroupId:        c.config.GroupId,
				StartTime:      start,
				EndTime:        time.Now(),
				Bytes:          int(uploadedBytes),
				PartitionCount: 1,
			})
		}
	}
}

// failPartition fences tp after a FailPartition response: in-flight messages
// drain, the achieved offset is committed and fetching pauses. The partition
// stays assigned but inert until a rebalance moves it.
func (c *Consumer[T]) failPartition(tp TopicPartition) {
	go func() {
		log.Warnf("failing partition %+v", tp)
		c.client.PauseFetchPartitions(map[string][]int32{tp.Topic: {tp.Partition}})
		tps := []TopicPartition{tp}
		c.tracker.Fence(tps)
		achieved := c.tracker.WaitDrained(c.runStatus, tps, c.config.drainDeadline())
		c.commitOffsets(c.runStatus.Ctx(), achieved)
	}()
}

func (c *Consumer[T]) failConsumer() {
	go c.Stop()
}

// Stop gracefully leaves the group: every partition is fenced, in-flight
// messages drain (bounded by RebalanceDrainDeadline), achieved offsets are
// committed, each warm partition takes a final checkpoint and the client
// leaves the group. Blocks until teardown completes; safe to call more than
// once and from Processor goroutines.
func (c *Consumer[T]) Stop() {
	c.stopOnce.Do(c.stop)
	<-c.stopped
}

func (c *Consumer[T]) stop() {
	defer close(c.stopped)
	atomic.StoreUint32(&c.stopping, 1)
	log.Infof("stopping consumer for group: %s", c.config.GroupId)
	tps := c.tracker.ActivePartitions()
	c.tracker.Fence(tps)
	achieved := c.tracker.WaitDrained(c.runStatus, tps, c.config.drainDeadline())
	c.commitOffsets(c.runStatus.Ctx(), achieved)
	for _, ps := range c.stores.warmPartitions() {
		offset, ok := achieved[ps.tp]
		if !ok {
			offset = c.tracker.SafeOffset(ps.tp)
		}
		if _, err := c.stores.checkpointPartition(ps, offset, true); err != nil {
			log.Errorf("final checkpoint failed for %+v, error: %v", ps.tp, err)
		}
	}
	c.tracker.FinalizeRevoke(tps)
	c.client.Close()
	c.runStatus.Halt()
	c.stores.releaseAll()
	log.Infof("consumer stopped for group: %s", c.config.GroupId)
}

// EmitMetric routes m to the configured MetricsHandler without blocking. If
// the channel is full the metric is dropped with a warning.
func (c *Consumer[T]) EmitMetric(m Metric) {
	if c.config.MetricsHandler == nil {
		return
	}
	select {
	case c.metrics <- m:
	default:
		log.Warnf("metrics channel full, unable to emit metrics: %+v", m)
	}
}

func (c *Consumer[T]) emitMetrics() {
	if c.config.MetricsHandler == nil {
		return
	}
	handler := c.config.MetricsHandler
	for {
		select {
		case m := <-c.metrics:
			handler(m)
		case <-c.runStatus.Done():
			return
		}
	}
}

func flattenAssignment(assignments map[string][]int32) []TopicPartition {
	var tps []TopicPartition
	for topic, partitions := range assignments {
		tps = append(tps, toTopicPartitions(topic, partitions...)...)
	}
	return tps
}
