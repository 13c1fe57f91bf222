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
	"sync/atomic"
	"time"

	"github.com/keelstream/keeper/assign"
	"github.com/keelstream/keeper/checkpoint"
	"github.com/keelstream/keeper/kit"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// CoordinatedConsumer runs the same poll, process, commit and checkpoint cycle
// as [Consumer], but partition ownership comes from an external assigner
// through an [assign.Coordinator] instead of the Kafka group protocol. The
// client consumes the topic directly with every partition paused; partitions
// are resumed as the assigner grants them and paused again as it takes them
// away. Handoffs arrive as WarmPartition and ReleasePartition commands, so a
// partition's next owner has its store open before the current owner stops.
//
// Set ConsumerConfig.InstanceId to give the consumer a stable identity; a
// restart under the same name keeps its assignment. With the generated
// default name every restart is a new consumer and ownership reshuffles.
//
// The partition count is fixed at construction, taken from the assigner's
// topic record or, when none is registered, from ConsumerConfig.NumPartitions.
type CoordinatedConsumer[T checkpoint.Store] struct {
	config         ConsumerConfig
	coordinator    assign.Coordinator
	client         *kgo.Client
	admin          *kadm.Client
	tracker        *Tracker
	stores         *storeManager[T]
	processor      Processor[T]
	runStatus      kit.RunStatus
	metrics        chan Metric
	name           string
	partitionCount int32

	linkMux sync.Mutex
	link    *assign.Link

	// workerMux also guards owned, which tracks the assigner's view so a
	// partition released while its store was still warming never activates,
	// and scheduled, replayed onto workers as they activate
	workerMux sync.Mutex
	owned     map[int32]struct{}
	workers   map[int32]*partitionWorker[T]
	scheduled []scheduledInterjection[T]

	stopping uint32 // atomic; set once Stop begins
	lost     uint32 // atomic; set when the registration lease is gone
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewCoordinatedConsumer creates a consumer whose partitions are granted by
// the assigner reachable through coordinator. Panics if config is invalid.
// GroupId is optional here: when set, safe offsets are also committed to that
// group so lag tooling keeps working, but recovery always prefers the offset
// in the newest checkpoint manifest.
func NewCoordinatedConsumer[T checkpoint.Store](config ConsumerConfig, coordinator assign.Coordinator, factory checkpoint.Factory[T], processor Processor[T], additionalClientOptions ...kgo.Opt) (*CoordinatedConsumer[T], error) {
	config.validate(false)
	partitionCount, err := coordinatedPartitionCount(coordinator, config)
	if err != nil {
		return nil, err
	}
	c := &CoordinatedConsumer[T]{
		config:         config,
		coordinator:    coordinator,
		tracker:        NewTracker(!config.HoldCommitOnFailure),
		processor:      processor,
		runStatus:      kit.NewRunStatus(context.Background()),
		metrics:        make(chan Metric, 1024),
		name:           config.instanceId(),
		partitionCount: partitionCount,
		owned:          make(map[int32]struct{}),
		workers:        make(map[int32]*partitionWorker[T]),
		stopped:        make(chan struct{}),
	}
	c.stores = newStoreManager(config, factory, c.EmitMetric)
	assignments := make(map[int32]kgo.Offset, partitionCount)
	for p := int32(0); p < partitionCount; p++ {
		assignments[p] = kgo.NewOffset().AtStart()
	}
	opts := []kgo.Opt{
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{config.Topic: assignments}),
		kgo.FetchMaxWait(time.Second),
	}
	opts = append(opts, additionalClientOptions...)
	client, err := NewClient(config.Cluster, opts...)
	if err != nil {
		return nil, err
	}
	c.client = client
	if len(config.GroupId) > 0 {
		c.admin = kadm.NewClient(client)
	}
	c.pauseAll()
	return c, nil
}

// coordinatedPartitionCount resolves the topic's partition count, preferring
// the record the assigner works from so both sides agree on the range.
func coordinatedPartitionCount(coordinator assign.Coordinator, config ConsumerConfig) (int32, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	kv, ok, err := coordinator.Get(ctx, assign.TopicConfigKey(config.Topic))
	if err != nil {
		return 0, err
	}
	if ok {
		var tc assign.TopicConfig
		if err = json.Unmarshal(kv.Value, &tc); err != nil {
			return 0, fmt.Errorf("unreadable topic record for %s: %w", config.Topic, err)
		}
		if tc.Partitions > 0 {
			return tc.Partitions, nil
		}
	}
	if config.NumPartitions > 0 {
		return int32(config.NumPartitions), nil
	}
	return 0, fmt.Errorf("partition count for %s is unknown: register the topic with the assigner or set ConsumerConfig.NumPartitions", config.Topic)
}

// Start begins consuming. This call is non-blocking; the consumer holds no
// partitions until the assigner grants some.
func (c *CoordinatedConsumer[T]) Start() {
	if c.config.NumPartitions > 0 {
		if _, err := CreateSourceTopic(c.config); err != nil {
			log.Errorf("could not create source topic %s, error: %v", c.config.Topic, err)
		}
	}
	go c.emitMetrics()
	go c.run()
	go c.pollLoop()
	go c.commitLoop()
	go c.checkpointLoop()
}

// Name returns the identity this consumer registers under.
func (c *CoordinatedConsumer[T]) Name() string {
	return c.name
}

// Client returns the underlying kgo.Client for admin calls or inspection.
func (c *CoordinatedConsumer[T]) Client() *kgo.Client {
	return c.client
}

// Tracker exposes in-flight and commit state, mainly for health reporting.
func (c *CoordinatedConsumer[T]) Tracker() *Tracker {
	return c.tracker
}

// Store returns the open store for tp, for read paths outside the Processor
// (interactive queries). ok is false while the partition's store is still
// warming, failed or was never opened here. A store warmed for an incoming
// handoff is readable before ownership flips; it holds the imported
// checkpoint, not the current owner's live state.
func (c *CoordinatedConsumer[T]) Store(tp TopicPartition) (store T, ok bool) {
	ps, warm := c.stores.warm(tp)
	if !warm {
		var zero T
		return zero, false
	}
	return ps.store, true
}

// Done is closed once Stop completes.
func (c *CoordinatedConsumer[T]) Done() <-chan struct{} {
	return c.stopped
}

// run keeps the consumer registered with the control plane. A lost lease
// means the assigner already considers us dead and is moving our partitions,
// so everything local is dropped without commits before registering again.
func (c *CoordinatedConsumer[T]) run() {
	for c.runStatus.Running() {
		link, err := assign.Connect(c.runStatus.Ctx(), c.coordinator, c.name)
		if err != nil {
			if c.runStatus.Running() {
				log.Errorf("could not register %s with the assigner: %v", c.name, err)
			}
			select {
			case <-time.After(5 * time.Second):
			case <-c.runStatus.Done():
				return
			}
			continue
		}
		log.Infof("%s registered with the assigner", c.name)
		atomic.StoreUint32(&c.lost, 0)
		c.setLink(link)
		c.commandLoop(link)
		if !c.runStatus.Running() {
			// Stop deregisters; anything it left behind was registered after
			// it took the link, so close it here
			if l := c.takeLink(); l != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err = l.Close(ctx); err != nil {
					log.Debugf("error closing link for %s: %v", c.name, err)
				}
				cancel()
			}
			return
		}
		atomic.StoreUint32(&c.lost, 1)
		if l := c.takeLink(); l != nil {
			if err = l.Close(context.Background()); err != nil {
				log.Debugf("error closing lost link for %s: %v", c.name, err)
			}
		}
		log.Warnf("registration for %s lost, dropping partitions and reconnecting", c.name)
		c.dropAllPartitions()
	}
}

func (c *CoordinatedConsumer[T]) setLink(link *assign.Link) {
	c.linkMux.Lock()
	c.link = link
	c.linkMux.Unlock()
}

func (c *CoordinatedConsumer[T]) takeLink() *assign.Link {
	c.linkMux.Lock()
	link := c.link
	c.link = nil
	c.linkMux.Unlock()
	return link
}

func (c *CoordinatedConsumer[T]) commandLoop(link *assign.Link) {
	for {
		select {
		case cmd, ok := <-link.Commands():
			if !ok {
				return
			}
			c.applyCommand(link, cmd)
		case <-c.runStatus.Done():
			return
		}
	}
}

// applyCommand runs on the command loop goroutine. Releases are handled
// synchronously so a release and a later re-grant of the same partition can
// never interleave; warming runs in the background so a slow checkpoint
// import does not stall commands for other partitions.
func (c *CoordinatedConsumer[T]) applyCommand(link *assign.Link, cmd assign.Command) {
	if atomic.LoadUint32(&c.stopping) == 1 {
		return
	}
	switch cmd.Type {
	case assign.AssignmentUpdate:
		for _, tp := range cmd.Assigned {
			if tp.Topic == c.config.Topic {
				c.acquirePartition(ntp(tp.Partition, tp.Topic))
			}
		}
		for _, tp := range cmd.Unassigned {
			if tp.Topic == c.config.Topic {
				c.surrenderPartition(ntp(tp.Partition, tp.Topic))
			}
		}
	case assign.WarmPartition:
		if cmd.Target.Topic == c.config.Topic {
			c.warmForHandoff(link, ntp(cmd.Target.Partition, cmd.Target.Topic))
		}
	case assign.ReleasePartition:
		if cmd.Target.Topic == c.config.Topic {
			c.handOffPartition(link, ntp(cmd.Target.Partition, cmd.Target.Topic))
		}
	}
}

// acquirePartition starts serving tp. If an earlier WarmPartition already
// opened its store the partition activates immediately, otherwise warming
// starts now and fetching begins once the store is open.
func (c *CoordinatedConsumer[T]) acquirePartition(tp TopicPartition) {
	c.workerMux.Lock()
	c.owned[tp.Partition] = struct{}{}
	_, active := c.workers[tp.Partition]
	c.workerMux.Unlock()
	if active {
		return
	}
	c.stores.beginWarming(c.runStatus, tp)
	go func() {
		ps, err := c.stores.await(c.runStatus.Ctx(), tp)
		if err != nil {
			if c.runStatus.Running() {
				log.Errorf("partition %+v failed to warm, leaving it inactive, error: %v", tp, err)
			}
			return
		}
		seek := int64(-1)
		if ps.startOffset >= 0 {
			seek = ps.startOffset + 1
		} else if committed := c.committedOffset(tp); committed >= 0 {
			seek = committed
		}
		c.activatePartition(tp, ps, seek)
	}()
}

func (c *CoordinatedConsumer[T]) activatePartition(tp TopicPartition, ps *partitionStore[T], seek int64) {
	c.workerMux.Lock()
	if _, ok := c.owned[tp.Partition]; !ok {
		// released while the store was warming
		c.workerMux.Unlock()
		return
	}
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
	c.tracker.MarkActive(tp, seek)
	c.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
		tp.Topic: {tp.Partition: {Offset: kit.Max(seek, 0), Epoch: -1}},
	})
	c.client.ResumeFetchPartitions(map[string][]int32{tp.Topic: {tp.Partition}})
	c.workerMux.Unlock()
	if c.config.OnPartitionActivated != nil {
		c.config.OnPartitionActivated(tp)
	}
	log.Infof("partition %+v active, seek: %d", tp, seek)
}

// committedOffset looks up the group's committed offset for tp, for
// partitions that have no checkpoint to recover a position from.
func (c *CoordinatedConsumer[T]) committedOffset(tp TopicPartition) int64 {
	if c.admin == nil {
		return -1
	}
	ctx, cancel := context.WithTimeout(c.runStatus.Ctx(), 10*time.Second)
	defer cancel()
	resp, err := c.admin.FetchOffsets(ctx, c.config.GroupId)
	if err != nil {
		log.Errorf("could not fetch committed offsets for group: %s, error: %v", c.config.GroupId, err)
		return -1
	}
	if o, ok := resp.Lookup(tp.Topic, tp.Partition); ok && o.At >= 0 {
		return o.At
	}
	return -1
}

// warmForHandoff imports tp's checkpoint and reports ready, without touching
// fetch state. Fetching starts later, when ownership actually flips.
func (c *CoordinatedConsumer[T]) warmForHandoff(link *assign.Link, tp TopicPartition) {
	log.Infof("warming %+v for incoming handoff", tp)
	c.stores.beginWarming(c.runStatus, tp)
	go func() {
		if _, err := c.stores.await(c.runStatus.Ctx(), tp); err != nil {
			if c.runStatus.Running() {
				log.Errorf("partition %+v failed to warm for handoff, error: %v", tp, err)
			}
			return
		}
		if err := link.PartitionReady(c.runStatus.Ctx(), assign.TopicPartition{Topic: tp.Topic, Partition: tp.Partition}); err != nil {
			log.Errorf("could not report %+v ready: %v", tp, err)
			return
		}
		log.Infof("partition %+v warm, ready to take over", tp)
	}()
}

// handOffPartition stops serving tp for a handoff and reports the release.
// The report is unconditional: the assigner asked, and holding it back would
// stall the handoff.
func (c *CoordinatedConsumer[T]) handOffPartition(link *assign.Link, tp TopicPartition) {
	log.Infof("releasing %+v for handoff", tp)
	c.surrenderPartition(tp)
	if err := link.PartitionReleased(c.runStatus.Ctx(), assign.TopicPartition{Topic: tp.Topic, Partition: tp.Partition}); err != nil {
		log.Errorf("could not report %+v released: %v", tp, err)
	}
}

// surrenderPartition stops fetching tp, drains its in-flight messages,
// commits achieved offsets, takes a final checkpoint and tears the partition
// down. A partition that never activated just drops its store.
func (c *CoordinatedConsumer[T]) surrenderPartition(tp TopicPartition) {
	c.workerMux.Lock()
	delete(c.owned, tp.Partition)
	_, hadWorker := c.workers[tp.Partition]
	c.workerMux.Unlock()
	c.client.PauseFetchPartitions(map[string][]int32{tp.Topic: {tp.Partition}})
	if hadWorker {
		start := time.Now()
		tps := []TopicPartition{tp}
		c.tracker.Fence(tps)
		achieved := c.tracker.WaitDrained(c.runStatus, tps, c.config.drainDeadline())
		c.commitOffsets(c.runStatus.Ctx(), achieved)
		if ps, ok := c.stores.warm(tp); ok {
			offset, drained := achieved[tp]
			if !drained {
				offset = c.tracker.SafeOffset(tp)
			}
			if _, err := c.stores.checkpointPartition(ps, offset, true); err != nil {
				log.Errorf("final checkpoint failed for %+v, error: %v", tp, err)
			}
		}
		c.tracker.FinalizeRevoke(tps)
		c.EmitMetric(Metric{
			Operation:      DrainOperation,
			Topic:          tp.Topic,
			Partition:      tp.Partition,
			GroupId:        c.config.GroupId,
			StartTime:      start,
			EndTime:        time.Now(),
			PartitionCount: 1,
		})
	}
	c.workerMux.Lock()
	delete(c.workers, tp.Partition)
	c.workerMux.Unlock()
	c.stores.release(tp)
	if hadWorker && c.config.OnPartitionRevoked != nil {
		c.config.OnPartitionRevoked(tp)
	}
}

// dropAllPartitions is the lease-loss path. Ownership already moved, another
// consumer may be past us on every partition, so nothing is committed and no
// checkpoints are taken. Mirrors what a group consumer does when partitions
// are lost rather than revoked.
func (c *CoordinatedConsumer[T]) dropAllPartitions() {
	c.pauseAll()
	tps := c.tracker.ActivePartitions()
	c.tracker.Fence(tps)
	c.tracker.FinalizeRevoke(tps)
	c.workerMux.Lock()
	c.owned = make(map[int32]struct{})
	c.workers = make(map[int32]*partitionWorker[T])
	c.workerMux.Unlock()
	c.stores.releaseAll()
	if c.config.OnPartitionRevoked != nil {
		for _, tp := range tps {
			c.config.OnPartitionRevoked(tp)
		}
	}
}

func (c *CoordinatedConsumer[T]) pauseAll() {
	partitions := make([]int32, c.partitionCount)
	for i := range partitions {
		partitions[i] = int32(i)
	}
	c.client.PauseFetchPartitions(map[string][]int32{c.config.Topic: partitions})
}

func (c *CoordinatedConsumer[T]) pollLoop() {
	for c.runStatus.Running() {
		c.awaitCapacity()
		if !c.runStatus.Running() {
			return
		}
		ctx, cancel := context.WithTimeout(c.runStatus.Ctx(), 10*time.Second)
		f := c.client.PollFetches(ctx)
		cancel()
		if f.IsClientClosed() {
			log.Infof("client closed for %s", c.name)
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

func (c *CoordinatedConsumer[T]) awaitCapacity() {
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
// A fetch can still race a surrender, so records for partitions without a
// worker are dropped uncommitted; the next owner re-fetches them.
func (c *CoordinatedConsumer[T]) receive(p kgo.FetchTopicPartition) (int, int) {
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
		discardAll(batch)
		return 0, 0
	}
	if !worker.add(batch) {
		return 0, 0
	}
	return len(batch), bytes
}

func (c *CoordinatedConsumer[T]) commitLoop() {
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

func (c *CoordinatedConsumer[T]) commitTick() {
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

// commitOffsets mirrors each safe offset into its partition's store, so the
// next checkpoint manifest carries it, then commits safe+1 to the configured
// group through the admin API. There is no group member here, so these
// commits carry no generation fence; the manifest offset is the one recovery
// trusts.
func (c *CoordinatedConsumer[T]) commitOffsets(ctx context.Context, offsets map[TopicPartition]int64) {
	if len(offsets) == 0 {
		return
	}
	commit := make(kadm.Offsets)
	for tp, offset := range offsets {
		if ps, ok := c.stores.warm(tp); ok {
			if err := checkpoint.WriteConsumerOffset(ps.store, offset); err != nil {
				log.Errorf("error recording consumer offset for %+v: %v", tp, err)
			}
		}
		commit.Add(kadm.Offset{Topic: tp.Topic, Partition: tp.Partition, At: offset + 1, LeaderEpoch: -1})
	}
	if c.admin == nil {
		return
	}
	if _, err := c.admin.CommitOffsets(ctx, c.config.GroupId, commit); err != nil && err != ctx.Err() {
		log.Errorf("offset commit failed for group: %s, error: %v", c.config.GroupId, err)
	}
}

func (c *CoordinatedConsumer[T]) checkpointLoop() {
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

func (c *CoordinatedConsumer[T]) checkpointTick() {
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
// stays granted but inert until the assigner moves it.
func (c *CoordinatedConsumer[T]) failPartition(tp TopicPartition) {
	go func() {
		log.Warnf("failing partition %+v", tp)
		c.client.PauseFetchPartitions(map[string][]int32{tp.Topic: {tp.Partition}})
		tps := []TopicPartition{tp}
		c.tracker.Fence(tps)
		achieved := c.tracker.WaitDrained(c.runStatus, tps, c.config.drainDeadline())
		c.commitOffsets(c.runStatus.Ctx(), achieved)
	}()
}

func (c *CoordinatedConsumer[T]) failConsumer() {
	go c.Stop()
}

// Stop deregisters gracefully: every partition is fenced, in-flight messages
// drain (bounded by RebalanceDrainDeadline), achieved offsets are committed
// and each warm partition takes a final checkpoint, all while the
// registration lease is still held so the assigner moves nothing until the
// state is flushed. Blocks until teardown completes; safe to call more than
// once and from Processor goroutines.
func (c *CoordinatedConsumer[T]) Stop() {
	c.stopOnce.Do(c.stop)
	<-c.stopped
}

func (c *CoordinatedConsumer[T]) stop() {
	defer close(c.stopped)
	atomic.StoreUint32(&c.stopping, 1)
	log.Infof("stopping coordinated consumer %s", c.name)
	tps := c.tracker.ActivePartitions()
	c.tracker.Fence(tps)
	if atomic.LoadUint32(&c.lost) == 0 {
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
	}
	c.tracker.FinalizeRevoke(tps)
	if link := c.takeLink(); link != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := link.Close(ctx); err != nil {
			log.Errorf("error deregistering %s: %v", c.name, err)
		}
		cancel()
	}
	c.client.Close()
	c.runStatus.Halt()
	c.stores.releaseAll()
	log.Infof("coordinated consumer %s stopped", c.name)
}

// EmitMetric routes m to the configured MetricsHandler without blocking. If
// the channel is full the metric is dropped with a warning.
func (c *CoordinatedConsumer[T]) EmitMetric(m Metric) {
	if c.config.MetricsHandler == nil {
		return
	}
	select {
	case c.metrics <- m:
	default:
		log.Warnf("metrics channel full, unable to emit metrics: %+v", m)
	}
}

func (c *CoordinatedConsumer[T]) emitMetrics() {
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
