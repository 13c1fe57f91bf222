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
	"time"
)

// CommandType discriminates Link commands.
type CommandType int

const (
	// AssignmentUpdate reports partitions gained and lost.
	AssignmentUpdate CommandType = iota
	// WarmPartition tells the consumer to import the partition's checkpoint
	// and call PartitionReady once its store is open.
	WarmPartition
	// ReleasePartition tells the consumer to stop processing the partition,
	// flush it, then call PartitionReleased.
	ReleasePartition
)

func (ct CommandType) String() string {
	switch ct {
	case AssignmentUpdate:
		return "AssignmentUpdate"
	case WarmPartition:
		return "WarmPartition"
	case ReleasePartition:
		return "ReleasePartition"
	}
	return "Unknown"
}

// Command is one instruction from the assignment control plane.
type Command struct {
	Type CommandType
	// Assigned and Unassigned are set for AssignmentUpdate.
	Assigned   []TopicPartition
	Unassigned []TopicPartition
	// Target is set for WarmPartition and ReleasePartition.
	Target TopicPartition
}

// Link is a consumer's connection to the assignment control plane: a leased
// registration plus a command stream derived from assignment and handoff
// records. The first command is always an AssignmentUpdate carrying the
// consumer's assignment at connect time. Commands are derived from observed
// state rather than delivered exactly once, so a consumer may see a redundant
// transition; handlers must be idempotent.
type Link struct {
	coordinator Coordinator
	name        string
	lease       Lease
	commands    chan Command
	cancel      context.CancelFunc

	// pump-goroutine state, unsynchronized on purpose
	owned     map[TopicPartition]struct{}
	warming   map[TopicPartition]struct{}
	releasing map[TopicPartition]struct{}
}

// Connect registers name under a lease and starts the command stream. ctx
// bounds the connection handshake only; the stream runs until Close or lease
// loss.
func Connect(ctx context.Context, coordinator Coordinator, name string) (*Link, error) {
	info := encode(ConsumerInfo{Name: name, RegisteredAt: time.Now().UnixMilli()})
	lease, err := coordinator.Register(ctx, ConsumerKey(name), info)
	if err != nil {
		return nil, err
	}
	pumpCtx, cancel := context.WithCancel(context.Background())
	l := &Link{
		coordinator: coordinator,
		name:        name,
		lease:       lease,
		commands:    make(chan Command, 64),
		cancel:      cancel,
		owned:       make(map[TopicPartition]struct{}),
		warming:     make(map[TopicPartition]struct{}),
		releasing:   make(map[TopicPartition]struct{}),
	}
	// one watch over the whole tree keeps events in revision order across
	// record types, and it starts before the snapshot so nothing slips
	// between them. events older than the snapshot replay as no-ops
	events := coordinator.Watch(pumpCtx, "/")
	assignments, err := coordinator.List(ctx, AssignmentsPrefix)
	if err != nil {
		cancel()
		lease.Release(ctx)
		return nil, err
	}
	handoffs, err := coordinator.List(ctx, HandoffsPrefix)
	if err != nil {
		cancel()
		lease.Release(ctx)
		return nil, err
	}
	go l.pump(pumpCtx, assignments, handoffs, events)
	return l, nil
}

func (l *Link) Name() string {
	return l.name
}

// Commands streams control plane instructions. The channel closes when the
// link shuts down or its lease is lost.
func (l *Link) Commands() <-chan Command {
	return l.commands
}

// Done is closed when the registration lease is gone. A consumer that sees
// Done before calling Close has been declared dead and must stop processing;
// its partitions are already being reassigned.
func (l *Link) Done() <-chan struct{} {
	return l.lease.Done()
}

// PartitionReady reports that this consumer finished warming tp. Written
// under the registration lease so an abandoned report dies with its consumer.
func (l *Link) PartitionReady(ctx context.Context, tp TopicPartition) error {
	return l.lease.Put(ctx, ReadyKey(tp), encode(Signal{Consumer: l.name}))
}

// PartitionReleased reports that this consumer stopped processing tp and
// flushed its state.
func (l *Link) PartitionReleased(ctx context.Context, tp TopicPartition) error {
	return l.lease.Put(ctx, ReleasedKey(tp), encode(Signal{Consumer: l.name}))
}

// Close deregisters the consumer. The lease goes with it, so liveness ends
// immediately rather than after a TTL.
func (l *Link) Close(ctx context.Context) error {
	l.cancel()
	return l.lease.Release(ctx)
}

func (l *Link) pump(ctx context.Context, assignments, handoffs []KeyValue, events <-chan Event) {
	defer close(l.commands)
	assigned := []TopicPartition{}
	for _, kv := range assignments {
		tp, ok := ParsePartitionKey(AssignmentsPrefix, kv.Key)
		if !ok {
			continue
		}
		rec, err := decode[Assignment](kv.Value)
		if err != nil {
			log.Errorf("dropping unreadable assignment %s: %v", kv.Key, err)
			continue
		}
		if rec.Owner == l.name {
			l.owned[tp] = struct{}{}
			assigned = append(assigned, tp)
		}
	}
	if !l.send(ctx, Command{Type: AssignmentUpdate, Assigned: assigned}) {
		return
	}
	for _, kv := range handoffs {
		tp, ok := ParsePartitionKey(HandoffsPrefix, kv.Key)
		if !ok {
			continue
		}
		rec, err := decode[Handoff](kv.Value)
		if err != nil {
			log.Errorf("dropping unreadable handoff %s: %v", kv.Key, err)
			continue
		}
		if !l.applyHandoff(ctx, tp, rec) {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.lease.Done():
			log.Warnf("registration lease lost for %s", l.name)
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if tp, match := ParsePartitionKey(AssignmentsPrefix, e.Key); match {
				if !l.applyAssignmentEvent(ctx, tp, e) {
					return
				}
			} else if tp, match := ParsePartitionKey(HandoffsPrefix, e.Key); match {
				if !l.applyHandoffEvent(ctx, tp, e) {
					return
				}
			}
		}
	}
}

func (l *Link) send(ctx context.Context, cmd Command) bool {
	select {
	case l.commands <- cmd:
		return true
	case <-ctx.Done():
		return false
	case <-l.lease.Done():
		return false
	}
}

func (l *Link) applyAssignmentEvent(ctx context.Context, tp TopicPartition, e Event) bool {
	if e.Deleted {
		return l.setOwned(ctx, tp, false)
	}
	rec, err := decode[Assignment](e.Value)
	if err != nil {
		log.Errorf("dropping unreadable assignment %s: %v", e.Key, err)
		return true
	}
	return l.setOwned(ctx, tp, rec.Owner == l.name)
}

func (l *Link) setOwned(ctx context.Context, tp TopicPartition, owned bool) bool {
	_, had := l.owned[tp]
	switch {
	case owned && !had:
		l.owned[tp] = struct{}{}
		return l.send(ctx, Command{Type: AssignmentUpdate, Assigned: []TopicPartition{tp}})
	case !owned && had:
		delete(l.owned, tp)
		return l.send(ctx, Command{Type: AssignmentUpdate, Unassigned: []TopicPartition{tp}})
	}
	return true
}

func (l *Link) applyHandoffEvent(ctx context.Context, tp TopicPartition, e Event) bool {
	if e.Deleted {
		_, wasWarming := l.warming[tp]
		_, wasReleasing := l.releasing[tp]
		delete(l.warming, tp)
		delete(l.releasing, tp)
		_, still := l.owned[tp]
		switch {
		case wasReleasing && still:
			// the handoff died without flipping ownership, so the release was
			// for nothing. tell the consumer to serve the partition again
			return l.send(ctx, Command{Type: AssignmentUpdate, Assigned: []TopicPartition{tp}})
		case wasWarming && !still:
			// the transfer was abandoned before we took ownership. drop the
			// store we warmed for it
			return l.send(ctx, Command{Type: ReleasePartition, Target: tp})
		}
		return true
	}
	rec, err := decode[Handoff](e.Value)
	if err != nil {
		log.Errorf("dropping unreadable handoff %s: %v", e.Key, err)
		return true
	}
	return l.applyHandoff(ctx, tp, rec)
}

func (l *Link) applyHandoff(ctx context.Context, tp TopicPartition, h Handoff) bool {
	switch {
	case h.New == l.name && h.Phase == Warming:
		if _, dup := l.warming[tp]; dup {
			return true
		}
		l.warming[tp] = struct{}{}
		return l.send(ctx, Command{Type: WarmPartition, Target: tp})
	case h.New == l.name && h.Phase == Complete:
		// our readiness report was applied. ownership flips when the old
		// owner releases
		delete(l.warming, tp)
	case h.Old == l.name && h.Phase == Complete:
		if _, dup := l.releasing[tp]; dup {
			return true
		}
		l.releasing[tp] = struct{}{}
		return l.send(ctx, Command{Type: ReleasePartition, Target: tp})
	}
	return true
}
