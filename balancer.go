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
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

const WarmthCoopProtocol = "warmth_coop"

// The WarmthGroupBalancer interface is an extension to kgo.GroupBalancer. A balancer
// implementing it is told which partitions have checkpoint data sitting on this
// member's local disk, so the group leader can route partitions to the members that
// can activate them without a full restore.
type WarmthGroupBalancer interface {
	kgo.GroupBalancer
	// Called by the Consumer once checkpoint data for tp is present on local disk.
	PartitionWarmed(tp TopicPartition)
	// Called if the local data for tp is destroyed and the member can no longer
	// claim a cheap activation.
	PartitionForgotten(tp TopicPartition)
}

// WarmthGroupMemberMeta is the UserData payload attached to each member's join
// metadata. Warm lists the partitions for which the member holds an imported or
// previously checkpointed store on local disk.
type WarmthGroupMemberMeta struct {
	Warm []TopicPartition
}

type warmthRankedBalancer struct {
	controller warmthBalanceController
	warm       TopicPartitionSet
	statusLock sync.Mutex
}

// Creates a WarmthGroupBalancer suitable for use by the kgo Kafka driver. It behaves
// like cooperative-sticky for a stable group: members keep what they own, and moves
// happen in the two phase revoke/assign cycle. The difference is in how unowned
// partitions find a home. Each member advertises the partitions it holds local store
// data for, and the leader sends an unowned partition to the least loaded member that
// is warm for it before considering anyone else. After placement the leader levels
// the load, preferring donations the recipient already holds data for.
//
// NewWarmthRankedBalancer is the default first strategy in ConsumerConfig.Balancers.
// The Consumer feeds the warm set on its own; there is no need to call
// PartitionWarmed directly.
func NewWarmthRankedBalancer() WarmthGroupBalancer {
	return &warmthRankedBalancer{
		warm: NewTopicPartitionSet(),
	}
}

func (wb *warmthRankedBalancer) PartitionWarmed(tp TopicPartition) {
	wb.statusLock.Lock()
	defer wb.statusLock.Unlock()
	wb.warm.Insert(tp)
}

func (wb *warmthRankedBalancer) PartitionForgotten(tp TopicPartition) {
	wb.statusLock.Lock()
	defer wb.statusLock.Unlock()
	wb.warm.Remove(tp)
}

// Needed to fulfill the kgo.GroupBalancer interface. There should be no need to interact with this directly.
func (wb *warmthRankedBalancer) IsCooperative() bool {
	return true
}

// Needed to fulfill the kgo.GroupBalancer interface. There should be no need to interact with this directly.
func (wb *warmthRankedBalancer) ProtocolName() string {
	return WarmthCoopProtocol
}

// Needed to fulfill the kgo.GroupBalancer interface. We use the same metadata format as kgo itself
// and put our warm partition list in the UserData field, which keeps the protocol compatible with
// the cooperative-sticky fallback.
func (wb *warmthRankedBalancer) JoinGroupMetadata(interests []string, currentAssignment map[string][]int32, generation int32) []byte {
	meta := kmsg.NewConsumerMemberMetadata()
	meta.Topics = interests
	meta.Version = 1
	for topic, partitions := range currentAssignment {
		metaPart := kmsg.NewConsumerMemberMetadataOwnedPartition()
		metaPart.Topic = topic
		metaPart.Partitions = partitions
		meta.OwnedPartitions = append(meta.OwnedPartitions, metaPart)
	}
	// KAFKA-12898: ensure our topics are sorted
	metaOwned := meta.OwnedPartitions
	sort.Slice(metaOwned, func(i, j int) bool { return metaOwned[i].Topic < metaOwned[j].Topic })
	meta.UserData = wb.userData()
	return meta.AppendTo(nil)
}

func (wb *warmthRankedBalancer) userData() []byte {
	wb.statusLock.Lock()
	defer wb.statusLock.Unlock()
	data, _ := json.Marshal(WarmthGroupMemberMeta{
		Warm: wb.warm.Items(),
	})
	return data
}

// Needed to fulfill the kgo.GroupBalancer interface. There should be no need to interact with this directly.
func (wb *warmthRankedBalancer) ParseSyncAssignment(assignment []byte) (map[string][]int32, error) {
	cma := new(kmsg.ConsumerMemberAssignment)
	if err := cma.ReadFrom(assignment); err != nil {
		return nil, err
	}
	parsed := make(map[string][]int32, len(cma.Topics))
	for _, topic := range cma.Topics {
		parsed[topic.Topic] = topic.Partitions
	}
	return parsed, nil
}

// Needed to fulfill the kgo.GroupBalancer interface. There should be no need to interact with this directly.
func (wb *warmthRankedBalancer) MemberBalancer(members []kmsg.JoinGroupResponseMember) (kgo.GroupMemberBalancer, map[string]struct{}, error) {
	cb, err := kgo.NewConsumerBalancer(wb.controller, members)
	return balanceWrapper{consumerBalancer: cb}, cb.MemberTopics(), err
}

type balanceWrapper struct {
	consumerBalancer *kgo.ConsumerBalancer
}

func (bw balanceWrapper) Balance(topics map[string]int32) kgo.IntoSyncAssignment {
	return bw.consumerBalancer.Balance(topics)
}

func (bw balanceWrapper) BalanceOrError(topics map[string]int32) (kgo.IntoSyncAssignment, error) {
	return bw.consumerBalancer.BalanceOrError(topics)
}

type warmthBalanceController struct{}

func (warmthBalanceController) Balance(cb *kgo.ConsumerBalancer, topicData map[string]int32) kgo.IntoSyncAssignment {
	plan := cb.NewPlan()
	for topic, partitionCount := range topicData {
		balanceTopicByWarmth(cb, plan, topic, partitionCount)
	}
	// AdjustCooperative makes any ownership change a 2 step phase:
	// first revoke the partition from its current owner, which forces
	// another rebalance, at which time the new owner picks it up
	plan.AdjustCooperative(cb)
	return plan
}

func balanceTopicByWarmth(cb *kgo.ConsumerBalancer, plan *kgo.BalancePlan, topic string, partitionCount int32) {
	ts := newWarmthTopicState(cb, topic, partitionCount)
	log.Debugf("balancing %s, partitions: %d, members: %d, unowned: %d",
		topic, partitionCount, ts.ranked.Len(), len(ts.unassigned))
	ts.placeUnassigned()
	ts.levelLoad()
	ts.ranked.Ascend(func(wm *warmGroupMember) bool {
		partitions := make([]int32, 0, wm.assignments.Len())
		wm.assignments.Ascend(func(p int32) bool {
			partitions = append(partitions, p)
			return true
		})
		plan.AddPartitions(wm.member, topic, partitions)
		return true
	})
}

type warmGroupMember struct {
	member      *kmsg.JoinGroupResponseMember
	assignments *btree.BTreeG[int32]
	warm        map[int32]struct{}
}

func (wm *warmGroupMember) warmFor(partition int32) bool {
	_, ok := wm.warm[partition]
	return ok
}

// sort function for the ranked member btree. Fewest assignments first so Min()
// is always the next recipient and Max() the next donor.
func warmMemberLess(a, b *warmGroupMember) bool {
	if res := a.assignments.Len() - b.assignments.Len(); res != 0 {
		return res < 0
	}
	return a.member.MemberID < b.member.MemberID
}

type warmthTopicState struct {
	topic      string
	ranked     *btree.BTreeG[*warmGroupMember]
	assigned   map[int32]*warmGroupMember
	unassigned []int32
}

func newWarmthTopicState(cb *kgo.ConsumerBalancer, topic string, partitionCount int32) *warmthTopicState {
	ts := &warmthTopicState{
		topic:    topic,
		ranked:   btree.NewG(16, warmMemberLess),
		assigned: make(map[int32]*warmGroupMember),
	}
	var members []*warmGroupMember
	cb.EachMember(func(member *kmsg.JoinGroupResponseMember, meta *kmsg.ConsumerMemberMetadata) {
		wm := &warmGroupMember{
			member:      member,
			assignments: btree.NewOrderedG[int32](16),
			warm:        make(map[int32]struct{}),
		}
		if len(meta.UserData) > 0 {
			var memberMeta WarmthGroupMemberMeta
			if err := json.Unmarshal(meta.UserData, &memberMeta); err != nil {
				log.Errorf("dropping unreadable UserData for member %s: %v", member.MemberID, err)
			} else {
				for _, tp := range memberMeta.Warm {
					if tp.Topic == topic {
						wm.warm[tp.Partition] = struct{}{}
					}
				}
			}
		}
		ts.initOwnership(wm, meta)
		members = append(members, wm)
	})
	// ownership is settled, the sort is now stable and members can enter the tree
	for _, wm := range members {
		ts.ranked.ReplaceOrInsert(wm)
	}
	for p := int32(0); p < partitionCount; p++ {
		if _, ok := ts.assigned[p]; !ok {
			ts.unassigned = append(ts.unassigned, p)
		}
	}
	return ts
}

func (ts *warmthTopicState) initOwnership(wm *warmGroupMember, meta *kmsg.ConsumerMemberMetadata) {
	for _, owned := range meta.OwnedPartitions {
		if owned.Topic != ts.topic {
			continue
		}
		for _, p := range owned.Partitions {
			if owner, ok := ts.assigned[p]; ok {
				// double claims show up when a member leaves mid-rebalance. first claim wins
				log.Errorf("partition %d of %s claimed by both %s and %s",
					p, ts.topic, owner.member.MemberID, wm.member.MemberID)
				continue
			}
			ts.assigned[p] = wm
			wm.assignments.ReplaceOrInsert(p)
		}
		// a member never has more than one valid entry per topic
		break
	}
}

func (ts *warmthTopicState) grant(p int32, wm *warmGroupMember) {
	ts.ranked.Delete(wm)
	wm.assignments.ReplaceOrInsert(p)
	ts.ranked.ReplaceOrInsert(wm)
	ts.assigned[p] = wm
}

func (ts *warmthTopicState) retract(p int32, wm *warmGroupMember) {
	ts.ranked.Delete(wm)
	wm.assignments.Delete(p)
	ts.ranked.ReplaceOrInsert(wm)
	delete(ts.assigned, p)
}

// electOwner returns the least loaded member that is warm for p, falling back to
// the least loaded member overall when nobody holds local data for it.
func (ts *warmthTopicState) electOwner(p int32) *warmGroupMember {
	var elected *warmGroupMember
	ts.ranked.Ascend(func(wm *warmGroupMember) bool {
		if elected == nil {
			elected = wm
		}
		if wm.warmFor(p) {
			elected = wm
			return false
		}
		return true
	})
	return elected
}

func (ts *warmthTopicState) placeUnassigned() {
	if ts.ranked.Len() == 0 {
		return
	}
	for _, p := range ts.unassigned {
		ts.grant(p, ts.electOwner(p))
	}
	ts.unassigned = ts.unassigned[:0]
}

// levelLoad moves partitions from the most loaded member to the least loaded until
// the spread is at most one. Each move shrinks the spread, so this terminates.
func (ts *warmthTopicState) levelLoad() {
	for {
		donor, _ := ts.ranked.Max()
		recipient, _ := ts.ranked.Min()
		if donor == nil || recipient == nil || donor == recipient {
			return
		}
		if donor.assignments.Len()-recipient.assignments.Len() <= 1 {
			return
		}
		p := ts.donation(donor, recipient)
		ts.retract(p, donor)
		ts.grant(p, recipient)
	}
}

// donation picks which partition the donor gives up. Partitions the recipient is
// already warm for move first, then partitions the donor itself is cold on, so
// local store data stays near its partition wherever possible.
func (ts *warmthTopicState) donation(donor, recipient *warmGroupMember) int32 {
	best, bestScore := int32(-1), -1
	donor.assignments.Ascend(func(p int32) bool {
		score := 0
		if recipient.warmFor(p) {
			score += 2
		}
		if !donor.warmFor(p) {
			score++
		}
		if score > bestScore {
			best, bestScore = p, score
		}
		return true
	})
	return best
}
