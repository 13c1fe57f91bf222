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
	"testing"

	"github.com/twmb/franz-go/pkg/kmsg"
)

const warmthTestTopic = "balancer_test_topic"

func warmthJoinMember(id string, owned []int32, warm ...TopicPartition) kmsg.JoinGroupResponseMember {
	wb := NewWarmthRankedBalancer()
	for _, tp := range warm {
		wb.PartitionWarmed(tp)
	}
	currentAssignment := map[string][]int32{}
	if len(owned) > 0 {
		currentAssignment[warmthTestTopic] = owned
	}
	return kmsg.JoinGroupResponseMember{
		MemberID:         id,
		ProtocolMetadata: wb.JoinGroupMetadata([]string{warmthTestTopic}, currentAssignment, 0),
	}
}

// runs a full leader balance cycle and decodes the sync assignments it produced
func warmthBalanceGroup(t *testing.T, partitionCount int32, members ...kmsg.JoinGroupResponseMember) map[string][]int32 {
	t.Helper()
	wb := NewWarmthRankedBalancer()
	gmb, topics, err := wb.MemberBalancer(members)
	if err != nil {
		t.Fatalf("MemberBalancer failed: %v", err)
	}
	if _, ok := topics[warmthTestTopic]; !ok {
		t.Fatalf("member topics missing %s: %v", warmthTestTopic, topics)
	}
	assignments := gmb.Balance(map[string]int32{warmthTestTopic: partitionCount}).IntoSyncAssignment()
	result := make(map[string][]int32, len(assignments))
	for _, sa := range assignments {
		parsed, err := wb.ParseSyncAssignment(sa.MemberAssignment)
		if err != nil {
			t.Fatalf("ParseSyncAssignment failed for %s: %v", sa.MemberID, err)
		}
		result[sa.MemberID] = parsed[warmthTestTopic]
	}
	return result
}

func expectAssigned(t *testing.T, result map[string][]int32, member string, want ...int32) {
	t.Helper()
	got, ok := result[member]
	if !ok {
		t.Fatalf("no sync assignment produced for member %s", member)
	}
	if len(got) != len(want) {
		t.Fatalf("member %s assigned %v, wanted %v", member, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("member %s assigned %v, wanted %v", member, got, want)
		}
	}
}

func TestWarmthBalancerPrefersWarmMembers(t *testing.T) {
	result := warmthBalanceGroup(t, 4,
		warmthJoinMember("member-a", nil),
		warmthJoinMember("member-b", nil, ntp(1, warmthTestTopic), ntp(3, warmthTestTopic)),
	)
	expectAssigned(t, result, "member-a", 0, 2)
	expectAssigned(t, result, "member-b", 1, 3)
}

func TestWarmthBalancerLevelsLoadAfterWarmPlacement(t *testing.T) {
	// member-b is warm for every partition and claims them all, then the
	// leveling pass hands one back so the spread ends at one
	result := warmthBalanceGroup(t, 3,
		warmthJoinMember("member-a", nil),
		warmthJoinMember("member-b", nil,
			ntp(0, warmthTestTopic), ntp(1, warmthTestTopic), ntp(2, warmthTestTopic)),
	)
	expectAssigned(t, result, "member-a", 0)
	expectAssigned(t, result, "member-b", 1, 2)
}

func TestWarmthBalancerKeepsStableOwnership(t *testing.T) {
	result := warmthBalanceGroup(t, 4,
		warmthJoinMember("member-a", []int32{0, 1}),
		warmthJoinMember("member-b", []int32{2, 3}),
	)
	expectAssigned(t, result, "member-a", 0, 1)
	expectAssigned(t, result, "member-b", 2, 3)
}

func TestWarmthBalancerMovesCooperatively(t *testing.T) {
	// member-b joins a group where member-a owns everything. The donated
	// partitions must be revoked from member-a on this cycle and assigned to
	// member-b only on the next one, so member-b comes away empty handed here.
	result := warmthBalanceGroup(t, 4,
		warmthJoinMember("member-a", []int32{0, 1, 2, 3}),
		warmthJoinMember("member-b", nil),
	)
	expectAssigned(t, result, "member-a", 2, 3)
	expectAssigned(t, result, "member-b")
}

func TestWarmthBalancerReclaimsAfterRestart(t *testing.T) {
	// member-b restarted: it owns nothing but still holds local store data for
	// partitions 0 and 1. Warmth routes the orphaned partitions straight back,
	// and since nobody owned them this cycle they are assigned immediately.
	result := warmthBalanceGroup(t, 4,
		warmthJoinMember("member-a", []int32{2, 3}),
		warmthJoinMember("member-b", nil, ntp(0, warmthTestTopic), ntp(1, warmthTestTopic)),
	)
	expectAssigned(t, result, "member-a", 2, 3)
	expectAssigned(t, result, "member-b", 0, 1)
}

func TestWarmthBalancerColdGroupSpreadsEvenly(t *testing.T) {
	result := warmthBalanceGroup(t, 6,
		warmthJoinMember("member-a", nil),
		warmthJoinMember("member-b", nil),
		warmthJoinMember("member-c", nil),
	)
	total := 0
	for _, member := range []string{"member-a", "member-b", "member-c"} {
		n := len(result[member])
		if n != 2 {
			t.Errorf("member %s assigned %d partitions, wanted 2: %v", member, n, result[member])
		}
		total += n
	}
	if total != 6 {
		t.Errorf("assigned %d partitions in total, wanted 6", total)
	}
}

func TestWarmthBalancerMetadataRoundTrip(t *testing.T) {
	wb := NewWarmthRankedBalancer()
	wb.PartitionWarmed(ntp(4, warmthTestTopic))
	wb.PartitionWarmed(ntp(2, warmthTestTopic))
	wb.PartitionWarmed(ntp(7, warmthTestTopic))
	wb.PartitionForgotten(ntp(7, warmthTestTopic))

	raw := wb.JoinGroupMetadata([]string{warmthTestTopic}, map[string][]int32{warmthTestTopic: {2, 4}}, 1)
	meta := new(kmsg.ConsumerMemberMetadata)
	if err := meta.ReadFrom(raw); err != nil {
		t.Fatalf("could not read join metadata: %v", err)
	}
	if meta.Version != 1 {
		t.Errorf("metadata version: %d, wanted 1", meta.Version)
	}
	if len(meta.OwnedPartitions) != 1 || meta.OwnedPartitions[0].Topic != warmthTestTopic {
		t.Fatalf("unexpected owned partitions: %+v", meta.OwnedPartitions)
	}
	var memberMeta WarmthGroupMemberMeta
	if err := json.Unmarshal(meta.UserData, &memberMeta); err != nil {
		t.Fatalf("could not unmarshal UserData: %v", err)
	}
	want := []TopicPartition{ntp(2, warmthTestTopic), ntp(4, warmthTestTopic)}
	if len(memberMeta.Warm) != len(want) {
		t.Fatalf("warm set %v, wanted %v", memberMeta.Warm, want)
	}
	for i := range want {
		if memberMeta.Warm[i] != want[i] {
			t.Fatalf("warm set %v, wanted %v", memberMeta.Warm, want)
		}
	}
}
