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

import "testing"

func sequentialPartitions(n int32) []int32 {
	ps := make([]int32, n)
	for i := range ps {
		ps[i] = int32(i)
	}
	return ps
}

func TestBalanceSortModuloAlternates(t *testing.T) {
	target := BalanceSortModulo(sequentialPartitions(6), []string{"b", "a"})
	expect := map[int32]string{0: "a", 1: "b", 2: "a", 3: "b", 4: "a", 5: "b"}
	for p, owner := range expect {
		if target[p] != owner {
			t.Errorf("partition %d went to %s, expected %s", p, target[p], owner)
		}
	}
}

func TestBalanceSortModuloSpread(t *testing.T) {
	consumers := []string{"c3", "c0", "c4", "c1", "c2"}
	target := BalanceSortModulo(sequentialPartitions(12), consumers)
	counts := make(map[string]int)
	for _, owner := range target {
		counts[owner]++
	}
	if len(counts) != 5 {
		t.Fatalf("expected every consumer to own something, got %v", counts)
	}
	for owner, n := range counts {
		if n < 2 || n > 3 {
			t.Errorf("%s owns %d partitions, expected 2 or 3", owner, n)
		}
	}
}

func TestBalanceSortModuloIgnoresInputOrder(t *testing.T) {
	a := BalanceSortModulo([]int32{3, 0, 2, 1}, []string{"y", "x"})
	b := BalanceSortModulo([]int32{0, 1, 2, 3}, []string{"x", "y"})
	for p := int32(0); p < 4; p++ {
		if a[p] != b[p] {
			t.Errorf("partition %d unstable across input orders: %s vs %s", p, a[p], b[p])
		}
	}
}

func TestBalanceRendezvousDeterministic(t *testing.T) {
	a := BalanceRendezvous(sequentialPartitions(16), []string{"c", "a", "b"})
	b := BalanceRendezvous([]int32{15, 3, 7, 0, 1, 2, 4, 5, 6, 8, 9, 10, 11, 12, 13, 14}, []string{"a", "b", "c"})
	for p := int32(0); p < 16; p++ {
		if a[p] == "" {
			t.Fatalf("partition %d unassigned", p)
		}
		if a[p] != b[p] {
			t.Errorf("partition %d unstable across input orders: %s vs %s", p, a[p], b[p])
		}
	}
}

func TestBalanceRendezvousOnlyMovesDepartedPartitions(t *testing.T) {
	before := BalanceRendezvous(sequentialPartitions(64), []string{"a", "b", "c"})
	after := BalanceRendezvous(sequentialPartitions(64), []string{"a", "b"})
	for p := int32(0); p < 64; p++ {
		if before[p] != "c" && after[p] != before[p] {
			t.Errorf("partition %d moved from %s to %s although its owner stayed", p, before[p], after[p])
		}
	}
}

func TestBalanceEmptyConsumers(t *testing.T) {
	if target := BalanceSortModulo(sequentialPartitions(4), nil); target != nil {
		t.Errorf("sort modulo with no consumers produced %v", target)
	}
	if target := BalanceRendezvous(sequentialPartitions(4), nil); target != nil {
		t.Errorf("rendezvous with no consumers produced %v", target)
	}
}
