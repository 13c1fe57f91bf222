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
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// BalanceFn computes the target owner for every partition of one topic. An
// implementation must be deterministic: the same partitions and consumers
// always produce the same mapping regardless of input order, since the
// assigner re-derives the target on every pass.
type BalanceFn func(partitions []int32, consumers []string) map[int32]string

// BalanceSortModulo assigns partitions in ascending order to consumers in
// name order, round robin. Every consumer ends up within one partition of
// every other. A membership change can reshuffle most of the mapping; prefer
// BalanceRendezvous when minimizing movement matters more than an exact
// spread.
func BalanceSortModulo(partitions []int32, consumers []string) map[int32]string {
	if len(consumers) == 0 {
		return nil
	}
	ps := append([]int32(nil), partitions...)
	cs := append([]string(nil), consumers...)
	sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
	sort.Strings(cs)
	target := make(map[int32]string, len(ps))
	for i, p := range ps {
		target[p] = cs[i%len(cs)]
	}
	return target
}

// BalanceRendezvous gives each partition to the consumer with the highest
// rendezvous hash for it. Removing a consumer only moves the partitions it
// owned and adding one only claims the partitions it now wins, at the cost of
// a looser spread than BalanceSortModulo.
func BalanceRendezvous(partitions []int32, consumers []string) map[int32]string {
	if len(consumers) == 0 {
		return nil
	}
	target := make(map[int32]string, len(partitions))
	for _, p := range partitions {
		var best string
		var bestScore uint64
		for _, c := range consumers {
			score := xxhash.Sum64String(fmt.Sprintf("%s|%d", c, p))
			if best == "" || score > bestScore || (score == bestScore && c < best) {
				best, bestScore = c, score
			}
		}
		target[p] = best
	}
	return target
}
