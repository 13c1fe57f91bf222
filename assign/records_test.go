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
	"strings"
	"testing"
)

func TestPartitionKeyRoundTrip(t *testing.T) {
	tps := []TopicPartition{
		{Topic: "orders", Partition: 0},
		{Topic: "orders", Partition: 31},
		{Topic: "billing.events-v2", Partition: 7},
		{Topic: "a_b.c-d", Partition: 2147483647},
	}
	for _, tp := range tps {
		for _, key := range []string{AssignmentKey(tp), HandoffKey(tp), ReadyKey(tp), ReleasedKey(tp)} {
			var prefix string
			switch key {
			case AssignmentKey(tp):
				prefix = AssignmentsPrefix
			case HandoffKey(tp):
				prefix = HandoffsPrefix
			case ReadyKey(tp):
				prefix = ReadyPrefix
			case ReleasedKey(tp):
				prefix = ReleasedPrefix
			}
			parsed, ok := ParsePartitionKey(prefix, key)
			if !ok {
				t.Fatalf("could not parse %s back", key)
			}
			if parsed != tp {
				t.Errorf("%s parsed to %v, expected %v", key, parsed, tp)
			}
		}
	}
}

func TestParsePartitionKeyRejectsMalformed(t *testing.T) {
	bad := []string{
		"/handoffs/orders/0",  // wrong prefix
		"/assignments/orders", // no partition
		"/assignments/orders/",
		"/assignments/orders/abc",
		"/assignments/orders/-1",
		"/assignments//3", // empty topic
		"/assignments/orders/9999999999999", // overflows int32
	}
	for _, key := range bad {
		if tp, ok := ParsePartitionKey(AssignmentsPrefix, key); ok {
			t.Errorf("expected %s to be rejected, parsed to %v", key, tp)
		}
	}
}

func TestRecordEncoding(t *testing.T) {
	h := Handoff{Old: "pod-0", New: "pod-3", Phase: Warming, CreatedAt: 1700000000123}
	decoded, err := decode[Handoff](encode(h))
	if err != nil {
		t.Fatalf("decoding handoff: %v", err)
	}
	if decoded != h {
		t.Errorf("handoff round trip produced %+v, expected %+v", decoded, h)
	}
	// field names are part of the coordinator schema, not an implementation
	// detail
	raw := string(encode(h))
	for _, field := range []string{`"old"`, `"new"`, `"phase"`, `"created_at"`, `"Warming"`} {
		if !strings.Contains(raw, field) {
			t.Errorf("encoded handoff %s missing %s", raw, field)
		}
	}
	if raw := string(encode(Assignment{Owner: "pod-1"})); raw != `{"owner":"pod-1"}` {
		t.Errorf("unexpected assignment encoding %s", raw)
	}
	if raw := string(encode(TopicConfig{Partitions: 32})); raw != `{"partitions":32}` {
		t.Errorf("unexpected topic config encoding %s", raw)
	}
}
