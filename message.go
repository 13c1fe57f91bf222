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
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/twmb/franz-go/pkg/kgo"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// messageSize approximates the memory footprint of a polled record. Used for
// byte-based backpressure accounting, so it only needs to be proportional,
// not exact.
func messageSize(r *kgo.Record) int {
	byteCount := len(r.Key)
	byteCount += len(r.Value)
	for _, h := range r.Headers {
		byteCount += len(h.Key)
		byteCount += len(h.Value)
	}
	return byteCount
}

// IncomingMessage is an opaque view over a polled Kafka record. keeper never
// interprets the key or value; payload semantics belong to the Processor.
// The underlying buffers are owned by the message until its handle is
// completed and must not be retained beyond that point.
type IncomingMessage struct {
	kRecord kgo.Record
}

func newIncomingMessage(incoming *kgo.Record) IncomingMessage {
	return IncomingMessage{kRecord: *incoming}
}

func (m IncomingMessage) Offset() int64 {
	return m.kRecord.Offset
}

func (m IncomingMessage) TopicPartition() TopicPartition {
	return ntp(m.kRecord.Partition, m.kRecord.Topic)
}

func (m IncomingMessage) LeaderEpoch() int32 {
	return m.kRecord.LeaderEpoch
}

func (m IncomingMessage) Timestamp() time.Time {
	return m.kRecord.Timestamp
}

func (m IncomingMessage) Key() []byte {
	return m.kRecord.Key
}

func (m IncomingMessage) Value() []byte {
	return m.kRecord.Value
}

func (m IncomingMessage) Headers() []kgo.RecordHeader {
	return m.kRecord.Headers
}

func (m IncomingMessage) HeaderValue(name string) []byte {
	for _, v := range m.kRecord.Headers {
		if v.Key == name {
			return v.Value
		}
	}
	return nil
}

// MemoryBytes returns the approximate memory footprint of this message as
// counted against ConsumerConfig.MaxInFlightBytes.
func (m IncomingMessage) MemoryBytes() int {
	return messageSize(&m.kRecord)
}
