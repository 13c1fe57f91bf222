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
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/keelstream/keeper/kit"
)

const statsMinTrackable = int64(1)                  // 1µs
const statsMaxTrackable = int64(5 * 60 * 1_000_000) // 5min in µs

// LatencySummary is a point-in-time digest of one operation's recorded latencies.
type LatencySummary struct {
	Operation string
	Count     int64
	Bytes     int64
	Mean      time.Duration
	P50       time.Duration
	P99       time.Duration
	Max       time.Duration
}

/*
LatencyStats aggregates [Metric] events into per-operation HDR histograms.
Install its Handle method as the consumer's MetricsHandler to get cheap,
allocation-free latency digests without an external metrics pipeline:

	stats := keeper.NewLatencyStats()
	config.MetricsHandler = stats.Handle
	...
	summary, _ := stats.Summary(keeper.ProcessOperation)
	log.Printf("p99 process latency: %v", summary.P99)

All methods are safe for concurrent use.
*/
type LatencyStats struct {
	mu         sync.Mutex
	histograms map[string]*hdrhistogram.Histogram
	counts     map[string]int64
	bytes      map[string]int64
}

func NewLatencyStats() *LatencyStats {
	return &LatencyStats{
		histograms: make(map[string]*hdrhistogram.Histogram),
		counts:     make(map[string]int64),
		bytes:      make(map[string]int64),
	}
}

// Handle records m. Conforms to [MetricsHandler].
func (ls *LatencyStats) Handle(m Metric) {
	micros := m.Duration().Microseconds()
	micros = kit.Max(kit.Min(micros, statsMaxTrackable), statsMinTrackable)
	ls.mu.Lock()
	h, ok := ls.histograms[m.Operation]
	if !ok {
		h = hdrhistogram.New(statsMinTrackable, statsMaxTrackable, 3)
		ls.histograms[m.Operation] = h
	}
	h.RecordValue(micros)
	ls.counts[m.Operation] += int64(kit.Max(m.Count, 1))
	ls.bytes[m.Operation] += int64(m.Bytes)
	ls.mu.Unlock()
}

// Summary digests one operation. ok is false if the operation was never recorded.
func (ls *LatencyStats) Summary(operation string) (summary LatencySummary, ok bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	h, ok := ls.histograms[operation]
	if !ok {
		return
	}
	return ls.summarize(operation, h), true
}

// Summaries digests every recorded operation.
func (ls *LatencyStats) Summaries() map[string]LatencySummary {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	summaries := make(map[string]LatencySummary, len(ls.histograms))
	for operation, h := range ls.histograms {
		summaries[operation] = ls.summarize(operation, h)
	}
	return summaries
}

func (ls *LatencyStats) summarize(operation string, h *hdrhistogram.Histogram) LatencySummary {
	return LatencySummary{
		Operation: operation,
		Count:     ls.counts[operation],
		Bytes:     ls.bytes[operation],
		Mean:      time.Duration(h.Mean()) * time.Microsecond,
		P50:       time.Duration(h.ValueAtQuantile(50)) * time.Microsecond,
		P99:       time.Duration(h.ValueAtQuantile(99)) * time.Microsecond,
		Max:       time.Duration(h.Max()) * time.Microsecond,
	}
}

// Reset discards all recorded values.
func (ls *LatencyStats) Reset() {
	ls.mu.Lock()
	for _, h := range ls.histograms {
		h.Reset()
	}
	ls.counts = make(map[string]int64)
	ls.bytes = make(map[string]int64)
	ls.mu.Unlock()
}
