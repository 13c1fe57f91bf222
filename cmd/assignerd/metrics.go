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

package main

import (
	"github.com/keelstream/keeper/assign"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	reconcilePasses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keeper_assigner_reconcile_passes_total",
		Help: "Total reconcile passes run while leader",
	})

	reconcileFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keeper_assigner_reconcile_failures_total",
		Help: "Reconcile passes that ended in an error",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "keeper_assigner_reconcile_duration_seconds",
		Help:    "Wall time of one reconcile pass",
		Buckets: prometheus.DefBuckets,
	})

	recordWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keeper_assigner_record_writes_total",
		Help: "Coordinator writes performed by reconcile passes",
	})

	handoffsInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keeper_assigner_handoffs_inflight",
		Help: "Handoffs in flight at the start of the latest pass",
	})

	topicsManaged = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keeper_assigner_topics",
		Help: "Topics with a registered configuration",
	})

	consumersLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keeper_assigner_consumers",
		Help: "Consumers holding a live registration",
	})
)

func init() {
	prometheus.MustRegister(reconcilePasses, reconcileFailures, reconcileDuration,
		recordWrites, handoffsInflight, topicsManaged, consumersLive)
}

// observePass feeds one pass summary into the exported metrics. Wired into
// AssignerConfig.Observe, so it only fires while this process is leader.
func observePass(stats assign.PassStats) {
	reconcilePasses.Inc()
	reconcileDuration.Observe(stats.Duration.Seconds())
	if stats.Err != nil {
		reconcileFailures.Inc()
		return
	}
	recordWrites.Add(float64(stats.Changes))
	handoffsInflight.Set(float64(stats.Handoffs))
	topicsManaged.Set(float64(stats.Topics))
	consumersLive.Set(float64(stats.Consumers))
}
