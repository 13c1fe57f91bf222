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

// assignerd runs the partition assigner as a daemon. It registers the topics
// from its config file with the coordinator, campaigns for leadership and
// reconciles partition ownership until terminated. Run several for
// availability; the election keeps all but one idle.
//
// Prometheus metrics and a health probe are served on the listen address.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/keelstream/keeper"
	"github.com/keelstream/keeper/assign"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var log keeper.Logger = keeper.SimpleLogger(keeper.LogLevelError)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "assignerd:", err)
		os.Exit(2)
	}
	log = keeper.InitLogger(keeper.SimpleLogger(cfg.logLevel()), keeper.LogLevelError)

	coordinator, err := assign.NewEtcdCoordinator(assign.EtcdConfig{
		Endpoints:   cfg.Etcd.Endpoints,
		DialTimeout: time.Duration(cfg.Etcd.DialTimeout),
		LeaseTTL:    time.Duration(cfg.Etcd.LeaseTTL),
	})
	if err != nil {
		log.Errorf("connecting to etcd %v: %v", cfg.Etcd.Endpoints, err)
		os.Exit(1)
	}
	defer coordinator.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := registerTopics(ctx, coordinator, cfg.Topics); err != nil {
		log.Errorf("registering topics: %v", err)
		os.Exit(1)
	}

	server := &http.Server{Addr: cfg.ListenAddr, Handler: newHandler()}
	go func() {
		log.Infof("serving /metrics and /healthz on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server failed: %v", err)
		}
	}()

	assigner := assign.NewAssigner(coordinator, assign.AssignerConfig{
		Election:          cfg.Election,
		Candidate:         cfg.Candidate,
		ReconcileInterval: time.Duration(cfg.ReconcileInterval),
		Observe:           observePass,
	})
	log.Infof("assignerd %s starting, %d topics, etcd %v", cfg.Candidate, len(cfg.Topics), cfg.Etcd.Endpoints)
	if err := assigner.Run(ctx); err != nil && ctx.Err() == nil {
		log.Errorf("assigner stopped: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	log.Infof("assignerd %s stopped", cfg.Candidate)
}

func newHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// registerTopics writes the configured topics into the coordinator. An
// existing record with a different partition count is overwritten; running
// consumers size their partition range at construction, so a count change
// only takes effect as they restart.
func registerTopics(ctx context.Context, coordinator assign.Coordinator, topics []TopicSpec) error {
	for _, t := range topics {
		key := assign.TopicConfigKey(t.Name)
		value, err := json.Marshal(assign.TopicConfig{Partitions: t.Partitions})
		if err != nil {
			return err
		}
		kv, exists, err := coordinator.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", key, err)
		}
		if exists {
			var current assign.TopicConfig
			if err := json.Unmarshal(kv.Value, &current); err == nil && current.Partitions == t.Partitions {
				continue
			}
			log.Warnf("topic %s partition count changing to %d, consumers pick this up on restart", t.Name, t.Partitions)
			if _, _, err := coordinator.PutIfRevision(ctx, key, value, kv.Revision); err != nil {
				return fmt.Errorf("updating %s: %w", key, err)
			}
			continue
		}
		log.Infof("registering topic %s with %d partitions", t.Name, t.Partitions)
		if _, _, err := coordinator.PutIfRevision(ctx, key, value, 0); err != nil {
			return fmt.Errorf("creating %s: %w", key, err)
		}
	}
	return nil
}
