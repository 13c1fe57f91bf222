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
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/keelstream/keeper/assign"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assignerd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Etcd.Endpoints) != 1 || cfg.Etcd.Endpoints[0] != "127.0.0.1:2379" {
		t.Errorf("unexpected default endpoints: %v", cfg.Etcd.Endpoints)
	}
	if cfg.ListenAddr != ":9100" {
		t.Errorf("unexpected default listen address: %s", cfg.ListenAddr)
	}
	if len(cfg.Topics) != 0 {
		t.Errorf("expected no topics, got %v", cfg.Topics)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfigFile(t, `
etcd:
  endpoints: ["etcd-0:2379", "etcd-1:2379"]
  lease_ttl: 15s
topics:
  - name: orders
    partitions: 16
  - name: payments
    partitions: 4
election: /election/orders
reconcile_interval: 10s
listen_addr: ":8282"
log_level: debug
`)
	cfg, err := loadConfig([]string{"-config", path})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Etcd.Endpoints) != 2 || cfg.Etcd.Endpoints[0] != "etcd-0:2379" {
		t.Errorf("unexpected endpoints: %v", cfg.Etcd.Endpoints)
	}
	if time.Duration(cfg.Etcd.LeaseTTL) != 15*time.Second {
		t.Errorf("unexpected lease ttl: %v", time.Duration(cfg.Etcd.LeaseTTL))
	}
	if len(cfg.Topics) != 2 || cfg.Topics[0].Name != "orders" || cfg.Topics[0].Partitions != 16 {
		t.Errorf("unexpected topics: %v", cfg.Topics)
	}
	if cfg.Election != "/election/orders" {
		t.Errorf("unexpected election key: %s", cfg.Election)
	}
	if time.Duration(cfg.ReconcileInterval) != 10*time.Second {
		t.Errorf("unexpected reconcile interval: %v", time.Duration(cfg.ReconcileInterval))
	}
	if cfg.ListenAddr != ":8282" {
		t.Errorf("unexpected listen address: %s", cfg.ListenAddr)
	}
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := writeConfigFile(t, `
etcd:
  endpoints: ["etcd-0:2379"]
listen_addr: ":8282"
`)
	cfg, err := loadConfig([]string{"-config", path, "-listen", ":9999", "-etcd", "a:2379, b:2379"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("flag should win over file, got %s", cfg.ListenAddr)
	}
	if len(cfg.Etcd.Endpoints) != 2 || cfg.Etcd.Endpoints[1] != "b:2379" {
		t.Errorf("unexpected endpoints: %v", cfg.Etcd.Endpoints)
	}
}

func TestLoadConfigRejectsBadTopics(t *testing.T) {
	for name, content := range map[string]string{
		"zero partitions": "topics:\n  - name: orders\n    partitions: 0\n",
		"missing name":    "topics:\n  - partitions: 4\n",
		"slash in name":   "topics:\n  - name: a/b\n    partitions: 4\n",
	} {
		path := writeConfigFile(t, content)
		if _, err := loadConfig([]string{"-config", path}); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestRegisterTopics(t *testing.T) {
	coordinator := assign.NewMemoryCoordinator()
	ctx := context.Background()
	topics := []TopicSpec{{Name: "orders", Partitions: 8}}
	if err := registerTopics(ctx, coordinator, topics); err != nil {
		t.Fatal(err)
	}
	kv, ok, err := coordinator.Get(ctx, assign.TopicConfigKey("orders"))
	if err != nil || !ok {
		t.Fatalf("topic record missing: %v", err)
	}
	var cfg assign.TopicConfig
	if err := json.Unmarshal(kv.Value, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Partitions != 8 {
		t.Errorf("expected 8 partitions, got %d", cfg.Partitions)
	}

	// unchanged registration leaves the record alone
	if err := registerTopics(ctx, coordinator, topics); err != nil {
		t.Fatal(err)
	}
	kv2, _, _ := coordinator.Get(ctx, assign.TopicConfigKey("orders"))
	if kv2.Revision != kv.Revision {
		t.Errorf("re-registering the same count should not write, revision %d -> %d", kv.Revision, kv2.Revision)
	}

	// a changed count overwrites
	if err := registerTopics(ctx, coordinator, []TopicSpec{{Name: "orders", Partitions: 16}}); err != nil {
		t.Fatal(err)
	}
	kv3, _, _ := coordinator.Get(ctx, assign.TopicConfigKey("orders"))
	if err := json.Unmarshal(kv3.Value, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Partitions != 16 {
		t.Errorf("expected 16 partitions after update, got %d", cfg.Partitions)
	}
}
