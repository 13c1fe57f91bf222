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
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/keelstream/keeper"
	"gopkg.in/yaml.v3"
)

// duration accepts Go duration strings in yaml ("10s", "1m30s").
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// TopicSpec declares one topic the assigner manages.
type TopicSpec struct {
	Name       string `yaml:"name"`
	Partitions int32  `yaml:"partitions"`
}

type EtcdSpec struct {
	Endpoints   []string `yaml:"endpoints"`
	DialTimeout duration `yaml:"dial_timeout"`
	LeaseTTL    duration `yaml:"lease_ttl"`
}

// Config is the assignerd configuration, loaded from a yaml file with flag
// overrides. Zero values fall back to library defaults.
type Config struct {
	Etcd   EtcdSpec    `yaml:"etcd"`
	Topics []TopicSpec `yaml:"topics"`
	// Election is the coordinator key the leader election runs under.
	Election string `yaml:"election"`
	// Candidate identifies this process in the election. Defaults to the
	// hostname.
	Candidate         string   `yaml:"candidate"`
	ReconcileInterval duration `yaml:"reconcile_interval"`
	// ListenAddr serves /metrics and /healthz.
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
}

func (c Config) logLevel() keeper.LogLevel {
	switch strings.ToLower(c.LogLevel) {
	case "trace":
		return keeper.LogLevelTrace
	case "debug":
		return keeper.LogLevelDebug
	case "", "info":
		return keeper.LogLevelInfo
	case "warn", "warning":
		return keeper.LogLevelWarn
	case "error":
		return keeper.LogLevelError
	}
	return keeper.LogLevelInfo
}

// loadConfig layers flag defaults, then the yaml file, then flags the operator
// actually set, so a flag always wins over the file.
func loadConfig(args []string) (Config, error) {
	fs := flag.NewFlagSet("assignerd", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to yaml config file")
	etcdEndpoints := fs.String("etcd", "127.0.0.1:2379", "comma separated etcd endpoints")
	election := fs.String("election", "", "election key, default /election/assigner")
	listenAddr := fs.String("listen", ":9100", "address serving /metrics and /healthz")
	logLevel := fs.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	if envPath := os.Getenv("ASSIGNERD_CONFIG"); envPath != "" {
		*configPath = envPath
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Etcd:       EtcdSpec{Endpoints: splitEndpoints(*etcdEndpoints)},
		Election:   *election,
		ListenAddr: *listenAddr,
		LogLevel:   *logLevel,
	}
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", *configPath, err)
		}
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "etcd":
			cfg.Etcd.Endpoints = splitEndpoints(*etcdEndpoints)
		case "election":
			cfg.Election = *election
		case "listen":
			cfg.ListenAddr = *listenAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":9100"
	}
	if len(cfg.Etcd.Endpoints) == 0 {
		cfg.Etcd.Endpoints = []string{"127.0.0.1:2379"}
	}
	if cfg.Candidate == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Candidate = host
		}
	}
	for _, t := range cfg.Topics {
		if t.Name == "" {
			return Config{}, fmt.Errorf("topic with no name")
		}
		if strings.ContainsRune(t.Name, '/') {
			return Config{}, fmt.Errorf("topic %q: names must not contain '/'", t.Name)
		}
		if t.Partitions <= 0 {
			return Config{}, fmt.Errorf("topic %s: partitions must be positive, got %d", t.Name, t.Partitions)
		}
	}
	return cfg, nil
}

func splitEndpoints(s string) []string {
	var out []string
	for _, e := range strings.Split(s, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}
