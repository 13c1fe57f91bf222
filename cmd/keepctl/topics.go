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
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/keelstream/keeper/assign"
	"github.com/spf13/cobra"
)

var partitionsFlag int32

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "Manage topic registrations in the coordinator",
}

var topicsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered topics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		coordinator, err := newCoordinator()
		if err != nil {
			return err
		}
		defer coordinator.Close()
		return listTopics(ctx, coordinator, os.Stdout)
	},
}

var topicsRegisterCmd = &cobra.Command{
	Use:   "register <topic>",
	Short: "Register a topic for assignment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		coordinator, err := newCoordinator()
		if err != nil {
			return err
		}
		defer coordinator.Close()
		return registerTopic(ctx, coordinator, args[0], partitionsFlag, os.Stdout)
	},
}

var topicsDeregisterCmd = &cobra.Command{
	Use:   "deregister <topic>",
	Short: "Remove a topic registration",
	Long: `Stops the assigner from managing the topic. Consumers keep serving their
current partitions; existing records stay until cleared with
"keepctl assignments clear".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		coordinator, err := newCoordinator()
		if err != nil {
			return err
		}
		defer coordinator.Close()
		return deregisterTopic(ctx, coordinator, args[0], os.Stdout)
	},
}

func init() {
	topicsRegisterCmd.Flags().Int32Var(&partitionsFlag, "partitions", 0, "partition count of the topic")
	topicsRegisterCmd.MarkFlagRequired("partitions")
	topicsCmd.AddCommand(topicsListCmd, topicsRegisterCmd, topicsDeregisterCmd)
}

func listTopics(ctx context.Context, coordinator assign.Coordinator, out io.Writer) error {
	kvs, err := coordinator.List(ctx, assign.TopicConfigPrefix)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TOPIC\tPARTITIONS")
	for _, kv := range kvs {
		var cfg assign.TopicConfig
		if err := json.Unmarshal(kv.Value, &cfg); err != nil {
			continue
		}
		fmt.Fprintf(w, "%s\t%d\n", strings.TrimPrefix(kv.Key, assign.TopicConfigPrefix), cfg.Partitions)
	}
	return w.Flush()
}

func registerTopic(ctx context.Context, coordinator assign.Coordinator, topic string, partitions int32, out io.Writer) error {
	if strings.ContainsRune(topic, '/') {
		return fmt.Errorf("topic %q: names must not contain '/'", topic)
	}
	if partitions <= 0 {
		return fmt.Errorf("partitions must be positive, got %d", partitions)
	}
	value, err := json.Marshal(assign.TopicConfig{Partitions: partitions})
	if err != nil {
		return err
	}
	key := assign.TopicConfigKey(topic)
	kv, exists, err := coordinator.Get(ctx, key)
	if err != nil {
		return err
	}
	var expected int64
	if exists {
		var current assign.TopicConfig
		if err := json.Unmarshal(kv.Value, &current); err == nil && current.Partitions == partitions {
			fmt.Fprintf(out, "topic %s already registered with %d partitions\n", topic, partitions)
			return nil
		}
		expected = kv.Revision
	}
	if _, applied, err := coordinator.PutIfRevision(ctx, key, value, expected); err != nil {
		return err
	} else if !applied {
		return fmt.Errorf("topic %s changed concurrently, try again", topic)
	}
	fmt.Fprintf(out, "registered topic %s with %d partitions\n", topic, partitions)
	return nil
}

func deregisterTopic(ctx context.Context, coordinator assign.Coordinator, topic string, out io.Writer) error {
	kv, exists, err := coordinator.Get(ctx, assign.TopicConfigKey(topic))
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("topic %s is not registered", topic)
	}
	deleted, err := coordinator.DeleteIfRevision(ctx, assign.TopicConfigKey(topic), kv.Revision)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("topic %s changed concurrently, try again", topic)
	}
	fmt.Fprintf(out, "deregistered topic %s\n", topic)
	return nil
}
