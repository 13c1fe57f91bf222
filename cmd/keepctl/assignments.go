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
	"text/tabwriter"
	"time"

	"github.com/keelstream/keeper/assign"
	"github.com/spf13/cobra"
)

var assignTopicFlag string

var assignmentsCmd = &cobra.Command{
	Use:   "assignments",
	Short: "Show live consumers, partition owners and in-flight handoffs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		coordinator, err := newCoordinator()
		if err != nil {
			return err
		}
		defer coordinator.Close()
		return showAssignments(ctx, coordinator, assignTopicFlag, os.Stdout)
	},
}

var assignmentsClearCmd = &cobra.Command{
	Use:   "clear <topic>",
	Short: "Delete assignment and handoff records of a deregistered topic",
	Long: `Removes every assignment, handoff and signal record of a topic. Refused while
the topic is still registered; the assigner would recreate the records on its
next pass.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		coordinator, err := newCoordinator()
		if err != nil {
			return err
		}
		defer coordinator.Close()
		return clearAssignments(ctx, coordinator, args[0], os.Stdout)
	},
}

func init() {
	assignmentsCmd.Flags().StringVar(&assignTopicFlag, "topic", "", "only show this topic")
	assignmentsCmd.AddCommand(assignmentsClearCmd)
}

func showAssignments(ctx context.Context, coordinator assign.Coordinator, topic string, out io.Writer) error {
	consumers, err := coordinator.List(ctx, assign.ConsumersPrefix)
	if err != nil {
		return err
	}
	live := make(map[string]struct{}, len(consumers))
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONSUMER\tREGISTERED")
	for _, kv := range consumers {
		var info assign.ConsumerInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			continue
		}
		live[info.Name] = struct{}{}
		fmt.Fprintf(w, "%s\t%s\n", info.Name,
			time.UnixMilli(info.RegisteredAt).UTC().Format(time.RFC3339))
	}
	if len(consumers) == 0 {
		fmt.Fprintln(w, "(none)\t")
	}
	fmt.Fprintln(w)

	handoffs := make(map[assign.TopicPartition]assign.Handoff)
	kvs, err := coordinator.List(ctx, assign.HandoffsPrefix)
	if err != nil {
		return err
	}
	for _, kv := range kvs {
		tp, ok := assign.ParsePartitionKey(assign.HandoffsPrefix, kv.Key)
		if !ok {
			continue
		}
		var h assign.Handoff
		if err := json.Unmarshal(kv.Value, &h); err == nil {
			handoffs[tp] = h
		}
	}

	kvs, err = coordinator.List(ctx, assign.AssignmentsPrefix)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "TOPIC\tPARTITION\tOWNER\tLIVE\tHANDOFF")
	for _, kv := range kvs {
		tp, ok := assign.ParsePartitionKey(assign.AssignmentsPrefix, kv.Key)
		if !ok || (topic != "" && tp.Topic != topic) {
			continue
		}
		var a assign.Assignment
		if err := json.Unmarshal(kv.Value, &a); err != nil {
			continue
		}
		liveness := "no"
		if _, ok := live[a.Owner]; ok {
			liveness = "yes"
		}
		handoff := "-"
		if h, ok := handoffs[tp]; ok {
			handoff = fmt.Sprintf("%s -> %s (%s)", h.Old, h.New, h.Phase)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", tp.Topic, tp.Partition, a.Owner, liveness, handoff)
	}
	return w.Flush()
}

func clearAssignments(ctx context.Context, coordinator assign.Coordinator, topic string, out io.Writer) error {
	if _, registered, err := coordinator.Get(ctx, assign.TopicConfigKey(topic)); err != nil {
		return err
	} else if registered {
		return fmt.Errorf("topic %s is still registered, deregister it first", topic)
	}
	removed := 0
	for _, prefix := range []string{assign.AssignmentsPrefix, assign.HandoffsPrefix,
		assign.ReadyPrefix, assign.ReleasedPrefix} {
		kvs, err := coordinator.List(ctx, prefix+topic+"/")
		if err != nil {
			return err
		}
		for _, kv := range kvs {
			deleted, err := coordinator.DeleteIfRevision(ctx, kv.Key, kv.Revision)
			if err != nil {
				return fmt.Errorf("deleting %s: %w", kv.Key, err)
			}
			if deleted {
				removed++
			}
		}
	}
	fmt.Fprintf(out, "removed %d records for topic %s\n", removed, topic)
	return nil
}
