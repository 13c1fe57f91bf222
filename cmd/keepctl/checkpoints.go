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

	"github.com/keelstream/keeper/aws"
	"github.com/keelstream/keeper/checkpoint"
	"github.com/keelstream/keeper/kit"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	bucketFlag        string
	regionFlag        string
	ckTopicFlag       string
	ckPartitionFlag   int32
	limitFlag         int
	dirFlag           string
	depthFlag         int
	importTimeoutFlag time.Duration
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect and restore checkpoints in the object store",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoint manifests for a partition, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		store := aws.NewCheckpointBucket(bucketFlag, regionFlag)
		return listCheckpoints(ctx, store, ckTopicFlag, ckPartitionFlag, limitFlag, os.Stdout)
	},
}

var checkpointsRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Materialize the newest usable checkpoint into a local directory",
	Long: `Downloads the most recent checkpoint of a partition into a local directory,
falling back to older checkpoints when files are missing or corrupt. The
populated directory opens directly as a store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := aws.NewCheckpointBucket(bucketFlag, regionFlag)
		return restoreCheckpoint(cmd.Context(), store, ckTopicFlag, ckPartitionFlag,
			dirFlag, depthFlag, importTimeoutFlag, os.Stdout)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{checkpointsListCmd, checkpointsRestoreCmd} {
		cmd.Flags().StringVar(&bucketFlag, "bucket", "", "checkpoint bucket name")
		cmd.Flags().StringVar(&regionFlag, "region", "", "AWS region, defaults to the environment")
		cmd.Flags().StringVar(&ckTopicFlag, "topic", "", "source topic")
		cmd.Flags().Int32Var(&ckPartitionFlag, "partition", 0, "partition number")
		cmd.MarkFlagRequired("bucket")
		cmd.MarkFlagRequired("topic")
		cmd.MarkFlagRequired("partition")
	}
	checkpointsListCmd.Flags().IntVar(&limitFlag, "limit", 10, "manifests to show, 0 for all")
	checkpointsRestoreCmd.Flags().StringVar(&dirFlag, "dir", "", "local base directory to restore under")
	checkpointsRestoreCmd.Flags().IntVar(&depthFlag, "depth", 3, "checkpoint candidates to try, newest first")
	checkpointsRestoreCmd.Flags().DurationVar(&importTimeoutFlag, "import-timeout", 4*time.Minute,
		"deadline across all candidates")
	checkpointsRestoreCmd.MarkFlagRequired("dir")
	checkpointsCmd.AddCommand(checkpointsListCmd, checkpointsRestoreCmd)
}

func listCheckpoints(ctx context.Context, store checkpoint.ObjectStore, topic string, partition int32, limit int, out io.Writer) error {
	manifests, err := checkpoint.ListManifests(ctx, store, topic, partition, limit)
	if err != nil {
		return err
	}
	if len(manifests) == 0 {
		fmt.Fprintf(out, "no checkpoints for %s/%d\n", topic, partition)
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tSEQUENCE\tCONSUMER OFFSET\tPRODUCER OFFSET\tFILES\tID")
	for _, m := range manifests {
		created := m.AttemptTimestamp
		if micros, err := m.AttemptTimestampMicros(); err == nil {
			created = time.UnixMicro(micros).UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n",
			created, m.Sequence, m.ConsumerOffset, m.ProducerOffset, len(m.Files), m.Id)
	}
	return w.Flush()
}

// progressStore counts object fetches so a restore can render progress. The
// expected total is the newest manifest's file count plus the manifest itself;
// a fallback to an older checkpoint skews the count, not the outcome.
type progressStore struct {
	checkpoint.ObjectStore
	bar *progressbar.ProgressBar
}

func (p *progressStore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	body, length, err := p.ObjectStore.Get(ctx, key)
	if err == nil {
		p.bar.Add(1)
	}
	return body, length, err
}

func restoreCheckpoint(ctx context.Context, store checkpoint.ObjectStore, topic string, partition int32,
	dir string, depth int, timeout time.Duration, out io.Writer) error {
	listCtx, cancel := context.WithTimeout(ctx, timeout)
	manifests, err := checkpoint.ListManifests(listCtx, store, topic, partition, 1)
	cancel()
	if err != nil {
		return err
	}
	if len(manifests) == 0 {
		return fmt.Errorf("no checkpoints for %s/%d", topic, partition)
	}

	bar := progressbar.Default(int64(len(manifests[0].Files)+1),
		fmt.Sprintf("restoring %s/%d", topic, partition))
	importer := checkpoint.NewImporter(&progressStore{ObjectStore: store, bar: bar},
		checkpoint.ImportConfig{AttemptDepth: depth, Timeout: timeout})

	rs := kit.NewRunStatus(ctx)
	defer rs.Halt()
	attemptDir, manifest, err := importer.Import(rs, topic, partition, dir)
	bar.Finish()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "restored checkpoint %s\n", manifest.Id)
	fmt.Fprintf(out, "  directory:       %s\n", attemptDir)
	fmt.Fprintf(out, "  sequence:        %d\n", manifest.Sequence)
	fmt.Fprintf(out, "  consumer offset: %d\n", manifest.ConsumerOffset)
	fmt.Fprintf(out, "  producer offset: %d\n", manifest.ProducerOffset)
	return nil
}
