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

// keepctl inspects and repairs the state keeper keeps in object storage and in
// the coordinator: checkpoint manifests, topic registrations, partition
// assignments and in-flight handoffs.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/keelstream/keeper"
	"github.com/keelstream/keeper/assign"
	"github.com/spf13/cobra"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	etcdFlag    string
	timeoutFlag time.Duration
	verboseFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "keepctl",
	Short: "Operate keeper checkpoints and partition assignments",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verboseFlag {
			keeper.InitLogger(keeper.SimpleLogger(keeper.LogLevelDebug), keeper.LogLevelError)
		}
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&etcdFlag, "etcd", "127.0.0.1:2379",
		"comma separated etcd endpoints")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 30*time.Second,
		"coordinator and object store request timeout")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false,
		"log keeper internals")
	rootCmd.AddCommand(checkpointsCmd, assignmentsCmd, topicsCmd)
}

func cmdContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeoutFlag)
}

func newCoordinator() (*assign.EtcdCoordinator, error) {
	var endpoints []string
	for _, e := range strings.Split(etcdFlag, ",") {
		if e = strings.TrimSpace(e); e != "" {
			endpoints = append(endpoints, e)
		}
	}
	return assign.NewEtcdCoordinator(assign.EtcdConfig{Endpoints: endpoints})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
