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
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/btree"
	"github.com/keelstream/keeper/kit"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

type TopicPartition struct {
	Partition int32
	Topic     string
}

// ntp == 'New Topic Partition'. Essentially a macro for TopicPartition{Parition: p, Topic: t} which is quite verbose
func ntp(p int32, t string) TopicPartition {
	return TopicPartition{Partition: p, Topic: t}
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s/%d", tp.Topic, tp.Partition)
}

var tpSetFreeList = btree.NewFreeListG[TopicPartition](128)

// A convenience data structure. It is what the name implies, a Set of TopicPartitions.
// This data structure is not thread-safe. You will need to providde your own locking mechanism.
type TopicPartitionSet struct {
	*btree.BTreeG[TopicPartition]
}

// Comparator for TopicPartitions
func topicPartitionLess(a, b TopicPartition) bool {
	res := a.Partition - b.Partition
	if res != 0 {
		return res < 0
	}
	return a.Topic < b.Topic
}

// Returns a new, empty TopicPartitionSet.
func NewTopicPartitionSet() TopicPartitionSet {
	return TopicPartitionSet{btree.NewWithFreeListG(16, topicPartitionLess, tpSetFreeList)}
}

// Insert the TopicPartition. Returns true if the item was inserted, false if the item was aready present
func (tps TopicPartitionSet) Insert(tp TopicPartition) bool {
	_, ok := tps.ReplaceOrInsert(tp)
	return !ok
}

// Tertuens true if the tp is currently a member of TopicPartitionSet
func (tps TopicPartitionSet) Contains(tp TopicPartition) bool {
	_, ok := tps.Get(tp)
	return ok
}

// Removes tp from the TopicPartitionSet. Rerurns true is the item was present.
func (tps TopicPartitionSet) Remove(tp TopicPartition) bool {
	_, ok := tps.Delete(tp)
	return ok
}

// Converts the set to a newly allocate slice of TopicPartitions.
func (tps TopicPartitionSet) Items() []TopicPartition {
	slice := make([]TopicPartition, 0, tps.Len())
	tps.Ascend(func(tp TopicPartition) bool {
		slice = append(slice, tp)
		return true
	})
	return slice
}

// An interface for implementing a resusable Kafka client configuration.
type Cluster interface {
	// Returns the list of kgo.Opt(s) that will be used whenever a connection is made to this cluster.
	// At minimum, it should return the kgo.SeedBrokers() option.
	Config() ([]kgo.Opt, error)
}

// A [Cluster] implementation useful for local development/testing. Establishes a plain text connection to a Kafka cluster.
// For a more advanced example, see [github.com/keelstream/keeper/aws].
//
//	cluster := keeper.SimpleCluster([]string{"127.0.0.1:9092"})
type SimpleCluster []string

// Returns []kgo.Opt{kgo.SeedBrokers(sc...)}
func (sc SimpleCluster) Config() ([]kgo.Opt, error) {
	return []kgo.Opt{kgo.SeedBrokers(sc...)}, nil
}

// NewClient creates a kgo.Client from the options retuned from the provided [Cluster] and addtional `options`.
// Used internally and exposed for convenience.
func NewClient(cluster Cluster, options ...kgo.Opt) (*kgo.Client, error) {
	configOptions := []kgo.Opt{kgo.WithLogger(kgoLogger)}
	clusterOpts, err := cluster.Config()
	if err != nil {
		return nil, err
	}
	configOptions = append(configOptions, clusterOpts...)
	configOptions = append(configOptions, options...)
	return kgo.NewClient(configOptions...)
}

func createTopic(adminClient *kadm.Client, numPartitions int32, replicationFactor int16, config map[string]*string, topic ...string) error {
	res, err := adminClient.CreateTopics(context.Background(), numPartitions, replicationFactor, config, topic...)
	log.Infof("createTopic res: %+v, err: %v", res, err)
	return err
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var opError *net.OpError
	if errors.As(err, &opError) {
		log.Warnf("network error for operation: %s, error: %v", opError.Op, opError)
		return true
	}
	return false
}

func createSourceTopic(config ConsumerConfig) (int32, error) {
	client, err := NewClient(config.Cluster, kgo.RequestRetries(20), kgo.RetryTimeout(30*time.Second))
	if err != nil {
		return 0, err
	}
	defer client.Close()
	adminClient := kadm.NewClient(client)
	minInSync := fmt.Sprintf("%d", config.MinInSync)
	createTopic(adminClient, int32(config.NumPartitions), int16(config.ReplicationFactor), map[string]*string{
		"min.insync.replicas": kit.Ptr(minInSync),
	}, config.Topic)
	return resolvePartitionCount(adminClient, config.Topic)
}

// CreateSourceTopic creates the source topic for the supplied configuration if it does not already
// exist, then returns the actual partition count as reported by the cluster. TOPIC_ALREADY_EXISTS
// errors are ignored; the reported partition count wins over ConsumerConfig.NumPartitions to
// prevent drift errors.
func CreateSourceTopic(config ConsumerConfig) (partitions int32, err error) {
	for retryCount := 0; retryCount < 15; retryCount++ {
		partitions, err = createSourceTopic(config)
		if isNetworkError(err) {
			time.Sleep(time.Second)
		} else {
			break
		}
	}
	return
}

// PartitionCountFor returns the number of partitions for `topic`, per cluster metadata.
func PartitionCountFor(cluster Cluster, topic string) (int32, error) {
	client, err := NewClient(cluster)
	if err != nil {
		return 0, err
	}
	defer client.Close()
	return resolvePartitionCount(kadm.NewClient(client), topic)
}

func resolvePartitionCount(adminClient *kadm.Client, topic string) (int32, error) {
	res, err := adminClient.ListTopicsWithInternal(context.Background(), topic)
	if err != nil {
		return 0, err
	}
	if len(res) != 1 {
		return 0, fmt.Errorf("topic %s does not exist", topic)
	}
	return int32(len(res[topic].Partitions.Numbers())), nil
}

// Deletes the source topic. Provided for local testing purpoose only.
// Do not call this in deployed applications unless your topics are transient in nature.
func DeleteSourceTopic(config ConsumerConfig) error {
	client, err := NewClient(config.Cluster)
	if err != nil {
		return err
	}
	defer client.Close()
	adminClient := kadm.NewClient(client)
	_, err = adminClient.DeleteTopics(context.Background(), config.Topic)
	return err
}

func toTopicPartitions(topic string, partitions ...int32) []TopicPartition {
	tps := make([]TopicPartition, len(partitions))
	for i, p := range partitions {
		tps[i] = ntp(p, topic)
	}
	return tps
}
