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

package assign

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// EtcdConfig connects an EtcdCoordinator to a cluster. Zero values get
// defaults.
type EtcdConfig struct {
	Endpoints []string
	// DialTimeout bounds the initial connection attempt. Default 5s.
	DialTimeout time.Duration
	// LeaseTTL is how long a registered consumer may go silent before the
	// coordinator declares it dead. Rounded up to whole seconds. Default 10s.
	LeaseTTL time.Duration
}

func (c EtcdConfig) dialTimeout() time.Duration {
	if c.DialTimeout <= 0 {
		return 5 * time.Second
	}
	return c.DialTimeout
}

func (c EtcdConfig) leaseSeconds() int {
	if c.LeaseTTL <= 0 {
		return 10
	}
	secs := int((c.LeaseTTL + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// EtcdCoordinator implements Coordinator on an etcd cluster. Liveness keys
// and elections ride concurrency sessions; record guards compile down to
// single-op transactions against ModRevision.
type EtcdCoordinator struct {
	client *clientv3.Client
	config EtcdConfig
}

func NewEtcdCoordinator(config EtcdConfig) (*EtcdCoordinator, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: config.dialTimeout(),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdCoordinator{client: client, config: config}, nil
}

func (ec *EtcdCoordinator) Register(ctx context.Context, key string, value []byte) (Lease, error) {
	session, err := concurrency.NewSession(ec.client, concurrency.WithTTL(ec.config.leaseSeconds()))
	if err != nil {
		return nil, err
	}
	lease := &etcdLease{client: ec.client, session: session}
	if err := lease.Put(ctx, key, value); err != nil {
		session.Close()
		return nil, err
	}
	return lease, nil
}

func (ec *EtcdCoordinator) Get(ctx context.Context, key string) (KeyValue, bool, error) {
	resp, err := ec.client.Get(ctx, key)
	if err != nil {
		return KeyValue{}, false, err
	}
	if len(resp.Kvs) == 0 {
		return KeyValue{}, false, nil
	}
	kv := resp.Kvs[0]
	return KeyValue{Key: string(kv.Key), Value: kv.Value, Revision: kv.ModRevision}, true, nil
}

func (ec *EtcdCoordinator) List(ctx context.Context, prefix string) ([]KeyValue, error) {
	resp, err := ec.client.Get(ctx, prefix, clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}
	out := make([]KeyValue, len(resp.Kvs))
	for i, kv := range resp.Kvs {
		out[i] = KeyValue{Key: string(kv.Key), Value: kv.Value, Revision: kv.ModRevision}
	}
	return out, nil
}

func (ec *EtcdCoordinator) PutIfRevision(ctx context.Context, key string, value []byte, expected int64) (int64, bool, error) {
	var cmp clientv3.Cmp
	if expected == 0 {
		cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	} else {
		cmp = clientv3.Compare(clientv3.ModRevision(key), "=", expected)
	}
	resp, err := ec.client.Txn(ctx).If(cmp).Then(clientv3.OpPut(key, string(value))).Commit()
	if err != nil {
		return 0, false, err
	}
	if !resp.Succeeded {
		return 0, false, nil
	}
	return resp.Header.Revision, true, nil
}

func (ec *EtcdCoordinator) DeleteIfRevision(ctx context.Context, key string, expected int64) (bool, error) {
	if expected == 0 {
		resp, err := ec.client.Delete(ctx, key)
		if err != nil {
			return false, err
		}
		return resp.Deleted > 0, nil
	}
	resp, err := ec.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", expected)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

func (ec *EtcdCoordinator) Watch(ctx context.Context, prefix string) <-chan Event {
	out := make(chan Event, 64)
	watch := ec.client.Watch(clientv3.WithRequireLeader(ctx), prefix, clientv3.WithPrefix())
	go func() {
		defer close(out)
		for resp := range watch {
			if err := resp.Err(); err != nil {
				log.Errorf("watch on %s failed: %v", prefix, err)
				return
			}
			for _, ev := range resp.Events {
				e := Event{
					KeyValue: KeyValue{
						Key:      string(ev.Kv.Key),
						Value:    ev.Kv.Value,
						Revision: ev.Kv.ModRevision,
					},
					Deleted: ev.Type == clientv3.EventTypeDelete,
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (ec *EtcdCoordinator) Campaign(ctx context.Context, election, candidate string) (Leadership, error) {
	session, err := concurrency.NewSession(ec.client, concurrency.WithTTL(ec.config.leaseSeconds()))
	if err != nil {
		return nil, err
	}
	e := concurrency.NewElection(session, election)
	if err := e.Campaign(ctx, candidate); err != nil {
		session.Close()
		return nil, err
	}
	return &etcdLeadership{session: session, election: e}, nil
}

func (ec *EtcdCoordinator) Close() error {
	return ec.client.Close()
}

type etcdLease struct {
	client  *clientv3.Client
	session *concurrency.Session
}

func (el *etcdLease) Put(ctx context.Context, key string, value []byte) error {
	_, err := el.client.Put(ctx, key, string(value), clientv3.WithLease(el.session.Lease()))
	return err
}

func (el *etcdLease) Done() <-chan struct{} {
	return el.session.Done()
}

func (el *etcdLease) Release(ctx context.Context) error {
	return el.session.Close()
}

type etcdLeadership struct {
	session  *concurrency.Session
	election *concurrency.Election
}

func (el *etcdLeadership) Done() <-chan struct{} {
	return el.session.Done()
}

func (el *etcdLeadership) Resign(ctx context.Context) error {
	err := el.election.Resign(ctx)
	el.session.Close()
	return err
}
