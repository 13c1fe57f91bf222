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
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var errLeadershipLost = errors.New("leadership lost")

// AssignerConfig tunes the reconcile loop. Zero values get defaults.
type AssignerConfig struct {
	// Election is the coordinator key the leader election runs under.
	// Default "/election/assigner".
	Election string
	// Candidate identifies this process in the election. Default is a random
	// uuid.
	Candidate string
	// Balance computes target ownership per topic. Default BalanceSortModulo.
	Balance BalanceFn
	// ReconcileInterval is how long the loop idles before running a pass with
	// no watch activity. Default 30s.
	ReconcileInterval time.Duration
	// ReconcileRate caps how often watch bursts may trigger passes.
	// Default 4/s.
	ReconcileRate rate.Limit
	// Observe, when set, receives stats after every pass.
	Observe func(PassStats)
}

func (c AssignerConfig) election() string {
	if c.Election == "" {
		return "/election/assigner"
	}
	return c.Election
}

func (c AssignerConfig) candidate() string {
	if c.Candidate == "" {
		return uuid.NewString()
	}
	return c.Candidate
}

func (c AssignerConfig) balance() BalanceFn {
	if c.Balance == nil {
		return BalanceSortModulo
	}
	return c.Balance
}

func (c AssignerConfig) reconcileInterval() time.Duration {
	if c.ReconcileInterval <= 0 {
		return 30 * time.Second
	}
	return c.ReconcileInterval
}

func (c AssignerConfig) reconcileRate() rate.Limit {
	if c.ReconcileRate <= 0 {
		return 4
	}
	return c.ReconcileRate
}

// PassStats summarizes one reconcile pass.
type PassStats struct {
	Duration  time.Duration
	Topics    int
	Consumers int
	// Handoffs in flight when the pass began.
	Handoffs int
	// Changes is the number of coordinator writes the pass performed.
	Changes int
	Err     error
}

// Assigner drives partition ownership toward the balance target. It is the
// only writer of assignment and handoff records; consumers report through
// leased signal keys and the Assigner folds those reports into record state
// on its next pass. Run any number of them for availability; the election
// keeps all but one idle.
type Assigner struct {
	coordinator Coordinator
	config      AssignerConfig
	candidate   string
}

func NewAssigner(coordinator Coordinator, config AssignerConfig) *Assigner {
	return &Assigner{
		coordinator: coordinator,
		config:      config,
		candidate:   config.candidate(),
	}
}

// Run campaigns for leadership, reconciles while leader and re-campaigns when
// leadership is lost. It blocks until ctx is done.
func (a *Assigner) Run(ctx context.Context) error {
	for {
		leadership, err := a.coordinator.Campaign(ctx, a.config.election(), a.candidate)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Errorf("assigner campaign failed: %v", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		log.Infof("assigner %s elected leader", a.candidate)
		err = a.serve(ctx, leadership)
		if ctx.Err() != nil {
			resignCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if resignErr := leadership.Resign(resignCtx); resignErr != nil {
				log.Errorf("assigner resignation failed: %v", resignErr)
			}
			cancel()
			return ctx.Err()
		}
		log.Warnf("assigner %s lost leadership: %v", a.candidate, err)
	}
}

// serve runs reconcile passes until leadership or ctx ends. Any change under
// the coordinator tree kicks a pass; the limiter keeps event bursts from
// turning into a pass per event.
func (a *Assigner) serve(ctx context.Context, leadership Leadership) error {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	kick := make(chan struct{}, 1)
	events := a.coordinator.Watch(serveCtx, "/")
	go func() {
		for range events {
			select {
			case kick <- struct{}{}:
			default:
			}
		}
	}()

	limiter := rate.NewLimiter(a.config.reconcileRate(), 1)
	ticker := time.NewTicker(a.config.reconcileInterval())
	defer ticker.Stop()

	for {
		if err := limiter.Wait(serveCtx); err != nil {
			return err
		}
		select {
		case <-leadership.Done():
			return errLeadershipLost
		default:
		}
		a.pass(serveCtx)
		select {
		case <-serveCtx.Done():
			return serveCtx.Err()
		case <-leadership.Done():
			return errLeadershipLost
		case <-kick:
		case <-ticker.C:
		}
	}
}

func (a *Assigner) pass(ctx context.Context) {
	start := time.Now()
	stats, err := a.reconcile(ctx)
	stats.Duration = time.Since(start)
	stats.Err = err
	if err != nil && ctx.Err() == nil {
		log.Errorf("reconcile pass failed: %v", err)
	}
	if a.config.Observe != nil {
		a.config.Observe(stats)
	}
}

// recordAt pairs a decoded record with the revision it was read at, so every
// write the pass performs can be guarded against concurrent modification.
type recordAt[T any] struct {
	record   T
	revision int64
}

type reconcileState struct {
	topics      map[string]int32
	consumers   map[string]struct{}
	assignments map[TopicPartition]recordAt[Assignment]
	handoffs    map[TopicPartition]recordAt[Handoff]
	ready       map[TopicPartition]recordAt[Signal]
	released    map[TopicPartition]recordAt[Signal]
}

func (st *reconcileState) live(consumer string) bool {
	_, ok := st.consumers[consumer]
	return ok
}

func (a *Assigner) snapshot(ctx context.Context) (*reconcileState, error) {
	st := &reconcileState{
		topics:    make(map[string]int32),
		consumers: make(map[string]struct{}),
	}
	kvs, err := a.coordinator.List(ctx, TopicConfigPrefix)
	if err != nil {
		return nil, err
	}
	for _, kv := range kvs {
		cfg, err := decode[TopicConfig](kv.Value)
		if err != nil {
			log.Errorf("dropping unreadable topic config %s: %v", kv.Key, err)
			continue
		}
		if cfg.Partitions <= 0 {
			log.Errorf("dropping topic config %s with %d partitions", kv.Key, cfg.Partitions)
			continue
		}
		st.topics[strings.TrimPrefix(kv.Key, TopicConfigPrefix)] = cfg.Partitions
	}
	kvs, err = a.coordinator.List(ctx, ConsumersPrefix)
	if err != nil {
		return nil, err
	}
	for _, kv := range kvs {
		st.consumers[strings.TrimPrefix(kv.Key, ConsumersPrefix)] = struct{}{}
	}
	if st.assignments, err = listRecords[Assignment](ctx, a.coordinator, AssignmentsPrefix); err != nil {
		return nil, err
	}
	if st.handoffs, err = listRecords[Handoff](ctx, a.coordinator, HandoffsPrefix); err != nil {
		return nil, err
	}
	if st.ready, err = listRecords[Signal](ctx, a.coordinator, ReadyPrefix); err != nil {
		return nil, err
	}
	if st.released, err = listRecords[Signal](ctx, a.coordinator, ReleasedPrefix); err != nil {
		return nil, err
	}
	return st, nil
}

func listRecords[T any](ctx context.Context, c Coordinator, prefix string) (map[TopicPartition]recordAt[T], error) {
	kvs, err := c.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[TopicPartition]recordAt[T], len(kvs))
	for _, kv := range kvs {
		tp, ok := ParsePartitionKey(prefix, kv.Key)
		if !ok {
			log.Warnf("skipping malformed key %s", kv.Key)
			continue
		}
		rec, err := decode[T](kv.Value)
		if err != nil {
			log.Errorf("dropping unreadable record %s: %v", kv.Key, err)
			continue
		}
		out[tp] = recordAt[T]{record: rec, revision: kv.Revision}
	}
	return out, nil
}

// reconcile runs one pass: snapshot the tree, collect handoffs whose parties
// died, fold in consumer readiness and release reports, then walk every
// partition of every topic comparing owner to target. All in one sweep so
// a pass is cheap enough to run on every membership change.
func (a *Assigner) reconcile(ctx context.Context) (PassStats, error) {
	st, err := a.snapshot(ctx)
	if err != nil {
		return PassStats{}, err
	}
	stats := PassStats{
		Topics:    len(st.topics),
		Consumers: len(st.consumers),
		Handoffs:  len(st.handoffs),
	}
	changes := a.collectDeadHandoffs(ctx, st)
	changes += a.applySignals(ctx, st)
	changes += a.applyTargets(ctx, st)
	stats.Changes = changes
	return stats, nil
}

// collectDeadHandoffs resolves handoffs whose old or new owner is gone. A
// warming handoff with a dead party is simply dropped: either the old owner
// keeps serving, or the partition is orphaned and the target walk reassigns
// it. A complete handoff whose old owner died cannot be released by anyone,
// so the assignment flips to the new owner immediately.
func (a *Assigner) collectDeadHandoffs(ctx context.Context, st *reconcileState) int {
	changes := 0
	for _, tp := range sortedPartitions(st.handoffs) {
		h := st.handoffs[tp]
		switch h.record.Phase {
		case Warming:
			if !st.live(h.record.New) || !st.live(h.record.Old) {
				changes += a.deleteHandoff(ctx, st, tp)
			}
		case Complete:
			if !st.live(h.record.Old) {
				if a.writeAssignment(ctx, st, tp, h.record.New) {
					changes++
				}
				changes += a.deleteHandoff(ctx, st, tp)
			} else if !st.live(h.record.New) {
				changes += a.deleteHandoff(ctx, st, tp)
			}
		default:
			log.Errorf("dropping handoff for %v with unknown phase %q", tp, h.record.Phase)
			changes += a.deleteHandoff(ctx, st, tp)
		}
	}
	return changes
}

// applySignals folds consumer reports into handoff state. A ready report from
// the warming owner moves the handoff to Complete; a released report from the
// old owner finishes it, flipping the assignment and deleting the record.
// Signals are deleted once applied or once provably stale; a signal whose
// guarded write lost a race survives to the next pass.
func (a *Assigner) applySignals(ctx context.Context, st *reconcileState) int {
	changes := 0
	for _, tp := range sortedPartitions(st.ready) {
		sig := st.ready[tp]
		h, ok := st.handoffs[tp]
		if ok && h.record.Phase == Warming && h.record.New == sig.record.Consumer && st.live(sig.record.Consumer) {
			updated := h.record
			updated.Phase = Complete
			rev, applied, err := a.coordinator.PutIfRevision(ctx, HandoffKey(tp), encode(updated), h.revision)
			if err != nil {
				log.Errorf("completing handoff for %v: %v", tp, err)
				continue
			}
			if !applied {
				log.Debugf("handoff for %v changed underneath us, retrying next pass", tp)
				continue
			}
			log.Infof("handoff for %v complete: %s is warm, %s must release", tp, updated.New, updated.Old)
			st.handoffs[tp] = recordAt[Handoff]{record: updated, revision: rev}
			changes++
			changes += a.clearSignal(ctx, st.ready, ReadyKey(tp), tp)
			continue
		}
		stale := !ok || h.record.New != sig.record.Consumer ||
			h.record.Phase == Complete || !st.live(sig.record.Consumer)
		if stale {
			changes += a.clearSignal(ctx, st.ready, ReadyKey(tp), tp)
		}
	}
	for _, tp := range sortedPartitions(st.released) {
		sig := st.released[tp]
		h, ok := st.handoffs[tp]
		if ok && h.record.Phase == Complete && h.record.Old == sig.record.Consumer {
			if !a.writeAssignment(ctx, st, tp, h.record.New) {
				continue
			}
			log.Infof("%v released by %s, now owned by %s", tp, h.record.Old, h.record.New)
			changes++
			changes += a.deleteHandoff(ctx, st, tp)
			continue
		}
		// a released report can only be stale here: the legitimate flow never
		// produces one before its handoff reaches Complete
		changes += a.clearSignal(ctx, st.released, ReleasedKey(tp), tp)
	}
	return changes
}

// applyTargets walks every partition of every configured topic and compares
// the current owner with the balance target. Unowned partitions and those
// held by dead consumers are written directly; a partition held by a live
// consumer moves through a warming handoff so its state store can be imported
// before ownership changes hands.
func (a *Assigner) applyTargets(ctx context.Context, st *reconcileState) int {
	changes := 0
	consumers := sortedNames(st.consumers)
	if len(consumers) == 0 {
		log.Debugf("no live consumers, leaving assignments in place")
		return 0
	}
	topics := make([]string, 0, len(st.topics))
	for topic := range st.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		partitions := make([]int32, st.topics[topic])
		for i := range partitions {
			partitions[i] = int32(i)
		}
		target := a.config.balance()(partitions, consumers)
		for _, p := range partitions {
			tp := TopicPartition{Topic: topic, Partition: p}
			tgt := target[p]
			cur, owned := st.assignments[tp]
			switch {
			case !owned:
				if a.writeAssignment(ctx, st, tp, tgt) {
					changes++
				}
			case cur.record.Owner == tgt:
				// settled. any handoff still around would only move the
				// partition away from its target
				if _, ok := st.handoffs[tp]; ok {
					changes += a.deleteHandoff(ctx, st, tp)
				}
			case !st.live(cur.record.Owner):
				if a.writeAssignment(ctx, st, tp, tgt) {
					changes++
				}
			default:
				h, ok := st.handoffs[tp]
				if ok && h.record.Old == cur.record.Owner && h.record.New == tgt {
					continue
				}
				if ok {
					// the in-flight handoff no longer matches the target.
					// drop it now, recreate on the next pass
					changes += a.deleteHandoff(ctx, st, tp)
					continue
				}
				changes += a.createHandoff(ctx, st, tp, Handoff{
					Old:       cur.record.Owner,
					New:       tgt,
					Phase:     Warming,
					CreatedAt: time.Now().UnixMilli(),
				})
			}
		}
	}
	return changes
}

func (a *Assigner) writeAssignment(ctx context.Context, st *reconcileState, tp TopicPartition, owner string) bool {
	var expected int64
	if cur, ok := st.assignments[tp]; ok {
		expected = cur.revision
	}
	rev, ok, err := a.coordinator.PutIfRevision(ctx, AssignmentKey(tp), encode(Assignment{Owner: owner}), expected)
	if err != nil {
		log.Errorf("writing assignment for %v: %v", tp, err)
		return false
	}
	if !ok {
		log.Debugf("assignment for %v changed underneath us, retrying next pass", tp)
		return false
	}
	st.assignments[tp] = recordAt[Assignment]{record: Assignment{Owner: owner}, revision: rev}
	return true
}

// createHandoff writes a fresh warming handoff. Signals left over from an
// earlier handoff of the same partition are cleared first so they cannot be
// mistaken for reports about this one.
func (a *Assigner) createHandoff(ctx context.Context, st *reconcileState, tp TopicPartition, h Handoff) int {
	changes := a.clearSignal(ctx, st.ready, ReadyKey(tp), tp)
	changes += a.clearSignal(ctx, st.released, ReleasedKey(tp), tp)
	rev, ok, err := a.coordinator.PutIfRevision(ctx, HandoffKey(tp), encode(h), 0)
	if err != nil {
		log.Errorf("creating handoff for %v: %v", tp, err)
		return changes
	}
	if !ok {
		log.Debugf("handoff for %v appeared underneath us, retrying next pass", tp)
		return changes
	}
	log.Infof("handoff for %v created: %s warming to take over from %s", tp, h.New, h.Old)
	st.handoffs[tp] = recordAt[Handoff]{record: h, revision: rev}
	return changes + 1
}

// deleteHandoff removes the handoff record and any signals reported against
// it.
func (a *Assigner) deleteHandoff(ctx context.Context, st *reconcileState, tp TopicPartition) int {
	h, ok := st.handoffs[tp]
	if !ok {
		return 0
	}
	changes := a.clearSignal(ctx, st.ready, ReadyKey(tp), tp)
	changes += a.clearSignal(ctx, st.released, ReleasedKey(tp), tp)
	deleted, err := a.coordinator.DeleteIfRevision(ctx, HandoffKey(tp), h.revision)
	if err != nil {
		log.Errorf("deleting handoff for %v: %v", tp, err)
		return changes
	}
	if !deleted {
		log.Debugf("handoff for %v changed underneath us, retrying next pass", tp)
		return changes
	}
	delete(st.handoffs, tp)
	return changes + 1
}

func (a *Assigner) clearSignal(ctx context.Context, signals map[TopicPartition]recordAt[Signal], key string, tp TopicPartition) int {
	sig, ok := signals[tp]
	if !ok {
		return 0
	}
	deleted, err := a.coordinator.DeleteIfRevision(ctx, key, sig.revision)
	if err != nil {
		log.Errorf("clearing signal %s: %v", key, err)
		return 0
	}
	delete(signals, tp)
	if !deleted {
		return 0
	}
	return 1
}

func sortedPartitions[T any](m map[TopicPartition]recordAt[T]) []TopicPartition {
	out := make([]TopicPartition, 0, len(m))
	for tp := range m {
		out = append(out, tp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}

func sortedNames(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
