// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package root implements the top of the tree: round-robin routing over the
// fixed intermediates, per-branch load accounting, and the rebalancer that
// moves leaves between intermediates.
//
// The root never asks an intermediate for its children on the hot path. It
// keeps a mirror of every ChildSet and refreshes it from the views carried
// on task responses and update acknowledgements (the reconciliation read).
// Reconcile performs an explicit read of every intermediate and repairs the
// partition when the mirror and the intermediates disagree.
//
// # Rebalancer states
//
//	BALANCED ──(plan says move)──► MOVING ──(both updates acked)──► BALANCED
//	                                  │
//	                                  └──(update failed)──► IMBALANCED
package root

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/treefabric/services/fabric/balance"
	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
	"github.com/AleutianAI/treefabric/services/fabric/observability"
)

// DefaultThreshold is the rebalance threshold used when none is configured.
const DefaultThreshold = 0.3

// =============================================================================
// Interfaces
// =============================================================================

// IntermediateClient is the root's view of the intermediates.
// transport.Client satisfies it.
type IntermediateClient interface {
	IntermediateTask(ctx context.Context, intermediate string, task datatypes.Task) (datatypes.AggregatedResult, error)
	UpdateChildren(ctx context.Context, intermediate string, children []string) (datatypes.ChildSetView, error)
	IntermediateStats(ctx context.Context, intermediate string) (datatypes.IntermediateStats, error)
}

// Store persists the root's mirror between restarts.
type Store interface {
	SaveSnapshot(ctx context.Context, snap datatypes.TopologySnapshot) error
	LoadSnapshot(ctx context.Context) (datatypes.TopologySnapshot, bool, error)
}

// =============================================================================
// Node
// =============================================================================

// Node is the root router and rebalancer.
//
// # Thread Safety
//
// SubmitTask, Stats, Health and SetThreshold may run concurrently with
// everything else. TriggerRebalance and Reconcile are serialized with each
// other; concurrent TriggerRebalance calls share one execution.
type Node struct {
	name    string
	order   []string
	leaves  []string
	client  IntermediateClient
	routes  *balance.ChildSet
	loads   *balance.LoadCounter
	logger  *slog.Logger
	metrics *observability.Metrics
	limiter *rate.Limiter
	store   Store
	hub     *EventHub

	stepTimeout time.Duration

	mu        sync.Mutex
	mirror    map[string]datatypes.ChildSetView
	restarted map[string]bool
	threshold float64
	state     datatypes.RebalanceState
	last      *datatypes.RebalanceReport

	// inconsistent is set when a move's compensation failed and cleared
	// by a reconcile that restores the partition.
	inconsistent bool

	opsMu sync.Mutex
	group singleflight.Group
}

// Option configures a Node.
type Option func(*Node)

// WithThreshold sets the initial rebalance threshold.
func WithThreshold(v float64) Option {
	return func(n *Node) { n.threshold = v }
}

// WithRateLimit enables admission control. Tasks wait for a token; a
// non-positive limit disables it.
func WithRateLimit(limit float64, burst int) Option {
	return func(n *Node) {
		if limit <= 0 {
			n.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(limit), burst)
	}
}

// WithStore persists the mirror after every topology or threshold change.
func WithStore(s Store) Option {
	return func(n *Node) { n.store = s }
}

// WithEventHub publishes topology events to hub.
func WithEventHub(h *EventHub) Option {
	return func(n *Node) { n.hub = h }
}

// WithStepTimeout bounds each update_children call of a move.
func WithStepTimeout(d time.Duration) Option {
	return func(n *Node) { n.stepTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// WithMetrics sets the Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

// New creates the root.
//
// # Description
//
// order is the fixed intermediate order used for routing and tie-breaks.
// initial must assign every leaf in leaves to exactly one intermediate in
// order. The mirror starts with an unknown epoch for every intermediate, so
// the first view each one reports is adopted as is.
//
// # Outputs
//
//   - *Node: The root in state BALANCED.
//   - error: Wraps datatypes.ErrValidation for a bad threshold, an empty
//     order, or an initial topology that breaks the partition.
func New(name string, order, leaves []string, initial datatypes.Topology, client IntermediateClient, opts ...Option) (*Node, error) {
	n := &Node{
		name:        name,
		order:       slices.Clone(order),
		leaves:      slices.Clone(leaves),
		client:      client,
		threshold:   DefaultThreshold,
		state:       datatypes.StateBalanced,
		stepTimeout: 5 * time.Second,
		mirror:      make(map[string]datatypes.ChildSetView, len(order)),
		restarted:   make(map[string]bool),
		hub:         NewEventHub(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	n.logger = n.logger.With("node", name, "role", datatypes.RoleRoot)

	if len(order) == 0 {
		return nil, fmt.Errorf("%w: root needs at least one intermediate", datatypes.ErrValidation)
	}
	if err := validThreshold(n.threshold); err != nil {
		return nil, err
	}
	if report := balance.CheckPartition(leaves, order, initial); !report.OK() {
		return nil, fmt.Errorf("%w: initial topology breaks the partition: orphans=%v duplicates=%v unknown=%v",
			datatypes.ErrValidation, report.Orphans, report.Duplicates, report.Unknown)
	}

	for _, inter := range order {
		n.mirror[inter] = datatypes.ChildSetView{Owner: inter, Children: slices.Clone(initial[inter])}.Clone()
	}
	n.routes = balance.NewChildSet(name, "", order)
	n.loads = balance.NewLoadCounter(order...)
	n.metrics.Threshold(n.threshold)
	n.metrics.Consistent(true)
	return n, nil
}

// Name returns the root's name.
func (n *Node) Name() string { return n.name }

// Events returns the hub topology events are published on.
func (n *Node) Events() *EventHub { return n.hub }

// Subscribe is shorthand for Events().Subscribe().
func (n *Node) Subscribe() (<-chan datatypes.TopologyEvent, func()) { return n.hub.Subscribe() }

// =============================================================================
// Task routing
// =============================================================================

// SubmitTask routes one task through an intermediate to a leaf.
//
// # Description
//
// Intermediates are picked round-robin in fixed order. When the picked
// intermediate is unreachable or answers with a failure, the task is retried
// once on the next intermediate. A success charges its tokens to the
// intermediate that answered. Every view an intermediate reports, including
// on failures, is folded into the mirror.
//
// # Outputs
//
//   - datatypes.AggregatedResult: Always returned. Path starts with the root.
func (n *Node) SubmitTask(ctx context.Context, task datatypes.Task) datatypes.AggregatedResult {
	start := time.Now()

	if err := task.Validate(); err != nil {
		return n.failed(start, datatypes.FailedResult(task.ID, n.name, datatypes.FailureValidation, err.Error()))
	}

	if n.limiter != nil {
		if err := n.limiter.Wait(ctx); err != nil {
			return n.failed(start, datatypes.FailedResult(task.ID, n.name, datatypes.FailureAdmission, err.Error()))
		}
	}

	pick, _ := n.routes.Pick()
	inter := pick.Child
	res, err := n.forward(ctx, inter, task)
	var unreachable, reasons []string

	if err != nil {
		unreachable = append(unreachable, res.Unreachable...)
		unreachable = append(unreachable, inter)
		reasons = append(reasons, fmt.Sprintf("%s: %v", inter, err))

		if alt, ok := pick.Alternate(); ok && ctx.Err() == nil {
			n.metrics.Retry(n.name, inter)
			n.logger.Warn("retrying on alternate intermediate", "task_id", task.ID, "failed", inter, "alternate", alt, "error", err)
			inter = alt
			res, err = n.forward(ctx, inter, task)
			if err != nil {
				unreachable = append(unreachable, res.Unreachable...)
				unreachable = append(unreachable, inter)
				reasons = append(reasons, fmt.Sprintf("%s: %v", inter, err))
			}
		}
	}

	if err != nil {
		kind := datatypes.FailureUnreachableChild
		if ctx.Err() != nil {
			kind = datatypes.FailureCancelled
		}
		out := datatypes.FailedResult(task.ID, n.name, kind, strings.Join(reasons, "; "))
		out.Unreachable = unreachable
		return n.failed(start, out)
	}

	n.loads.Add(inter, res.Tokens)
	n.metrics.AddTokens(n.name, inter, res.Tokens)
	n.metrics.Loads(n.loads.Snapshot().Loads)
	n.metrics.ObserveTask(n.name, string(datatypes.StatusSuccess), time.Since(start).Seconds())

	res.Path = append([]string{n.name}, res.Path...)
	res.Unreachable = append(unreachable, res.Unreachable...)
	return res
}

// forward sends task to inter, folds the reported view into the mirror,
// and turns a failure result into an error.
func (n *Node) forward(ctx context.Context, inter string, task datatypes.Task) (datatypes.AggregatedResult, error) {
	res, err := n.client.IntermediateTask(ctx, inter, task)
	if err != nil {
		return datatypes.AggregatedResult{}, err
	}
	if res.Topology != nil {
		n.observe(*res.Topology)
	}
	if !res.Succeeded() {
		if res.Error != nil {
			return res, res.Error
		}
		return res, fmt.Errorf("%w: %s answered status %q", datatypes.ErrUnreachable, inter, res.Status)
	}
	return res, nil
}

func (n *Node) failed(start time.Time, res datatypes.AggregatedResult) datatypes.AggregatedResult {
	n.loads.Fail()
	n.metrics.ObserveTask(n.name, string(datatypes.StatusFailure), time.Since(start).Seconds())
	n.logger.Warn("task failed", "task_id", res.TaskID, "kind", res.Error.Kind, "error", res.Error.Message)
	return res
}

// =============================================================================
// Mirror
// =============================================================================

// observe folds a view reported on a task response into the mirror.
//
// A view is adopted when the mirror has never seen an epoch for that
// intermediate, or when it is a newer version of the known epoch. A view
// from a different epoch means the intermediate restarted with its startup
// children; it is flagged for reconcile instead of adopted.
func (n *Node) observe(v datatypes.ChildSetView) {
	n.mu.Lock()
	cur, known := n.mirror[v.Owner]
	if !known {
		n.mu.Unlock()
		return
	}

	switch {
	case cur.Epoch == "" || v.NewerThan(cur):
		n.mirror[v.Owner] = v.Clone()
		n.mu.Unlock()
		n.refreshConsistency()
	case v.Epoch != cur.Epoch:
		already := n.restarted[v.Owner]
		n.restarted[v.Owner] = true
		n.mu.Unlock()
		if !already {
			n.logger.Warn("intermediate restarted; reconcile required", "intermediate", v.Owner, "epoch", v.Epoch)
			n.publish(datatypes.TopologyEvent{
				Type:    datatypes.EventRestartDetected,
				From:    v.Owner,
				Details: fmt.Sprintf("epoch %s replaced %s", v.Epoch, cur.Epoch),
			})
		}
	default:
		n.mu.Unlock()
	}
}

// adopt installs a view the root itself just pushed. The intermediate
// acknowledged it, so it replaces the mirror entry regardless of epoch.
func (n *Node) adopt(v datatypes.ChildSetView) {
	n.mu.Lock()
	if _, known := n.mirror[v.Owner]; known {
		n.mirror[v.Owner] = v.Clone()
		delete(n.restarted, v.Owner)
	}
	n.mu.Unlock()
	n.refreshConsistency()
}

// Topology returns a copy of the mirror in flattened form.
func (n *Node) Topology() datatypes.Topology {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.topologyLocked()
}

func (n *Node) topologyLocked() datatypes.Topology {
	out := make(datatypes.Topology, len(n.mirror))
	for name, v := range n.mirror {
		out[name] = slices.Clone(v.Children)
	}
	return out
}

func (n *Node) partition() balance.PartitionReport {
	return balance.CheckPartition(n.leaves, n.order, n.Topology())
}

func (n *Node) refreshConsistency() {
	n.metrics.Consistent(n.partition().OK())
}

// =============================================================================
// Stats, health and threshold
// =============================================================================

// Stats reports the root's local view. It contacts no other node and has no
// side effects, so two calls with no intervening change are identical.
func (n *Node) Stats() datatypes.RootStats {
	snap := n.loads.Snapshot()
	loads := make(map[string]int64, len(n.order))
	for _, inter := range n.order {
		loads[inter] = snap.Loads[inter]
	}

	n.mu.Lock()
	topo := n.topologyLocked()
	var restarted []string
	for name := range n.restarted {
		restarted = append(restarted, name)
	}
	sort.Strings(restarted)
	var last *datatypes.RebalanceReport
	if n.last != nil {
		cp := *n.last
		cp.Topology = n.last.Topology.Clone()
		last = &cp
	}
	inconsistent := n.inconsistent
	stats := datatypes.RootStats{
		Node:          n.name,
		Role:          datatypes.RoleRoot,
		Topology:      topo,
		Loads:         loads,
		TotalTokens:   snap.Total,
		TaskCount:     snap.Tasks,
		FailedCount:   snap.Failed,
		Threshold:     n.threshold,
		State:         n.state,
		Restarted:     restarted,
		LastRebalance: last,
	}
	n.mu.Unlock()

	stats.Consistent = !inconsistent && len(restarted) == 0 &&
		balance.CheckPartition(n.leaves, n.order, topo).OK()
	return stats
}

// Health reports the root's identity and its intermediates.
func (n *Node) Health() datatypes.Health {
	return datatypes.Health{
		Status:     "healthy",
		Node:       n.name,
		Role:       datatypes.RoleRoot,
		Children:   slices.Clone(n.order),
		TokenTotal: n.loads.Snapshot().Total,
	}
}

// Threshold returns the active rebalance threshold.
func (n *Node) Threshold() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.threshold
}

// SetThreshold replaces the rebalance threshold.
//
// # Outputs
//
//   - float64: The previous threshold.
//   - error: Wraps datatypes.ErrValidation unless 0 <= v <= 1; the
//     threshold is unchanged.
func (n *Node) SetThreshold(ctx context.Context, v float64) (float64, error) {
	if err := validThreshold(v); err != nil {
		return n.Threshold(), err
	}

	n.mu.Lock()
	prev := n.threshold
	n.threshold = v
	n.mu.Unlock()

	n.metrics.Threshold(v)
	if prev != v {
		n.logger.Info("threshold changed", "previous", prev, "threshold", v)
		n.publish(datatypes.TopologyEvent{
			Type:    datatypes.EventThresholdChanged,
			Details: fmt.Sprintf("%.3f -> %.3f", prev, v),
		})
		n.persist(ctx)
	}
	return prev, nil
}

func validThreshold(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%w: threshold %v outside [0, 1]", datatypes.ErrValidation, v)
	}
	return nil
}

// =============================================================================
// Persistence and events
// =============================================================================

// HistoryReader is implemented by stores that keep past snapshots.
type HistoryReader interface {
	History(ctx context.Context, limit int) ([]datatypes.TopologySnapshot, error)
}

// ErrNoHistory is returned by History when the store keeps no history.
var ErrNoHistory = errors.New("topology history is not kept")

// History returns up to limit persisted snapshots, newest first.
func (n *Node) History(ctx context.Context, limit int) ([]datatypes.TopologySnapshot, error) {
	h, ok := n.store.(HistoryReader)
	if !ok {
		return nil, ErrNoHistory
	}
	return h.History(ctx, limit)
}

// Restore loads the persisted mirror, threshold and loads, if any.
//
// # Outputs
//
//   - bool: True when a snapshot was found and applied.
//   - error: Store errors, or ErrValidation for an invalid threshold.
func (n *Node) Restore(ctx context.Context) (bool, error) {
	if n.store == nil {
		return false, nil
	}
	snap, ok, err := n.store.LoadSnapshot(ctx)
	if err != nil || !ok {
		return false, err
	}
	if err := validThreshold(snap.Threshold); err != nil {
		return false, err
	}

	n.mu.Lock()
	for _, inter := range n.order {
		if v, ok := snap.Views[inter]; ok {
			v.Owner = inter
			n.mirror[inter] = v.Clone()
		}
	}
	n.threshold = snap.Threshold
	n.mu.Unlock()

	loads := make(map[string]int64, len(n.order))
	for _, inter := range n.order {
		loads[inter] = snap.Loads[inter]
	}
	n.loads.Restore(loads)

	n.metrics.Threshold(snap.Threshold)
	n.refreshConsistency()
	n.logger.Info("restored topology snapshot", "updated_at", snap.UpdatedAt, "topology", n.Topology())
	return true, nil
}

func (n *Node) persist(ctx context.Context) {
	if n.store == nil {
		return
	}
	n.mu.Lock()
	views := make(map[string]datatypes.ChildSetView, len(n.mirror))
	for name, v := range n.mirror {
		views[name] = v.Clone()
	}
	snap := datatypes.TopologySnapshot{Views: views, Threshold: n.threshold, UpdatedAt: time.Now().UTC()}
	n.mu.Unlock()
	snap.Loads = n.loads.Snapshot().Loads

	if err := n.store.SaveSnapshot(context.WithoutCancel(ctx), snap); err != nil {
		n.logger.Error("persist topology snapshot", "error", err)
	}
}

func (n *Node) publish(ev datatypes.TopologyEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if ev.Topology == nil {
		ev.Topology = n.Topology()
	}
	n.hub.Publish(ev)
}
