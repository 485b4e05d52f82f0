// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability defines the Prometheus metrics exported by every
// treefabric node on GET /metrics.
//
// Each node owns a private prometheus.Registry so several nodes can run in
// one process (the `local` command and the integration tests) without
// colliding on metric names.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Constants
// =============================================================================

const metricsNamespace = "treefabric"

// =============================================================================
// Metrics
// =============================================================================

// Metrics groups the collectors a node updates.
//
// # Thread Safety
//
// Prometheus collectors are safe for concurrent use. Every method on a nil
// *Metrics is a no-op so components can be built without metrics in tests.
type Metrics struct {
	// TasksTotal counts tasks answered by this node.
	// Labels: node, status (success, failure)
	TasksTotal *prometheus.CounterVec

	// TokensTotal counts tokens charged per branch (child or intermediate).
	// Labels: node, branch
	TokensTotal *prometheus.CounterVec

	// RetriesTotal counts single retries against an alternate child.
	// Labels: node, child (the child that failed)
	RetriesTotal *prometheus.CounterVec

	// TaskDurationSeconds measures end-to-end task latency at this node.
	// Labels: node
	TaskDurationSeconds *prometheus.HistogramVec

	// ChildSetSize is the number of children currently assigned.
	// Labels: node
	ChildSetSize *prometheus.GaugeVec

	// ChildSetVersion is the ChildSet version after the last replace.
	// Labels: node
	ChildSetVersion *prometheus.GaugeVec

	// BranchLoad is the root's current LoadCounter per intermediate.
	// Labels: branch
	BranchLoad *prometheus.GaugeVec

	// RebalancesTotal counts rebalancer runs by outcome.
	// Labels: outcome (noop, moved, rolled_back, inconsistent, refused)
	RebalancesTotal *prometheus.CounterVec

	// RebalanceThreshold is the active threshold.
	RebalanceThreshold prometheus.Gauge

	// TopologyConsistent is 1 when the root's mirror satisfies the partition
	// invariant.
	TopologyConsistent prometheus.Gauge

	// BreakerState reports circuit breaker state per target
	// (0 closed, 1 open, 2 half-open).
	// Labels: target
	BreakerState *prometheus.GaugeVec
}

// NewMetrics registers every collector on reg, plus the Go runtime and
// process collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Metrics{
		TasksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "tasks_total",
				Help:      "Tasks answered by this node by status",
			},
			[]string{"node", "status"},
		),
		TokensTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "tokens_total",
				Help:      "Tokens charged per branch",
			},
			[]string{"node", "branch"},
		),
		RetriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "retries_total",
				Help:      "Forwards retried against an alternate child",
			},
			[]string{"node", "child"},
		),
		TaskDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "task_duration_seconds",
				Help:      "End-to-end task latency observed at this node",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"node"},
		),
		ChildSetSize: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "childset",
				Name:      "size",
				Help:      "Children currently assigned to the intermediate",
			},
			[]string{"node"},
		),
		ChildSetVersion: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "childset",
				Name:      "version",
				Help:      "ChildSet version after the last replace",
			},
			[]string{"node"},
		),
		BranchLoad: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "rebalance",
				Name:      "branch_load",
				Help:      "Current load counter per intermediate",
			},
			[]string{"branch"},
		),
		RebalancesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "rebalance",
				Name:      "runs_total",
				Help:      "Rebalancer runs by outcome",
			},
			[]string{"outcome"},
		),
		RebalanceThreshold: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "rebalance",
			Name:      "threshold",
			Help:      "Active rebalance threshold",
		}),
		TopologyConsistent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "rebalance",
			Name:      "topology_consistent",
			Help:      "1 when every leaf belongs to exactly one intermediate",
		}),
		BreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "transport",
				Name:      "breaker_state",
				Help:      "Circuit breaker state per target (0 closed, 1 open, 2 half-open)",
			},
			[]string{"target"},
		),
	}
}

// ObserveTask records one answered task.
func (m *Metrics) ObserveTask(node, status string, seconds float64) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(node, status).Inc()
	m.TaskDurationSeconds.WithLabelValues(node).Observe(seconds)
}

// AddTokens charges tokens to branch.
func (m *Metrics) AddTokens(node, branch string, tokens int64) {
	if m == nil || tokens <= 0 {
		return
	}
	m.TokensTotal.WithLabelValues(node, branch).Add(float64(tokens))
}

// Retry records a retry caused by child.
func (m *Metrics) Retry(node, child string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(node, child).Inc()
}

// ChildSet records an intermediate's set after a replace.
func (m *Metrics) ChildSet(node string, size int, version uint64) {
	if m == nil {
		return
	}
	m.ChildSetSize.WithLabelValues(node).Set(float64(size))
	m.ChildSetVersion.WithLabelValues(node).Set(float64(version))
}

// Loads publishes the root's branch loads.
func (m *Metrics) Loads(loads map[string]int64) {
	if m == nil {
		return
	}
	for branch, v := range loads {
		m.BranchLoad.WithLabelValues(branch).Set(float64(v))
	}
}

// Rebalance records one rebalancer outcome.
func (m *Metrics) Rebalance(outcome string) {
	if m == nil {
		return
	}
	m.RebalancesTotal.WithLabelValues(outcome).Inc()
}

// Threshold publishes the active threshold.
func (m *Metrics) Threshold(v float64) {
	if m == nil {
		return
	}
	m.RebalanceThreshold.Set(v)
}

// Consistent publishes the partition invariant state.
func (m *Metrics) Consistent(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.TopologyConsistent.Set(1)
	} else {
		m.TopologyConsistent.Set(0)
	}
}

// Breaker publishes a breaker state for target.
func (m *Metrics) Breaker(target string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(target).Set(float64(state))
}
