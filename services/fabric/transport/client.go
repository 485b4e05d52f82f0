// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport carries treefabric calls between nodes over HTTP/JSON.
//
// Every call is addressed by node name and resolved through a Directory, so
// nodes never hard-code addresses. Each call runs under a per-kind timeout,
// passes through the target's circuit breaker, and injects trace context so
// a task yields one trace across all three tiers.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
	"github.com/AleutianAI/treefabric/services/fabric/observability"
	"github.com/AleutianAI/treefabric/services/fabric/telemetry"
)

// =============================================================================
// Wire constants
// =============================================================================

// HTTP paths served by the routes package and called by this client.
const (
	PathHealth    = "/health"
	PathMetrics   = "/metrics"
	PathTask      = "/v1/task"
	PathStats     = "/v1/stats"
	PathChildren  = "/v1/children"
	PathRebalance = "/v1/rebalance"
	PathThreshold = "/v1/threshold"
	PathReconcile = "/v1/reconcile"
	PathWatch     = "/v1/topology/watch"
	PathHistory   = "/v1/history"
)

// HeaderParent names the intermediate forwarding a task to a leaf.
const HeaderParent = "X-Fabric-Parent"

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 4096

// =============================================================================
// Configuration
// =============================================================================

// Timeouts bounds each kind of outbound call.
type Timeouts struct {
	// Leaf bounds intermediate -> leaf task forwards.
	Leaf time.Duration `yaml:"leaf" validate:"gte=0"`
	// Intermediate bounds root -> intermediate task forwards. It should
	// cover two leaf attempts.
	Intermediate time.Duration `yaml:"intermediate" validate:"gte=0"`
	// Root bounds client -> root task submissions.
	Root time.Duration `yaml:"root" validate:"gte=0"`
	// Control bounds update_children, stats, health and admin calls.
	Control time.Duration `yaml:"control" validate:"gte=0"`
}

// DefaultTimeouts returns timeouts sized for the default leaf cost model.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Leaf:         2 * time.Second,
		Intermediate: 5 * time.Second,
		Root:         12 * time.Second,
		Control:      3 * time.Second,
	}
}

// CoversRetry reports whether an intermediate forward outlasts two leaf
// attempts once defaults are applied.
func (t Timeouts) CoversRetry() bool {
	t = t.withDefaults()
	return t.Intermediate >= 2*t.Leaf
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Leaf <= 0 {
		t.Leaf = d.Leaf
	}
	if t.Intermediate <= 0 {
		t.Intermediate = d.Intermediate
	}
	if t.Root <= 0 {
		t.Root = d.Root
	}
	if t.Control <= 0 {
		t.Control = d.Control
	}
	return t
}

// Directory resolves node names to base URLs such as "http://127.0.0.1:8001".
type Directory map[string]string

// Config configures a Client.
type Config struct {
	Directory  Directory
	Timeouts   Timeouts
	Breaker    BreakerConfig
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *observability.Metrics
}

// StatusError is returned when a node answers with a non-2xx status.
type StatusError struct {
	Target  string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s answered %d: %s", e.Target, e.Code, e.Message)
}

// Unwrap maps well-known status codes back onto datatypes sentinels.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusBadRequest:
		return datatypes.ErrValidation
	case http.StatusNotFound:
		return datatypes.ErrUnknownNode
	default:
		return nil
	}
}

// =============================================================================
// Client
// =============================================================================

// Client calls other treefabric nodes.
//
// # Thread Safety
//
// Client is safe for concurrent use. The directory is read-only after New.
type Client struct {
	dir      Directory
	timeouts Timeouts
	http     *http.Client
	breakers *BreakerRegistry
	logger   *slog.Logger
	duration metric.Float64Histogram
}

// New builds a Client. A nil HTTPClient uses a dedicated client with no
// global timeout; each call sets its own deadline.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics

	duration, err := telemetry.Meter().Float64Histogram(
		"treefabric.forward.duration",
		metric.WithDescription("Outbound call latency between nodes"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("forward histogram unavailable", "error", err)
	}

	return &Client{
		dir:      cfg.Directory,
		timeouts: cfg.Timeouts.withDefaults(),
		http:     hc,
		logger:   logger,
		duration: duration,
		breakers: NewBreakerRegistry(cfg.Breaker, func(target string, to BreakerState) {
			logger.Warn("circuit breaker transition", "target", target, "state", to.String())
			metrics.Breaker(target, int(to))
		}),
	}
}

// Breakers exposes the breaker registry for health reporting and tests.
func (c *Client) Breakers() *BreakerRegistry {
	return c.breakers
}

// Resolve returns the base URL for name.
func (c *Client) Resolve(name string) (string, error) {
	addr, ok := c.dir[name]
	if !ok || addr == "" {
		return "", fmt.Errorf("%w: %s", datatypes.ErrUnknownNode, name)
	}
	return strings.TrimRight(addr, "/"), nil
}

// LeafTask forwards a task to a leaf on behalf of parent.
func (c *Client) LeafTask(ctx context.Context, leaf, parent string, task datatypes.Task) (datatypes.TaskResult, error) {
	var out datatypes.TaskResult
	err := c.call(ctx, call{
		target:  leaf,
		method:  http.MethodPost,
		path:    PathTask,
		body:    task,
		out:     &out,
		timeout: c.timeouts.Leaf,
		header:  http.Header{HeaderParent: []string{parent}},
	})
	return out, err
}

// IntermediateTask forwards a task to an intermediate.
func (c *Client) IntermediateTask(ctx context.Context, intermediate string, task datatypes.Task) (datatypes.AggregatedResult, error) {
	var out datatypes.AggregatedResult
	err := c.call(ctx, call{
		target:  intermediate,
		method:  http.MethodPost,
		path:    PathTask,
		body:    task,
		out:     &out,
		timeout: c.timeouts.Intermediate,
	})
	return out, err
}

// SubmitTask sends a task to the root.
func (c *Client) SubmitTask(ctx context.Context, root string, task datatypes.Task) (datatypes.AggregatedResult, error) {
	var out datatypes.AggregatedResult
	err := c.call(ctx, call{
		target:  root,
		method:  http.MethodPost,
		path:    PathTask,
		body:    task,
		out:     &out,
		timeout: c.timeouts.Root,
	})
	return out, err
}

// UpdateChildren replaces an intermediate's ChildSet and returns the view
// the intermediate acknowledged.
func (c *Client) UpdateChildren(ctx context.Context, intermediate string, children []string) (datatypes.ChildSetView, error) {
	if children == nil {
		children = []string{}
	}
	var out datatypes.UpdateChildrenResponse
	err := c.call(ctx, call{
		target:  intermediate,
		method:  http.MethodPost,
		path:    PathChildren,
		body:    datatypes.UpdateChildrenRequest{NewChildren: children},
		out:     &out,
		timeout: c.timeouts.Control,
	})
	return out.Topology, err
}

// IntermediateStats reads an intermediate's stats.
func (c *Client) IntermediateStats(ctx context.Context, intermediate string) (datatypes.IntermediateStats, error) {
	var out datatypes.IntermediateStats
	err := c.get(ctx, intermediate, PathStats, &out)
	return out, err
}

// LeafStats reads a leaf's stats.
func (c *Client) LeafStats(ctx context.Context, leaf string) (datatypes.LeafStats, error) {
	var out datatypes.LeafStats
	err := c.get(ctx, leaf, PathStats, &out)
	return out, err
}

// RootStats reads the root's stats.
func (c *Client) RootStats(ctx context.Context, root string) (datatypes.RootStats, error) {
	var out datatypes.RootStats
	err := c.get(ctx, root, PathStats, &out)
	return out, err
}

// Health reads any node's health.
func (c *Client) Health(ctx context.Context, node string) (datatypes.Health, error) {
	var out datatypes.Health
	err := c.get(ctx, node, PathHealth, &out)
	return out, err
}

// Rebalance triggers a rebalance on the root.
func (c *Client) Rebalance(ctx context.Context, root string) (datatypes.RebalanceReport, error) {
	var out datatypes.RebalanceReport
	err := c.call(ctx, call{target: root, method: http.MethodPost, path: PathRebalance, out: &out, timeout: c.timeouts.Control * 3})
	return out, err
}

// SetThreshold changes the root's rebalance threshold.
func (c *Client) SetThreshold(ctx context.Context, root string, threshold float64) (datatypes.ThresholdResponse, error) {
	var out datatypes.ThresholdResponse
	err := c.call(ctx, call{
		target:  root,
		method:  http.MethodPut,
		path:    PathThreshold,
		body:    datatypes.ThresholdRequest{Threshold: &threshold},
		out:     &out,
		timeout: c.timeouts.Control,
	})
	return out, err
}

// Reconcile asks the root to re-read and repair the topology.
func (c *Client) Reconcile(ctx context.Context, root string) (datatypes.ReconcileReport, error) {
	var out datatypes.ReconcileReport
	err := c.call(ctx, call{target: root, method: http.MethodPost, path: PathReconcile, out: &out, timeout: c.timeouts.Control * 3})
	return out, err
}

// History reads up to limit persisted topology snapshots from the root.
func (c *Client) History(ctx context.Context, root string, limit int) ([]datatypes.TopologySnapshot, error) {
	var out []datatypes.TopologySnapshot
	err := c.get(ctx, root, PathHistory+"?limit="+strconv.Itoa(limit), &out)
	return out, err
}

func (c *Client) get(ctx context.Context, target, path string, out any) error {
	return c.call(ctx, call{target: target, method: http.MethodGet, path: path, out: out, timeout: c.timeouts.Control})
}

// =============================================================================
// Internal
// =============================================================================

type call struct {
	target  string
	method  string
	path    string
	body    any
	out     any
	timeout time.Duration
	header  http.Header
}

// call performs one request through the target's breaker.
//
// Transport errors, timeouts and 5xx answers count as breaker failures.
// 4xx answers mean the target is alive and are not counted.
func (c *Client) call(ctx context.Context, cl call) error {
	base, err := c.Resolve(cl.target)
	if err != nil {
		return err
	}

	breaker := c.breakers.Get(cl.target)
	if err := breaker.Allow(); err != nil {
		return fmt.Errorf("%w: %w", datatypes.ErrUnreachable, err)
	}

	ctx, span := telemetry.StartSpan(ctx, "treefabric.forward "+cl.path,
		attribute.String("fabric.target", cl.target),
		attribute.String("http.method", cl.method),
	)
	defer span.End()

	start := time.Now()
	err = c.do(ctx, base, cl)
	elapsed := time.Since(start)

	var statusErr *StatusError
	failed := err != nil && !(errors.As(err, &statusErr) && statusErr.Code < http.StatusInternalServerError)
	breaker.Record(failed)

	if c.duration != nil {
		c.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String("target", cl.target),
			attribute.String("path", cl.path),
			attribute.Bool("error", err != nil),
		))
	}

	if err != nil {
		telemetry.RecordError(span, err)
		c.logger.Debug("forward failed", "target", cl.target, "path", cl.path, "duration", elapsed, "error", err)
		if failed {
			return fmt.Errorf("%w: %s %s: %w", datatypes.ErrUnreachable, cl.method, cl.target, err)
		}
		return err
	}
	telemetry.SetSpanOK(span)
	return nil
}

func (c *Client) do(ctx context.Context, base string, cl call) error {
	ctx, cancel := context.WithTimeout(ctx, cl.timeout)
	defer cancel()

	var body io.Reader
	if cl.body != nil {
		buf, err := json.Marshal(cl.body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, base+cl.path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range cl.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	telemetry.InjectHeaders(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Target: cl.target, Code: resp.StatusCode, Message: readError(resp.Body)}
	}
	if cl.out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(cl.out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func readError(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
