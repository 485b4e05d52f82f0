// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history records the root's load and topology changes in InfluxDB.
//
// The recorder samples RootStats on an interval and writes every topology
// event as it is published, so load drift and leaf moves can be charted
// over time:
//
//	branch_load,root=root,intermediate=intermediate_left  load=100i,leaves=2i
//	root_state,root=root,state=BALANCED                     threshold=0.3,tasks=42i,...
//	topology_event,root=root,type=leaf_moved                leaf="leaf_0",from="...",to="..."
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
)

// DefaultTokenEnv is read when Config.Token is empty.
const DefaultTokenEnv = "INFLUXDB_TOKEN"

// DefaultSampleInterval is used when Config.SampleInterval is zero.
const DefaultSampleInterval = 10 * time.Second

// Measurement names.
const (
	MeasurementLoad  = "branch_load"
	MeasurementState = "root_state"
	MeasurementEvent = "topology_event"
)

// Config points the recorder at an InfluxDB v2 bucket. An empty URL
// disables recording.
type Config struct {
	URL            string        `yaml:"url" validate:"omitempty,url"`
	Org            string        `yaml:"org" validate:"required_with=URL"`
	Bucket         string        `yaml:"bucket" validate:"required_with=URL"`
	Token          string        `yaml:"token"`
	TokenEnv       string        `yaml:"token_env"`
	SampleInterval time.Duration `yaml:"sample_interval" validate:"gte=0"`
}

// Enabled reports whether a URL is configured.
func (c Config) Enabled() bool { return c.URL != "" }

// token resolves the API token from the config or the environment.
func (c Config) token() string {
	if c.Token != "" {
		return c.Token
	}
	env := c.TokenEnv
	if env == "" {
		env = DefaultTokenEnv
	}
	return os.Getenv(env)
}

// Source is the root state the recorder samples.
type Source interface {
	Name() string
	Stats() datatypes.RootStats
	Subscribe() (<-chan datatypes.TopologyEvent, func())
}

// Recorder writes points through InfluxDB's blocking write API.
type Recorder struct {
	client   influxdb2.Client
	writer   api.WriteAPIBlocking
	interval time.Duration
	logger   *slog.Logger
}

// New creates a recorder. It does not contact InfluxDB until the first
// write.
func New(cfg Config, logger *slog.Logger) (*Recorder, error) {
	if !cfg.Enabled() {
		return nil, errors.New("history: url is required")
	}
	if cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: history org and bucket are required", datatypes.ErrValidation)
	}
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.SampleInterval
	if interval <= 0 {
		interval = DefaultSampleInterval
	}

	opts := influxdb2.DefaultOptions().SetHTTPRequestTimeout(5)
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.token(), opts)
	return &Recorder{
		client:   client,
		writer:   client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		interval: interval,
		logger:   logger,
	}, nil
}

// RecordStats writes one load point per intermediate and one state point.
func (r *Recorder) RecordStats(ctx context.Context, stats datatypes.RootStats, at time.Time) error {
	points := make([]*write.Point, 0, len(stats.Topology)+1)
	for inter, leaves := range stats.Topology {
		points = append(points, influxdb2.NewPoint(MeasurementLoad,
			map[string]string{"root": stats.Node, "intermediate": inter},
			map[string]interface{}{"load": stats.Loads[inter], "leaves": int64(len(leaves))},
			at,
		))
	}
	points = append(points, influxdb2.NewPoint(MeasurementState,
		map[string]string{"root": stats.Node, "state": string(stats.State)},
		map[string]interface{}{
			"threshold":    stats.Threshold,
			"tasks":        stats.TaskCount,
			"failed":       stats.FailedCount,
			"total_tokens": stats.TotalTokens,
			"consistent":   stats.Consistent,
		},
		at,
	))
	if err := r.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write load sample: %w", err)
	}
	return nil
}

// RecordEvent writes one topology event.
func (r *Recorder) RecordEvent(ctx context.Context, root string, ev datatypes.TopologyEvent) error {
	fields := map[string]interface{}{"details": ev.Details}
	if ev.Leaf != "" {
		fields["leaf"] = ev.Leaf
		fields["from"] = ev.From
		fields["to"] = ev.To
	}
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	p := influxdb2.NewPoint(MeasurementEvent,
		map[string]string{"root": root, "type": string(ev.Type)},
		fields,
		at,
	)
	if err := r.writer.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("write topology event: %w", err)
	}
	return nil
}

// Run samples src every interval and records each of its events until ctx
// is done. Write failures are logged and do not stop the loop.
func (r *Recorder) Run(ctx context.Context, src Source) {
	events, cancel := src.Subscribe()
	defer cancel()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := r.RecordEvent(ctx, src.Name(), ev); err != nil {
				r.logger.Warn("history write failed", "error", err)
			}
		case t := <-ticker.C:
			if err := r.RecordStats(ctx, src.Stats(), t); err != nil {
				r.logger.Warn("history write failed", "error", err)
			}
		}
	}
}

// Close releases the client's connections.
func (r *Recorder) Close() {
	r.client.Close()
}
