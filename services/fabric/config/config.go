// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the tree layout and node settings from YAML.
//
// One file describes the whole deployment. Every node process loads the
// same file and picks its own entry by name, so the root, the intermediates
// and the leaves always agree on addresses and the initial partition.
//
// # Example
//
//	tree:
//	  root: {name: root, address: 127.0.0.1:8000}
//	  intermediates:
//	    - {name: intermediate_left, address: 127.0.0.1:8001, children: [leaf_0, leaf_1]}
//	    - {name: intermediate_right, address: 127.0.0.1:8002, children: [leaf_2, leaf_3]}
//	  leaves:
//	    - {name: leaf_0, address: 127.0.0.1:8003}
//	    ...
//	rebalance:
//	  threshold: 0.3
//	  interval: 0s
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/treefabric/pkg/logging"
	"github.com/AleutianAI/treefabric/services/fabric/archive"
	"github.com/AleutianAI/treefabric/services/fabric/balance"
	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
	"github.com/AleutianAI/treefabric/services/fabric/history"
	"github.com/AleutianAI/treefabric/services/fabric/leaf"
	"github.com/AleutianAI/treefabric/services/fabric/telemetry"
	"github.com/AleutianAI/treefabric/services/fabric/transport"
)

// DefaultFileName is the file "config init" writes when no path is given.
const DefaultFileName = "treefabric.yaml"

// ErrInvalid wraps every validation failure returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

var configValidate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("nodename", func(fl validator.FieldLevel) bool {
		return datatypes.ValidNodeName(fl.Field().String())
	})
	return v
}

// =============================================================================
// Types
// =============================================================================

// Config is the full deployment description.
type Config struct {
	Tree      TreeConfig              `yaml:"tree"`
	Rebalance RebalanceConfig         `yaml:"rebalance"`
	Timeouts  transport.Timeouts      `yaml:"timeouts"`
	Breaker   transport.BreakerConfig `yaml:"breaker"`
	Cost      leaf.CostConfig         `yaml:"cost"`
	Admission AdmissionConfig         `yaml:"admission"`
	Logging   LoggingConfig           `yaml:"logging"`
	Telemetry telemetry.Config        `yaml:"telemetry"`
	History   history.Config          `yaml:"history"`
	Archive   archive.Config          `yaml:"archive"`

	// StateDir holds the root's BadgerDB. Empty keeps the root's state in
	// memory only.
	StateDir string `yaml:"state_dir"`
}

// NodeConfig names a node and the address it listens on.
type NodeConfig struct {
	Name    string `yaml:"name" validate:"required,nodename"`
	Address string `yaml:"address" validate:"required,hostname_port"`
}

// IntermediateConfig is an intermediate with its initial children.
type IntermediateConfig struct {
	NodeConfig `yaml:",inline"`
	Children   []string `yaml:"children" validate:"dive,nodename"`
}

// TreeConfig is the depth-3 layout.
type TreeConfig struct {
	Root          NodeConfig           `yaml:"root"`
	Intermediates []IntermediateConfig `yaml:"intermediates" validate:"required,min=1,dive"`
	Leaves        []NodeConfig         `yaml:"leaves" validate:"required,min=1,dive"`
}

// RebalanceConfig configures the root's rebalancer.
type RebalanceConfig struct {
	Threshold float64 `yaml:"threshold" validate:"gte=0,lte=1"`

	// Interval runs the rebalancer periodically. Zero disables the loop.
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
}

// AdmissionConfig rate-limits task submissions at the root. A zero rate
// disables the limiter.
type AdmissionConfig struct {
	Rate  float64 `yaml:"rate" validate:"gte=0"`
	Burst int     `yaml:"burst" validate:"gte=0"`
}

// LoggingConfig is the YAML form of logging.Config.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error DEBUG INFO WARN ERROR"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// Build converts the YAML form into a logging.Config for service.
func (l LoggingConfig) Build(service string) logging.Config {
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	return logging.Config{Level: level, LogDir: l.Dir, Service: service, JSON: l.JSON}
}

// =============================================================================
// Defaults
// =============================================================================

// Default returns the seven-node layout on localhost ports 8000-8006.
func Default() *Config {
	tel := telemetry.DefaultConfig()
	tel.ServiceName = "treefabric"
	return &Config{
		Tree: TreeConfig{
			Root: NodeConfig{Name: "root", Address: "127.0.0.1:8000"},
			Intermediates: []IntermediateConfig{
				{NodeConfig: NodeConfig{Name: "intermediate_left", Address: "127.0.0.1:8001"}, Children: []string{"leaf_0", "leaf_1"}},
				{NodeConfig: NodeConfig{Name: "intermediate_right", Address: "127.0.0.1:8002"}, Children: []string{"leaf_2", "leaf_3"}},
			},
			Leaves: []NodeConfig{
				{Name: "leaf_0", Address: "127.0.0.1:8003"},
				{Name: "leaf_1", Address: "127.0.0.1:8004"},
				{Name: "leaf_2", Address: "127.0.0.1:8005"},
				{Name: "leaf_3", Address: "127.0.0.1:8006"},
			},
		},
		Rebalance: RebalanceConfig{Threshold: 0.3},
		Timeouts:  transport.DefaultTimeouts(),
		Breaker:   transport.DefaultBreakerConfig(),
		Cost:      leaf.DefaultCostConfig(),
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: tel,
	}
}

// =============================================================================
// Loading
// =============================================================================

// Load reads and validates the file at path. Sections missing from the
// file keep their defaults; a tree section replaces the default tree.
//
// # Outputs
//
//   - *Config: Validated configuration.
//   - error: Read or parse failures, or a wrapped ErrInvalid.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates YAML.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteDefault writes Default() as YAML to path. An existing file is only
// replaced when force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config %s already exists", path)
		}
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks field constraints, name uniqueness and that the initial
// children partition the leaf set.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if !c.Timeouts.CoversRetry() {
		return fmt.Errorf("%w: timeouts.intermediate must be at least twice timeouts.leaf", ErrInvalid)
	}

	seen := map[string]string{}
	addrs := map[string]string{}
	for _, n := range c.nodes() {
		if prev, dup := seen[n.Name]; dup {
			return fmt.Errorf("%w: node name %q used by %s and %s", ErrInvalid, n.Name, prev, n.role)
		}
		seen[n.Name] = string(n.role)
		if other, dup := addrs[n.Address]; dup {
			return fmt.Errorf("%w: address %s shared by %s and %s", ErrInvalid, n.Address, other, n.Name)
		}
		addrs[n.Address] = n.Name
	}

	report := balance.CheckPartition(c.LeafNames(), c.IntermediateOrder(), c.InitialTopology())
	if !report.OK() {
		return fmt.Errorf("%w: initial children must partition the leaves: orphans=%v duplicates=%v unknown=%v",
			ErrInvalid, report.Orphans, report.Duplicates, report.Unknown)
	}
	return nil
}

// =============================================================================
// Lookups
// =============================================================================

type namedNode struct {
	NodeConfig
	role   datatypes.Role
	parent string
}

func (c *Config) nodes() []namedNode {
	out := []namedNode{{NodeConfig: c.Tree.Root, role: datatypes.RoleRoot}}
	topo := c.InitialTopology()
	for _, ic := range c.Tree.Intermediates {
		out = append(out, namedNode{NodeConfig: ic.NodeConfig, role: datatypes.RoleIntermediate, parent: c.Tree.Root.Name})
	}
	for _, lc := range c.Tree.Leaves {
		parent, _ := topo.Owner(lc.Name)
		out = append(out, namedNode{NodeConfig: lc, role: datatypes.RoleLeaf, parent: parent})
	}
	return out
}

// Node returns the identity configured for name and, for intermediates and
// leaves, its initial parent.
func (c *Config) Node(name string) (datatypes.NodeIdentity, string, error) {
	for _, n := range c.nodes() {
		if n.Name == name {
			return datatypes.NodeIdentity{Name: n.Name, Role: n.role, Address: n.Address}, n.parent, nil
		}
	}
	return datatypes.NodeIdentity{}, "", fmt.Errorf("%w: %q is not in the tree", datatypes.ErrUnknownNode, name)
}

// Names returns every node name, root first, then intermediates, then leaves.
func (c *Config) Names() []string {
	var out []string
	for _, n := range c.nodes() {
		out = append(out, n.Name)
	}
	return out
}

// IntermediateOrder returns the intermediates in their fixed routing order.
func (c *Config) IntermediateOrder() []string {
	out := make([]string, 0, len(c.Tree.Intermediates))
	for _, ic := range c.Tree.Intermediates {
		out = append(out, ic.Name)
	}
	return out
}

// LeafNames returns the fixed leaf set.
func (c *Config) LeafNames() []string {
	out := make([]string, 0, len(c.Tree.Leaves))
	for _, lc := range c.Tree.Leaves {
		out = append(out, lc.Name)
	}
	return out
}

// InitialTopology returns each intermediate's configured children.
func (c *Config) InitialTopology() datatypes.Topology {
	topo := make(datatypes.Topology, len(c.Tree.Intermediates))
	for _, ic := range c.Tree.Intermediates {
		topo[ic.Name] = slices.Clone(ic.Children)
	}
	return topo
}

// Directory maps every node name to its base URL.
func (c *Config) Directory() transport.Directory {
	dir := transport.Directory{}
	for _, n := range c.nodes() {
		dir[n.Name] = "http://" + n.Address
	}
	return dir
}
