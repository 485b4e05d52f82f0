// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package leaf

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
)

// Cost is the simulated price of one task: the tokens it consumes and how
// long the leaf works on it.
type Cost struct {
	Tokens int64
	Delay  time.Duration
}

// CostModel prices a task. Implementations must be safe for concurrent use.
type CostModel interface {
	Cost(task datatypes.Task) Cost
}

// Cost model names accepted by CostConfig.Model.
const (
	ModelRandom = "random"
	ModelHash   = "hash"
)

// ErrUnknownCostModel is returned by NewCostModel for unrecognised names.
var ErrUnknownCostModel = errors.New("unknown cost model")

// CostConfig bounds the tokens and delay a model may produce. Both ranges
// are inclusive.
type CostConfig struct {
	Model     string        `yaml:"model" validate:"omitempty,oneof=random hash"`
	MinTokens int64         `yaml:"min_tokens" validate:"gte=0"`
	MaxTokens int64         `yaml:"max_tokens" validate:"gtefield=MinTokens"`
	MinDelay  time.Duration `yaml:"min_delay" validate:"gte=0"`
	MaxDelay  time.Duration `yaml:"max_delay" validate:"gtefield=MinDelay"`
	Seed      uint64        `yaml:"seed"`
}

// DefaultCostConfig reproduces the reference workload: 100-1000 tokens and
// 100-500ms of work per task.
func DefaultCostConfig() CostConfig {
	return CostConfig{
		Model:     ModelRandom,
		MinTokens: 100,
		MaxTokens: 1000,
		MinDelay:  100 * time.Millisecond,
		MaxDelay:  500 * time.Millisecond,
	}
}

// NewCostModel builds the model named by cfg.Model. An empty name selects
// the random model.
func NewCostModel(cfg CostConfig) (CostModel, error) {
	if cfg.MaxTokens < cfg.MinTokens || cfg.MaxDelay < cfg.MinDelay {
		return nil, fmt.Errorf("%w: cost ranges are inverted", datatypes.ErrValidation)
	}
	switch cfg.Model {
	case "", ModelRandom:
		return NewRandomCost(cfg), nil
	case ModelHash:
		return HashCost{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCostModel, cfg.Model)
	}
}

// RandomCost draws tokens and delay uniformly from the configured ranges.
type RandomCost struct {
	cfg CostConfig
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomCost seeds a RandomCost. A zero Seed seeds from the clock.
func NewRandomCost(cfg CostConfig) *RandomCost {
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &RandomCost{cfg: cfg, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Cost implements CostModel.
func (r *RandomCost) Cost(datatypes.Task) Cost {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Cost{
		Tokens: r.cfg.MinTokens + r.rng.Int64N(r.cfg.MaxTokens-r.cfg.MinTokens+1),
		Delay:  r.cfg.MinDelay + time.Duration(r.rng.Int64N(int64(r.cfg.MaxDelay-r.cfg.MinDelay)+1)),
	}
}

// HashCost derives cost from an FNV-1a hash of the task id, so the same
// task always costs the same on every leaf.
type HashCost struct {
	cfg CostConfig
}

// NewHashCost returns a HashCost over cfg's ranges.
func NewHashCost(cfg CostConfig) HashCost {
	return HashCost{cfg: cfg}
}

// Cost implements CostModel.
func (h HashCost) Cost(task datatypes.Task) Cost {
	f := fnv.New64a()
	_, _ = f.Write([]byte(task.ID))
	sum := f.Sum64()

	tokenSpan := uint64(h.cfg.MaxTokens - h.cfg.MinTokens + 1)
	delaySpan := uint64(h.cfg.MaxDelay-h.cfg.MinDelay) + 1
	return Cost{
		Tokens: h.cfg.MinTokens + int64(sum%tokenSpan),
		Delay:  h.cfg.MinDelay + time.Duration((sum>>20)%delaySpan),
	}
}
