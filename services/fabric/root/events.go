// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package root

import (
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
)

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 32

// EventHub fans topology events out to websocket watchers.
//
// Publish never blocks: a subscriber whose buffer is full misses the event
// and the drop is counted. Sends happen under the read lock; cancel takes the
// write lock before closing a channel.
type EventHub struct {
	mu      sync.RWMutex
	subs    map[uint64]chan datatypes.TopologyEvent
	nextID  atomic.Uint64
	dropped atomic.Int64
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[uint64]chan datatypes.TopologyEvent)}
}

// Subscribe registers a watcher. Call the returned cancel func to stop; it
// closes the channel.
func (h *EventHub) Subscribe() (<-chan datatypes.TopologyEvent, func()) {
	id := h.nextID.Add(1)
	ch := make(chan datatypes.TopologyEvent, subscriberBuffer)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every current subscriber.
func (h *EventHub) Publish(ev datatypes.TopologyEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of active watchers.
func (h *EventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a watcher lagged.
func (h *EventHub) Dropped() int64 {
	return h.dropped.Load()
}
