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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
)

func TestEventHub_DeliversToSubscribers(t *testing.T) {
	hub := NewEventHub()
	a, cancelA := hub.Subscribe()
	b, cancelB := hub.Subscribe()
	defer cancelB()

	hub.Publish(datatypes.TopologyEvent{Type: datatypes.EventLeafMoved, Leaf: "leaf_0"})

	assert.Equal(t, "leaf_0", (<-a).Leaf)
	assert.Equal(t, "leaf_0", (<-b).Leaf)
	assert.Equal(t, 2, hub.Subscribers())

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, hub.Subscribers())
}

func TestEventHub_DropsForSlowSubscriber(t *testing.T) {
	hub := NewEventHub()
	_, cancel := hub.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer+3; i++ {
		hub.Publish(datatypes.TopologyEvent{Type: datatypes.EventReconciled})
	}
	assert.EqualValues(t, 3, hub.Dropped())
}
