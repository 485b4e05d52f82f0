// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/treefabric/services/fabric/leaf"
	"github.com/AleutianAI/treefabric/services/fabric/transport"
)

// LeafTask serves POST /v1/task on a leaf. The forwarding intermediate names
// itself in the X-Fabric-Parent header.
func LeafTask(node *leaf.Node, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		task, ok := bindTask(c, logger)
		if !ok {
			return
		}
		ctx, span := startTask(c, "leaf.task", task)
		res := node.HandleTask(ctx, task, c.GetHeader(transport.HeaderParent))
		endTask(span, res.Succeeded(), res.Tokens)
		c.JSON(http.StatusOK, res)
	}
}

// LeafStats serves GET /v1/stats on a leaf.
func LeafStats(node *leaf.Node) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, node.Stats())
	}
}
