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

	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
	"github.com/AleutianAI/treefabric/services/fabric/intermediate"
)

// IntermediateTask serves POST /v1/task on an intermediate.
func IntermediateTask(node *intermediate.Node, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		task, ok := bindTask(c, logger)
		if !ok {
			return
		}
		ctx, span := startTask(c, "intermediate.task", task)
		res := node.HandleTask(ctx, task)
		endTask(span, res.Succeeded(), res.Tokens)
		c.JSON(http.StatusOK, res)
	}
}

// UpdateChildren serves POST /v1/children. The body is
// {"new_children": [...]}; an empty list is allowed.
func UpdateChildren(node *intermediate.Node, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.UpdateChildrenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		if err := req.Validate(); err != nil {
			abortWithError(c, logger, err)
			return
		}

		view, err := node.UpdateChildren(req.NewChildren)
		if err != nil {
			abortWithError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.UpdateChildrenResponse{Status: "updated", Topology: view})
	}
}

// IntermediateStats serves GET /v1/stats on an intermediate.
func IntermediateStats(node *intermediate.Node) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, node.Stats())
	}
}
