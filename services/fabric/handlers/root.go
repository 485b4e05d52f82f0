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
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
	"github.com/AleutianAI/treefabric/services/fabric/root"
)

// RootTask serves POST /v1/task on the root.
func RootTask(node *root.Node, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		task, ok := bindTask(c, logger)
		if !ok {
			return
		}
		ctx, span := startTask(c, "root.task", task)
		res := node.SubmitTask(ctx, task)
		endTask(span, res.Succeeded(), res.Tokens)
		c.JSON(http.StatusOK, res)
	}
}

// RootStats serves GET /v1/stats on the root.
func RootStats(node *root.Node) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, node.Stats())
	}
}

// Rebalance serves POST /v1/rebalance. The report is returned with 200 even
// when the move failed; its details, rolled_back and inconsistent fields say
// what happened.
func Rebalance(node *root.Node, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := node.TriggerRebalance(c.Request.Context())
		if err != nil {
			logger.Warn("rebalance did not complete", "error", err)
		}
		c.JSON(http.StatusOK, report)
	}
}

// SetThreshold serves PUT /v1/threshold with body {"threshold": 0.3}.
func SetThreshold(node *root.Node, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ThresholdRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		if req.Threshold == nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "threshold is required"})
			return
		}

		prev, err := node.SetThreshold(c.Request.Context(), *req.Threshold)
		if err != nil {
			abortWithError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.ThresholdResponse{Threshold: *req.Threshold, Previous: prev})
	}
}

// Reconcile serves POST /v1/reconcile. Like Rebalance it always answers with
// the report.
func Reconcile(node *root.Node, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := node.Reconcile(c.Request.Context())
		if err != nil {
			logger.Warn("reconcile incomplete", "error", err)
		}
		c.JSON(http.StatusOK, report)
	}
}

// History serves GET /v1/history?limit=N with the root's persisted
// snapshots, newest first.
func History(node *root.Node, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v < 0 {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
				return
			}
			limit = v
		}
		snaps, err := node.History(c.Request.Context(), limit)
		if errors.Is(err, root.ErrNoHistory) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			abortWithError(c, logger, err)
			return
		}
		if snaps == nil {
			snaps = []datatypes.TopologySnapshot{}
		}
		c.JSON(http.StatusOK, snaps)
	}
}
