// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes registers each node role's HTTP surface on a gin engine.
package routes

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/treefabric/services/fabric/handlers"
	"github.com/AleutianAI/treefabric/services/fabric/intermediate"
	"github.com/AleutianAI/treefabric/services/fabric/leaf"
	"github.com/AleutianAI/treefabric/services/fabric/root"
	"github.com/AleutianAI/treefabric/services/fabric/transport"
)

// setupCommon registers /health and, when metrics is non-nil, /metrics.
func setupCommon(router *gin.Engine, health handlers.HealthFunc, metrics http.Handler) {
	router.GET(transport.PathHealth, handlers.HealthCheck(health))
	if metrics != nil {
		router.GET(transport.PathMetrics, gin.WrapH(metrics))
	}
}

// SetupLeafRoutes registers a leaf's endpoints.
func SetupLeafRoutes(router *gin.Engine, node *leaf.Node, metrics http.Handler, logger *slog.Logger) {
	setupCommon(router, node.Health, metrics)

	v1 := router.Group("/v1")
	{
		v1.POST("/task", handlers.LeafTask(node, logger))
		v1.GET("/stats", handlers.LeafStats(node))
	}
}

// SetupIntermediateRoutes registers an intermediate's endpoints.
func SetupIntermediateRoutes(router *gin.Engine, node *intermediate.Node, metrics http.Handler, logger *slog.Logger) {
	setupCommon(router, node.Health, metrics)

	v1 := router.Group("/v1")
	{
		v1.POST("/task", handlers.IntermediateTask(node, logger))
		v1.POST("/children", handlers.UpdateChildren(node, logger))
		v1.GET("/stats", handlers.IntermediateStats(node))
	}
}

// SetupRootRoutes registers the root's endpoints.
func SetupRootRoutes(router *gin.Engine, node *root.Node, metrics http.Handler, logger *slog.Logger) {
	setupCommon(router, node.Health, metrics)

	v1 := router.Group("/v1")
	{
		v1.POST("/task", handlers.RootTask(node, logger))
		v1.GET("/stats", handlers.RootStats(node))
		v1.POST("/rebalance", handlers.Rebalance(node, logger))
		v1.PUT("/threshold", handlers.SetThreshold(node, logger))
		v1.POST("/reconcile", handlers.Reconcile(node, logger))
		v1.GET("/history", handlers.History(node, logger))
		v1.GET("/topology/watch", handlers.WatchTopology(node, logger))
	}
}
