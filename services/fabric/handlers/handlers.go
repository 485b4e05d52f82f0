// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the gin handlers for every node role.
//
// Task endpoints answer 200 for any request body that parses, because task
// failures are part of the result and are attributed in-body. Control
// endpoints map errors onto status codes with statusFor.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
)

var tracer = otel.Tracer("treefabric.handlers")

// HealthFunc reports a node's identity.
type HealthFunc func() datatypes.Health

// HealthCheck serves GET /health.
func HealthCheck(health HealthFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, health())
	}
}

// statusFor maps an error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, datatypes.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, datatypes.ErrUnknownNode):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, logger *slog.Logger, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "path", c.FullPath(), "error", err)
	} else {
		logger.Warn("request rejected", "path", c.FullPath(), "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// bindTask decodes a Task body. A body that does not parse is answered with
// 400 and false is returned.
func bindTask(c *gin.Context, logger *slog.Logger) (datatypes.Task, bool) {
	var task datatypes.Task
	if err := c.ShouldBindJSON(&task); err != nil {
		logger.Warn("malformed task body", "error", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return task, false
	}
	return task, true
}

func startTask(c *gin.Context, name string, task datatypes.Task) (context.Context, trace.Span) {
	return tracer.Start(c.Request.Context(), name, trace.WithAttributes(attribute.String("task.id", task.ID)))
}

func endTask(span trace.Span, ok bool, tokens int64) {
	span.SetAttributes(
		attribute.Bool("task.success", ok),
		attribute.Int64("task.tokens", tokens),
	)
	if !ok {
		span.SetStatus(codes.Error, "task failed")
	}
	span.End()
}
