// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server assembles one treefabric node from configuration.
//
// Build resolves the node's role from its name, constructs the role's
// domain object with its transport client, metrics registry and (for the
// root) persistent store, and registers the role's routes:
//
//	config ──► Build(name) ──► Node{router, registry, client}
//	                             │
//	                             ├─ leaf          leaf.Node
//	                             ├─ intermediate  intermediate.Node ─► transport.Client ─► leaves
//	                             └─ root          root.Node ─► transport.Client ─► intermediates
//	                                               ├─ storage.TopologyStore (badger)
//	                                               ├─ config.Watcher (fsnotify)
//	                                               └─ history.Recorder (influxdb, optional)
//
// Run serves HTTP until its context ends and then shuts down gracefully.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/treefabric/pkg/logging"
	"github.com/AleutianAI/treefabric/services/fabric/config"
	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
	"github.com/AleutianAI/treefabric/services/fabric/history"
	"github.com/AleutianAI/treefabric/services/fabric/intermediate"
	"github.com/AleutianAI/treefabric/services/fabric/leaf"
	"github.com/AleutianAI/treefabric/services/fabric/observability"
	"github.com/AleutianAI/treefabric/services/fabric/root"
	"github.com/AleutianAI/treefabric/services/fabric/routes"
	"github.com/AleutianAI/treefabric/services/fabric/storage"
	"github.com/AleutianAI/treefabric/services/fabric/transport"
)

// ShutdownTimeout bounds graceful shutdown of the HTTP server.
const ShutdownTimeout = 5 * time.Second

// Options adjusts how Build wires a node.
type Options struct {
	// ConfigPath enables hot reload of the rebalance threshold on the root.
	ConfigPath string

	// Listener is served instead of listening on the configured address.
	Listener net.Listener

	// Logger overrides the logger built from the logging config.
	Logger *slog.Logger

	// HTTPClient overrides the transport's HTTP client.
	HTTPClient *http.Client
}

// Node is one running treefabric process.
type Node struct {
	identity datatypes.NodeIdentity
	cfg      *config.Config
	router   *gin.Engine
	registry *prometheus.Registry
	client   *transport.Client
	logger   *slog.Logger
	owned    *logging.Logger
	listener net.Listener

	root     *root.Node
	inter    *intermediate.Node
	leaf     *leaf.Node
	store    *storage.TopologyStore
	watcher  *config.Watcher
	recorder *history.Recorder
}

// Build constructs the node named name.
//
// # Outputs
//
//   - *Node: Ready to Run. Call Close when done.
//   - error: Unknown name, invalid cost model, store or watcher failures.
func Build(ctx context.Context, cfg *config.Config, name string, opts Options) (*Node, error) {
	id, parent, err := cfg.Node(name)
	if err != nil {
		return nil, err
	}

	n := &Node{identity: id, cfg: cfg, listener: opts.Listener, registry: prometheus.NewRegistry()}
	n.logger = opts.Logger
	if n.logger == nil {
		n.owned = logging.New(cfg.Logging.Build(name))
		n.logger = n.owned.Slog()
	}

	metrics := observability.NewMetrics(n.registry)
	n.client = transport.New(transport.Config{
		Directory:  cfg.Directory(),
		Timeouts:   cfg.Timeouts,
		Breaker:    cfg.Breaker,
		HTTPClient: opts.HTTPClient,
		Logger:     n.logger,
		Metrics:    metrics,
	})

	n.router = gin.New()
	n.router.Use(gin.Recovery(), otelgin.Middleware(name), accessLog(n.logger))
	promHandler := promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{Registry: n.registry})

	switch id.Role {
	case datatypes.RoleLeaf:
		err = n.buildLeaf(metrics, promHandler)
	case datatypes.RoleIntermediate:
		err = n.buildIntermediate(parent, metrics, promHandler)
	case datatypes.RoleRoot:
		err = n.buildRoot(ctx, opts.ConfigPath, metrics, promHandler)
	default:
		err = fmt.Errorf("%w: role %q", datatypes.ErrUnknownNode, id.Role)
	}
	if err != nil {
		_ = n.Close()
		return nil, err
	}

	n.logger.Info("node built", "node", name, "role", id.Role, "address", id.Address)
	return n, nil
}

func (n *Node) buildLeaf(metrics *observability.Metrics, promHandler http.Handler) error {
	cost, err := leaf.NewCostModel(n.cfg.Cost)
	if err != nil {
		return err
	}
	n.leaf = leaf.New(n.identity.Name,
		leaf.WithCostModel(cost),
		leaf.WithLogger(n.logger),
		leaf.WithMetrics(metrics),
	)
	routes.SetupLeafRoutes(n.router, n.leaf, promHandler, n.logger)
	return nil
}

func (n *Node) buildIntermediate(parent string, metrics *observability.Metrics, promHandler http.Handler) error {
	node, err := intermediate.New(n.identity.Name, n.cfg.InitialTopology()[n.identity.Name], n.client,
		intermediate.WithParent(parent),
		intermediate.WithLeafSet(n.cfg.LeafNames()),
		intermediate.WithLogger(n.logger),
		intermediate.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}
	n.inter = node
	routes.SetupIntermediateRoutes(n.router, node, promHandler, n.logger)
	return nil
}

func (n *Node) buildRoot(ctx context.Context, configPath string, metrics *observability.Metrics, promHandler http.Handler) error {
	storeCfg := storage.Config{InMemory: true}
	if n.cfg.StateDir != "" {
		storeCfg = storage.DefaultConfig(filepath.Join(n.cfg.StateDir, n.identity.Name))
	}
	storeCfg.Logger = n.logger
	store, err := storage.Open(storeCfg)
	if err != nil {
		return err
	}
	n.store = store

	node, err := root.New(n.identity.Name, n.cfg.IntermediateOrder(), n.cfg.LeafNames(), n.cfg.InitialTopology(), n.client,
		root.WithThreshold(n.cfg.Rebalance.Threshold),
		root.WithRateLimit(n.cfg.Admission.Rate, n.cfg.Admission.Burst),
		root.WithStepTimeout(n.cfg.Timeouts.Control),
		root.WithStore(store),
		root.WithLogger(n.logger),
		root.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}
	if _, err := node.Restore(ctx); err != nil {
		n.logger.Warn("ignoring unreadable topology snapshot", "error", err)
	}
	n.root = node
	routes.SetupRootRoutes(n.router, node, promHandler, n.logger)

	if n.cfg.History.Enabled() {
		rec, err := history.New(n.cfg.History, n.logger)
		if err != nil {
			return err
		}
		n.recorder = rec
	}

	if configPath != "" {
		w, err := config.NewWatcher(configPath, n.cfg, n.applyReload, n.logger)
		if err != nil {
			return err
		}
		n.watcher = w
	}
	return nil
}

// applyReload pushes reloadable settings into the running root. Only the
// threshold is reloadable; topology and addresses need a restart.
func (n *Node) applyReload(cfg *config.Config) {
	if n.root == nil || cfg.Rebalance.Threshold == n.root.Threshold() {
		return
	}
	if _, err := n.root.SetThreshold(context.Background(), cfg.Rebalance.Threshold); err != nil {
		n.logger.Warn("reloaded threshold rejected", "error", err)
	}
}

// =============================================================================
// Accessors
// =============================================================================

// Identity returns the node's name, role and address.
func (n *Node) Identity() datatypes.NodeIdentity { return n.identity }

// Router returns the gin engine, for tests that serve it themselves.
func (n *Node) Router() *gin.Engine { return n.router }

// Registry returns the node's Prometheus registry.
func (n *Node) Registry() *prometheus.Registry { return n.registry }

// Root returns the root node, or nil when this node is not the root.
func (n *Node) Root() *root.Node { return n.root }

// =============================================================================
// Lifecycle
// =============================================================================

// Run serves until ctx is done, then shuts down gracefully. The root also
// runs its periodic rebalance loop and config watcher here.
func (n *Node) Run(ctx context.Context) error {
	ln := n.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", n.identity.Address)
		if err != nil {
			return fmt.Errorf("listen %s: %w", n.identity.Address, err)
		}
	}

	baseCtx, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()
	srv := &http.Server{
		Handler:           n.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelBase)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.logger.Info("serving", "node", n.identity.Name, "address", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve %s: %w", n.identity.Name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown %s: %w", n.identity.Name, err)
		}
		n.logger.Info("stopped", "node", n.identity.Name)
		return nil
	})
	if n.root != nil {
		g.Go(func() error {
			return n.root.Run(gctx, n.cfg.Rebalance.Interval)
		})
	}
	if n.watcher != nil {
		g.Go(func() error {
			n.watcher.Run(gctx)
			return nil
		})
	}
	if n.recorder != nil {
		g.Go(func() error {
			n.recorder.Run(gctx, n.root)
			return nil
		})
	}
	return g.Wait()
}

// Close releases everything Build opened.
func (n *Node) Close() error {
	var errs []error
	if n.watcher != nil {
		n.watcher.Stop()
	}
	if n.recorder != nil {
		n.recorder.Close()
		n.recorder = nil
	}
	if n.store != nil {
		errs = append(errs, n.store.Close())
		n.store = nil
	}
	if n.owned != nil {
		errs = append(errs, n.owned.Close())
		n.owned = nil
	}
	return errors.Join(errs...)
}

// accessLog logs one line per request at debug level, and at warn level for
// server errors.
func accessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration", time.Since(start),
		}
		if status >= http.StatusInternalServerError {
			logger.Warn("request", attrs...)
			return
		}
		logger.Debug("request", attrs...)
	}
}
