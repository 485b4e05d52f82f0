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
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/treefabric/services/fabric/root"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// WatchTopology serves GET /v1/topology/watch as a websocket that streams
// every topology event the root publishes.
//
// # Description
//
// The first message is a "snapshot" carrying the current RootStats, so a
// watcher does not have to race a separate stats call. Every following
// message is a TopologyEvent. The server pings periodically; a watcher that
// stops answering, or that closes its side, ends the stream.
func WatchTopology(node *root.Node, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer ws.Close()

		events, cancel := node.Events().Subscribe()
		defer cancel()
		logger.Info("topology watcher connected", "remote", c.ClientIP())

		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})

		// The read loop only exists to process control frames and notice
		// the peer closing.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		if err := send(ws, gin.H{"type": "snapshot", "stats": node.Stats()}); err != nil {
			return
		}

		ping := time.NewTicker(pingPeriod)
		defer ping.Stop()

		for {
			select {
			case <-closed:
				logger.Info("topology watcher disconnected", "remote", c.ClientIP())
				return
			case <-c.Request.Context().Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := send(ws, ev); err != nil {
					return
				}
			case <-ping.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}
}

func send(ws *websocket.Conn, v any) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(v); err != nil {
		slog.Debug("websocket write failed", "error", err)
		return err
	}
	return nil
}
