// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/treefabric/pkg/ux"
	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
	"github.com/AleutianAI/treefabric/services/fabric/transport"
)

// watchMessage is either the opening snapshot or a topology event.
type watchMessage struct {
	Type  string               `json:"type"`
	Stats *datatypes.RootStats `json:"stats,omitempty"`
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	wsURL, err := watchURL(cfg.Directory()[cfg.Tree.Root.Name])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", wsURL, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	out := newPrinter(cmd)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("watch: %w", err)
		}
		if err := printWatchMessage(out, data); err != nil {
			return err
		}
	}
}

func printWatchMessage(out *ux.Printer, data []byte) error {
	var msg watchMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode watch message: %w", err)
	}
	if msg.Type == "snapshot" {
		if msg.Stats == nil {
			return errors.New("snapshot without stats")
		}
		return out.RootStats(*msg.Stats)
	}
	var ev datatypes.TopologyEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode topology event: %w", err)
	}
	return out.Event(ev)
}

// watchURL turns the root's http base URL into its websocket watch URL.
func watchURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("root address %q: %w", base, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + transport.PathWatch
	return u.String(), nil
}
