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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/treefabric/pkg/ux"
	"github.com/AleutianAI/treefabric/services/fabric/archive"
)

func runHistory(cmd *cobra.Command, _ []string) error {
	cfg, client, out, err := clientSetup(cmd)
	if err != nil {
		return err
	}
	snaps, err := client.History(cmd.Context(), cfg.Tree.Root.Name, historyLimit)
	if err != nil {
		return err
	}

	if archiveTo == "" {
		return out.History(snaps)
	}

	archiveCfg := cfg.Archive
	if archiveTo != "config" {
		archiveCfg.Bucket = archiveTo
	}
	a, err := archive.New(cmd.Context(), archiveCfg)
	if err != nil {
		return err
	}
	defer a.Close()

	url, err := a.Upload(cmd.Context(), snaps)
	if err != nil {
		return err
	}
	if !out.Styled() {
		return out.JSON(map[string]any{"object": url, "snapshots": len(snaps)})
	}
	out.Status(ux.IconSuccess, fmt.Sprintf("archived %d snapshots to %s", len(snaps), url))
	return nil
}
