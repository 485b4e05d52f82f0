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
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/treefabric/pkg/ux"
	"github.com/AleutianAI/treefabric/services/fabric/config"
)

func runConfigInit(cmd *cobra.Command, _ []string) error {
	force := forceInit
	if !force && exists(configPath) && isatty.IsTerminal(os.Stdin.Fd()) {
		confirmed, err := confirmOverwrite(configPath)
		if err != nil {
			return err
		}
		if !confirmed {
			return errors.New("aborted")
		}
		force = true
	}
	if err := config.WriteDefault(configPath, force); err != nil {
		return err
	}
	newPrinter(cmd).Status(ux.IconSuccess, fmt.Sprintf("wrote %s", configPath))
	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := newPrinter(cmd)
	if !out.Styled() {
		return out.JSON(cfg)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func confirmOverwrite(path string) (bool, error) {
	var ok bool
	err := huh.NewConfirm().
		Title(fmt.Sprintf("%s already exists. Overwrite it?", path)).
		Affirmative("Overwrite").
		Negative("Keep").
		Value(&ok).
		Run()
	return ok, err
}
