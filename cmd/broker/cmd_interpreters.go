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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianBroker/pkg/ux"
	"github.com/AleutianAI/AleutianBroker/services/broker/interpreter"
)

var (
	interpretersJSON bool
	interpretersAll  bool
)

func runInterpreters(cmd *cobra.Command, args []string) error {
	registry := interpreter.NewRegistry(interpreter.DefaultSources(cfg.InterpreterRoots)...)

	var (
		list []interpreter.InterpreterInfo
		err  error
	)
	if interpretersAll {
		list, err = registry.Discover(cmd.Context())
	} else {
		list, err = registry.ListCompatible(cmd.Context(), cfg.VersionRange())
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if interpretersJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}
	p := ux.Auto(out)
	if len(list) == 0 {
		p.Warning("no interpreters found in range %s", cfg.VersionRange())
		return nil
	}

	p.Title(fmt.Sprintf("Interpreters (%s)", cfg.VersionRange()))
	rows := make([][]string, 0, len(list))
	for _, info := range list {
		rows = append(rows, []string{info.Version.String(), info.Source, info.InstallPath})
	}
	return p.Table([]string{"VERSION", "SOURCE", "HOME"}, rows)
}
