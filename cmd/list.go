/*
 *
 * devtools - a session registry for the browser remote debugging protocol
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/liuxd6825/devtools/common"
)

type cmdList struct {
	gs              *globalState
	ignoreProtocols []string
	isJSON          bool
}

func (c *cmdList) run(cmd *cobra.Command, _ []string) error {
	reg, err := newRegistry(c.gs, cmd.Flags())
	if err != nil {
		return err
	}

	ignore := c.ignoreProtocols
	if !cmd.Flags().Changed("ignore-protocol") {
		if v, ok := c.gs.envVars["DEVTOOLS_IGNORE_PROTOCOLS"]; ok && v != "" {
			ignore = strings.Split(v, ",")
		}
	}

	targets, err := reg.List(c.gs.ctx, common.ListOptions{IgnoreProtocols: ignore})
	if err != nil {
		return withExitCode(err)
	}

	if c.isJSON {
		out, err := json.MarshalIndent(targets, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to produce the JSON target list: %w", err)
		}
		printToStdout(c.gs, string(out)+"\n")
		return nil
	}

	var b strings.Builder
	for _, t := range targets {
		fmt.Fprintf(&b, "%s\t%s\t%s\n", t.ID, t.Type, t.URL)
	}
	printToStdout(c.gs, b.String())
	return nil
}

func getCmdList(gs *globalState) *cobra.Command {
	c := &cmdList{gs: gs}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the debuggable targets",
		Long: `List the targets the browser exposes for remote debugging.

Listing doesn't connect to any target.`,
		Example: `
  # Leave out extension pages.
  devtools list --ignore-protocol chrome-extension`[1:],
		Args: cobra.NoArgs,
		RunE: c.run,
	}

	listCmd.Flags().StringSliceVar(&c.ignoreProtocols, "ignore-protocol", nil,
		"leave out targets whose URL has this scheme, can be repeated")
	listCmd.Flags().BoolVar(&c.isJSON, "json", false, "print the targets as JSON")

	return listCmd
}
