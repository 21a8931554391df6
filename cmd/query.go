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
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/liuxd6825/devtools/common"
)

func getCmdQuery(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "query <target> <selector>",
		Short: "Print the ids of the nodes matching a CSS selector",
		Args:  exactArgsWithMsg(2, "arg should be a target id and a selector"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(gs, cmd.Flags(), args[0], func(ctx context.Context, s *common.Session) error {
				ids, err := s.Query(ctx, args[1])
				if err != nil {
					return err
				}

				var b strings.Builder
				for _, id := range ids {
					fmt.Fprintf(&b, "%d\n", id)
				}
				printToStdout(gs, b.String())
				return nil
			})
		},
	}
}

func getCmdFrames(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "frames <target>",
		Short: "Print the main frame and its child frames",
		Args:  exactArgsWithMsg(1, "arg should be a target id"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(gs, cmd.Flags(), args[0], func(ctx context.Context, s *common.Session) error {
				frames, err := s.Frames(ctx)
				if err != nil {
					return err
				}

				var b strings.Builder
				for _, f := range frames {
					fmt.Fprintf(&b, "%s\t%s\n", f.ID, f.URL)
				}
				printToStdout(gs, b.String())
				return nil
			})
		},
	}
}
