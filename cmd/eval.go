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
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/runtime"
	"github.com/spf13/cobra"

	"github.com/liuxd6825/devtools/common"
	"github.com/liuxd6825/devtools/errext"
	"github.com/liuxd6825/devtools/errext/exitcodes"
)

type cmdEval struct {
	gs   *globalState
	opts common.EvaluateOptions
}

func (c *cmdEval) run(cmd *cobra.Command, args []string) error {
	return withSession(c.gs, cmd.Flags(), args[0], func(ctx context.Context, s *common.Session) error {
		res, err := s.Evaluate(ctx, args[1], &c.opts)
		if err != nil {
			return err
		}
		if res.ExceptionDetails != nil {
			return errext.WithExitCodeIfNone(
				fmt.Errorf("evaluation threw: %s", exceptionText(res.ExceptionDetails)),
				exitcodes.ProtocolError)
		}
		printToStdout(c.gs, remoteObjectText(res.Result)+"\n")
		return nil
	})
}

func remoteObjectText(obj *runtime.RemoteObject) string {
	switch {
	case obj == nil:
		return "undefined"
	case len(obj.Value) > 0:
		return string(obj.Value)
	case obj.UnserializableValue != "":
		return string(obj.UnserializableValue)
	case obj.Description != "":
		return obj.Description
	default:
		return obj.Type.String()
	}
}

func exceptionText(d *runtime.ExceptionDetails) string {
	if d.Exception != nil && d.Exception.Description != "" {
		return d.Exception.Description
	}
	return d.Text
}

func getCmdEval(gs *globalState) *cobra.Command {
	c := &cmdEval{gs: gs}

	evalCmd := &cobra.Command{
		Use:   "eval <target> <expression>",
		Short: "Evaluate an expression in a target",
		Long: `Evaluate a JavaScript expression in the target's main world and print
the result. A thrown exception makes the command fail.`,
		Example: `
  devtools eval 9A1F document.title
  devtools eval 9A1F 'fetch("/health").then(r => r.status)' --await`[1:],
		Args: exactArgsWithMsg(2, "arg should be a target id and an expression"),
		RunE: c.run,
	}

	flags := evalCmd.Flags()
	flags.BoolVar(&c.opts.AwaitPromise, "await", false, "wait for the result if it is a promise")
	flags.BoolVar(&c.opts.ReturnByValue, "by-value", true, "return the result as a JSON value")
	flags.BoolVar(&c.opts.Silent, "silent", false, "don't pause on exceptions or report them to the console")
	flags.BoolVar(&c.opts.UserGesture, "user-gesture", false, "treat the evaluation as initiated by the user")
	flags.StringVar(&c.opts.ObjectGroup, "object-group", "", "object group the result is released with")

	return evalCmd
}

var errNoMatch = errors.New("no node matches the selector")

func getCmdAttrs(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "attrs <target> <selector> [name]",
		Short: "Print the attributes of the first node matching a selector",
		Long: `Print the attributes of the first node matching a CSS selector, one
name and value per line. With a name, print only that attribute's value.`,
		Args: rangeArgsWithMsg(2, 3, "arg should be a target id, a selector and optionally an attribute name"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(gs, cmd.Flags(), args[0], func(ctx context.Context, s *common.Session) error {
				ids, err := s.Query(ctx, args[1])
				if err != nil {
					return err
				}
				if len(ids) == 0 {
					return errext.WithExitCodeIfNone(
						fmt.Errorf("%w: %q", errNoMatch, args[1]), exitcodes.InvalidArgument)
				}

				if len(args) == 3 {
					v, ok, err := s.GetAttribute(ctx, ids[0], args[2])
					if err != nil {
						return err
					}
					if !ok {
						return errext.WithExitCodeIfNone(
							fmt.Errorf("node %d has no attribute %q", ids[0], args[2]), exitcodes.InvalidArgument)
					}
					printToStdout(gs, v+"\n")
					return nil
				}

				attrs, err := s.GetAttributes(ctx, ids[0])
				if err != nil {
					return err
				}
				out := ""
				for i := 0; i+1 < len(attrs); i += 2 {
					out += fmt.Sprintf("%s\t%s\n", attrs[i], attrs[i+1])
				}
				printToStdout(gs, out)
				return nil
			})
		},
	}
}
