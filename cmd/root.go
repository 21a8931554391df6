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

// Package cmd implements the devtools command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/liuxd6825/devtools/errext"
	"github.com/liuxd6825/devtools/errext/exitcodes"
	"github.com/liuxd6825/devtools/internal/trace"
	"github.com/liuxd6825/devtools/log"
)

const waitLoggerCloseTimeout = time.Second * 5

// BannerColor is used for the long description of the root command.
var BannerColor = color.New(color.FgCyan) //nolint:gochecknoglobals

// This is to keep all fields needed for the main/root devtools command
type rootCommand struct {
	globalState *globalState

	cmd            *cobra.Command
	loggerStopped  <-chan struct{}
	loggerIsRemote bool
}

func newRootCommand(gs *globalState) *rootCommand {
	c := &rootCommand{
		globalState: gs,
	}
	// the base command when called without any subcommands.
	rootCmd := &cobra.Command{
		Use:               "devtools",
		Short:             "inspect browser targets over the remote debugging protocol",
		Long:              BannerColor.Sprint("\ndevtools keeps one protocol session per browser target and\nruns DOM, frame and runtime queries against it."),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
	}

	rootCmd.PersistentFlags().AddFlagSet(rootCmdPersistentFlagSet(gs))
	if len(gs.args) > 0 {
		rootCmd.SetArgs(gs.args[1:])
	}
	rootCmd.SetOut(gs.stdOut)
	rootCmd.SetErr(gs.stdErr)

	rootCmd.AddCommand(
		getCmdList(gs),
		getCmdQuery(gs),
		getCmdFrames(gs),
		getCmdEval(gs),
		getCmdAttrs(gs),
		getCmdVersion(gs),
	)

	c.cmd = rootCmd
	return c
}

func (c *rootCommand) persistentPreRunE(_ *cobra.Command, _ []string) error {
	var err error

	c.loggerStopped, err = c.setupLoggers()
	if err != nil {
		return err
	}
	select {
	case <-c.loggerStopped:
	default:
		c.loggerIsRemote = true
	}

	tp, err := trace.TracerProviderFromConfigLine(c.globalState.ctx, c.globalState.flags.tracesOutput)
	if err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	c.globalState.tracerProvider = tp

	stdlog.SetOutput(c.globalState.logger.Writer())
	c.globalState.logger.Debugf("devtools version: v%s", Version)
	return nil
}

func (c *rootCommand) execute() {
	ctx, cancel := context.WithCancel(c.globalState.ctx)
	defer cancel()
	c.globalState.ctx = ctx

	err := c.cmd.Execute()
	logMetrics(c.globalState)
	if shutdownErr := c.shutdownTracing(); err == nil {
		err = shutdownErr
	}
	if err == nil {
		cancel()
		c.waitLoggerClose()
		return
	}

	exitCode := -1
	var ecerr errext.HasExitCode
	if errors.As(err, &ecerr) {
		exitCode = int(ecerr.ExitCode())
	}

	errText, fields := errext.Format(err)
	c.globalState.logger.WithFields(fields).Error(errText)
	if c.loggerIsRemote {
		c.globalState.fallbackLogger.WithFields(fields).Error(errText)
		cancel()
		c.waitLoggerClose()
	}

	c.globalState.osExit(exitCode)
}

func (c *rootCommand) shutdownTracing() error {
	if c.globalState.tracerProvider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitLoggerCloseTimeout)
	defer cancel()
	if err := c.globalState.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("flushing traces: %w", err)
	}
	return nil
}

// Execute adds all child commands to the root command sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	gs := newGlobalState(context.Background())

	newRootCommand(gs).execute()
}

func (c *rootCommand) waitLoggerClose() {
	if c.loggerIsRemote {
		select {
		case <-c.loggerStopped:
		case <-time.After(waitLoggerCloseTimeout):
			c.globalState.fallbackLogger.Errorf("The logger didn't stop in %s", waitLoggerCloseTimeout)
		}
	}
}

func rootCmdPersistentFlagSet(gs *globalState) *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.StringVar(&gs.flags.logOutput, "log-output", gs.flags.logOutput,
		"change the output for devtools logs, possible values are stderr,stdout,none,file[=./path.fileformat]")
	flags.Lookup("log-output").DefValue = gs.defaultFlags.logOutput

	flags.StringVar(&gs.flags.logFormat, "log-format", gs.flags.logFormat, "log output format, one of text, json or raw")
	flags.Lookup("log-format").DefValue = gs.defaultFlags.logFormat

	flags.StringVar(&gs.flags.logCategories, "log-categories", gs.flags.logCategories,
		"only log the categories matching this regular expression, such as `cdp:.*`")
	flags.Lookup("log-categories").DefValue = gs.defaultFlags.logCategories

	flags.StringVar(&gs.flags.tracesOutput, "traces-output", gs.flags.tracesOutput,
		"export traces of the session lifecycle, either none or otel[=endpoint,proto=http|grpc,header.NAME=value]")
	flags.Lookup("traces-output").DefValue = gs.defaultFlags.tracesOutput

	flags.BoolVar(&gs.flags.noColor, "no-color", gs.flags.noColor, "disable colored output")
	flags.Lookup("no-color").DefValue = strconv.FormatBool(gs.defaultFlags.noColor)

	flags.BoolVarP(&gs.flags.verbose, "verbose", "v", gs.defaultFlags.verbose, "enable verbose logging")

	flags.AddFlagSet(configFlagSet())
	return flags
}

// RawFormatter it does nothing with the message just prints it
type RawFormatter struct{}

// Format renders a single log entry
func (f RawFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return append([]byte(entry.Message), '\n'), nil
}

// The returned channel will be closed when the logger has finished flushing and pushing logs after
// the provided context is closed. It is closed if the logger isn't buffering and sending messages
// Asynchronously
func (c *rootCommand) setupLoggers() (<-chan struct{}, error) {
	ch := make(chan struct{})
	close(ch)

	gs := c.globalState
	if gs.flags.verbose {
		gs.logger.SetLevel(logrus.DebugLevel)
	}

	if gs.flags.noColor {
		gs.stdOut.Writer = colorable.NewNonColorable(gs.stdOut.Writer)
		gs.stdErr.Writer = colorable.NewNonColorable(gs.stdErr.Writer)
	}

	switch line := gs.flags.logOutput; {
	case line == "stderr":
		gs.logger.SetOutput(gs.stdErr)
	case line == "stdout":
		gs.logger.SetOutput(gs.stdOut)
	case line == "none":
		gs.logger.SetOutput(io.Discard)
	case strings.HasPrefix(line, "file"):
		ch = make(chan struct{})
		hook, err := log.FileHookFromConfigLine(gs.ctx, gs.fs, gs.fallbackLogger, line, ch)
		if err != nil {
			return nil, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
		}
		gs.logger.AddHook(hook)
		gs.logger.SetOutput(io.Discard)
	default:
		return nil, errext.WithExitCodeIfNone(
			fmt.Errorf("unsupported log output '%s'", line), exitcodes.InvalidConfig)
	}

	switch gs.flags.logFormat {
	case "raw":
		gs.logger.SetFormatter(&RawFormatter{})
		gs.logger.Debug("Logger format: RAW")
	case "json":
		gs.logger.SetFormatter(&logrus.JSONFormatter{})
		gs.logger.Debug("Logger format: JSON")
	default:
		gs.logger.SetFormatter(&logrus.TextFormatter{
			ForceColors: gs.stdErr.isTTY, DisableColors: !gs.stdErr.isTTY || gs.flags.noColor,
		})
		gs.logger.Debug("Logger format: TEXT")
	}
	return ch, nil
}
