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
	"bytes"
	"context"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/liuxd6825/devtools/internal/trace"
)

// globalFlags are the persistent flags of the root command, which can also
// be set through the environment.
type globalFlags struct {
	verbose       bool
	noColor       bool
	logOutput     string
	logFormat     string
	logCategories string
	tracesOutput  string
}

func getDefaultFlags() globalFlags {
	return globalFlags{
		logOutput: "stderr",
	}
}

func getFlags(defaultFlags globalFlags, env map[string]string) globalFlags {
	result := defaultFlags

	if val, ok := env["DEVTOOLS_LOG_OUTPUT"]; ok {
		result.logOutput = val
	}
	if val, ok := env["DEVTOOLS_LOG_FORMAT"]; ok {
		result.logFormat = val
	}
	if val, ok := env["DEVTOOLS_LOG_CATEGORIES"]; ok {
		result.logCategories = val
	}
	if val, ok := env["DEVTOOLS_TRACES_OUTPUT"]; ok {
		result.tracesOutput = val
	}
	if v, err := strconv.ParseBool(env["DEVTOOLS_VERBOSE"]); err == nil {
		result.verbose = v
	}
	if _, ok := env["NO_COLOR"]; ok {
		result.noColor = true
	}
	if v, err := strconv.ParseBool(env["DEVTOOLS_NO_COLOR"]); err == nil {
		result.noColor = v
	}
	return result
}

// globalState holds everything a command touches outside of its flags:
// the file system, the environment, the output streams and the loggers.
// Tests replace all of it.
type globalState struct {
	ctx context.Context

	fs      afero.Fs
	args    []string
	envVars map[string]string

	defaultFlags, flags globalFlags

	outMutex       *sync.Mutex
	stdOut, stdErr *consoleWriter

	logger         *logrus.Logger
	fallbackLogger logrus.FieldLogger
	tracerProvider *trace.TracerProvider
	// metrics collects the counters of the session registry a command builds.
	metrics *prometheus.Registry

	osExit func(int)
}

func newGlobalState(ctx context.Context) *globalState {
	isDumbTerm := os.Getenv("TERM") == "dumb"
	stdoutTTY := !isDumbTerm && (isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()))
	stderrTTY := !isDumbTerm && (isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()))
	outMutex := &sync.Mutex{}
	stdOut := &consoleWriter{colorable.NewColorableStdout(), stdoutTTY, outMutex}
	stdErr := &consoleWriter{colorable.NewColorableStderr(), stderrTTY, outMutex}

	envVars := buildEnvMap(os.Environ())
	defaultFlags := getDefaultFlags()
	flags := getFlags(defaultFlags, envVars)

	logger := &logrus.Logger{
		Out: stdErr,
		Formatter: &logrus.TextFormatter{
			ForceColors:   stderrTTY,
			DisableColors: !stderrTTY || flags.noColor,
		},
		Hooks: make(logrus.LevelHooks),
		Level: logrus.InfoLevel,
	}

	return &globalState{
		ctx:          ctx,
		fs:           afero.NewOsFs(),
		args:         append(make([]string, 0, len(os.Args)), os.Args...),
		envVars:      envVars,
		defaultFlags: defaultFlags,
		flags:        flags,
		outMutex:     outMutex,
		stdOut:       stdOut,
		stdErr:       stdErr,
		logger:       logger,
		fallbackLogger: &logrus.Logger{
			Out:       stdErr,
			Formatter: new(logrus.TextFormatter),
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.InfoLevel,
		},
		tracerProvider: trace.NewNoopTracerProvider(),
		osExit:         os.Exit,
	}
}

func buildEnvMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return env
}

// consoleWriter serializes writes to stdout and stderr.
type consoleWriter struct {
	io.Writer
	isTTY bool
	mutex *sync.Mutex
}

func (w *consoleWriter) Write(p []byte) (n int, err error) {
	origLen := len(p)
	if w.isTTY {
		// erase till the end of line with each new line
		p = bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\x1b', '[', '0', 'K', '\n'})
	}

	w.mutex.Lock()
	n, err = w.Writer.Write(p)
	w.mutex.Unlock()

	if err != nil && n < origLen {
		return n, err
	}
	return origLen, err
}
