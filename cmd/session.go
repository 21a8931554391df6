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

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/liuxd6825/devtools/common"
	"github.com/liuxd6825/devtools/errext"
	"github.com/liuxd6825/devtools/errext/exitcodes"
	"github.com/liuxd6825/devtools/log"
)

// newRegistry builds the session registry a command works with.
func newRegistry(gs *globalState, flags *pflag.FlagSet) (*common.Registry, error) {
	conf, err := getConsolidatedConfig(gs, flags)
	if err != nil {
		return nil, err
	}

	logger, err := log.NewWithCategoryFilter(gs.logger, false, gs.flags.logCategories)
	if err != nil {
		return nil, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	domains, err := conf.domains()
	if err != nil {
		return nil, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	probeTimeout, err := conf.probeTimeout()
	if err != nil {
		return nil, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}

	gs.metrics = prometheus.NewRegistry()
	metrics, err := common.NewMetrics(gs.metrics)
	if err != nil {
		return nil, err
	}

	reg, err := common.NewRegistry(conf.endpoint(),
		common.WithLogger(logger),
		common.WithDomains(domains...),
		common.WithProbeTimeout(probeTimeout),
		common.WithTracerProvider(gs.tracerProvider),
		common.WithMetrics(metrics),
	)
	if err != nil {
		return nil, withExitCode(err)
	}
	return reg, nil
}

// withSession connects to the target id, runs fn with its session and
// closes every session before returning.
func withSession(
	gs *globalState, flags *pflag.FlagSet, id string,
	fn func(ctx context.Context, s *common.Session) error,
) (err error) {
	reg, err := newRegistry(gs, flags)
	if err != nil {
		return err
	}
	defer func() {
		if derr := reg.Destroy(context.WithoutCancel(gs.ctx)); derr != nil {
			gs.logger.WithError(derr).Warn("closing sessions")
		}
	}()

	s, err := reg.Use(gs.ctx, target.ID(id))
	if err != nil {
		return withExitCode(err)
	}
	return withExitCode(fn(gs.ctx, s))
}

// withExitCode attaches the exit code and hint matching the kind of err.
func withExitCode(err error) error {
	if err == nil {
		return nil
	}

	var (
		derr *common.DiscoveryError
		cerr *common.ConnectionError
		perr *cdproto.Error
	)
	switch {
	case errors.Is(err, common.ErrInvalidArgument):
		return errext.WithExitCodeIfNone(err, exitcodes.InvalidArgument)
	case errors.Is(err, context.Canceled):
		return errext.WithExitCodeIfNone(err, exitcodes.ExternalAbort)
	case errors.As(err, &derr):
		return errext.WithExitCodeIfNone(
			errext.WithHint(err, "is the browser running with --remote-debugging-port?"),
			exitcodes.DiscoveryFailed)
	case errors.As(err, &cerr):
		return errext.WithExitCodeIfNone(
			errext.WithHint(err, fmt.Sprintf("check that target %s is listed by the list command", cerr.TargetID)),
			exitcodes.ConnectionFailed)
	case errors.As(err, &perr), errors.Is(err, common.ErrChannelClosed), errors.Is(err, common.ErrSessionClosed):
		return errext.WithExitCodeIfNone(err, exitcodes.ProtocolError)
	default:
		return err
	}
}

// logMetrics logs, at debug level, the registry counters of the command that
// just ran. Commands that never built a registry log nothing.
func logMetrics(gs *globalState) {
	if gs.metrics == nil {
		return
	}
	mfs, err := gs.metrics.Gather()
	if err != nil {
		gs.logger.WithError(err).Debug("gathering session metrics")
		return
	}

	fields := make(logrus.Fields, len(mfs))
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				fields[mf.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				fields[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	gs.logger.WithFields(fields).Debug("session metrics")
}
