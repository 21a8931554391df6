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

package common

import (
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/target"
)

var (
	// ErrInvalidArgument is returned, without any I/O taking place, when a
	// required parameter such as the endpoint port or a target id is missing.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSessionClosed is returned by operations on a session that is not ready.
	ErrSessionClosed = errors.New("session closed")

	// ErrChannelClosed is returned when the connection is torn down while a
	// command is waiting for its reply.
	ErrChannelClosed = errors.New("channel closed")

	// ErrTargetCrashed is the closure cause of a connection whose target
	// reported a crash or a detach.
	ErrTargetCrashed = errors.New("target has crashed or detached")
)

// ConnectionError is a failure to open or initialize the protocol connection
// of a target. The registry never retains a session that failed this way.
type ConnectionError struct {
	TargetID target.ID
	Op       string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to target %q: %s: %v", e.TargetID, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// DiscoveryError is a failure to list targets, either because the discovery
// endpoint is unreachable or because it returned something unexpected.
type DiscoveryError struct {
	URL string
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("listing targets from %s: %v", e.URL, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// probeFailure is why a cached session was discarded. It is only logged.
type probeFailure struct {
	targetID target.ID
	err      error
}

func (e *probeFailure) Error() string {
	return fmt.Sprintf("liveness probe of target %q failed: %v", e.targetID, e.err)
}

func (e *probeFailure) Unwrap() error {
	return e.err
}

func invalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
