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

import "time"

const (
	// Defaults

	DefaultHost             string        = "localhost"
	DefaultPort             int           = 9222
	DefaultHandshakeTimeout time.Duration = 60 * time.Second
	DefaultDiscoveryTimeout time.Duration = 10 * time.Second

	// Wire

	wsWriteBufferSize = 1 << 20
	wsSendBufferSize  = 32
	closeWriteTimeout = 10 * time.Second

	discoveryPath  = "/json/list"
	targetPathBase = "/devtools/page/"

	tracerName = "github.com/liuxd6825/devtools/common"
)
