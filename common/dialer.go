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
	"context"

	"github.com/chromedp/cdproto/target"

	"github.com/liuxd6825/devtools/log"
)

// Dialer opens the protocol connection of a single target.
type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint, id target.ID) (Client, error)
}

// DialerFunc is an adapter to allow regular functions to be used as a Dialer.
type DialerFunc func(ctx context.Context, endpoint Endpoint, id target.ID) (Client, error)

// Dial calls f(ctx, endpoint, id).
func (f DialerFunc) Dial(ctx context.Context, endpoint Endpoint, id target.ID) (Client, error) {
	return f(ctx, endpoint, id)
}

// WSDialer dials targets over WebSocket at the endpoint's
// /devtools/page/<id> address.
type WSDialer struct {
	Logger *log.Logger
}

// Dial implements Dialer.
func (d *WSDialer) Dial(ctx context.Context, endpoint Endpoint, id target.ID) (Client, error) {
	conn, err := NewConnection(ctx, endpoint.TargetURL(id), d.Logger)
	if err != nil {
		return nil, err
	}
	return NewProtocolClient(conn), nil
}
