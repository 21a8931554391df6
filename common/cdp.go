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
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/css"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
)

// Client is the protocol surface a Session depends on. It lists exactly the
// domain methods the session layer calls, plus closing the connection.
type Client interface {
	DOMEnable(ctx context.Context) error
	DOMGetDocument(ctx context.Context) (*cdp.Node, error)
	DOMQuerySelectorAll(ctx context.Context, nodeID cdp.NodeID, selector string) ([]cdp.NodeID, error)
	DOMGetAttributes(ctx context.Context, nodeID cdp.NodeID) ([]string, error)
	CSSEnable(ctx context.Context) error
	PageEnable(ctx context.Context) error
	PageGetFrameTree(ctx context.Context) (*page.FrameTree, error)
	NetworkEnable(ctx context.Context) error
	RuntimeEvaluate(ctx context.Context, params *runtime.EvaluateParams) (*runtime.RemoteObject, *runtime.ExceptionDetails, error)
	Close() error
}

// Domain is a protocol domain a session enables while initializing.
type Domain string

// Domains a session can enable.
const (
	DomainDOM     Domain = "DOM"
	DomainCSS     Domain = "CSS"
	DomainPage    Domain = "Page"
	DomainNetwork Domain = "Network"
)

// DefaultDomains are enabled, in this order, unless configured otherwise.
func DefaultDomains() []Domain {
	return []Domain{DomainDOM, DomainCSS, DomainPage, DomainNetwork}
}

// ParseDomain validates a domain name.
func ParseDomain(name string) (Domain, error) {
	switch d := Domain(name); d {
	case DomainDOM, DomainCSS, DomainPage, DomainNetwork:
		return d, nil
	default:
		return "", invalidArgument("unsupported domain %q", name)
	}
}

func enableDomain(ctx context.Context, c Client, d Domain) error {
	switch d {
	case DomainDOM:
		return c.DOMEnable(ctx)
	case DomainCSS:
		return c.CSSEnable(ctx)
	case DomainPage:
		return c.PageEnable(ctx)
	case DomainNetwork:
		return c.NetworkEnable(ctx)
	default:
		return fmt.Errorf("enabling domain: %w", invalidArgument("unsupported domain %q", d))
	}
}

// Ensure ProtocolClient implements the Client interface
var _ Client = &ProtocolClient{}

// ProtocolClient implements Client over a Connection using the cdproto
// command builders.
type ProtocolClient struct {
	conn *Connection
}

// NewProtocolClient binds a client to an open connection. The client owns
// the connection from then on.
func NewProtocolClient(conn *Connection) *ProtocolClient {
	return &ProtocolClient{conn: conn}
}

func (c *ProtocolClient) exec(ctx context.Context) context.Context {
	return cdp.WithExecutor(ctx, c.conn)
}

func (c *ProtocolClient) DOMEnable(ctx context.Context) error {
	return dom.Enable().Do(c.exec(ctx))
}

func (c *ProtocolClient) DOMGetDocument(ctx context.Context) (*cdp.Node, error) {
	return dom.GetDocument().Do(c.exec(ctx))
}

func (c *ProtocolClient) DOMQuerySelectorAll(ctx context.Context, nodeID cdp.NodeID, selector string) ([]cdp.NodeID, error) {
	return dom.QuerySelectorAll(nodeID, selector).Do(c.exec(ctx))
}

func (c *ProtocolClient) DOMGetAttributes(ctx context.Context, nodeID cdp.NodeID) ([]string, error) {
	return dom.GetAttributes(nodeID).Do(c.exec(ctx))
}

func (c *ProtocolClient) CSSEnable(ctx context.Context) error {
	return css.Enable().Do(c.exec(ctx))
}

func (c *ProtocolClient) PageEnable(ctx context.Context) error {
	return page.Enable().Do(c.exec(ctx))
}

func (c *ProtocolClient) PageGetFrameTree(ctx context.Context) (*page.FrameTree, error) {
	return page.GetFrameTree().Do(c.exec(ctx))
}

func (c *ProtocolClient) NetworkEnable(ctx context.Context) error {
	return network.Enable().Do(c.exec(ctx))
}

func (c *ProtocolClient) RuntimeEvaluate(
	ctx context.Context, params *runtime.EvaluateParams,
) (*runtime.RemoteObject, *runtime.ExceptionDetails, error) {
	return params.Do(c.exec(ctx))
}

// Close closes the underlying connection.
func (c *ProtocolClient) Close() error {
	return c.conn.Close()
}

// Done is closed once the underlying connection is gone.
func (c *ProtocolClient) Done() <-chan struct{} {
	return c.conn.Done()
}
