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
	"errors"
	"net"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/devtools/log"
)

var errFakeClosed = errors.New("fake client is closed")

// fakeClient is an in-memory Client. Its zero value answers every command.
type fakeClient struct {
	id     target.ID
	dialer *fakeDialer

	mu        sync.Mutex
	calls     []string
	closes    int
	closeErr  error
	failing   map[string]error
	blockDoc  bool
	evaluated []*runtime.EvaluateParams
	attrs     map[cdp.NodeID][]string
	matches   map[string][]cdp.NodeID
	frameTree *page.FrameTree
}

func (c *fakeClient) record(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, method)
	if c.closes > 0 {
		return errFakeClosed
	}
	return c.failing[method]
}

// fail makes method return err from now on.
func (c *fakeClient) fail(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing == nil {
		c.failing = make(map[string]error)
	}
	c.failing[method] = err
}

// block makes DOM.getDocument hang until its context is done.
func (c *fakeClient) block() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockDoc = true
}

func (c *fakeClient) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeClient) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeClient) DOMEnable(context.Context) error { return c.record("DOM.enable") }

func (c *fakeClient) CSSEnable(context.Context) error { return c.record("CSS.enable") }

func (c *fakeClient) PageEnable(context.Context) error { return c.record("Page.enable") }

func (c *fakeClient) NetworkEnable(context.Context) error { return c.record("Network.enable") }

func (c *fakeClient) DOMGetDocument(ctx context.Context) (*cdp.Node, error) {
	if err := c.record("DOM.getDocument"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	block := c.blockDoc
	c.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &cdp.Node{NodeID: 1, NodeType: cdp.NodeTypeDocument, NodeName: "#document"}, nil
}

func (c *fakeClient) DOMQuerySelectorAll(_ context.Context, _ cdp.NodeID, selector string) ([]cdp.NodeID, error) {
	if err := c.record("DOM.querySelectorAll"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.matches[selector], nil
}

func (c *fakeClient) DOMGetAttributes(_ context.Context, nodeID cdp.NodeID) ([]string, error) {
	if err := c.record("DOM.getAttributes"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attrs[nodeID], nil
}

func (c *fakeClient) PageGetFrameTree(context.Context) (*page.FrameTree, error) {
	if err := c.record("Page.getFrameTree"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frameTree, nil
}

func (c *fakeClient) RuntimeEvaluate(
	_ context.Context, params *runtime.EvaluateParams,
) (*runtime.RemoteObject, *runtime.ExceptionDetails, error) {
	if err := c.record("Runtime.evaluate"); err != nil {
		return nil, nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evaluated = append(c.evaluated, params)
	return &runtime.RemoteObject{Type: runtime.TypeString}, nil, nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closes++
	first := c.closes == 1
	err := c.closeErr
	c.mu.Unlock()

	if first && c.dialer != nil {
		c.dialer.hangUp(c.id)
	}
	return err
}

// fakeDialer hands out fakeClients and tracks how many connections are
// open per target at any time.
type fakeDialer struct {
	// setup, if set, prepares every client before it is handed out.
	setup func(*fakeClient)
	// err, if set, fails every dial.
	err error

	mu      sync.Mutex
	dials   map[target.ID]int
	open    map[target.ID]int
	maxOpen int
	clients map[target.ID][]*fakeClient
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		dials:   make(map[target.ID]int),
		open:    make(map[target.ID]int),
		clients: make(map[target.ID][]*fakeClient),
	}
}

func (d *fakeDialer) Dial(_ context.Context, _ Endpoint, id target.ID) (Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials[id]++
	if d.err != nil {
		return nil, d.err
	}

	c := &fakeClient{id: id, dialer: d}
	if d.setup != nil {
		d.setup(c)
	}
	d.clients[id] = append(d.clients[id], c)
	d.open[id]++
	if d.open[id] > d.maxOpen {
		d.maxOpen = d.open[id]
	}
	return c, nil
}

func (d *fakeDialer) hangUp(id target.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open[id]--
}

func (d *fakeDialer) Dials(id target.ID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[id]
}

func (d *fakeDialer) Open(id target.ID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open[id]
}

// MaxOpen is the highest number of simultaneously open connections seen
// for a single target.
func (d *fakeDialer) MaxOpen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxOpen
}

// Client returns the n-th client dialed for id.
func (d *fakeDialer) Client(t testing.TB, id target.ID, n int) *fakeClient {
	t.Helper()

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Greater(t, len(d.clients[id]), n, "target %q was dialed %d times", id, len(d.clients[id]))
	return d.clients[id][n]
}

// newTestRegistry returns a registry on a fake dialer. It is destroyed when
// the test ends.
func newTestRegistry(t testing.TB, d *fakeDialer, opts ...RegistryOption) *Registry {
	t.Helper()

	opts = append([]RegistryOption{WithDialer(d), WithLogger(log.NewNullLogger())}, opts...)
	r, err := NewRegistry(Endpoint{Port: DefaultPort}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Destroy(context.Background())
	})
	return r
}

func endpointOf(srv *httptest.Server) Endpoint {
	addr := srv.Listener.Addr().(*net.TCPAddr) //nolint:forcetypeassert
	return Endpoint{Host: addr.IP.String(), Port: addr.Port}
}
