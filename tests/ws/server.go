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

package ws

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"github.com/stretchr/testify/require"
)

// Server can be used as a test alternative to a real CDP compatible browser.
type Server struct {
	t          testing.TB
	Mux        *http.ServeMux
	ServerHTTP *httptest.Server
	Context    context.Context
}

// NewServer returns a fully configured and running WS test server.
func NewServer(t testing.TB, opts ...func(*Server)) *Server {
	t.Helper()

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	s := &Server{
		t:          t,
		Mux:        mux,
		ServerHTTP: server,
		Context:    ctx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Addr returns the host and port the server listens on.
func (s *Server) Addr() (string, int) {
	s.t.Helper()

	u, err := url.Parse(s.ServerHTTP.URL)
	require.NoError(s.t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(s.t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(s.t, err)

	return host, port
}

// WSURL returns the WebSocket address of path on the server.
func (s *Server) WSURL(path string) string {
	u, _ := url.Parse(s.ServerHTTP.URL)
	return "ws://" + u.Host + path
}

// WithClosureAbnormalHandler attaches an abnormal closure behavior to Server.
func WithClosureAbnormalHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		_ = conn.Close() // This forces a connection closure without a proper WS close message exchange
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// WithEchoHandler attaches an echo handler to Server.
func WithEchoHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		messageType, r, err := conn.NextReader()
		if err != nil {
			return
		}
		wc, err := conn.NextWriter(messageType)
		if err != nil {
			return
		}
		if _, err = io.Copy(wc, r); err != nil {
			return
		}
		if err = wc.Close(); err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(10*time.Second),
		)
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// CommandLog records the methods received by a CDP handler.
type CommandLog struct {
	mu   sync.Mutex
	cmds []cdproto.MethodType
}

func (l *CommandLog) add(m cdproto.MethodType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cmds = append(l.cmds, m)
}

// Methods returns a copy of the methods received so far.
func (l *CommandLog) Methods() []cdproto.MethodType {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]cdproto.MethodType{}, l.cmds...)
}

// CDPHandlerFunc handles one incoming CDP message. Messages passed to reply
// are written back to the client in order.
type CDPHandlerFunc func(msg *cdproto.Message, reply func(cdproto.Message))

// WithCDPHandler attaches a custom CDP handler function to Server.
// cmds may be nil.
func WithCDPHandler(path string, fn CDPHandlerFunc, cmds *CommandLog) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		serveCDP(conn, fn, cmds)
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// serveCDP reads messages until the connection fails, answering each one
// through fn.
func serveCDP(conn *websocket.Conn, fn CDPHandlerFunc, cmds *CommandLog) {
	defer func() { _ = conn.Close() }()

	reply := func(msg cdproto.Message) {
		encoder := jwriter.Writer{}
		msg.MarshalEasyJSON(&encoder)
		if encoder.Error != nil {
			return
		}
		writer, err := conn.NextWriter(websocket.TextMessage)
		if err != nil {
			return
		}
		if _, err := encoder.DumpTo(writer); err != nil {
			return
		}
		_ = writer.Close()
	}

	for {
		_, buf, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg cdproto.Message
		decoder := jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&decoder)
		if decoder.Error() != nil {
			return
		}

		if msg.Method != "" && cmds != nil {
			cmds.add(msg.Method)
		}

		fn(&msg, reply)
	}
}

// CDPDefaultHandler answers every command with an empty result.
func CDPDefaultHandler(msg *cdproto.Message, reply func(cdproto.Message)) {
	if msg.ID == 0 {
		return
	}
	reply(cdproto.Message{
		ID:     msg.ID,
		Result: []byte("{}"),
	})
}
