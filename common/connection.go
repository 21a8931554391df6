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
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"

	"github.com/liuxd6825/devtools/log"
)

// Ensure Connection implements the Executor interface
var _ cdp.Executor = &Connection{}

/*
	Connection is the WebSocket connection to a single target, such as
	ws://localhost:9222/devtools/page/<targetId>. Each target gets its own
	connection, so messages carry no session id.

	┌─────────────────────────────────┐
	│         Browser target          │
	└─────────────────────────────────┘
	               │     ▲
	               ▼     │
	┌─────────────────────────────────┐
	│      WebSocket Connection       │
	└─────────────────────────────────┘
	      │ recvLoop          ▲ sendLoop
	      ▼                   │
	┌──────────────┐   ┌──────────────┐
	│ pending[id]  │   │    sendCh    │
	└──────────────┘   └──────────────┘
	      │                   ▲
	      ▼                   │
	┌─────────────────────────────────┐
	│       Execute (per call)        │
	└─────────────────────────────────┘
*/
type Connection struct {
	wsURL        string
	logger       *log.Logger
	conn         *websocket.Conn
	sendCh       chan *cdproto.Message
	done         chan struct{}
	shutdownOnce sync.Once
	closeErr     error
	msgID        int64

	pendingMu sync.Mutex
	pending   map[int64]chan *cdproto.Message

	// Reuse the easyjson structs to avoid allocs per Read/Write.
	decoder jlexer.Lexer
	encoder jwriter.Writer
}

// NewConnection dials wsURL and starts the read and write loops.
func NewConnection(ctx context.Context, wsURL string, logger *log.Logger) (*Connection, error) {
	wsd := websocket.Dialer{
		HandshakeTimeout: DefaultHandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}

	conn, resp, err := wsd.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %s)", wsURL, err, resp.Status)
		}
		return nil, fmt.Errorf("dialing %s: %w", wsURL, err)
	}

	c := Connection{
		wsURL:   wsURL,
		logger:  logger,
		conn:    conn,
		sendCh:  make(chan *cdproto.Message, wsSendBufferSize), // Avoid blocking in Execute
		done:    make(chan struct{}),
		pending: make(map[int64]chan *cdproto.Message),
	}

	go c.recvLoop()
	go c.sendLoop()

	return &c, nil
}

// closeConnection cleanly closes the WebSocket connection, recording cause
// as the reason later calls fail.
// Returns an error if sending the close control frame fails.
func (c *Connection) closeConnection(code int, cause error) error {
	var err error

	c.shutdownOnce.Do(func() {
		c.logger.Debugf("Connection:closeConnection", "wsURL:%q code:%d cause:%v", c.wsURL, code, cause)

		c.closeErr = cause
		err = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(closeWriteTimeout),
		)
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
		_ = c.conn.Close()

		// Stop both loops and release every caller waiting for a reply.
		close(c.done)
	})

	return err
}

func (c *Connection) handleIOError(err error) {
	code := websocket.CloseGoingAway
	var cerr *websocket.CloseError
	if errors.As(err, &cerr) {
		code = cerr.Code
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Debugf("Connection:handleIOError", "wsURL:%q unexpected closure: %v", c.wsURL, err)
	}
	_ = c.closeConnection(code, err)
}

func (c *Connection) recvLoop() {
	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			c.handleIOError(err)
			return
		}

		c.logger.Debugf("cdp:recv", "<- %s", buf)

		var msg cdproto.Message
		c.decoder = jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&c.decoder)
		if err := c.decoder.Error(); err != nil {
			c.logger.Errorf("cdp", "cannot decode message: %s", err)
			continue
		}

		switch {
		case msg.ID != 0:
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.pendingMu.Unlock()
			if ok {
				ch <- &msg
			}

		case msg.Method == cdproto.EventInspectorDetached, msg.Method == cdproto.EventInspectorTargetCrashed:
			c.logger.Debugf("Connection:recvLoop", "wsURL:%q method:%s", c.wsURL, msg.Method)
			_ = c.closeConnection(websocket.CloseGoingAway, ErrTargetCrashed)
			return

		case msg.Method != "":
			// Events are not consumed by this client.
			c.logger.Tracef("Connection:recvLoop", "wsURL:%q ignoring event %s", c.wsURL, msg.Method)

		default:
			c.logger.Errorf("cdp", "ignoring malformed incoming message (missing id or method): %s", buf)
		}
	}
}

func (c *Connection) sendLoop() {
	for {
		select {
		case msg := <-c.sendCh:
			c.encoder = jwriter.Writer{}
			msg.MarshalEasyJSON(&c.encoder)
			if err := c.encoder.Error; err != nil {
				c.fail(msg.ID, err)
				continue
			}

			buf, _ := c.encoder.BuildBytes()
			c.logger.Debugf("cdp:send", "-> %s", buf)
			writer, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.handleIOError(err)
				return
			}
			if _, err := writer.Write(buf); err != nil {
				c.handleIOError(err)
				return
			}
			if err := writer.Close(); err != nil {
				c.handleIOError(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// fail answers the pending call id with a local error.
func (c *Connection) fail(id int64, err error) {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()
	if ok {
		ch <- &cdproto.Message{ID: id, Error: &cdproto.Error{Message: err.Error()}}
	}
}

func (c *Connection) send(ctx context.Context, msg *cdproto.Message, res easyjson.Unmarshaler) error {
	ch := make(chan *cdproto.Message, 1)
	c.pendingMu.Lock()
	c.pending[msg.ID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msg.ID)
		c.pendingMu.Unlock()
	}()

	select {
	case c.sendCh <- msg:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closedErr()
	}

	// Block waiting for response.
	select {
	case reply := <-ch:
		switch {
		case reply.Error != nil:
			return reply.Error
		case res != nil:
			return easyjson.Unmarshal(reply.Result, res)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closedErr()
	}
}

func (c *Connection) closedErr() error {
	if c.closeErr != nil {
		return fmt.Errorf("%w: %w", ErrChannelClosed, c.closeErr)
	}
	return ErrChannelClosed
}

// Close sends a normal closure frame and tears the connection down.
// It is safe to call more than once.
func (c *Connection) Close() error {
	return c.closeConnection(websocket.CloseNormalClosure, nil)
}

// Done is closed once the connection is gone, whichever side closed it.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Execute implements cdp.Executor and performs a synchronous send and receive
func (c *Connection) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}

	id := atomic.AddInt64(&c.msgID, 1)

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return err
		}
	}
	msg := &cdproto.Message{
		ID:     id,
		Method: cdproto.MethodType(method),
		Params: buf,
	}
	return c.send(ctx, msg, res)
}
