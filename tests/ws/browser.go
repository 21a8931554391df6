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
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// Target is a target the fake browser exposes.
type Target struct {
	ID    string
	Type  string
	Title string
	URL   string
}

// Canned protocol replies of the fake browser.
const (
	DocumentNodeID = 1

	documentResult = `{"root":{"nodeId":1,"backendNodeId":1,"nodeType":9,"nodeName":"#document","localName":"","nodeValue":"","childNodeCount":1}}`

	frameTreeResult = `{"frameTree":{
		"frame":{"id":"F0","loaderId":"L0","url":"http://example.com/","securityOrigin":"http://example.com","mimeType":"text/html"},
		"childFrames":[
			{"frame":{"id":"F1","parentId":"F0","loaderId":"L1","url":"http://example.com/a","securityOrigin":"http://example.com","mimeType":"text/html"},
			 "childFrames":[{"frame":{"id":"F3","parentId":"F1","loaderId":"L3","url":"http://example.com/deep","securityOrigin":"http://example.com","mimeType":"text/html"}}]},
			{"frame":{"id":"F2","parentId":"F0","loaderId":"L2","url":"http://example.com/b","securityOrigin":"http://example.com","mimeType":"text/html"}}
		]}}`
)

/*
	Browser is a fake remote debugging server. It serves /json/list and a
	CDP WebSocket endpoint per target at /devtools/page/<id>, answering the
	commands the session layer uses with canned replies:

	- DOM.querySelectorAll("a") matches nodes 2 and 3, nothing else matches.
	- DOM.getAttributes returns Attributes[nodeId].
	- Runtime.evaluate returns the expression as a string value.
*/
type Browser struct {
	// Attributes are the attribute lists DOM.getAttributes returns.
	Attributes map[int64][]string

	mu       sync.Mutex
	targets  []Target
	connects map[string]int
	commands map[string]*CommandLog
	conns    map[string][]*websocket.Conn
	failing  map[string]map[cdproto.MethodType]bool
}

// NewBrowser returns a fake browser exposing targets.
func NewBrowser(targets ...Target) *Browser {
	return &Browser{
		Attributes: map[int64][]string{
			2: {"href", "http://example.com/", "class", "link"},
			3: {"class", "href", "id", "x"},
		},
		targets:  targets,
		connects: make(map[string]int),
		commands: make(map[string]*CommandLog),
		conns:    make(map[string][]*websocket.Conn),
		failing:  make(map[string]map[cdproto.MethodType]bool),
	}
}

// WithBrowser serves b from the Server.
func WithBrowser(b *Browser) func(*Server) {
	return func(s *Server) {
		s.Mux.HandleFunc("/json/list", b.handleList)
		s.Mux.HandleFunc("/devtools/page/", b.handleTarget)
	}
}

// Connects returns how many protocol connections target id received.
func (b *Browser) Connects(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects[id]
}

// Commands returns the methods target id received, over all connections.
func (b *Browser) Commands(id string) []cdproto.MethodType {
	b.mu.Lock()
	log, ok := b.commands[id]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return log.Methods()
}

// Fail makes target id answer method with a protocol error.
func (b *Browser) Fail(id string, method cdproto.MethodType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing[id] == nil {
		b.failing[id] = make(map[cdproto.MethodType]bool)
	}
	b.failing[id][method] = true
}

// Disconnect drops every open connection of target id without a closing
// handshake, like a crashed tab would.
func (b *Browser) Disconnect(id string) {
	b.mu.Lock()
	conns := b.conns[id]
	delete(b.conns, id)
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (b *Browser) handleList(w http.ResponseWriter, req *http.Request) {
	b.mu.Lock()
	targets := append([]Target(nil), b.targets...)
	b.mu.Unlock()

	list := make([]map[string]string, 0, len(targets))
	for _, t := range targets {
		typ := t.Type
		if typ == "" {
			typ = "page"
		}
		list = append(list, map[string]string{
			"id":                   t.ID,
			"type":                 typ,
			"title":                t.Title,
			"url":                  t.URL,
			"webSocketDebuggerUrl": "ws://" + req.Host + "/devtools/page/" + t.ID,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

func (b *Browser) handleTarget(w http.ResponseWriter, req *http.Request) {
	id := strings.TrimPrefix(req.URL.Path, "/devtools/page/")
	if !b.hasTarget(id) {
		http.NotFound(w, req)
		return
	}

	conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
	if err != nil {
		return
	}

	b.mu.Lock()
	b.connects[id]++
	b.conns[id] = append(b.conns[id], conn)
	log, ok := b.commands[id]
	if !ok {
		log = &CommandLog{}
		b.commands[id] = log
	}
	b.mu.Unlock()

	serveCDP(conn, func(msg *cdproto.Message, reply func(cdproto.Message)) {
		reply(b.answer(id, msg))
	}, log)
}

func (b *Browser) hasTarget(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.targets {
		if t.ID == id {
			return true
		}
	}
	return false
}

func (b *Browser) answer(id string, msg *cdproto.Message) cdproto.Message {
	b.mu.Lock()
	failing := b.failing[id][msg.Method]
	b.mu.Unlock()

	res := cdproto.Message{ID: msg.ID}
	if failing {
		res.Error = &cdproto.Error{Code: -32000, Message: "fake failure of " + string(msg.Method)}
		return res
	}

	switch msg.Method {
	case cdproto.CommandDOMEnable, cdproto.CommandCSSEnable, cdproto.CommandPageEnable, cdproto.CommandNetworkEnable:
		res.Result = []byte(`{}`)
	case cdproto.CommandDOMGetDocument:
		res.Result = []byte(documentResult)
	case cdproto.CommandDOMQuerySelectorAll:
		ids := "[]"
		if gjson.GetBytes(msg.Params, "selector").String() == "a" {
			ids = "[2,3]"
		}
		res.Result = []byte(`{"nodeIds":` + ids + `}`)
	case cdproto.CommandDOMGetAttributes:
		b.mu.Lock()
		attrs := b.Attributes[gjson.GetBytes(msg.Params, "nodeId").Int()]
		b.mu.Unlock()
		if attrs == nil {
			attrs = []string{}
		}
		buf, _ := json.Marshal(map[string][]string{"attributes": attrs})
		res.Result = buf
	case cdproto.CommandPageGetFrameTree:
		res.Result = []byte(frameTreeResult)
	case cdproto.CommandRuntimeEvaluate:
		expr := gjson.GetBytes(msg.Params, "expression").String()
		res.Result = []byte(`{"result":{"type":"string","value":` + strconv.Quote(expr) + `}}`)
	default:
		res.Error = &cdproto.Error{Code: -32601, Message: "'" + string(msg.Method) + "' wasn't found"}
	}
	return res
}
