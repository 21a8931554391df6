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
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/liuxd6825/devtools/log"
)

// SessionState is the lifecycle state of a Session.
type SessionState int32

const (
	// SessionConnecting is the state from construction until the domains
	// are enabled and the document is cached.
	SessionConnecting SessionState = iota
	// SessionReady sessions accept convenience operations.
	SessionReady
	// SessionClosed is terminal.
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionReady:
		return "ready"
	case SessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// Session is the handle to one target's protocol connection, together with
// the document root cached while initializing. Sessions are created by a
// Registry and must not be used after the registry closed them.
type Session struct {
	id      target.ID
	domains []Domain
	logger  *log.Logger
	tracer  trace.Tracer

	mu       sync.RWMutex
	client   Client
	state    SessionState
	document *cdp.Node

	closeOnce sync.Once
	closeErr  error
}

func newSession(id target.ID, domains []Domain, logger *log.Logger, tracer trace.Tracer) *Session {
	return &Session{
		id:      id,
		domains: domains,
		logger:  logger,
		tracer:  tracer,
		state:   SessionConnecting,
	}
}

// initialize dials the target, enables the session domains and caches the
// document root. On failure the session is closed and must be discarded.
func (s *Session) initialize(ctx context.Context, dialer Dialer, endpoint Endpoint) (err error) {
	ctx, span := s.tracer.Start(ctx, "session.initialize",
		trace.WithAttributes(attribute.String("target.id", string(s.id))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	s.logger.Debugf("Session:initialize", "tid:%s addr:%s domains:%v", s.id, endpoint.Addr(), s.domains)

	client, err := dialer.Dial(ctx, endpoint, s.id)
	if err != nil {
		s.markClosed()
		return &ConnectionError{TargetID: s.id, Op: "dial", Err: err}
	}
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	fail := func(op string, err error) error {
		if cerr := s.close(); cerr != nil {
			s.logger.Debugf("Session:initialize", "tid:%s closing after %s failed: %v", s.id, op, cerr)
		}
		return &ConnectionError{TargetID: s.id, Op: op, Err: err}
	}

	for _, d := range s.domains {
		if err := enableDomain(ctx, client, d); err != nil {
			return fail(string(d)+".enable", err)
		}
	}

	doc, err := client.DOMGetDocument(ctx)
	if err != nil {
		return fail("DOM.getDocument", err)
	}
	if doc == nil {
		return fail("DOM.getDocument", fmt.Errorf("empty document root"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionConnecting {
		return &ConnectionError{TargetID: s.id, Op: "initialize", Err: ErrSessionClosed}
	}
	s.document = doc
	s.state = SessionReady

	return nil
}

// probe checks that the connection still answers with a document root,
// refreshing the cached one on success. It doesn't change the session state,
// deciding what a failure means is up to the registry.
func (s *Session) probe(ctx context.Context) error {
	s.mu.RLock()
	client, state := s.client, s.state
	s.mu.RUnlock()

	if state != SessionReady {
		return &probeFailure{targetID: s.id, err: fmt.Errorf("session is %s", state)}
	}

	doc, err := client.DOMGetDocument(ctx)
	if err == nil && doc == nil {
		err = fmt.Errorf("empty document root")
	}
	if err != nil {
		return &probeFailure{targetID: s.id, err: err}
	}

	s.mu.Lock()
	if s.state == SessionReady {
		s.document = doc
	}
	s.mu.Unlock()

	return nil
}

// markClosed makes the session unusable without touching its client.
func (s *Session) markClosed() {
	s.mu.Lock()
	s.state = SessionClosed
	s.mu.Unlock()
}

// close closes the session's own connection, once. Removing the session from
// its registry is the registry's business.
func (s *Session) close() error {
	s.markClosed()
	s.closeOnce.Do(func() {
		s.mu.RLock()
		client := s.client
		s.mu.RUnlock()
		if client == nil {
			return
		}
		s.logger.Debugf("Session:close", "tid:%s", s.id)
		s.closeErr = client.Close()
	})
	return s.closeErr
}

// ready returns the client and document of a ready session.
func (s *Session) ready() (Client, *cdp.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != SessionReady {
		return nil, nil, fmt.Errorf("target %q: %w", s.id, ErrSessionClosed)
	}
	return s.client, s.document, nil
}

// ID returns the id of the target the session is bound to.
func (s *Session) ID() target.ID {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Document returns the cached document root.
func (s *Session) Document() *cdp.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.document
}

// Domains returns the domains enabled during initialization.
func (s *Session) Domains() []Domain {
	return append([]Domain(nil), s.domains...)
}

// Client gives raw protocol access for what the convenience layer doesn't cover.
func (s *Session) Client() Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// Query returns the ids of the nodes matching selector in the cached
// document. The result is empty, never nil, when nothing matches.
func (s *Session) Query(ctx context.Context, selector string) ([]cdp.NodeID, error) {
	client, doc, err := s.ready()
	if err != nil {
		return nil, err
	}

	s.logger.Debugf("Session:Query", "tid:%s selector:%q", s.id, selector)

	ids, err := client.DOMQuerySelectorAll(ctx, doc.NodeID, selector)
	if err != nil {
		return nil, fmt.Errorf("querying %q: %w", selector, err)
	}
	if ids == nil {
		ids = []cdp.NodeID{}
	}
	return ids, nil
}

// Frames returns the main frame followed by its direct child frames, in
// document order. Deeper frames are not included.
func (s *Session) Frames(ctx context.Context) ([]*cdp.Frame, error) {
	client, _, err := s.ready()
	if err != nil {
		return nil, err
	}

	tree, err := client.PageGetFrameTree(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting frame tree: %w", err)
	}
	if tree == nil || tree.Frame == nil {
		return []*cdp.Frame{}, nil
	}

	frames := make([]*cdp.Frame, 0, 1+len(tree.ChildFrames))
	frames = append(frames, tree.Frame)
	for _, child := range tree.ChildFrames {
		if child == nil || child.Frame == nil {
			continue
		}
		frames = append(frames, child.Frame)
	}
	return frames, nil
}

// EvaluateOptions mirror the Runtime.evaluate parameters.
type EvaluateOptions struct {
	Expression            string
	ObjectGroup           string
	IncludeCommandLineAPI bool
	Silent                bool
	ContextID             runtime.ExecutionContextID
	ReturnByValue         bool
	GeneratePreview       bool
	UserGesture           bool
	AwaitPromise          bool
}

func (o EvaluateOptions) params() *runtime.EvaluateParams {
	p := runtime.Evaluate(o.Expression).
		WithIncludeCommandLineAPI(o.IncludeCommandLineAPI).
		WithSilent(o.Silent).
		WithReturnByValue(o.ReturnByValue).
		WithGeneratePreview(o.GeneratePreview).
		WithUserGesture(o.UserGesture).
		WithAwaitPromise(o.AwaitPromise)
	if o.ObjectGroup != "" {
		p = p.WithObjectGroup(o.ObjectGroup)
	}
	if o.ContextID != 0 {
		p = p.WithContextID(o.ContextID)
	}
	return p
}

// EvaluationResult is what Runtime.evaluate returned. A thrown exception is
// reported in ExceptionDetails, not as an error.
type EvaluationResult struct {
	Result           *runtime.RemoteObject
	ExceptionDetails *runtime.ExceptionDetails
}

// Evaluate runs an expression in the target. Either expression or
// opts.Expression must be set; when both are, expression wins.
func (s *Session) Evaluate(ctx context.Context, expression string, opts *EvaluateOptions) (*EvaluationResult, error) {
	var o EvaluateOptions
	if opts != nil {
		o = *opts
	}
	if expression != "" {
		o.Expression = expression
	}
	if o.Expression == "" {
		return nil, invalidArgument("expression is required")
	}

	client, _, err := s.ready()
	if err != nil {
		return nil, err
	}

	s.logger.Debugf("Session:Evaluate", "tid:%s expression:%q", s.id, o.Expression)

	res, exc, err := client.RuntimeEvaluate(ctx, o.params())
	if err != nil {
		return nil, fmt.Errorf("evaluating expression: %w", err)
	}
	return &EvaluationResult{Result: res, ExceptionDetails: exc}, nil
}

// GetAttributes returns the node's attributes as the flat, alternating
// name/value list the protocol uses.
func (s *Session) GetAttributes(ctx context.Context, nodeID cdp.NodeID) ([]string, error) {
	client, _, err := s.ready()
	if err != nil {
		return nil, err
	}

	attrs, err := client.DOMGetAttributes(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("getting attributes of node %d: %w", nodeID, err)
	}
	if attrs == nil {
		attrs = []string{}
	}
	return attrs, nil
}

// GetAttribute returns the value of the first attribute named key.
// ok is false when the node has no such attribute.
func (s *Session) GetAttribute(ctx context.Context, nodeID cdp.NodeID, key string) (value string, ok bool, err error) {
	attrs, err := s.GetAttributes(ctx, nodeID)
	if err != nil {
		return "", false, err
	}
	value, ok = lookupAttribute(attrs, key)
	return value, ok, nil
}

func lookupAttribute(attrs []string, key string) (string, bool) {
	for i := 0; i+1 < len(attrs); i += 2 {
		if attrs[i] == key {
			return attrs[i+1], true
		}
	}
	return "", false
}
