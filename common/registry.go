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
	"sort"
	"time"

	"github.com/chromedp/cdproto/target"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"

	"github.com/liuxd6825/devtools/log"
)

/*
	Registry hands out at most one Session per target.

	Every Use, Close and Destroy call runs under a single lock, held for the
	whole decide-and-construct sequence of Use: probing a cached session,
	discarding it if the probe fails, and dialing and initializing a new one.
	Two callers asking for the same target therefore never both connect, and
	a caller never gets a session that failed its probe.

	The lock is registry wide, so connecting to one target delays Use calls
	for every other target until it is done.
*/
type Registry struct {
	endpoint     Endpoint
	dialer       Dialer
	discoverer   Discoverer
	domains      []Domain
	probeTimeout time.Duration
	logger       *log.Logger
	tracer       trace.Tracer
	metrics      *Metrics

	lock     *semaphore.Weighted
	sessions map[target.ID]*Session
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry) error

// WithLogger sets the logger used by the registry and its sessions.
func WithLogger(logger *log.Logger) RegistryOption {
	return func(r *Registry) error {
		r.logger = logger
		return nil
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) RegistryOption {
	return func(r *Registry) error {
		if d == nil {
			return invalidArgument("nil dialer")
		}
		r.dialer = d
		return nil
	}
}

// WithDiscoverer replaces the HTTP discoverer.
func WithDiscoverer(d Discoverer) RegistryOption {
	return func(r *Registry) error {
		if d == nil {
			return invalidArgument("nil discoverer")
		}
		r.discoverer = d
		return nil
	}
}

// WithDomains sets the domains every new session enables, in order.
func WithDomains(domains ...Domain) RegistryOption {
	return func(r *Registry) error {
		for _, d := range domains {
			if _, err := ParseDomain(string(d)); err != nil {
				return err
			}
		}
		r.domains = append([]Domain(nil), domains...)
		return nil
	}
}

// WithProbeTimeout bounds the liveness probe. A probe that runs out of time
// counts as failed. There is no bound by default.
func WithProbeTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) error {
		if d < 0 {
			return invalidArgument("negative probe timeout %s", d)
		}
		r.probeTimeout = d
		return nil
	}
}

// WithTracerProvider enables tracing of Use and session initialization.
func WithTracerProvider(tp trace.TracerProvider) RegistryOption {
	return func(r *Registry) error {
		r.tracer = tp.Tracer(tracerName)
		return nil
	}
}

// WithMetrics records registry activity in m.
func WithMetrics(m *Metrics) RegistryOption {
	return func(r *Registry) error {
		r.metrics = m
		return nil
	}
}

// NewRegistry returns a registry for the browser listening on endpoint.
// The endpoint port is required.
func NewRegistry(endpoint Endpoint, opts ...RegistryOption) (*Registry, error) {
	if endpoint.Port == 0 {
		return nil, invalidArgument("port is required")
	}
	if endpoint.Host == "" {
		endpoint.Host = DefaultHost
	}

	r := &Registry{
		endpoint: endpoint,
		domains:  DefaultDomains(),
		lock:     semaphore.NewWeighted(1),
		sessions: make(map[target.ID]*Session),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.logger == nil {
		r.logger = log.NewNullLogger()
	}
	if r.tracer == nil {
		r.tracer = noop.NewTracerProvider().Tracer(tracerName)
	}
	if r.dialer == nil {
		r.dialer = &WSDialer{Logger: r.logger}
	}
	if r.discoverer == nil {
		r.discoverer = NewHTTPDiscoverer(r.logger)
	}

	return r, nil
}

// Endpoint returns the connection parameters the registry was built with.
func (r *Registry) Endpoint() Endpoint {
	return r.endpoint
}

// acquire takes the registry lock. The returned func releases it.
func (r *Registry) acquire(ctx context.Context) (func(), error) {
	if err := r.lock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { r.lock.Release(1) }, nil
}

// List returns the targets available on the endpoint, leaving out those
// whose URL scheme is in opts.IgnoreProtocols. It doesn't take the lock.
func (r *Registry) List(ctx context.Context, opts ListOptions) ([]TargetDescriptor, error) {
	targets, err := r.discoverer.Targets(ctx, r.endpoint)
	if err != nil {
		var derr *DiscoveryError
		if !errors.As(err, &derr) {
			err = &DiscoveryError{URL: r.endpoint.DiscoveryURL(), Err: err}
		}
		return nil, err
	}
	return opts.filter(targets), nil
}

// Use returns the session of the target with the given id, connecting to it
// if there is none yet or if the cached one no longer answers.
//
// Initialization failures are returned as *ConnectionError and leave
// nothing behind in the registry. If ctx is done while waiting for the lock,
// ctx.Err() is returned.
func (r *Registry) Use(ctx context.Context, id target.ID) (_ *Session, err error) {
	if id == "" {
		return nil, invalidArgument("target id is required")
	}

	ctx, span := r.tracer.Start(ctx, "registry.use",
		trace.WithAttributes(attribute.String("target.id", string(id))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	release, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := r.keepAlive(ctx, id); err != nil {
		return nil, err
	}

	if s, ok := r.sessions[id]; ok {
		r.logger.Debugf("Registry:Use", "tid:%s reusing session", id)
		span.SetAttributes(attribute.Bool("session.reused", true))
		return s, nil
	}

	s := newSession(id, r.domains, r.logger, r.tracer)
	if err := s.initialize(ctx, r.dialer, r.endpoint); err != nil {
		r.logger.Debugf("Registry:Use", "tid:%s initialize failed: %v", id, err)
		r.metrics.connectFailed()
		return nil, err
	}
	r.sessions[id] = s
	r.metrics.connected()

	r.logger.Debugf("Registry:Use", "tid:%s connected sessions:%d", id, len(r.sessions))
	span.SetAttributes(attribute.Bool("session.reused", false))

	return s, nil
}

// Connect is an alias of Use.
func (r *Registry) Connect(ctx context.Context, id target.ID) (*Session, error) {
	return r.Use(ctx, id)
}

// keepAlive probes the cached session of id, if any, and forgets it when
// the probe fails. Must be called with the lock held.
//
// A probe cut short because ctx is done says nothing about the session, so
// it is kept and ctx.Err() is returned instead.
func (r *Registry) keepAlive(ctx context.Context, id target.ID) error {
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}

	pctx := ctx
	if r.probeTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, r.probeTimeout)
		defer cancel()
	}

	err := s.probe(pctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// ready -> closed
	s.markClosed()
	r.logger.Debugf("Registry:keepAlive", "tid:%s discarding session: %v", id, err)
	r.metrics.probeFailed()
	r.forget(s)

	return nil
}

// forget closes s and removes it from the map. Close errors are only
// logged. Must be called with the lock held.
func (r *Registry) forget(s *Session) {
	delete(r.sessions, s.id)
	r.metrics.closed()
	if err := s.close(); err != nil {
		r.logger.Debugf("Registry:forget", "tid:%s close: %v", s.id, err)
	}
}

// Close closes the session of id and removes it from the registry.
// It does nothing if there is no such session.
func (r *Registry) Close(ctx context.Context, id target.ID) error {
	if id == "" {
		return invalidArgument("target id is required")
	}

	release, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	r.metrics.closed()

	r.logger.Debugf("Registry:Close", "tid:%s", id)

	return s.close()
}

// Destroy closes every session. A session failing to close doesn't stop
// the others from being closed; all failures are logged and returned
// joined. The registry is empty afterwards and can still be used.
func (r *Registry) Destroy(ctx context.Context) error {
	release, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	var errs []error
	for id, s := range r.sessions {
		delete(r.sessions, id)
		r.metrics.closed()
		if err := s.close(); err != nil {
			r.logger.Warnf("Registry:Destroy", "tid:%s close: %v", id, err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Sessions returns the ids of the registered sessions, sorted.
func (r *Registry) Sessions(ctx context.Context) ([]target.ID, error) {
	release, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ids := make([]target.ID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids, nil
}
