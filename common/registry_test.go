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
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/liuxd6825/devtools/log"
	"github.com/liuxd6825/devtools/testutils"
)

func TestNewRegistry(t *testing.T) {
	t.Parallel()

	t.Run("port_required", func(t *testing.T) {
		t.Parallel()

		_, err := NewRegistry(Endpoint{Host: "example.com"})
		require.ErrorIs(t, err, ErrInvalidArgument)
	})
	t.Run("default_host", func(t *testing.T) {
		t.Parallel()

		r, err := NewRegistry(Endpoint{Port: 9333})
		require.NoError(t, err)
		assert.Equal(t, Endpoint{Host: DefaultHost, Port: 9333}, r.Endpoint())
	})
	t.Run("invalid_options", func(t *testing.T) {
		t.Parallel()

		for name, opt := range map[string]RegistryOption{
			"nil_dialer":       WithDialer(nil),
			"nil_discoverer":   WithDiscoverer(nil),
			"unknown_domain":   WithDomains(DomainDOM, Domain("Audits")),
			"negative_timeout": WithProbeTimeout(-time.Second),
		} {
			_, err := NewRegistry(Endpoint{Port: DefaultPort}, opt)
			assert.ErrorIs(t, err, ErrInvalidArgument, name)
		}
	})
}

func TestRegistryUse(t *testing.T) {
	t.Parallel()

	t.Run("empty_id", func(t *testing.T) {
		t.Parallel()

		d := newFakeDialer()
		r := newTestRegistry(t, d)

		_, err := r.Use(context.Background(), "")
		require.ErrorIs(t, err, ErrInvalidArgument)
		_, err = r.Connect(context.Background(), "")
		require.ErrorIs(t, err, ErrInvalidArgument)
		assert.Empty(t, d.dials)
	})
	t.Run("initializes_domains_in_order", func(t *testing.T) {
		t.Parallel()

		d := newFakeDialer()
		r := newTestRegistry(t, d)

		s, err := r.Use(context.Background(), "T1")
		require.NoError(t, err)

		assert.Equal(t, target.ID("T1"), s.ID())
		assert.Equal(t, SessionReady, s.State())
		assert.Equal(t, DefaultDomains(), s.Domains())
		require.NotNil(t, s.Document())
		assert.EqualValues(t, 1, s.Document().NodeID)
		assert.Equal(t, []string{
			"DOM.enable", "CSS.enable", "Page.enable", "Network.enable", "DOM.getDocument",
		}, d.Client(t, "T1", 0).Calls())
	})
	t.Run("configured_domains", func(t *testing.T) {
		t.Parallel()

		d := newFakeDialer()
		r := newTestRegistry(t, d, WithDomains(DomainPage, DomainDOM))

		_, err := r.Use(context.Background(), "T1")
		require.NoError(t, err)
		assert.Equal(t, []string{
			"Page.enable", "DOM.enable", "DOM.getDocument",
		}, d.Client(t, "T1", 0).Calls())
	})
	t.Run("reuses_live_session", func(t *testing.T) {
		t.Parallel()

		d := newFakeDialer()
		r := newTestRegistry(t, d)

		s1, err := r.Use(context.Background(), "T1")
		require.NoError(t, err)
		s2, err := r.Connect(context.Background(), "T1")
		require.NoError(t, err)

		assert.Same(t, s1, s2)
		assert.Equal(t, 1, d.Dials("T1"))
		// one probe on the second call
		calls := d.Client(t, "T1", 0).Calls()
		assert.Equal(t, "DOM.getDocument", calls[len(calls)-1])
		assert.Len(t, calls, 6)
	})
	t.Run("concurrent_callers_share_one_session", func(t *testing.T) {
		t.Parallel()

		d := newFakeDialer()
		r := newTestRegistry(t, d)

		const callers = 16
		sessions := make([]*Session, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s, err := r.Use(context.Background(), "T1")
				assert.NoError(t, err)
				sessions[i] = s
			}(i)
		}
		wg.Wait()

		for _, s := range sessions {
			assert.Same(t, sessions[0], s)
		}
		assert.Equal(t, 1, d.Dials("T1"))
	})
	t.Run("probe_failure_reconnects", func(t *testing.T) {
		t.Parallel()

		d := newFakeDialer()
		r := newTestRegistry(t, d)

		s1, err := r.Use(context.Background(), "T1")
		require.NoError(t, err)
		old := d.Client(t, "T1", 0)
		old.fail("DOM.getDocument", errors.New("socket hang up"))

		s2, err := r.Use(context.Background(), "T1")
		require.NoError(t, err)

		assert.NotSame(t, s1, s2)
		assert.Equal(t, SessionClosed, s1.State())
		assert.Equal(t, SessionReady, s2.State())
		assert.Equal(t, 2, d.Dials("T1"))
		assert.Equal(t, 1, old.Closes())
		assert.Equal(t, 1, d.MaxOpen())

		_, err = s1.Query(context.Background(), "a")
		assert.ErrorIs(t, err, ErrSessionClosed)
	})
	t.Run("cancelled_probe_keeps_session", func(t *testing.T) {
		t.Parallel()

		d := newFakeDialer()
		r := newTestRegistry(t, d)

		s1, err := r.Use(context.Background(), "T1")
		require.NoError(t, err)
		d.Client(t, "T1", 0).block()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = r.Use(ctx, "T1")
		require.ErrorIs(t, err, context.DeadlineExceeded)

		ids, err := r.Sessions(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []target.ID{"T1"}, ids)
		assert.Equal(t, SessionReady, s1.State())
		assert.Equal(t, 0, d.Client(t, "T1", 0).Closes())
		assert.Equal(t, 1, d.Dials("T1"))
	})
	t.Run("probe_timeout_counts_as_failure", func(t *testing.T) {
		t.Parallel()

		d := newFakeDialer()
		r := newTestRegistry(t, d, WithProbeTimeout(10*time.Millisecond))

		s1, err := r.Use(context.Background(), "T1")
		require.NoError(t, err)
		d.Client(t, "T1", 0).block()

		s2, err := r.Use(context.Background(), "T1")
		require.NoError(t, err)
		assert.NotSame(t, s1, s2)
		assert.Equal(t, SessionClosed, s1.State())
		assert.Equal(t, 2, d.Dials("T1"))
	})
	t.Run("dial_failure", func(t *testing.T) {
		t.Parallel()

		errRefused := errors.New("connection refused")
		d := newFakeDialer()
		d.err = errRefused
		r := newTestRegistry(t, d)

		_, err := r.Use(context.Background(), "T1")
		var cerr *ConnectionError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, target.ID("T1"), cerr.TargetID)
		assert.Equal(t, "dial", cerr.Op)
		assert.ErrorIs(t, err, errRefused)

		ids, err := r.Sessions(context.Background())
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
	t.Run("enable_failure", func(t *testing.T) {
		t.Parallel()

		errNope := errors.New("CSS agent unavailable")
		d := newFakeDialer()
		d.setup = func(c *fakeClient) { c.fail("CSS.enable", errNope) }
		r := newTestRegistry(t, d)

		_, err := r.Use(context.Background(), "T1")
		var cerr *ConnectionError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "CSS.enable", cerr.Op)
		assert.ErrorIs(t, err, errNope)

		ids, err := r.Sessions(context.Background())
		require.NoError(t, err)
		assert.Empty(t, ids)
		assert.Equal(t, 1, d.Client(t, "T1", 0).Closes())
		assert.Equal(t, 0, d.Open("T1"))

		// nothing was cached, so the next call dials again
		d.setup = nil
		_, err = r.Use(context.Background(), "T1")
		require.NoError(t, err)
		assert.Equal(t, 2, d.Dials("T1"))
	})
	t.Run("document_failure", func(t *testing.T) {
		t.Parallel()

		d := newFakeDialer()
		d.setup = func(c *fakeClient) { c.fail("DOM.getDocument", errors.New("no document")) }
		r := newTestRegistry(t, d)

		_, err := r.Use(context.Background(), "T1")
		var cerr *ConnectionError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "DOM.getDocument", cerr.Op)
		assert.Equal(t, 1, d.Client(t, "T1", 0).Closes())
	})
	t.Run("cancelled_while_waiting_for_lock", func(t *testing.T) {
		t.Parallel()

		d := newFakeDialer()
		r := newTestRegistry(t, d)

		release, err := r.acquire(context.Background())
		require.NoError(t, err)
		defer release()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = r.Use(ctx, "T1")
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, d.Dials("T1"))
	})
	t.Run("cancelled_during_initialize", func(t *testing.T) {
		t.Parallel()

		d := newFakeDialer()
		d.setup = func(c *fakeClient) { c.blockDoc = true }
		r := newTestRegistry(t, d)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := r.Use(ctx, "T1")
		var cerr *ConnectionError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "DOM.getDocument", cerr.Op)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		ids, err := r.Sessions(context.Background())
		require.NoError(t, err)
		assert.Empty(t, ids)
		assert.Equal(t, 1, d.Client(t, "T1", 0).Closes())
	})
}

func TestRegistryClose(t *testing.T) {
	t.Parallel()

	t.Run("unknown_id_is_noop", func(t *testing.T) {
		t.Parallel()

		r := newTestRegistry(t, newFakeDialer())
		require.NoError(t, r.Close(context.Background(), "nope"))
	})
	t.Run("empty_id", func(t *testing.T) {
		t.Parallel()

		r := newTestRegistry(t, newFakeDialer())
		require.ErrorIs(t, r.Close(context.Background(), ""), ErrInvalidArgument)
	})
	t.Run("closes_and_forgets", func(t *testing.T) {
		t.Parallel()

		d := newFakeDialer()
		r := newTestRegistry(t, d)

		s, err := r.Use(context.Background(), "T1")
		require.NoError(t, err)
		require.NoError(t, r.Close(context.Background(), "T1"))
		require.NoError(t, r.Close(context.Background(), "T1"))

		assert.Equal(t, SessionClosed, s.State())
		assert.Equal(t, 1, d.Client(t, "T1", 0).Closes())
		ids, err := r.Sessions(context.Background())
		require.NoError(t, err)
		assert.Empty(t, ids)

		s2, err := r.Use(context.Background(), "T1")
		require.NoError(t, err)
		assert.NotSame(t, s, s2)
		assert.Equal(t, 2, d.Dials("T1"))
	})
	t.Run("returns_close_error", func(t *testing.T) {
		t.Parallel()

		errClose := errors.New("close failed")
		d := newFakeDialer()
		d.setup = func(c *fakeClient) { c.closeErr = errClose }
		r := newTestRegistry(t, d)

		_, err := r.Use(context.Background(), "T1")
		require.NoError(t, err)
		require.ErrorIs(t, r.Close(context.Background(), "T1"), errClose)

		ids, err := r.Sessions(context.Background())
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}

func TestRegistryDestroy(t *testing.T) {
	t.Parallel()

	errClose := errors.New("close failed")
	d := newFakeDialer()
	d.setup = func(c *fakeClient) {
		if c.id == "T2" {
			c.closeErr = errClose
		}
	}
	r := newTestRegistry(t, d)

	ids := []target.ID{"T1", "T2", "T3"}
	for _, id := range ids {
		_, err := r.Use(context.Background(), id)
		require.NoError(t, err)
	}

	err := r.Destroy(context.Background())
	require.ErrorIs(t, err, errClose)

	for _, id := range ids {
		assert.Equal(t, 1, d.Client(t, id, 0).Closes(), id)
		assert.Equal(t, 0, d.Open(id), id)
	}
	left, err := r.Sessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, left)

	// still usable
	require.NoError(t, r.Destroy(context.Background()))
	_, err = r.Use(context.Background(), "T1")
	require.NoError(t, err)
}

func TestRegistrySessions(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, newFakeDialer())
	for _, id := range []target.ID{"c", "a", "b"} {
		_, err := r.Use(context.Background(), id)
		require.NoError(t, err)
	}

	ids, err := r.Sessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []target.ID{"a", "b", "c"}, ids)
}

// Random interleavings of Use and Close over a few targets must never open
// a second connection to a target, and must leave only ready sessions behind.
func TestRegistryConcurrentUseClose(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	r := newTestRegistry(t, d)
	ids := []target.ID{"A", "B", "C"}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed)) //nolint:gosec
			for i := 0; i < 50; i++ {
				id := ids[rnd.Intn(len(ids))]
				if rnd.Intn(3) == 0 {
					assert.NoError(t, r.Close(context.Background(), id))
					continue
				}
				s, err := r.Use(context.Background(), id)
				if assert.NoError(t, err) {
					assert.Equal(t, id, s.ID())
				}
			}
		}(int64(w))
	}
	wg.Wait()

	assert.Equal(t, 1, d.MaxOpen())

	live, err := r.Sessions(context.Background())
	require.NoError(t, err)
	for _, id := range live {
		s, err := r.Use(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, SessionReady, s.State())
		assert.Equal(t, 1, d.Open(id))
	}

	require.NoError(t, r.Destroy(context.Background()))
	for _, id := range ids {
		assert.Equal(t, 0, d.Open(id), id)
	}
}

func TestRegistryMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	d := newFakeDialer()
	r := newTestRegistry(t, d, WithMetrics(m))
	ctx := context.Background()

	_, err = r.Use(ctx, "T1")
	require.NoError(t, err)
	_, err = r.Use(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Connects))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsActive))

	d.Client(t, "T1", 0).fail("DOM.getDocument", errors.New("gone"))
	_, err = r.Use(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProbeFailures))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Connects))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsActive))

	require.NoError(t, r.Close(ctx, "T2"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsClosed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))

	d.err = errors.New("refused")
	_, err = r.Use(ctx, "T3")
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectFailures))

	_, err = NewMetrics(reg)
	require.Error(t, err, "metrics can only be registered once")
}

func TestRegistryTracing(t *testing.T) {
	t.Parallel()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	d := newFakeDialer()
	r := newTestRegistry(t, d, WithTracerProvider(tp))

	_, err := r.Use(context.Background(), "T1")
	require.NoError(t, err)

	d.err = errors.New("refused")
	_, err = r.Use(context.Background(), "T2")
	require.Error(t, err)

	spans := sr.Ended()
	names := make([]string, 0, len(spans))
	for _, s := range spans {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"session.initialize", "registry.use", "session.initialize", "registry.use"}, names)
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
	assert.Equal(t, codes.Error, spans[3].Status().Code)
}

func TestRegistryLogging(t *testing.T) {
	t.Parallel()

	lg, hook := testutils.NewLoggerWithHook(nil, logrus.DebugLevel)

	d := newFakeDialer()
	r := newTestRegistry(t, d, WithLogger(log.New(lg, false, nil)))

	_, err := r.Use(context.Background(), "T1")
	require.NoError(t, err)
	_, err = r.Use(context.Background(), "T1")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"tid:T1 connected sessions:1",
		"tid:T1 reusing session",
	}, hook.DrainCategory("Registry:Use"))
}
