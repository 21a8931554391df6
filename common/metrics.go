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
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts registry activity. A nil *Metrics records nothing.
type Metrics struct {
	Connects        prometheus.Counter
	ConnectFailures prometheus.Counter
	ProbeFailures   prometheus.Counter
	SessionsClosed  prometheus.Counter
	SessionsActive  prometheus.Gauge
}

// NewMetrics creates the registry metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devtools",
			Name:      "connects_total",
			Help:      "Protocol connections opened and initialized.",
		}),
		ConnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devtools",
			Name:      "connect_failures_total",
			Help:      "Sessions that failed to connect or initialize.",
		}),
		ProbeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devtools",
			Name:      "probe_failures_total",
			Help:      "Cached sessions discarded by the liveness probe.",
		}),
		SessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devtools",
			Name:      "sessions_closed_total",
			Help:      "Sessions closed for any reason.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devtools",
			Name:      "sessions_active",
			Help:      "Sessions currently held by the registry.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.Connects, m.ConnectFailures, m.ProbeFailures, m.SessionsClosed, m.SessionsActive,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) connected() {
	if m == nil {
		return
	}
	m.Connects.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) connectFailed() {
	if m == nil {
		return
	}
	m.ConnectFailures.Inc()
}

func (m *Metrics) probeFailed() {
	if m == nil {
		return
	}
	m.ProbeFailures.Inc()
}

func (m *Metrics) closed() {
	if m == nil {
		return
	}
	m.SessionsClosed.Inc()
	m.SessionsActive.Dec()
}
