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
	"io"
	"net/http"

	"github.com/chromedp/cdproto/target"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/devtools/log"
)

// maxDiscoveryBody caps how much of a discovery response is read.
const maxDiscoveryBody = 8 << 20

// Discoverer lists the targets available on an endpoint.
type Discoverer interface {
	Targets(ctx context.Context, endpoint Endpoint) ([]TargetDescriptor, error)
}

// HTTPDiscoverer queries the browser's /json/list endpoint.
type HTTPDiscoverer struct {
	Client *http.Client
	Logger *log.Logger
}

// NewHTTPDiscoverer returns a discoverer with a client bounded by
// DefaultDiscoveryTimeout.
func NewHTTPDiscoverer(logger *log.Logger) *HTTPDiscoverer {
	return &HTTPDiscoverer{
		Client: &http.Client{Timeout: DefaultDiscoveryTimeout},
		Logger: logger,
	}
}

// Targets implements Discoverer. Every failure is a *DiscoveryError.
func (d *HTTPDiscoverer) Targets(ctx context.Context, endpoint Endpoint) ([]TargetDescriptor, error) {
	u := endpoint.DiscoveryURL()
	d.Logger.Debugf("Discovery:list", "url:%q", u)

	body, err := d.fetch(ctx, u)
	if err != nil {
		return nil, &DiscoveryError{URL: u, Err: err}
	}
	targets, err := parseTargets(body)
	if err != nil {
		return nil, &DiscoveryError{URL: u, Err: err}
	}

	d.Logger.Debugf("Discovery:list", "url:%q targets:%d", u, len(targets))

	return targets, nil
}

func (d *HTTPDiscoverer) fetch(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxDiscoveryBody))
}

func parseTargets(body []byte) ([]TargetDescriptor, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("malformed response: not valid JSON")
	}
	res := gjson.ParseBytes(body)
	if !res.IsArray() {
		return nil, fmt.Errorf("malformed response: expected an array, got %s", res.Type)
	}

	var (
		targets = make([]TargetDescriptor, 0, len(res.Array()))
		perr    error
	)
	res.ForEach(func(_, v gjson.Result) bool {
		id := v.Get("id").String()
		if !v.IsObject() || id == "" {
			perr = fmt.Errorf("malformed response: target %d has no id", len(targets))
			return false
		}
		targets = append(targets, TargetDescriptor{
			ID:                   target.ID(id),
			Type:                 v.Get("type").String(),
			Title:                v.Get("title").String(),
			URL:                  v.Get("url").String(),
			Description:          v.Get("description").String(),
			ParentID:             target.ID(v.Get("parentId").String()),
			FaviconURL:           v.Get("faviconUrl").String(),
			DevtoolsFrontendURL:  v.Get("devtoolsFrontendUrl").String(),
			WebSocketDebuggerURL: v.Get("webSocketDebuggerUrl").String(),
		})
		return true
	})
	if perr != nil {
		return nil, perr
	}

	return targets, nil
}
