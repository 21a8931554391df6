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
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/chromedp/cdproto/target"
)

// Endpoint holds the connection parameters of the browser's remote
// debugging server. It is immutable once handed to a Registry.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) host() string {
	if e.Host == "" {
		return DefaultHost
	}
	return e.Host
}

// Addr returns the host:port pair of the endpoint.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.host(), strconv.Itoa(e.Port))
}

// DiscoveryURL returns the HTTP address listing the available targets.
func (e Endpoint) DiscoveryURL() string {
	return (&url.URL{Scheme: "http", Host: e.Addr(), Path: discoveryPath}).String()
}

// TargetURL returns the WebSocket address of the protocol connection
// bound to the target with the given id.
func (e Endpoint) TargetURL(id target.ID) string {
	u := url.URL{
		Scheme:  "ws",
		Host:    e.Addr(),
		Path:    targetPathBase + string(id),
		RawPath: targetPathBase + url.PathEscape(string(id)),
	}
	return u.String()
}

// TargetDescriptor describes a debuggable target as reported by discovery.
type TargetDescriptor struct {
	ID                   target.ID `json:"id"`
	Type                 string    `json:"type"`
	Title                string    `json:"title"`
	URL                  string    `json:"url"`
	Description          string    `json:"description,omitempty"`
	ParentID             target.ID `json:"parentId,omitempty"`
	FaviconURL           string    `json:"faviconUrl,omitempty"`
	DevtoolsFrontendURL  string    `json:"devtoolsFrontendUrl,omitempty"`
	WebSocketDebuggerURL string    `json:"webSocketDebuggerUrl,omitempty"`
}

// Scheme returns the scheme of the target's URL, lowercased and without the
// trailing colon. URLs Go can't parse still yield the scheme they start with.
// It is empty when there is none.
func (t TargetDescriptor) Scheme() string {
	u, err := url.Parse(t.URL)
	if err != nil {
		return schemePrefix(t.URL)
	}
	return strings.ToLower(u.Scheme)
}

// schemePrefix returns the RFC 3986 scheme rawURL starts with, if any.
func schemePrefix(rawURL string) string {
	scheme, _, ok := strings.Cut(rawURL, ":")
	if !ok || scheme == "" {
		return ""
	}
	for i, c := range scheme {
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case i > 0 && ('0' <= c && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return ""
		}
	}
	return strings.ToLower(scheme)
}

// ListOptions control which discovered targets List returns.
type ListOptions struct {
	// IgnoreProtocols lists URL schemes, such as "chrome-extension",
	// whose targets are left out.
	IgnoreProtocols []string
}

func (o ListOptions) filter(targets []TargetDescriptor) []TargetDescriptor {
	if len(o.IgnoreProtocols) == 0 {
		return targets
	}
	ignored := make(map[string]struct{}, len(o.IgnoreProtocols))
	for _, p := range o.IgnoreProtocols {
		ignored[strings.ToLower(strings.TrimSuffix(p, ":"))] = struct{}{}
	}

	filtered := make([]TargetDescriptor, 0, len(targets))
	for _, t := range targets {
		if _, ok := ignored[t.Scheme()]; ok {
			continue
		}
		filtered = append(filtered, t)
	}
	return filtered
}
