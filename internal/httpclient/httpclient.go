// httpclient.go - Origin HTTP client.
// Copyright (C) 2024  the relayproxy authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package httpclient issues the single origin HTTP request, on top of
// the standard library's net/http, generalized from a hard-coded
// RoundTrip against req.Host into a destination-prefixed request builder
// with an explicit timeout and a synthetic-500-on-failure contract.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request is the reassembled request handed to the client.
type Request struct {
	Method  string
	URL     string // path beginning with "/"
	Headers map[string]string
	Body    []byte
}

// Response is what the client returns: status, headers collapsed to a
// single value each, and the full body.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
	// Failed marks a synthetic 500 produced by originFailure, so callers can
	// distinguish it from a genuine 500 the origin itself returned.
	Failed bool
}

// originFailure is the synthetic response returned on any transport
// error, timeout, or protocol error.
func originFailure() *Response {
	return &Response{Status: 500, Headers: map[string]string{}, Body: []byte("Request failed"), Failed: true}
}

// Client issues requests against a fixed destination prefix.
type Client struct {
	Destination string // e.g. "http://127.0.0.1:8080"
	Timeout     time.Duration
	transport   http.RoundTripper
}

// New validates destination's scheme (must be http:// or https://) and
// builds a Client.
func New(destination string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(destination)
	if err != nil {
		return nil, fmt.Errorf("httpclient: parse destination: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("httpclient: destination scheme must be http:// or https://, got %q", u.Scheme)
	}
	return &Client{Destination: strings.TrimSuffix(destination, "/"), Timeout: timeout, transport: http.DefaultTransport}, nil
}

// Do issues req against c.Destination+req.URL, bounded by c.Timeout. Any
// transport, timeout, or protocol error yields a synthetic 500 rather
// than an error return — the client never fails the pipeline, it only
// ever produces a response.
func (c *Client) Do(ctx context.Context, req *Request) *Response {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.Destination+req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return originFailure()
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.transport.RoundTrip(httpReq)
	if err != nil {
		return originFailure()
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return originFailure()
	}

	headers := make(map[string]string, len(resp.Header))
	for k, values := range resp.Header {
		if len(values) > 0 {
			headers[k] = values[0]
		}
	}

	return &Response{Status: resp.StatusCode, Headers: headers, Body: body}
}
