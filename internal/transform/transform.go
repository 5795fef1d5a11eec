// transform.go - Response transformer contract.
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

// Package transform implements the optional response manipulator plugin
// contract: a function that may replace the (status, headers, body)
// triple of an origin response, sandboxed only by a shape check on its
// return value.
package transform

import (
	"context"
	"fmt"

	"github.com/nostrbridge/relayproxy/internal/httpclient"
)

// RequestInfo and ResponseInfo are the (requestInfo, responseInfo) pair
// passed to the transformer.
type RequestInfo struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

type ResponseInfo struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Transformer is the compile-time trait implemented by any response
// manipulator plugin.
type Transformer interface {
	// Transform returns the replacement response, or nil to mean "use
	// original". secretKeyHex/destination/nprofile are threaded through so
	// a transformer can, for example, re-sign or re-address its output.
	Transform(ctx context.Context, req RequestInfo, resp ResponseInfo, secretKeyHex, destination, nprofile string) (*ResponseInfo, error)
}

// Func adapts a plain function to Transformer, the default, dependency-free
// implementation.
type Func func(ctx context.Context, req RequestInfo, resp ResponseInfo, secretKeyHex, destination, nprofile string) (*ResponseInfo, error)

func (f Func) Transform(ctx context.Context, req RequestInfo, resp ResponseInfo, secretKeyHex, destination, nprofile string) (*ResponseInfo, error) {
	return f(ctx, req, resp, secretKeyHex, destination, nprofile)
}

// ErrFault reports a transformer that violated its contract: it returned a
// non-nil value that failed the exact-shape check below.
var ErrFault = fmt.Errorf("transform: transformer fault")

// Apply runs t (if non-nil) against origin, validates its output shape, and
// returns the response to actually publish. A fault falls back to the
// original response, with err describing the fault for logging (the
// caller decides whether to log; Apply never panics or drops the
// response).
func Apply(ctx context.Context, t Transformer, req RequestInfo, origin *httpclient.Response, secretKeyHex, destination, nprofile string) (*httpclient.Response, error) {
	if t == nil {
		return origin, nil
	}

	respInfo := ResponseInfo{Status: origin.Status, Headers: origin.Headers, Body: origin.Body}
	out, err := t.Transform(ctx, req, respInfo, secretKeyHex, destination, nprofile)
	if err != nil {
		return origin, fmt.Errorf("%w: %v", ErrFault, err)
	}
	if out == nil {
		return origin, nil
	}
	if out.Headers == nil {
		return origin, fmt.Errorf("%w: missing headers map", ErrFault)
	}
	if out.Status <= 0 {
		return origin, fmt.Errorf("%w: invalid status", ErrFault)
	}

	return &httpclient.Response{Status: out.Status, Headers: out.Headers, Body: out.Body}, nil
}
