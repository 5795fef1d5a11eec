// reassembly.go - Multi-part request reassembly buffer.
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

// Package reassembly implements the pending-request buffer: requests
// arrive as an unordered set of parts keyed by request id, and are
// concatenated into a single body once every declared part has arrived.
//
// The map-of-parts-by-index representation is adapted from a one-shot
// batch reassembler over a fixed slice of blocks into an incremental
// buffer that tolerates parts arriving in any order across separate
// relay deliveries, with per-request expiry.
package reassembly

import (
	"encoding/base64"
	"sort"
	"sync"
	"time"

	"github.com/nostrbridge/relayproxy/internal/wire"
)

// Expiry is the lifetime of a pending entry from its first observed part.
const Expiry = 60 * time.Second

// CompleteRequest is the reassembled request yielded once all parts of an
// id have arrived.
type CompleteRequest struct {
	ID      string
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
}

type pending struct {
	parts   map[int]*wire.RequestMessage
	timer   *time.Timer
	declared int
}

// Buffer is a concurrency-safe reassembly buffer.
type Buffer struct {
	mu       sync.Mutex
	pending  map[string]*pending
	onExpire func(id string)
}

// New creates an empty Buffer. onExpire, if non-nil, is invoked (outside
// the buffer's lock) whenever an entry silently expires.
func New(onExpire func(id string)) *Buffer {
	return &Buffer{
		pending:  make(map[string]*pending),
		onExpire: onExpire,
	}
}

// Offer inserts part into its pending entry (creating one if this is the
// first part seen for its id) and returns the reassembled request once the
// declared part count has been reached.
//
// "parts" as declared by the first-arriving part for an id is authoritative
// for completion; a later part claiming a different total is still
// accepted into the map.
func (b *Buffer) Offer(part *wire.RequestMessage) (*CompleteRequest, bool) {
	b.mu.Lock()

	p, ok := b.pending[part.ID]
	if !ok {
		p = &pending{
			parts:    make(map[int]*wire.RequestMessage),
			declared: part.Parts,
		}
		id := part.ID
		p.timer = time.AfterFunc(Expiry, func() {
			b.expire(id)
		})
		b.pending[part.ID] = p
	}
	p.parts[part.PartIndex] = part

	if len(p.parts) < p.declared {
		b.mu.Unlock()
		return nil, false
	}

	delete(b.pending, part.ID)
	p.timer.Stop()
	b.mu.Unlock()

	return assemble(part.ID, p.parts)
}

func (b *Buffer) expire(id string) {
	b.mu.Lock()
	_, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if ok && b.onExpire != nil {
		b.onExpire(id)
	}
}

// assemble concatenates parts in ascending partIndex order, taking
// url/method/headers from index 0. Completion without an index-0 part is
// rejected.
func assemble(id string, parts map[int]*wire.RequestMessage) (*CompleteRequest, bool) {
	zero, ok := parts[0]
	if !ok || !zero.HasMetadata() {
		return nil, false
	}

	indices := make([]int, 0, len(parts))
	for idx := range parts {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var body []byte
	for _, idx := range indices {
		chunk, err := base64.StdEncoding.DecodeString(parts[idx].BodyBase64)
		if err != nil {
			return nil, false
		}
		body = append(body, chunk...)
	}

	return &CompleteRequest{
		ID:      id,
		URL:     zero.URL,
		Method:  zero.Method,
		Headers: zero.Headers,
		Body:    body,
	}, true
}

// Len reports the number of requests currently pending, for tests and
// metrics.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
