// wsrelay.go - WebSocket relay pool.
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

// Package wsrelay implements relay.Pool over plain NIP-01 WebSocket
// connections: REQ/EVENT/EOSE for subscriptions, EVENT/OK for publishes.
// This is a concrete low-level relay pool implementation, injected at
// startup: the core pipeline never imports this package directly, only
// the relay.Pool interface it satisfies.
package wsrelay

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nostrbridge/relayproxy/internal/relay"
	"github.com/nostrbridge/relayproxy/internal/wire"

	"gopkg.in/op/go-logging.v1"
)

// PublishTimeout bounds how long Publish waits for a relay's OK reply.
const PublishTimeout = 10 * time.Second

type okResult struct {
	ok      bool
	message string
}

// relayConn is one persistent WebSocket connection and its live
// subscriptions.
type relayConn struct {
	url string
	ws  *websocket.Conn

	writeMu sync.Mutex // gorilla connections require single-writer discipline

	subsMu sync.RWMutex
	subs   map[string]relay.Handlers // subID -> handlers

	pendingMu sync.Mutex
	pending   map[string]chan okResult // event id -> OK waiter

	// haltCh and readWG bound the read loop's lifetime: close halts it,
	// and readWG lets close() block until it has actually returned before
	// the socket is reused or the pool forgets this connection.
	haltCh    chan struct{}
	readWG    sync.WaitGroup
	connected bool
}

func (c *relayConn) send(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *relayConn) readLoop(log *logging.Logger) {
	defer func() {
		c.connected = false
		c.ws.Close()
	}()
	for {
		select {
		case <-c.haltCh:
			return
		default:
		}

		var frame []json.RawMessage
		if err := c.ws.ReadJSON(&frame); err != nil {
			if log != nil {
				log.Warningf("wsrelay: %s: read: %v", c.url, err)
			}
			return
		}
		if len(frame) < 2 {
			continue
		}
		var kind string
		if err := json.Unmarshal(frame[0], &kind); err != nil {
			continue
		}

		switch kind {
		case "EVENT":
			c.handleEvent(frame, log)
		case "OK":
			c.handleOK(frame)
		case "EOSE", "NOTICE", "CLOSED":
			// No action required: EOSE has no bearing on the always-live
			// subscription model this pipeline uses, NOTICE is logged
			// only, and CLOSED is ignored.
			if kind == "NOTICE" && log != nil && len(frame) >= 2 {
				var msg string
				_ = json.Unmarshal(frame[1], &msg)
				log.Infof("wsrelay: %s: NOTICE: %s", c.url, msg)
			}
		}
	}
}

func (c *relayConn) handleEvent(frame []json.RawMessage, log *logging.Logger) {
	if len(frame) < 3 {
		return
	}
	var subID string
	if err := json.Unmarshal(frame[1], &subID); err != nil {
		return
	}
	ev, err := wire.ParseEvent(frame[2])
	if err != nil {
		if log != nil {
			log.Debugf("wsrelay: %s: malformed event: %v", c.url, err)
		}
		return
	}

	c.subsMu.RLock()
	h, ok := c.subs[subID]
	c.subsMu.RUnlock()
	if !ok {
		return
	}
	if h.AlreadyHaveEvent != nil && h.AlreadyHaveEvent(ev.ID) {
		return
	}
	if h.OnEvent != nil {
		h.OnEvent(ev)
	}
}

func (c *relayConn) handleOK(frame []json.RawMessage) {
	if len(frame) < 3 {
		return
	}
	var id string
	var ok bool
	var message string
	_ = json.Unmarshal(frame[1], &id)
	_ = json.Unmarshal(frame[2], &ok)
	if len(frame) >= 4 {
		_ = json.Unmarshal(frame[3], &message)
	}

	c.pendingMu.Lock()
	waiter, exists := c.pending[id]
	if exists {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if exists {
		waiter <- okResult{ok: ok, message: message}
		close(waiter)
	}
}

func (c *relayConn) awaitOK(ctx context.Context, id string) (bool, string, error) {
	ch := make(chan okResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	select {
	case res := <-ch:
		return res.ok, res.message, nil
	case <-time.After(PublishTimeout):
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return false, "", fmt.Errorf("wsrelay: %s: timed out waiting for OK", c.url)
	case <-ctx.Done():
		return false, "", ctx.Err()
	}
}

func (c *relayConn) close() {
	// Closing the socket first unblocks the in-flight ReadJSON so the read
	// loop can observe the halt signal and return.
	c.ws.Close()
	close(c.haltCh)
	c.readWG.Wait()
}

// Pool is a relay.Pool backed by persistent gorilla/websocket connections,
// one per relay URL, shared across every subscription and publish.
type Pool struct {
	dialer *websocket.Dialer
	log    *logging.Logger

	mu    sync.Mutex
	conns map[string]*relayConn
}

// New creates an empty Pool. log may be nil.
func New(log *logging.Logger) *Pool {
	return &Pool{
		dialer: websocket.DefaultDialer,
		log:    log,
		conns:  make(map[string]*relayConn),
	}
}

func (p *Pool) getOrDial(ctx context.Context, url string) (*relayConn, error) {
	p.mu.Lock()
	if c, ok := p.conns[url]; ok && c.connected {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	ws, _, err := p.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsrelay: dial %s: %w", url, err)
	}

	c := &relayConn{
		url:       url,
		ws:        ws,
		subs:      make(map[string]relay.Handlers),
		pending:   make(map[string]chan okResult),
		haltCh:    make(chan struct{}),
		connected: true,
	}
	c.readWG.Add(1)
	go func() {
		defer c.readWG.Done()
		c.readLoop(p.log)
	}()

	p.mu.Lock()
	p.conns[url] = c
	p.mu.Unlock()

	return c, nil
}

// EnsureRelay dials url if not already connected and reports its status.
func (p *Pool) EnsureRelay(ctx context.Context, url string) (*relay.Relay, error) {
	c, err := p.getOrDial(ctx, url)
	if err != nil {
		return &relay.Relay{URL: url, Connected: false}, err
	}
	return &relay.Relay{URL: url, Connected: c.connected}, nil
}

// subscription is the handle returned by Subscribe.
type subscription struct {
	pool   *Pool
	id     string
	relays []string
}

func (s *subscription) Close() {
	s.pool.mu.Lock()
	conns := make([]*relayConn, 0, len(s.relays))
	for _, r := range s.relays {
		if c, ok := s.pool.conns[r]; ok {
			conns = append(conns, c)
		}
	}
	s.pool.mu.Unlock()

	for _, c := range conns {
		c.subsMu.Lock()
		delete(c.subs, s.id)
		c.subsMu.Unlock()
		_ = c.send([]interface{}{"CLOSE", s.id})
	}
}

func subID() string {
	b := make([]byte, 8)
	if _, err := cryptorand.Read(b); err != nil {
		return "sub"
	}
	return "sub-" + hex.EncodeToString(b)
}

// Subscribe issues a NIP-01 REQ to every relay for filter, routing
// delivered events through h until the returned Subscription is closed.
func (p *Pool) Subscribe(ctx context.Context, relays []string, filter relay.Filter, h relay.Handlers) (relay.Subscription, error) {
	id := subID()

	reqFilter := map[string]interface{}{}
	if filter.Since != 0 {
		reqFilter["since"] = filter.Since
	}
	if len(filter.Kinds) > 0 {
		reqFilter["kinds"] = filter.Kinds
	}
	if len(filter.PTags) > 0 {
		reqFilter["#p"] = filter.PTags
	}

	for _, r := range relays {
		c, err := p.getOrDial(ctx, r)
		if err != nil {
			if p.log != nil {
				p.log.Warningf("wsrelay: subscribe: %v", err)
			}
			continue
		}
		c.subsMu.Lock()
		c.subs[id] = h
		c.subsMu.Unlock()

		if err := c.send([]interface{}{"REQ", id, reqFilter}); err != nil && p.log != nil {
			p.log.Warningf("wsrelay: %s: send REQ: %v", r, err)
		}
	}

	return &subscription{pool: p, id: id, relays: relays}, nil
}

// Publish sends ev to every relay in relays and collects each relay's OK
// reply (or a timeout) as a PublishResult.
func (p *Pool) Publish(ctx context.Context, relays []string, ev *wire.Event) []relay.PublishResult {
	results := make([]relay.PublishResult, 0, len(relays))
	for _, r := range relays {
		c, err := p.getOrDial(ctx, r)
		if err != nil {
			results = append(results, relay.PublishResult{RelayURL: r, Err: err})
			continue
		}
		if err := c.send([]interface{}{"EVENT", ev}); err != nil {
			results = append(results, relay.PublishResult{RelayURL: r, Err: err})
			continue
		}
		ok, message, err := c.awaitOK(ctx, ev.ID)
		if err != nil {
			results = append(results, relay.PublishResult{RelayURL: r, Err: err})
			continue
		}
		if !ok {
			results = append(results, relay.PublishResult{RelayURL: r, Err: fmt.Errorf("wsrelay: %s: rejected: %s", r, message)})
			continue
		}
		results = append(results, relay.PublishResult{RelayURL: r})
	}
	return results
}

// Close tears down the connections for relays.
func (p *Pool) Close(relays []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range relays {
		if c, ok := p.conns[r]; ok {
			c.close()
			delete(p.conns, r)
		}
	}
}
