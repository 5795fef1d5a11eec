// relay.go - Injected relay pool interface.
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

// Package relay defines the injected relay-pool interface. The pool
// itself — subscribe/publish/ensure-connection over a WebSocket
// transport — is a separate concern from the dispatch core; this package
// only fixes the boundary the core programs against.
package relay

import (
	"context"

	"github.com/nostrbridge/relayproxy/internal/wire"
)

// Filter selects events for a subscription, matching NIP-01's
// {since, kinds, "#p": [pubkey]} shape.
type Filter struct {
	Since int64
	Kinds []int
	PTags []string
}

// Subscription is the handle returned by Pool.Subscribe.
type Subscription interface {
	// Close tears down the subscription.
	Close()
}

// Handlers bundles the two callbacks a subscription drives.
type Handlers struct {
	// AlreadyHaveEvent lets the pool skip retransmission for ids the core
	// has already processed.
	AlreadyHaveEvent func(id string) bool
	// OnEvent is invoked once per delivered event.
	OnEvent func(ev *wire.Event)
}

// Relay describes a single connection's status.
type Relay struct {
	URL       string
	Connected bool
}

// PublishResult is the per-relay outcome of a single Publish call.
type PublishResult struct {
	RelayURL string
	Err      error
}

// Pool is the injected relay-pool service.
type Pool interface {
	Subscribe(ctx context.Context, relays []string, filter Filter, h Handlers) (Subscription, error)
	Publish(ctx context.Context, relays []string, ev *wire.Event) []PublishResult
	EnsureRelay(ctx context.Context, url string) (*Relay, error)
	Close(relays []string)
}
