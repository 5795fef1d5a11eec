// publisher.go - Gift-wrapped response publisher.
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

// Package publisher builds and publishes the layered wrap/seal/inner
// events: one gift-wrapped response event per chunk, addressed back to
// the original requester and fanned out to every configured relay with
// per-relay failure isolation.
package publisher

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nostrbridge/relayproxy/internal/relay"
	"github.com/nostrbridge/relayproxy/internal/wire"
	"github.com/nostrbridge/relayproxy/internal/xcrypto"

	cryptorand "crypto/rand"
)

// Publisher publishes ResponseMessage chunks as gift-wrapped events.
type Publisher struct {
	OurSecret xcrypto.Secret
	OurPublic xcrypto.Public
	Pool      relay.Pool
	Relays    []string
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
	// OnPublishError is invoked (never fatally) for each per-relay
	// publish failure.
	OnPublishError func(relayURL string, err error)
}

func (p *Publisher) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// SafeRelay reports whether a relay URL is "safe" to advertise in an
// outbound hint tag: no userinfo, no query string.
func SafeRelay(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.User == nil && u.RawQuery == ""
}

func safeRelays(relays []string) []string {
	var safe []string
	for _, r := range relays {
		if SafeRelay(r) {
			safe = append(safe, r)
		}
	}
	return safe
}

// randomPastOffset returns a random duration in [0, max), used to defeat
// timing correlation between wrap and seal.
func randomPastOffset(max time.Duration) (time.Duration, error) {
	n, err := cryptorand.Int(cryptorand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("publisher: random offset: %w", err)
	}
	return time.Duration(n.Int64()), nil
}

// PublishChunk builds and publishes one gift-wrapped response event for
// msg, addressed to requesterPublic.
func (p *Publisher) PublishChunk(ctx context.Context, requesterPublic xcrypto.Public, msg *wire.ResponseMessage) error {
	now := p.now()

	content, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("publisher: marshal response message: %w", err)
	}

	inner := &wire.Event{
		Kind:      wire.KindHTTPResponse,
		PubKey:    p.OurPublic.Hex(),
		CreatedAt: now.Unix(),
		Tags:      [][]string{},
		Content:   content,
	}
	innerID, err := inner.ComputeID()
	if err != nil {
		return fmt.Errorf("publisher: compute inner id: %w", err)
	}
	inner.ID = innerID // the inner rumor is never signed

	sealConvKey, err := xcrypto.ConversationKey(p.OurSecret, requesterPublic)
	if err != nil {
		return fmt.Errorf("publisher: seal conversation key: %w", err)
	}
	innerJSON, err := inner.Marshal()
	if err != nil {
		return fmt.Errorf("publisher: marshal inner event: %w", err)
	}
	sealContent, err := xcrypto.Encrypt(string(innerJSON), sealConvKey)
	if err != nil {
		return fmt.Errorf("publisher: encrypt seal content: %w", err)
	}

	pastOffset, err := randomPastOffset(48 * time.Hour)
	if err != nil {
		return err
	}
	seal := &wire.Event{
		Kind:      wire.KindSeal,
		PubKey:    p.OurPublic.Hex(),
		CreatedAt: now.Add(-pastOffset).Unix(),
		Tags:      [][]string{},
		Content:   sealContent,
	}
	if err := seal.Sign(p.OurSecret); err != nil {
		return fmt.Errorf("publisher: sign seal: %w", err)
	}

	wrapSecret, err := xcrypto.RandomSecret()
	if err != nil {
		return fmt.Errorf("publisher: generate wrap key: %w", err)
	}
	wrapPublic, err := xcrypto.PublicOf(wrapSecret)
	if err != nil {
		return fmt.Errorf("publisher: derive wrap pubkey: %w", err)
	}

	wrapConvKey, err := xcrypto.ConversationKey(wrapSecret, requesterPublic)
	if err != nil {
		return fmt.Errorf("publisher: wrap conversation key: %w", err)
	}
	sealJSON, err := seal.Marshal()
	if err != nil {
		return fmt.Errorf("publisher: marshal seal: %w", err)
	}
	wrapContent, err := xcrypto.Encrypt(string(sealJSON), wrapConvKey)
	if err != nil {
		return fmt.Errorf("publisher: encrypt wrap content: %w", err)
	}

	safe := safeRelays(p.Relays)
	tags := [][]string{}
	if len(safe) > 0 {
		tags = append(tags, []string{"p", requesterPublic.Hex(), safe[0]})
		if len(safe) > 1 {
			relaysTag := append([]string{"relays"}, safe[1:]...)
			tags = append(tags, relaysTag)
		}
	} else {
		tags = append(tags, []string{"p", requesterPublic.Hex()})
	}

	wrap := &wire.Event{
		Kind:      wire.KindEphemeralGiftWrap,
		PubKey:    wrapPublic.Hex(),
		CreatedAt: now.Unix(),
		Tags:      tags,
		Content:   wrapContent,
	}
	if err := wrap.Sign(wrapSecret); err != nil {
		return fmt.Errorf("publisher: sign wrap: %w", err)
	}

	return p.publishToAllRelays(ctx, wrap)
}

// publishToAllRelays fans out to every configured relay concurrently,
// isolating each relay's failure from the others.
func (p *Publisher) publishToAllRelays(ctx context.Context, ev *wire.Event) error {
	g, gCtx := errgroup.WithContext(ctx)
	for _, r := range p.Relays {
		r := r
		g.Go(func() error {
			results := p.Pool.Publish(gCtx, []string{r}, ev)
			for _, res := range results {
				if res.Err != nil && p.OnPublishError != nil {
					p.OnPublishError(res.RelayURL, res.Err)
				}
			}
			// A per-relay failure never fails the group: it is reported via
			// OnPublishError and skipped, never propagated.
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

// PublishAll publishes every chunk in order. Chunks are published
// sequentially (ascending partIndex) though the network may reorder
// delivery.
func (p *Publisher) PublishAll(ctx context.Context, requesterPublic xcrypto.Public, chunks []*wire.ResponseMessage) error {
	for _, c := range chunks {
		if err := p.PublishChunk(ctx, requesterPublic, c); err != nil {
			return err
		}
	}
	return nil
}
