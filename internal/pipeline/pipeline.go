// pipeline.go - Event dispatch pipeline and orchestrator.
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

// Package pipeline implements the per-event dispatch pipeline and
// subscription lifecycle: the single orchestrator that turns delivered
// gift-wrap events into origin HTTP calls and gift-wrapped response
// chunks.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/nostrbridge/relayproxy/internal/chunker"
	"github.com/nostrbridge/relayproxy/internal/dedup"
	"github.com/nostrbridge/relayproxy/internal/httpclient"
	"github.com/nostrbridge/relayproxy/internal/metrics"
	"github.com/nostrbridge/relayproxy/internal/publisher"
	"github.com/nostrbridge/relayproxy/internal/reassembly"
	"github.com/nostrbridge/relayproxy/internal/relay"
	"github.com/nostrbridge/relayproxy/internal/routegate"
	"github.com/nostrbridge/relayproxy/internal/transform"
	"github.com/nostrbridge/relayproxy/internal/wire"
	"github.com/nostrbridge/relayproxy/internal/xcrypto"
)

// FutureWindow bounds how far into the future an inner event's created_at
// may sit before it is rejected as OutOfWindow.
const FutureWindow = 600 * time.Second

// Handler holds every dependency the per-event dispatch pipeline needs. It
// is safe for concurrent use: one HandleWrap call is spawned per delivered
// event and they run interleaved.
type Handler struct {
	OurSecret xcrypto.Secret
	OurPublic xcrypto.Public

	Wraps      *dedup.WrapSet
	Requests   *dedup.RequestSet
	Reassembly *reassembly.Buffer
	Gate       *routegate.Gate
	HTTP       *httpclient.Client
	Transformer transform.Transformer
	Publisher  *publisher.Publisher
	Metrics    *metrics.Registry
	Log        *logging.Logger

	Destination  string
	SecretKeyHex string
	// NProfile is the proxy's own current nprofile string, threaded through
	// to the transformer.
	NProfile func() string

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) nprofile() string {
	if h.NProfile != nil {
		return h.NProfile()
	}
	return ""
}

// drop logs an outcome reason and records the metric. Used for the
// MalformedEvent/DecryptFail/VerifyFail/IdentityMismatch/OutOfWindow/Replay
// silent drops, none of which propagate to the caller, and also for the
// Incomplete, OriginFail, TransformerFault and PublishFail outcomes, after
// which processing of the event continues or waits for more parts.
func (h *Handler) drop(wrapID string, reason Reason, err error) {
	if h.Metrics != nil {
		h.Metrics.EventsDropped.WithLabelValues(string(reason)).Inc()
	}
	if h.Log != nil {
		if err != nil {
			h.Log.Debugf("drop wrap=%s reason=%s: %v", wrapID, reason, err)
		} else {
			h.Log.Debugf("drop wrap=%s reason=%s", wrapID, reason)
		}
	}
}

// HandleWrap runs the full dispatch pipeline for one delivered gift-wrap
// event. All errors are contained here: nothing propagates to the caller.
func (h *Handler) HandleWrap(ctx context.Context, wrap *wire.Event) {
	if h.Metrics != nil {
		h.Metrics.EventsReceived.Inc()
	}

	// Step 1: wrap-id dedup.
	seen, err := h.Wraps.SeenOrRecord(ctx, wrap.ID, wrap.CreatedAt)
	if err != nil {
		h.drop(wrap.ID, ReasonMalformedEvent, err)
		return
	}
	if seen {
		h.drop(wrap.ID, ReasonReplay, nil)
		return
	}

	// Step 2: kind check.
	if wrap.Kind != wire.KindEphemeralGiftWrap {
		h.drop(wrap.ID, ReasonMalformedEvent, fmt.Errorf("wrap kind %d", wrap.Kind))
		return
	}

	// Step 3: decrypt to seal.
	wrapPublic, err := xcrypto.PublicFromHex(wrap.PubKey)
	if err != nil {
		h.drop(wrap.ID, ReasonMalformedEvent, err)
		return
	}
	sealConvKey, err := xcrypto.ConversationKey(h.OurSecret, wrapPublic)
	if err != nil {
		h.drop(wrap.ID, ReasonDecryptFail, err)
		return
	}
	sealJSON, err := xcrypto.Decrypt(wrap.Content, sealConvKey)
	if err != nil {
		h.drop(wrap.ID, ReasonDecryptFail, err)
		return
	}
	seal, err := wire.ParseEvent([]byte(sealJSON))
	if err != nil {
		h.drop(wrap.ID, ReasonMalformedEvent, err)
		return
	}

	// Step 4: seal kind and signature.
	if seal.Kind != wire.KindSeal {
		h.drop(wrap.ID, ReasonMalformedEvent, fmt.Errorf("seal kind %d", seal.Kind))
		return
	}
	valid, err := seal.Verify()
	if err != nil || !valid {
		h.drop(wrap.ID, ReasonVerifyFail, err)
		return
	}

	// Step 5: decrypt to inner event.
	sealPublic, err := xcrypto.PublicFromHex(seal.PubKey)
	if err != nil {
		h.drop(wrap.ID, ReasonMalformedEvent, err)
		return
	}
	innerConvKey, err := xcrypto.ConversationKey(h.OurSecret, sealPublic)
	if err != nil {
		h.drop(wrap.ID, ReasonDecryptFail, err)
		return
	}
	innerJSON, err := xcrypto.Decrypt(seal.Content, innerConvKey)
	if err != nil {
		h.drop(wrap.ID, ReasonDecryptFail, err)
		return
	}
	inner, err := wire.ParseEvent([]byte(innerJSON))
	if err != nil {
		h.drop(wrap.ID, ReasonMalformedEvent, err)
		return
	}

	// Step 6: inner validation.
	if inner.Kind != wire.KindHTTPRequest {
		h.drop(wrap.ID, ReasonMalformedEvent, fmt.Errorf("inner kind %d", inner.Kind))
		return
	}
	if inner.PubKey != seal.PubKey {
		h.drop(wrap.ID, ReasonIdentityMismatch, nil)
		return
	}
	now := h.now()
	if inner.CreatedAt < h.Requests.OldestTime() {
		h.drop(wrap.ID, ReasonOutOfWindow, fmt.Errorf("created_at %d before cursor %d", inner.CreatedAt, h.Requests.OldestTime()))
		return
	}
	if inner.CreatedAt > now.Add(FutureWindow).Unix() {
		h.drop(wrap.ID, ReasonOutOfWindow, fmt.Errorf("created_at %d too far in future", inner.CreatedAt))
		return
	}

	// Step 7: inner-id dedup. CheckAndRecord is atomic so two deliveries
	// of the same inner id racing in from separate relay connections
	// cannot both observe "not seen" and both dispatch to the origin.
	replayed, err := h.Requests.CheckAndRecord(ctx, inner.ID, inner.CreatedAt)
	if err != nil {
		h.drop(wrap.ID, ReasonMalformedEvent, err)
		return
	}
	if replayed {
		h.drop(wrap.ID, ReasonReplay, nil)
		return
	}

	// Step 8: parse and validate the RequestMessage.
	part, err := wire.ParseRequestMessage(inner.Content)
	if err != nil {
		h.drop(wrap.ID, ReasonMalformedEvent, err)
		return
	}

	// Step 9: offer to reassembly.
	if h.Metrics != nil {
		h.Metrics.PendingRequests.Set(float64(h.Reassembly.Len()))
	}
	complete, ok := h.Reassembly.Offer(part)
	if !ok {
		h.drop(wrap.ID, ReasonIncomplete, nil)
		return
	}

	requesterPublic, err := xcrypto.PublicFromHex(seal.PubKey)
	if err != nil {
		h.drop(wrap.ID, ReasonMalformedEvent, err)
		return
	}

	h.dispatch(ctx, wrap.ID, requesterPublic, complete)
}

// dispatch runs steps 10-13 for a fully reassembled request.
func (h *Handler) dispatch(ctx context.Context, wrapID string, requesterPublic xcrypto.Public, req *reassembly.CompleteRequest) {
	if h.Metrics != nil {
		h.Metrics.RequestsHandled.Inc()
	}

	var resp *httpclient.Response
	if !h.Gate.Allowed(req.URL) {
		if h.Log != nil {
			h.Log.Debugf("dispatch wrap=%s id=%s reason=%s url=%s", wrapID, req.ID, ReasonForbidden, req.URL)
		}
		resp = &httpclient.Response{Status: 403, Headers: map[string]string{}, Body: []byte("Forbidden route")}
	} else {
		start := h.now()
		resp = h.HTTP.Do(ctx, &httpclient.Request{
			Method:  req.Method,
			URL:     req.URL,
			Headers: req.Headers,
			Body:    req.Body,
		})
		if h.Metrics != nil {
			h.Metrics.OriginLatency.Observe(h.now().Sub(start).Seconds())
		}
		if resp.Failed {
			h.drop(wrapID, ReasonOriginFail, nil)
		}
	}

	reqInfo := transform.RequestInfo{Method: req.Method, URL: req.URL, Headers: req.Headers, Body: req.Body}
	final, err := transform.Apply(ctx, h.Transformer, reqInfo, resp, h.SecretKeyHex, h.Destination, h.nprofile())
	if err != nil {
		h.drop(wrapID, ReasonTransformerFault, err)
		// Apply already fell back to the origin response; continue publishing it.
	}

	chunks := chunker.Chunk(req.ID, final.Status, final.Headers, final.Body)
	if h.Metrics != nil {
		h.Metrics.ChunksPublished.Add(float64(len(chunks)))
	}

	// A per-call copy of the Publisher carries this request's error hook,
	// so concurrent dispatches never write to the shared Publisher.
	pub := *h.Publisher
	onPublishError := h.Publisher.OnPublishError
	pub.OnPublishError = func(relayURL string, perr error) {
		if h.Metrics != nil {
			h.Metrics.PublishFailures.WithLabelValues(relayURL).Inc()
		}
		h.drop(wrapID, ReasonPublishFail, fmt.Errorf("relay %s: %w", relayURL, perr))
		if onPublishError != nil {
			onPublishError(relayURL, perr)
		}
	}

	if err := pub.PublishAll(ctx, requesterPublic, chunks); err != nil && h.Log != nil {
		h.Log.Warningf("publish wrap=%s id=%s: %v", wrapID, req.ID, err)
	}
}

// Orchestrator owns the relay subscription lifecycle: a filter over the
// last 48h, rebuilt hourly, plus the connection warm-up and shutdown
// semantics.
type Orchestrator struct {
	Handler *Handler
	Pool    relay.Pool
	Relays  []string
	Log     *logging.Logger

	// ResubscribeInterval defaults to one hour if zero.
	ResubscribeInterval time.Duration
	// Now is overridable for tests.
	Now func() time.Time

	haltCh chan struct{}
	doneCh chan struct{}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) resubscribeInterval() time.Duration {
	if o.ResubscribeInterval > 0 {
		return o.ResubscribeInterval
	}
	return time.Hour
}

// warmUpWaits is the backoff schedule between EnsureRelay sweeps during
// warm-up. It is a package-level var, not a constant, so tests can shrink
// it to avoid real sleeps.
var warmUpWaits = []time.Duration{time.Second, 5 * time.Second}

// haltHardExitTimeout bounds how long Halt waits for the pool to close
// before invoking exitFn. Also a package-level var for the same reason.
var haltHardExitTimeout = 10 * time.Second

// warmUp waits for at least one relay to report connected, sleeping the
// warmUpWaits schedule between sweeps, and returns RelayConnectFail if
// none connect once the schedule is exhausted.
func (o *Orchestrator) warmUp(ctx context.Context) error {
	for _, wait := range warmUpWaits {
		for _, r := range o.Relays {
			rel, err := o.Pool.EnsureRelay(ctx, r)
			if err == nil && rel != nil && rel.Connected {
				return nil
			}
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, r := range o.Relays {
		rel, err := o.Pool.EnsureRelay(ctx, r)
		if err == nil && rel != nil && rel.Connected {
			return nil
		}
	}
	return fmt.Errorf("pipeline: %s: zero relays connected after warm-up", ReasonRelayConnectFail)
}

func (o *Orchestrator) filter() relay.Filter {
	return relay.Filter{
		Since: o.now().Add(-48 * time.Hour).Unix(),
		Kinds: []int{wire.KindEphemeralGiftWrap},
		PTags: []string{o.Handler.OurPublic.Hex()},
	}
}

func (o *Orchestrator) handlers(ctx context.Context) relay.Handlers {
	return relay.Handlers{
		AlreadyHaveEvent: func(id string) bool {
			seen, _ := o.Handler.Wraps.Contains(ctx, id)
			return seen
		},
		OnEvent: func(ev *wire.Event) {
			go o.Handler.HandleWrap(ctx, ev)
		},
	}
}

// Run performs the warm-up, installs the initial subscription, and then
// starts the hourly resubscribe loop in its own goroutine, which runs until
// ctx is cancelled or Halt is called; Run itself returns once that loop is
// started. It returns RelayConnectFail if warm-up never succeeds.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.warmUp(ctx); err != nil {
		return err
	}

	o.haltCh = make(chan struct{})
	o.doneCh = make(chan struct{})

	sub, err := o.Pool.Subscribe(ctx, o.Relays, o.filter(), o.handlers(ctx))
	if err != nil {
		return fmt.Errorf("pipeline: initial subscribe: %w", err)
	}

	go func() {
		defer close(o.doneCh)
		ticker := time.NewTicker(o.resubscribeInterval())
		defer ticker.Stop()
		current := sub
		for {
			select {
			case <-ticker.C:
				next, err := o.Pool.Subscribe(ctx, o.Relays, o.filter(), o.handlers(ctx))
				if err != nil {
					if o.Log != nil {
						o.Log.Warningf("pipeline: resubscribe failed: %v", err)
					}
					continue
				}
				current.Close()
				current = next
			case <-o.haltCh:
				current.Close()
				return
			case <-ctx.Done():
				current.Close()
				return
			}
		}
	}()

	return nil
}

// Halt closes the subscription loop and the relay pool, and schedules a
// hard exit if the pool has not closed within 10s. exitFn defaults to nil
// (no-op) so tests never actually exit the process; production wiring
// passes os.Exit.
func (o *Orchestrator) Halt(exitFn func(code int)) {
	if o.haltCh != nil {
		close(o.haltCh)
	}

	done := make(chan struct{})
	go func() {
		if o.doneCh != nil {
			<-o.doneCh
		}
		o.Pool.Close(o.Relays)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(haltHardExitTimeout):
		if exitFn != nil {
			exitFn(-1)
		}
	}
}
