// wsrelay_test.go - WebSocket relay pool tests.
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

package wsrelay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nostrbridge/relayproxy/internal/relay"
	"github.com/nostrbridge/relayproxy/internal/wire"
	"github.com/nostrbridge/relayproxy/internal/xcrypto"
)

// fakeRelayServer is a minimal NIP-01 relay: it ACKs every published event
// with OK and hands each accepted connection and REQ subscription id to the
// test (connCh, reqIDs), which writes EVENT frames to that connection itself.
type fakeRelayServer struct {
	upgrader websocket.Upgrader
	srv      *httptest.Server

	connCh chan *websocket.Conn
	reqIDs chan string
}

func newFakeRelayServer() *fakeRelayServer {
	f := &fakeRelayServer{connCh: make(chan *websocket.Conn, 4), reqIDs: make(chan string, 4)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.connCh <- conn
		go f.serve(conn)
	}))
	return f
}

func (f *fakeRelayServer) serve(conn *websocket.Conn) {
	for {
		var frame []json.RawMessage
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if len(frame) < 2 {
			continue
		}
		var kind string
		json.Unmarshal(frame[0], &kind)
		switch kind {
		case "EVENT":
			var ev wire.Event
			json.Unmarshal(frame[1], &ev)
			conn.WriteJSON([]interface{}{"OK", ev.ID, true, ""})
		case "REQ":
			var id string
			json.Unmarshal(frame[1], &id)
			f.reqIDs <- id
		case "CLOSE":
			// no-op.
		}
	}
}

func (f *fakeRelayServer) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeRelayServer) close() {
	f.srv.Close()
	close(f.connCh)
}

func TestPoolPublishAwaitsOK(t *testing.T) {
	require := require.New(t)

	srv := newFakeRelayServer()
	defer srv.close()

	pool := New(nil)
	defer pool.Close([]string{srv.wsURL()})

	secret, err := xcrypto.RandomSecret()
	require.NoError(err)
	pub, err := xcrypto.PublicOf(secret)
	require.NoError(err)
	ev := &wire.Event{Kind: wire.KindEphemeralGiftWrap, PubKey: pub.Hex(), CreatedAt: 1700000000, Tags: [][]string{}, Content: "x"}
	require.NoError(ev.Sign(secret))

	results := pool.Publish(context.Background(), []string{srv.wsURL()}, ev)
	require.Len(results, 1)
	require.NoError(results[0].Err)
}

func TestPoolSubscribeDeliversInjectedEvent(t *testing.T) {
	require := require.New(t)

	srv := newFakeRelayServer()
	defer srv.close()

	pool := New(nil)
	defer pool.Close([]string{srv.wsURL()})

	delivered := make(chan *wire.Event, 1)
	sub, err := pool.Subscribe(context.Background(), []string{srv.wsURL()}, relay.Filter{Kinds: []int{wire.KindEphemeralGiftWrap}}, relay.Handlers{
		OnEvent: func(ev *wire.Event) { delivered <- ev },
	})
	require.NoError(err)
	defer sub.Close()

	conn := <-srv.connCh
	subID := <-srv.reqIDs

	secret, err := xcrypto.RandomSecret()
	require.NoError(err)
	pub, err := xcrypto.PublicOf(secret)
	require.NoError(err)
	ev := &wire.Event{Kind: wire.KindEphemeralGiftWrap, PubKey: pub.Hex(), CreatedAt: 1700000000, Tags: [][]string{}, Content: "hello"}
	require.NoError(ev.Sign(secret))

	require.NoError(conn.WriteJSON([]interface{}{"EVENT", subID, ev}))

	select {
	case got := <-delivered:
		require.Equal(ev.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the injected event to be delivered to the subscription handler")
	}
}

func TestPoolEnsureRelayReportsConnected(t *testing.T) {
	require := require.New(t)

	srv := newFakeRelayServer()
	defer srv.close()

	pool := New(nil)
	defer pool.Close([]string{srv.wsURL()})

	rel, err := pool.EnsureRelay(context.Background(), srv.wsURL())
	require.NoError(err)
	require.True(rel.Connected)
}

func TestPoolEnsureRelayFailsForUnreachableURL(t *testing.T) {
	require := require.New(t)

	pool := New(nil)
	_, err := pool.EnsureRelay(context.Background(), "ws://127.0.0.1:1")
	require.Error(err)
}
