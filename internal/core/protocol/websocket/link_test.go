package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/distsync/internal/core/observability/log"
	"github.com/zeusync/distsync/internal/core/protocol"
)

type recorder struct {
	mu           sync.Mutex
	connected    int
	disconnected int
	frames       [][]byte
}

func (r *recorder) PeerConnected(protocol.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected++
}

func (r *recorder) PeerDisconnected(protocol.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected++
}

func (r *recorder) FrameReceived(_ protocol.Endpoint, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *recorder) state() (int, int, [][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected, r.disconnected, append([][]byte(nil), r.frames...)
}

func listeningPair(t *testing.T) (*Link, *recorder, *Link, *recorder, protocol.Endpoint) {
	t.Helper()

	serverEvents := &recorder{}
	server := NewLink(DefaultConfig(), serverEvents, log.NewNop())
	require.NoError(t, server.Listen("127.0.0.1:0"))
	t.Cleanup(func() { _ = server.Close() })

	clientEvents := &recorder{}
	client := NewLink(DefaultConfig(), clientEvents, log.NewNop())
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	endpoint, err := client.Dial(ctx, "ws://"+server.Addr().String()+DefaultPath)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(server.Peers()) == 1 }, 5*time.Second, 10*time.Millisecond)
	return server, serverEvents, client, clientEvents, endpoint
}

func TestLinkCarriesEveryQualityInOrder(t *testing.T) {
	server, serverEvents, client, clientEvents, endpoint := listeningPair(t)

	qualities := []protocol.DeliveryQuality{protocol.Unreliable, protocol.ReliableSequenced, protocol.ReliableOrdered}
	for i := 0; i < 30; i++ {
		require.NoError(t, client.Send(endpoint, qualities[i%3], []byte{byte(i)}))
	}

	require.Eventually(t, func() bool {
		_, _, frames := serverEvents.state()
		return len(frames) == 30
	}, 5*time.Second, 10*time.Millisecond)
	_, _, frames := serverEvents.state()
	for i, frame := range frames {
		assert.Equal(t, []byte{byte(i)}, frame)
	}

	require.NoError(t, server.Broadcast(protocol.ReliableOrdered, []byte("hello")))
	require.Eventually(t, func() bool {
		_, _, frames := clientEvents.state()
		return len(frames) == 1
	}, 5*time.Second, 10*time.Millisecond)

	connected, _, _ := clientEvents.state()
	assert.Equal(t, 1, connected)
}

func TestLinkReportsClosedPeers(t *testing.T) {
	server, serverEvents, client, _, endpoint := listeningPair(t)

	require.NoError(t, client.Close())

	require.Eventually(t, func() bool {
		_, disconnected, _ := serverEvents.state()
		return disconnected == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, server.Peers())
	assert.ErrorIs(t, client.Send(endpoint, protocol.ReliableOrdered, []byte{1}), protocol.ErrTransportClosed)
}

func TestLinkIgnoresTextMessages(t *testing.T) {
	events := &recorder{}
	link := NewLink(DefaultConfig(), events, log.NewNop())
	server := httptest.NewServer(link)
	t.Cleanup(func() {
		_ = link.Close()
		server.Close()
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2}))

	require.Eventually(t, func() bool {
		_, _, frames := events.state()
		return len(frames) == 1
	}, 5*time.Second, 10*time.Millisecond)
	_, _, frames := events.state()
	assert.Equal(t, []byte{1, 2}, frames[0])
}

func TestLinkRejectsOversizedFrames(t *testing.T) {
	config := DefaultConfig()
	config.MaxFrameSize = 8
	link := NewLink(config, &recorder{}, log.NewNop())

	err := link.send(&peer{}, make([]byte, 9))
	assert.ErrorIs(t, err, protocol.ErrMessageTooLarge)
	assert.ErrorIs(t, link.Send("unknown", protocol.Unreliable, nil), protocol.ErrUnknownEndpoint)
}

func TestClosedLinkRefusesUpgrades(t *testing.T) {
	link := NewLink(DefaultConfig(), &recorder{}, log.NewNop())
	require.NoError(t, link.Close())

	response := httptest.NewRecorder()
	link.ServeHTTP(response, httptest.NewRequest(http.MethodGet, DefaultPath, nil))

	assert.Equal(t, http.StatusServiceUnavailable, response.Code)
}

func TestLinkTeardownKeepsReplacementPeer(t *testing.T) {
	link := NewLink(DefaultConfig(), &recorder{}, log.NewNop())
	stale := &peer{endpoint: "10.0.0.7:40112"}
	fresh := &peer{endpoint: stale.endpoint}
	link.peers[fresh.endpoint] = fresh

	assert.False(t, link.remove(stale))
	assert.Same(t, fresh, link.peers[fresh.endpoint])

	assert.True(t, link.remove(fresh))
	assert.Empty(t, link.peers)
}
