package quic

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/distsync/internal/core/observability/log"
	"github.com/zeusync/distsync/internal/core/protocol"
)

type received struct {
	endpoint protocol.Endpoint
	frame    []byte
}

// recorder is a LinkHandler that keeps every event it is told about.
type recorder struct {
	mu           sync.Mutex
	connected    []protocol.Endpoint
	disconnected []protocol.Endpoint
	frames       []received
}

func (r *recorder) PeerConnected(endpoint protocol.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, endpoint)
}

func (r *recorder) PeerDisconnected(endpoint protocol.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, endpoint)
}

func (r *recorder) FrameReceived(endpoint protocol.Endpoint, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, received{endpoint: endpoint, frame: frame})
}

func (r *recorder) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recorder) snapshot() ([]protocol.Endpoint, []protocol.Endpoint, []received) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Endpoint(nil), r.connected...),
		append([]protocol.Endpoint(nil), r.disconnected...),
		append([]received(nil), r.frames...)
}

func connectedPair(t *testing.T, config Config) (*Link, *recorder, *Link, *recorder, protocol.Endpoint) {
	t.Helper()

	serverEvents := &recorder{}
	server, err := NewLink(config, serverEvents, log.NewNop())
	require.NoError(t, err)
	require.NoError(t, server.Listen("127.0.0.1:0"))
	t.Cleanup(func() { _ = server.Close() })

	clientEvents := &recorder{}
	client, err := NewLink(config, clientEvents, log.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	endpoint, err := client.Dial(ctx, server.Addr().String())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(server.Peers()) == 1 }, 5*time.Second, 10*time.Millisecond)
	return server, serverEvents, client, clientEvents, endpoint
}

func TestLinkDeliversOrderedFramesInOrder(t *testing.T) {
	server, serverEvents, client, clientEvents, endpoint := connectedPair(t, DefaultConfig())

	connected, _, _ := clientEvents.snapshot()
	assert.Equal(t, []protocol.Endpoint{endpoint}, connected)
	assert.Equal(t, []protocol.Endpoint{endpoint}, client.Peers())

	for i := 0; i < 50; i++ {
		require.NoError(t, client.Send(endpoint, protocol.ReliableOrdered, []byte{byte(i), 1, 2, 3}))
	}

	require.Eventually(t, func() bool { return serverEvents.frameCount() == 50 }, 5*time.Second, 10*time.Millisecond)
	_, _, frames := serverEvents.snapshot()
	for i, f := range frames {
		assert.Equal(t, []byte{byte(i), 1, 2, 3}, f.frame)
	}

	back := server.Peers()[0]
	require.NoError(t, server.Send(back, protocol.ReliableSequenced, []byte("state")))
	require.Eventually(t, func() bool { return clientEvents.frameCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	_, _, frames = clientEvents.snapshot()
	assert.Equal(t, endpoint, frames[0].endpoint)
	assert.Equal(t, []byte("state"), frames[0].frame)
}

func TestLinkFallsBackToStreamForLargeUnreliableFrames(t *testing.T) {
	config := DefaultConfig()
	config.MaxDatagramSize = 64
	_, serverEvents, client, _, endpoint := connectedPair(t, config)

	large := bytes.Repeat([]byte{7}, 4096)
	require.NoError(t, client.Send(endpoint, protocol.Unreliable, large))

	require.Eventually(t, func() bool { return serverEvents.frameCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	_, _, frames := serverEvents.snapshot()
	assert.Equal(t, large, frames[0].frame)
}

func TestLinkSendsSmallUnreliableFramesAsDatagrams(t *testing.T) {
	_, serverEvents, client, _, endpoint := connectedPair(t, DefaultConfig())

	require.Eventually(t, func() bool {
		_ = client.Broadcast(protocol.Unreliable, []byte("pose"))
		return serverEvents.frameCount() > 0
	}, 5*time.Second, 50*time.Millisecond)

	_, _, frames := serverEvents.snapshot()
	assert.Equal(t, []byte("pose"), frames[0].frame)
	assert.NotEmpty(t, endpoint)
}

func TestLinkRejectsOversizedFrames(t *testing.T) {
	config := DefaultConfig()
	config.MaxFrameSize = 16
	_, _, client, _, endpoint := connectedPair(t, config)

	err := client.Send(endpoint, protocol.ReliableOrdered, make([]byte, 17))
	require.ErrorIs(t, err, protocol.ErrMessageTooLarge)
	assert.ErrorIs(t, client.Send("nowhere:1", protocol.ReliableOrdered, []byte{1}), protocol.ErrUnknownEndpoint)
}

func TestLinkReportsDisconnectedPeers(t *testing.T) {
	server, serverEvents, client, _, _ := connectedPair(t, DefaultConfig())

	require.NoError(t, client.Close())

	require.Eventually(t, func() bool { return len(server.Peers()) == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, disconnected, _ := serverEvents.snapshot()
		return len(disconnected) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, client.Broadcast(protocol.ReliableOrdered, []byte{1}), protocol.ErrTransportClosed)
}

func TestFrameRoundTrip(t *testing.T) {
	var buffer bytes.Buffer
	require.NoError(t, writeFrame(&buffer, []byte("abc")))
	require.NoError(t, writeFrame(&buffer, nil))

	frame, err := readFrame(&buffer, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), frame)
	frame, err = readFrame(&buffer, 8)
	require.NoError(t, err)
	assert.Empty(t, frame)

	require.NoError(t, writeFrame(&buffer, make([]byte, 9)))
	_, err = readFrame(&buffer, 8)
	assert.Equal(t, protocol.ErrorCodeMessageTooLarge, protocol.GetErrorCode(err))
}

func TestLinkTeardownKeepsReplacementPeer(t *testing.T) {
	link, err := NewLink(DefaultConfig(), &recorder{}, log.NewNop())
	require.NoError(t, err)
	stale := &peer{endpoint: "10.0.0.7:40112"}
	fresh := &peer{endpoint: stale.endpoint}
	link.peers[fresh.endpoint] = fresh

	assert.False(t, link.remove(stale))
	assert.Same(t, fresh, link.peers[fresh.endpoint])

	assert.True(t, link.remove(fresh))
	assert.Empty(t, link.peers)
}
