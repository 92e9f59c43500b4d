package peer

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"weak"

	"github.com/go-i2p/go-overnet/lib/common/labels"
	"github.com/go-i2p/go-overnet/lib/link"
	"github.com/go-i2p/go-overnet/lib/observable"
	"github.com/go-i2p/go-overnet/lib/secure"
	"github.com/go-i2p/go-overnet/lib/servicemap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	clientNode labels.NodeID = 1
	serverNode labels.NodeID = 2
)

type testHost struct {
	services *servicemap.Map

	mu           sync.Mutex
	descriptions map[labels.NodeID][]string
	linkStates   map[labels.NodeID][]link.Status
}

func newTestHost(local labels.NodeID) *testHost {
	return &testHost{
		services:     servicemap.New(local),
		descriptions: make(map[labels.NodeID][]string),
		linkStates:   make(map[labels.NodeID][]link.Status),
	}
}

func (h *testHost) ConnectLocalService(ctx context.Context, service string, channel net.Conn, from labels.NodeID) error {
	return h.services.Connect(ctx, service, channel, servicemap.ConnectionInfo{PeerNodeID: from})
}

func (h *testHost) UpdateNodeDescription(node labels.NodeID, services []string) {
	h.mu.Lock()
	h.descriptions[node] = services
	h.mu.Unlock()
	h.services.UpdateNodeDescription(node, services)
}

func (h *testHost) UpdateRemoteLinkStatus(_ context.Context, node labels.NodeID, statuses []link.Status) error {
	h.mu.Lock()
	h.linkStates[node] = statuses
	h.mu.Unlock()
	return nil
}

func (h *testHost) description(node labels.NodeID) ([]string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.descriptions[node]
	return s, ok
}

func (h *testHost) linkState(node labels.NodeID) ([]link.Status, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.linkStates[node]
	return s, ok
}

func testConfigs(t *testing.T) (*secure.Config, *secure.Config) {
	t.Helper()
	dir := t.TempDir()
	cert, key := filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
	require.NoError(t, secure.GenerateSelfSigned(cert, key))
	client, err := secure.LoadClientConfig(cert, key)
	require.NoError(t, err)
	server, err := secure.LoadServerConfig(cert, key)
	require.NoError(t, err)
	return client, server
}

// testPair connects a client peer and a server peer over two links joined
// back to back.
type testPair struct {
	client, server         *Peer
	clientHost, serverHost *testHost
	clientLink, serverLink *link.Link
	clientCfg              *secure.Config

	// clientRef is what the client link delivers to.
	clientRef atomic.Pointer[Peer]
}

// pump moves frames from one link to the other, discarding those drop
// selects. A nil drop keeps every frame.
func pump(ctx context.Context, from, to *link.Link, drop func(n int) bool) {
	for n := 0; ; n++ {
		frame, err := from.NextSend(ctx)
		if err != nil {
			return
		}
		if drop != nil && drop(n) {
			continue
		}
		_ = to.ReceivedPacket(frame)
	}
}

func newTestPair(t *testing.T, linkStates observable.Stream[[]link.Status], services observable.Stream[[]string]) *testPair {
	t.Helper()
	return newLossyTestPair(t, linkStates, services, nil)
}

// newLossyTestPair is newTestPair with drop applied to client to server
// frames.
func newLossyTestPair(t *testing.T, linkStates observable.Stream[[]link.Status], services observable.Stream[[]string], drop func(n int) bool) *testPair {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	clientCfg, serverCfg := testConfigs(t)
	p := &testPair{clientHost: newTestHost(clientNode), serverHost: newTestHost(serverNode), clientCfg: clientCfg}
	p.clientLink, p.serverLink = p.newLinks(t, 1)

	id, err := labels.NewConnectionID()
	require.NoError(t, err)
	p.client, err = NewClient(p.clientHost, clientNode, serverNode, clientCfg, id, weak.Make(p.clientLink), linkStates, services)
	require.NoError(t, err)
	p.clientRef.Store(p.client)
	p.server, err = NewServer(p.serverHost, serverNode, clientNode, serverCfg, id, weak.Make(p.serverLink))
	require.NoError(t, err)

	go pump(ctx, p.clientLink, p.serverLink, drop)
	go pump(ctx, p.serverLink, p.clientLink, nil)

	t.Cleanup(func() {
		cancel()
		_ = p.clientRef.Load().Close()
		_ = p.client.Close()
		_ = p.server.Close()
	})
	return p
}

// newLinks returns a client side and a server side link with the given id.
func (p *testPair) newLinks(t *testing.T, id labels.NodeLinkID) (*link.Link, *link.Link) {
	t.Helper()
	var clientLink, serverLink *link.Link
	clientLink, err := link.New(serverNode, id, func(_ labels.NodeLinkID, frame []byte) error {
		pkt, err := link.ParsePacket(frame)
		if err != nil {
			return err
		}
		p.clientRef.Load().ReceivePacket(pkt.Payload, weak.Make(clientLink))
		return nil
	})
	require.NoError(t, err)
	serverLink, err = link.New(clientNode, id, func(_ labels.NodeLinkID, frame []byte) error {
		pkt, err := link.ParsePacket(frame)
		if err != nil {
			return err
		}
		p.server.ReceivePacket(pkt.Payload, weak.Make(serverLink))
		return nil
	})
	require.NoError(t, err)
	return clientLink, serverLink
}

func registerEcho(t *testing.T, h *testHost) {
	t.Helper()
	require.NoError(t, h.services.RegisterService("echo", servicemap.ProviderFunc(
		func(_ context.Context, ch net.Conn, _ servicemap.ConnectionInfo) error {
			go func() {
				defer ch.Close()
				_, _ = io.Copy(ch, ch)
			}()
			return nil
		})))
}

// echo sends msg through the echo service of client's remote and checks the
// reply.
func echo(t *testing.T, client *Peer, msg string) {
	t.Helper()
	channel, user := net.Pipe()
	defer user.Close()
	require.NoError(t, client.NewStream(context.Background(), "echo", channel))

	go func() { _, _ = user.Write([]byte(msg)) }()
	require.NoError(t, user.SetReadDeadline(time.Now().Add(10*time.Second)))
	buf := make([]byte, len(msg))
	_, err := io.ReadFull(user, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, string(buf))
}

func TestStreamDeliversBytesToService(t *testing.T) {
	p := newTestPair(t, nil, nil)
	got := make(chan []byte, 1)
	require.NoError(t, p.serverHost.services.RegisterService("hello world", servicemap.ProviderFunc(
		func(_ context.Context, ch net.Conn, info servicemap.ConnectionInfo) error {
			assert.Equal(t, clientNode, info.PeerNodeID)
			go func() {
				buf := make([]byte, 5)
				if _, err := io.ReadFull(ch, buf); err == nil {
					got <- buf
				}
			}()
			return nil
		})))

	channel, user := net.Pipe()
	defer user.Close()
	require.NoError(t, p.client.NewStream(context.Background(), "hello world", channel))
	go func() { _, _ = user.Write([]byte{1, 2, 3, 4, 5}) }()

	select {
	case b := <-got:
		assert.Equal(t, []byte{1, 2, 3, 4, 5}, b)
	case <-time.After(10 * time.Second):
		t.Fatal("service never received the bytes")
	}
}

func TestStreamEchoRoundTrip(t *testing.T) {
	p := newTestPair(t, nil, nil)
	registerEcho(t, p.serverHost)

	echo(t, p.client, "ping")
	assert.Eventually(t, func() bool { return p.client.Diagnostics(clientNode).Connected }, 5*time.Second, 10*time.Millisecond)
}

func TestStreamSurvivesDroppedPackets(t *testing.T) {
	// Lose the first handshake flight and a later data packet.
	p := newLossyTestPair(t, nil, nil, func(n int) bool { return n == 0 || n == 4 || n == 5 })
	registerEcho(t, p.serverHost)

	echo(t, p.client, "first")
	echo(t, p.client, "second")
	assert.False(t, p.client.IsClosed())
	assert.EqualValues(t, 1, p.client.Diagnostics(clientNode).Handshakes)
}

func TestStreamSurvivesLinkChange(t *testing.T) {
	p := newTestPair(t, nil, nil)
	registerEcho(t, p.serverHost)
	echo(t, p.client, "before")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clientLink, serverLink := p.newLinks(t, 2)
	go pump(ctx, clientLink, serverLink, nil)
	go pump(ctx, serverLink, clientLink, nil)
	require.NoError(t, p.clientLink.Close())
	require.NoError(t, p.serverLink.Close())
	p.client.UpdateLink(weak.Make(clientLink))
	p.server.UpdateLink(weak.Make(serverLink))

	echo(t, p.client, "after")
	assert.Equal(t, labels.NodeLinkID(2), p.client.Diagnostics(clientNode).CurrentLink)
	assert.EqualValues(t, 1, p.server.Diagnostics(serverNode).Handshakes)
	runtime.KeepAlive(clientLink)
	runtime.KeepAlive(serverLink)
}

func TestServerAcceptsRestartedClient(t *testing.T) {
	p := newTestPair(t, nil, nil)
	registerEcho(t, p.serverHost)
	echo(t, p.client, "old")

	// The old client goes silent without closing, as a crashed process would.
	p.client.UpdateLink(weak.Pointer[link.Link]{})
	id, err := labels.NewConnectionID()
	require.NoError(t, err)
	restarted, err := NewClient(newTestHost(clientNode), clientNode, serverNode, p.clientCfg, id, weak.Make(p.clientLink), nil, nil)
	require.NoError(t, err)
	p.clientRef.Store(restarted)

	echo(t, restarted, "new")
	assert.False(t, p.server.IsClosed())
	assert.EqualValues(t, 2, p.server.Diagnostics(serverNode).Handshakes)
}

func TestUnknownServiceClosesChannel(t *testing.T) {
	p := newTestPair(t, nil, nil)
	channel, user := net.Pipe()
	defer user.Close()
	require.NoError(t, p.client.NewStream(context.Background(), "missing", channel))

	done := make(chan error, 1)
	go func() {
		_, err := user.Read(make([]byte, 1))
		done <- err
	}()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("channel stayed open after the service was refused")
	}
}

func TestServerPeerCannotOpenStreams(t *testing.T) {
	p := newTestPair(t, nil, nil)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	assert.ErrorIs(t, p.server.NewStream(context.Background(), "x", a), ErrNotClient)
}

func TestClientAdvertisesServicesAndLinkState(t *testing.T) {
	services := observable.New([]string{"a", "b"})
	states := observable.New([]link.Status{{To: 9, LocalID: 3}})
	p := newTestPair(t, states.NewObserver(), services.NewObserver())

	require.Eventually(t, func() bool {
		s, ok := p.serverHost.description(clientNode)
		return ok && assert.ObjectsAreEqual([]string{"a", "b"}, s)
	}, 10*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		s, ok := p.serverHost.linkState(clientNode)
		return ok && len(s) == 1 && s[0].To == 9
	}, 10*time.Second, 10*time.Millisecond)

	services.Push([]string{"c"})
	require.Eventually(t, func() bool {
		s, _ := p.serverHost.description(clientNode)
		return assert.ObjectsAreEqual([]string{"c"}, s)
	}, 10*time.Second, 10*time.Millisecond)
}

func TestEventStreamIsTakenOnce(t *testing.T) {
	p := newTestPair(t, nil, nil)
	events := p.client.TakeEventStream()
	require.NotNil(t, events)
	assert.Nil(t, p.client.TakeEventStream())

	select {
	case ev := <-events:
		assert.Equal(t, EventConnected, ev.Kind)
	case <-time.After(10 * time.Second):
		t.Fatal("no connected event")
	}

	require.NoError(t, p.client.Close())
	select {
	case ev := <-events:
		assert.Equal(t, EventClosed, ev.Kind)
		assert.ErrorIs(t, ev.Err, ErrPeerClosed)
	case <-time.After(time.Second):
		t.Fatal("no closed event")
	}

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	assert.ErrorIs(t, p.client.NewStream(context.Background(), "x", a), ErrPeerClosed)
	assert.True(t, p.client.Diagnostics(clientNode).Closed)
}

func TestServerAdoptsArrivalLink(t *testing.T) {
	_, serverCfg := testConfigs(t)
	id, err := labels.NewConnectionID()
	require.NoError(t, err)
	s, err := NewServer(newTestHost(serverNode), serverNode, clientNode, serverCfg, id, weak.Pointer[link.Link]{})
	require.NoError(t, err)
	defer s.Close()
	assert.Nil(t, s.CurrentLink())

	l, err := link.New(clientNode, 4, func(labels.NodeLinkID, []byte) error { return nil })
	require.NoError(t, err)
	s.ReceivePacket([]byte("not a handshake"), weak.Make(l))
	assert.Same(t, l, s.CurrentLink())
	assert.Equal(t, labels.NodeLinkID(4), s.Diagnostics(serverNode).CurrentLink)
	runtime.KeepAlive(l)
}

func TestClientPacketsCarryFlags(t *testing.T) {
	clientCfg, serverCfg := testConfigs(t)
	id, err := labels.NewConnectionID()
	require.NoError(t, err)
	_, err = NewClient(newTestHost(clientNode), clientNode, serverNode, serverCfg, id, weak.Pointer[link.Link]{}, nil, nil)
	assert.ErrorIs(t, err, secure.ErrWrongRole)
	c, err := NewClient(newTestHost(clientNode), clientNode, serverNode, clientCfg, id, weak.Pointer[link.Link]{}, nil, nil)
	require.NoError(t, err)
	defer c.Close()

	pkt := c.packet([]byte("x"))
	assert.True(t, pkt.Flags.Has(link.FlagToServer))
	assert.True(t, pkt.Flags.Has(link.FlagInitial))
	assert.Equal(t, clientNode, pkt.Src)
	assert.Equal(t, serverNode, pkt.Dst)

	c.heardFromRemote.Store(true)
	assert.False(t, c.packet(nil).Flags.Has(link.FlagInitial))
}
