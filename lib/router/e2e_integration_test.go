package router

import (
	"context"
	"net"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-i2p/go-overnet/lib/common/labels"
	"github.com/go-i2p/go-overnet/lib/link"
	"github.com/go-i2p/go-overnet/lib/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// expectHello connects a to the "hello world" service on b through channel
// and checks that the bytes written on the far end reach b's provider.
func expectHello(t *testing.T, a, b *Router, got <-chan received) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	near, far := net.Pipe()
	defer far.Close()
	require.NoError(t, a.ConnectToService(ctx, b.NodeID(), "hello world", near))

	_, err := far.Write([]byte{1, 2, 3, 4, 5})
	require.NoError(t, err)

	select {
	case rcv := <-got:
		assert.Equal(t, []byte{1, 2, 3, 4, 5}, rcv.data)
		assert.Equal(t, a.NodeID(), rcv.from)
	case <-ctx.Done():
		t.Fatal("provider never received the bytes")
	}
}

func TestHelloWorldOverRelayedLinks(t *testing.T) {
	a := newTestRouter(t, 0)
	b := newTestRouter(t, 0)
	got := make(chan received, 1)
	require.NoError(t, b.RegisterService("hello world", readingProvider(5, got)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	la, err := a.NewLink(ctx, b.NodeID())
	require.NoError(t, err)
	lb, err := b.NewLink(ctx, a.NodeID())
	require.NoError(t, err)
	go relay(ctx, la, lb)
	go relay(ctx, lb, la)

	expectHello(t, a, b, got)

	diags := a.Diagnostics()
	require.NotEmpty(t, diags.Peers)
	assert.Equal(t, b.NodeID(), diags.Peers[0].Destination)
	runtime.KeepAlive(la)
	runtime.KeepAlive(lb)
}

// lossyRelay is relay that discards every frame drop selects.
func lossyRelay(ctx context.Context, from, to *link.Link, drop func() bool) {
	for {
		frame, err := from.NextSend(ctx)
		if err != nil {
			return
		}
		if drop() {
			continue
		}
		_ = to.ReceivedPacket(frame)
	}
}

func TestHelloSurvivesLostFrameAndLinkReplacement(t *testing.T) {
	a := newTestRouter(t, 0)
	b := newTestRouter(t, 0)
	got := make(chan received, 1)
	require.NoError(t, b.RegisterService("hello world", readingProvider(5, got)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	la, err := a.NewLink(ctx, b.NodeID())
	require.NoError(t, err)
	lb, err := b.NewLink(ctx, a.NodeID())
	require.NoError(t, err)
	var dropNext atomic.Bool
	go lossyRelay(ctx, la, lb, func() bool { return dropNext.CompareAndSwap(true, false) })
	go relay(ctx, lb, la)

	expectHello(t, a, b, got)
	clientKey := labels.PeerKey{NodeID: b.NodeID(), Endpoint: labels.Client}
	client := a.existingPeer(clientKey)
	require.NotNil(t, client)

	dropNext.Store(true)
	expectHello(t, a, b, got)
	assert.False(t, dropNext.Load(), "no A to B frame was dropped")

	la2, err := a.NewLink(ctx, b.NodeID())
	require.NoError(t, err)
	lb2, err := b.NewLink(ctx, a.NodeID())
	require.NoError(t, err)
	go relay(ctx, la2, lb2)
	go relay(ctx, lb2, la2)
	require.NoError(t, la.Close())
	require.NoError(t, lb.Close())

	expectHello(t, a, b, got)
	assert.Same(t, client, a.existingPeer(clientKey), "the client peer outlived its link")
	assert.False(t, client.IsClosed())
	assert.Same(t, la2, client.CurrentLink())
	assert.EqualValues(t, 1, client.Diagnostics(a.NodeID()).Handshakes)
	runtime.KeepAlive(la)
	runtime.KeepAlive(lb)
	runtime.KeepAlive(lb2)
}

func TestHelloWorldOverSocketLink(t *testing.T) {
	a := newTestRouter(t, 0)
	b := newTestRouter(t, 0)
	got := make(chan received, 1)
	require.NoError(t, b.RegisterService("hello world", readingProvider(5, got)))

	ca, cb := net.Pipe()
	ctx := context.Background()
	var g errgroup.Group
	g.Go(func() error {
		return a.AttachSocketLink(ctx, ca, transport.SocketLinkOptions{ConnectionLabel: "to-b"})
	})
	g.Go(func() error {
		return b.AttachSocketLink(ctx, cb, transport.SocketLinkOptions{ConnectionLabel: "to-a"})
	})
	require.NoError(t, g.Wait())

	expectHello(t, a, b, got)

	links := a.LinkDiagnostics()
	require.Len(t, links, 1)
	assert.Equal(t, "to-b", links[0].Label)
	assert.Equal(t, b.NodeID(), links[0].PeerNodeID)
}

func TestSocketLinkRejectsLoopback(t *testing.T) {
	a := newTestRouter(t, 5)
	b := newTestRouter(t, 5)

	ca, cb := net.Pipe()
	ctx := context.Background()
	var g errgroup.Group
	var errA, errB error
	g.Go(func() error {
		errA = a.AttachSocketLink(ctx, ca, transport.SocketLinkOptions{})
		return nil
	})
	g.Go(func() error {
		errB = b.AttachSocketLink(ctx, cb, transport.SocketLinkOptions{})
		return nil
	})
	require.NoError(t, g.Wait())
	assert.ErrorIs(t, errA, ErrLoopbackNotAllowed)
	assert.ErrorIs(t, errB, ErrLoopbackNotAllowed)
	assert.Empty(t, a.LinkDiagnostics())
}

func TestSocketLinkRejectsZeroRate(t *testing.T) {
	r := newTestRouter(t, 1)
	zero := uint64(0)
	ca, cb := net.Pipe()
	defer cb.Close()

	err := r.AttachSocketLink(context.Background(), ca, transport.SocketLinkOptions{BytesPerSecond: &zero})
	assert.ErrorIs(t, err, ErrInvalidPacingOption)
	assert.Empty(t, r.LinkDiagnostics())
}

func TestCloseStopsSocketLinks(t *testing.T) {
	a := newTestRouter(t, 0)
	b := newTestRouter(t, 0)

	ca, cb := net.Pipe()
	ctx := context.Background()
	var g errgroup.Group
	g.Go(func() error { return a.AttachSocketLink(ctx, ca, transport.SocketLinkOptions{}) })
	g.Go(func() error { return b.AttachSocketLink(ctx, cb, transport.SocketLinkOptions{}) })
	require.NoError(t, g.Wait())

	done := make(chan struct{})
	go func() {
		_ = a.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not stop the socket pump")
	}
}
