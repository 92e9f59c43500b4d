package peer

import (
	"bytes"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/go-overnet/lib/common/labels"
)

const (
	// maxInboxPackets bounds datagrams waiting for the QUIC transport.
	maxInboxPackets = 1024
	// maxOutboxPackets bounds datagrams waiting for a link.
	maxOutboxPackets = 256
)

// nodeAddr is the net.Addr of an overlay node.
type nodeAddr labels.NodeID

func (a nodeAddr) Network() string { return "overnet" }
func (a nodeAddr) String() string  { return labels.NodeID(a).String() }

// packetConn presents routed packets to one remote node as a datagram
// socket. Like UDP it never blocks a writer and drops on overflow; QUIC
// retransmits what is lost.
type packetConn struct {
	local  labels.NodeID
	remote labels.NodeID
	out    chan []byte

	mu           sync.Mutex
	inbox        [][]byte
	readDeadline time.Time
	notify       chan struct{}

	dropped atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

var _ net.PacketConn = (*packetConn)(nil)

func newPacketConn(local, remote labels.NodeID) *packetConn {
	return &packetConn{
		local:  local,
		remote: remote,
		out:    make(chan []byte, maxOutboxPackets),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (c *packetConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *packetConn) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// deliver queues an inbound datagram. It never blocks; it reports false when
// the datagram was dropped.
func (c *packetConn) deliver(payload []byte) bool {
	if c.isClosed() {
		return false
	}
	c.mu.Lock()
	if len(c.inbox) >= maxInboxPackets {
		c.mu.Unlock()
		return false
	}
	c.inbox = append(c.inbox, bytes.Clone(payload))
	c.mu.Unlock()
	c.wake()
	return true
}

// ReadFrom returns the next datagram. A datagram longer than b is truncated.
func (c *packetConn) ReadFrom(b []byte) (int, net.Addr, error) {
	for {
		if c.isClosed() {
			return 0, nil, net.ErrClosed
		}
		c.mu.Lock()
		if len(c.inbox) > 0 {
			pkt := c.inbox[0]
			c.inbox[0] = nil
			c.inbox = c.inbox[1:]
			c.mu.Unlock()
			return copy(b, pkt), nodeAddr(c.remote), nil
		}
		deadline := c.readDeadline
		c.mu.Unlock()

		var timer *time.Timer
		var expired <-chan time.Time
		if !deadline.IsZero() {
			wait := time.Until(deadline)
			if wait <= 0 {
				return 0, nil, os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(wait)
			expired = timer.C
		}
		select {
		case <-c.notify:
		case <-expired:
		case <-c.done:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// WriteTo queues one datagram for the current link. The address is ignored;
// a packetConn only ever talks to its remote node.
func (c *packetConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	if c.isClosed() {
		return 0, net.ErrClosed
	}
	select {
	case c.out <- bytes.Clone(b):
	default:
		c.dropped.Add(1)
	}
	return len(b), nil
}

func (c *packetConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *packetConn) LocalAddr() net.Addr { return nodeAddr(c.local) }

func (c *packetConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

// SetReadDeadline wakes a blocked ReadFrom so it sees the new deadline.
func (c *packetConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	c.wake()
	return nil
}

// Writes never block, so a write deadline has nothing to bound.
func (c *packetConn) SetWriteDeadline(time.Time) error { return nil }
