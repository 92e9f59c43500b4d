package link

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/go-overnet/lib/common/labels"
	"github.com/go-i2p/go-overnet/lib/observable"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

// DefaultSendQueueSize is the number of frames a link buffers for its
// transport before Send blocks.
const DefaultSendQueueSize = 256

var (
	ErrLinkClosed    = errors.New("link is closed")
	ErrNoDeliverFunc = errors.New("link requires a deliver function")
	ErrFrameTooLarge = errors.New("frame exceeds maximum link frame size")
	ErrInvalidPeerID = errors.New("link peer node id must be non-zero")
)

// DeliverFunc hands a frame received on link id to whoever routes packets.
// Implementations must not retain a strong reference to the Link.
type DeliverFunc func(id labels.NodeLinkID, frame []byte) error

// Description is the routing-relevant state of a link.
type Description struct {
	PeerNodeID    labels.NodeID `json:"peer_node_id" yaml:"peer_node_id"`
	Label         string        `json:"label,omitempty" yaml:"label,omitempty"`
	RoundTripTime time.Duration `json:"round_trip_time" yaml:"round_trip_time"`
	Up            bool          `json:"up" yaml:"up"`
}

// Status is one entry of the link-state vector sent to the route planner.
type Status struct {
	To            labels.NodeID     `json:"to" yaml:"to"`
	LocalID       labels.NodeLinkID `json:"local_id" yaml:"local_id"`
	RoundTripTime time.Duration     `json:"round_trip_time" yaml:"round_trip_time"`
}

// Diagnostics is an introspection record for one link.
type Diagnostics struct {
	ID              labels.NodeLinkID `json:"id" yaml:"id"`
	PeerNodeID      labels.NodeID     `json:"peer_node_id" yaml:"peer_node_id"`
	Label           string            `json:"label,omitempty" yaml:"label,omitempty"`
	RoundTripTime   time.Duration     `json:"round_trip_time" yaml:"round_trip_time"`
	SentPackets     uint64            `json:"sent_packets" yaml:"sent_packets"`
	ReceivedPackets uint64            `json:"received_packets" yaml:"received_packets"`
	SentBytes       uint64            `json:"sent_bytes" yaml:"sent_bytes"`
	ReceivedBytes   uint64            `json:"received_bytes" yaml:"received_bytes"`
	Closed          bool              `json:"closed" yaml:"closed"`
}

// Link is one physical hop to a directly reachable neighbor. Frames queued
// with Send are drained by the transport through NextSend; frames read by the
// transport are handed to ReceivedPacket.
type Link struct {
	id         labels.NodeLinkID
	peerNodeID labels.NodeID
	deliver    DeliverFunc

	outbound  chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	desc         Description
	descriptions *observable.Observable[Description]

	sentPackets     atomic.Uint64
	receivedPackets atomic.Uint64
	sentBytes       atomic.Uint64
	receivedBytes   atomic.Uint64
}

// New creates a link to peerNodeID registered under id.
func New(peerNodeID labels.NodeID, id labels.NodeLinkID, deliver DeliverFunc) (*Link, error) {
	if deliver == nil {
		return nil, ErrNoDeliverFunc
	}
	if peerNodeID == 0 {
		return nil, oops.Wrapf(ErrInvalidPeerID, "creating link %s", id)
	}

	desc := Description{PeerNodeID: peerNodeID, Up: true}
	l := &Link{
		id:           id,
		peerNodeID:   peerNodeID,
		deliver:      deliver,
		outbound:     make(chan []byte, DefaultSendQueueSize),
		closed:       make(chan struct{}),
		desc:         desc,
		descriptions: observable.New(desc),
	}

	// Observers of an abandoned link must terminate even if nobody closed it.
	runtime.AddCleanup(l, func(d *observable.Observable[Description]) {
		d.Close()
	}, l.descriptions)

	log.WithFields(logger.Fields{
		"at":           "link.New",
		"link_id":      id,
		"peer_node_id": peerNodeID,
	}).Debug("created link")
	return l, nil
}

// ID returns the router-local link id.
func (l *Link) ID() labels.NodeLinkID {
	return l.id
}

// PeerNodeID returns the node at the other end of this hop.
func (l *Link) PeerNodeID() labels.NodeID {
	return l.peerNodeID
}

// NewDescriptionObserver follows changes of this link's description.
func (l *Link) NewDescriptionObserver() *observable.Observer[Description] {
	return l.descriptions.NewObserver()
}

// SetLabel attaches a human readable connection label.
func (l *Link) SetLabel(label string) {
	l.updateDescription(func(d *Description) { d.Label = label })
}

// SetRoundTripTime records a round trip measurement for routing.
func (l *Link) SetRoundTripTime(rtt time.Duration) {
	l.updateDescription(func(d *Description) { d.RoundTripTime = rtt })
}

func (l *Link) updateDescription(fn func(*Description)) {
	l.mu.Lock()
	fn(&l.desc)
	desc := l.desc
	l.mu.Unlock()
	l.descriptions.Push(desc)
}

// MakeStatus returns this link's entry for the link-state vector, or nil
// once the link is closed.
func (l *Link) MakeStatus() *Status {
	if l.IsClosed() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Status{
		To:            l.peerNodeID,
		LocalID:       l.id,
		RoundTripTime: l.desc.RoundTripTime,
	}
}

// DiagnosticInfo returns a snapshot of this link's state and counters.
func (l *Link) DiagnosticInfo() Diagnostics {
	l.mu.Lock()
	desc := l.desc
	l.mu.Unlock()
	return Diagnostics{
		ID:              l.id,
		PeerNodeID:      l.peerNodeID,
		Label:           desc.Label,
		RoundTripTime:   desc.RoundTripTime,
		SentPackets:     l.sentPackets.Load(),
		ReceivedPackets: l.receivedPackets.Load(),
		SentBytes:       l.sentBytes.Load(),
		ReceivedBytes:   l.receivedBytes.Load(),
		Closed:          l.IsClosed(),
	}
}

// Send queues a frame for the transport, blocking while the queue is full.
func (l *Link) Send(ctx context.Context, frame []byte) error {
	if len(frame) > MaxFrameSize {
		return oops.Wrapf(ErrFrameTooLarge, "frame of %d bytes on link %s", len(frame), l.id)
	}
	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
	}
	select {
	case l.outbound <- frame:
		l.sentPackets.Add(1)
		l.sentBytes.Add(uint64(len(frame)))
		return nil
	case <-l.closed:
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextSend blocks until a frame is ready for the transport to write.
func (l *Link) NextSend(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-l.outbound:
		return frame, nil
	case <-l.closed:
		return nil, ErrLinkClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReceivedPacket hands a frame read by the transport to the router.
func (l *Link) ReceivedPacket(frame []byte) error {
	if l.IsClosed() {
		return ErrLinkClosed
	}
	l.receivedPackets.Add(1)
	l.receivedBytes.Add(uint64(len(frame)))
	return l.deliver(l.id, frame)
}

// IsClosed reports whether Close has been called.
func (l *Link) IsClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// Close marks the link down and ends its description stream.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.updateDescription(func(d *Description) { d.Up = false })
		l.descriptions.Close()
		log.WithFields(logger.Fields{
			"at":           "(Link) Close",
			"link_id":      l.id,
			"peer_node_id": l.peerNodeID,
		}).Debug("link closed")
	})
	return nil
}
