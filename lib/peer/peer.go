// Package peer implements a QUIC connection to one remote node, carried by
// whichever link the router currently assigns. QUIC retransmits packets lost
// when links drop frames or change under a live connection.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/go-i2p/go-overnet/lib/common/labels"
	"github.com/go-i2p/go-overnet/lib/link"
	"github.com/go-i2p/go-overnet/lib/observable"
	"github.com/go-i2p/go-overnet/lib/secure"
	"github.com/go-i2p/logger"
	"github.com/quic-go/quic-go"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

var (
	ErrPeerClosed = errors.New("peer connection closed")
	ErrNotClient  = errors.New("streams can only be opened on client peers")
	ErrProtocol   = errors.New("peer protocol violation")
)

// Connection close codes.
const (
	codeConnClosed     quic.ApplicationErrorCode = 0
	codeConnSuperseded quic.ApplicationErrorCode = 1
)

// Host is what a peer needs from the router that owns it.
type Host interface {
	// ConnectLocalService hands an inbound stream to a local service.
	ConnectLocalService(ctx context.Context, service string, channel net.Conn, from labels.NodeID) error
	// UpdateNodeDescription records the services advertised by node.
	UpdateNodeDescription(node labels.NodeID, services []string)
	// UpdateRemoteLinkStatus forwards node's link-state vector to route planning.
	UpdateRemoteLinkStatus(ctx context.Context, node labels.NodeID, statuses []link.Status) error
}

// EventKind identifies a peer lifecycle event.
type EventKind int

const (
	// EventConnected fires once the first handshake completes.
	EventConnected EventKind = iota
	// EventClosed fires when the connection ends; Err says why.
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is delivered on the stream returned by TakeEventStream.
type Event struct {
	Kind EventKind
	Err  error
}

// Diagnostics describes one peer connection.
type Diagnostics struct {
	Source          labels.NodeID     `json:"source" yaml:"source"`
	Destination     labels.NodeID     `json:"destination" yaml:"destination"`
	Endpoint        string            `json:"endpoint" yaml:"endpoint"`
	ConnectionID    string            `json:"connection_id" yaml:"connection_id"`
	CurrentLink     labels.NodeLinkID `json:"current_link" yaml:"current_link"`
	Connected       bool              `json:"connected" yaml:"connected"`
	Closed          bool              `json:"closed" yaml:"closed"`
	Streams         int               `json:"streams" yaml:"streams"`
	SentPackets     uint64            `json:"sent_packets" yaml:"sent_packets"`
	ReceivedPackets uint64            `json:"received_packets" yaml:"received_packets"`
	DroppedPackets  uint64            `json:"dropped_packets" yaml:"dropped_packets"`
	Handshakes      uint64            `json:"handshakes" yaml:"handshakes"`
}

// Peer is a QUIC connection to one remote node in one role. A server peer
// keeps listening, so a restarted client replaces the connection it serves.
type Peer struct {
	host     Host
	local    labels.NodeID
	remote   labels.NodeID
	endpoint labels.Endpoint
	id       labels.ConnectionID

	pc *packetConn
	tr *secure.Transport

	links *observable.Observable[weak.Pointer[link.Link]]

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conn      *secure.Conn
	ready     chan struct{}
	readyOnce sync.Once

	controlMu sync.Mutex
	control   *quic.Stream

	events      chan Event
	eventsTaken atomic.Bool

	heardFromRemote atomic.Bool
	connected       atomic.Bool
	closed          atomic.Bool
	closeOnce       sync.Once

	streams    atomic.Int64
	handshakes atomic.Uint64
	sent       atomic.Uint64
	received   atomic.Uint64
	dropped    atomic.Uint64
}

// NewClient starts the client side of a connection to remote. Local link
// state and local services are advertised to the remote as they change.
func NewClient(host Host, local, remote labels.NodeID, cfg *secure.Config, id labels.ConnectionID,
	linkHint weak.Pointer[link.Link], linkStates observable.Stream[[]link.Status], localServices observable.Stream[[]string],
) (*Peer, error) {
	if cfg == nil || cfg.Role != labels.Client {
		return nil, oops.Wrapf(secure.ErrWrongRole, "client connection to %s", remote)
	}
	p := newPeer(host, local, remote, labels.Client, cfg, id, linkHint)
	p.logStart()
	go p.sendLoop()
	go p.dial()

	if localServices != nil {
		go p.advertise(frameServices, func(ctx context.Context) (any, error) { return localServices.Next(ctx) })
	}
	if linkStates != nil {
		go p.advertise(frameLinkStatus, func(ctx context.Context) (any, error) { return linkStates.Next(ctx) })
	}
	return p, nil
}

// NewServer starts the server side of a connection initiated by remote.
func NewServer(host Host, local, remote labels.NodeID, cfg *secure.Config, id labels.ConnectionID, linkHint weak.Pointer[link.Link]) (*Peer, error) {
	p := newPeer(host, local, remote, labels.Server, cfg, id, linkHint)
	ln, err := p.tr.Listen()
	if err != nil {
		p.cancel()
		_ = p.pc.Close()
		return nil, oops.Wrapf(err, "server connection from %s", remote)
	}
	p.logStart()
	go p.sendLoop()
	go p.acceptConns(ln)
	return p, nil
}

func newPeer(host Host, local, remote labels.NodeID, endpoint labels.Endpoint, cfg *secure.Config,
	id labels.ConnectionID, linkHint weak.Pointer[link.Link],
) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	pc := newPacketConn(local, remote)
	return &Peer{
		host:     host,
		local:    local,
		remote:   remote,
		endpoint: endpoint,
		id:       id,
		pc:       pc,
		tr:       cfg.NewTransport(pc),
		links:    observable.New(linkHint),
		ctx:      ctx,
		cancel:   cancel,
		ready:    make(chan struct{}),
		events:   make(chan Event, 8),
	}
}

func (p *Peer) logStart() {
	log.WithFields(logger.Fields{
		"at":            "(Peer) start",
		"local":         p.local,
		"remote":        p.remote,
		"endpoint":      p.endpoint,
		"connection_id": p.id,
	}).Debug("starting peer connection")
}

// dial runs the client connection until it ends.
func (p *Peer) dial() {
	conn, err := p.tr.Dial(p.ctx, nodeAddr(p.remote))
	if err != nil {
		p.shutdown(oops.Wrapf(err, "handshake with %s", p.remote))
		return
	}
	p.adopt(conn)
	<-conn.Context().Done()
	p.shutdown(connError(conn))
}

// acceptConns serves every connection the remote establishes. The newest
// supersedes the one before it.
func (p *Peer) acceptConns(ln *secure.Listener) {
	for {
		conn, err := ln.Accept(p.ctx)
		if err != nil {
			p.shutdown(oops.Wrapf(err, "accepting from %s", p.remote))
			return
		}
		if prev := p.adopt(conn); prev != nil {
			log.WithFields(logger.Fields{
				"at":     "(Peer) acceptConns",
				"remote": p.remote,
			}).Info("remote reconnected, replacing connection")
			_ = prev.CloseWithError(codeConnSuperseded, "superseded")
		}
		go p.serve(conn)
	}
}

// adopt makes conn the current connection and returns the previous one.
func (p *Peer) adopt(conn *secure.Conn) *secure.Conn {
	p.mu.Lock()
	prev := p.conn
	p.conn = conn
	p.mu.Unlock()

	p.handshakes.Add(1)
	if p.connected.CompareAndSwap(false, true) {
		p.emit(Event{Kind: EventConnected})
	}
	p.readyOnce.Do(func() { close(p.ready) })
	log.WithFields(logger.Fields{
		"at":       "(Peer) adopt",
		"remote":   p.remote,
		"endpoint": p.endpoint,
		"protocol": conn.ConnectionState().TLS.NegotiatedProtocol,
	}).Info("peer connected")
	return prev
}

func (p *Peer) current() *secure.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// serve accepts streams on one server connection until it ends. The peer
// closes with it unless a newer connection took over.
func (p *Peer) serve(conn *secure.Conn) {
	for {
		s, err := conn.AcceptStream(p.ctx)
		if err != nil {
			break
		}
		go p.acceptStream(s)
	}
	if p.current() == conn {
		p.shutdown(connError(conn))
	}
}

// connError is the reason conn ended.
func connError(conn *secure.Conn) error {
	err := context.Cause(conn.Context())
	var appErr *quic.ApplicationError
	if err == nil || (errors.As(err, &appErr) && appErr.ErrorCode == codeConnClosed) {
		return ErrPeerClosed
	}
	return err
}

// sendLoop moves outbound packets onto the current link, waiting for a new
// link whenever the current one is gone.
func (p *Peer) sendLoop() {
	ob := p.links.NewObserver()
	current, err := ob.Next(p.ctx)
	if err != nil {
		return
	}
	for {
		var payload []byte
		select {
		case payload = <-p.pc.out:
		case <-p.ctx.Done():
			return
		}
		frame := p.packet(payload).Marshal()
		for {
			if l := current.Value(); l != nil {
				if err := l.Send(p.ctx, frame); err == nil {
					p.sent.Add(1)
					break
				} else if p.ctx.Err() != nil {
					return
				}
			}
			if current, err = ob.Next(p.ctx); err != nil {
				return
			}
		}
	}
}

func (p *Peer) packet(payload []byte) link.Packet {
	var flags link.Flags
	if p.endpoint == labels.Client {
		flags |= link.FlagToServer
		if !p.heardFromRemote.Load() {
			flags |= link.FlagInitial
		}
	}
	return link.Packet{Src: p.local, Dst: p.remote, Flags: flags, Payload: payload}
}

// ReceivePacket feeds a packet payload that arrived on arrival to the QUIC
// transport. A server peer without a usable link adopts arrival.
func (p *Peer) ReceivePacket(payload []byte, arrival weak.Pointer[link.Link]) {
	p.received.Add(1)
	p.heardFromRemote.Store(true)
	if p.endpoint == labels.Server && p.links.Current().Value() == nil && arrival.Value() != nil {
		p.UpdateLink(arrival)
	}
	if !p.pc.deliver(payload) {
		p.dropped.Add(1)
		log.WithFields(logger.Fields{
			"at":     "(Peer) ReceivePacket",
			"remote": p.remote,
		}).Debug("dropping inbound packet")
	}
}

// UpdateLink assigns the link this peer sends on.
func (p *Peer) UpdateLink(l weak.Pointer[link.Link]) {
	p.links.Push(l)
}

// CurrentLink returns the link this peer sends on, or nil.
func (p *Peer) CurrentLink() *link.Link {
	return p.links.Current().Value()
}

// connection waits for the handshake to complete.
func (p *Peer) connection(ctx context.Context) (*secure.Conn, error) {
	select {
	case <-p.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	conn := p.current()
	if conn == nil || p.closed.Load() {
		return nil, oops.Wrapf(ErrPeerClosed, "peer %s", p.remote)
	}
	return conn, nil
}

// NewStream requests a stream to service on the remote node and joins it to
// channel. It returns once the request is queued; the stream opens when the
// handshake completes and data flows until either side closes. A stream that
// cannot be opened closes channel.
func (p *Peer) NewStream(ctx context.Context, service string, channel net.Conn) error {
	if p.endpoint != labels.Client {
		return oops.Wrapf(ErrNotClient, "peer %s is a server peer", p.remote)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.closed.Load() {
		return oops.Wrapf(ErrPeerClosed, "peer %s", p.remote)
	}
	if len(service) > maxServiceName {
		return oops.Wrapf(ErrProtocol, "service name of %d bytes", len(service))
	}
	p.streams.Add(1)
	go p.openStream(service, channel)
	return nil
}

func (p *Peer) openStream(service string, channel net.Conn) {
	s, err := p.dialStream(service)
	if err != nil {
		p.streams.Add(-1)
		log.WithError(err).WithFields(logger.Fields{
			"at":      "(Peer) openStream",
			"remote":  p.remote,
			"service": service,
		}).Warn("could not open stream")
		_ = channel.Close()
		return
	}
	log.WithFields(logger.Fields{
		"at":        "(Peer) openStream",
		"remote":    p.remote,
		"service":   service,
		"stream_id": s.StreamID(),
	}).Debug("opened stream")
	join(newStreamConn(s, nodeAddr(p.local), nodeAddr(p.remote), func() { p.streams.Add(-1) }), channel)
}

func (p *Peer) dialStream(service string) (*quic.Stream, error) {
	conn, err := p.connection(p.ctx)
	if err != nil {
		return nil, err
	}
	s, err := conn.OpenStreamSync(p.ctx)
	if err != nil {
		return nil, oops.Wrapf(err, "open stream to %s on %s", service, p.remote)
	}
	if err := writeHeader(s, streamService, service); err != nil {
		s.CancelWrite(codeStreamRefused)
		s.CancelRead(codeStreamRefused)
		return nil, err
	}
	return s, nil
}

// acceptStream serves a stream the remote opened.
func (p *Peer) acceptStream(s *quic.Stream) {
	kind, service, err := readHeader(s)
	if err != nil {
		log.WithError(err).WithField("remote", p.remote).Warn("bad stream header")
		s.CancelWrite(codeStreamRefused)
		s.CancelRead(codeStreamRefused)
		return
	}
	if kind == streamControl {
		p.readControl(s)
		return
	}

	p.streams.Add(1)
	sc := newStreamConn(s, nodeAddr(p.local), nodeAddr(p.remote), func() { p.streams.Add(-1) })
	if err := p.host.ConnectLocalService(p.ctx, service, sc, p.remote); err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"at":      "(Peer) acceptStream",
			"remote":  p.remote,
			"service": service,
		}).Warn("service refused stream")
		sc.refuse()
	}
}

// advertise sends each value from next to the remote as a control frame.
func (p *Peer) advertise(t frameType, next func(context.Context) (any, error)) {
	for {
		v, err := next(p.ctx)
		if err != nil {
			return
		}
		payload, err := json.Marshal(v)
		if err != nil {
			log.WithError(err).WithField("type", t).Error("failed to encode advertisement")
			continue
		}
		if err := p.sendControl(t, payload); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"at":     "(Peer) advertise",
				"remote": p.remote,
				"type":   t,
			}).Debug("advertisement stopped")
			return
		}
	}
}

// sendControl writes one control frame, opening the control stream first.
func (p *Peer) sendControl(t frameType, payload []byte) error {
	if len(payload) > maxControlPayload {
		return oops.Wrapf(ErrProtocol, "%s payload of %d bytes is too large", t, len(payload))
	}
	p.controlMu.Lock()
	defer p.controlMu.Unlock()
	if p.control == nil {
		conn, err := p.connection(p.ctx)
		if err != nil {
			return err
		}
		s, err := conn.OpenStreamSync(p.ctx)
		if err != nil {
			return oops.Wrapf(err, "open control stream to %s", p.remote)
		}
		if err := writeHeader(s, streamControl, ""); err != nil {
			return err
		}
		p.control = s
	}
	_, err := p.control.Write(encodeFrame(t, payload))
	return err
}

// readControl applies the remote's control frames until the stream ends.
func (p *Peer) readControl(s *quic.Stream) {
	defer s.CancelRead(codeStreamClosed)
	hdr := make([]byte, controlHeaderSize)
	for {
		t, payload, err := readFrame(s, hdr)
		if err != nil {
			if !errors.Is(err, io.EOF) && p.ctx.Err() == nil {
				log.WithError(err).WithField("remote", p.remote).Debug("control stream ended")
			}
			return
		}
		p.handleControl(t, payload)
	}
}

func (p *Peer) handleControl(t frameType, payload []byte) {
	switch t {
	case frameServices:
		var services []string
		if err := json.Unmarshal(payload, &services); err != nil {
			log.WithError(err).WithField("remote", p.remote).Warn("bad service advertisement")
			return
		}
		p.host.UpdateNodeDescription(p.remote, services)
	case frameLinkStatus:
		var statuses []link.Status
		if err := json.Unmarshal(payload, &statuses); err != nil {
			log.WithError(err).WithField("remote", p.remote).Warn("bad link-state advertisement")
			return
		}
		if err := p.host.UpdateRemoteLinkStatus(p.ctx, p.remote, statuses); err != nil {
			log.WithError(err).WithField("remote", p.remote).Debug("dropping remote link state")
		}
	default:
		log.WithFields(logger.Fields{
			"at":   "(Peer) handleControl",
			"type": uint8(t),
		}).Warn("ignoring unknown control frame")
	}
}

// TakeEventStream hands out the lifecycle event channel. Only the first
// caller receives it; later callers get nil.
func (p *Peer) TakeEventStream() <-chan Event {
	if !p.eventsTaken.CompareAndSwap(false, true) {
		return nil
	}
	return p.events
}

func (p *Peer) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
	}
}

// Diagnostics reports the state of this connection as seen from source.
func (p *Peer) Diagnostics(source labels.NodeID) Diagnostics {
	d := Diagnostics{
		Source:          source,
		Destination:     p.remote,
		Endpoint:        p.endpoint.String(),
		ConnectionID:    p.id.String(),
		Connected:       p.connected.Load(),
		Closed:          p.closed.Load(),
		Streams:         int(p.streams.Load()),
		SentPackets:     p.sent.Load(),
		ReceivedPackets: p.received.Load(),
		DroppedPackets:  p.dropped.Load() + p.pc.dropped.Load(),
		Handshakes:      p.handshakes.Load(),
	}
	if l := p.CurrentLink(); l != nil {
		d.CurrentLink = l.ID()
	}
	return d
}

// Endpoint reports the role of this side of the connection.
func (p *Peer) Endpoint() labels.Endpoint { return p.endpoint }

// RemoteNodeID is the node at the other end.
func (p *Peer) RemoteNodeID() labels.NodeID { return p.remote }

// IsClosed reports whether the connection has ended.
func (p *Peer) IsClosed() bool { return p.closed.Load() }

// Close ends the connection and every stream on it.
func (p *Peer) Close() error {
	p.shutdown(ErrPeerClosed)
	return nil
}

func (p *Peer) shutdown(err error) {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.readyOnce.Do(func() { close(p.ready) })
		if conn := p.current(); conn != nil {
			_ = conn.CloseWithError(codeConnClosed, "")
		}
		p.cancel()
		_ = p.tr.Close()
		_ = p.pc.Close()
		p.links.Close()
		p.emit(Event{Kind: EventClosed, Err: err})
		log.WithError(err).WithFields(logger.Fields{
			"at":       "(Peer) shutdown",
			"remote":   p.remote,
			"endpoint": p.endpoint,
		}).Debug("peer connection ended")
	})
}
