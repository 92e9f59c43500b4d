package link

import (
	"errors"

	"github.com/go-i2p/go-overnet/lib/common/labels"
	"github.com/samber/oops"
)

// HeaderSize is the length of the routing header in front of every payload.
const HeaderSize = 2*labels.NodeIDSize + 1

// MaxPayloadSize bounds the payload carried by one packet.
const MaxPayloadSize = 32 * 1024

// MaxFrameSize is the largest frame a link will carry.
const MaxFrameSize = HeaderSize + MaxPayloadSize

// ErrShortPacket is returned for frames that cannot hold a routing header.
var ErrShortPacket = errors.New("packet shorter than routing header")

// Flags describe how the destination router should dispatch a packet.
type Flags uint8

const (
	// FlagToServer marks packets sent by a client peer; the destination
	// delivers them to its server peer for the source node.
	FlagToServer Flags = 1 << iota
	// FlagInitial marks packets sent before the connection saw any reply.
	// Only such packets may create a server peer.
	FlagInitial
)

// Has reports whether every bit of f2 is set.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// Packet is one routed datagram between two nodes.
type Packet struct {
	Src     labels.NodeID
	Dst     labels.NodeID
	Flags   Flags
	Payload []byte
}

// Marshal encodes the packet into a new frame.
func (p Packet) Marshal() []byte {
	frame := make([]byte, HeaderSize+len(p.Payload))
	src := p.Src.Bytes()
	dst := p.Dst.Bytes()
	copy(frame[0:], src[:])
	copy(frame[labels.NodeIDSize:], dst[:])
	frame[2*labels.NodeIDSize] = byte(p.Flags)
	copy(frame[HeaderSize:], p.Payload)
	return frame
}

// ParsePacket decodes a frame. The returned payload aliases frame.
func ParsePacket(frame []byte) (Packet, error) {
	if len(frame) < HeaderSize {
		return Packet{}, oops.Wrapf(ErrShortPacket, "frame of %d bytes", len(frame))
	}
	if len(frame) > MaxFrameSize {
		return Packet{}, oops.Errorf("frame of %d bytes exceeds limit %d", len(frame), MaxFrameSize)
	}
	src, _ := labels.NodeIDFromBytes(frame[0:])
	dst, _ := labels.NodeIDFromBytes(frame[labels.NodeIDSize:])
	return Packet{
		Src:     src,
		Dst:     dst,
		Flags:   Flags(frame[2*labels.NodeIDSize]),
		Payload: frame[HeaderSize:],
	}, nil
}
