package peer

import (
	"encoding/binary"
	"io"

	"github.com/samber/oops"
)

const (
	// maxServiceName bounds the service name in a stream header.
	maxServiceName = 1024
	// maxControlPayload bounds service and link-state advertisements.
	maxControlPayload = 1 << 20
	// controlHeaderSize is type(1) | payload length(4).
	controlHeaderSize = 5
)

// streamKind is the first byte of every stream the client opens.
type streamKind uint8

const (
	// streamService carries bytes for a named service on the server node.
	streamService streamKind = iota + 1
	// streamControl carries the client's advertisements as control frames.
	streamControl
)

// writeHeader starts a stream: kind(1) | name length(2) | name.
func writeHeader(w io.Writer, kind streamKind, name string) error {
	if len(name) > maxServiceName {
		return oops.Wrapf(ErrProtocol, "service name of %d bytes exceeds %d", len(name), maxServiceName)
	}
	buf := make([]byte, 3, 3+len(name))
	buf[0] = byte(kind)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(name)))
	buf = append(buf, name...)
	_, err := w.Write(buf)
	return err
}

func readHeader(r io.Reader) (streamKind, string, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, "", err
	}
	kind := streamKind(hdr[0])
	if kind != streamService && kind != streamControl {
		return 0, "", oops.Wrapf(ErrProtocol, "unknown stream kind %d", kind)
	}
	n := binary.BigEndian.Uint16(hdr[1:3])
	if n > maxServiceName {
		return 0, "", oops.Wrapf(ErrProtocol, "service name of %d bytes exceeds %d", n, maxServiceName)
	}
	name := make([]byte, n)
	if _, err := io.ReadFull(r, name); err != nil {
		return 0, "", err
	}
	return kind, string(name), nil
}

type frameType uint8

const (
	// frameServices carries the sender's advertised services.
	frameServices frameType = iota + 1
	// frameLinkStatus carries the sender's link-state vector.
	frameLinkStatus
)

func (t frameType) String() string {
	switch t {
	case frameServices:
		return "services"
	case frameLinkStatus:
		return "link_status"
	default:
		return "unknown"
	}
}

func encodeFrame(t frameType, payload []byte) []byte {
	buf := make([]byte, controlHeaderSize+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:controlHeaderSize], uint32(len(payload)))
	copy(buf[controlHeaderSize:], payload)
	return buf
}

// readFrame reads one control frame from r.
func readFrame(r io.Reader, hdr []byte) (frameType, []byte, error) {
	if _, err := io.ReadFull(r, hdr[:controlHeaderSize]); err != nil {
		return 0, nil, err
	}
	t := frameType(hdr[0])
	n := binary.BigEndian.Uint32(hdr[1:controlHeaderSize])
	if n > maxControlPayload {
		return 0, nil, oops.Wrapf(ErrProtocol, "%s frame of %d bytes exceeds %d", t, n, maxControlPayload)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return t, payload, nil
}
