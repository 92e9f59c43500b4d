// Package labels defines the identifiers shared by every overlay component:
// node ids, link ids, connection ids and peer keys.
package labels

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/go-i2p/crypto/rand"
	"github.com/samber/oops"
)

// NodeIDSize is the encoded length of a NodeID on the wire.
const NodeIDSize = 8

// NodeID identifies one node of the mesh.
type NodeID uint64

// RandomNodeID generates a fresh node identity.
func RandomNodeID() (NodeID, error) {
	var buf [NodeIDSize]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, oops.Wrapf(err, "failed to generate node id")
	}
	return NodeID(binary.BigEndian.Uint64(buf[:])), nil
}

// ParseNodeID parses the hexadecimal form produced by String.
func ParseNodeID(s string) (NodeID, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, oops.Wrapf(err, "invalid node id %q", s)
	}
	return NodeID(v), nil
}

func (n NodeID) String() string {
	return fmt.Sprintf("%016x", uint64(n))
}

// Bytes returns the big-endian wire encoding.
func (n NodeID) Bytes() [NodeIDSize]byte {
	var buf [NodeIDSize]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	return buf
}

// NodeIDFromBytes decodes the big-endian wire encoding.
func NodeIDFromBytes(b []byte) (NodeID, error) {
	if len(b) < NodeIDSize {
		return 0, oops.Errorf("node id needs %d bytes, got %d", NodeIDSize, len(b))
	}
	return NodeID(binary.BigEndian.Uint64(b[:NodeIDSize])), nil
}

// Endpoint is the role of a logical connection.
type Endpoint uint8

const (
	Client Endpoint = iota
	Server
)

func (e Endpoint) String() string {
	switch e {
	case Client:
		return "client"
	case Server:
		return "server"
	default:
		return "unknown"
	}
}

// Opposite returns the role the remote side plays for the same connection.
func (e Endpoint) Opposite() Endpoint {
	if e == Client {
		return Server
	}
	return Client
}

// PeerKey uniquely identifies a peer within one router.
type PeerKey struct {
	NodeID   NodeID
	Endpoint Endpoint
}

func (k PeerKey) String() string {
	return k.NodeID.String() + "/" + k.Endpoint.String()
}

// NodeLinkID is the router-local handle of a physical link.
type NodeLinkID uint64

func (id NodeLinkID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ConnectionIDSize is the length of a secure connection identifier.
const ConnectionIDSize = 16

// ConnectionID identifies one secure connection instance.
type ConnectionID [ConnectionIDSize]byte

// NewConnectionID returns a fresh random connection id.
func NewConnectionID() (ConnectionID, error) {
	var id ConnectionID
	if _, err := rand.Read(id[:]); err != nil {
		return id, oops.Wrapf(err, "failed to generate connection id")
	}
	return id, nil
}

func (c ConnectionID) String() string {
	return hex.EncodeToString(c[:])
}
