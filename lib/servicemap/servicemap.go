// Package servicemap is the registry of locally exported services and the
// node's view of which services other nodes offer.
package servicemap

import (
	"context"
	"errors"
	"maps"
	"net"
	"slices"
	"sync"

	"github.com/go-i2p/go-overnet/lib/common/labels"
	"github.com/go-i2p/go-overnet/lib/observable"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

var (
	ErrServiceNotFound    = errors.New("service not found")
	ErrInvalidServiceName = errors.New("service name must not be empty")
	ErrNilProvider        = errors.New("service provider must not be nil")
)

// ConnectionInfo describes the caller of a service connection.
type ConnectionInfo struct {
	PeerNodeID labels.NodeID
}

// Provider accepts connections for one exported service. The provider owns
// channel once ConnectToService returns without error.
type Provider interface {
	ConnectToService(ctx context.Context, channel net.Conn, info ConnectionInfo) error
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, channel net.Conn, info ConnectionInfo) error

// ConnectToService calls f.
func (f ProviderFunc) ConnectToService(ctx context.Context, channel net.Conn, info ConnectionInfo) error {
	return f(ctx, channel, info)
}

// PeerDescription is one entry of the peer list.
type PeerDescription struct {
	NodeID   labels.NodeID `json:"node_id" yaml:"node_id"`
	IsSelf   bool          `json:"is_self" yaml:"is_self"`
	Services []string      `json:"services" yaml:"services"`
}

// Map routes service connections to registered providers and tracks the
// services advertised by other nodes.
type Map struct {
	localNodeID labels.NodeID

	mu        sync.Mutex
	providers map[string]Provider
	remote    map[labels.NodeID][]string

	localServices *observable.Observable[[]string]
	peers         *observable.Observable[[]PeerDescription]
}

// New creates an empty service map for localNodeID.
func New(localNodeID labels.NodeID) *Map {
	m := &Map{
		localNodeID:   localNodeID,
		providers:     make(map[string]Provider),
		remote:        make(map[labels.NodeID][]string),
		localServices: observable.New([]string{}),
	}
	m.peers = observable.New(m.peerListLocked())
	return m
}

// Connect hands channel to the provider registered under name.
func (m *Map) Connect(ctx context.Context, name string, channel net.Conn, info ConnectionInfo) error {
	m.mu.Lock()
	provider, ok := m.providers[name]
	m.mu.Unlock()
	if !ok {
		return oops.Wrapf(ErrServiceNotFound, "service %q", name)
	}

	log.WithFields(logger.Fields{
		"at":           "(Map) Connect",
		"service":      name,
		"peer_node_id": info.PeerNodeID,
	}).Debug("connecting to local service")

	if err := provider.ConnectToService(ctx, channel, info); err != nil {
		return oops.Wrapf(err, "service %q rejected connection", name)
	}
	return nil
}

// RegisterService exports provider under name, replacing any previous one.
func (m *Map) RegisterService(name string, provider Provider) error {
	if name == "" {
		return ErrInvalidServiceName
	}
	if provider == nil {
		return oops.Wrapf(ErrNilProvider, "registering %q", name)
	}

	m.mu.Lock()
	m.providers[name] = provider
	services := slices.Sorted(maps.Keys(m.providers))
	peers := m.peerListLocked()
	m.mu.Unlock()

	m.localServices.Push(services)
	m.peers.Push(peers)

	log.WithFields(logger.Fields{
		"at":      "(Map) RegisterService",
		"service": name,
	}).Info("registered service")
	return nil
}

// LocalServices returns the sorted names of locally exported services.
func (m *Map) LocalServices() []string {
	return m.localServices.Current()
}

// UpdateNodeDescription records the services node advertises.
func (m *Map) UpdateNodeDescription(node labels.NodeID, services []string) {
	if node == m.localNodeID {
		return
	}
	sorted := slices.Clone(services)
	slices.Sort(sorted)

	m.mu.Lock()
	if prev, ok := m.remote[node]; ok && slices.Equal(prev, sorted) {
		m.mu.Unlock()
		return
	}
	m.remote[node] = sorted
	peers := m.peerListLocked()
	m.mu.Unlock()

	m.peers.Push(peers)
	log.WithFields(logger.Fields{
		"at":       "(Map) UpdateNodeDescription",
		"node_id":  node,
		"services": len(sorted),
	}).Debug("updated remote node description")
}

// RemoveNode forgets a remote node.
func (m *Map) RemoveNode(node labels.NodeID) {
	m.mu.Lock()
	if _, ok := m.remote[node]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.remote, node)
	peers := m.peerListLocked()
	m.mu.Unlock()
	m.peers.Push(peers)
}

// NewLocalServiceObserver follows the list of locally exported services.
func (m *Map) NewLocalServiceObserver() *observable.Observer[[]string] {
	return m.localServices.NewObserver()
}

// NewListPeersObserver follows the peer list, the local node included.
func (m *Map) NewListPeersObserver() *observable.Observer[[]PeerDescription] {
	return m.peers.NewObserver()
}

// Close ends every observer handed out by this map.
func (m *Map) Close() {
	m.localServices.Close()
	m.peers.Close()
}

func (m *Map) peerListLocked() []PeerDescription {
	peers := make([]PeerDescription, 0, len(m.remote)+1)
	peers = append(peers, PeerDescription{
		NodeID:   m.localNodeID,
		IsSelf:   true,
		Services: slices.Sorted(maps.Keys(m.providers)),
	})
	for _, node := range slices.Sorted(maps.Keys(m.remote)) {
		peers = append(peers, PeerDescription{
			NodeID:   node,
			Services: slices.Clone(m.remote[node]),
		})
	}
	return peers
}
