package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"weak"

	"github.com/go-i2p/go-overnet/lib/common/labels"
	"github.com/go-i2p/go-overnet/lib/link"
	"github.com/go-i2p/go-overnet/lib/peer"
	"github.com/go-i2p/go-overnet/lib/routing"
	"github.com/go-i2p/go-overnet/lib/servicemap"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// ClientPeer returns the client peer for nodeID, creating it on first use or
// when the previous one has closed. Concurrent callers for the same node
// share one peer.
func (r *Router) ClientPeer(ctx context.Context, nodeID labels.NodeID, linkHint weak.Pointer[link.Link]) (*peer.Peer, error) {
	if nodeID == r.nodeID {
		return nil, oops.Wrapf(ErrLoopbackNotAllowed, "client peer for %s", nodeID)
	}
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := labels.PeerKey{NodeID: nodeID, Endpoint: labels.Client}
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	stale, ok := r.peers[key]
	if ok && !stale.IsClosed() {
		return stale, nil
	}

	id, err := labels.NewConnectionID()
	if err != nil {
		return nil, oops.Wrapf(errors.Join(ErrPeerCreation, err), "client peer for %s", nodeID)
	}
	p, err := peer.NewClient(r.host(), r.nodeID, nodeID, r.clientConfig, id, linkHint,
		r.linkStates.NewObserver(), r.services.NewLocalServiceObserver())
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"at":      "(Router) ClientPeer",
			"node_id": nodeID,
		}).Error("failed to create client peer")
		return nil, oops.Wrapf(errors.Join(ErrPeerCreation, err), "client peer for %s", nodeID)
	}
	r.peers[key] = p

	log.WithFields(logger.Fields{
		"at":            "(Router) ClientPeer",
		"node_id":       nodeID,
		"connection_id": id,
		"replaced":      stale != nil,
	}).Debug("created client peer")
	return p, nil
}

// ServerPeer returns the server peer for nodeID. A missing or closed peer is
// replaced only for an initial packet; otherwise ServerPeer returns
// (nil, nil).
func (r *Router) ServerPeer(ctx context.Context, nodeID labels.NodeID, isInitialPacket bool, linkHint weak.Pointer[link.Link]) (*peer.Peer, error) {
	if nodeID == r.nodeID {
		return nil, oops.Wrapf(ErrLoopbackNotAllowed, "server peer for %s", nodeID)
	}
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	key := labels.PeerKey{NodeID: nodeID, Endpoint: labels.Server}
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	stale, ok := r.peers[key]
	if ok && !stale.IsClosed() {
		return stale, nil
	}
	if !isInitialPacket {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id, err := labels.NewConnectionID()
	if err != nil {
		return nil, oops.Wrapf(errors.Join(ErrPeerCreation, err), "server peer for %s", nodeID)
	}
	p, err := peer.NewServer(r.host(), r.nodeID, nodeID, r.serverConfig, id, linkHint)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"at":      "(Router) ServerPeer",
			"node_id": nodeID,
		}).Error("failed to create server peer")
		return nil, oops.Wrapf(errors.Join(ErrPeerCreation, err), "server peer for %s", nodeID)
	}
	if r.peers[key] != stale {
		panic(fmt.Sprintf("server peer %s inserted twice", key))
	}
	r.peers[key] = p

	log.WithFields(logger.Fields{
		"at":            "(Router) ServerPeer",
		"node_id":       nodeID,
		"connection_id": id,
		"replaced":      stale != nil,
	}).Debug("accepted server peer")
	return p, nil
}

// existingPeer returns the peer under key without creating it.
func (r *Router) existingPeer(key labels.PeerKey) *peer.Peer {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	return r.peers[key]
}

func (r *Router) host() peer.Host {
	return routerHost{router: weak.Make(r)}
}

// routerHost is the view of the router its peers get. It holds the router
// weakly so peers never keep it alive.
type routerHost struct {
	router weak.Pointer[Router]
}

var _ peer.Host = routerHost{}

func (h routerHost) get() (*Router, error) {
	r := h.router.Value()
	if r == nil || r.closed.Load() {
		return nil, ErrRouterClosed
	}
	return r, nil
}

func (h routerHost) ConnectLocalService(ctx context.Context, service string, channel net.Conn, from labels.NodeID) error {
	r, err := h.get()
	if err != nil {
		return err
	}
	return r.services.Connect(ctx, service, channel, servicemap.ConnectionInfo{PeerNodeID: from})
}

func (h routerHost) UpdateNodeDescription(node labels.NodeID, services []string) {
	if r, err := h.get(); err == nil {
		r.services.UpdateNodeDescription(node, services)
	}
}

func (h routerHost) UpdateRemoteLinkStatus(ctx context.Context, node labels.NodeID, statuses []link.Status) error {
	r, err := h.get()
	if err != nil {
		return err
	}
	return r.planner.Send(ctx, routing.Update{
		Kind:       routing.UpdateRemoteLinkStatus,
		FromNodeID: node,
		Statuses:   statuses,
	})
}
