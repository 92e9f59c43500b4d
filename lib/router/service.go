package router

import (
	"context"
	"net"
	"weak"

	"github.com/go-i2p/go-overnet/lib/common/labels"
	"github.com/go-i2p/go-overnet/lib/link"
	"github.com/go-i2p/go-overnet/lib/servicemap"
	"github.com/go-i2p/logger"
)

// RegisterService exports provider under name on this node.
func (r *Router) RegisterService(name string, provider servicemap.Provider) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return r.services.RegisterService(name, provider)
}

// ConnectToService joins channel to serviceName on nodeID. Services of the
// local node are reached directly; others through the client peer for nodeID.
func (r *Router) ConnectToService(ctx context.Context, nodeID labels.NodeID, serviceName string, channel net.Conn) error {
	log.WithFields(logger.Fields{
		"at":      "(Router) ConnectToService",
		"node_id": nodeID,
		"service": serviceName,
		"local":   nodeID == r.nodeID,
	}).Debug("connecting to service")

	if nodeID == r.nodeID {
		return r.services.Connect(ctx, serviceName, channel, servicemap.ConnectionInfo{PeerNodeID: r.nodeID})
	}
	p, err := r.ClientPeer(ctx, nodeID, weak.Pointer[link.Link]{})
	if err != nil {
		return err
	}
	return p.NewStream(ctx, serviceName, channel)
}
