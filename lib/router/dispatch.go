package router

import (
	"github.com/go-i2p/go-overnet/lib/common/labels"
	"github.com/go-i2p/go-overnet/lib/link"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// deliverPacket handles a frame that arrived on the link linkID. Frames for
// other nodes are forwarded along the current routes; frames for this node
// go to the matching peer. Packets for peers that do not exist are dropped.
func (r *Router) deliverPacket(linkID labels.NodeLinkID, frame []byte) error {
	pkt, err := link.ParsePacket(frame)
	if err != nil {
		return oops.Wrapf(err, "packet on link %s", linkID)
	}
	if pkt.Dst != r.nodeID {
		return r.forward(pkt.Dst, frame)
	}

	arrival := r.lookupLink(linkID)
	if pkt.Flags.Has(link.FlagToServer) {
		p, err := r.ServerPeer(r.ctx, pkt.Src, pkt.Flags.Has(link.FlagInitial), arrival)
		if err != nil {
			return err
		}
		if p == nil {
			log.WithFields(logger.Fields{
				"at":      "(Router) deliverPacket",
				"src":     pkt.Src,
				"link_id": linkID,
			}).Debug("dropping non-initial packet for unknown server peer")
			return nil
		}
		p.ReceivePacket(pkt.Payload, arrival)
		return nil
	}

	p := r.existingPeer(labels.PeerKey{NodeID: pkt.Src, Endpoint: labels.Client})
	if p == nil {
		log.WithFields(logger.Fields{
			"at":      "(Router) deliverPacket",
			"src":     pkt.Src,
			"link_id": linkID,
		}).Debug("dropping packet for unknown client peer")
		return nil
	}
	p.ReceivePacket(pkt.Payload, arrival)
	return nil
}

// forward sends a frame one hop closer to dst.
func (r *Router) forward(dst labels.NodeID, frame []byte) error {
	id, ok := r.routeFor(dst)
	if !ok {
		log.WithField("dst", dst).Debug("no route, dropping packet")
		return nil
	}
	l := r.lookupLink(id).Value()
	if l == nil {
		log.WithFields(logger.Fields{
			"dst":     dst,
			"link_id": id,
		}).Debug("route link is gone, dropping packet")
		return nil
	}
	return l.Send(r.ctx, frame)
}
