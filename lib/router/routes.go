package router

import (
	"context"
	"weak"

	"github.com/go-i2p/go-overnet/lib/common/labels"
	"github.com/go-i2p/go-overnet/lib/link"
	"github.com/go-i2p/go-overnet/lib/routing"
	"github.com/go-i2p/logger"
)

// UpdateRoutes installs a complete route set: every route's link becomes the
// current link of the client peer for its destination (created if needed)
// and of any existing server peer. Unknown link ids yield an empty link. The
// server lookup never creates a peer, so it carries no link hint.
// Failures for one destination are logged and do not stop the rest.
func (r *Router) UpdateRoutes(ctx context.Context, routes []routing.Route) {
	next := make(map[labels.NodeID]labels.NodeLinkID, len(routes))
	for _, rt := range routes {
		next[rt.Destination] = rt.LinkID
	}
	r.routesMu.Lock()
	r.routes = next
	r.routesMu.Unlock()

	for _, rt := range routes {
		hint := r.lookupLink(rt.LinkID)

		server, err := r.ServerPeer(ctx, rt.Destination, false, weak.Pointer[link.Link]{})
		if err != nil {
			r.logRouteFailure(err, rt)
			continue
		}
		if server != nil {
			server.UpdateLink(hint)
		}

		client, err := r.ClientPeer(ctx, rt.Destination, hint)
		if err != nil {
			r.logRouteFailure(err, rt)
			continue
		}
		client.UpdateLink(hint)
	}

	log.WithFields(logger.Fields{
		"at":     "(Router) UpdateRoutes",
		"routes": len(routes),
	}).Debug("routes applied")
}

func (r *Router) logRouteFailure(err error, rt routing.Route) {
	log.WithError(err).WithFields(logger.Fields{
		"at":          "(Router) UpdateRoutes",
		"destination": rt.Destination,
		"link_id":     rt.LinkID,
	}).Warn("could not apply route")
}

// routeFor returns the link id carrying traffic toward dst.
func (r *Router) routeFor(dst labels.NodeID) (labels.NodeLinkID, bool) {
	r.routesMu.RLock()
	defer r.routesMu.RUnlock()
	id, ok := r.routes[dst]
	return id, ok
}
