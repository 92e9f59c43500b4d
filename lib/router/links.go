package router

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync/atomic"
	"weak"

	"github.com/go-i2p/go-overnet/lib/common/labels"
	"github.com/go-i2p/go-overnet/lib/link"
	"github.com/go-i2p/go-overnet/lib/observable"
	"github.com/go-i2p/go-overnet/lib/routing"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// publishRequests coalesces requests for a link-state publish. Each request
// bumps a generation; the publisher handles only the newest.
type publishRequests struct {
	gen atomic.Uint64
	obs *observable.Observable[uint64]
}

func newPublishRequests() *publishRequests {
	return &publishRequests{obs: observable.New(uint64(0))}
}

func (p *publishRequests) request() {
	p.obs.Push(p.gen.Add(1))
}

func (p *publishRequests) close() {
	p.obs.Close()
}

func (r *Router) publishLoop() {
	defer r.wg.Done()
	ob := r.publish.obs.NewObserver()
	for {
		if _, err := ob.Next(r.ctx); err != nil {
			return
		}
		r.PublishNewLinkStatus()
	}
}

// NewLink creates a link to peerNodeID, registers it and forwards its
// description changes to the route planner. The router keeps only a weak
// reference; the caller owns the link.
func (r *Router) NewLink(ctx context.Context, peerNodeID labels.NodeID) (*link.Link, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := labels.NodeLinkID(r.nextLinkID.Add(1))
	wr := weak.Make(r)
	l, err := link.New(peerNodeID, id, func(linkID labels.NodeLinkID, frame []byte) error {
		rt := wr.Value()
		if rt == nil {
			return ErrRouterClosed
		}
		return rt.deliverPacket(linkID, frame)
	})
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"at":           "(Router) NewLink",
			"peer_node_id": peerNodeID,
			"link_id":      id,
		}).Error("failed to create link")
		return nil, oops.Wrapf(errors.Join(ErrLinkCreation, err), "link %s to %s", id, peerNodeID)
	}

	r.addLink(l)
	go forwardDescriptions(r.ctx, r.planner, r.publish, l.NewDescriptionObserver(), peerNodeID, id)

	log.WithFields(logger.Fields{
		"at":           "(Router) NewLink",
		"peer_node_id": peerNodeID,
		"link_id":      id,
	}).Debug("link registered")
	return l, nil
}

// forwardDescriptions reports every description of one link to the planner
// until the link goes away. It holds no reference to the link itself.
func forwardDescriptions(ctx context.Context, planner *routing.Sender, publish *publishRequests,
	ob *observable.Observer[link.Description], to labels.NodeID, id labels.NodeLinkID,
) {
	for {
		desc, err := ob.Next(ctx)
		if err != nil {
			publish.request()
			return
		}
		err = planner.Send(ctx, routing.Update{
			Kind:        routing.UpdateLocalLinkStatus,
			ToNodeID:    to,
			LinkID:      id,
			Description: desc,
		})
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"at":      "forwardDescriptions",
				"link_id": id,
			}).Warn("could not report link status")
		}
		if !desc.Up {
			publish.request()
		}
	}
}

func (r *Router) addLink(l *link.Link) {
	r.linksMu.Lock()
	r.links[l.ID()] = weak.Make(l)
	r.linksMu.Unlock()
	r.publish.request()
}

func (r *Router) lookupLink(id labels.NodeLinkID) weak.Pointer[link.Link] {
	r.linksMu.Lock()
	defer r.linksMu.Unlock()
	return r.links[id]
}

// PublishNewLinkStatus pushes the status of every live link to the
// link-state observable, dropping table entries whose link is gone.
func (r *Router) PublishNewLinkStatus() {
	r.linksMu.Lock()
	statuses := make([]link.Status, 0, len(r.links))
	var dead []labels.NodeLinkID
	for _, id := range slices.Sorted(maps.Keys(r.links)) {
		l := r.links[id].Value()
		if l == nil {
			dead = append(dead, id)
			continue
		}
		if st := l.MakeStatus(); st != nil {
			statuses = append(statuses, *st)
		}
	}
	for _, id := range dead {
		delete(r.links, id)
	}
	r.linksMu.Unlock()

	if len(dead) > 0 {
		log.WithFields(logger.Fields{
			"at":     "(Router) PublishNewLinkStatus",
			"reaped": len(dead),
		}).Debug("dropped collected links")
	}
	r.linkStates.Push(statuses)
}

// LinkStatuses returns the most recently published link-state vector.
func (r *Router) LinkStatuses() []link.Status {
	return slices.Clone(r.linkStates.Current())
}

// NewLinkStateObserver follows the published link-state vector.
func (r *Router) NewLinkStateObserver() *observable.Observer[[]link.Status] {
	return r.linkStates.NewObserver()
}

// LinkDiagnostics describes every live link without modifying the table.
func (r *Router) LinkDiagnostics() []link.Diagnostics {
	r.linksMu.Lock()
	defer r.linksMu.Unlock()
	diags := make([]link.Diagnostics, 0, len(r.links))
	for _, id := range slices.Sorted(maps.Keys(r.links)) {
		if l := r.links[id].Value(); l != nil {
			diags = append(diags, l.DiagnosticInfo())
		}
	}
	return diags
}
