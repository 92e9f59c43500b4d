package routing

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/go-i2p/go-overnet/lib/common/labels"
	"github.com/go-i2p/go-overnet/lib/link"
	"github.com/go-i2p/go-overnet/lib/observable"
	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// hopPenalty is added to every edge so that equal-latency paths prefer fewer hops.
const hopPenalty = time.Millisecond

// ApplyFunc installs a complete route set.
type ApplyFunc func(ctx context.Context, routes []Route)

// Planner computes lowest-latency routes from the local node over the
// link-state it has heard about. It is not safe for concurrent use; Run
// owns it while running.
type Planner struct {
	local labels.NodeID

	localLinks   map[labels.NodeLinkID]link.Status
	descriptions map[labels.NodeLinkID]link.Description
	remote       map[labels.NodeID][]link.Status

	applied map[labels.NodeID]labels.NodeLinkID
}

// NewPlanner creates a planner for the node local.
func NewPlanner(local labels.NodeID) *Planner {
	return &Planner{
		local:        local,
		localLinks:   make(map[labels.NodeLinkID]link.Status),
		descriptions: make(map[labels.NodeLinkID]link.Description),
		remote:       make(map[labels.NodeID][]link.Status),
		applied:      make(map[labels.NodeID]labels.NodeLinkID),
	}
}

// Run consumes updates and local link-state vectors until ctx ends or the
// update channel closes, calling apply whenever the route set changes.
func (p *Planner) Run(ctx context.Context, updates <-chan Update, localLinks observable.Stream[[]link.Status], apply ApplyFunc) error {
	var vectors chan []link.Status
	if localLinks != nil {
		vectors = make(chan []link.Status)
		go func() {
			defer close(vectors)
			for {
				v, err := localLinks.Next(ctx)
				if err != nil {
					return
				}
				select {
				case vectors <- v:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	log.WithField("node_id", p.local).Debug("route planner started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			p.HandleUpdate(u)
		case v, ok := <-vectors:
			if !ok {
				vectors = nil
				continue
			}
			p.SetLocalLinks(v)
		}
		if routes, changed := p.Plan(); changed {
			apply(ctx, routes)
		}
	}
}

// HandleUpdate folds one planner message into the link-state view.
func (p *Planner) HandleUpdate(u Update) {
	switch u.Kind {
	case UpdateLocalLinkStatus:
		p.descriptions[u.LinkID] = u.Description
		if !u.Description.Up {
			delete(p.localLinks, u.LinkID)
		}
	case UpdateRemoteLinkStatus:
		if u.FromNodeID == p.local {
			return
		}
		p.remote[u.FromNodeID] = slices.Clone(u.Statuses)
	default:
		log.WithField("kind", u.Kind).Warn("ignoring unknown routing update")
	}
}

// SetLocalLinks replaces the set of live local links.
func (p *Planner) SetLocalLinks(statuses []link.Status) {
	p.localLinks = make(map[labels.NodeLinkID]link.Status, len(statuses))
	for _, s := range statuses {
		p.localLinks[s.LocalID] = s
	}
	for id := range p.descriptions {
		if _, ok := p.localLinks[id]; !ok {
			delete(p.descriptions, id)
		}
	}
}

type hop struct {
	cost  time.Duration
	first labels.NodeLinkID
}

func edgeCost(rtt time.Duration) time.Duration {
	return rtt + hopPenalty
}

// Routes computes the current best route for every reachable node.
func (p *Planner) Routes() []Route {
	best := make(map[labels.NodeID]hop)
	for _, id := range slices.Sorted(maps.Keys(p.localLinks)) {
		st := p.localLinks[id]
		rtt := st.RoundTripTime
		if d, ok := p.descriptions[id]; ok {
			if !d.Up {
				continue
			}
			if d.RoundTripTime > 0 {
				rtt = d.RoundTripTime
			}
		}
		if st.To == p.local {
			continue
		}
		c := edgeCost(rtt)
		if cur, ok := best[st.To]; !ok || c < cur.cost {
			best[st.To] = hop{cost: c, first: id}
		}
	}

	visited := make(map[labels.NodeID]bool)
	for {
		node, ok := closestUnvisited(best, visited)
		if !ok {
			break
		}
		visited[node] = true
		from := best[node]
		for _, s := range p.remote[node] {
			if s.To == p.local {
				continue
			}
			c := from.cost + edgeCost(s.RoundTripTime)
			if cur, ok := best[s.To]; !ok || c < cur.cost {
				best[s.To] = hop{cost: c, first: from.first}
			}
		}
	}

	routes := make([]Route, 0, len(best))
	for _, node := range slices.Sorted(maps.Keys(best)) {
		routes = append(routes, Route{Destination: node, LinkID: best[node].first})
	}
	return routes
}

func closestUnvisited(best map[labels.NodeID]hop, visited map[labels.NodeID]bool) (labels.NodeID, bool) {
	var (
		found bool
		node  labels.NodeID
		cost  time.Duration
	)
	for n, h := range best {
		if visited[n] {
			continue
		}
		if !found || h.cost < cost || (h.cost == cost && n < node) {
			found, node, cost = true, n, h.cost
		}
	}
	return node, found
}

// Plan computes routes and reports whether they differ from the last
// reported set. A changed set becomes the new baseline.
func (p *Planner) Plan() ([]Route, bool) {
	routes := p.Routes()
	next := make(map[labels.NodeID]labels.NodeLinkID, len(routes))
	for _, r := range routes {
		next[r.Destination] = r.LinkID
	}
	if maps.Equal(next, p.applied) {
		return routes, false
	}
	p.applied = next
	log.WithFields(logger.Fields{
		"at":     "(Planner) Plan",
		"routes": len(routes),
	}).Debug("route set changed")
	return routes, true
}
