package router

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/go-i2p/go-overnet/lib/common/labels"
	"github.com/go-i2p/go-overnet/lib/link"
	"github.com/go-i2p/go-overnet/lib/observable"
	"github.com/go-i2p/go-overnet/lib/peer"
	"github.com/go-i2p/go-overnet/lib/routing"
	"github.com/go-i2p/go-overnet/lib/secure"
	"github.com/go-i2p/go-overnet/lib/servicemap"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

// Options are the construction-time settings of a Router.
type Options struct {
	// NodeID is the identity of this node; zero picks a random one.
	NodeID labels.NodeID
	// CertFile and KeyFile hold the PEM certificate and key of the secure transport.
	CertFile string
	KeyFile  string
	// DiagnosticsImpl labels this node in diagnostics output.
	DiagnosticsImpl string
	// PlannerQueueSize bounds pending route planner updates; zero uses the default.
	PlannerQueueSize int
}

// Router is one node of the overlay mesh.
type Router struct {
	nodeID labels.NodeID
	opts   Options

	serverConfig *secure.Config
	clientConfig *secure.Config
	services     *servicemap.Map
	planner      *routing.Sender

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	peersMu sync.Mutex
	peers   map[labels.PeerKey]*peer.Peer

	linksMu    sync.Mutex
	links      map[labels.NodeLinkID]weak.Pointer[link.Link]
	nextLinkID atomic.Uint64
	linkStates *observable.Observable[[]link.Status]
	publish    *publishRequests

	bandwidth *bandwidthTracker

	routesMu sync.RWMutex
	routes   map[labels.NodeID]labels.NodeLinkID

	listMu       sync.Mutex
	listObserver *observable.Observer[[]servicemap.PeerDescription]

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewRouter creates a router and starts its route planner. Missing or
// unreadable certificate or key files fail with ErrConfig.
func NewRouter(opts Options) (*Router, error) {
	nodeID := opts.NodeID
	if nodeID == 0 {
		var err error
		if nodeID, err = labels.RandomNodeID(); err != nil {
			return nil, err
		}
	}

	serverConfig, err := secure.LoadServerConfig(opts.CertFile, opts.KeyFile)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"at":        "NewRouter",
			"cert_file": opts.CertFile,
			"key_file":  opts.KeyFile,
		}).Error("failed to load server configuration")
		return nil, err
	}
	clientConfig, err := secure.LoadClientConfig(opts.CertFile, opts.KeyFile)
	if err != nil {
		return nil, err
	}

	queueSize := opts.PlannerQueueSize
	if queueSize <= 0 {
		queueSize = routing.DefaultQueueSize
	}
	sender, updates := routing.NewQueue(queueSize)
	ctx, cancel := context.WithCancel(context.Background())

	services := servicemap.New(nodeID)
	r := &Router{
		nodeID:       nodeID,
		opts:         opts,
		serverConfig: serverConfig,
		clientConfig: clientConfig,
		services:     services,
		planner:      sender,
		ctx:          ctx,
		cancel:       cancel,
		peers:        make(map[labels.PeerKey]*peer.Peer),
		links:        make(map[labels.NodeLinkID]weak.Pointer[link.Link]),
		linkStates:   observable.New([]link.Status{}),
		publish:      newPublishRequests(),
		bandwidth:    newBandwidthTracker(),
		routes:       make(map[labels.NodeID]labels.NodeLinkID),
		listObserver: services.NewListPeersObserver(),
	}

	r.wg.Add(3)
	go r.runPlanner(updates)
	go r.publishLoop()
	go func() {
		defer r.wg.Done()
		r.bandwidth.run(r.ctx, bandwidthInterval, r.linkByteCounters)
	}()

	log.WithFields(logger.Fields{
		"at":          "NewRouter",
		"node_id":     nodeID,
		"diagnostics": opts.DiagnosticsImpl,
	}).Info("router started")
	return r, nil
}

func (r *Router) runPlanner(updates <-chan routing.Update) {
	defer r.wg.Done()
	planner := routing.NewPlanner(r.nodeID)
	err := planner.Run(r.ctx, updates, r.linkStates.NewObserver(), r.UpdateRoutes)
	if err != nil && r.ctx.Err() == nil {
		log.WithError(err).WithField("at", "(Router) runPlanner").Error("route planner stopped")
	}
	r.planner.Close()
}

// NodeID returns the identity of this node.
func (r *Router) NodeID() labels.NodeID {
	return r.nodeID
}

// Routes returns the routes currently used for forwarding.
func (r *Router) Routes() []routing.Route {
	r.routesMu.RLock()
	defer r.routesMu.RUnlock()
	routes := make([]routing.Route, 0, len(r.routes))
	for _, dst := range slices.Sorted(maps.Keys(r.routes)) {
		routes = append(routes, routing.Route{Destination: dst, LinkID: r.routes[dst]})
	}
	return routes
}

// Close stops the router, its peers and every socket link it pumps.
func (r *Router) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.cancel()
		r.planner.Close()

		r.peersMu.Lock()
		peers := slices.Collect(maps.Values(r.peers))
		r.peersMu.Unlock()
		for _, p := range peers {
			_ = p.Close()
		}

		r.services.Close()
		r.linkStates.Close()
		r.publish.close()
		r.wg.Wait()

		log.WithFields(logger.Fields{
			"at":      "(Router) Close",
			"node_id": r.nodeID,
			"peers":   len(peers),
		}).Info("router closed")
	})
	return nil
}

func (r *Router) checkOpen() error {
	if r.closed.Load() {
		return oops.Wrapf(ErrRouterClosed, "node %s", r.nodeID)
	}
	return nil
}
