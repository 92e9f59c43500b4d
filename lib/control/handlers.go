package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/go-overnet/lib/common/labels"
	"github.com/go-i2p/go-overnet/lib/link"
	"github.com/go-i2p/go-overnet/lib/router"
	"github.com/go-i2p/go-overnet/lib/servicemap"
)

// Node is the part of a router the control API reads.
type Node interface {
	NodeID() labels.NodeID
	Diagnostics() router.Diagnostics
	LinkDiagnostics() []link.Diagnostics
	ListPeers(sink func([]servicemap.PeerDescription)) error
}

var _ Node = (*router.Router)(nil)

// defaultListPeersWait bounds a ListPeers call without a Timeout parameter.
const defaultListPeersWait = 30 * time.Second

// decodeParams unmarshals params into v, treating absent params as empty.
func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return NewRPCErrorWithData(ErrCodeInvalidParams, "invalid parameters", err.Error())
	}
	return nil
}

func echoHandler(_ context.Context, params json.RawMessage) (any, error) {
	var req struct {
		Echo any `json:"Echo"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	return map[string]any{"Result": req.Echo}, nil
}

// NodeInfo is the result of the NodeInfo method.
type NodeInfo struct {
	NodeID         labels.NodeID `json:"NodeID"`
	Implementation string        `json:"Implementation"`
	Services       []string      `json:"Services"`
	Peers          int           `json:"Peers"`
	Links          int           `json:"Links"`
	Routes         int           `json:"Routes"`
	// InboundRate and OutboundRate are 15 second averages in bytes per second.
	InboundRate  uint64 `json:"InboundRate"`
	OutboundRate uint64 `json:"OutboundRate"`
}

func nodeInfoHandler(node Node) RPCHandlerFunc {
	return func(context.Context, json.RawMessage) (any, error) {
		d := node.Diagnostics()
		return NodeInfo{
			NodeID:         node.NodeID(),
			Implementation: d.Implementation,
			Services:       d.Services,
			Peers:          len(d.Peers),
			Links:          len(d.Links),
			Routes:         len(d.Routes),
			InboundRate:    d.Bandwidth.Inbound15s,
			OutboundRate:   d.Bandwidth.Outbound15s,
		}, nil
	}
}

// peerListing is the outcome of one node.ListPeers call.
type peerListing struct {
	done    chan struct{}
	peers   []servicemap.PeerDescription
	claimed atomic.Bool
}

func (l *peerListing) finished() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// peerWatch shares the node's single peer-list permit between control
// calls. A call that times out leaves its watch running; later calls wait
// on it, or take its list if it arrived after that caller gave up.
type peerWatch struct {
	mu      sync.Mutex
	current *peerListing
}

func (w *peerWatch) next(node Node) (*peerListing, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cur := w.current
	if cur != nil && cur.finished() && !cur.claimed.Load() {
		return cur, nil
	}

	l := &peerListing{done: make(chan struct{})}
	err := node.ListPeers(func(peers []servicemap.PeerDescription) {
		l.peers = peers
		close(l.done)
	})
	if errors.Is(err, router.ErrAlreadyListening) && cur != nil && !cur.finished() {
		return cur, nil
	}
	if err != nil {
		return nil, err
	}
	w.current = l
	return l, nil
}

// listPeersHandler waits for the next peer list. Concurrent calls share one
// watch; ErrCodeBusy means something outside the control API holds the
// node's peer-list permit.
func listPeersHandler(node Node) RPCHandlerFunc {
	watch := new(peerWatch)
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var req struct {
			Timeout string `json:"Timeout"`
		}
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		wait := defaultListPeersWait
		if req.Timeout != "" {
			d, err := time.ParseDuration(req.Timeout)
			if err != nil || d <= 0 {
				return nil, NewRPCError(ErrCodeInvalidParams, "Timeout must be a positive duration")
			}
			wait = d
		}

		listing, err := watch.next(node)
		if errors.Is(err, router.ErrAlreadyListening) {
			return nil, NewRPCError(ErrCodeBusy, "peer list already being watched")
		}
		if err != nil {
			return nil, err
		}

		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-listing.done:
			listing.claimed.Store(true)
			return map[string]any{"Peers": listing.peers}, nil
		case <-timer.C:
			return nil, NewRPCError(ErrCodeTimeout, "no peer list change before timeout")
		case <-ctx.Done():
			return nil, NewRPCError(ErrCodeTimeout, ctx.Err().Error())
		}
	}
}

func linksHandler(node Node) RPCHandlerFunc {
	return func(context.Context, json.RawMessage) (any, error) {
		return map[string]any{"Links": node.LinkDiagnostics()}, nil
	}
}

func diagnosticsHandler(node Node) RPCHandlerFunc {
	return func(context.Context, json.RawMessage) (any, error) {
		return node.Diagnostics(), nil
	}
}

func authenticateHandler(auth *AuthManager, expiration time.Duration) RPCHandlerFunc {
	return func(_ context.Context, params json.RawMessage) (any, error) {
		var req struct {
			API      int    `json:"API"`
			Password string `json:"Password"`
		}
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		if req.API != 1 {
			return nil, NewRPCError(ErrCodeInvalidParams, "unsupported API version")
		}
		token, err := auth.Authenticate(req.Password, expiration)
		if errors.Is(err, ErrInvalidPassword) {
			return nil, NewRPCError(ErrCodeAuthFailed, err.Error())
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"API": req.API, "Token": token}, nil
	}
}
