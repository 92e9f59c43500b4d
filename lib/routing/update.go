// Package routing carries link health from the router to the route planner
// and turns the planner's view of the mesh into routes.
package routing

import (
	"context"
	"errors"
	"sync"

	"github.com/go-i2p/go-overnet/lib/common/labels"
	"github.com/go-i2p/go-overnet/lib/link"
)

// ErrPlannerGone is returned when an update is sent after the planner stopped.
var ErrPlannerGone = errors.New("route planner is gone")

// DefaultQueueSize is the buffer between the router and the planner.
const DefaultQueueSize = 64

// UpdateKind selects which fields of an Update are meaningful.
type UpdateKind int

const (
	// UpdateLocalLinkStatus reports a change in one of our own links.
	UpdateLocalLinkStatus UpdateKind = iota
	// UpdateRemoteLinkStatus carries the link-state vector of another node.
	UpdateRemoteLinkStatus
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateLocalLinkStatus:
		return "UpdateLocalLinkStatus"
	case UpdateRemoteLinkStatus:
		return "UpdateRemoteLinkStatus"
	default:
		return "Unknown"
	}
}

// Update is a message to the route planner.
type Update struct {
	Kind UpdateKind

	// UpdateLocalLinkStatus
	ToNodeID    labels.NodeID
	LinkID      labels.NodeLinkID
	Description link.Description

	// UpdateRemoteLinkStatus
	FromNodeID labels.NodeID
	Statuses   []link.Status
}

// Route says which local link carries traffic toward Destination.
type Route struct {
	Destination labels.NodeID     `json:"destination" yaml:"destination"`
	LinkID      labels.NodeLinkID `json:"link_id" yaml:"link_id"`
}

// Sender is the cloneable handle components use to reach the planner.
// Closing it makes later sends fail with ErrPlannerGone instead of blocking.
type Sender struct {
	ch        chan Update
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue creates the planner input queue and its sending handle.
func NewQueue(size int) (*Sender, <-chan Update) {
	ch := make(chan Update, size)
	return &Sender{ch: ch, done: make(chan struct{})}, ch
}

// Send delivers u to the planner, blocking while the queue is full.
func (s *Sender) Send(ctx context.Context, u Update) error {
	select {
	case <-s.done:
		return ErrPlannerGone
	default:
	}
	select {
	case s.ch <- u:
		return nil
	case <-s.done:
		return ErrPlannerGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the planner as gone.
func (s *Sender) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
