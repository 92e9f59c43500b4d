package router

import (
	"github.com/go-i2p/go-overnet/lib/servicemap"
)

// ListPeers calls sink once with the next peer list. Only one call may be
// outstanding; a second fails at once with ErrAlreadyListening. The first
// call after construction sees the current list immediately. When the router
// closes before a new list arrives, sink is never called.
func (r *Router) ListPeers(sink func([]servicemap.PeerDescription)) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	r.listMu.Lock()
	ob := r.listObserver
	r.listObserver = nil
	r.listMu.Unlock()
	if ob == nil {
		return ErrAlreadyListening
	}

	go func() {
		peers, err := ob.Next(r.ctx)
		r.listMu.Lock()
		r.listObserver = ob
		r.listMu.Unlock()
		if err != nil {
			log.WithError(err).WithField("at", "(Router) ListPeers").Debug("peer list ended")
			return
		}
		sink(peers)
	}()
	return nil
}
