package router

import (
	"context"
	"net"

	"github.com/go-i2p/go-overnet/lib/transport"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// AttachSocketLink runs a link over conn. It validates the pacing options,
// exchanges node ids with the remote end and creates the link; frames are
// then pumped in the background until the socket closes or the router does.
func (r *Router) AttachSocketLink(ctx context.Context, conn net.Conn, opts transport.SocketLinkOptions) error {
	limiter, err := opts.Limiter()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := r.checkOpen(); err != nil {
		_ = conn.Close()
		return err
	}

	remote, err := transport.ExchangeHello(ctx, conn, r.nodeID)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if remote == r.nodeID {
		_ = conn.Close()
		return oops.Wrapf(ErrLoopbackNotAllowed, "socket link %q reached this node", opts.ConnectionLabel)
	}

	l, err := r.NewLink(ctx, remote)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if opts.ConnectionLabel != "" {
		l.SetLabel(opts.ConnectionLabel)
	}

	log.WithFields(logger.Fields{
		"at":      "(Router) AttachSocketLink",
		"remote":  remote,
		"link_id": l.ID(),
		"label":   opts.ConnectionLabel,
		"addr":    conn.RemoteAddr().String(),
		"paced":   limiter != nil,
	}).Info("socket link attached")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := transport.Pump(r.ctx, conn, l, limiter); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"at":      "(Router) AttachSocketLink",
				"link_id": l.ID(),
			}).Warn("socket link failed")
		}
	}()
	return nil
}
