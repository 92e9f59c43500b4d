// Package node runs a router as a daemon: it accepts and dials socket links,
// serves the control API and shuts everything down together.
package node

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-i2p/go-overnet/lib/common/labels"
	"github.com/go-i2p/go-overnet/lib/config"
	"github.com/go-i2p/go-overnet/lib/control"
	"github.com/go-i2p/go-overnet/lib/router"
	"github.com/go-i2p/go-overnet/lib/secure"
	"github.com/go-i2p/go-overnet/lib/transport"
	"github.com/go-i2p/go-overnet/lib/util"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"
)

var log = logger.GetGoI2PLogger()

// poolFullBackoff is the pause after the accepted socket limit is hit.
const poolFullBackoff = 100 * time.Millisecond

// Node is a router plus the sockets and control server around it.
type Node struct {
	cfg     *config.RouterConfig
	router  *router.Router
	mux     *transport.ListenerMuxer
	control *control.Server

	closeOnce sync.Once
	closeErr  error
}

// New builds a node from cfg. A missing certificate is generated; every
// listen address is bound before New returns.
func New(cfg *config.RouterConfig) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := EnsureIdentity(cfg.TLS); err != nil {
		return nil, err
	}

	r, err := router.NewRouter(router.Options{
		NodeID:          labels.NodeID(cfg.NodeID),
		CertFile:        cfg.TLS.CertFile,
		KeyFile:         cfg.TLS.KeyFile,
		DiagnosticsImpl: cfg.Diagnostics,
	})
	if err != nil {
		return nil, err
	}
	n := &Node{cfg: cfg, router: r}

	if len(cfg.Transport.Listen) > 0 {
		listeners := make([]net.Listener, 0, len(cfg.Transport.Listen))
		for _, addr := range cfg.Transport.Listen {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				for _, l := range listeners {
					_ = l.Close()
				}
				_ = r.Close()
				return nil, oops.Wrapf(err, "listening on %s", addr)
			}
			listeners = append(listeners, ln)
		}
		n.mux = transport.MuxWithLimit(cfg.Transport.MaxConnections, listeners...)
	}

	if cfg.Control.Enabled {
		n.control, err = control.NewServer(cfg.Control, cfg.TLS, r)
		if err != nil {
			_ = n.Close()
			return nil, err
		}
	}
	return n, nil
}

// EnsureIdentity generates a self-signed certificate when either file of
// files is missing. An existing key readable by other users is logged.
func EnsureIdentity(files config.TLSConfig) error {
	if util.CheckFileExists(files.CertFile) && util.CheckFileExists(files.KeyFile) {
		if ok, err := config.IsPathSecure(files.KeyFile, config.SecureFilePermissions); err == nil && !ok {
			log.WithFields(logger.Fields{
				"at":       "EnsureIdentity",
				"key_file": files.KeyFile,
			}).Warn("node key is readable by other users")
		}
		return nil
	}
	for _, dir := range []string{filepath.Dir(files.CertFile), filepath.Dir(files.KeyFile)} {
		if err := config.CreateSecureDirectory(dir); err != nil {
			return err
		}
	}
	if err := secure.GenerateSelfSigned(files.CertFile, files.KeyFile); err != nil {
		return err
	}
	log.WithFields(logger.Fields{
		"at":        "EnsureIdentity",
		"cert_file": files.CertFile,
		"key_file":  files.KeyFile,
	}).Info("generated node certificate")
	return nil
}

// Router returns the node's router.
func (n *Node) Router() *router.Router {
	return n.router
}

// ListenAddrs returns the bound socket link addresses.
func (n *Node) ListenAddrs() []net.Addr {
	if n.mux == nil {
		return nil
	}
	var addrs []net.Addr
	for _, l := range n.mux.GetListeners() {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// ControlAddr returns the control server address once Run has started it.
func (n *Node) ControlAddr() net.Addr {
	if n.control == nil {
		return nil
	}
	return n.control.Addr()
}

// SetControlPassword replaces the control password, revoking every token.
func (n *Node) SetControlPassword(password string) {
	if n.control != nil {
		n.control.SetPassword(password)
	}
}

// Run serves until ctx ends or a fatal accept error occurs, then closes the
// node.
func (n *Node) Run(ctx context.Context) error {
	defer n.Close()

	if n.control != nil {
		if err := n.control.Start(); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	if n.mux != nil {
		g.Go(func() error { return n.acceptLoop(ctx, g) })
	}
	for _, addr := range n.cfg.Transport.Connect {
		g.Go(func() error { return n.dialLoop(ctx, addr) })
	}
	g.Go(func() error {
		<-ctx.Done()
		if n.mux != nil {
			_ = n.mux.Close()
		}
		return nil
	})

	log.WithFields(logger.Fields{
		"at":      "(Node) Run",
		"node_id": n.router.NodeID(),
		"listen":  len(n.cfg.Transport.Listen),
		"connect": len(n.cfg.Transport.Connect),
	}).Info("node running")

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (n *Node) socketOptions(label string) transport.SocketLinkOptions {
	return transport.SocketLinkOptions{
		ConnectionLabel: label,
		BytesPerSecond:  n.cfg.Transport.BytesPerSecond,
	}
}

func (n *Node) helloContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if n.cfg.Transport.DialTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, n.cfg.Transport.DialTimeout)
}

func (n *Node) acceptLoop(ctx context.Context, g *errgroup.Group) error {
	for {
		conn, err := n.mux.AcceptContext(ctx)
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrConnectionPoolFull):
			if !sleep(ctx, poolFullBackoff) {
				return nil
			}
			continue
		case errors.Is(err, net.ErrClosed), ctx.Err() != nil:
			return nil
		default:
			return oops.Wrapf(err, "accepting socket links")
		}

		tracked := newTrackedConn(conn, n.mux.ReleaseSession)
		g.Go(func() error {
			hctx, cancel := n.helloContext(ctx)
			defer cancel()
			label := "accept:" + conn.RemoteAddr().String()
			if err := n.router.AttachSocketLink(hctx, tracked, n.socketOptions(label)); err != nil {
				log.WithError(err).WithFields(logger.Fields{
					"at":     "(Node) acceptLoop",
					"remote": conn.RemoteAddr().String(),
				}).Warn("rejected socket link")
			}
			return nil
		})
	}
}

// dialLoop keeps one socket link to addr up, redialing after failures and
// disconnects. Reaching this node itself stops the loop.
func (n *Node) dialLoop(ctx context.Context, addr string) error {
	dialer := net.Dialer{Timeout: n.cfg.Transport.DialTimeout}
	for {
		err := n.dialOnce(ctx, &dialer, addr)
		if errors.Is(err, router.ErrLoopbackNotAllowed) {
			log.WithField("addr", addr).Warn("connect address reaches this node, not redialing")
			return nil
		}
		if err != nil && ctx.Err() == nil {
			log.WithError(err).WithField("addr", addr).Warn("socket link to peer failed")
		}
		if !sleep(ctx, n.cfg.Transport.RedialInterval) {
			return nil
		}
	}
}

// dialOnce dials addr, attaches the socket and waits for it to close.
func (n *Node) dialOnce(ctx context.Context, dialer *net.Dialer, addr string) error {
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return oops.Wrapf(err, "dialing %s", addr)
	}
	tracked := newTrackedConn(conn, nil)

	hctx, cancel := n.helloContext(ctx)
	err = n.router.AttachSocketLink(hctx, tracked, n.socketOptions("dial:"+addr))
	cancel()
	if err != nil {
		return err
	}
	select {
	case <-tracked.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sleep waits d or until ctx ends, reporting whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close stops the control server, the listeners and the router.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		var errs []error
		if n.control != nil {
			errs = append(errs, n.control.Close())
		}
		if n.mux != nil {
			errs = append(errs, n.mux.Close())
		}
		errs = append(errs, n.router.Close())
		n.closeErr = errors.Join(errs...)
		log.WithField("at", "(Node) Close").Info("node stopped")
	})
	return n.closeErr
}

// trackedConn reports when a socket closes.
type trackedConn struct {
	net.Conn
	once    sync.Once
	done    chan struct{}
	onClose func()
}

func newTrackedConn(conn net.Conn, onClose func()) *trackedConn {
	return &trackedConn{Conn: conn, done: make(chan struct{}), onClose: onClose}
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() {
		close(c.done)
		if c.onClose != nil {
			c.onClose()
		}
	})
	return err
}
