package secure

import (
	"context"
	"net"

	"github.com/go-i2p/go-overnet/lib/common/labels"
	"github.com/quic-go/quic-go"
	"github.com/samber/oops"
)

// Conn is an established secure connection.
type Conn struct {
	*quic.Conn
	Role labels.Endpoint
}

// Transport runs secure connections over one packet conn. A client
// transport dials; a server transport listens.
type Transport struct {
	cfg *Config
	tr  *quic.Transport
}

// NewTransport prepares a transport over conn. Nothing is sent until Dial
// or Listen.
func (c *Config) NewTransport(conn net.PacketConn) *Transport {
	return &Transport{cfg: c, tr: &quic.Transport{Conn: conn}}
}

// Dial opens a client connection to remote and completes the handshake.
func (t *Transport) Dial(ctx context.Context, remote net.Addr) (*Conn, error) {
	if t.cfg == nil || t.cfg.Role != labels.Client {
		return nil, oops.Wrapf(ErrWrongRole, "dial requires a client config")
	}
	qc, err := t.tr.Dial(ctx, remote, t.cfg.TLS.Clone(), t.cfg.Limits.QUIC())
	if err != nil {
		return nil, oops.Wrapf(err, "dial %s", remote)
	}
	return &Conn{Conn: qc, Role: labels.Client}, nil
}

// Listen starts accepting server connections.
func (t *Transport) Listen() (*Listener, error) {
	if t.cfg == nil || t.cfg.Role != labels.Server {
		return nil, oops.Wrapf(ErrWrongRole, "listen requires a server config")
	}
	ln, err := t.tr.Listen(t.cfg.TLS.Clone(), t.cfg.Limits.QUIC())
	if err != nil {
		return nil, oops.Wrapf(err, "listen")
	}
	return &Listener{ln: ln}, nil
}

// Close ends every connection of the transport. The packet conn stays open.
func (t *Transport) Close() error {
	return t.tr.Close()
}

// Listener accepts server connections of one transport.
type Listener struct {
	ln *quic.Listener
}

// Accept waits for the next handshake to complete.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	qc, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: qc, Role: labels.Server}, nil
}

// Close stops accepting. Established connections are unaffected.
func (l *Listener) Close() error {
	return l.ln.Close()
}
