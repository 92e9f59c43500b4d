package peer

import (
	"io"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
)

// Stream error codes sent when a side abandons a stream.
const (
	codeStreamClosed  quic.StreamErrorCode = 0
	codeStreamRefused quic.StreamErrorCode = 1
)

// streamConn presents a QUIC stream as a net.Conn. Close abandons both
// directions; CloseWrite only finishes the sending half.
type streamConn struct {
	*quic.Stream
	local, remote net.Addr

	closeOnce sync.Once
	onClose   func()
}

var _ net.Conn = (*streamConn)(nil)

func newStreamConn(s *quic.Stream, local, remote net.Addr, onClose func()) *streamConn {
	return &streamConn{Stream: s, local: local, remote: remote, onClose: onClose}
}

func (c *streamConn) LocalAddr() net.Addr  { return c.local }
func (c *streamConn) RemoteAddr() net.Addr { return c.remote }

// CloseWrite sends FIN; reads continue until the remote finishes.
func (c *streamConn) CloseWrite() error {
	return c.Stream.Close()
}

func (c *streamConn) Close() error {
	err := c.Stream.Close()
	c.Stream.CancelRead(codeStreamClosed)
	c.closeOnce.Do(func() {
		if c.onClose != nil {
			c.onClose()
		}
	})
	return err
}

// refuse abandons the stream in both directions.
func (c *streamConn) refuse() {
	c.Stream.CancelWrite(codeStreamRefused)
	c.Stream.CancelRead(codeStreamRefused)
	c.closeOnce.Do(func() {
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// join copies between a stream and a local channel until both directions end.
func join(s *streamConn, channel net.Conn) {
	var wg sync.WaitGroup
	wg.Go(func() {
		_, _ = io.Copy(s, channel)
		_ = s.CloseWrite()
	})
	wg.Go(func() {
		_, _ = io.Copy(channel, s)
		if cw, ok := channel.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		} else {
			_ = channel.Close()
		}
	})
	wg.Wait()
	_ = s.Close()
	_ = channel.Close()
}
