package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"net"
	"time"

	"github.com/go-i2p/go-overnet/lib/common/labels"
	"github.com/go-i2p/go-overnet/lib/link"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// MinByteDelay is the floor of the per-byte pacing delay.
const MinByteDelay = 10 * time.Microsecond

// MaxSocketFrameSize is the largest frame a socket link carries.
const MaxSocketFrameSize = link.MaxFrameSize

const frameLengthSize = 4

// SocketLinkOptions configure one socket link.
type SocketLinkOptions struct {
	// ConnectionLabel names the link in diagnostics.
	ConnectionLabel string `json:"connection_label" yaml:"connection_label"`
	// BytesPerSecond paces outbound bytes; nil means unpaced.
	BytesPerSecond *uint64 `json:"bytes_per_second,omitempty" yaml:"bytes_per_second,omitempty"`
}

// ByteDelay returns the per-byte pacing delay, or zero when unpaced.
// A rate of zero bytes per second is rejected with ErrInvalidPacingOption.
func (o SocketLinkOptions) ByteDelay() (time.Duration, error) {
	if o.BytesPerSecond == nil {
		return 0, nil
	}
	n := *o.BytesPerSecond
	if n == 0 {
		return 0, oops.Wrapf(ErrInvalidPacingOption, "connection %q", o.ConnectionLabel)
	}
	var d time.Duration
	if n < math.MaxInt64 {
		d = time.Second / time.Duration(n)
	}
	return max(MinByteDelay, d), nil
}

// Limiter returns the pacing limiter for these options, or nil when unpaced.
func (o SocketLinkOptions) Limiter() (*rate.Limiter, error) {
	d, err := o.ByteDelay()
	if err != nil || d == 0 {
		return nil, err
	}
	return rate.NewLimiter(rate.Every(d), MaxSocketFrameSize+frameLengthSize), nil
}

// ExchangeHello sends local's node id and reads the remote's concurrently,
// so it works over unbuffered sockets.
func ExchangeHello(ctx context.Context, conn net.Conn, local labels.NodeID) (labels.NodeID, error) {
	var g errgroup.Group
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	g.Go(func() error {
		b := local.Bytes()
		_, err := conn.Write(b[:])
		return err
	})
	var remote labels.NodeID
	g.Go(func() error {
		var b [labels.NodeIDSize]byte
		if _, err := io.ReadFull(conn, b[:]); err != nil {
			return err
		}
		id, err := labels.NodeIDFromBytes(b[:])
		if err != nil {
			return err
		}
		if id == 0 {
			return oops.Wrapf(ErrBadHello, "zero node id")
		}
		remote = id
		return nil
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return 0, oops.Wrapf(err, "socket link hello")
	}
	return remote, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, frame []byte) error {
	if len(frame) > MaxSocketFrameSize {
		return oops.Wrapf(ErrFrameTooLarge, "%d bytes", len(frame))
	}
	buf := make([]byte, frameLengthSize+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[frameLengthSize:], frame)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [frameLengthSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxSocketFrameSize {
		return nil, oops.Wrapf(ErrFrameTooLarge, "%d bytes", n)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// Pump carries l over conn until either side fails or ctx ends. Both the
// socket and the link are closed on return. A clean remote close is not an
// error.
func Pump(ctx context.Context, conn net.Conn, l *link.Link, limiter *rate.Limiter) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			frame, err := ReadFrame(conn)
			if err != nil {
				return err
			}
			if err := l.ReceivedPacket(frame); err != nil {
				if errors.Is(err, link.ErrLinkClosed) {
					return err
				}
				log.WithError(err).WithFields(logger.Fields{
					"at":      "transport.Pump",
					"link_id": l.ID(),
				}).Debug("dropped inbound frame")
			}
		}
	})
	g.Go(func() error {
		for {
			frame, err := l.NextSend(ctx)
			if err != nil {
				return err
			}
			if limiter != nil {
				if err := limiter.WaitN(ctx, len(frame)+frameLengthSize); err != nil {
					return err
				}
			}
			if err := WriteFrame(conn, frame); err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		_ = conn.Close()
		return nil
	})

	err := g.Wait()
	_ = l.Close()
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, link.ErrLinkClosed) || errors.Is(err, context.Canceled) {
		err = nil
	}
	log.WithError(err).WithFields(logger.Fields{
		"at":      "transport.Pump",
		"link_id": l.ID(),
		"peer":    l.PeerNodeID(),
	}).Debug("socket link ended")
	return err
}
