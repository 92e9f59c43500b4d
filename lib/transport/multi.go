package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/logger"
)

// DefaultMaxConnections is the default maximum number of concurrent connections
// across all muxed listeners. This prevents resource exhaustion under heavy load.
const DefaultMaxConnections = 1024

// ListenerMuxer accepts sockets from several listeners as if they were one.
// Every listener is served by a single accept goroutine, started on first use,
// so connections are never lost between Accept calls.
type ListenerMuxer struct {
	// the underlying listeners in order of preference
	listeners []net.Listener

	// MaxConnections is the maximum number of concurrent sockets allowed
	// across all listeners in this muxer. 0 means use DefaultMaxConnections.
	MaxConnections int

	// activeSessionCount tracks the number of currently attached sockets
	activeSessionCount int32 // atomic

	startOnce sync.Once
	results   chan acceptResult
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	failed    int32 // atomic, listeners whose accept loop ended
}

type acceptResult struct {
	conn          net.Conn
	err           error
	listenerIndex int
}

// Mux combines a set of listeners.
func Mux(l ...net.Listener) (lmux *ListenerMuxer) {
	log.WithFields(logger.Fields{
		"at":             "Mux",
		"reason":         "initialization",
		"listener_count": len(l),
	}).Debug("creating new ListenerMuxer")
	lmux = &ListenerMuxer{
		listeners: append([]net.Listener(nil), l...),
		results:   make(chan acceptResult),
		done:      make(chan struct{}),
	}
	return lmux
}

// MuxWithLimit creates a ListenerMuxer with a specified maximum connection limit.
func MuxWithLimit(maxConnections int, l ...net.Listener) (lmux *ListenerMuxer) {
	lmux = Mux(l...)
	lmux.MaxConnections = maxConnections
	log.WithFields(logger.Fields{
		"at":              "MuxWithLimit",
		"max_connections": maxConnections,
	}).Debug("ListenerMuxer created with connection limit")
	return lmux
}

// ReleaseSession decrements the active socket counter.
// This should be called when an accepted socket is closed to free up capacity.
func (lmux *ListenerMuxer) ReleaseSession() {
	for {
		cur := atomic.LoadInt32(&lmux.activeSessionCount)
		if cur <= 0 {
			return
		}
		if atomic.CompareAndSwapInt32(&lmux.activeSessionCount, cur, cur-1) {
			break
		}
	}
	log.WithFields(logger.Fields{
		"at":              "(ListenerMuxer) ReleaseSession",
		"active_sessions": atomic.LoadInt32(&lmux.activeSessionCount),
	}).Debug("session released")
}

// Close closes every listener that this muxer has. Later calls return the
// result of the first.
func (lmux *ListenerMuxer) Close() error {
	lmux.closeOnce.Do(func() {
		close(lmux.done)
		for i, l := range lmux.listeners {
			if cerr := l.Close(); cerr != nil {
				log.WithFields(logger.Fields{
					"at":             "(ListenerMuxer) Close",
					"reason":         "listener_close_failed",
					"listener_index": i,
					"error":          cerr.Error(),
				}).Warn("error closing listener")
				lmux.closeErr = cerr
			}
		}
		log.WithFields(logger.Fields{
			"at":             "(ListenerMuxer) Close",
			"listener_count": len(lmux.listeners),
		}).Debug("all listeners closed")
	})
	return lmux.closeErr
}

// Addr returns the address of the first listener, or nil if there is none.
func (lmux *ListenerMuxer) Addr() net.Addr {
	if len(lmux.listeners) == 0 {
		return nil
	}
	return lmux.listeners[0].Addr()
}

// Accept returns the next socket from any listener.
// Returns nil and ErrNoListenerAvailable if no listeners are configured or all
// of them failed, and ErrConnectionPoolFull if the connection limit has been reached.
func (lmux *ListenerMuxer) Accept() (net.Conn, error) {
	return lmux.AcceptContext(context.Background())
}

// AcceptWithTimeout is Accept bounded by timeout; it returns
// context.DeadlineExceeded when nothing arrives in time.
func (lmux *ListenerMuxer) AcceptWithTimeout(timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return lmux.AcceptContext(ctx)
}

// AcceptContext returns the next socket from any listener or ctx's error.
func (lmux *ListenerMuxer) AcceptContext(ctx context.Context) (net.Conn, error) {
	if err := lmux.validateListeners(); err != nil {
		return nil, err
	}
	if err := lmux.checkConnectionLimit(); err != nil {
		return nil, err
	}
	lmux.startOnce.Do(lmux.startAcceptGoroutines)

	for {
		select {
		case res := <-lmux.results:
			if res.err != nil {
				if int(atomic.AddInt32(&lmux.failed, 1)) >= len(lmux.listeners) {
					return nil, res.err
				}
				continue
			}
			atomic.AddInt32(&lmux.activeSessionCount, 1)
			log.WithFields(logger.Fields{
				"at":              "(ListenerMuxer) Accept",
				"reason":          "connection_accepted",
				"listener_index":  res.listenerIndex,
				"remote":          res.conn.RemoteAddr().String(),
				"active_sessions": atomic.LoadInt32(&lmux.activeSessionCount),
			}).Debug("accept succeeded")
			return res.conn, nil
		case <-lmux.done:
			return nil, net.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// validateListeners checks that at least one listener is still usable.
func (lmux *ListenerMuxer) validateListeners() error {
	if len(lmux.listeners) == 0 || int(atomic.LoadInt32(&lmux.failed)) >= len(lmux.listeners) {
		return ErrNoListenerAvailable
	}
	return nil
}

// startAcceptGoroutines launches one accept loop per listener. A loop ends
// after reporting its listener's first permanent error.
func (lmux *ListenerMuxer) startAcceptGoroutines() {
	for i, l := range lmux.listeners {
		go func(listener net.Listener, index int) {
			for {
				conn, err := listener.Accept()
				select {
				case lmux.results <- acceptResult{conn: conn, err: err, listenerIndex: index}:
				case <-lmux.done:
					if conn != nil {
						_ = conn.Close()
					}
					return
				}
				if err != nil {
					log.WithFields(logger.Fields{
						"at":             "(ListenerMuxer) startAcceptGoroutines",
						"reason":         "listener_accept_failed",
						"listener_index": index,
						"error":          err.Error(),
					}).Debug("listener stopped accepting")
					return
				}
			}
		}(l, i)
	}
}

// getMaxConnections returns the effective maximum connection limit.
// Returns DefaultMaxConnections if MaxConnections is not set (0 or negative).
func (lmux *ListenerMuxer) getMaxConnections() int {
	if lmux.MaxConnections <= 0 {
		return DefaultMaxConnections
	}
	return lmux.MaxConnections
}

// ActiveSessionCount returns the current number of sockets tracked by the muxer.
func (lmux *ListenerMuxer) ActiveSessionCount() int {
	return int(atomic.LoadInt32(&lmux.activeSessionCount))
}

// checkConnectionLimit returns ErrConnectionPoolFull if the maximum number of
// concurrent connections has been reached.
func (lmux *ListenerMuxer) checkConnectionLimit() error {
	max := lmux.getMaxConnections()
	current := int(atomic.LoadInt32(&lmux.activeSessionCount))
	if current >= max {
		log.WithFields(logger.Fields{
			"at":              "(ListenerMuxer) checkConnectionLimit",
			"reason":          "connection_pool_full",
			"active_sessions": current,
			"max_connections": max,
		}).Warn("connection pool limit reached")
		return ErrConnectionPoolFull
	}
	return nil
}

// GetListeners returns a copy of the slice of listeners in this muxer.
func (lmux *ListenerMuxer) GetListeners() []net.Listener {
	listeners := make([]net.Listener, len(lmux.listeners))
	copy(listeners, lmux.listeners)
	return listeners
}
