// Package transport carries overlay links over byte-stream sockets.
//
// # Socket links
//
// A socket link starts with a hello in each direction: the 8-byte big-endian
// node id of the sender. After that both directions carry link frames, each
// prefixed by its length as a 4-byte big-endian integer. Outbound frames may
// be paced to a byte rate with a per-byte delay of at least 10µs.
//
// # Listener muxer
//
// ListenerMuxer accepts sockets from several net.Listeners at once and
// enforces a limit on the number of attached sockets:
//
//	lmux := transport.MuxWithLimit(64, tcpListener, unixListener)
//	for {
//	    conn, err := lmux.Accept()
//	    if err != nil {
//	        return err
//	    }
//	    go attach(conn)
//	}
//
// Callers release capacity with ReleaseSession when a socket closes.
package transport

import "github.com/go-i2p/logger"

var log = logger.GetGoI2PLogger()
