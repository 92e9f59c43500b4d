// Package router coordinates one overlay mesh node: its links, its secure
// peer connections, its exported services and its route planner.
//
// # Router Architecture
//
// The Router owns two tables:
//   - the peer table, holding at most one client and one server Peer per
//     remote node, created lazily and kept until the router closes
//   - the link table, holding only weak references to Links; links are owned
//     by whatever transport created them and vanish from the table once
//     collected
//
// Every link's description is forwarded to the route planner, and the
// planner's routes are applied back onto the peers as their current link.
// Packets addressed to another node are forwarded along the same routes.
//
// # Usage Example
//
//	r, err := router.NewRouter(router.Options{CertFile: cert, KeyFile: key})
//	if err != nil {
//	    return err
//	}
//	defer r.Close()
//
//	_ = r.RegisterService("echo", provider)
//	_ = r.AttachSocketLink(ctx, conn, transport.SocketLinkOptions{ConnectionLabel: "tcp"})
//	_ = r.ConnectToService(ctx, remoteNode, "echo", channel)
//
// # Concurrency
//
// All exported methods are safe for concurrent use. Background work runs on
// goroutines that end when the router closes.
package router
