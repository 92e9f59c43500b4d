// Package control serves a JSON-RPC 2.0 control API for a running node.
//
// Clients first call Authenticate with the configured password and pass the
// returned Token in the params of every later call:
//
//	{"jsonrpc":"2.0","id":1,"method":"Authenticate","params":{"API":1,"Password":"..."}}
//	{"jsonrpc":"2.0","id":2,"method":"NodeInfo","params":{"Token":"..."}}
//
// Methods:
//   - Authenticate: exchange the password for a token
//   - Echo: return the Echo parameter as Result
//   - NodeInfo: node id, services, peer/link/route counts and bandwidth
//   - ListPeers: wait for the next peer list (the first call returns at once).
//     Concurrent calls share one wait. A list that arrives after its caller
//     timed out goes to the next caller.
//   - Links: link diagnostics
//   - Diagnostics: the full node diagnostics snapshot
//
// Requests are POSTed to /jsonrpc with Content-Type application/json.
// GET /metrics serves the same counters in Prometheus text format.
package control

import "github.com/go-i2p/logger"

var log = logger.GetGoI2PLogger()
