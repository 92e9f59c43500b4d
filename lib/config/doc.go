// Package config provides configuration management for the go-overnet node.
//
// # Configuration Directory
//
// All node state lives under $HOME/.go-overnet:
//   - config.yaml: the viper configuration file, written with defaults on
//     first start when no file exists
//   - tls/cert.pem, tls/key.pem: the node's certificate and private key,
//     generated on first start when missing
//
// Relative paths in the configuration file are resolved against this
// directory and may not escape it.
//
// # Keys
//
//	node_id                     fixed node id (0 picks a random one)
//	diagnostics                 implementation label reported in diagnostics
//	tls.cert_file, tls.key_file certificate and key used by every peer
//	transport.listen            addresses accepting socket links
//	transport.connect           addresses dialed at startup
//	transport.bytes_per_second  socket link pacing (unset means unpaced)
//	transport.max_connections   accepted socket limit (0 means unlimited)
//	control.*                   the JSON-RPC control server
package config
