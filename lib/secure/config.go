// Package secure builds the configuration of the QUIC channel that every
// peer connection runs over, and runs that channel over routed packets.
//
// Client and server roles share one application protocol identifier and the
// same flow-control limits; only the TLS role differs.
package secure

import (
	"crypto/tls"
	"errors"
	"os"
	"time"

	"github.com/go-i2p/go-overnet/lib/common/labels"
	"github.com/go-i2p/logger"
	"github.com/quic-go/quic-go"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

// ApplicationProtocol is negotiated by every overlay connection.
const ApplicationProtocol = "overnet.link/10"

// Flow-control limits applied symmetrically to client and server roles.
const (
	InitialMaxData        = 10_000_000
	InitialMaxStreamData  = 1_000_000
	InitialMaxStreamsBidi = 100
	InitialMaxStreamsUni  = 0
)

// Connection timers. Keep-alives hold an idle connection open while a route
// exists; a connection without any route for MaxIdleTimeout ends.
const (
	HandshakeIdleTimeout = 10 * time.Second
	MaxIdleTimeout       = 60 * time.Second
	KeepAlivePeriod      = 20 * time.Second
)

// serverName is presented by clients; it matches GenerateSelfSigned.
const serverName = "overnet"

var (
	// ErrConfig reports a missing or unusable certificate or key.
	ErrConfig = errors.New("secure transport configuration error")
	// ErrWrongRole is returned when a config is used for the other role.
	ErrWrongRole = errors.New("secure config used for the wrong role")
)

// Limits are the flow-control parameters of one connection.
type Limits struct {
	MaxData        uint64 `json:"max_data" yaml:"max_data"`
	MaxStreamData  uint64 `json:"max_stream_data" yaml:"max_stream_data"`
	MaxStreamsBidi uint64 `json:"max_streams_bidi" yaml:"max_streams_bidi"`
	MaxStreamsUni  uint64 `json:"max_streams_uni" yaml:"max_streams_uni"`
}

// DefaultLimits returns the limits every connection is built with.
func DefaultLimits() Limits {
	return Limits{
		MaxData:        InitialMaxData,
		MaxStreamData:  InitialMaxStreamData,
		MaxStreamsBidi: InitialMaxStreamsBidi,
		MaxStreamsUni:  InitialMaxStreamsUni,
	}
}

// QUIC maps the limits onto quic-go transport parameters.
func (l Limits) QUIC() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout:           HandshakeIdleTimeout,
		MaxIdleTimeout:                 MaxIdleTimeout,
		KeepAlivePeriod:                KeepAlivePeriod,
		InitialStreamReceiveWindow:     l.MaxStreamData,
		MaxStreamReceiveWindow:         l.MaxStreamData,
		InitialConnectionReceiveWindow: l.MaxData,
		MaxConnectionReceiveWindow:     l.MaxData,
		MaxIncomingStreams:             streamLimit(l.MaxStreamsBidi),
		MaxIncomingUniStreams:          streamLimit(l.MaxStreamsUni),
		// Routed packets carry no don't-fragment bit, so path MTU discovery cannot work.
		DisablePathMTUDiscovery: true,
	}
}

// streamLimit converts a stream count for quic-go, which reads 0 as "use the
// default" and -1 as "allow none".
func streamLimit(n uint64) int64 {
	if n == 0 {
		return -1
	}
	return int64(n)
}

// Config is a role-specific secure channel configuration.
type Config struct {
	Role   labels.Endpoint
	TLS    *tls.Config
	Limits Limits
}

// LoadServerConfig reads the certificate and key used when accepting.
func LoadServerConfig(certFile, keyFile string) (*Config, error) {
	return load(labels.Server, certFile, keyFile)
}

// LoadClientConfig reads the certificate and key used when connecting.
func LoadClientConfig(certFile, keyFile string) (*Config, error) {
	return load(labels.Client, certFile, keyFile)
}

func load(role labels.Endpoint, certFile, keyFile string) (*Config, error) {
	certPEM, err := readFile("certificate", certFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := readFile("private key", keyFile)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, oops.Wrapf(ErrConfig, "parsing key pair %s / %s: %v", certFile, keyFile, err)
	}

	tc := &tls.Config{
		Certificates:           []tls.Certificate{cert},
		NextProtos:             []string{ApplicationProtocol},
		MinVersion:             tls.VersionTLS13,
		SessionTicketsDisabled: true,
	}
	if role == labels.Client {
		// Node identity is carried by the routing header, not the certificate.
		tc.InsecureSkipVerify = true
		tc.ServerName = serverName
	}

	log.WithFields(logger.Fields{
		"at":   "secure.load",
		"role": role.String(),
		"cert": certFile,
	}).Debug("loaded secure transport config")

	return &Config{Role: role, TLS: tc, Limits: DefaultLimits()}, nil
}

func readFile(what, path string) ([]byte, error) {
	if path == "" {
		return nil, oops.Wrapf(ErrConfig, "no %s file configured", what)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.Wrapf(ErrConfig, "reading %s file %s: %v", what, path, err)
	}
	return data, nil
}

