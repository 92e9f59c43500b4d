package config

import (
	"net"
	"path/filepath"
	"strconv"
	"time"
)

// DefaultControlPort is the port of the control server.
const DefaultControlPort = 7651

// DefaultControlPassword is the password accepted when none is configured.
// CheckDefaultPasswordWarning complains when it is in use.
const DefaultControlPassword = "overnet"

// ConfigDefaults contains all default configuration values for go-overnet.
type ConfigDefaults struct {
	Router    RouterDefaults
	Transport TransportDefaults
	Control   ControlDefaults
}

// RouterDefaults contains default values for the node itself
type RouterDefaults struct {
	// NodeID of zero means a random id per start.
	NodeID uint64

	// Diagnostics is the implementation label.
	// Default: "go-overnet"
	Diagnostics string

	// CertFile and KeyFile default to $HOME/.go-overnet/tls/{cert,key}.pem
	CertFile string
	KeyFile  string
}

// TransportDefaults contains default values for socket links
type TransportDefaults struct {
	// Listen defaults to no listeners.
	Listen []string

	// Connect defaults to no outgoing links.
	Connect []string

	// MaxConnections is the accepted socket limit.
	// Default: 64
	MaxConnections int

	// DialTimeout bounds a dial plus hello exchange.
	// Default: 10 seconds
	DialTimeout time.Duration

	// RedialInterval is the pause before redialing a lost link.
	// Default: 5 seconds
	RedialInterval time.Duration
}

// ControlDefaults contains default values for the control server
type ControlDefaults struct {
	// Enabled determines if the control server starts.
	// Default: false
	Enabled bool

	// Address is the listen address.
	// Default: "localhost:7651"
	Address string

	// Password for token authentication.
	// Default: "overnet"
	Password string

	// UseHTTPS enables TLS with the node certificate.
	// Default: false
	UseHTTPS bool

	// TokenExpiration is how long tokens stay valid.
	// Default: 10 minutes
	TokenExpiration time.Duration
}

// Defaults returns the default configuration values.
func Defaults() ConfigDefaults {
	tlsDir := defaultTLSDir()
	return ConfigDefaults{
		Router: RouterDefaults{
			Diagnostics: "go-overnet",
			CertFile:    filepath.Join(tlsDir, "cert.pem"),
			KeyFile:     filepath.Join(tlsDir, "key.pem"),
		},
		Transport: TransportDefaults{
			Listen:         []string{},
			Connect:        []string{},
			MaxConnections: 64,
			DialTimeout:    10 * time.Second,
			RedialInterval: 5 * time.Second,
		},
		Control: ControlDefaults{
			Enabled:         false,
			Address:         net.JoinHostPort("localhost", strconv.Itoa(DefaultControlPort)),
			Password:        DefaultControlPassword,
			UseHTTPS:        false,
			TokenExpiration: 10 * time.Minute,
		},
	}
}
