package config

import (
	"path/filepath"
	"time"
)

// RouterConfig holds the settings of one overlay node.
type RouterConfig struct {
	// NodeID pins the node id; zero lets the router pick one at random.
	NodeID uint64 `yaml:"node_id"`
	// Diagnostics is the implementation label reported in diagnostics.
	Diagnostics string `yaml:"diagnostics"`
	// TLS locates the certificate and key used for every peer connection.
	TLS TLSConfig `yaml:"tls"`
	// Transport describes the socket links of this node.
	Transport TransportConfig `yaml:"transport"`
	// Control configures the JSON-RPC control server.
	Control ControlConfig `yaml:"control"`
}

// TLSConfig names the PEM files of the node's identity.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// TransportConfig describes listening and dialing of socket links.
type TransportConfig struct {
	// Listen lists addresses accepting socket links, e.g. ":4100".
	Listen []string `yaml:"listen"`
	// Connect lists addresses dialed at startup.
	Connect []string `yaml:"connect"`
	// BytesPerSecond paces every socket link. Nil leaves links unpaced;
	// zero is rejected.
	BytesPerSecond *uint64 `yaml:"bytes_per_second,omitempty"`
	// MaxConnections limits accepted sockets. Zero means unlimited.
	MaxConnections int `yaml:"max_connections"`
	// DialTimeout bounds each outgoing dial and hello exchange.
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// RedialInterval is the pause before dialing a lost connection again.
	RedialInterval time.Duration `yaml:"redial_interval"`
}

// ControlConfig holds configuration for the JSON-RPC control server.
type ControlConfig struct {
	// Enabled determines if the control server should start.
	Enabled bool `yaml:"enabled"`
	// Address is the listen address, e.g. "localhost:7651".
	Address string `yaml:"address"`
	// Password is exchanged for an access token by Authenticate.
	Password string `yaml:"password"`
	// UseHTTPS serves the control API over TLS with the node certificate.
	UseHTTPS bool `yaml:"use_https"`
	// TokenExpiration is how long access tokens remain valid.
	TokenExpiration time.Duration `yaml:"token_expiration"`
}

func defaultTLSDir() string {
	return filepath.Join(BuildOvernetDirPath(), "tls")
}

// DefaultRouterConfig returns the configuration used when no file sets a key.
func DefaultRouterConfig() *RouterConfig {
	d := Defaults()
	return &RouterConfig{
		NodeID:      d.Router.NodeID,
		Diagnostics: d.Router.Diagnostics,
		TLS: TLSConfig{
			CertFile: d.Router.CertFile,
			KeyFile:  d.Router.KeyFile,
		},
		Transport: TransportConfig{
			Listen:         d.Transport.Listen,
			Connect:        d.Transport.Connect,
			MaxConnections: d.Transport.MaxConnections,
			DialTimeout:    d.Transport.DialTimeout,
			RedialInterval: d.Transport.RedialInterval,
		},
		Control: ControlConfig{
			Enabled:         d.Control.Enabled,
			Address:         d.Control.Address,
			Password:        d.Control.Password,
			UseHTTPS:        d.Control.UseHTTPS,
			TokenExpiration: d.Control.TokenExpiration,
		},
	}
}
