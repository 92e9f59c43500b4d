package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/go-i2p/go-overnet/lib/util"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/spf13/viper"
)

var (
	CfgFile string
	log     = logger.GetGoI2PLogger()
)

const OVERNET_BASE_DIR = ".go-overnet"

var (
	ErrConfigFileMissing = errors.New("config file not found")
	ErrInvalidConfig     = errors.New("invalid configuration")
)

// InitConfig loads the configuration file into viper. Without an explicit
// CfgFile it looks for $HOME/.go-overnet/config.yaml and writes one holding
// the defaults when it does not exist.
func InitConfig() error {
	if CfgFile != "" {
		viper.SetConfigFile(CfgFile)
	} else {
		viper.AddConfigPath(BuildOvernetDirPath())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	setDefaults()
	return handleConfigFile()
}

func setDefaults() {
	d := Defaults()

	viper.SetDefault("node_id", d.Router.NodeID)
	viper.SetDefault("diagnostics", d.Router.Diagnostics)
	viper.SetDefault("tls.cert_file", d.Router.CertFile)
	viper.SetDefault("tls.key_file", d.Router.KeyFile)

	viper.SetDefault("transport.listen", d.Transport.Listen)
	viper.SetDefault("transport.connect", d.Transport.Connect)
	viper.SetDefault("transport.max_connections", d.Transport.MaxConnections)
	viper.SetDefault("transport.dial_timeout", d.Transport.DialTimeout)
	viper.SetDefault("transport.redial_interval", d.Transport.RedialInterval)

	viper.SetDefault("control.enabled", d.Control.Enabled)
	viper.SetDefault("control.address", d.Control.Address)
	viper.SetDefault("control.password", d.Control.Password)
	viper.SetDefault("control.use_https", d.Control.UseHTTPS)
	viper.SetDefault("control.token_expiration", d.Control.TokenExpiration)
}

// NewRouterConfigFromViper creates a RouterConfig from the current viper
// settings. Relative TLS paths are resolved against the base directory.
func NewRouterConfigFromViper() (*RouterConfig, error) {
	cfg := &RouterConfig{
		NodeID:      viper.GetUint64("node_id"),
		Diagnostics: viper.GetString("diagnostics"),
		Transport: TransportConfig{
			Listen:         viper.GetStringSlice("transport.listen"),
			Connect:        viper.GetStringSlice("transport.connect"),
			MaxConnections: viper.GetInt("transport.max_connections"),
			DialTimeout:    viper.GetDuration("transport.dial_timeout"),
			RedialInterval: viper.GetDuration("transport.redial_interval"),
		},
		Control: ControlConfig{
			Enabled:         viper.GetBool("control.enabled"),
			Address:         viper.GetString("control.address"),
			Password:        viper.GetString("control.password"),
			UseHTTPS:        viper.GetBool("control.use_https"),
			TokenExpiration: viper.GetDuration("control.token_expiration"),
		},
	}
	if viper.IsSet("transport.bytes_per_second") {
		bps := viper.GetUint64("transport.bytes_per_second")
		cfg.Transport.BytesPerSecond = &bps
	}

	var err error
	if cfg.TLS.CertFile, err = ValidateConfigPath(viper.GetString("tls.cert_file")); err != nil {
		return nil, err
	}
	if cfg.TLS.KeyFile, err = ValidateConfigPath(viper.GetString("tls.key_file")); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings the node cannot start with.
func (c *RouterConfig) Validate() error {
	if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
		return oops.Wrapf(ErrInvalidConfig, "tls.cert_file and tls.key_file are required")
	}
	if c.Transport.BytesPerSecond != nil && *c.Transport.BytesPerSecond == 0 {
		return oops.Wrapf(ErrInvalidConfig, "transport.bytes_per_second must be positive")
	}
	if c.Transport.MaxConnections < 0 {
		return oops.Wrapf(ErrInvalidConfig, "transport.max_connections must not be negative")
	}
	if c.Control.Enabled && c.Control.Address == "" {
		return oops.Wrapf(ErrInvalidConfig, "control.address is required when control is enabled")
	}
	return nil
}

func createDefaultConfig(defaultConfigDir string) error {
	defaultConfigFile := filepath.Join(defaultConfigDir, "config.yaml")
	if err := CreateSecureDirectory(defaultConfigDir); err != nil {
		return err
	}
	if err := viper.SafeWriteConfigAs(defaultConfigFile); err != nil {
		return oops.Wrapf(err, "writing default config %s", defaultConfigFile)
	}
	viper.SetConfigFile(defaultConfigFile)

	log.WithField("path", defaultConfigFile).Debug("created default configuration")
	return nil
}

func handleConfigFile() error {
	err := viper.ReadInConfig()
	if err == nil {
		log.WithField("path", viper.ConfigFileUsed()).Debug("using config file")
		return nil
	}

	var notFound viper.ConfigFileNotFoundError
	if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
		return oops.Wrapf(err, "reading config file")
	}
	if CfgFile != "" {
		return oops.Wrapf(ErrConfigFileMissing, "%s", CfgFile)
	}
	return createDefaultConfig(BuildOvernetDirPath())
}

// BuildOvernetDirPath returns $HOME/.go-overnet.
func BuildOvernetDirPath() string {
	return filepath.Join(util.UserHome(), OVERNET_BASE_DIR)
}
