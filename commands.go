package main

import (
	"context"
	"time"

	"github.com/go-i2p/go-overnet/lib/config"
	"github.com/go-i2p/go-overnet/lib/control"
	"github.com/go-i2p/go-overnet/lib/node"
	"github.com/go-i2p/go-overnet/lib/router"
	"github.com/go-i2p/go-overnet/lib/util"
	"github.com/go-i2p/go-overnet/lib/util/signals"
	"github.com/go-i2p/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			n, err := node.New(cfg)
			if err != nil {
				return err
			}
			util.RegisterCloser(n)
			defer util.CloseAll()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			signals.RegisterInterruptHandler(signals.Handler(cancel))
			signals.RegisterReloadHandler(func() { reloadConfig(n) })
			go signals.Handle(ctx)

			log.WithFields(logger.Fields{
				"at":      "run",
				"node_id": n.Router().NodeID(),
				"config":  viper.ConfigFileUsed(),
			}).Info("starting node")
			return n.Run(ctx)
		},
	}
}

// reloadConfig applies the settings that can change without a restart.
func reloadConfig(n *node.Node) {
	if err := viper.ReadInConfig(); err != nil {
		log.WithError(err).WithField("at", "reloadConfig").Error("failed to re-read config")
		return
	}
	cfg, err := config.NewRouterConfigFromViper()
	if err != nil {
		log.WithError(err).WithField("at", "reloadConfig").Error("reloaded config is invalid")
		return
	}
	n.SetControlPassword(cfg.Control.Password)
	log.WithField("at", "reloadConfig").Info("config reloaded; transport changes apply after a restart")
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printYAML(cmd, cfg)
		},
	}
}

func newDiagnosticsCommand() *cobra.Command {
	var (
		address  string
		password string
		useHTTPS bool
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "diagnostics",
		Short: "Print a running node's peers, links and routes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("address") {
				address = cfg.Control.Address
			}
			if !cmd.Flags().Changed("password") {
				password = cfg.Control.Password
			}
			if !cmd.Flags().Changed("https") {
				useHTTPS = cfg.Control.UseHTTPS
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			var diags router.Diagnostics
			if err := control.NewClient(address, password, useHTTPS).Call(ctx, "Diagnostics", nil, &diags); err != nil {
				return err
			}
			return printYAML(cmd, diags)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "control server address (default from config)")
	cmd.Flags().StringVar(&password, "password", "", "control password (default from config)")
	cmd.Flags().BoolVar(&useHTTPS, "https", false, "use HTTPS (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}

func printYAML(cmd *cobra.Command, v any) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
