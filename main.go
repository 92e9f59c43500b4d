package main

import (
	"fmt"
	"os"

	"github.com/go-i2p/go-overnet/lib/config"
	"github.com/go-i2p/logger"
	"github.com/spf13/cobra"
)

var log = logger.GetGoI2PLogger()

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "go-overnet",
		Short: "Overlay mesh node",
		Long: `go-overnet runs a node of an overlay mesh. Nodes join over TLS secured
links, plan routes to each other and carry service connections as streams.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&config.CfgFile, "config", "",
		"config file (default is $HOME/.go-overnet/config.yaml)")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newDiagnosticsCommand())
	return rootCmd
}

// loadConfig reads the config file and builds the effective configuration.
func loadConfig() (*config.RouterConfig, error) {
	if err := config.InitConfig(); err != nil {
		return nil, err
	}
	return config.NewRouterConfigFromViper()
}
