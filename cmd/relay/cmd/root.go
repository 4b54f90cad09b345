package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/relaymq/relay-go/config"
)

var confPath string

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Reliable AMQP publish/subscribe client",
	Long: `relay publishes and consumes schema-validated messages over AMQP.

The broker connection is supervised: subscriptions survive restarts and
network drops, and published messages are retried until the broker
confirms them.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&confPath, "config", "",
		"path to the configuration file (defaults to $"+config.EnvConfigPath+")")
}

func loadConfig() (*config.Config, error) {
	return config.Load(confPath)
}
