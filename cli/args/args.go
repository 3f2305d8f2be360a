package args

import (
	"github.com/spf13/cobra"
)

type GlobalArgs struct {
	Network    string
	ConfigPath string
	LogLevel   string
}

func ProcessArgs(a *GlobalArgs, cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&a.Network, "network", "n", "", "Network to watch (polkadot, kusama)")
	_ = cmd.MarkPersistentFlagRequired("network")

	cmd.PersistentFlags().StringVar(&a.ConfigPath, "config-path", "", "Config file path, environment only when empty")
	cmd.PersistentFlags().StringVarP(&a.LogLevel, "log-level", "l", "info", "Log level (debug, info, warn, error, fatal)")
}
