package cli

import (
	"log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stakestar/tvpbot/cli/start"
)

var RootCmd = &cobra.Command{
	Use:   "tvpbot",
	Short: "tvpbot",
	Long:  `tvpbot watches Thousand Validators Programme candidates and notifies subscribed chats`,
}

func Execute(appName, version string) {
	RootCmd.Short = appName
	RootCmd.Version = version

	if err := RootCmd.Execute(); err != nil {
		log.Fatal("failed to execute root command", zap.Error(err))
	}
}

func init() {
	RootCmd.AddCommand(start.StartCmd)
}
