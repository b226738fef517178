package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"taskfarm/cmd/cli/runcmd"
)

var RootCmd = &cobra.Command{
	Use:   "tfctl",
	Short: "TaskFarm - scheduling and lifecycle engine for an offliner farm",
	Long: `TaskFarm hands requested offliner tasks to polling workers, tracks each task through its
lifecycle and sweeps stuck and old tasks.

At a minimum, you need to start the server. The scheduler can run inside it or on its own.`,
}

func init() {
	RootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	RootCmd.AddCommand(runcmd.Command)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v", err)
		os.Exit(1)
	}
}
