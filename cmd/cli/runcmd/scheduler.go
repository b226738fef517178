package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Starts the scheduler process",
	Long:  "Fires periodic templates and runs the reaper and compactor sweeps, without serving the API.",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running scheduler process")
		conf := loadConfig(cmd)

		ctx, cancel := context.WithCancel(context.Background())
		f := mustFarm(ctx, conf)

		defer func() {
			cancel()
			f.Close()
		}()

		if err := f.scheduler.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start scheduler")
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		log.Info().Msgf("Received signal %v, shutting down...", <-sigCh)
	},
}
