package runcmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"taskfarm/internal/api"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the API server",
	Long: `Starts the API server that workers poll and report to. Unless --scheduler=false is given,
the scheduler (periodic templates, reaper and compactor) runs in the same process.`,
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running server process")
		conf := loadConfig(cmd)

		withScheduler, err := cmd.Flags().GetBool("scheduler")
		if err != nil {
			log.Fatal().Err(err).Msg("Could not read scheduler flag")
		}

		ctx, cancel := context.WithCancel(context.Background())
		f := mustFarm(ctx, conf)

		defer func() {
			cancel()
			f.Close()
		}()

		if withScheduler {
			if err := f.scheduler.Start(ctx); err != nil {
				log.Fatal().Err(err).Msg("Failed to start scheduler")
			}
		}

		srv := &http.Server{
			Addr: fmt.Sprintf("%s:%d", conf.Server.Host, conf.Server.Port),
			Handler: api.New(api.Services{
				Store:      f.store,
				Ledger:     f.ledger,
				Registry:   f.workers,
				Dispatcher: f.dispatcher,
				Requester:  f.requester,
				Gatherer:   f.registry,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("addr", srv.Addr).Msg("Listening")
			errCh <- srv.ListenAndServe()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Server stopped")
			}
		case sig := <-sigCh:
			log.Info().Msgf("Received signal %v, shutting down...", sig)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Could not shut down server cleanly")
		}
	},
}

func init() {
	serverCmd.Flags().Bool("scheduler", true, "also run the scheduler in this process")
}
