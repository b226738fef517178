package runcmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"taskfarm/internal/queue"
)

var notifierCmd = &cobra.Command{
	Use:   "notifier",
	Short: "Consumes task status notifications",
	Long:  "Drains the status notifications of the configured backend and logs every status change.",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running notifier process")
		conf := loadConfig(cmd)

		client := mustQueueClient(conf)
		if client == nil {
			log.Fatal().Msg("Notifier backend is none, nothing to consume")
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer func() {
			cancel()
			if err := client.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close notification queue cleanly on shutdown")
			}
		}()

		errCh := make(chan error, 1)
		go func() {
			errCh <- client.Subscribe(ctx, logStatusMessage)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Subscription stopped")
			}
		case sig := <-sigCh:
			log.Info().Msgf("Received signal %v, shutting down...", sig)
		}
	},
}

func logStatusMessage(message queue.StatusMessage) error {
	event := log.Info().
		Str("task_id", message.TaskID).
		Str("template", message.TemplateName).
		Str("worker", message.Worker).
		Str("status", string(message.Status)).
		Time("changed_at", message.ChangedAt)
	if message.CanceledBy.Valid {
		event = event.Str("canceled_by", message.CanceledBy.String)
	}
	if message.ExitCode.Valid {
		event = event.Int64("exit_code", message.ExitCode.Int64)
	}
	event.Msg("Task status changed")
	return nil
}
