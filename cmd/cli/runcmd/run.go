package runcmd

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"taskfarm/internal/config"
	"taskfarm/internal/database"
	"taskfarm/internal/estimator"
	"taskfarm/internal/ledger"
	"taskfarm/internal/metrics"
	"taskfarm/internal/queue"
	"taskfarm/internal/reaper"
	"taskfarm/internal/registry"
	"taskfarm/internal/scheduler"
	"taskfarm/internal/store"
)

var Command = &cobra.Command{
	Use:   "run",
	Short: "Run service",
	Long:  "Run service from a selected list of services",
}

func init() {
	Command.AddCommand(serverCmd)
	Command.AddCommand(schedulerCmd)
	Command.AddCommand(notifierCmd)
}

// loadConfig reads the configuration and applies its log level
func loadConfig(cmd *cobra.Command) *config.TFConfig {
	conf := config.FromCobraCmd(cmd)
	zerolog.SetGlobalLevel(conf.Level())
	return conf
}

func mustDatabase(ctx context.Context, conf *config.TFConfig) *sqlx.DB {
	db, err := database.New(conf)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to database")
	}
	if err := database.EnsureSchema(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("Could not prepare database schema")
	}
	return db
}

func mustQueue(conf *config.TFConfig) *queue.RedisClient {
	redis, err := queue.NewRedisClient(conf.Queue.Host, conf.Queue.Password, conf.Queue.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to redis queue")
	}
	return redis
}

func mustNats(conf *config.TFConfig) *queue.NatsClient {
	nc, err := queue.NewNatsClient(conf.Nats.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to nats")
	}
	return nc
}

// mustQueueClient connects the configured notification backend. It returns nil for "none".
func mustQueueClient(conf *config.TFConfig) queue.Client {
	switch backend := strings.ToLower(conf.Notifier.Backend); backend {
	case "redis", "":
		return mustQueue(conf)
	case "nats":
		return mustNats(conf)
	case "none":
		return nil
	default:
		log.Fatal().Str("backend", backend).Msg("Unknown notifier backend")
		return nil
	}
}

// farm is the wired engine shared by the server and scheduler processes
type farm struct {
	db          *sqlx.DB
	queueClient queue.Client
	registry    *prometheus.Registry
	metrics     *metrics.Metrics
	store       store.Store
	ledger      *ledger.Ledger
	workers     *registry.Registry
	dispatcher  *scheduler.Dispatcher
	requester   *scheduler.Requester
	scheduler   *scheduler.TaskScheduler
}

func mustFarm(ctx context.Context, conf *config.TFConfig) *farm {
	f := &farm{
		db:          mustDatabase(ctx, conf),
		queueClient: mustQueueClient(conf),
		registry:    prometheus.NewRegistry(),
	}
	f.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f.metrics = metrics.NewMetrics(f.registry)
	f.store = store.NewPostgresStore(f.db)

	// a nil *queue.Notifier inside the interface would not compare equal to nil
	var notifier ledger.Notifier
	if f.queueClient != nil {
		notifier = queue.NewNotifier(f.queueClient, conf.Notifier.PublishTimeout)
	}

	est := estimator.NewEstimator(f.store, conf.Scheduler.DefaultDuration, f.metrics)
	f.ledger = ledger.NewLedger(f.store, notifier, est, f.metrics)
	f.workers = registry.NewRegistry(f.store, conf.Scheduler.OfflineAfter)
	matcher := scheduler.NewMatcher(f.store, est, conf.Scheduler)
	f.dispatcher = scheduler.NewDispatcher(f.store, f.workers, matcher, f.ledger, f.metrics, conf.Scheduler.ClaimAttempts)
	f.requester = scheduler.NewRequester(f.store, f.metrics)
	f.scheduler = scheduler.NewTaskScheduler(f.store, f.requester, conf.Scheduler.TemplateRefresh)

	rp := reaper.NewReaper(f.store, f.ledger, f.metrics, conf.Reaper, conf.Scheduler.OfflineAfter)
	if err := f.scheduler.AddSweep("reaper", conf.Reaper.Schedule, rp.ReapOnce); err != nil {
		log.Fatal().Err(err).Msg("Could not schedule reaper")
	}
	cp := reaper.NewCompactor(f.store, f.metrics, conf.Compactor)
	if err := f.scheduler.AddSweep("compactor", conf.Compactor.Schedule, cp.CompactHistoryOnce); err != nil {
		log.Fatal().Err(err).Msg("Could not schedule compactor")
	}

	return f
}

func (f *farm) Close() {
	f.scheduler.Stop()

	if err := f.db.Close(); err != nil {
		log.Error().Err(err).Msg("Could not close db cleanly on shutdown")
	}

	if f.queueClient != nil {
		if err := f.queueClient.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close notification queue cleanly on shutdown")
		}
	}
}
