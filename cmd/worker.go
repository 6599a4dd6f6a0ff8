package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/pulsecal/services/telemetry/config"
	"example.com/pulsecal/services/telemetry/internal/cache"
	"example.com/pulsecal/services/telemetry/internal/health"
	"example.com/pulsecal/services/telemetry/internal/lifecycle"
	"example.com/pulsecal/services/telemetry/internal/messaging"
	"example.com/pulsecal/services/telemetry/internal/metrics"
	"example.com/pulsecal/services/telemetry/internal/repository"
	"example.com/pulsecal/services/telemetry/internal/rules"
	"example.com/pulsecal/services/telemetry/internal/search"
	"example.com/pulsecal/services/telemetry/internal/sequence"
	"example.com/pulsecal/services/telemetry/internal/service"
	"example.com/pulsecal/services/telemetry/internal/validation"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const reconcileBatchSize = 500

// workerCmd represents the worker command
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long: `Starts the background worker that consumes accepted-sample events from
the queue, evaluates alert rules and reconciles unpublished samples.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	db := connectDatabaseWithRetry(cfg)
	defer db.Close()

	redisClient, err := cache.NewRedisClient(cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	msgClient, err := messaging.NewServiceBusClient(cfg.ServiceBus, "telemetry-worker", log)
	if err != nil {
		return err
	}
	defer msgClient.Close()

	var esClient search.Client
	if cfg.Elasticsearch.Enabled {
		esClient, err = search.NewClient(cfg.Elasticsearch)
		if err != nil {
			log.Warnf("Failed to connect to Elasticsearch, continuing without search: %v", err)
		}
	}

	m := metrics.New(prometheus.NewRegistry())

	repo := repository.NewRepository(db)
	registry := lifecycle.NewRegistry(repo, redisClient, cfg.Validation.NonceWindow, log)
	tracker := sequence.NewTracker(cfg.Sequence, log)
	validator := validation.NewValidator(tracker, cfg.Validation, cfg.Rules, log)

	svc := service.NewService(repo, registry, validator, msgClient, esClient, m, cfg, log)
	monitor := health.NewMonitor(cfg.Health, svc, m, log)
	svc.AttachMonitor(monitor)

	engine := rules.NewEngine(cfg.Rules)
	processor, err := service.NewEventProcessor(repo, engine, msgClient, redisClient, esClient, m, cfg, log)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithField("queue", cfg.ServiceBus.QueueName).Info("Starting event processor")
		return processor.Run(ctx)
	})

	// Fallback reconciliation: republish accepted samples whose event
	// publish failed so the alert pipeline never silently loses data.
	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Processor.ReconcileInterval),
			gocron.NewTask(func() {
				if _, err := svc.RepublishUnpublished(ctx, reconcileBatchSize); err != nil {
					log.WithError(err).Error("Reconciliation job failed")
				}
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()
		<-ctx.Done()
		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.WithError(err).Error("Worker error")
		return err
	}

	log.Info("Worker shutting down gracefully")
	return nil
}
