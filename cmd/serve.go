package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/pulsecal/services/telemetry/api"
	"example.com/pulsecal/services/telemetry/config"
	"example.com/pulsecal/services/telemetry/internal/cache"
	"example.com/pulsecal/services/telemetry/internal/database"
	"example.com/pulsecal/services/telemetry/internal/health"
	"example.com/pulsecal/services/telemetry/internal/lifecycle"
	"example.com/pulsecal/services/telemetry/internal/messaging"
	"example.com/pulsecal/services/telemetry/internal/metrics"
	"example.com/pulsecal/services/telemetry/internal/monitoring"
	"example.com/pulsecal/services/telemetry/internal/repository"
	"example.com/pulsecal/services/telemetry/internal/search"
	"example.com/pulsecal/services/telemetry/internal/sequence"
	"example.com/pulsecal/services/telemetry/internal/service"
	"example.com/pulsecal/services/telemetry/internal/validation"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Serve command flags
	disableNewRelic bool
	serverPort      int
	gracefulTimeout int
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Starts the telemetry service API server that handles sample ingestion,
device lifecycle operations and alert queries.

The server respects the configuration in config.yaml or specified via the --config flag.
It will gracefully shut down on receiving SIGINT or SIGTERM signals.`,
	Run: func(cmd *cobra.Command, args []string) {
		startServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&disableNewRelic, "disable-newrelic", false, "Disable New Relic monitoring")
	serveCmd.Flags().IntVar(&serverPort, "port", 0, "Server port (overrides config file)")
	serveCmd.Flags().IntVar(&gracefulTimeout, "graceful-timeout", 30, "Graceful shutdown timeout in seconds")
}

// startServer initializes and starts the API server
func startServer() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if serverPort > 0 {
		cfg.Server.Port = serverPort
	}

	log.WithFields(logrus.Fields{
		"port":             cfg.Server.Port,
		"newrelic_enabled": cfg.NewRelic.Enabled && !disableNewRelic,
	}).Info("Initializing service components...")

	db := connectDatabaseWithRetry(cfg)
	defer func() {
		log.Info("Closing database connection...")
		if err := db.Close(); err != nil {
			log.WithField("error", err.Error()).Error("Error closing database connection")
		}
	}()

	log.Info("Connecting to Redis...")
	redisClient, err := cache.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer func() {
		log.Info("Closing Redis connection...")
		if err := redisClient.Close(); err != nil {
			log.WithField("error", err.Error()).Error("Error closing Redis connection")
		}
	}()

	log.Info("Connecting to message broker...")
	msgClient, err := messaging.NewServiceBusClient(cfg.ServiceBus, "telemetry-api", log)
	if err != nil {
		log.Fatalf("Failed to connect to message broker: %v", err)
	}
	defer func() {
		log.Info("Closing messaging connection...")
		if err := msgClient.Close(); err != nil {
			log.WithField("error", err.Error()).Error("Error closing messaging connection")
		}
	}()

	var esClient search.Client
	if cfg.Elasticsearch.Enabled {
		esClient, err = search.NewClient(cfg.Elasticsearch)
		if err != nil {
			log.Warnf("Failed to connect to Elasticsearch, continuing without search: %v", err)
		}
	}

	nrApp := initNewRelic(cfg)

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	log.Info("Initializing service layer...")
	repo := repository.NewRepository(db)
	registry := lifecycle.NewRegistry(repo, redisClient, cfg.Validation.NonceWindow, log)
	tracker := sequence.NewTracker(cfg.Sequence, log)
	validator := validation.NewValidator(tracker, cfg.Validation, cfg.Rules, log)

	svc := service.NewService(repo, registry, validator, msgClient, esClient, m, cfg, log)
	monitor := health.NewMonitor(cfg.Health, svc, m, log)
	svc.AttachMonitor(monitor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tracker.Start(ctx)
	go monitor.Start(ctx)

	log.Info("Initializing API server...")
	server := api.NewServer(cfg, log, nrApp, svc, registry, promReg)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	sig := <-stop
	log.Infof("Received signal %s, shutting down gracefully...", sig.String())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(gracefulTimeout)*time.Second)
	defer shutdownCancel()

	log.Info("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("Server shutdown error: %v", err)
	}

	log.Info("Server shutdown complete")
}

// connectDatabaseWithRetry retries the initial database connection with
// exponential backoff before giving up.
func connectDatabaseWithRetry(cfg *config.Config) database.DB {
	var db database.DB
	var err error

	maxRetries := 5
	retryInterval := time.Second

	for i := 0; i < maxRetries; i++ {
		log.WithField("attempt", i+1).Info("Connecting to database...")
		db, err = database.Connect(cfg.Database)
		if err == nil {
			return db
		}

		log.WithFields(logrus.Fields{
			"error":         err.Error(),
			"retry_attempt": i + 1,
			"max_retries":   maxRetries,
		}).Error("Failed to connect to database, retrying...")

		if i < maxRetries-1 {
			time.Sleep(retryInterval)
			retryInterval *= 2
		}
	}

	log.Fatalf("Failed to connect to database after %d attempts: %v", maxRetries, err)
	return nil
}

func initNewRelic(cfg *config.Config) *newrelic.Application {
	if disableNewRelic {
		return nil
	}
	app, err := monitoring.InitNewRelic(cfg.NewRelic)
	if err != nil {
		log.Warnf("Failed to initialize New Relic: %v", err)
		return nil
	}
	return app
}
