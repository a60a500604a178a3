package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/John-ltf/IoT-functions/api"
	"github.com/John-ltf/IoT-functions/config"
	"github.com/John-ltf/IoT-functions/internal/cache"
	"github.com/John-ltf/IoT-functions/internal/database"
	"github.com/John-ltf/IoT-functions/internal/dispatcher"
	"github.com/John-ltf/IoT-functions/internal/eventstream"
	"github.com/John-ltf/IoT-functions/internal/hub"
	"github.com/John-ltf/IoT-functions/internal/record"
	"github.com/John-ltf/IoT-functions/internal/repository"
	"github.com/John-ltf/IoT-functions/internal/telemetry"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Serve command flags
	disableNewRelic bool
	serverPort      int
	gracefulTimeout int
	skipMigrations  bool
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the telemetry pipeline and API server",
	Long: `Starts the full telemetry service: the live fan-out consumer, the
storage sink, the change-feed re-broadcast loop, both subscriber hubs, and
the HTTP surface for history queries, deletes and hub negotiation.

The server respects the configuration in config.yaml or specified via the
--config flag. It will gracefully shut down on receiving SIGINT or SIGTERM.`,
	Run: func(cmd *cobra.Command, args []string) {
		startServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Serve-specific flags
	serveCmd.Flags().BoolVar(&disableNewRelic, "disable-newrelic", false, "Disable New Relic monitoring")
	serveCmd.Flags().IntVar(&serverPort, "port", 0, "Server port (overrides config file)")
	serveCmd.Flags().IntVar(&gracefulTimeout, "graceful-timeout", 30, "Graceful shutdown timeout in seconds")
	serveCmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "Skip database migrations on startup")
}

// startServer initializes and starts the pipeline and the API server
func startServer() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Override config with command line flags if provided
	if serverPort > 0 {
		cfg.Server.Port = serverPort
	}

	log.WithFields(logrus.Fields{
		"port":             cfg.Server.Port,
		"newrelic_enabled": cfg.NewRelic.Enabled && !disableNewRelic,
	}).Info("Initializing service components...")

	// Initialize database with retry logic
	var db database.DB
	maxRetries := 5
	retryInterval := time.Second

	for i := 0; i < maxRetries; i++ {
		log.WithField("attempt", i+1).Info("Connecting to database...")
		db, err = database.Connect(cfg.Database)
		if err == nil {
			break
		}

		log.WithFields(logrus.Fields{
			"error":         err.Error(),
			"retry_attempt": i + 1,
			"max_retries":   maxRetries,
		}).Error("Failed to connect to database, retrying...")

		if i < maxRetries-1 {
			time.Sleep(retryInterval)
			// Exponential backoff
			retryInterval *= 2
		}
	}
	if err != nil {
		log.Fatalf("Failed to connect to database after %d attempts: %v", maxRetries, err)
	}

	log.Info("Successfully connected to database")
	defer func() {
		log.Info("Closing database connection...")
		if err := db.Close(); err != nil {
			log.WithField("error", err.Error()).Error("Error closing database connection")
		}
	}()

	if !skipMigrations {
		log.Info("Running database migrations...")
		if err := database.AutoMigrate(db); err != nil {
			log.Fatalf("Failed to run database migrations: %v", err)
		}
	}

	// Initialize Redis cache client. The service degrades without it:
	// negotiate tokens are not enforced and latest-record lookups miss.
	log.Info("Connecting to Redis...")
	redisClient, err := cache.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Warnf("Failed to connect to Redis: %v", err)
		redisClient = nil
	} else {
		defer func() {
			log.Info("Closing Redis connection...")
			if err := redisClient.Close(); err != nil {
				log.WithField("error", err.Error()).Error("Error closing Redis connection")
			}
		}()
	}

	// Initialize New Relic if enabled
	nrCfg := cfg.NewRelic
	if disableNewRelic {
		nrCfg.Enabled = false
	}
	nrApp, err := telemetry.InitNewRelic(nrCfg)
	if err != nil {
		log.Warnf("Failed to initialize New Relic: %v", err)
	}

	// Create repository and pipeline components
	repo := repository.NewRepository(db)
	builder := record.NewBuilder(log)
	liveHub := hub.New("live", log)
	historyHub := hub.New("history", log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var workers sync.WaitGroup

	// Inbound stream consumers need a broker connection; without one the
	// service still serves queries, hubs and the change feed.
	if cfg.ServiceBus.ConnectionString != "" {
		log.Info("Connecting to event stream...")

		liveStream, err := eventstream.NewServiceBusStream(cfg.ServiceBus, cfg.ServiceBus.LiveSubscription, log)
		if err != nil {
			log.Fatalf("Failed to open live subscription: %v", err)
		}
		defer liveStream.Close(context.Background())

		storeStream, err := eventstream.NewServiceBusStream(cfg.ServiceBus, cfg.ServiceBus.StoreSubscription, log)
		if err != nil {
			log.Fatalf("Failed to open store subscription: %v", err)
		}
		defer storeStream.Close(context.Background())

		live := dispatcher.NewLiveDispatcher(liveStream, builder, liveHub, log)
		sink := dispatcher.NewStorageSink(storeStream, builder, repo, redisClient, log)

		workers.Add(2)
		go func() {
			defer workers.Done()
			live.Run(ctx)
		}()
		go func() {
			defer workers.Done()
			sink.Run(ctx)
		}()
	} else {
		log.Warn("No event stream connection string configured, inbound consumers disabled")
	}

	changeFeed := dispatcher.NewChangeFeedDispatcher(repo, historyHub, cfg.ChangeFeed.PollInterval, cfg.ChangeFeed.BatchSize, log)
	workers.Add(1)
	go func() {
		defer workers.Done()
		changeFeed.Run(ctx)
	}()

	// Create and start the API server
	log.Info("Initializing API server...")
	server := api.NewServer(cfg, log, nrApp, repo, redisClient, liveHub, historyHub)

	// Set up graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for shutdown signal
	sig := <-stop
	log.Infof("Received signal %s, shutting down gracefully...", sig.String())

	// Stop consumers between batches and wait for them to drain
	cancel()
	workers.Wait()

	// Disconnect subscribers
	liveHub.Close()
	historyHub.Close()

	// Shutdown HTTP server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(gracefulTimeout)*time.Second)
	defer shutdownCancel()

	log.Info("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("Server shutdown error: %v", err)
	}

	log.Info("Server shutdown complete")
}
