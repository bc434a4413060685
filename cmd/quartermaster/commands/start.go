package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/marmos91/quartermaster/internal/logger"
	"github.com/marmos91/quartermaster/pkg/config"
	"github.com/marmos91/quartermaster/pkg/coordination"
	"github.com/marmos91/quartermaster/pkg/coordinator"
	"github.com/marmos91/quartermaster/pkg/diskcache"
	"github.com/marmos91/quartermaster/pkg/fetch"
	"github.com/marmos91/quartermaster/pkg/interest"
	"github.com/marmos91/quartermaster/pkg/metrics"
	qmprometheus "github.com/marmos91/quartermaster/pkg/metrics/prometheus"
	s3store "github.com/marmos91/quartermaster/pkg/objectstore/s3"
	"github.com/marmos91/quartermaster/pkg/refcache"
	"github.com/marmos91/quartermaster/pkg/transport"
	"github.com/marmos91/quartermaster/pkg/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the quartermaster worker",
	Long: `Start the quartermaster worker.

The worker consumes download requests from the broker, deduplicates them
against the shared Redis coordination store, produces missing content with
yt-dlp, uploads it to the object store, and publishes results.

Examples:
  # Start with the default config location
  quartermaster start

  # Start with a custom config file
  quartermaster start --config /etc/quartermaster/config.yaml

  # Override settings from the environment
  QM_LOGGING_LEVEL=DEBUG quartermaster start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Configuration loaded", "source", configSource(GetConfigFile()))

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		logger.Info("Metrics enabled", "port", cfg.HTTP.Port)
	} else {
		logger.Info("Metrics collection disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared coordination store: interest locks and reference cache entries
	// live here so every worker sees the same dedup state.
	store, err := coordination.NewRedis(ctx, coordination.RedisConfig{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		KeyPrefix:   cfg.Redis.KeyPrefix,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	logger.Info("Coordination store connected", "addr", cfg.Redis.Addr)

	broker, err := transport.Dial(transport.BrokerConfig{
		URL:             cfg.Broker.URL,
		RequestQueue:    cfg.Broker.RequestQueue,
		ResultQueue:     cfg.Broker.ResultQueue,
		DeadLetterQueue: cfg.Broker.DeadLetterQueue,
		Prefetch:        cfg.Broker.Prefetch,
	})
	if err != nil {
		return err
	}
	defer func() { _ = broker.Close() }()
	logger.Info("Broker connected",
		"request_queue", cfg.Broker.RequestQueue,
		"result_queue", cfg.Broker.ResultQueue)

	disk, err := diskcache.NewWithMetrics(cfg.DiskCache.Path, cfg.DiskCache.Size.Uint64(),
		qmprometheus.NewDiskCacheMetrics())
	if err != nil {
		return fmt.Errorf("failed to open disk cache: %w", err)
	}
	logger.Info("Disk cache ready", "path", cfg.DiskCache.Path, "budget", cfg.DiskCache.Size)

	client, err := s3store.NewClientFromConfig(ctx,
		cfg.ObjectStore.Endpoint,
		cfg.ObjectStore.Region,
		cfg.ObjectStore.AccessKeyID,
		cfg.ObjectStore.SecretAccessKey,
		cfg.ObjectStore.ForcePathStyle,
	)
	if err != nil {
		return err
	}
	objects, err := s3store.New(ctx, s3store.Config{
		Client:     client,
		Bucket:     cfg.ObjectStore.Bucket,
		KeyPrefix:  cfg.ObjectStore.KeyPrefix,
		PresignTTL: cfg.ObjectStore.PresignTTL,
		Metrics:    qmprometheus.NewObjectStoreMetrics(),
	})
	if err != nil {
		return err
	}
	logger.Info("Object store ready", "bucket", cfg.ObjectStore.Bucket)

	fetcher := fetch.NewYtDlp(fetch.YtDlpConfig{
		Binary:    cfg.Fetch.Binary,
		Timeout:   cfg.Fetch.Timeout,
		RateLimit: cfg.Fetch.RateLimit,
	})

	refs := refcache.New(store, cfg.ReferenceCache.TTL)
	lock := interest.New(store, cfg.Interest.TTL)

	scheduler := transport.NewScheduler(broker, cfg.Retry.Delay, cfg.Retry.MaxAttempts)
	defer scheduler.Stop()

	coord := coordinator.New(refs, lock, disk, fetcher, objects, broker, scheduler,
		qmprometheus.NewCoordinatorMetrics())

	httpServer := newHTTPServer(cfg)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	w := worker.New(broker, coord, cfg.Worker.Concurrency)

	workerDone := make(chan error, 1)
	go func() {
		workerDone <- w.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Worker is running. Press Ctrl+C to stop.",
		"concurrency", cfg.Worker.Concurrency)

	var runErr error
	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()
		runErr = waitForWorker(workerDone, cfg.ShutdownTimeout)

	case err := <-workerDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Worker error", "error", err)
			runErr = err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", "error", err)
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("Worker stopped gracefully")
	return nil
}

// waitForWorker waits for in-flight deliveries to drain, up to the shutdown
// timeout.
func waitForWorker(done <-chan error, timeout time.Duration) error {
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timed out after %s", timeout)
	}
}

// newHTTPServer builds the health and metrics endpoint.
func newHTTPServer(cfg *config.Config) *http.Server {
	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", metrics.Handler())

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
}

// configSource returns a description of where the config was loaded from.
func configSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if _, err := os.Stat(config.GetDefaultConfigPath()); err == nil {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}
