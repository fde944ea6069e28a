package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	httpHdlr "nutriparse/handler/http"
	"nutriparse/src/infrastructure/callback"
	"nutriparse/src/infrastructure/metrics"
	"nutriparse/src/infrastructure/worker"
	"nutriparse/src/log"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the parsing API server",
	Long: `The serve command starts the HTTP server that accepts uploads,
answers status and result queries and exposes the admin surface. With
dispatcher.embedded (or the memory store backend) it also runs a worker
pool in-process.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	settingDefaultConfig()
}

func runServer(cmd *cobra.Command, args []string) error {
	store, queue, pingers, closeStore, err := buildStore()
	if err != nil {
		return err
	}
	defer closeStore()

	blobs, err := buildBlobs()
	if err != nil {
		return err
	}

	pipeline := buildPipeline()
	metricsSvc := metrics.NewService()

	parseHandler, err := httpHdlr.NewParseHandler(store, queue, blobs, pipeline, metricsSvc, httpHdlr.Config{
		MaxFileSize:     viper.GetInt64("upload.max_file_size"),
		MaxSyncFileSize: viper.GetInt64("upload.max_sync_file_size"),
		SyncDeadline:    viper.GetDuration("api.sync_deadline"),
	})
	if err != nil {
		return err
	}

	adminHandler := httpHdlr.NewAdminHandler(store, queue, blobs, metricsSvc, viper.GetInt("cleanup.retention_days"))
	healthHandler := httpHdlr.NewHealthHandler(queue, pingers)

	router := httpHdlr.NewRouter(httpHdlr.RouterDeps{
		Parse:   parseHandler,
		Admin:   adminHandler,
		Health:  healthHandler,
		Metrics: metricsSvc,
		Limiter: buildLimiter(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// dev mode: run workers inside the API process so async jobs
	// complete without a separate worker deployment
	embedded := viper.GetBool("dispatcher.embedded") || viper.GetString("store.backend") == "memory"
	if embedded {
		notifier, err := callback.NewNotifier(callback.Config{
			MaxAttempts: viper.GetInt("callback.max_attempts"),
			BackoffBase: viper.GetDuration("callback.backoff_base"),
			Timeout:     viper.GetDuration("callback.timeout"),
		}, metricsSvc)
		if err != nil {
			return err
		}
		go func() {
			if err := notifier.Run(ctx); err != nil {
				log.Error(err, "callback router stopped")
			}
		}()

		pool, err := worker.NewPool(store, queue, blobs, pipeline, notifier, metricsSvc, worker.Config{
			Concurrency:   viper.GetInt("dispatcher.concurrency"),
			LeaseDuration: viper.GetDuration("queue.lease_duration"),
			MaxAttempts:   viper.GetInt("queue.max_attempts"),
		})
		if err != nil {
			return err
		}
		go pool.Run(ctx)

		sweeper := worker.NewSweeper(queue,
			viper.GetDuration("queue.sweep_interval"),
			viper.GetInt("queue.max_attempts"))
		go sweeper.Run(ctx)

		log.Info("embedded worker pool started", "concurrency", viper.GetInt("dispatcher.concurrency"))
	}

	srv := &http.Server{
		Addr:    ":" + viper.GetString("server.port"),
		Handler: router,
	}

	go func() {
		log.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "server stopped")
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")
	cancel()

	timeout := viper.GetDuration("server.shutdown_timeout")
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "server forced to shutdown")
	}

	log.Info("server exited")
	return nil
}
