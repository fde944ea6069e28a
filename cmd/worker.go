package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nutriparse/src/infrastructure/callback"
	"nutriparse/src/infrastructure/metrics"
	"nutriparse/src/infrastructure/worker"
	"nutriparse/src/log"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background parsing workers",
	Long: `The worker command runs the dispatch loop: it leases queued jobs,
executes the parsing pipeline, renews leases while jobs run and sweeps
leases whose workers died.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	settingDefaultConfig()
}

func runWorker(cmd *cobra.Command, args []string) error {
	store, queue, _, closeStore, err := buildStore()
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

	notifier, err := callback.NewNotifier(callback.Config{
		MaxAttempts: viper.GetInt("callback.max_attempts"),
		BackoffBase: viper.GetDuration("callback.backoff_base"),
		Timeout:     viper.GetDuration("callback.timeout"),
	}, metricsSvc)
	if err != nil {
		return err
	}

	pool, err := worker.NewPool(store, queue, blobs, pipeline, notifier, metricsSvc, worker.Config{
		Concurrency:   viper.GetInt("dispatcher.concurrency"),
		LeaseDuration: viper.GetDuration("queue.lease_duration"),
		MaxAttempts:   viper.GetInt("queue.max_attempts"),
	})
	if err != nil {
		return err
	}

	sweeper := worker.NewSweeper(queue,
		viper.GetDuration("queue.sweep_interval"),
		viper.GetInt("queue.max_attempts"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := notifier.Run(ctx); err != nil {
			log.Error(err, "callback router stopped")
		}
	}()
	go sweeper.Run(ctx)

	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	log.Info("worker started",
		"worker_id", pool.WorkerID(),
		"concurrency", viper.GetInt("dispatcher.concurrency"),
	)

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c

	log.Info("shutting down worker")
	cancel()
	<-done
	notifier.Close()
	log.Info("worker stopped")

	return nil
}
