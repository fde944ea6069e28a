package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nutriparse/src/core/job"
	"nutriparse/src/log"
)

var cleanupDays int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete terminal jobs past the retention window",
	Long: `The cleanup command removes completed, failed and cancelled jobs
older than the retention window, together with their stored files. The
same purge is reachable at runtime through POST /admin/cleanup.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 0, "retention in days (default: cleanup.retention_days)")

	settingDefaultConfig()
}

func runCleanup(cmd *cobra.Command, args []string) error {
	store, _, _, closeStore, err := buildStore()
	if err != nil {
		return err
	}
	defer closeStore()

	blobs, err := buildBlobs()
	if err != nil {
		return err
	}

	days := cleanupDays
	if days <= 0 {
		days = viper.GetInt("cleanup.retention_days")
	}
	cutoff := time.Now().AddDate(0, 0, -days)

	ctx := context.Background()
	handles, deleted, err := store.Cleanup(ctx, cutoff,
		[]job.State{job.StateCompleted, job.StateFailed, job.StateCancelled})
	if err != nil {
		return err
	}

	var blobErrs int
	for _, handle := range handles {
		if err := blobs.Delete(ctx, handle); err != nil {
			blobErrs++
			log.Error(err, "failed to delete blob", "handle", handle)
		}
	}

	log.Info("cleanup finished",
		"deleted_jobs", deleted,
		"deleted_blobs", len(handles)-blobErrs,
		"cutoff_days", days,
	)
	return nil
}
