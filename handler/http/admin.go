package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"nutriparse/src/core/blob"
	"nutriparse/src/core/job"
	"nutriparse/src/infrastructure/metrics"
	"nutriparse/src/log"
)

// AdminHandler serves the operational endpoints.
type AdminHandler struct {
	store         job.Store
	queue         job.Queue
	blobs         blob.Store
	metrics       *metrics.Service
	retentionDays int
}

func NewAdminHandler(store job.Store, queue job.Queue, blobs blob.Store, m *metrics.Service, retentionDays int) *AdminHandler {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &AdminHandler{
		store:         store,
		queue:         queue,
		blobs:         blobs,
		metrics:       m,
		retentionDays: retentionDays,
	}
}

// Metrics dumps the counter snapshot plus a live queue depth.
func (h *AdminHandler) Metrics(c *gin.Context) {
	snapshot := h.metrics.Snapshot()
	if depth, err := h.queue.Depth(c.Request.Context()); err == nil {
		snapshot["queue_depth"] = depth
	}
	respondOK(c, snapshot)
}

// RealTimeStats summarizes the last 24 hours for dashboards.
func (h *AdminHandler) RealTimeStats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context(), 24*time.Hour)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "server_error", "failed to compute stats", nil)
		return
	}
	depth, _ := h.queue.Depth(c.Request.Context())

	respondOK(c, gin.H{
		"processing":      stats.ByState[job.StateRunning] + stats.ByState[job.StateLeased],
		"queued":          stats.ByState[job.StateQueued],
		"pending":         stats.ByState[job.StatePending],
		"completed_today": stats.ByState[job.StateCompleted],
		"failed_today":    stats.ByState[job.StateFailed],
		"success_rate":    stats.SuccessRate,
		"avg_duration_ms": stats.AvgDuration.Milliseconds(),
		"queue_depth":     depth,
	})
}

// Cleanup bulk-deletes terminal jobs older than the requested number of
// days, blobs included.
func (h *AdminHandler) Cleanup(c *gin.Context) {
	days := h.retentionDays
	if v := c.Query("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(c, http.StatusBadRequest, "invalid_days", "days must be a positive integer", nil)
			return
		}
		days = n
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	handles, deleted, err := h.store.Cleanup(c.Request.Context(),
		cutoff,
		[]job.State{job.StateCompleted, job.StateFailed, job.StateCancelled})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "server_error", "cleanup failed", nil)
		return
	}

	for _, handle := range handles {
		if err := h.blobs.Delete(c.Request.Context(), handle); err != nil {
			log.Error(err, "failed to delete blob during cleanup", "handle", handle)
		}
	}

	respondOK(c, gin.H{"deleted": deleted, "cutoff_days": days})
}
