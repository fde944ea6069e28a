package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"nutriparse/src/core/job"
)

// Pinger is anything that can report backend liveness; the postgres
// store exposes its DB through this, memstore is always healthy.
type Pinger interface {
	Ping() error
}

// HealthHandler serves the liveness and readiness endpoints.
type HealthHandler struct {
	queue   job.Queue
	pingers map[string]Pinger
	started time.Time
}

func NewHealthHandler(queue job.Queue, pingers map[string]Pinger) *HealthHandler {
	return &HealthHandler{
		queue:   queue,
		pingers: pingers,
		started: time.Now(),
	}
}

// Health is the cheap liveness probe.
func (h *HealthHandler) Health(c *gin.Context) {
	respondOK(c, gin.H{"status": "ok"})
}

// HealthDetailed checks every registered backend and reports 503 when
// any of them is down.
func (h *HealthHandler) HealthDetailed(c *gin.Context) {
	components := make(gin.H)
	healthy := true

	for name, p := range h.pingers {
		if err := p.Ping(); err != nil {
			components[name] = gin.H{"status": "down", "error": err.Error()}
			healthy = false
		} else {
			components[name] = gin.H{"status": "up"}
		}
	}

	if depth, err := h.queue.Depth(c.Request.Context()); err != nil {
		components["queue"] = gin.H{"status": "down", "error": err.Error()}
		healthy = false
	} else {
		components["queue"] = gin.H{"status": "up", "depth": depth}
	}

	data := gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"components":     components,
	}
	if !healthy {
		data["status"] = "degraded"
		respondError(c, http.StatusServiceUnavailable, "unhealthy", "one or more components down", data)
		return
	}
	respondOK(c, data)
}
