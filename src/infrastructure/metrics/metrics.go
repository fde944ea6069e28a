// Package metrics is a process-wide counter/gauge service. It is
// injected into handlers and the worker pool rather than accessed as a
// global, and snapshotted by GET /admin/metrics.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

type Service struct {
	startedAt time.Time

	requestsTotal   atomic.Int64
	requests4xx     atomic.Int64
	requests5xx     atomic.Int64
	rateLimited     atomic.Int64
	jobsSubmitted   atomic.Int64
	jobsCompleted   atomic.Int64
	jobsFailed      atomic.Int64
	jobsCancelled   atomic.Int64
	callbacksSent   atomic.Int64
	callbacksFailed atomic.Int64

	mu          sync.Mutex
	durationSum time.Duration
	durationN   int64

	byEndpoint sync.Map // path -> *atomic.Int64
}

func NewService() *Service {
	return &Service{startedAt: time.Now()}
}

func (s *Service) ObserveRequest(path string, status int, latency time.Duration) {
	s.requestsTotal.Add(1)
	switch {
	case status == 429:
		s.rateLimited.Add(1)
		s.requests4xx.Add(1)
	case status >= 500:
		s.requests5xx.Add(1)
	case status >= 400:
		s.requests4xx.Add(1)
	}

	v, _ := s.byEndpoint.LoadOrStore(path, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func (s *Service) JobSubmitted() { s.jobsSubmitted.Add(1) }

func (s *Service) JobFinished(state string, duration time.Duration) {
	switch state {
	case "completed":
		s.jobsCompleted.Add(1)
	case "failed":
		s.jobsFailed.Add(1)
	case "cancelled":
		s.jobsCancelled.Add(1)
	}
	s.mu.Lock()
	s.durationSum += duration
	s.durationN++
	s.mu.Unlock()
}

func (s *Service) CallbackSent()   { s.callbacksSent.Add(1) }
func (s *Service) CallbackFailed() { s.callbacksFailed.Add(1) }

// Snapshot renders every counter for the admin endpoint.
func (s *Service) Snapshot() map[string]interface{} {
	byEndpoint := make(map[string]int64)
	s.byEndpoint.Range(func(k, v interface{}) bool {
		byEndpoint[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})

	s.mu.Lock()
	var avgMs float64
	if s.durationN > 0 {
		avgMs = float64(s.durationSum.Milliseconds()) / float64(s.durationN)
	}
	s.mu.Unlock()

	return map[string]interface{}{
		"uptime_seconds":        int64(time.Since(s.startedAt).Seconds()),
		"requests_total":        s.requestsTotal.Load(),
		"requests_4xx":          s.requests4xx.Load(),
		"requests_5xx":          s.requests5xx.Load(),
		"requests_rate_limited": s.rateLimited.Load(),
		"requests_by_endpoint":  byEndpoint,
		"jobs_submitted":        s.jobsSubmitted.Load(),
		"jobs_completed":        s.jobsCompleted.Load(),
		"jobs_failed":           s.jobsFailed.Load(),
		"jobs_cancelled":        s.jobsCancelled.Load(),
		"job_avg_duration_ms":   avgMs,
		"callbacks_sent":        s.callbacksSent.Load(),
		"callbacks_failed":      s.callbacksFailed.Load(),
	}
}
