package worker

import (
	"context"
	"time"

	"nutriparse/src/core/job"
	"nutriparse/src/log"
)

// Sweeper requeues jobs whose lease deadline passed without an ack and
// fails the ones that ran out of attempts. One sweeper per worker
// process is enough; the queue's row locking keeps overlapping sweeps
// harmless.
type Sweeper struct {
	queue       job.Queue
	interval    time.Duration
	maxAttempts int
}

func NewSweeper(queue job.Queue, interval time.Duration, maxAttempts int) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Sweeper{queue: queue, interval: interval, maxAttempts: maxAttempts}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass; exported so a caller can drive a single pass
// directly.
func (s *Sweeper) Sweep(ctx context.Context) {
	requeued, failed, err := s.queue.ExpireLeases(ctx, time.Now(), s.maxAttempts)
	if err != nil {
		log.Error(err, "lease sweep failed")
		return
	}
	if requeued > 0 || failed > 0 {
		log.Info("swept expired leases", "requeued", requeued, "failed", failed)
	}
}
