package job

import (
	"context"
	"time"

	"nutriparse/src/core/parse"
)

// Queue is the priority FIFO of ready jobs with lease semantics. It is
// keyed by (priority rank, created_at, id); implementations share a
// backend with the Store so enqueue and ack are transactional with the
// state transitions they imply.
type Queue interface {
	// Enqueue transitions pending → queued. If either side fails the
	// job remains pending.
	Enqueue(ctx context.Context, jobID string) error

	// Lease atomically selects the highest-priority ready job with the
	// earliest created_at, transitions it to leased and stamps the
	// owner and deadline. Returns nil when the queue is empty.
	Lease(ctx context.Context, workerID string, d time.Duration) (*Job, error)

	// Renew extends the lease iff the owner still matches.
	Renew(ctx context.Context, jobID, workerID string, d time.Duration) error

	// Ack finishes a running job with a terminal state iff the owner
	// matches. Exactly one of result and jerr is set for completed and
	// failed respectively; both are nil for cancelled.
	Ack(ctx context.Context, jobID, workerID string, to State, result *parse.Result, jerr *Error) error

	// Nack returns a running job to queued after a cooperative failure,
	// increments attempts and delays re-lease by retryAfter.
	Nack(ctx context.Context, jobID, workerID string, retryAfter time.Duration) error

	// ExpireLeases requeues every job whose lease deadline passed,
	// incrementing attempts; jobs beyond maxAttempts are failed with
	// kind exhausted_retries. Returns counts of requeued and failed.
	ExpireLeases(ctx context.Context, now time.Time, maxAttempts int) (requeued, failed int, err error)

	// Depth counts jobs currently ready or leased.
	Depth(ctx context.Context) (int64, error)
}
