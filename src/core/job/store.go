package job

import (
	"context"
	"errors"
	"time"

	"nutriparse/src/core/parse"
)

var (
	// ErrNotFound is returned when no job exists for an id.
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned when a compare-and-swap transition loses.
	ErrConflict = errors.New("job state conflict")
	// ErrLeaseLost is returned when a worker no longer owns the lease.
	ErrLeaseLost = errors.New("lease lost")
)

// Patch carries the optional fields a transition may set alongside the
// state change. Nil members are left untouched.
type Patch struct {
	Progress      *int
	Stage         *string
	Attempts      *int
	LeaseOwner    *string
	LeaseDeadline *time.Time
	ClearLease    bool
	NotBefore     *time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	Result        *parse.Result
	Error         *Error
}

// Filter selects jobs for listing.
type Filter struct {
	States        []State
	ParsingType   parse.Type
	BatchID       string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Page          int
	PageSize      int
}

// Stats summarizes store contents over a trailing window.
type Stats struct {
	ByState     map[State]int64 `json:"by_state"`
	Total       int64           `json:"total"`
	SuccessRate float64         `json:"success_rate"`
	AvgDuration time.Duration   `json:"avg_duration"`
}

// Store is the durable record of jobs. Implementations guarantee every
// operation is atomic and serializable per job id; writes bump
// updated_at, and a write whose state precondition fails returns
// ErrConflict.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)

	// Transition compare-and-swaps on state: it succeeds only when the
	// current state is in from, otherwise ErrConflict. Completed and
	// failed targets force progress to 100; every terminal target stamps
	// finished_at and clears the lease.
	Transition(ctx context.Context, id string, from []State, to State, patch Patch) (*Job, error)

	// UpdateProgress is writable only while the job is leased or
	// running; percent is clamped non-decreasing.
	UpdateProgress(ctx context.Context, id, stage string, percent int) error

	List(ctx context.Context, f Filter) ([]Job, int64, error)

	// Delete removes the record from any state and returns the blob
	// handle so callers can remove the bytes.
	Delete(ctx context.Context, id string) (blobHandle string, err error)

	Stats(ctx context.Context, window time.Duration) (*Stats, error)

	// Cleanup bulk-deletes terminal jobs older than the cutoff and
	// returns the deleted count plus the blob handles to remove.
	Cleanup(ctx context.Context, olderThan time.Time, states []State) (handles []string, deleted int64, err error)

	CreateBatch(ctx context.Context, b *Batch) error
	GetBatch(ctx context.Context, id string) (*BatchSummary, []Job, error)
}
