package job

import (
	"time"

	"github.com/google/uuid"

	"nutriparse/src/core/parse"
)

// State is the lifecycle state of a job.
type State string

const (
	StatePending   State = "pending"
	StateQueued    State = "queued"
	StateLeased    State = "leased"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Priority orders jobs at dispatch time. High is leased before normal,
// normal before low; ties break by creation time then id.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to its dispatch order; lower leases first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	}
	return 1
}

// ParsePriority validates a client-supplied priority. Empty defaults to
// normal.
func ParsePriority(s string) (Priority, bool) {
	switch Priority(s) {
	case "":
		return PriorityNormal, true
	case PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s), true
	}
	return "", false
}

// Job is one unit of parsing work.
type Job struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	BatchID     string     `gorm:"index;size:32" json:"batch_id,omitempty"`
	Filename    string     `gorm:"not null" json:"filename"`
	SizeBytes   int64      `gorm:"not null" json:"size_bytes"`
	ContentHash string     `gorm:"size:64" json:"content_hash"`
	BlobHandle  string     `json:"blob_handle"`
	ParsingType parse.Type `gorm:"size:24" json:"parsing_type"`
	Priority    Priority   `gorm:"size:8" json:"priority"`
	// PriorityRank mirrors Priority for the dispatch index
	// (state, priority_rank, created_at).
	PriorityRank  int        `gorm:"index:idx_dispatch,priority:2" json:"-"`
	State         State      `gorm:"size:12;index:idx_dispatch,priority:1" json:"state"`
	Progress      int        `json:"progress"`
	Stage         string     `gorm:"size:32" json:"stage,omitempty"`
	Attempts      int        `json:"attempts"`
	LeaseOwner    string     `gorm:"size:64" json:"lease_owner,omitempty"`
	LeaseDeadline *time.Time `gorm:"index" json:"lease_deadline,omitempty"`
	// NotBefore delays re-lease after a nack.
	NotBefore   *time.Time    `json:"not_before,omitempty"`
	CallbackURL string        `json:"callback_url,omitempty"`
	CreatedAt   time.Time     `gorm:"index;index:idx_dispatch,priority:3" json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
	Result      *parse.Result `gorm:"serializer:json" json:"result,omitempty"`
	Error       *Error        `gorm:"serializer:json" json:"error,omitempty"`
}

// New builds a pending job with a fresh random id.
func New(filename string, size int64, hash, blobHandle string, pt parse.Type, pr Priority) *Job {
	return &Job{
		ID:           uuid.New().String(),
		Filename:     filename,
		SizeBytes:    size,
		ContentHash:  hash,
		BlobHandle:   blobHandle,
		ParsingType:  pt,
		Priority:     pr,
		PriorityRank: pr.Rank(),
		State:        StatePending,
	}
}

// Batch groups jobs submitted together.
type Batch struct {
	ID          string    `gorm:"primaryKey;size:32" json:"id"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// BatchSummary is a batch plus aggregates derived from its jobs.
type BatchSummary struct {
	Batch
	Total   int64           `json:"total"`
	ByState map[State]int64 `json:"by_state"`
}
