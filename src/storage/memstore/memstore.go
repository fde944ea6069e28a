// Package memstore backs the job store and queue contracts with an
// in-process map. It serves tests and single-process development; the
// postgres backend is the production twin behind the same interfaces.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"nutriparse/src/core/job"
	"nutriparse/src/core/parse"
)

type Store struct {
	mu      sync.Mutex
	jobs    map[string]*job.Job
	batches map[string]*job.Batch
	now     func() time.Time
	lastTS  time.Time
}

func NewStore() *Store {
	return &Store{
		jobs:    make(map[string]*job.Job),
		batches: make(map[string]*job.Batch),
		now:     time.Now,
	}
}

// SetClock injects a clock for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// tick returns a strictly increasing timestamp so updated_at grows on
// every write even under a coarse clock.
func (s *Store) tick() time.Time {
	t := s.now()
	if !t.After(s.lastTS) {
		t = s.lastTS.Add(time.Nanosecond)
	}
	s.lastTS = t
	return t
}

func clone(j *job.Job) *job.Job {
	c := *j
	return &c
}

func (s *Store) Create(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.tick()
	j.CreatedAt = now
	j.UpdatedAt = now
	j.PriorityRank = j.Priority.Rank()
	s.jobs[j.ID] = clone(j)
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return clone(j), nil
}

func stateIn(st job.State, states []job.State) bool {
	for _, x := range states {
		if st == x {
			return true
		}
	}
	return false
}

func (s *Store) Transition(ctx context.Context, id string, from []job.State, to job.State, patch job.Patch) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, from, to, patch)
}

func (s *Store) transitionLocked(id string, from []job.State, to job.State, patch job.Patch) (*job.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	if len(from) > 0 && !stateIn(j.State, from) {
		return nil, job.ErrConflict
	}

	now := s.tick()
	j.State = to
	j.UpdatedAt = now
	applyPatch(j, patch)

	if to.Terminal() {
		if to == job.StateCompleted || to == job.StateFailed {
			j.Progress = 100
		}
		j.LeaseOwner = ""
		j.LeaseDeadline = nil
		j.NotBefore = nil
		if j.FinishedAt == nil {
			t := now
			j.FinishedAt = &t
		}
	}
	if patch.ClearLease {
		j.LeaseOwner = ""
		j.LeaseDeadline = nil
	}
	return clone(j), nil
}

func applyPatch(j *job.Job, p job.Patch) {
	if p.Progress != nil && *p.Progress > j.Progress {
		j.Progress = *p.Progress
	}
	if p.Stage != nil {
		j.Stage = *p.Stage
	}
	if p.Attempts != nil {
		j.Attempts = *p.Attempts
	}
	if p.LeaseOwner != nil {
		j.LeaseOwner = *p.LeaseOwner
	}
	if p.LeaseDeadline != nil {
		j.LeaseDeadline = p.LeaseDeadline
	}
	if p.NotBefore != nil {
		j.NotBefore = p.NotBefore
	}
	if p.StartedAt != nil {
		j.StartedAt = p.StartedAt
	}
	if p.FinishedAt != nil {
		j.FinishedAt = p.FinishedAt
	}
	if p.Result != nil {
		j.Result = p.Result
	}
	if p.Error != nil {
		j.Error = p.Error
	}
}

func (s *Store) UpdateProgress(ctx context.Context, id, stage string, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	if j.State != job.StateLeased && j.State != job.StateRunning {
		return job.ErrConflict
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if percent > j.Progress {
		j.Progress = percent
	}
	j.Stage = stage
	j.UpdatedAt = s.tick()
	return nil
}

func (s *Store) List(ctx context.Context, f job.Filter) ([]job.Job, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*job.Job
	for _, j := range s.jobs {
		if len(f.States) > 0 && !stateIn(j.State, f.States) {
			continue
		}
		if f.ParsingType != "" && j.ParsingType != f.ParsingType {
			continue
		}
		if f.BatchID != "" && j.BatchID != f.BatchID {
			continue
		}
		if f.CreatedAfter != nil && j.CreatedAt.Before(*f.CreatedAfter) {
			continue
		}
		if f.CreatedBefore != nil && j.CreatedAt.After(*f.CreatedBefore) {
			continue
		}
		all = append(all, j)
	}

	sort.Slice(all, func(a, b int) bool {
		if !all[a].CreatedAt.Equal(all[b].CreatedAt) {
			return all[a].CreatedAt.After(all[b].CreatedAt)
		}
		return strings.Compare(all[a].ID, all[b].ID) < 0
	})

	total := int64(len(all))
	page, size := f.Page, f.PageSize
	if size <= 0 {
		size = 20
	}
	if page < 1 {
		page = 1
	}
	lo := (page - 1) * size
	if lo > len(all) {
		lo = len(all)
	}
	hi := lo + size
	if hi > len(all) {
		hi = len(all)
	}

	out := make([]job.Job, 0, hi-lo)
	for _, j := range all[lo:hi] {
		out = append(out, *clone(j))
	}
	return out, total, nil
}

func (s *Store) Delete(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return "", job.ErrNotFound
	}
	delete(s.jobs, id)
	return j.BlobHandle, nil
}

func (s *Store) Stats(ctx context.Context, window time.Duration) (*job.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-window)
	stats := &job.Stats{ByState: make(map[job.State]int64)}
	var completed, failed int64
	var durSum time.Duration
	var durCount int64

	for _, j := range s.jobs {
		if window > 0 && j.CreatedAt.Before(cutoff) {
			continue
		}
		stats.ByState[j.State]++
		stats.Total++
		switch j.State {
		case job.StateCompleted:
			completed++
		case job.StateFailed:
			failed++
		}
		if j.StartedAt != nil && j.FinishedAt != nil {
			durSum += j.FinishedAt.Sub(*j.StartedAt)
			durCount++
		}
	}
	if completed+failed > 0 {
		stats.SuccessRate = float64(completed) / float64(completed+failed)
	}
	if durCount > 0 {
		stats.AvgDuration = durSum / time.Duration(durCount)
	}
	return stats, nil
}

func (s *Store) Cleanup(ctx context.Context, olderThan time.Time, states []job.State) ([]string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var handles []string
	var deleted int64
	for id, j := range s.jobs {
		if !stateIn(j.State, states) {
			continue
		}
		if j.CreatedAt.After(olderThan) {
			continue
		}
		if j.BlobHandle != "" {
			handles = append(handles, j.BlobHandle)
		}
		delete(s.jobs, id)
		deleted++
	}
	return handles, deleted, nil
}

func (s *Store) CreateBatch(ctx context.Context, b *job.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b.CreatedAt = s.tick()
	c := *b
	s.batches[b.ID] = &c
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (*job.BatchSummary, []job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, nil, job.ErrNotFound
	}

	summary := &job.BatchSummary{
		Batch:   *b,
		ByState: make(map[job.State]int64),
	}
	var jobs []job.Job
	for _, j := range s.jobs {
		if j.BatchID != id {
			continue
		}
		summary.Total++
		summary.ByState[j.State]++
		jobs = append(jobs, *clone(j))
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.Before(jobs[b].CreatedAt) })
	return summary, jobs, nil
}

// --- queue side ---

func (s *Store) Enqueue(ctx context.Context, jobID string) error {
	_, err := s.Transition(ctx, jobID, []job.State{job.StatePending}, job.StateQueued, job.Patch{})
	return err
}

func (s *Store) Lease(ctx context.Context, workerID string, d time.Duration) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var best *job.Job
	for _, j := range s.jobs {
		if j.State != job.StateQueued {
			continue
		}
		if j.NotBefore != nil && now.Before(*j.NotBefore) {
			continue
		}
		if best == nil || dispatchLess(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	deadline := now.Add(d)
	attempts := best.Attempts + 1
	return s.transitionLocked(best.ID, []job.State{job.StateQueued}, job.StateLeased, job.Patch{
		Attempts:      &attempts,
		LeaseOwner:    &workerID,
		LeaseDeadline: &deadline,
	})
}

// dispatchLess orders by (priority rank, created_at, id).
func dispatchLess(a, b *job.Job) bool {
	if a.PriorityRank != b.PriorityRank {
		return a.PriorityRank < b.PriorityRank
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return strings.Compare(a.ID, b.ID) < 0
}

func (s *Store) Renew(ctx context.Context, jobID, workerID string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return job.ErrNotFound
	}
	if j.LeaseOwner != workerID || (j.State != job.StateLeased && j.State != job.StateRunning) {
		return job.ErrLeaseLost
	}
	deadline := s.now().Add(d)
	j.LeaseDeadline = &deadline
	j.UpdatedAt = s.tick()
	return nil
}

func (s *Store) Ack(ctx context.Context, jobID, workerID string, to job.State, result *parse.Result, jerr *job.Error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return job.ErrNotFound
	}
	// a cooperative cancel may have already moved the job; acking
	// cancelled then is a no-op
	if to == job.StateCancelled && j.State == job.StateCancelled {
		return nil
	}
	if j.LeaseOwner != workerID || j.State != job.StateRunning {
		return job.ErrLeaseLost
	}

	_, err := s.transitionLocked(jobID, []job.State{job.StateRunning}, to, job.Patch{
		Result: result,
		Error:  jerr,
	})
	return err
}

func (s *Store) Nack(ctx context.Context, jobID, workerID string, retryAfter time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return job.ErrNotFound
	}
	if j.LeaseOwner != workerID || j.State != job.StateRunning {
		return job.ErrLeaseLost
	}

	attempts := j.Attempts + 1
	notBefore := s.now().Add(retryAfter)
	_, err := s.transitionLocked(jobID, []job.State{job.StateRunning}, job.StateQueued, job.Patch{
		Attempts:   &attempts,
		NotBefore:  &notBefore,
		ClearLease: true,
	})
	return err
}

func (s *Store) ExpireLeases(ctx context.Context, now time.Time, maxAttempts int) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var requeued, failed int
	for _, j := range s.jobs {
		if j.State != job.StateLeased && j.State != job.StateRunning {
			continue
		}
		if j.LeaseDeadline == nil || !j.LeaseDeadline.Before(now) {
			continue
		}

		attempts := j.Attempts + 1
		if attempts > maxAttempts {
			_, err := s.transitionLocked(j.ID, nil, job.StateFailed, job.Patch{
				Attempts: &attempts,
				Error: &job.Error{
					Kind:    job.KindExhaustedRetries,
					Message: "lease expired after max attempts",
				},
			})
			if err != nil {
				return requeued, failed, err
			}
			failed++
			continue
		}

		_, err := s.transitionLocked(j.ID, nil, job.StateQueued, job.Patch{
			Attempts:   &attempts,
			ClearLease: true,
		})
		if err != nil {
			return requeued, failed, err
		}
		requeued++
	}
	return requeued, failed, nil
}

func (s *Store) Depth(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, j := range s.jobs {
		if j.State == job.StateQueued || j.State == job.StateLeased {
			n++
		}
	}
	return n, nil
}
