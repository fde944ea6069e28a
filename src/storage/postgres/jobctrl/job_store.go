// Package jobctrl is the postgres backend of the job store and queue
// contracts. Transitions and deletes run inside a transaction that takes
// the row lock first, so they are serializable per job id; progress
// writes are single conditional UPDATE statements.
package jobctrl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"nutriparse/src/core/job"
)

type JobStore struct {
	db *gorm.DB
}

func NewJobStore(db *gorm.DB) (*JobStore, error) {
	if err := db.AutoMigrate(&job.Job{}, &job.Batch{}); err != nil {
		return nil, fmt.Errorf("failed to migrate job tables: %w", err)
	}
	return &JobStore{db: db}, nil
}

// DB exposes the handle for the queue half and health checks.
func (s *JobStore) DB() *gorm.DB { return s.db }

func (s *JobStore) Create(ctx context.Context, j *job.Job) error {
	j.PriorityRank = j.Priority.Rank()
	result := s.db.WithContext(ctx).Create(j)
	if result.Error != nil {
		return fmt.Errorf("failed to create job: %w", result.Error)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*job.Job, error) {
	var j job.Job
	result := s.db.WithContext(ctx).First(&j, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, job.ErrNotFound
		}
		return nil, result.Error
	}
	return &j, nil
}

func (s *JobStore) Transition(ctx context.Context, id string, from []job.State, to job.State, patch job.Patch) (*job.Job, error) {
	var out job.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		j, err := lockJob(tx, id)
		if err != nil {
			return err
		}
		if len(from) > 0 && !stateIn(j.State, from) {
			return job.ErrConflict
		}

		updates := patchToUpdates(j, patch)
		updates["state"] = to
		updates["updated_at"] = time.Now()

		if to.Terminal() {
			if to == job.StateCompleted || to == job.StateFailed {
				updates["progress"] = 100
			}
			updates["lease_owner"] = ""
			updates["lease_deadline"] = nil
			updates["not_before"] = nil
			if j.FinishedAt == nil && patch.FinishedAt == nil {
				updates["finished_at"] = time.Now()
			}
		}

		if err := tx.Model(&job.Job{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&out, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *JobStore) UpdateProgress(ctx context.Context, id, stage string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	result := s.db.WithContext(ctx).Model(&job.Job{}).
		Where("id = ? AND state IN ?",
			id, []job.State{job.StateLeased, job.StateRunning}).
		Updates(map[string]interface{}{
			"progress":   gorm.Expr("GREATEST(progress, ?)", percent),
			"stage":      stage,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return job.ErrConflict
	}
	return nil
}

func (s *JobStore) List(ctx context.Context, f job.Filter) ([]job.Job, int64, error) {
	q := s.db.WithContext(ctx).Model(&job.Job{})
	if len(f.States) > 0 {
		q = q.Where("state IN ?", f.States)
	}
	if f.ParsingType != "" {
		q = q.Where("parsing_type = ?", f.ParsingType)
	}
	if f.BatchID != "" {
		q = q.Where("batch_id = ?", f.BatchID)
	}
	if f.CreatedAfter != nil {
		q = q.Where("created_at >= ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		q = q.Where("created_at <= ?", *f.CreatedBefore)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, size := f.Page, f.PageSize
	if size <= 0 {
		size = 20
	}
	if page < 1 {
		page = 1
	}

	var jobs []job.Job
	err := q.Order("created_at DESC, id ASC").
		Limit(size).Offset((page - 1) * size).
		Find(&jobs).Error
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (s *JobStore) Delete(ctx context.Context, id string) (string, error) {
	var handle string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		j, err := lockJob(tx, id)
		if err != nil {
			return err
		}
		handle = j.BlobHandle
		return tx.Delete(&job.Job{}, "id = ?", id).Error
	})
	if err != nil {
		return "", err
	}
	return handle, nil
}

func (s *JobStore) Stats(ctx context.Context, window time.Duration) (*job.Stats, error) {
	q := s.db.WithContext(ctx).Model(&job.Job{})
	if window > 0 {
		q = q.Where("created_at >= ?", time.Now().Add(-window))
	}

	var rows []struct {
		State job.State
		N     int64
	}
	if err := q.Select("state, COUNT(*) AS n").Group("state").Scan(&rows).Error; err != nil {
		return nil, err
	}

	stats := &job.Stats{ByState: make(map[job.State]int64)}
	for _, r := range rows {
		stats.ByState[r.State] = r.N
		stats.Total += r.N
	}
	completed := stats.ByState[job.StateCompleted]
	failed := stats.ByState[job.StateFailed]
	if completed+failed > 0 {
		stats.SuccessRate = float64(completed) / float64(completed+failed)
	}

	var avgSeconds sql.NullFloat64
	durQ := s.db.WithContext(ctx).Model(&job.Job{}).
		Where("started_at IS NOT NULL AND finished_at IS NOT NULL")
	if window > 0 {
		durQ = durQ.Where("created_at >= ?", time.Now().Add(-window))
	}
	if err := durQ.Select("AVG(EXTRACT(EPOCH FROM finished_at - started_at))").Scan(&avgSeconds).Error; err != nil {
		return nil, err
	}
	if avgSeconds.Valid {
		stats.AvgDuration = time.Duration(avgSeconds.Float64 * float64(time.Second))
	}
	return stats, nil
}

func (s *JobStore) Cleanup(ctx context.Context, olderThan time.Time, states []job.State) ([]string, int64, error) {
	var handles []string
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var victims []job.Job
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("state IN ? AND created_at <= ?", states, olderThan).
			Find(&victims).Error; err != nil {
			return err
		}
		if len(victims) == 0 {
			return nil
		}
		ids := make([]string, 0, len(victims))
		for _, v := range victims {
			ids = append(ids, v.ID)
			if v.BlobHandle != "" {
				handles = append(handles, v.BlobHandle)
			}
		}
		deleted = int64(len(ids))
		return tx.Delete(&job.Job{}, "id IN ?", ids).Error
	})
	if err != nil {
		return nil, 0, err
	}
	return handles, deleted, nil
}

func (s *JobStore) CreateBatch(ctx context.Context, b *job.Batch) error {
	result := s.db.WithContext(ctx).Create(b)
	if result.Error != nil {
		return fmt.Errorf("failed to create batch: %w", result.Error)
	}
	return nil
}

func (s *JobStore) GetBatch(ctx context.Context, id string) (*job.BatchSummary, []job.Job, error) {
	var b job.Batch
	if err := s.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, job.ErrNotFound
		}
		return nil, nil, err
	}

	var jobs []job.Job
	if err := s.db.WithContext(ctx).
		Where("batch_id = ?", id).Order("created_at ASC").
		Find(&jobs).Error; err != nil {
		return nil, nil, err
	}

	summary := &job.BatchSummary{Batch: b, ByState: make(map[job.State]int64)}
	for _, j := range jobs {
		summary.Total++
		summary.ByState[j.State]++
	}
	return summary, jobs, nil
}

func lockJob(tx *gorm.DB, id string) (*job.Job, error) {
	var j job.Job
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&j, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, job.ErrNotFound
		}
		return nil, err
	}
	return &j, nil
}

func stateIn(st job.State, states []job.State) bool {
	for _, x := range states {
		if st == x {
			return true
		}
	}
	return false
}

func patchToUpdates(current *job.Job, p job.Patch) map[string]interface{} {
	updates := make(map[string]interface{})
	if p.Progress != nil && *p.Progress > current.Progress {
		updates["progress"] = *p.Progress
	}
	if p.Stage != nil {
		updates["stage"] = *p.Stage
	}
	if p.Attempts != nil {
		updates["attempts"] = *p.Attempts
	}
	if p.LeaseOwner != nil {
		updates["lease_owner"] = *p.LeaseOwner
	}
	if p.LeaseDeadline != nil {
		updates["lease_deadline"] = *p.LeaseDeadline
	}
	if p.ClearLease {
		updates["lease_owner"] = ""
		updates["lease_deadline"] = nil
	}
	if p.NotBefore != nil {
		updates["not_before"] = *p.NotBefore
	}
	if p.StartedAt != nil {
		updates["started_at"] = *p.StartedAt
	}
	if p.FinishedAt != nil {
		updates["finished_at"] = *p.FinishedAt
	}
	if p.Result != nil {
		updates["result"] = p.Result
	}
	if p.Error != nil {
		updates["error"] = p.Error
	}
	return updates
}
