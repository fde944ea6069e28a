package jobctrl

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"nutriparse/src/core/job"
	"nutriparse/src/core/parse"
)

// Queue shares the jobs table with the store, so enqueue and ack are
// the same transaction as the state transition they imply. Leasing uses
// FOR UPDATE SKIP LOCKED so concurrent workers never block each other.
type Queue struct {
	db *gorm.DB
}

func NewQueue(store *JobStore) *Queue {
	return &Queue{db: store.DB()}
}

func (q *Queue) Enqueue(ctx context.Context, jobID string) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		j, err := lockJob(tx, jobID)
		if err != nil {
			return err
		}
		if j.State != job.StatePending {
			return job.ErrConflict
		}
		return tx.Model(&job.Job{}).Where("id = ?", jobID).Updates(map[string]interface{}{
			"state":      job.StateQueued,
			"updated_at": time.Now(),
		}).Error
	})
}

func (q *Queue) Lease(ctx context.Context, workerID string, d time.Duration) (*job.Job, error) {
	var leased *job.Job
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()

		var j job.Job
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("state = ? AND (not_before IS NULL OR not_before <= ?)", job.StateQueued, now).
			Order("priority_rank ASC, created_at ASC, id ASC").
			First(&j).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		deadline := now.Add(d)
		updates := map[string]interface{}{
			"state":          job.StateLeased,
			"attempts":       j.Attempts + 1,
			"lease_owner":    workerID,
			"lease_deadline": deadline,
			"updated_at":     now,
		}
		if err := tx.Model(&job.Job{}).Where("id = ?", j.ID).Updates(updates).Error; err != nil {
			return err
		}

		j.State = job.StateLeased
		j.Attempts++
		j.LeaseOwner = workerID
		j.LeaseDeadline = &deadline
		leased = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

func (q *Queue) Renew(ctx context.Context, jobID, workerID string, d time.Duration) error {
	result := q.db.WithContext(ctx).Model(&job.Job{}).
		Where("id = ? AND lease_owner = ? AND state IN ?",
			jobID, workerID, []job.State{job.StateLeased, job.StateRunning}).
		Updates(map[string]interface{}{
			"lease_deadline": time.Now().Add(d),
			"updated_at":     time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return job.ErrLeaseLost
	}
	return nil
}

func (q *Queue) Ack(ctx context.Context, jobID, workerID string, to job.State, result *parse.Result, jerr *job.Error) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		j, err := lockJob(tx, jobID)
		if err != nil {
			return err
		}
		if to == job.StateCancelled && j.State == job.StateCancelled {
			return nil
		}
		if j.LeaseOwner != workerID || j.State != job.StateRunning {
			return job.ErrLeaseLost
		}

		now := time.Now()
		updates := map[string]interface{}{
			"state":          to,
			"lease_owner":    "",
			"lease_deadline": nil,
			"not_before":     nil,
			"finished_at":    now,
			"updated_at":     now,
		}
		if to == job.StateCompleted || to == job.StateFailed {
			updates["progress"] = 100
		}
		if result != nil {
			updates["result"] = result
		}
		if jerr != nil {
			updates["error"] = jerr
		}
		return tx.Model(&job.Job{}).Where("id = ?", jobID).Updates(updates).Error
	})
}

func (q *Queue) Nack(ctx context.Context, jobID, workerID string, retryAfter time.Duration) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		j, err := lockJob(tx, jobID)
		if err != nil {
			return err
		}
		if j.LeaseOwner != workerID || j.State != job.StateRunning {
			return job.ErrLeaseLost
		}

		now := time.Now()
		return tx.Model(&job.Job{}).Where("id = ?", jobID).Updates(map[string]interface{}{
			"state":          job.StateQueued,
			"attempts":       j.Attempts + 1,
			"lease_owner":    "",
			"lease_deadline": nil,
			"not_before":     now.Add(retryAfter),
			"updated_at":     now,
		}).Error
	})
}

func (q *Queue) ExpireLeases(ctx context.Context, now time.Time, maxAttempts int) (int, int, error) {
	var requeued, failed int
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var expired []job.Job
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("state IN ? AND lease_deadline < ?",
				[]job.State{job.StateLeased, job.StateRunning}, now).
			Find(&expired).Error
		if err != nil {
			return err
		}

		for _, j := range expired {
			attempts := j.Attempts + 1
			if attempts > maxAttempts {
				updates := map[string]interface{}{
					"state":          job.StateFailed,
					"attempts":       attempts,
					"progress":       100,
					"lease_owner":    "",
					"lease_deadline": nil,
					"not_before":     nil,
					"finished_at":    now,
					"updated_at":     now,
					"error": &job.Error{
						Kind:    job.KindExhaustedRetries,
						Message: "lease expired after max attempts",
					},
				}
				if err := tx.Model(&job.Job{}).Where("id = ?", j.ID).Updates(updates).Error; err != nil {
					return err
				}
				failed++
				continue
			}

			if err := tx.Model(&job.Job{}).Where("id = ?", j.ID).Updates(map[string]interface{}{
				"state":          job.StateQueued,
				"attempts":       attempts,
				"lease_owner":    "",
				"lease_deadline": nil,
				"updated_at":     now,
			}).Error; err != nil {
				return err
			}
			requeued++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return requeued, failed, nil
}

func (q *Queue) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&job.Job{}).
		Where("state IN ?", []job.State{job.StateQueued, job.StateLeased}).
		Count(&n).Error
	return n, err
}
