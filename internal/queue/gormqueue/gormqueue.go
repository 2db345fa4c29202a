// Package gormqueue is the Postgres-backed implementation of
// internal/queue's JobStore/TaskStore, adapted from the teacher's
// internal/data/repos/jobs.JobRunRepo — most directly its
// ClaimNextRunnable SELECT ... FOR UPDATE SKIP LOCKED pattern,
// generalized from one merged job-run row to the spec's split
// Job/Task tables (spec.md §3, §4.8).
package gormqueue

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/batchlm/engine/internal/platform/logger"
	"github.com/batchlm/engine/internal/queue"
)

// JobStore is the gorm-backed queue.JobStore.
type JobStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobStore(db *gorm.DB, log *logger.Logger) *JobStore {
	return &JobStore{db: db, log: log.With("store", "JobStore")}
}

var _ queue.JobStore = (*JobStore)(nil)

func (s *JobStore) Create(job *queue.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now()
	job.CreatedAt, job.UpdatedAt = now, now
	return s.db.Create(job).Error
}

func (s *JobStore) GetByID(id string) (*queue.Job, error) {
	var job queue.Job
	err := s.db.Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *JobStore) UpdateFields(id string, updates map[string]interface{}) error {
	if id == "" {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return s.db.Model(&queue.Job{}).Where("id = ?", id).Updates(updates).Error
}

// TaskStore is the gorm-backed queue.TaskStore.
type TaskStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskStore(db *gorm.DB, log *logger.Logger) *TaskStore {
	return &TaskStore{db: db, log: log.With("store", "TaskStore")}
}

var _ queue.TaskStore = (*TaskStore)(nil)

func (s *TaskStore) Create(task *queue.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now()
	task.CreatedAt, task.UpdatedAt = now, now
	if task.Status == "" {
		task.Status = queue.TaskPending
	}
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = now
	}
	return s.db.Create(task).Error
}

func (s *TaskStore) GetByID(id string) (*queue.Task, error) {
	var task queue.Task
	err := s.db.Where("id = ?", id).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ClaimNext selects the oldest claimable task under SKIP LOCKED and
// marks it claimed, mirroring job_run.go's ClaimNextRunnable
// transaction shape field-for-field but against the task table and
// the spec's pending/claimed/running/dead_letter vocabulary (spec.md
// §4.8 "Lease acquisition").
func (s *TaskStore) ClaimNext(queueName, claimant string, maxAttempts int, staleThreshold time.Duration) (*queue.Task, error) {
	now := time.Now()
	staleCutoff := now.Add(-staleThreshold)

	var claimed *queue.Task
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var t queue.Task
		q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
				queue = ?
				AND scheduled_at <= ?
				AND (
					status = ?
					OR (
						status IN ?
						AND last_heartbeat IS NOT NULL
						AND last_heartbeat < ?
					)
				)
			`, queueName, now, queue.TaskPending, []string{queue.TaskClaimed, queue.TaskRunning}, staleCutoff).
			Order("scheduled_at ASC")
		err := q.First(&t).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		updates := map[string]interface{}{
			"status":         queue.TaskClaimed,
			"attempts":       gorm.Expr("attempts + 1"),
			"claimed_by":     claimant,
			"claimed_at":     now,
			"last_heartbeat": now,
			"updated_at":     now,
		}
		if err := tx.Model(&queue.Task{}).Where("id = ?", t.ID).Updates(updates).Error; err != nil {
			return err
		}
		claimed = &t
		claimed.Status = queue.TaskClaimed
		claimed.ClaimedBy = claimant
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *TaskStore) Heartbeat(id string) error {
	if id == "" {
		return nil
	}
	now := time.Now()
	return s.db.Model(&queue.Task{}).
		Where("id = ? AND status IN ?", id, []string{queue.TaskClaimed, queue.TaskRunning}).
		Updates(map[string]interface{}{"last_heartbeat": now, "updated_at": now}).Error
}

func (s *TaskStore) UpdateFields(id string, updates map[string]interface{}) error {
	if id == "" {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return s.db.Model(&queue.Task{}).Where("id = ?", id).Updates(updates).Error
}

// SweepStuck recovers tasks whose heartbeat has gone stale: back to
// pending (with attempts already incremented at claim time, so this
// only checks the budget) or to dead_letter once max_attempts is
// exhausted (spec.md §4.8 "A separate sweeper...").
func (s *TaskStore) SweepStuck(staleThreshold time.Duration) (int, error) {
	staleCutoff := time.Now().Add(-staleThreshold)

	var stuck []queue.Task
	err := s.db.Where("status IN ? AND last_heartbeat IS NOT NULL AND last_heartbeat < ?",
		[]string{queue.TaskClaimed, queue.TaskRunning}, staleCutoff).Find(&stuck).Error
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, t := range stuck {
		newStatus := queue.TaskPending
		if t.MaxAttempts > 0 && t.Attempts >= t.MaxAttempts {
			newStatus = queue.TaskDeadLetter
		}
		if err := s.UpdateFields(t.ID, map[string]interface{}{
			"status":         newStatus,
			"claimed_by":     "",
			"last_heartbeat": nil,
		}); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// RequeueDeadLetter resets every dead_letter task in queueName back to
// pending with attempts zeroed (spec.md §13's operator-triggered bulk
// retry). Returns the count of rows updated.
func (s *TaskStore) RequeueDeadLetter(queueName string) (int, error) {
	res := s.db.Model(&queue.Task{}).
		Where("queue = ? AND status = ?", queueName, queue.TaskDeadLetter).
		Updates(map[string]interface{}{
			"status":         queue.TaskPending,
			"attempts":       0,
			"claimed_by":     "",
			"last_heartbeat": nil,
			"last_error":     "",
			"scheduled_at":   time.Now(),
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}
