// Package queue defines the externally-owned job/task data model that
// the dispatcher drives the engine against (spec.md §3 "Job record",
// "Task record", §4.8 "Queue Dispatcher"). The interfaces are
// storage-agnostic; internal/queue/gormqueue provides the concrete
// Postgres-backed implementation.
package queue

import (
	"time"
)

// Job statuses (spec.md §3).
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"
)

// Task statuses (spec.md §3, §6.3).
const (
	TaskPending    = "pending"
	TaskClaimed    = "claimed"
	TaskRunning    = "running"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskDeadLetter = "dead_letter"
)

// Job is the externally-owned job record the core reads status from
// (for cancellation) and updates counters/status on (spec.md §3).
type Job struct {
	ID           string    `gorm:"column:id;primaryKey"`
	OwnerID      string    `gorm:"column:owner_id;index"`
	Model        string    `gorm:"column:model"`
	Template     string    `gorm:"column:template"`
	Concurrency  int       `gorm:"column:concurrency"`
	MaxTokens    int       `gorm:"column:max_tokens"`
	MaxUnits     int       `gorm:"column:max_units"`
	Status       string    `gorm:"column:status;index"`
	Total        int       `gorm:"column:total"`
	Processed    int       `gorm:"column:processed"`
	Failed       int       `gorm:"column:failed"`
	ErrorMessage string    `gorm:"column:error_message"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (Job) TableName() string { return "jobs" }

// Task is one unit of dispatcher work: one task drives one engine
// invocation over one job's input (spec.md §6.3 "Task row schema").
type Task struct {
	ID             string     `gorm:"column:id;primaryKey"`
	JobID          string     `gorm:"column:job_id;index"`
	Queue          string     `gorm:"column:queue;index"`
	Status         string     `gorm:"column:status;index"`
	Payload        string     `gorm:"column:payload"` // JSON: model params, template, encrypted credential reference
	Priority       int        `gorm:"column:priority"`
	ScheduledAt    time.Time  `gorm:"column:scheduled_at;index"`
	ClaimedBy      string     `gorm:"column:claimed_by"`
	ClaimedAt      *time.Time `gorm:"column:claimed_at"`
	StartedAt      *time.Time `gorm:"column:started_at"`
	CompletedAt    *time.Time `gorm:"column:completed_at"`
	LastHeartbeat  *time.Time `gorm:"column:last_heartbeat"`
	Attempts       int        `gorm:"column:attempts"`
	MaxAttempts    int        `gorm:"column:max_attempts"`
	LastError      string     `gorm:"column:last_error"`
	IdempotencyKey string     `gorm:"column:idempotency_key;index"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	UpdatedAt      time.Time  `gorm:"column:updated_at"`
}

func (Task) TableName() string { return "tasks" }

// JobStore is the subset of job-record operations the core needs:
// reading status for cancellation checks and flushing counters/status
// (spec.md §4.8 step 4, "the core reads status... and updates
// counters/status").
type JobStore interface {
	Create(job *Job) error
	GetByID(id string) (*Job, error)
	UpdateFields(id string, updates map[string]interface{}) error
}

// TaskStore is the dispatcher-facing queue surface, grounded on the
// teacher's JobRunRepo.ClaimNextRunnable/Heartbeat/UpdateFields shape
// (internal/data/repos/jobs/job_run.go), generalized from a single
// "job run" table to an explicit job/task split (spec.md §3 keeps Job
// and Task as distinct records, unlike the teacher's merged JobRun).
type TaskStore interface {
	Create(task *Task) error
	GetByID(id string) (*Task, error)

	// ClaimNext selects the oldest pending-or-recoverable task in
	// queue whose scheduled time has arrived, under exclusive
	// row-level locking, and marks it claimed (spec.md §4.8 "Lease
	// acquisition"). Returns (nil, nil) when nothing is claimable.
	ClaimNext(queue, claimant string, maxAttempts int, staleThreshold time.Duration) (*Task, error)

	// Heartbeat refreshes last_heartbeat for a still-running task.
	Heartbeat(id string) error

	UpdateFields(id string, updates map[string]interface{}) error

	// SweepStuck returns claimed/running tasks whose heartbeat is
	// older than staleThreshold to pending, or to dead_letter once
	// max_attempts is exhausted (spec.md §4.8 "A separate
	// sweeper..."). It leaves attempts unchanged, since ClaimNext
	// already incremented them when the task was claimed. Returns the
	// count of tasks recovered.
	SweepStuck(staleThreshold time.Duration) (int, error)

	// RequeueDeadLetter resets every dead_letter task in queue back to
	// pending with attempts zeroed, for the operator-triggered bulk
	// retry described in SPEC_FULL.md §13. Returns the count requeued.
	RequeueDeadLetter(queue string) (int, error)
}
