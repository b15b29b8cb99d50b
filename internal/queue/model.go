package queue

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusDead    Status = "dead"
)

var (
	// ErrRetry asks the worker to run the task again after its backoff.
	ErrRetry = errors.New("queue: retry requested")
	// ErrTaskNotDead is returned when retrying a task that is not dead.
	ErrTaskNotDead = errors.New("queue: task is not dead")

	ErrTaskNotFound = errors.New("queue: task not found")
)

// Task is one queued unit of work.
type Task struct {
	ID                 int64          `gorm:"primaryKey" json:"id,string"`
	TaskType           string         `json:"task_type"`
	Payload            datatypes.JSON `json:"payload"`
	DedupeKey          string         `json:"dedupe_key"`
	Status             Status         `json:"status"`
	Attempts           int            `json:"attempts"`
	MaxAttempts        int            `json:"max_attempts"`
	MinBackoffMs       int64          `json:"min_backoff_ms"`
	MaxBackoffMs       int64          `json:"max_backoff_ms"`
	DispatchDeadlineMs int64          `json:"dispatch_deadline_ms"`
	MaxConcurrent      int            `json:"max_concurrent"`
	MaxPerSecond       float64        `json:"max_per_second"`
	RunAt              time.Time      `json:"run_at"`
	LeaseUntil         *time.Time     `json:"lease_until,omitempty"`
	LockedBy           *string        `json:"locked_by,omitempty"`
	LastError          *string        `json:"last_error,omitempty"`
	Exhausted          bool           `json:"exhausted"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	FinishedAt         *time.Time     `json:"finished_at,omitempty"`
}

func (Task) TableName() string { return "queue_tasks" }

// Decode unmarshals the payload into v.
func (t *Task) Decode(v any) error {
	return json.Unmarshal(t.Payload, v)
}

func (t *Task) DispatchDeadline() time.Duration {
	return time.Duration(t.DispatchDeadlineMs) * time.Millisecond
}

func (t *Task) backoff() (time.Duration, time.Duration) {
	return time.Duration(t.MinBackoffMs) * time.Millisecond, time.Duration(t.MaxBackoffMs) * time.Millisecond
}

type RetryConfig struct {
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

type RateLimits struct {
	MaxConcurrent int
	MaxPerSecond  float64
}

// Options configure one enqueue call. A DedupeKey makes re-enqueuing the same
// logical task a no-op.
type Options struct {
	DedupeKey        string
	Delay            time.Duration
	DispatchDeadline time.Duration
	Retry            RetryConfig
	RateLimit        RateLimits
}

const (
	defaultMaxAttempts      = 5
	defaultMinBackoff       = 5 * time.Second
	defaultMaxBackoff       = 5 * time.Minute
	defaultDispatchDeadline = 10 * time.Minute
)

func (o Options) withDefaults() Options {
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = defaultMaxAttempts
	}
	if o.Retry.MinBackoff <= 0 {
		o.Retry.MinBackoff = defaultMinBackoff
	}
	if o.Retry.MaxBackoff < o.Retry.MinBackoff {
		o.Retry.MaxBackoff = defaultMaxBackoff
		if o.Retry.MaxBackoff < o.Retry.MinBackoff {
			o.Retry.MaxBackoff = o.Retry.MinBackoff
		}
	}
	if o.DispatchDeadline <= 0 {
		o.DispatchDeadline = defaultDispatchDeadline
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	return o
}
