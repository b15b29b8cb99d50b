// Package testing moves pipeline timestamps so scheduler jobs can be exercised without waiting.
package testing

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// TimeAccelerator backdates rows for scheduler tests.
type TimeAccelerator struct {
	db *gorm.DB
}

func NewTimeAccelerator(db *gorm.DB) *TimeAccelerator {
	return &TimeAccelerator{db: db}
}

// AgeDispatch moves generation_started_at of a request back by age.
func (ta *TimeAccelerator) AgeDispatch(ctx context.Context, requestID int64, now time.Time, age time.Duration) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE generation_requests SET generation_started = ?, generation_started_at = ? WHERE id = ?`,
		true, now.Add(-age), requestID,
	).Error
}

// ExpireLease marks a queue task as running with a lease that ended before now.
func (ta *TimeAccelerator) ExpireLease(ctx context.Context, taskID int64, now time.Time) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE queue_tasks SET status = ?, lease_until = ?, locked_by = ? WHERE id = ?`,
		"running", now.Add(-time.Minute), "dead-worker", taskID,
	).Error
}
