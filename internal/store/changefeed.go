package store

import (
	"fmt"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Entity string

const (
	EntityGenerationRequest Entity = "generation_request"
	EntityTaskStatus        Entity = "task_status"
	EntitySong              Entity = "song"
	EntityUser              Entity = "user"
)

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

const (
	ChangePending   = "pending"
	ChangeDelivered = "delivered"
	ChangeDead      = "dead"
)

// ChangeEvent is one row of the change feed. Rows are written in the same
// transaction as the change they describe and delivered at least once.
type ChangeEvent struct {
	ID            string `gorm:"primaryKey"`
	Entity        Entity
	EntityID      int64
	RequestID     int64
	Op            Op
	Changed       datatypes.JSONSlice[string]
	Status        string
	Attempts      int
	NextAttemptAt time.Time
	LockedAt      *time.Time
	LockedBy      *string
	LastError     *string
	CreatedAt     time.Time
	DeliveredAt   *time.Time
}

func (ChangeEvent) TableName() string { return "change_events" }

// Touches reports whether any of the given columns changed.
func (e ChangeEvent) Touches(columns ...string) bool {
	if e.Op == OpCreate {
		return true
	}
	for _, c := range columns {
		if slices.Contains(e.Changed, c) {
			return true
		}
	}
	return false
}

// Change describes a write for the change feed.
type Change struct {
	Entity    Entity
	EntityID  int64
	RequestID int64
	Op        Op
	Changed   []string
}

// Publish appends changes to the feed inside tx.
func (s *Store) Publish(tx *gorm.DB, changes ...Change) error {
	now := s.Now()
	for _, c := range changes {
		row := ChangeEvent{
			ID:            ulid.Make().String(),
			Entity:        c.Entity,
			EntityID:      c.EntityID,
			RequestID:     c.RequestID,
			Op:            c.Op,
			Changed:       datatypes.JSONSlice[string](c.Changed),
			Status:        ChangePending,
			NextAttemptAt: now,
			CreatedAt:     now,
		}
		if row.Changed == nil {
			row.Changed = datatypes.JSONSlice[string]{}
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("publish %s %d: %w", c.Entity, c.EntityID, err)
		}
	}
	return nil
}
