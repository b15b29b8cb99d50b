package store

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/songforge/internal/clock"
	"gorm.io/gorm"
)

// Store is the single owner of persisted pipeline state.
type Store struct {
	db    *gorm.DB
	clock clock.Clock
}

func New(db *gorm.DB, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Store{db: db, clock: clk}
}

func (s *Store) DB(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func (s *Store) Now() time.Time {
	return s.clock.Now().UTC()
}

// Tx runs fn in one transaction. Every invariant-bearing mutation goes through here.
func (s *Store) Tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	return LoadUser(s.db.WithContext(ctx), id, false)
}

func (s *Store) GetRequest(ctx context.Context, id int64) (*GenerationRequest, error) {
	return LoadRequest(s.db.WithContext(ctx), id, false)
}

func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	return LoadTask(s.db.WithContext(ctx), id, false)
}

func (s *Store) GetTaskStatus(ctx context.Context, taskID int64) (*TaskStatus, error) {
	return LoadTaskStatus(s.db.WithContext(ctx), taskID, false)
}

func (s *Store) GetSong(ctx context.Context, id int64) (*Song, error) {
	return LoadSong(s.db.WithContext(ctx), id, false)
}

func LoadUser(tx *gorm.DB, id int64, forUpdate bool) (*User, error) {
	var row User
	if err := loadByID(tx, "users", "id", id, forUpdate, &row); err != nil {
		return nil, fmt.Errorf("user %d: %w", id, err)
	}
	return &row, nil
}

func LoadRequest(tx *gorm.DB, id int64, forUpdate bool) (*GenerationRequest, error) {
	var row GenerationRequest
	if err := loadByID(tx, "generation_requests", "id", id, forUpdate, &row); err != nil {
		return nil, fmt.Errorf("generation request %d: %w", id, err)
	}
	return &row, nil
}

func LoadTask(tx *gorm.DB, id int64, forUpdate bool) (*Task, error) {
	var row Task
	if err := loadByID(tx, "tasks", "id", id, forUpdate, &row); err != nil {
		return nil, fmt.Errorf("task %d: %w", id, err)
	}
	return &row, nil
}

func LoadTaskStatus(tx *gorm.DB, taskID int64, forUpdate bool) (*TaskStatus, error) {
	var row TaskStatus
	if err := loadByID(tx, "task_statuses", "task_id", taskID, forUpdate, &row); err != nil {
		return nil, fmt.Errorf("task status %d: %w", taskID, err)
	}
	return &row, nil
}

func LoadSong(tx *gorm.DB, id int64, forUpdate bool) (*Song, error) {
	var row Song
	if err := loadByID(tx, "songs", "id", id, forUpdate, &row); err != nil {
		return nil, fmt.Errorf("song %d: %w", id, err)
	}
	return &row, nil
}

// loadByID uses raw SQL so row locks stay visible in the statement text.
func loadByID(tx *gorm.DB, table, column string, id int64, forUpdate bool, dest any) error {
	query := "SELECT * FROM " + table + " WHERE " + column + " = ?"
	if forUpdate {
		query += " FOR UPDATE"
	}
	res := tx.Raw(query, id).Scan(dest)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSongsForTask returns the songs of a task ordered by creation.
func ListSongsForTask(tx *gorm.DB, taskID int64) ([]Song, error) {
	var songs []Song
	err := tx.Raw(`SELECT * FROM songs WHERE task_id = ? ORDER BY created_at ASC, id ASC`, taskID).Scan(&songs).Error
	return songs, err
}
