package view

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallbiznis/songforge/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OnTaskStatusStats counts a terminal task once in the user and daily stats.
func (a *Aggregator) OnTaskStatusStats(ctx context.Context, ev store.ChangeEvent) error {
	if !ev.Touches("status") {
		return nil
	}
	counted, err := a.RecordStats(ctx, ev.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if counted {
		a.metrics.AddBatchProcessed("view_stats", "task_status", 1)
	}
	return nil
}

// RecordStats reports whether this call counted the task.
func (a *Aggregator) RecordStats(ctx context.Context, taskID int64) (bool, error) {
	counted := false
	err := a.store.Tx(ctx, func(tx *gorm.DB) error {
		status, err := store.LoadTaskStatus(tx, taskID, true)
		if err != nil {
			return err
		}
		if !status.Status.IsTerminal() || status.StatsAlreadyUpdated {
			return nil
		}

		now := a.store.Now()
		res := tx.Exec(
			`UPDATE task_statuses SET stats_already_updated = ? WHERE task_id = ? AND stats_already_updated = ?`,
			true, taskID, false,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		userColumn, completed, failed := "songs_generated", 1, 0
		if status.Status == store.GenerationFailed {
			userColumn, completed, failed = "songs_failed", 0, 1
		}
		if err := tx.Exec(
			`UPDATE users SET `+userColumn+` = `+userColumn+` + 1, updated_at = ? WHERE id = ?`,
			now, status.UserID,
		).Error; err != nil {
			return fmt.Errorf("update user stats: %w", err)
		}
		if err := tx.Exec(
			`INSERT INTO daily_stats (day, songs_completed, songs_failed) VALUES (?, ?, ?)
			 ON CONFLICT (day) DO UPDATE SET
				songs_completed = daily_stats.songs_completed + excluded.songs_completed,
				songs_failed = daily_stats.songs_failed + excluded.songs_failed`,
			now.Format("2006-01-02"), completed, failed,
		).Error; err != nil {
			return fmt.Errorf("update daily stats: %w", err)
		}

		counted = true
		return a.store.Publish(tx, store.Change{
			Entity:    store.EntityUser,
			EntityID:  status.UserID,
			RequestID: status.RequestID,
			Op:        store.OpUpdate,
			Changed:   []string{userColumn},
		})
	})
	if err != nil {
		return false, fmt.Errorf("record stats for task %d: %w", taskID, err)
	}
	if counted {
		a.log.Debug("task counted in stats", zap.Int64("task_id", taskID))
	}
	return counted, nil
}

// DailyStats is one row of daily_stats.
type DailyStats struct {
	Day            string `json:"day"`
	SongsCompleted int    `json:"songs_completed"`
	SongsFailed    int    `json:"songs_failed"`
}

func (a *Aggregator) GetDailyStats(ctx context.Context, day string) (DailyStats, error) {
	var rows []DailyStats
	if err := a.store.DB(ctx).Raw(
		`SELECT CAST(day AS TEXT) AS day, songs_completed, songs_failed FROM daily_stats WHERE day = ?`, day,
	).Scan(&rows).Error; err != nil {
		return DailyStats{}, err
	}
	if len(rows) == 0 {
		return DailyStats{Day: day}, nil
	}
	return rows[0], nil
}
