package view

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/songforge/internal/store"
	"github.com/smallbiznis/songforge/pkg/db/pagination"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Get returns the view of one request owned by userID. Requests of other
// users are reported as not found.
func (a *Aggregator) Get(ctx context.Context, userID, requestID int64) (*store.GenerationView, error) {
	key := viewKey(requestID)
	var cached store.GenerationView
	if a.readCache(ctx, key, &cached) {
		if cached.UserID != userID {
			return nil, fmt.Errorf("generation view %d: %w", requestID, store.ErrNotFound)
		}
		return &cached, nil
	}

	view, err := a.load(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		if rerr := a.rebuild(ctx, requestID); rerr != nil {
			return nil, rerr
		}
		view, err = a.load(ctx, requestID)
	}
	if err != nil {
		return nil, err
	}
	if view.UserID != userID {
		return nil, fmt.Errorf("generation view %d: %w", requestID, store.ErrNotFound)
	}

	a.writeCache(ctx, key, view)
	return view, nil
}

// List returns the most recent views of a user, newest first.
func (a *Aggregator) List(ctx context.Context, userID int64, limit int) ([]store.GenerationView, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	views, err := a.recent(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(views) > limit {
		views = views[:limit]
	}
	return views, nil
}

// ListPage pages through the views of a user with an opaque cursor. The first
// page is served from the cached recent list.
func (a *Aggregator) ListPage(ctx context.Context, userID int64, page pagination.Pagination) ([]store.GenerationView, *pagination.PageInfo, error) {
	limit := page.Limit()

	var rows []store.GenerationView
	if strings.TrimSpace(page.PageToken) == "" {
		recent, err := a.recent(ctx, userID)
		if err != nil {
			return nil, nil, err
		}
		rows = recent
		if len(rows) > limit+1 {
			rows = rows[:limit+1]
		}
	} else {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: page_token", store.ErrInvalidInput)
		}
		if err := a.store.DB(ctx).Raw(
			`SELECT * FROM generation_views
			 WHERE user_id = ? AND (created_at < ? OR (created_at = ? AND request_id < ?))
			 ORDER BY created_at DESC, request_id DESC LIMIT ?`,
			userID, cursor.CreatedAt, cursor.CreatedAt, cursor.ID, limit+1,
		).Scan(&rows).Error; err != nil {
			return nil, nil, fmt.Errorf("list generation views: %w", err)
		}
		if err := a.attachSongs(ctx, rows); err != nil {
			return nil, nil, err
		}
	}

	ptrs := make([]*store.GenerationView, len(rows))
	for i := range rows {
		ptrs[i] = &rows[i]
	}
	kept, info, err := pagination.BuildCursorPage(ptrs, limit, func(v *store.GenerationView) pagination.Cursor {
		return pagination.Cursor{ID: v.RequestID, CreatedAt: v.CreatedAt}
	})
	if err != nil {
		return nil, nil, err
	}
	out := make([]store.GenerationView, 0, len(kept))
	for _, v := range kept {
		out = append(out, *v)
	}
	return out, info, nil
}

// recent returns up to maxListLimit+1 newest views so the first page can
// tell whether more exist.
func (a *Aggregator) recent(ctx context.Context, userID int64) ([]store.GenerationView, error) {
	key := listKey(userID)
	var views []store.GenerationView
	if a.readCache(ctx, key, &views) {
		return views, nil
	}

	if err := a.store.DB(ctx).Raw(
		`SELECT * FROM generation_views WHERE user_id = ? ORDER BY created_at DESC, request_id DESC LIMIT ?`,
		userID, maxListLimit+1,
	).Scan(&views).Error; err != nil {
		return nil, fmt.Errorf("list generation views: %w", err)
	}
	if err := a.attachSongs(ctx, views); err != nil {
		return nil, err
	}
	if views == nil {
		views = []store.GenerationView{}
	}
	a.writeCache(ctx, key, views)
	return views, nil
}

func (a *Aggregator) load(ctx context.Context, requestID int64) (*store.GenerationView, error) {
	var views []store.GenerationView
	if err := a.store.DB(ctx).Raw(`SELECT * FROM generation_views WHERE request_id = ?`, requestID).Scan(&views).Error; err != nil {
		return nil, fmt.Errorf("load generation view %d: %w", requestID, err)
	}
	if len(views) == 0 {
		return nil, fmt.Errorf("generation view %d: %w", requestID, store.ErrNotFound)
	}
	if err := a.attachSongs(ctx, views); err != nil {
		return nil, err
	}
	return &views[0], nil
}

func (a *Aggregator) attachSongs(ctx context.Context, views []store.GenerationView) error {
	if len(views) == 0 {
		return nil
	}
	ids := make([]int64, len(views))
	for i, v := range views {
		ids[i] = v.RequestID
	}
	var songs []store.GenerationViewSong
	if err := a.store.DB(ctx).Raw(
		`SELECT * FROM generation_view_songs WHERE request_id IN ? ORDER BY song_id ASC`, ids,
	).Scan(&songs).Error; err != nil {
		return fmt.Errorf("load view songs: %w", err)
	}

	byRequest := make(map[int64][]store.GenerationViewSong, len(views))
	for _, s := range songs {
		byRequest[s.RequestID] = append(byRequest[s.RequestID], s)
	}
	for i := range views {
		views[i].Songs = byRequest[views[i].RequestID]
		if views[i].Songs == nil {
			views[i].Songs = []store.GenerationViewSong{}
		}
	}
	return nil
}

func (a *Aggregator) readCache(ctx context.Context, key string, dest any) bool {
	raw, ok, err := a.cache.Get(ctx, key)
	if err != nil {
		a.log.Warn("view cache read failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		a.log.Warn("view cache entry unreadable", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (a *Aggregator) writeCache(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	ttl := a.pipeline.Get().ViewCacheTTL
	if err := a.cache.Set(ctx, key, raw, ttl); err != nil {
		a.log.Warn("view cache write failed", zap.String("key", key), zap.Error(err))
	}
}
