package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/songforge/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// HandlerFunc reacts to one change event. Handlers must be idempotent.
type HandlerFunc func(ctx context.Context, ev ChangeEvent) error

// Mirror forwards delivered change events to an external bus.
type Mirror interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}

type RelayConfig struct {
	BatchSize      int
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:      100,
		LockTimeout:    time.Minute,
		MaxAttempts:    10,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     10 * time.Minute,
	}
}

type subscription struct {
	name string
	fn   HandlerFunc
}

// Relay delivers change events to in-process subscribers, and optionally to
// a Mirror, at least once.
type Relay struct {
	store   *Store
	log     *zap.Logger
	metrics *metrics.WorkerMetrics
	mirror  Mirror
	cfg     RelayConfig
	id      string

	mu       sync.RWMutex
	handlers map[Entity][]subscription
}

type RelayParams struct {
	fx.In

	Store   *Store
	Log     *zap.Logger
	Metrics *metrics.WorkerMetrics `optional:"true"`
	Mirror  Mirror                 `optional:"true"`
}

func NewRelay(p RelayParams) *Relay {
	return NewRelayWithConfig(p, DefaultRelayConfig())
}

func NewRelayWithConfig(p RelayParams, cfg RelayConfig) *Relay {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		store:    p.Store,
		log:      log.Named("store.relay"),
		metrics:  p.Metrics,
		mirror:   p.Mirror,
		cfg:      cfg,
		id:       uuid.NewString(),
		handlers: map[Entity][]subscription{},
	}
}

// Subscribe registers fn for every change to entity.
func (r *Relay) Subscribe(entity Entity, name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[entity] = append(r.handlers[entity], subscription{name: name, fn: fn})
}

// RunOnce claims one batch of due events and delivers it. It returns the
// number of events delivered successfully.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	claimed, err := r.claim(ctx)
	if err != nil {
		return 0, err
	}

	delivered := 0
	var errs []error
	for _, ev := range claimed {
		if err := r.deliver(ctx, ev); err != nil {
			r.metrics.IncChangeEvent(string(ev.Entity), "failed")
			if markErr := r.markFailed(ctx, ev, err); markErr != nil {
				errs = append(errs, markErr)
			}
			continue
		}
		if err := r.markDelivered(ctx, ev); err != nil {
			errs = append(errs, err)
			continue
		}
		r.metrics.IncChangeEvent(string(ev.Entity), "delivered")
		delivered++
	}
	return delivered, errors.Join(errs...)
}

// Drain runs batches until nothing is due or maxRounds is reached.
func (r *Relay) Drain(ctx context.Context, maxRounds int) error {
	for i := 0; i < maxRounds; i++ {
		delivered, err := r.RunOnce(ctx)
		if err != nil {
			return err
		}
		if delivered == 0 {
			var due int64
			if err := r.store.DB(ctx).Model(&ChangeEvent{}).
				Where("status = ? AND next_attempt_at <= ?", ChangePending, r.store.Now()).
				Count(&due).Error; err != nil {
				return err
			}
			if due == 0 {
				return nil
			}
		}
	}
	return nil
}

func (r *Relay) claim(ctx context.Context) ([]ChangeEvent, error) {
	now := r.store.Now()
	staleBefore := now.Add(-r.cfg.LockTimeout)

	var claimed []ChangeEvent
	err := r.store.Tx(ctx, func(tx *gorm.DB) error {
		start := time.Now()
		if err := tx.Raw(
			`SELECT * FROM change_events
			 WHERE status = ?
			   AND next_attempt_at <= ?
			   AND (locked_at IS NULL OR locked_at <= ?)
			 ORDER BY id ASC
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED`,
			ChangePending, now, staleBefore, r.cfg.BatchSize,
		).Scan(&claimed).Error; err != nil {
			return err
		}
		r.metrics.ObserveDBLockWait(metrics.LockResourceChangeEvents, time.Since(start))
		if len(claimed) == 0 {
			return nil
		}

		ids := make([]string, 0, len(claimed))
		for _, ev := range claimed {
			ids = append(ids, ev.ID)
		}
		return tx.Exec(
			`UPDATE change_events SET locked_at = ?, locked_by = ?, attempts = attempts + 1 WHERE id IN ?`,
			now, r.id, ids,
		).Error
	})
	if err != nil {
		return nil, fmt.Errorf("claim change events: %w", err)
	}
	for i := range claimed {
		claimed[i].Attempts++
	}
	return claimed, nil
}

func (r *Relay) deliver(ctx context.Context, ev ChangeEvent) error {
	r.mu.RLock()
	subs := append([]subscription(nil), r.handlers[ev.Entity]...)
	r.mu.RUnlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.fn(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sub.name, err))
		}
	}
	if len(errs) == 0 && r.mirror != nil {
		if err := r.mirror.Publish(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("mirror: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Relay) markDelivered(ctx context.Context, ev ChangeEvent) error {
	now := r.store.Now()
	return r.store.DB(ctx).Exec(
		`UPDATE change_events SET status = ?, delivered_at = ?, locked_at = NULL, locked_by = NULL, last_error = NULL WHERE id = ?`,
		ChangeDelivered, now, ev.ID,
	).Error
}

func (r *Relay) markFailed(ctx context.Context, ev ChangeEvent, cause error) error {
	msg := cause.Error()
	if ev.Attempts >= r.cfg.MaxAttempts {
		r.log.Error("change event moved to dead after max attempts",
			zap.String("event_id", ev.ID),
			zap.String("entity", string(ev.Entity)),
			zap.Int64("entity_id", ev.EntityID),
			zap.Int("attempts", ev.Attempts),
			zap.Error(cause),
		)
		r.metrics.IncChangeEvent(string(ev.Entity), "dead")
		return r.store.DB(ctx).Exec(
			`UPDATE change_events SET status = ?, last_error = ?, locked_at = NULL, locked_by = NULL WHERE id = ?`,
			ChangeDead, msg, ev.ID,
		).Error
	}

	r.log.Warn("change event delivery failed",
		zap.String("event_id", ev.ID),
		zap.String("entity", string(ev.Entity)),
		zap.Int64("entity_id", ev.EntityID),
		zap.Int("attempt", ev.Attempts),
		zap.Error(cause),
	)
	next := r.store.Now().Add(Backoff(ev.Attempts, r.cfg.InitialBackoff, r.cfg.MaxBackoff))
	return r.store.DB(ctx).Exec(
		`UPDATE change_events SET next_attempt_at = ?, last_error = ?, locked_at = NULL, locked_by = NULL WHERE id = ?`,
		next, msg, ev.ID,
	).Error
}

// Backoff returns min*2^(attempt-1) capped at max. Equal bounds give a fixed interval.
func Backoff(attempt int, min, max time.Duration) time.Duration {
	if min <= 0 {
		return 0
	}
	if max < min {
		max = min
	}
	backoff := min
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= max {
			return max
		}
	}
	return backoff
}
