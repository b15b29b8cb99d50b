package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/smallbiznis/songforge/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/songforge/internal/payment/domain"
	"github.com/smallbiznis/songforge/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Store      *store.Store
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       paymentdomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	store      *store.Store
	log        *zap.Logger
	genID      *snowflake.Node
	repo       paymentdomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		store:      p.Store,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

// ProcessEvent records the provider event once and reconciles it. A replay
// of an event that was already reconciled returns ErrEventAlreadyProcessed.
func (s *Service) ProcessEvent(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	if err := validateEvent(event); err != nil {
		return err
	}
	payload := event.RawPayload
	if !json.Valid(payload) {
		return paymentdomain.ErrInvalidPayload
	}

	now := s.store.Now()
	received := paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      now,
	}

	db := s.store.DB(ctx)
	inserted, err := s.repo.InsertEvent(ctx, db, &received)
	if err != nil {
		return err
	}
	stored := &received
	if !inserted {
		stored, err = s.repo.FindEvent(ctx, db, event.Provider, event.ProviderEventID)
		if err != nil {
			return err
		}
		if stored == nil {
			return paymentdomain.ErrInvalidEvent
		}
		if stored.ProcessedAt != nil {
			return paymentdomain.ErrEventAlreadyProcessed
		}
	}

	if err := s.OnPaymentEvent(ctx, event); err != nil {
		switch {
		case errors.Is(err, store.ErrAlreadyProcessed):
		case errors.Is(err, store.ErrOwnershipMismatch), errors.Is(err, store.ErrNotFound):
			// Replaying cannot fix these, so the event is closed out.
			s.log.Warn("payment event dropped",
				zap.String("provider_event_id", event.ProviderEventID),
				zap.String("event_type", event.Type),
				zap.String("error_kind", store.Classify(err)),
			)
		default:
			return err
		}
	}

	if err := s.repo.MarkProcessed(ctx, db, stored.ID, s.store.Now()); err != nil {
		return err
	}
	if inserted {
		s.obsMetrics.RecordPaymentEvent(ctx, event.Provider, event.Type)
	}
	return nil
}

// OnPaymentEvent applies a canonical payment event to the ledger.
func (s *Service) OnPaymentEvent(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	if event == nil {
		return paymentdomain.ErrInvalidEvent
	}
	switch event.Type {
	case paymentdomain.EventTypeCheckoutCompleted:
		return s.settleCheckout(ctx, event, store.PaymentStatusSuccess)
	case paymentdomain.EventTypeCheckoutExpired:
		return s.settleCheckout(ctx, event, store.PaymentStatusFailed)
	case paymentdomain.EventTypeSubscriptionUpdated, paymentdomain.EventTypeSubscriptionDeleted:
		return s.syncSubscription(ctx, event)
	default:
		return paymentdomain.ErrInvalidEvent
	}
}

func (s *Service) settleCheckout(ctx context.Context, event *paymentdomain.PaymentEvent, next store.PaymentStatus) error {
	err := s.store.Tx(ctx, func(tx *gorm.DB) error {
		req, err := store.LoadRequest(tx, event.RequestID, true)
		if err != nil {
			return err
		}
		if req.UserID != event.UserID {
			return store.ErrOwnershipMismatch
		}
		if req.PaymentStatus != store.PaymentStatusPending {
			return store.ErrAlreadyProcessed
		}

		var sessionID *string
		if event.CheckoutSessionID != "" {
			sessionID = &event.CheckoutSessionID
		}
		res := tx.Exec(
			`UPDATE generation_requests
			 SET payment_status = ?, checkout_session_id = COALESCE(checkout_session_id, ?), updated_at = ?
			 WHERE id = ? AND payment_status = ?`,
			next, sessionID, s.store.Now(), req.ID, store.PaymentStatusPending,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return store.ErrAlreadyProcessed
		}

		return s.store.Publish(tx, store.Change{
			Entity:    store.EntityGenerationRequest,
			EntityID:  req.ID,
			RequestID: req.ID,
			Op:        store.OpUpdate,
			Changed:   []string{"payment_status"},
		})
	})

	switch {
	case err == nil:
		s.log.Info("payment status settled",
			zap.Int64("request_id", event.RequestID),
			zap.String("payment_status", string(next)),
		)
		return nil
	case errors.Is(err, store.ErrOwnershipMismatch):
		s.log.Error("payment event owner does not match request",
			zap.Bool("security", true),
			zap.Int64("request_id", event.RequestID),
			zap.Int64("event_user_id", event.UserID),
			zap.String("provider_event_id", event.ProviderEventID),
		)
	case errors.Is(err, store.ErrAlreadyProcessed):
		s.log.Debug("payment status already settled", zap.Int64("request_id", event.RequestID))
	}
	return fmt.Errorf("settle checkout for request %d: %w", event.RequestID, err)
}

// syncSubscription overwrites the user's subscription columns with the
// provider's current state.
func (s *Service) syncSubscription(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	sub := event.Subscription
	if sub == nil {
		return paymentdomain.ErrInvalidEvent
	}
	status := strings.ToLower(strings.TrimSpace(sub.Status))
	if status == "" {
		status = string(store.SubscriptionNone)
	}

	return s.store.Tx(ctx, func(tx *gorm.DB) error {
		if _, err := store.LoadUser(tx, event.UserID, true); err != nil {
			return fmt.Errorf("sync subscription: %w", err)
		}
		now := s.store.Now()
		if err := tx.Exec(
			`UPDATE users
			 SET subscription_status = ?, subscription_id = ?, subscription_price_id = ?,
			     subscription_period_end = ?, subscription_updated_at = ?, updated_at = ?
			 WHERE id = ?`,
			status, nullable(sub.ID), nullable(sub.PriceID), sub.CurrentPeriodEnd, event.OccurredAt, now, event.UserID,
		).Error; err != nil {
			return err
		}
		return s.store.Publish(tx, store.Change{
			Entity:   store.EntityUser,
			EntityID: event.UserID,
			Op:       store.OpUpdate,
			Changed:  []string{"subscription_status", "subscription_id", "subscription_price_id", "subscription_period_end"},
		})
	})
}

func validateEvent(event *paymentdomain.PaymentEvent) error {
	if event == nil {
		return paymentdomain.ErrInvalidEvent
	}
	event.Provider = strings.ToLower(strings.TrimSpace(event.Provider))
	if event.Provider == "" {
		return paymentdomain.ErrInvalidProvider
	}
	event.ProviderEventID = strings.TrimSpace(event.ProviderEventID)
	if event.ProviderEventID == "" {
		return paymentdomain.ErrInvalidEvent
	}
	if event.UserID <= 0 {
		return paymentdomain.ErrInvalidMetadata
	}
	switch event.Type {
	case paymentdomain.EventTypeCheckoutCompleted, paymentdomain.EventTypeCheckoutExpired:
		if event.RequestID <= 0 {
			return paymentdomain.ErrInvalidMetadata
		}
	case paymentdomain.EventTypeSubscriptionUpdated, paymentdomain.EventTypeSubscriptionDeleted:
		if event.Subscription == nil {
			return paymentdomain.ErrInvalidEvent
		}
	default:
		return paymentdomain.ErrInvalidEvent
	}
	return nil
}

func nullable(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
