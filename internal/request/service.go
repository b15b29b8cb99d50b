package request

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	ledgerdomain "github.com/smallbiznis/songforge/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/songforge/internal/observability/metrics"
	"github.com/smallbiznis/songforge/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var Module = fx.Module("request.service",
	fx.Provide(NewService),
)

type Params struct {
	fx.In

	Store   *store.Store
	Log     *zap.Logger
	GenID   *snowflake.Node
	Ledger  ledgerdomain.Service
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type CreateResult struct {
	RequestID     int64               `json:"request_id,string"`
	PaymentType   store.PaymentType   `json:"payment_type"`
	PaymentStatus store.PaymentStatus `json:"payment_status"`
}

type Service struct {
	store    *store.Store
	log      *zap.Logger
	genID    *snowflake.Node
	ledger   ledgerdomain.Service
	metrics  *obsmetrics.Metrics
	validate *validator.Validate
}

func NewService(p Params) *Service {
	return &Service{
		store:    p.Store,
		log:      p.Log.Named("request.service"),
		genID:    p.GenID,
		ledger:   p.Ledger,
		metrics:  p.Metrics,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// CreateRequest records a generation attempt and, when the user can pay with
// a credit, reserves that credit in the same transaction.
func (s *Service) CreateRequest(ctx context.Context, userID int64, input store.GenerationInput) (CreateResult, error) {
	input = normalize(input)
	if err := s.validateInput(input); err != nil {
		return CreateResult{}, err
	}

	var result CreateResult
	err := s.store.Tx(ctx, func(tx *gorm.DB) error {
		user, err := store.LoadUser(tx, userID, true)
		if err != nil {
			return err
		}

		paymentType, paymentStatus := ChoosePayment(user)
		id := s.genID.Generate().Int64()
		now := s.store.Now()

		req := store.GenerationRequest{
			ID:            id,
			UserID:        userID,
			PaymentType:   paymentType,
			PaymentStatus: paymentStatus,
			Input:         datatypes.NewJSONType(input),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.Create(&req).Error; err != nil {
			return fmt.Errorf("insert request: %w", err)
		}

		if paymentStatus == store.PaymentStatusSuccess {
			// The ledger posting is the conditional decrement.
			if _, err := s.ledger.PostTx(ctx, tx, ledgerdomain.Posting{
				UserID:     userID,
				RequestID:  id,
				SourceType: ledgerdomain.SourceTypeCreditUse,
				SourceID:   strconv.FormatInt(id, 10),
				Amount:     -1,
			}); err != nil {
				return fmt.Errorf("reserve credit: %w", err)
			}
		}

		if err := s.store.Publish(tx, store.Change{
			Entity:    store.EntityGenerationRequest,
			EntityID:  id,
			RequestID: id,
			Op:        store.OpCreate,
		}); err != nil {
			return err
		}

		result = CreateResult{RequestID: id, PaymentType: paymentType, PaymentStatus: paymentStatus}
		return nil
	})
	if err != nil {
		return CreateResult{}, fmt.Errorf("create request for user %d: %w", userID, err)
	}

	s.metrics.RecordRequestCreated(ctx, string(result.PaymentType), string(result.PaymentStatus))
	s.log.Info("generation request created",
		zap.Int64("request_id", result.RequestID),
		zap.Int64("user_id", userID),
		zap.String("payment_type", string(result.PaymentType)),
		zap.String("payment_status", string(result.PaymentStatus)),
	)
	return result, nil
}

// GetRequest returns a request owned by userID. Requests owned by someone
// else are reported as missing.
func (s *Service) GetRequest(ctx context.Context, userID, id int64) (*store.GenerationRequest, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.UserID != userID {
		return nil, store.ErrNotFound
	}
	return req, nil
}

// ChoosePayment applies the payment policy to a locked user row.
func ChoosePayment(user *store.User) (store.PaymentType, store.PaymentStatus) {
	subscribed := user.SubscriptionStatus.IsActive()
	switch {
	case user.CreditsBalance > 0 && subscribed:
		return store.PaymentTypeSubscriptionFree, store.PaymentStatusSuccess
	case user.CreditsBalance > 0:
		return store.PaymentTypeCredits, store.PaymentStatusSuccess
	case subscribed:
		return store.PaymentTypeSubscriptionDiscount, store.PaymentStatusPending
	default:
		return store.PaymentTypeOnetimeUnsubscribed, store.PaymentStatusPending
	}
}

func (s *Service) validateInput(input store.GenerationInput) error {
	err := s.validate.Struct(input)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, strings.ToLower(fe.Field())+" "+fe.Tag())
	}
	return fmt.Errorf("%w: %s", store.ErrInvalidInput, strings.Join(fields, ", "))
}

func normalize(in store.GenerationInput) store.GenerationInput {
	in.Style = strings.TrimSpace(in.Style)
	in.Title = strings.TrimSpace(in.Title)
	in.LyricsDetails = strings.TrimSpace(in.LyricsDetails)
	in.Dedication = strings.TrimSpace(in.Dedication)
	in.Donation = strings.TrimSpace(in.Donation)
	in.StylePrompt = strings.TrimSpace(in.StylePrompt)
	return in
}
