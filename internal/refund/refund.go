package refund

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	ledgerdomain "github.com/smallbiznis/songforge/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/songforge/internal/observability/metrics"
	"github.com/smallbiznis/songforge/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("refund",
	fx.Provide(New),
)

type Params struct {
	fx.In

	Store   *store.Store
	Log     *zap.Logger
	Ledger  ledgerdomain.Service
	Metrics *obsmetrics.Metrics `optional:"true"`
}

// Handler turns an unrecoverable generation failure into a refunded credit,
// exactly once per request.
type Handler struct {
	store   *store.Store
	log     *zap.Logger
	ledger  ledgerdomain.Service
	metrics *obsmetrics.Metrics
}

func New(p Params) *Handler {
	return &Handler{
		store:   p.Store,
		log:     p.Log.Named("refund"),
		ledger:  p.Ledger,
		metrics: p.Metrics,
	}
}

// HandleFailure marks the request failed with message and returns one credit
// to the user. Repeated calls for the same request are no-ops.
func (h *Handler) HandleFailure(ctx context.Context, userID, requestID int64, message string) error {
	refunded := false
	err := h.store.Tx(ctx, func(tx *gorm.DB) error {
		req, err := store.LoadRequest(tx, requestID, true)
		if err != nil {
			return err
		}
		if req.UserID != userID {
			return fmt.Errorf("request %d: %w", requestID, store.ErrOwnershipMismatch)
		}
		if req.RefundedAsCredit {
			return nil
		}

		now := h.store.Now()
		res := tx.Exec(
			`UPDATE generation_requests SET refunded_as_credit = ?, error = ?, updated_at = ?
			 WHERE id = ? AND refunded_as_credit = ?`,
			true, message, now, requestID, false,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if _, err := h.ledger.PostTx(ctx, tx, ledgerdomain.Posting{
			UserID:     userID,
			RequestID:  requestID,
			SourceType: ledgerdomain.SourceTypeCreditRefund,
			SourceID:   strconv.FormatInt(requestID, 10),
			Amount:     1,
		}); err != nil {
			return fmt.Errorf("refund credit: %w", err)
		}

		changes := []store.Change{{
			Entity:    store.EntityGenerationRequest,
			EntityID:  requestID,
			RequestID: requestID,
			Op:        store.OpUpdate,
			Changed:   []string{"refunded_as_credit", "error"},
		}}

		var statusTaskIDs []int64
		if err := tx.Raw(
			`SELECT task_id FROM task_statuses WHERE request_id = ? AND status <> ? AND status <> ?`,
			requestID, store.GenerationCompleted, store.GenerationFailed,
		).Scan(&statusTaskIDs).Error; err != nil {
			return err
		}
		for _, taskID := range statusTaskIDs {
			if err := tx.Exec(
				`UPDATE task_statuses SET status = ?, error = ?, updated_at = ? WHERE task_id = ?`,
				store.GenerationFailed, message, now, taskID,
			).Error; err != nil {
				return err
			}
			changes = append(changes, store.Change{
				Entity:    store.EntityTaskStatus,
				EntityID:  taskID,
				RequestID: requestID,
				Op:        store.OpUpdate,
				Changed:   []string{"status", "error"},
			})
		}

		if err := h.store.Publish(tx, changes...); err != nil {
			return err
		}
		refunded = true
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrOwnershipMismatch) {
			h.log.Error("refund rejected: request owner mismatch",
				zap.Bool("security", true),
				zap.Int64("request_id", requestID),
				zap.Int64("user_id", userID),
			)
		}
		return fmt.Errorf("handle failure for request %d: %w", requestID, err)
	}

	if !refunded {
		h.log.Debug("refund already applied", zap.Int64("request_id", requestID))
		return nil
	}
	h.metrics.RecordRefund(ctx, "generation_failed")
	h.log.Info("credit refunded after generation failure",
		zap.Int64("request_id", requestID),
		zap.Int64("user_id", userID),
		zap.String("reason", message),
	)
	return nil
}
