package service_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/songforge/internal/payment/adapters"
	"github.com/smallbiznis/songforge/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/songforge/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/songforge/internal/payment/repository"
	paymentservice "github.com/smallbiznis/songforge/internal/payment/service"
	paymentwebhook "github.com/smallbiznis/songforge/internal/payment/webhook"
	"github.com/smallbiznis/songforge/internal/store"
	"github.com/smallbiznis/songforge/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const stripeSecret = "whsec_test"

type fixture struct {
	store   *store.Store
	webhook paymentdomain.Service
	payment *paymentservice.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := storetest.Open(t)
	node, err := snowflake.NewNode(10)
	require.NoError(t, err)
	s := store.New(db, nil)

	registry := adapters.NewRegistry(
		[]paymentdomain.AdapterConfig{{Provider: "stripe", Config: map[string]any{"webhook_secret": stripeSecret}}},
		stripe.NewFactory(),
	)
	paymentSvc := paymentservice.NewService(paymentservice.Params{
		Store: s,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  paymentrepo.Provide(),
	})
	webhookSvc := paymentwebhook.NewService(paymentwebhook.Params{
		Log:        zap.NewNop(),
		PaymentSvc: paymentSvc,
		Adapters:   registry,
	})
	return fixture{store: s, webhook: webhookSvc, payment: paymentSvc}
}

func seedPendingRequest(t *testing.T, s *store.Store, userID, requestID int64) {
	t.Helper()
	db := s.DB(context.Background())
	storetest.SeedUser(t, db, userID, 0, "none")
	storetest.Insert(t, db, &store.GenerationRequest{
		ID:            requestID,
		UserID:        userID,
		PaymentType:   store.PaymentTypeOnetimeUnsubscribed,
		PaymentStatus: store.PaymentStatusPending,
	})
}

func checkoutPayload(t *testing.T, eventID, eventType string, requestID, userID int64) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":      eventID,
		"type":    eventType,
		"created": time.Now().Unix(),
		"data": map[string]any{
			"object": map[string]any{
				"id":   "cs_" + eventID,
				"mode": "payment",
				"metadata": map[string]any{
					"request_id": strconv.FormatInt(requestID, 10),
					"user_id":    strconv.FormatInt(userID, 10),
				},
			},
		},
	})
	require.NoError(t, err)
	return payload
}

func signedHeaders(payload []byte) http.Header {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(stripeSecret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	headers := http.Header{}
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return headers
}

func TestCheckoutCompletedSettlesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedPendingRequest(t, f.store, 7, 700)

	payload := checkoutPayload(t, "evt_1", "checkout.session.completed", 700, 7)
	require.NoError(t, f.webhook.IngestWebhook(ctx, "stripe", payload, signedHeaders(payload)))

	err := f.webhook.IngestWebhook(ctx, "stripe", payload, signedHeaders(payload))
	assert.ErrorIs(t, err, paymentdomain.ErrEventAlreadyProcessed)

	req, err := f.store.GetRequest(ctx, 700)
	require.NoError(t, err)
	assert.Equal(t, store.PaymentStatusSuccess, req.PaymentStatus)
	require.NotNil(t, req.CheckoutSessionID)
	assert.Equal(t, "cs_evt_1", *req.CheckoutSessionID)

	db := f.store.DB(ctx)
	assert.Equal(t, int64(1), storetest.Count(t, db, "payment_events", "processed_at IS NOT NULL"))
	assert.Equal(t, int64(1), storetest.Count(t, db, "change_events", "entity = ?", store.EntityGenerationRequest))
}

func TestLateExpiryDoesNotReverseSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedPendingRequest(t, f.store, 8, 800)

	completed := checkoutPayload(t, "evt_c", "checkout.session.completed", 800, 8)
	require.NoError(t, f.webhook.IngestWebhook(ctx, "stripe", completed, signedHeaders(completed)))

	expired := checkoutPayload(t, "evt_e", "checkout.session.expired", 800, 8)
	require.NoError(t, f.webhook.IngestWebhook(ctx, "stripe", expired, signedHeaders(expired)))

	req, err := f.store.GetRequest(ctx, 800)
	require.NoError(t, err)
	assert.Equal(t, store.PaymentStatusSuccess, req.PaymentStatus)
}

func TestCheckoutExpiredFailsRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedPendingRequest(t, f.store, 9, 900)

	expired := checkoutPayload(t, "evt_x", "checkout.session.expired", 900, 9)
	require.NoError(t, f.webhook.IngestWebhook(ctx, "stripe", expired, signedHeaders(expired)))

	req, err := f.store.GetRequest(ctx, 900)
	require.NoError(t, err)
	assert.Equal(t, store.PaymentStatusFailed, req.PaymentStatus)
}

func TestOwnershipMismatchIsClosedWithoutChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedPendingRequest(t, f.store, 10, 1000)

	err := f.payment.OnPaymentEvent(ctx, &paymentdomain.PaymentEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_direct",
		Type:            paymentdomain.EventTypeCheckoutCompleted,
		UserID:          11,
		RequestID:       1000,
	})
	assert.ErrorIs(t, err, store.ErrOwnershipMismatch)

	payload := checkoutPayload(t, "evt_m", "checkout.session.completed", 1000, 11)
	require.NoError(t, f.webhook.IngestWebhook(ctx, "stripe", payload, signedHeaders(payload)))

	req, err := f.store.GetRequest(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, store.PaymentStatusPending, req.PaymentStatus)
	assert.Equal(t, int64(1), storetest.Count(t, f.store.DB(ctx), "payment_events", "processed_at IS NOT NULL"))
}

func TestSubscriptionSyncOverwritesUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storetest.SeedUser(t, f.store.DB(ctx), 12, 0, "none")

	payload, err := json.Marshal(map[string]any{
		"id":      "evt_sub",
		"type":    "customer.subscription.created",
		"created": time.Now().Unix(),
		"data": map[string]any{
			"object": map[string]any{
				"id":       "sub_12",
				"status":   "active",
				"metadata": map[string]any{"user_id": "12"},
				"items":    map[string]any{"data": []any{map[string]any{"price": map[string]any{"id": "price_pro"}}}},
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.webhook.IngestWebhook(ctx, "stripe", payload, signedHeaders(payload)))

	user, err := f.store.GetUser(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, store.SubscriptionActive, user.SubscriptionStatus)
	require.NotNil(t, user.SubscriptionID)
	assert.Equal(t, "sub_12", *user.SubscriptionID)
	require.NotNil(t, user.SubscriptionPriceID)
	assert.Equal(t, "price_pro", *user.SubscriptionPriceID)
}

func TestIngestRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	payload := checkoutPayload(t, "evt_bad", "checkout.session.completed", 1, 1)
	headers := http.Header{}
	headers.Set("Stripe-Signature", "t=1,v1=deadbeef")

	err := f.webhook.IngestWebhook(context.Background(), "stripe", payload, headers)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
	assert.Zero(t, storetest.Count(t, f.store.DB(context.Background()), "payment_events", ""))
}

func TestIngestIgnoresUnknownTypesAndProviders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := []byte(`{"id":"evt_inv","type":"invoice.paid","data":{"object":{}}}`)
	require.NoError(t, f.webhook.IngestWebhook(ctx, "stripe", payload, signedHeaders(payload)))
	assert.Zero(t, storetest.Count(t, f.store.DB(ctx), "payment_events", ""))

	err := f.webhook.IngestWebhook(ctx, "paypal", payload, signedHeaders(payload))
	assert.ErrorIs(t, err, paymentdomain.ErrProviderNotFound)
}
