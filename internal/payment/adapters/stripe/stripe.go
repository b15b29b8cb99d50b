package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paymentdomain "github.com/smallbiznis/songforge/internal/payment/domain"
)

const ProviderName = "stripe"

type Factory struct {
	now func() time.Time
}

func NewFactory() *Factory {
	return &Factory{now: time.Now}
}

// WithClock overrides the clock used for signature tolerance checks.
func (f *Factory) WithClock(now func() time.Time) *Factory {
	f.now = now
	return f
}

func (f *Factory) Provider() string {
	return ProviderName
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secret, ok := readString(cfg.Config, "webhook_secret")
	if !ok {
		return nil, paymentdomain.ErrInvalidConfig
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}

	var tolerance time.Duration
	if raw, ok := cfg.Config["tolerance"]; ok {
		d, ok := raw.(time.Duration)
		if !ok || d < 0 {
			return nil, paymentdomain.ErrInvalidConfig
		}
		tolerance = d
	}

	now := f.now
	if now == nil {
		now = time.Now
	}
	return &Adapter{
		webhookSecret: secret,
		tolerance:     tolerance,
		now:           now,
	}, nil
}

type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
	now           func() time.Time
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	matched := false
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			matched = true
			break
		}
	}
	if !matched {
		return paymentdomain.ErrInvalidSignature
	}

	if a.tolerance > 0 {
		sec, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return paymentdomain.ErrInvalidSignature
		}
		age := a.now().Sub(time.Unix(sec, 0))
		if age < 0 {
			age = -age
		}
		if age > a.tolerance {
			return paymentdomain.ErrSignatureExpired
		}
	}
	return nil
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "checkout.session.completed":
		return a.parseCheckout(event, payload, paymentdomain.EventTypeCheckoutCompleted)
	case "checkout.session.expired":
		return a.parseCheckout(event, payload, paymentdomain.EventTypeCheckoutExpired)
	case "customer.subscription.created", "customer.subscription.updated":
		return a.parseSubscription(event, payload, paymentdomain.EventTypeSubscriptionUpdated)
	case "customer.subscription.deleted":
		return a.parseSubscription(event, payload, paymentdomain.EventTypeSubscriptionDeleted)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID                string         `json:"id"`
	ClientReferenceID string         `json:"client_reference_id"`
	Mode              string         `json:"mode"`
	PaymentStatus     string         `json:"payment_status"`
	Created           int64          `json:"created"`
	Metadata          map[string]any `json:"metadata"`
}

type stripeSubscription struct {
	ID               string                  `json:"id"`
	Status           string                  `json:"status"`
	CurrentPeriodEnd int64                   `json:"current_period_end"`
	Created          int64                   `json:"created"`
	Metadata         map[string]any          `json:"metadata"`
	Items            stripeSubscriptionItems `json:"items"`
}

type stripeSubscriptionItems struct {
	Data []struct {
		Price struct {
			ID string `json:"id"`
		} `json:"price"`
	} `json:"data"`
}

func (a *Adapter) parseCheckout(event stripeEvent, payload []byte, eventType string) (*paymentdomain.PaymentEvent, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	// Subscription checkouts are reconciled through the subscription events.
	if session.Mode == "subscription" {
		return nil, paymentdomain.ErrEventIgnored
	}

	requestID, err := readID(session.Metadata, "request_id")
	if err != nil {
		return nil, err
	}
	userID, err := readID(session.Metadata, "user_id")
	if err != nil {
		return nil, err
	}

	return &paymentdomain.PaymentEvent{
		Provider:          ProviderName,
		ProviderEventID:   event.ID,
		Type:              eventType,
		UserID:            userID,
		RequestID:         requestID,
		CheckoutSessionID: session.ID,
		OccurredAt:        timestamp(session.Created, event.Created),
		RawPayload:        payload,
	}, nil
}

func (a *Adapter) parseSubscription(event stripeEvent, payload []byte, eventType string) (*paymentdomain.PaymentEvent, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	userID, err := readID(sub.Metadata, "user_id")
	if err != nil {
		return nil, err
	}

	status := strings.TrimSpace(sub.Status)
	if eventType == paymentdomain.EventTypeSubscriptionDeleted && status == "" {
		status = "canceled"
	}
	var priceID string
	if len(sub.Items.Data) > 0 {
		priceID = sub.Items.Data[0].Price.ID
	}
	var periodEnd *time.Time
	if sub.CurrentPeriodEnd > 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		periodEnd = &t
	}

	return &paymentdomain.PaymentEvent{
		Provider:        ProviderName,
		ProviderEventID: event.ID,
		Type:            eventType,
		UserID:          userID,
		OccurredAt:      timestamp(event.Created, sub.Created),
		RawPayload:      payload,
		Subscription: &paymentdomain.Subscription{
			ID:               sub.ID,
			Status:           status,
			PriceID:          priceID,
			CurrentPeriodEnd: periodEnd,
		},
	}, nil
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func readID(metadata map[string]any, key string) (int64, error) {
	raw := readMetadataValue(metadata, key)
	if raw == "" {
		return 0, fmt.Errorf("%w: missing %s", paymentdomain.ErrInvalidMetadata, key)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad %s", paymentdomain.ErrInvalidMetadata, key)
	}
	return id, nil
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	}
	return ""
}

func readString(config map[string]any, key string) (string, bool) {
	value, ok := config[key]
	if !ok {
		return "", false
	}
	cast, ok := value.(string)
	return cast, ok
}
