package payment

import (
	"github.com/smallbiznis/songforge/internal/config"
	"github.com/smallbiznis/songforge/internal/payment/adapters"
	"github.com/smallbiznis/songforge/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/songforge/internal/payment/domain"
	"github.com/smallbiznis/songforge/internal/payment/repository"
	paymentservice "github.com/smallbiznis/songforge/internal/payment/service"
	"github.com/smallbiznis/songforge/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(NewRegistry),
	fx.Provide(paymentservice.NewService),
	fx.Provide(webhook.NewService),
)

// NewRegistry enables every provider that has a webhook secret configured.
func NewRegistry(cfg config.Config) *adapters.Registry {
	var configs []paymentdomain.AdapterConfig
	if cfg.Stripe.WebhookSecret != "" {
		configs = append(configs, paymentdomain.AdapterConfig{
			Provider: stripe.ProviderName,
			Config: map[string]any{
				"webhook_secret": cfg.Stripe.WebhookSecret,
				"tolerance":      cfg.Stripe.WebhookTolerance,
			},
		})
	}
	return adapters.NewRegistry(configs, stripe.NewFactory())
}
