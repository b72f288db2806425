package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subtrack/pkg/billing"
)

// CreateCheckoutSession creates a subscription-mode Checkout Session with an
// inline recurring price and returns its URL. The request metadata is copied
// onto both the session and the subscription it creates.
func (g *Gateway) CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (string, error) {
	start := time.Now()

	interval := "month"
	if req.Price.Cycle == billing.CycleYearly {
		interval = "year"
	}
	currency := strings.ToLower(req.Price.Currency)
	if currency == "" {
		currency = "usd"
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency: stripe.String(currency),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Price.ProductName),
					},
					UnitAmount: stripe.Int64(billing.MinorUnits(req.Price.Amount)),
					Recurring: &stripe.CheckoutSessionCreateLineItemPriceDataRecurringParams{
						Interval: stripe.String(interval),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:       stripe.String(req.SuccessURL),
		CancelURL:        stripe.String(req.CancelURL),
		SubscriptionData: &stripe.CheckoutSessionCreateSubscriptionDataParams{},
	}
	if req.CustomerRef != "" {
		params.Customer = stripe.String(req.CustomerRef)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
		params.SubscriptionData.AddMetadata(k, v)
	}

	session, err := g.client.V1CheckoutSessions.Create(ctx, params)
	g.observe("/checkout/sessions", start, err)
	if err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}
	return session.URL, nil
}
