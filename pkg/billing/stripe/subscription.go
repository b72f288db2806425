package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subtrack/pkg/billing"
)

// RetrieveSubscription fetches a subscription by id.
func (g *Gateway) RetrieveSubscription(ctx context.Context, ref string) (*billing.ProcessorSubscription, error) {
	start := time.Now()
	sub, err := g.client.V1Subscriptions.Retrieve(ctx, ref, nil)
	g.observe("/subscriptions/retrieve", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve subscription %s: %w", ref, err)
	}
	return toProcessorSubscription(sub), nil
}

// UpdateSubscriptionItem swaps the price of one subscription item.
func (g *Gateway) UpdateSubscriptionItem(ctx context.Context, req billing.ItemUpdate) (*billing.ProcessorSubscription, error) {
	start := time.Now()
	params := &stripe.SubscriptionUpdateParams{
		Items: []*stripe.SubscriptionUpdateItemParams{
			{
				ID:    stripe.String(req.ItemID),
				Price: stripe.String(req.PriceRef),
			},
		},
	}
	if req.Proration != "" {
		params.ProrationBehavior = stripe.String(req.Proration)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	sub, err := g.client.V1Subscriptions.Update(ctx, req.SubscriptionRef, params)
	g.observe("/subscriptions/update", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription %s: %w", req.SubscriptionRef, err)
	}
	return toProcessorSubscription(sub), nil
}

// CancelSubscription cancels a subscription immediately.
func (g *Gateway) CancelSubscription(ctx context.Context, ref string) error {
	start := time.Now()
	_, err := g.client.V1Subscriptions.Cancel(ctx, ref, nil)
	g.observe("/subscriptions/cancel", start, err)
	if err != nil {
		return fmt.Errorf("failed to cancel subscription %s: %w", ref, err)
	}
	return nil
}

// ListSubscriptions returns every subscription of a customer, in any status.
func (g *Gateway) ListSubscriptions(ctx context.Context, customerRef string) ([]*billing.ProcessorSubscription, error) {
	start := time.Now()
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerRef)
	params.Status = stripe.String("all")

	var out []*billing.ProcessorSubscription
	for sub, err := range g.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			g.observe("/subscriptions/list", start, err)
			return nil, fmt.Errorf("failed to list subscriptions: %w", err)
		}
		out = append(out, toProcessorSubscription(sub))
	}
	g.observe("/subscriptions/list", start, nil)
	return out, nil
}

// toProcessorSubscription flattens a Stripe subscription. Period bounds live on
// the items since the 2025-03-31 API version; the first item's bounds are used.
func toProcessorSubscription(sub *stripe.Subscription) *billing.ProcessorSubscription {
	out := &billing.ProcessorSubscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Created:           sub.Created,
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		out.CustomerRef = sub.Customer.ID
	}
	if sub.Items == nil {
		return out
	}
	for i, item := range sub.Items.Data {
		if i == 0 {
			out.CurrentPeriodStart = item.CurrentPeriodStart
			out.CurrentPeriodEnd = item.CurrentPeriodEnd
		}
		pi := billing.ProcessorItem{ID: item.ID}
		if item.Price != nil {
			pi.PriceRef = item.Price.ID
			pi.UnitAmount = item.Price.UnitAmount
			if item.Price.Recurring != nil {
				pi.Interval = string(item.Price.Recurring.Interval)
			}
		}
		out.Items = append(out.Items, pi)
	}
	return out
}
