package stripe

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/subtrack/pkg/billing"
)

// VerifyWebhook checks the Stripe-Signature header against the endpoint secret
// and decodes the event object for the types the engine handles.
func (g *Gateway) VerifyWebhook(payload []byte, signature string) (*billing.ProcessorEvent, error) {
	if g.webhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", billing.ErrInvalidWebhookSignature)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                g.webhookTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}

	out := &billing.ProcessorEvent{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: event.Created,
	}
	if event.Data == nil {
		return out, nil
	}
	raw := event.Data.Raw

	switch out.Type {
	case billing.EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", billing.ErrInvalidWebhookPayload, err)
		}
		out.Checkout = toCheckoutCompletion(&session)
	case billing.EventProcessorSubscriptionUpdate, billing.EventProcessorSubscriptionDelete:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: subscription: %v", billing.ErrInvalidWebhookPayload, err)
		}
		legacy, err := decodeLegacyFields(raw)
		if err != nil {
			return nil, err
		}
		out.Subscription = toProcessorSubscription(&sub)
		if out.Subscription.CurrentPeriodEnd == 0 {
			out.Subscription.CurrentPeriodStart = legacy.CurrentPeriodStart
			out.Subscription.CurrentPeriodEnd = legacy.CurrentPeriodEnd
		}
	case billing.EventProcessorInvoicePaid, billing.EventProcessorPaymentFailed:
		var invoice stripe.Invoice
		if err := json.Unmarshal(raw, &invoice); err != nil {
			return nil, fmt.Errorf("%w: invoice: %v", billing.ErrInvalidWebhookPayload, err)
		}
		legacy, err := decodeLegacyFields(raw)
		if err != nil {
			return nil, err
		}
		out.Invoice = toProcessorInvoice(&invoice, legacy)
	}
	return out, nil
}

// legacyFields holds payload values the v83 types no longer model: the
// subscription-level period of pre-2025-03-31 API versions, plus the
// top-level subscription and tax of older invoices.
type legacyFields struct {
	CurrentPeriodStart int64                `json:"current_period_start"`
	CurrentPeriodEnd   int64                `json:"current_period_end"`
	Subscription       *stripe.Subscription `json:"subscription"`
	Tax                int64                `json:"tax"`
}

func decodeLegacyFields(raw json.RawMessage) (*legacyFields, error) {
	var legacy legacyFields
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return &legacy, nil
}

func toCheckoutCompletion(session *stripe.CheckoutSession) *billing.CheckoutCompletion {
	out := &billing.CheckoutCompletion{
		SessionID: session.ID,
		Mode:      string(session.Mode),
		Metadata:  session.Metadata,
	}
	if session.Customer != nil {
		out.CustomerRef = session.Customer.ID
	}
	if session.Subscription != nil {
		out.SubscriptionRef = session.Subscription.ID
	}
	return out
}

// toProcessorInvoice flattens a Stripe invoice. The subscription id moved under
// parent.subscription_details in the 2025-03-31 API version.
func toProcessorInvoice(invoice *stripe.Invoice, legacy *legacyFields) *billing.ProcessorInvoice {
	out := &billing.ProcessorInvoice{
		ID:         invoice.ID,
		Number:     invoice.Number,
		Currency:   string(invoice.Currency),
		AmountDue:  invoice.AmountDue,
		AmountPaid: invoice.AmountPaid,
		Subtotal:   invoice.Subtotal,
		Tax:        legacy.Tax,
		Total:      invoice.Total,
		DueDate:    invoice.DueDate,
	}
	if invoice.Customer != nil {
		out.CustomerRef = invoice.Customer.ID
	}
	if legacy.Subscription != nil {
		out.SubscriptionRef = legacy.Subscription.ID
	}
	if out.SubscriptionRef == "" && invoice.Parent != nil && invoice.Parent.SubscriptionDetails != nil &&
		invoice.Parent.SubscriptionDetails.Subscription != nil {
		out.SubscriptionRef = invoice.Parent.SubscriptionDetails.Subscription.ID
	}
	if invoice.StatusTransitions != nil {
		out.PaidAt = invoice.StatusTransitions.PaidAt
	}
	if invoice.Lines != nil {
		for _, line := range invoice.Lines.Data {
			out.Lines = append(out.Lines, billing.ProcessorInvoiceLine{
				Description: line.Description,
				Quantity:    line.Quantity,
				Amount:      line.Amount,
			})
		}
	}
	return out
}
