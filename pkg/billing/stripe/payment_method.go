package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/mihaimyh/subtrack/pkg/billing"
)

// RetrievePaymentMethod fetches a payment method to verify it exists.
func (g *Gateway) RetrievePaymentMethod(ctx context.Context, ref string) (*billing.ProcessorPaymentMethod, error) {
	start := time.Now()
	pm, err := g.client.V1PaymentMethods.Retrieve(ctx, ref, nil)
	g.observe("/payment_methods/retrieve", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve payment method %s: %w", ref, err)
	}

	out := &billing.ProcessorPaymentMethod{ID: pm.ID, Type: string(pm.Type)}
	if pm.Card != nil {
		out.Card = &billing.Card{
			Brand:       string(pm.Card.Brand),
			LastFour:    pm.Card.Last4,
			ExpiryMonth: int(pm.Card.ExpMonth),
			ExpiryYear:  int(pm.Card.ExpYear),
		}
	}
	if out.Type == "us_bank_account" || out.Type == "sepa_debit" {
		out.Type = string(billing.PaymentMethodBankAccount)
	}
	return out, nil
}
