package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subtrack/pkg/billing"
)

// CreateCustomer returns the customer tagged with the request's organizationId
// metadata, creating it when none exists.
func (g *Gateway) CreateCustomer(ctx context.Context, req billing.CustomerRequest) (string, error) {
	if orgID := req.Metadata["organizationId"]; orgID != "" {
		id, err := g.searchCustomerByOrganization(ctx, orgID)
		if err != nil {
			// Search is eventually consistent; a miss or failure falls back to create.
			g.logger.Warn("stripe customer search failed", billing.F("organization_id", orgID), billing.Err(err))
		} else if id != "" {
			return id, nil
		}
	}

	start := time.Now()
	params := &stripe.CustomerCreateParams{}
	if req.Email != "" {
		params.Email = stripe.String(req.Email)
	}
	if req.Name != "" {
		params.Name = stripe.String(req.Name)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	cust, err := g.client.V1Customers.Create(ctx, params)
	g.observe("/customers", start, err)
	if err != nil {
		return "", fmt.Errorf("failed to create customer: %w", err)
	}
	return cust.ID, nil
}

// searchCustomerByOrganization looks a customer up by metadata using the Search API.
func (g *Gateway) searchCustomerByOrganization(ctx context.Context, organizationID string) (string, error) {
	start := time.Now()
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['organizationId']:'%s'", strings.ReplaceAll(organizationID, "'", "\\'"))

	for cust, err := range g.client.V1Customers.Search(ctx, params) {
		if err != nil {
			g.observe("/customers/search", start, err)
			return "", fmt.Errorf("stripe search error: %w", err)
		}
		// Search can return partial matches
		if cust.Metadata != nil && cust.Metadata["organizationId"] == organizationID {
			g.observe("/customers/search", start, nil)
			return cust.ID, nil
		}
	}
	g.observe("/customers/search", start, nil)
	return "", nil
}
