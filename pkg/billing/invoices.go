package billing

import (
	"context"
	"fmt"
)

const (
	DefaultInvoicePageSize = 20
	MaxInvoicePageSize     = 100
)

// ListInvoices returns one page of the organization's invoices, newest first.
// Out of range page and limit values are clamped.
func (e *Engine) ListInvoices(ctx context.Context, id Identity, page, limit int) (*InvoicePage, error) {
	if err := id.validate(); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	switch {
	case limit <= 0:
		limit = DefaultInvoicePageSize
	case limit > MaxInvoicePageSize:
		limit = MaxInvoicePageSize
	}

	items, total, err := e.invoices.ListInvoices(ctx, id.OrganizationID, page, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	if items == nil {
		items = []*Invoice{}
	}
	return &InvoicePage{
		Items:      items,
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: (total + limit - 1) / limit,
	}, nil
}

// GetInvoice returns an invoice of the caller's organization.
func (e *Engine) GetInvoice(ctx context.Context, id Identity, invoiceID string) (*Invoice, error) {
	if err := id.validate(); err != nil {
		return nil, err
	}
	inv, err := e.invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.OrganizationID != id.OrganizationID {
		return nil, NotFoundError(ErrInvoiceNotFound, "invoice not found")
	}
	return inv, nil
}

// NextInvoiceNumber allocates a local invoice number of the form INV-<year>-0001.
func (e *Engine) NextInvoiceNumber(ctx context.Context, year int) (string, error) {
	seq, err := e.invoices.NextInvoiceSequence(ctx, year)
	if err != nil {
		return "", fmt.Errorf("failed to allocate invoice number: %w", err)
	}
	return fmt.Sprintf("INV-%d-%04d", year, seq), nil
}
