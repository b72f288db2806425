package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/subtrack/pkg/billing"
)

const invoiceColumns = `id, subscription_id, organization_id, invoice_number, items, subtotal, tax, total,
	currency, status, due_date, paid_at, external_invoice_ref, created_at`

func scanInvoice(row pgx.Row) (*billing.Invoice, error) {
	var inv billing.Invoice
	var items []byte
	var status string
	var externalRef *string
	err := row.Scan(
		&inv.ID,
		&inv.SubscriptionID,
		&inv.OrganizationID,
		&inv.InvoiceNumber,
		&items,
		&inv.Subtotal,
		&inv.Tax,
		&inv.Total,
		&inv.Currency,
		&status,
		&inv.DueDate,
		&inv.PaidAt,
		&externalRef,
		&inv.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &inv.Items); err != nil {
		return nil, fmt.Errorf("failed to decode invoice items: %w", err)
	}
	inv.Status = billing.InvoiceStatus(status)
	if externalRef != nil {
		inv.ExternalInvoiceRef = *externalRef
	}
	inv.DueDate = utcPtr(inv.DueDate)
	inv.PaidAt = utcPtr(inv.PaidAt)
	inv.CreatedAt = inv.CreatedAt.UTC()
	return &inv, nil
}

// ListInvoices implements billing.InvoiceStore
func (s *Storage) ListInvoices(ctx context.Context, organizationID string, page, limit int) ([]*billing.Invoice, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM invoices WHERE organization_id = $1`, organizationID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count invoices: %w", err)
	}

	offset := (page - 1) * limit
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE organization_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		organizationID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	items := []*billing.Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan invoice: %w", err)
		}
		items = append(items, inv)
	}
	return items, total, rows.Err()
}

// GetInvoice implements billing.InvoiceStore
func (s *Storage) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	inv, err := scanInvoice(s.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, billing.ErrInvoiceNotFound)
	}
	return inv, nil
}

// GetInvoiceByExternalRef implements billing.InvoiceStore
func (s *Storage) GetInvoiceByExternalRef(ctx context.Context, ref string) (*billing.Invoice, error) {
	inv, err := scanInvoice(s.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE external_invoice_ref = $1`, ref))
	if err != nil {
		return nil, notFound(err, billing.ErrInvoiceNotFound)
	}
	return inv, nil
}

// UpsertInvoiceByExternalRef implements billing.InvoiceStore
func (s *Storage) UpsertInvoiceByExternalRef(ctx context.Context, inv *billing.Invoice) error {
	if inv == nil || inv.ExternalInvoiceRef == "" {
		return fmt.Errorf("invalid invoice")
	}

	items := inv.Items
	if items == nil {
		items = []billing.InvoiceItem{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode invoice items: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO invoices (`+invoiceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (external_invoice_ref) DO UPDATE SET
				subscription_id = EXCLUDED.subscription_id,
				items = EXCLUDED.items,
				subtotal = EXCLUDED.subtotal,
				tax = EXCLUDED.tax,
				total = EXCLUDED.total,
				currency = EXCLUDED.currency,
				status = EXCLUDED.status,
				due_date = EXCLUDED.due_date,
				paid_at = EXCLUDED.paid_at
			RETURNING id, invoice_number, created_at`,
		inv.ID, inv.SubscriptionID, inv.OrganizationID, inv.InvoiceNumber, itemsJSON,
		inv.Subtotal, inv.Tax, inv.Total, inv.Currency, string(inv.Status),
		inv.DueDate, inv.PaidAt, inv.ExternalInvoiceRef, inv.CreatedAt,
	).Scan(&inv.ID, &inv.InvoiceNumber, &inv.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert invoice: %w", err)
	}
	inv.CreatedAt = inv.CreatedAt.UTC()
	return nil
}

// NextInvoiceSequence implements billing.InvoiceStore
func (s *Storage) NextInvoiceSequence(ctx context.Context, year int) (int, error) {
	var seq int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO invoice_sequences (year, last_seq) VALUES ($1, 1)
			ON CONFLICT (year) DO UPDATE SET last_seq = invoice_sequences.last_seq + 1
			RETURNING last_seq`, year).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate invoice sequence: %w", err)
	}
	return seq, nil
}
