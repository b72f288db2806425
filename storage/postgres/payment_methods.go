package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/subtrack/pkg/billing"
)

const paymentMethodColumns = `id, organization_id, type, card, is_default, external_ref, created_at`

func scanPaymentMethod(row pgx.Row) (*billing.PaymentMethod, error) {
	var pm billing.PaymentMethod
	var pmType string
	var card []byte
	err := row.Scan(&pm.ID, &pm.OrganizationID, &pmType, &card, &pm.IsDefault, &pm.ExternalRef, &pm.CreatedAt)
	if err != nil {
		return nil, err
	}
	pm.Type = billing.PaymentMethodType(pmType)
	if len(card) > 0 && string(card) != "null" {
		pm.Card = &billing.Card{}
		if err := json.Unmarshal(card, pm.Card); err != nil {
			return nil, fmt.Errorf("failed to decode card: %w", err)
		}
	}
	pm.CreatedAt = pm.CreatedAt.UTC()
	return &pm, nil
}

// ListPaymentMethods implements billing.PaymentMethodStore
func (s *Storage) ListPaymentMethods(ctx context.Context, organizationID string) ([]*billing.PaymentMethod, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+paymentMethodColumns+` FROM payment_methods WHERE organization_id = $1 ORDER BY created_at DESC`,
		organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment methods: %w", err)
	}
	defer rows.Close()

	methods := []*billing.PaymentMethod{}
	for rows.Next() {
		pm, err := scanPaymentMethod(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment method: %w", err)
		}
		methods = append(methods, pm)
	}
	return methods, rows.Err()
}

// GetPaymentMethod implements billing.PaymentMethodStore
func (s *Storage) GetPaymentMethod(ctx context.Context, id string) (*billing.PaymentMethod, error) {
	pm, err := scanPaymentMethod(s.pool.QueryRow(ctx,
		`SELECT `+paymentMethodColumns+` FROM payment_methods WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, billing.ErrPaymentMethodNotFound)
	}
	return pm, nil
}

// CreatePaymentMethod implements billing.PaymentMethodStore
func (s *Storage) CreatePaymentMethod(ctx context.Context, pm *billing.PaymentMethod) error {
	if pm == nil || pm.ID == "" {
		return fmt.Errorf("invalid payment method")
	}

	var card []byte
	if pm.Card != nil {
		var err error
		if card, err = json.Marshal(pm.Card); err != nil {
			return fmt.Errorf("failed to encode card: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO payment_methods (`+paymentMethodColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		pm.ID, pm.OrganizationID, string(pm.Type), card, pm.IsDefault, pm.ExternalRef, pm.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create payment method: %w", err)
	}
	return nil
}

// DeletePaymentMethod implements billing.PaymentMethodStore
func (s *Storage) DeletePaymentMethod(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM payment_methods WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete payment method: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrPaymentMethodNotFound
	}
	return nil
}

// SetDefaultPaymentMethod implements billing.PaymentMethodStore
func (s *Storage) SetDefaultPaymentMethod(ctx context.Context, organizationID, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM payment_methods WHERE id = $1 AND organization_id = $2)`,
		id, organizationID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check payment method: %w", err)
	}
	if !exists {
		return billing.ErrPaymentMethodNotFound
	}

	if _, err := tx.Exec(ctx,
		`UPDATE payment_methods SET is_default = (id = $2) WHERE organization_id = $1`,
		organizationID, id); err != nil {
		return fmt.Errorf("failed to set default payment method: %w", err)
	}
	return tx.Commit(ctx)
}
