package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ListPaymentMethods returns the organization's payment methods.
func (e *Engine) ListPaymentMethods(ctx context.Context, id Identity) ([]*PaymentMethod, error) {
	if err := id.validate(); err != nil {
		return nil, err
	}
	return e.methods.ListPaymentMethods(ctx, id.OrganizationID)
}

// AddPaymentMethod verifies externalRef with the processor and stores it as
// the organization's default method.
func (e *Engine) AddPaymentMethod(ctx context.Context, id Identity, externalRef string) (*PaymentMethod, error) {
	if err := id.validate(); err != nil {
		return nil, err
	}
	if externalRef = strings.TrimSpace(externalRef); externalRef == "" {
		return nil, ValidationError("paymentMethodId is required")
	}

	external, err := e.processor.RetrievePaymentMethod(ctx, externalRef)
	if err != nil {
		return nil, err
	}

	pm := &PaymentMethod{
		ID:             uuid.NewString(),
		OrganizationID: id.OrganizationID,
		Type:           PaymentMethodType(external.Type),
		Card:           external.Card,
		IsDefault:      true,
		ExternalRef:    external.ID,
		CreatedAt:      e.clock.Now(),
	}
	if pm.Type != PaymentMethodBankAccount {
		pm.Type = PaymentMethodCard
	}

	err = e.withOrgLock(ctx, id.OrganizationID, func(ctx context.Context) error {
		if err := e.methods.CreatePaymentMethod(ctx, pm); err != nil {
			return fmt.Errorf("failed to create payment method: %w", err)
		}
		return e.methods.SetDefaultPaymentMethod(ctx, id.OrganizationID, pm.ID)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("payment method added",
		F("organization_id", id.OrganizationID), F("payment_method", pm.ID))
	return pm, nil
}

// SetDefaultPaymentMethod makes one of the organization's methods the default.
func (e *Engine) SetDefaultPaymentMethod(ctx context.Context, id Identity, paymentMethodID string) (*PaymentMethod, error) {
	if err := id.validate(); err != nil {
		return nil, err
	}
	var pm *PaymentMethod
	err := e.withOrgLock(ctx, id.OrganizationID, func(ctx context.Context) error {
		var err error
		if pm, err = e.ownedPaymentMethod(ctx, id, paymentMethodID); err != nil {
			return err
		}
		if err := e.methods.SetDefaultPaymentMethod(ctx, id.OrganizationID, pm.ID); err != nil {
			return err
		}
		pm.IsDefault = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pm, nil
}

// RemovePaymentMethod deletes one of the organization's methods.
func (e *Engine) RemovePaymentMethod(ctx context.Context, id Identity, paymentMethodID string) error {
	if err := id.validate(); err != nil {
		return err
	}
	return e.withOrgLock(ctx, id.OrganizationID, func(ctx context.Context) error {
		pm, err := e.ownedPaymentMethod(ctx, id, paymentMethodID)
		if err != nil {
			return err
		}
		return e.methods.DeletePaymentMethod(ctx, pm.ID)
	})
}

// ownedPaymentMethod hides methods of other organizations behind NotFound.
func (e *Engine) ownedPaymentMethod(ctx context.Context, id Identity, paymentMethodID string) (*PaymentMethod, error) {
	pm, err := e.methods.GetPaymentMethod(ctx, paymentMethodID)
	if err != nil {
		return nil, err
	}
	if pm.OrganizationID != id.OrganizationID {
		return nil, NotFoundError(ErrPaymentMethodNotFound, "payment method not found")
	}
	return pm, nil
}
