package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// HandleProcessorWebhook verifies and applies a processor webhook. Signature
// failures are returned without touching any state. Redelivered event ids are
// acknowledged without reprocessing. Unknown event types are ignored.
func (e *Engine) HandleProcessorWebhook(ctx context.Context, payload []byte, signature string) error {
	start := time.Now()
	provider := e.processor.Name()

	event, err := e.processor.VerifyWebhook(payload, signature)
	if err != nil {
		errorType := "invalid_payload"
		if errors.Is(err, ErrInvalidWebhookSignature) {
			errorType = "auth_failed"
		}
		e.metrics.RecordWebhookError(provider, errorType)
		e.logger.Warn("rejected processor webhook", F("provider", provider), Err(err))
		return err
	}

	if CorrelationIDFromContext(ctx) == "" {
		ctx = WithCorrelationID(ctx, event.ID)
	}

	seen, err := e.dedup.MarkProcessed(ctx, event.ID)
	if err != nil {
		e.logger.Warn("webhook dedup unavailable, processing anyway", F("event_id", event.ID), Err(err))
	}
	if seen {
		e.metrics.RecordWebhookEvent(provider, event.Type, "duplicate")
		e.logger.Debug("duplicate processor webhook", F("event_id", event.ID), F("event_type", event.Type))
		return nil
	}

	status, err := e.applyWebhook(ctx, event)
	e.metrics.RecordWebhookProcessingDuration(provider, event.Type, time.Since(start))
	if err != nil {
		if ferr := e.dedup.Forget(ctx, event.ID); ferr != nil {
			e.logger.Warn("failed to forget webhook event", F("event_id", event.ID), Err(ferr))
		}
		e.metrics.RecordWebhookEvent(provider, event.Type, "error")
		e.metrics.RecordWebhookError(provider, "processing_error")
		e.logger.Error("failed to process processor webhook",
			F("event_id", event.ID), F("event_type", event.Type), Err(err))
		e.observe(opWebhook, start, err)
		return err
	}
	e.metrics.RecordWebhookEvent(provider, event.Type, status)
	e.observe(opWebhook, start, nil)
	return nil
}

func (e *Engine) applyWebhook(ctx context.Context, event *ProcessorEvent) (string, error) {
	switch event.Type {
	case EventCheckoutCompleted:
		return e.onCheckoutCompleted(ctx, event.Checkout)
	case EventProcessorSubscriptionUpdate:
		return e.onSubscriptionChanged(ctx, event.Subscription, false)
	case EventProcessorSubscriptionDelete:
		return e.onSubscriptionChanged(ctx, event.Subscription, true)
	case EventProcessorInvoicePaid:
		return e.onInvoice(ctx, event.Invoice, true)
	case EventProcessorPaymentFailed:
		return e.onInvoice(ctx, event.Invoice, false)
	default:
		e.logger.Debug("ignoring processor webhook", F("event_type", event.Type))
		return "ignored", nil
	}
}

func (e *Engine) onCheckoutCompleted(ctx context.Context, c *CheckoutCompletion) (string, error) {
	if c == nil || c.Mode != "subscription" || c.Metadata["organizationId"] == "" || c.SubscriptionRef == "" {
		e.logger.Debug("ignoring checkout without subscription metadata")
		return "ignored", nil
	}
	organizationID := c.Metadata["organizationId"]

	err := e.withOrgLock(ctx, organizationID, func(ctx context.Context) error {
		external, err := e.processor.RetrieveSubscription(ctx, c.SubscriptionRef)
		if err != nil {
			return err
		}

		existing, err := e.findExisting(ctx, organizationID)
		if err != nil {
			return err
		}
		alreadyActive := existing != nil && existing.Status == StatusActive &&
			existing.ExternalSubscriptionRef == c.SubscriptionRef

		planID := c.Metadata["planId"]
		plan, err := e.catalog.Get(ctx, planID)
		if err != nil && !errors.Is(err, ErrPlanNotFound) {
			return err
		}
		if plan == nil {
			e.logger.Warn("checkout references unknown plan",
				F("organization_id", organizationID), F("plan_id", planID))
		}

		cycle := BillingCycle(c.Metadata["billingCycle"])
		if !cycle.Valid() {
			if cycle = cycleFromMetadata(external); cycle == "" {
				cycle = CycleMonthly
			}
		}

		now := e.clock.Now()
		sub := existing.Clone()
		previous := Status("")
		if sub == nil {
			sub = &Subscription{ID: uuid.NewString(), OrganizationID: organizationID, CreatedAt: now}
		} else {
			previous = sub.Status
			if sub.ExternalSubscriptionRef != "" && sub.ExternalSubscriptionRef != c.SubscriptionRef {
				e.cancelExternalBestEffort(ctx, sub)
			}
		}
		if planID != "" {
			sub.PlanID = planID
		}
		sub.Status = StatusActive
		sub.BillingCycle = cycle
		sub.CustomerRef = c.CustomerRef
		sub.ExternalSubscriptionRef = c.SubscriptionRef
		sub.CurrentPeriod = periodFromUnix(external.CurrentPeriodStart, external.CurrentPeriodEnd, cycle, now)
		sub.CancelAtPeriodEnd = external.CancelAtPeriodEnd
		sub.CanceledAt = nil
		sub.CancellationReason = ""
		sub.UpdatedAt = now
		if err := e.subs.Upsert(ctx, sub); err != nil {
			return fmt.Errorf("failed to upsert subscription: %w", err)
		}
		e.recordStatusChange(previous, sub.Status)
		e.logger.Info("subscription activated from checkout",
			F("organization_id", organizationID),
			F("plan_id", sub.PlanID),
			F("external_subscription", c.SubscriptionRef))

		if alreadyActive {
			return nil
		}
		payload := SubscriptionCreatedPayload{
			SubscriptionID: sub.ID,
			OrganizationID: organizationID,
			PlanID:         sub.PlanID,
			Status:         sub.Status,
			BillingCycle:   sub.BillingCycle,
		}
		if plan != nil {
			payload.PlanName = plan.Name
		}
		return e.publish(ctx, EventSubscriptionCreated, payload)
	})
	if err != nil {
		return "", err
	}
	return "success", nil
}

func (e *Engine) onSubscriptionChanged(ctx context.Context, ext *ProcessorSubscription, deleted bool) (string, error) {
	if ext == nil || ext.ID == "" {
		return "", fmt.Errorf("%w: subscription event without subscription", ErrInvalidWebhookPayload)
	}
	found, err := e.subs.FindByExternalSubscriptionRef(ctx, ext.ID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		e.logger.Info("processor subscription has no local record", F("external_subscription", ext.ID))
		return "ignored", nil
	}
	if err != nil {
		return "", err
	}

	err = e.withOrgLock(ctx, found.OrganizationID, func(ctx context.Context) error {
		sub, err := e.subs.FindByExternalSubscriptionRef(ctx, ext.ID)
		if err != nil {
			return err
		}

		now := e.clock.Now()
		previous := sub.Status
		if deleted {
			sub.Status = StatusCanceled
			if sub.CanceledAt == nil {
				sub.CanceledAt = &now
			}
		} else {
			status, ok := MapProcessorStatus(ext.Status)
			if !ok {
				e.logger.Warn("unknown processor subscription status",
					F("external_subscription", ext.ID), F("status", ext.Status))
			}
			sub.Status = status
		}
		sub.CurrentPeriod = periodFromUnix(ext.CurrentPeriodStart, ext.CurrentPeriodEnd, sub.BillingCycle, now)
		// Local cancellations are never pushed to the processor; keep them.
		sub.CancelAtPeriodEnd = sub.CancelAtPeriodEnd || ext.CancelAtPeriodEnd
		sub.UpdatedAt = now
		if err := e.subs.Save(ctx, sub); err != nil {
			return fmt.Errorf("failed to save subscription: %w", err)
		}

		if previous == sub.Status {
			return nil
		}
		e.recordStatusChange(previous, sub.Status)
		e.logger.Info("subscription status changed",
			F("organization_id", sub.OrganizationID),
			F("from", previous), F("to", sub.Status))
		return e.publish(ctx, EventSubscriptionUpdated, SubscriptionUpdatedPayload{
			SubscriptionID:   sub.ID,
			OrganizationID:   sub.OrganizationID,
			PreviousStatus:   previous,
			Status:           sub.Status,
			CurrentPeriodEnd: sub.CurrentPeriod.End,
		})
	})
	if err != nil {
		return "", err
	}
	return "success", nil
}

func (e *Engine) onInvoice(ctx context.Context, inv *ProcessorInvoice, paid bool) (string, error) {
	if inv == nil || inv.ID == "" {
		return "", fmt.Errorf("%w: invoice event without invoice", ErrInvalidWebhookPayload)
	}

	sub, err := e.subscriptionForInvoice(ctx, inv)
	if err != nil {
		return "", err
	}

	now := e.clock.Now()
	organizationID := ""
	apply := func(ctx context.Context) error {
		if sub == nil {
			return nil
		}
		organizationID = sub.OrganizationID
		if err := e.projectInvoice(ctx, sub, inv, paid, now); err != nil {
			return err
		}
		if paid || sub.Status != StatusActive {
			return nil
		}
		// Re-read under the lock; the record may have moved since lookup.
		current, err := e.subs.FindByOrganization(ctx, sub.OrganizationID)
		if err != nil || current.Status != StatusActive {
			return err
		}
		current.Status = StatusPastDue
		current.UpdatedAt = now
		if err := e.subs.Save(ctx, current); err != nil {
			return fmt.Errorf("failed to save subscription: %w", err)
		}
		e.recordStatusChange(StatusActive, StatusPastDue)
		e.logger.Info("subscription marked past due",
			F("organization_id", current.OrganizationID), F("invoice", inv.ID))
		return nil
	}

	if sub != nil {
		err = e.withOrgLock(ctx, sub.OrganizationID, apply)
	} else {
		e.logger.Info("invoice has no local subscription", F("invoice", inv.ID), F("customer", inv.CustomerRef))
	}
	if err != nil {
		return "", err
	}

	if paid {
		paidAt := now
		if inv.PaidAt > 0 {
			paidAt = time.Unix(inv.PaidAt, 0).UTC()
		}
		err = e.publish(ctx, EventInvoicePaid, InvoicePaidPayload{
			InvoiceID:      inv.ID,
			OrganizationID: organizationID,
			Amount:         FromMinorUnits(inv.AmountPaid).InexactFloat64(),
			Currency:       strings.ToUpper(inv.Currency),
			PaidAt:         paidAt,
		})
	} else {
		err = e.publish(ctx, EventPaymentFailed, PaymentFailedPayload{
			InvoiceID:      inv.ID,
			OrganizationID: organizationID,
			Amount:         FromMinorUnits(inv.AmountDue).InexactFloat64(),
			ErrorCode:      PaymentFailedCode,
		})
	}
	if err != nil {
		return "", err
	}
	return "success", nil
}

func (e *Engine) subscriptionForInvoice(ctx context.Context, inv *ProcessorInvoice) (*Subscription, error) {
	if inv.SubscriptionRef != "" {
		sub, err := e.subs.FindByExternalSubscriptionRef(ctx, inv.SubscriptionRef)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, ErrSubscriptionNotFound) {
			return nil, err
		}
	}
	if inv.CustomerRef == "" {
		return nil, nil
	}
	sub, err := e.subs.FindByCustomerRef(ctx, inv.CustomerRef)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, nil
	}
	return sub, err
}

func (e *Engine) projectInvoice(ctx context.Context, sub *Subscription, inv *ProcessorInvoice, paid bool, now time.Time) error {
	items := make([]InvoiceItem, 0, len(inv.Lines))
	for _, line := range inv.Lines {
		amount := FromMinorUnits(line.Amount)
		unit := amount
		if line.Quantity > 1 {
			unit = amount.Div(decimal.NewFromInt(line.Quantity)).Round(2)
		}
		items = append(items, InvoiceItem{
			Description: line.Description,
			Quantity:    line.Quantity,
			UnitPrice:   unit,
			Amount:      amount,
		})
	}

	proj := &Invoice{
		ID:                 uuid.NewString(),
		SubscriptionID:     sub.ID,
		OrganizationID:     sub.OrganizationID,
		InvoiceNumber:      inv.Number,
		Items:              items,
		Subtotal:           FromMinorUnits(inv.Subtotal),
		Tax:                FromMinorUnits(inv.Tax),
		Total:              FromMinorUnits(inv.Total),
		Currency:           strings.ToUpper(inv.Currency),
		Status:             InvoiceFailed,
		ExternalInvoiceRef: inv.ID,
		CreatedAt:          now,
	}
	if paid {
		proj.Status = InvoicePaid
		paidAt := now
		if inv.PaidAt > 0 {
			paidAt = time.Unix(inv.PaidAt, 0).UTC()
		}
		proj.PaidAt = &paidAt
	}
	if inv.DueDate > 0 {
		due := time.Unix(inv.DueDate, 0).UTC()
		proj.DueDate = &due
	}
	if proj.InvoiceNumber == "" {
		existing, err := e.invoices.GetInvoiceByExternalRef(ctx, inv.ID)
		switch {
		case err == nil:
			proj.InvoiceNumber = existing.InvoiceNumber
		case !errors.Is(err, ErrInvoiceNotFound):
			return fmt.Errorf("failed to load invoice: %w", err)
		}
	}
	if proj.InvoiceNumber == "" {
		number, err := e.NextInvoiceNumber(ctx, now.Year())
		if err != nil {
			return err
		}
		proj.InvoiceNumber = number
	}
	if err := e.invoices.UpsertInvoiceByExternalRef(ctx, proj); err != nil {
		return fmt.Errorf("failed to upsert invoice: %w", err)
	}
	return nil
}
